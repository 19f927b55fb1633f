package evm

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// PaperPool seeds one simulated pool, in whole tokens.
type PaperPool struct {
	Spec  domain.PairSpec
	Base  decimal.Decimal
	Quote decimal.Decimal
}

type paperTx struct {
	pair     string
	reverted bool
	out      *uint256.Int
	minedAt  time.Time
	block    uint64
}

// PaperChain is an in-process constant-product chain. Swaps apply to the
// reserves at submission and their receipts appear after ConfirmIn, which
// lets paper mode exercise the settlement queue's polling path.
type PaperChain struct {
	confirmIn time.Duration
	now       func() time.Time

	mu    sync.Mutex
	pools map[string]*domain.PoolReserves
	txs   map[string]*paperTx
	seq   uint64
}

var _ amm.Chain = (*PaperChain)(nil)

// NewPaperChain creates a paper chain with the given pools.
func NewPaperChain(pools []PaperPool, confirmIn time.Duration) *PaperChain {
	c := &PaperChain{
		confirmIn: confirmIn,
		now:       time.Now,
		pools:     make(map[string]*domain.PoolReserves, len(pools)),
		txs:       make(map[string]*paperTx),
	}
	for _, p := range pools {
		c.pools[p.Spec.Symbol] = &domain.PoolReserves{
			Pair:   p.Spec.Symbol,
			Base:   p.Spec.ToBaseUnits(p.Base),
			Quote:  p.Spec.ToQuoteUnits(p.Quote),
			FeeBps: p.Spec.FeeBps,
		}
	}
	return c
}

// Reserves returns a copy of the pool's current reserves.
func (c *PaperChain) Reserves(_ context.Context, spec domain.PairSpec) (domain.PoolReserves, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[spec.Symbol]
	if !ok {
		return domain.PoolReserves{}, fmt.Errorf("evm: paper pool %s: %w", spec.Symbol, domain.ErrPoolUnavailable)
	}
	out := p.Clone()
	out.LastSyncedAt = c.now()
	return out, nil
}

// SubmitSwap applies the swap with router semantics: a swap whose result
// breaches its limit or deadline is mined as reverted and leaves the pool
// unchanged.
func (c *PaperChain) SubmitSwap(ctx context.Context, spec domain.PairSpec, swap domain.SwapInstruction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify("send", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[spec.Symbol]
	if !ok {
		return "", fmt.Errorf("evm: paper pool %s: %w", spec.Symbol, domain.ErrPoolUnavailable)
	}

	now := c.now()
	c.seq++
	var seed [8]byte
	binary.BigEndian.PutUint64(seed[:], c.seq)
	hash := ethcrypto.Keccak256Hash([]byte(spec.Symbol), seed[:]).Hex()
	tx := &paperTx{pair: spec.Symbol, minedAt: now.Add(c.confirmIn), block: c.seq}
	c.txs[hash] = tx

	if !swap.Deadline.IsZero() && now.After(swap.Deadline) {
		tx.reverted = true
		return hash, nil
	}
	if swap.ExactIn {
		out, err := amm.AmountOut(swap.AmountIn, p.Base, p.Quote, p.FeeBps)
		if err != nil || out.Lt(swap.Limit) {
			tx.reverted = true
			return hash, nil
		}
		p.Base = new(uint256.Int).Add(p.Base, swap.AmountIn)
		p.Quote = new(uint256.Int).Sub(p.Quote, out)
		tx.out = out
	} else {
		in, err := amm.AmountIn(swap.AmountOut, p.Quote, p.Base, p.FeeBps)
		if err != nil || in.Gt(swap.Limit) {
			tx.reverted = true
			return hash, nil
		}
		p.Quote = new(uint256.Int).Add(p.Quote, in)
		p.Base = new(uint256.Int).Sub(p.Base, swap.AmountOut)
		tx.out = new(uint256.Int).Set(swap.AmountOut)
	}
	return hash, nil
}

// Receipt is pending until the transaction's mining time has passed.
func (c *PaperChain) Receipt(_ context.Context, txHash string) (domain.Confirmation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[txHash]
	if !ok || c.now().Before(tx.minedAt) {
		return domain.Confirmation{TxHash: txHash, Status: domain.ConfirmationPending}, nil
	}
	conf := domain.Confirmation{TxHash: txHash, BlockNumber: tx.block}
	if tx.reverted {
		conf.Status = domain.ConfirmationReverted
		return conf, nil
	}
	conf.Status = domain.ConfirmationConfirmed
	conf.AmountOut = new(uint256.Int).Set(tx.out)
	return conf, nil
}
