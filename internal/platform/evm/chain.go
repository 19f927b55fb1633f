// Package evm connects the AMM executor to EVM chains: a Uniswap V2 style
// pair and router over JSON-RPC, and an in-process paper chain.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"

	"github.com/alanyoungcy/hybridengine/internal/amm"
	"github.com/alanyoungcy/hybridengine/internal/crypto"
	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// Backend is the JSON-RPC surface the chain client uses. *ethclient.Client
// implements it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Config holds the router and gas parameters.
type Config struct {
	RouterAddress string
	GasLimit      uint64
}

// Chain implements amm.Chain against a V2 pair and router.
type Chain struct {
	backend Backend
	signer  *crypto.Signer
	router  common.Address
	gas     uint64
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.Mutex
	token0 map[common.Address]common.Address
	// pending maps a submitted tx to its pair and swap so receipts can
	// report the realised output.
	pending map[common.Hash]pendingSwap
}

type pendingSwap struct {
	pool common.Address
}

var _ amm.Chain = (*Chain)(nil)

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Chain, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial: %w", err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("evm: chain id: %w", err)
	}
	if id.Cmp(signer.ChainID()) != 0 {
		client.Close()
		return nil, fmt.Errorf("evm: node reports chain %s, key bound to %s", id, signer.ChainID())
	}
	return NewChain(client, signer, cfg, logger), nil
}

// NewChain wraps an existing backend.
func NewChain(backend Backend, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Chain {
	gas := cfg.GasLimit
	if gas == 0 {
		gas = 250_000
	}
	return &Chain{
		backend: backend,
		signer:  signer,
		router:  common.HexToAddress(cfg.RouterAddress),
		gas:     gas,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "evm")),
		token0:  make(map[common.Address]common.Address),
		pending: make(map[common.Hash]pendingSwap),
	}
}

// Close releases the RPC connection when the backend holds one.
func (c *Chain) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

func (c *Chain) call(ctx context.Context, to common.Address, method string, args ...any) ([]any, error) {
	data, err := pairABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("evm: pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(method, err)
	}
	vals, err := pairABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("evm: unpack %s: %w", method, err)
	}
	return vals, nil
}

// baseIsToken0 reports the pool's token ordering, cached per pool.
func (c *Chain) baseIsToken0(ctx context.Context, pool common.Address, base common.Address) (bool, error) {
	c.mu.Lock()
	t0, ok := c.token0[pool]
	c.mu.Unlock()
	if !ok {
		vals, err := c.call(ctx, pool, "token0")
		if err != nil {
			return false, err
		}
		t0 = vals[0].(common.Address)
		c.mu.Lock()
		c.token0[pool] = t0
		c.mu.Unlock()
	}
	return t0 == base, nil
}

// Reserves reads getReserves and orders them base/quote.
func (c *Chain) Reserves(ctx context.Context, spec domain.PairSpec) (domain.PoolReserves, error) {
	pool := common.HexToAddress(spec.PoolAddress)
	baseFirst, err := c.baseIsToken0(ctx, pool, common.HexToAddress(spec.BaseToken))
	if err != nil {
		return domain.PoolReserves{}, err
	}
	vals, err := c.call(ctx, pool, "getReserves")
	if err != nil {
		return domain.PoolReserves{}, err
	}
	r0, over0 := uint256.FromBig(vals[0].(*big.Int))
	r1, over1 := uint256.FromBig(vals[1].(*big.Int))
	if over0 || over1 {
		return domain.PoolReserves{}, fmt.Errorf("evm: reserves overflow for %s", spec.Symbol)
	}
	res := domain.PoolReserves{
		Pair:         spec.Symbol,
		FeeBps:       spec.FeeBps,
		LastSyncedAt: c.now(),
	}
	if baseFirst {
		res.Base, res.Quote = r0, r1
	} else {
		res.Base, res.Quote = r1, r0
	}
	return res, nil
}

// SubmitSwap builds, signs and broadcasts the router call. Sells are
// exact-in base for quote; buys are exact-out base paid in quote.
func (c *Chain) SubmitSwap(ctx context.Context, spec domain.PairSpec, swap domain.SwapInstruction) (string, error) {
	base, quote := common.HexToAddress(spec.BaseToken), common.HexToAddress(spec.QuoteToken)
	self := c.signer.Address()
	deadline := new(big.Int).SetInt64(swap.Deadline.Unix())

	var (
		data []byte
		err  error
	)
	if swap.ExactIn {
		data, err = routerABI.Pack("swapExactTokensForTokens",
			swap.AmountIn.ToBig(), swap.Limit.ToBig(), []common.Address{base, quote}, self, deadline)
	} else {
		data, err = routerABI.Pack("swapTokensForExactTokens",
			swap.AmountOut.ToBig(), swap.Limit.ToBig(), []common.Address{quote, base}, self, deadline)
	}
	if err != nil {
		return "", fmt.Errorf("evm: pack swap: %w", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, self)
	if err != nil {
		return "", classify("nonce", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return "", classify("gas tip", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return "", classify("header", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       c.gas,
		To:        &c.router,
		Value:     big.NewInt(0),
		Data:      data,
	}))
	if err != nil {
		return "", err
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return "", classify("send", err)
	}

	c.mu.Lock()
	c.pending[tx.Hash()] = pendingSwap{pool: common.HexToAddress(spec.PoolAddress)}
	c.mu.Unlock()
	c.logger.Debug("swap broadcast",
		slog.String("pair", spec.Symbol),
		slog.String("tx_hash", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return tx.Hash().Hex(), nil
}

// Receipt reports a transaction's status. Unknown transactions are pending.
func (c *Chain) Receipt(ctx context.Context, txHash string) (domain.Confirmation, error) {
	hash := common.HexToHash(txHash)
	rcpt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return domain.Confirmation{TxHash: txHash, Status: domain.ConfirmationPending}, nil
	}
	if err != nil {
		return domain.Confirmation{}, classify("receipt", err)
	}

	c.mu.Lock()
	ps, known := c.pending[hash]
	delete(c.pending, hash)
	c.mu.Unlock()

	conf := domain.Confirmation{TxHash: txHash, BlockNumber: rcpt.BlockNumber.Uint64()}
	if rcpt.Status != types.ReceiptStatusSuccessful {
		conf.Status = domain.ConfirmationReverted
		return conf, nil
	}
	conf.Status = domain.ConfirmationConfirmed
	if known {
		conf.AmountOut = c.swapOutput(rcpt, ps)
	}
	return conf, nil
}

// swapOutput reads the output amount from the pair's Swap event.
func (c *Chain) swapOutput(rcpt *types.Receipt, ps pendingSwap) *uint256.Int {
	ev := pairABI.Events["Swap"]
	for _, l := range rcpt.Logs {
		if l.Address != ps.pool || len(l.Topics) == 0 || l.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.NonIndexed().Unpack(l.Data)
		if err != nil || len(vals) != 4 {
			continue
		}
		out0, out1 := vals[2].(*big.Int), vals[3].(*big.Int)
		out := out0
		if out.Sign() == 0 {
			out = out1
		}
		v, _ := uint256.FromBig(out)
		return v
	}
	return nil
}
