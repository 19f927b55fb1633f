package amm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// submitLockKey serializes submissions from the engine's signing account so
// nonces are handed out in order across replicas.
const submitLockKey = "amm:submit"

// SwapSource settles queued swaps on chain.
type SwapSource struct {
	chain   Chain
	specs   map[string]domain.PairSpec
	locks   domain.LockManager
	lockTTL time.Duration
	cache   *ReserveCache
	now     func() time.Time
	logger  *slog.Logger
}

// NewSwapSource creates a SwapSource. locks may be nil for a single replica.
func NewSwapSource(chain Chain, specs []domain.PairSpec, locks domain.LockManager, lockTTL time.Duration, cache *ReserveCache, logger *slog.Logger) *SwapSource {
	s := &SwapSource{
		chain:   chain,
		specs:   make(map[string]domain.PairSpec, len(specs)),
		locks:   locks,
		lockTTL: lockTTL,
		cache:   cache,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "amm_source")),
	}
	for _, sp := range specs {
		s.specs[sp.Symbol] = sp
	}
	return s
}

// Submit sends the request's swap and returns its transaction hash.
func (s *SwapSource) Submit(ctx context.Context, req domain.SettlementRequest) (string, error) {
	if req.Swap == nil {
		return "", fmt.Errorf("amm: submit %s: no swap instruction: %w", req.ID, domain.ErrMalformedOrder)
	}
	spec, ok := s.specs[req.Pair]
	if !ok {
		return "", fmt.Errorf("amm: submit %s: %w", req.Pair, domain.ErrUnsupportedPair)
	}
	if !req.Swap.Deadline.IsZero() && s.now().After(req.Swap.Deadline) {
		return "", fmt.Errorf("amm: submit %s: swap deadline passed: %w", req.ID, domain.ErrContractReverted)
	}

	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, submitLockKey, s.lockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return "", fmt.Errorf("amm: submit %s: %w", req.ID, domain.ErrNonceConflict)
			}
			return "", fmt.Errorf("amm: submit %s: lock: %w", req.ID, err)
		}
		defer unlock()
	}

	hash, err := s.chain.SubmitSwap(ctx, spec, *req.Swap)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("amm: submit %s: %w", req.ID, domain.ErrRPCDeadline)
		}
		return "", fmt.Errorf("amm: submit %s: %w", req.ID, err)
	}
	s.logger.Info("swap submitted",
		slog.String("settlement_id", req.ID),
		slog.String("order_id", req.OrderID),
		slog.String("tx_hash", hash),
	)
	return hash, nil
}

// Status looks up the receipt of a submitted swap. Final receipts invalidate
// the pool so the next quote sees the new reserves.
func (s *SwapSource) Status(ctx context.Context, req domain.SettlementRequest) (domain.Confirmation, error) {
	c, err := s.chain.Receipt(ctx, req.TxHash)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Confirmation{}, fmt.Errorf("amm: receipt %s: %w", req.TxHash, domain.ErrRPCDeadline)
		}
		return domain.Confirmation{}, fmt.Errorf("amm: receipt %s: %w", req.TxHash, err)
	}
	if c.Status != domain.ConfirmationPending && s.cache != nil {
		s.cache.Invalidate(req.Pair)
	}
	return c, nil
}
