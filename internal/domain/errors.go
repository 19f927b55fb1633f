package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")
)

// Validation errors are rejected synchronously and never retried.
var (
	ErrValidation       = errors.New("validation error")
	ErrMalformedOrder   = fmt.Errorf("%w: malformed order", ErrValidation)
	ErrUnsupportedPair  = fmt.Errorf("%w: unsupported pair", ErrValidation)
	ErrNotionalTooLarge = fmt.Errorf("%w: notional too large", ErrValidation)
)

// Security errors carry a retry hint and are not system faults.
var (
	ErrSecurityBlock        = errors.New("security block")
	ErrThrottled            = fmt.Errorf("%w: throttled", ErrSecurityBlock)
	ErrBlocked              = fmt.Errorf("%w: blocked", ErrSecurityBlock)
	ErrConfirmationRequired = fmt.Errorf("%w: confirmation required", ErrSecurityBlock)
	ErrBackpressure         = fmt.Errorf("%w: settlement backlog", ErrSecurityBlock)
)

// Liquidity errors may be resubmitted with adjusted parameters.
var (
	ErrLiquidity             = errors.New("liquidity error")
	ErrInsufficientLiquidity = fmt.Errorf("%w: insufficient liquidity", ErrLiquidity)
	ErrPriceImpact           = fmt.Errorf("%w: price impact above limit", ErrLiquidity)
	ErrPoolUnavailable       = fmt.Errorf("%w: pool unavailable", ErrLiquidity)
)

// Execution errors are retried inside the settlement worker.
var (
	ErrExecution        = errors.New("execution failure")
	ErrNonceConflict    = fmt.Errorf("%w: nonce conflict", ErrExecution)
	ErrInsufficientGas  = fmt.Errorf("%w: insufficient gas", ErrExecution)
	ErrContractReverted = fmt.Errorf("%w: contract reverted", ErrExecution)
	ErrRPCDeadline      = fmt.Errorf("%w: rpc deadline exceeded", ErrExecution)
)

var (
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrInvariantViolation  = errors.New("internal invariant violation")
	ErrPairPaused          = errors.New("pair paused")
)

// SecurityError wraps a security sentinel with a retry hint.
type SecurityError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *SecurityError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %s)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *SecurityError) Unwrap() error { return e.Err }

// ReasonCode maps an error to the short code reported on orders and
// settlements.
func ReasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNonceConflict):
		return "nonce_conflict"
	case errors.Is(err, ErrInsufficientGas):
		return "insufficient_gas"
	case errors.Is(err, ErrContractReverted):
		return "contract_revert"
	case errors.Is(err, ErrRPCDeadline):
		return "rpc_deadline"
	case errors.Is(err, ErrExecution):
		return "submit_failed"
	case errors.Is(err, ErrConfirmationTimeout):
		return "confirmation_timeout"
	case errors.Is(err, ErrMalformedOrder):
		return "malformed_order"
	case errors.Is(err, ErrUnsupportedPair):
		return "unsupported_pair"
	case errors.Is(err, ErrNotionalTooLarge):
		return "notional_too_large"
	case errors.Is(err, ErrThrottled):
		return "throttled"
	case errors.Is(err, ErrBlocked):
		return "blocked"
	case errors.Is(err, ErrConfirmationRequired):
		return "confirmation_required"
	case errors.Is(err, ErrBackpressure):
		return "settlement_backlog"
	case errors.Is(err, ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, ErrPriceImpact):
		return "price_impact"
	case errors.Is(err, ErrPoolUnavailable):
		return "pool_unavailable"
	case errors.Is(err, ErrPairPaused):
		return "pair_paused"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	}
	return "internal"
}
