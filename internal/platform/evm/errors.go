package evm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alanyoungcy/hybridengine/internal/domain"
)

// classify maps node error text onto the execution failure taxonomy. Nodes
// report these conditions as JSON-RPC strings, not typed errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrRPCDeadline, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"),
		strings.Contains(msg, "already known"):
		return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrNonceConflict, err)
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"),
		strings.Contains(msg, "gas required exceeds"),
		strings.Contains(msg, "out of gas"),
		strings.Contains(msg, "max fee per gas less than block base fee"):
		return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrInsufficientGas, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "revert"):
		return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrContractReverted, err)
	}
	return fmt.Errorf("evm: %s: %w: %v", op, domain.ErrExecution, err)
}
