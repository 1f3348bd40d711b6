package domain

import (
	"errors"
	"fmt"
)

// Error kinds. Callers match them with errors.Is.
var (
	ErrInvalidOrderSpec    = errors.New("invalid order spec")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrBrokerUnavailable   = errors.New("broker unavailable")
	ErrStalePersistedState = errors.New("stale persisted state")
	ErrEscalationRaceLost  = errors.New("escalation race lost")
	ErrEscalationLimit     = errors.New("escalation limit reached")
	ErrOrderNotReplaceable = errors.New("order not replaceable")
	ErrRiskLimit           = errors.New("risk limit exceeded")
)

// ExecutionError ties a failure to the last broker order id known to be
// live, so the caller can reconcile against the broker.
type ExecutionError struct {
	Op      string
	OrderID string
	Err     error
}

func (e *ExecutionError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s (order %s): %v", e.Op, e.OrderID, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// LastOrderID extracts the last known broker order id from err, if any.
func LastOrderID(err error) string {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.OrderID
	}
	return ""
}
