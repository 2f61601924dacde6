package trade

import (
	"errors"
	"fmt"
)

// Sentinel errors for the outcome classes callers branch on.
// Wrap them with pkg/errors to attach context; match with errors.Is.
var (
	// ErrInvalidParameters is a caller error, never retried.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrPlacementUncertain means a placement ended ambiguous after the
	// bounded confirmation attempts. The caller must NOT re-place under a
	// fresh client order id; retrying is only safe with the same id.
	ErrPlacementUncertain = errors.New("placement uncertain")
	// ErrExchangeUnavailable is transient; safe to retry later with the
	// same derived client order id.
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	// ErrPersistenceFailure means durable state was not written; the
	// operation must not be reported as successful.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// RiskError is a hard rejection from the risk evaluator. Code is machine
// readable so the calling workflow can surface the exact cause.
type RiskError struct {
	Code    string
	Message string
}

func (e *RiskError) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", e.Code, e.Message)
}

// Risk reason codes.
const (
	RiskLeverageExceeded  = "leverage_exceeded"
	RiskExposureExceeded  = "exposure_exceeded"
	RiskDailyLossBreached = "daily_loss_breached"
	RiskInvalidBounds     = "invalid_bounds"
	RiskGridCount         = "grid_count"
)

// RejectError is a terminal exchange refusal (4xx). Not retried.
type RejectError struct {
	ClientOrderID string
	Reason        string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("order %s rejected: %s", e.ClientOrderID, e.Reason)
}

// IsRiskRejected reports whether err carries a risk rejection.
func IsRiskRejected(err error) bool {
	var re *RiskError
	return errors.As(err, &re)
}

// IsOrderRejected reports whether err carries a terminal exchange refusal.
func IsOrderRejected(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}
