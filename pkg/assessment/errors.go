package assessment

import (
	"context"
	"errors"
	"fmt"

	"riskteam/pkg/llm/llmerrors"
	"riskteam/pkg/llm/middleware/circuit"
)

// ErrQueryRequired is returned for a request without a query.
var ErrQueryRequired = errors.New("query is required")

// Failure reasons reported by *Error. Classified model errors report their
// llmerrors type name instead.
const (
	ReasonCancelled   = "cancelled"
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit_open"
	ReasonInternal    = "internal"
)

// Error is returned by Consult when a run fails. It carries the run id and a
// classified reason only; the underlying error is logged and stored with the
// run record, never returned.
type Error struct {
	RunID  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("consultation %s failed (%s)", e.RunID, e.Reason)
}

// Is lets callers test for cancellation and deadlines with errors.Is.
func (e *Error) Is(target error) bool {
	switch target { //nolint:errorlint // sentinel identity
	case context.Canceled:
		return e.Reason == ReasonCancelled
	case context.DeadlineExceeded:
		return e.Reason == ReasonTimeout
	}
	return false
}

// FailureReason classifies err without exposing its text.
func FailureReason(err error) string {
	var circuitErr *circuit.Error
	var llmErr *llmerrors.Error
	switch {
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.As(err, &circuitErr):
		return ReasonCircuitOpen
	case errors.As(err, &llmErr):
		return llmErr.Type.String()
	default:
		return ReasonInternal
	}
}
