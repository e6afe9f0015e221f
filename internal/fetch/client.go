// Package fetch provides the fetch-retry executor for the sync engine: one
// upstream call per parameter value, paced by the shared pacer, guarded by a
// circuit breaker, with bounded retry and outcome classification.
//
// The package does not know upstream authentication, headers, or transport.
// Concrete clients live with the deployment; this package sees only the
// Client interface and the tabular response shape.
package fetch

import (
	"context"
	"errors"
)

// Sentinel errors concrete clients return to signal classification.
// Any client error not matching one of these is treated as transient.
var (
	// ErrNotFound means the upstream says the resource does not exist.
	// Not retriable.
	ErrNotFound = errors.New("upstream resource not found")

	// ErrBadRequest means the upstream rejected the parameter as malformed.
	// Not retriable.
	ErrBadRequest = errors.New("upstream rejected request parameters")

	// ErrThrottled means the upstream signaled rate limiting. Retriable.
	ErrThrottled = errors.New("upstream throttled request")

	// ErrUnavailable means a transport-level failure (connect, reset, 5xx).
	// Retriable.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrRetriesExhausted wraps the final transient error after the retry
	// budget is spent. The wrapped failure is permanent for this run and is
	// recorded in the failure ledger by the orchestrator.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

type (
	// ResultSet is one tabular substructure of an upstream response: a fixed
	// column set and zero or more rows of primitive-typed values.
	//
	// Label carries whatever name the upstream attached to the set. It is
	// advisory only: the upstream does not keep set names, order, or count
	// stable across calls, which is why routing goes through the matcher
	// rather than trusting Label or position.
	ResultSet struct {
		Label   string
		Columns []string
		Rows    [][]any
	}

	// Response is the raw shape of one successful upstream call: an ordered
	// list of result sets.
	Response struct {
		ResultSets []ResultSet
	}

	// Client abstracts the upstream stats API transport.
	Client interface {
		// Call performs one API request for one parameter value.
		// Classification contract: return ErrNotFound or ErrBadRequest
		// (wrapped is fine) for non-retriable upstream answers, ErrThrottled
		// or ErrUnavailable for retriable ones. Unknown errors are treated
		// as retriable.
		Call(ctx context.Context, endpointKey, paramKey, paramValue string) (*Response, error)
	}
)

// IsEmpty reports whether the response carries no rows at all.
func (r *Response) IsEmpty() bool {
	for i := range r.ResultSets {
		if len(r.ResultSets[i].Rows) > 0 {
			return false
		}
	}

	return true
}

// ClassifyError maps a client error to a fetch outcome.
//
// Context cancellation of the run is not classified here; the executor
// surfaces it directly so the orchestrator can exit without recording
// a failure.
func ClassifyError(err error) Outcome {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrBadRequest):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}
