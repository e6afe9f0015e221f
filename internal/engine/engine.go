// Package engine provides the incremental synchronization core: the
// difference planner that computes pending parameter values per target and
// the orchestrator that drains them.
//
// This package defines the collaborator interfaces it needs (reference set,
// progress set, failure ledger, fetcher, sink writer, event emitter) without
// depending on concrete implementations. PostgreSQL-backed implementations
// live in internal/storage, the upstream executor in internal/fetch, and
// emitters in internal/events.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/statline-io/statline/internal/fetch"
)

// Sentinel errors for engine operations.
var (
	// ErrPlanningFailed is returned when the reference or progress set cannot
	// be computed. Planning against a partial universe would silently skip
	// work, so a planning failure aborts the whole run for that target.
	ErrPlanningFailed = errors.New("planning failed")

	// ErrLedgerWriteFailed is returned when a permanent failure could not be
	// recorded. Losing failure information causes infinite re-fetch loops,
	// so it is never swallowed.
	ErrLedgerWriteFailed = errors.New("failure ledger write failed")
)

type (
	// FailureRecord is the durable fact that one (endpoint, parameter key,
	// parameter value) triple failed permanently. Recorded once; only manual
	// operator action removes it to permit a re-attempt.
	FailureRecord struct {
		EndpointKey    string
		ParamKey       string
		ParamValue     string
		Classification string
		Message        string
		RetryCount     int
		RecordedAt     time.Time
	}

	// Ledger is the durable failure exclusion store.
	Ledger interface {
		// IsExcluded reports whether a failure record exists for the triple.
		IsExcluded(ctx context.Context, endpointKey, paramKey, paramValue string) (bool, error)

		// ExcludedValues returns every excluded parameter value for the
		// endpoint and key in one round trip, for planning.
		ExcludedValues(ctx context.Context, endpointKey, paramKey string) (map[string]struct{}, error)

		// Record appends a failure record. Recording the same triple twice
		// must not error and must not duplicate; implementations refresh the
		// last-seen timestamp only.
		Record(ctx context.Context, record FailureRecord) error
	}

	// ReferenceProvider supplies the full universe of parameter values that
	// should eventually be covered. Maintained by an external process; the
	// engine only reads it.
	ReferenceProvider interface {
		// ListAll returns all reference values for a parameter key in a
		// deterministic order. Repeated planning passes depend on that order
		// being stable.
		ListAll(ctx context.Context, paramKey string) ([]string, error)
	}

	// ProgressProvider reports the parameter values already represented in a
	// destination. Progress is derived from stored rows, never tracked
	// separately, which keeps a crashed run resumable with no checkpoint.
	ProgressProvider interface {
		// CompletedValues returns the distinct stored values of keyColumn in
		// the destination. A destination that does not exist yet is an empty
		// set, not an error.
		CompletedValues(ctx context.Context, destination, keyColumn string) ([]string, error)
	}

	// Fetcher performs one parameter's upstream call with retry and outcome
	// classification.
	Fetcher interface {
		Fetch(ctx context.Context, endpointKey, paramKey, paramValue string) (*fetch.Response, fetch.Outcome, error)
	}

	// WriteResult reports the per-row outcome of one destination write.
	WriteResult struct {
		Written      int      // rows upserted
		Failed       int      // rows rejected by the destination
		CreatedTable bool     // destination was created by this write
		AddedColumns []string // columns added to an existing destination
	}

	// Writer idempotently persists one matched result set.
	Writer interface {
		Write(ctx context.Context, destination string, columns []string, rows [][]any, keyColumns []string) (WriteResult, error)
	}
)
