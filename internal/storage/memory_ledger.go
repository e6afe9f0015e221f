package storage

import (
	"context"
	"sync"
	"time"

	"github.com/statline-io/statline/internal/engine"
)

// MemoryLedger is a thread-safe in-memory engine.Ledger for tests and
// dry runs. Same idempotency semantics as FailureLedger, no durability.
type MemoryLedger struct {
	mu      sync.RWMutex
	records map[ledgerKey]engine.FailureRecord
}

var _ engine.Ledger = (*MemoryLedger)(nil)

type ledgerKey struct {
	endpointKey string
	paramKey    string
	paramValue  string
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: make(map[ledgerKey]engine.FailureRecord),
	}
}

// IsExcluded implements engine.Ledger.
func (l *MemoryLedger) IsExcluded(_ context.Context, endpointKey, paramKey, paramValue string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	_, excluded := l.records[ledgerKey{endpointKey, paramKey, paramValue}]

	return excluded, nil
}

// ExcludedValues implements engine.Ledger.
func (l *MemoryLedger) ExcludedValues(_ context.Context, endpointKey, paramKey string) (map[string]struct{}, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	excluded := make(map[string]struct{})

	for key := range l.records {
		if key.endpointKey == endpointKey && key.paramKey == paramKey {
			excluded[key.paramValue] = struct{}{}
		}
	}

	return excluded, nil
}

// Record implements engine.Ledger. The first record for a triple wins;
// re-recording is a no-op.
func (l *MemoryLedger) Record(_ context.Context, record engine.FailureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ledgerKey{record.EndpointKey, record.ParamKey, record.ParamValue}
	if _, exists := l.records[key]; exists {
		return nil
	}

	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}

	l.records[key] = record

	return nil
}

// Records returns a copy of all stored records, for test assertions.
func (l *MemoryLedger) Records() []engine.FailureRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	records := make([]engine.FailureRecord, 0, len(l.records))
	for _, record := range l.records {
		records = append(records, record)
	}

	return records
}
