package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/statline-io/statline/internal/config"
	"github.com/statline-io/statline/internal/engine"
)

// FailureLedger implements engine.Ledger with a PostgreSQL backend.
//
// One row per (endpoint_key, param_key, param_value) triple. Re-recording an
// already-excluded triple refreshes last_seen_at only; the original record
// is never mutated or duplicated. Rows are removed exclusively by manual
// operator action to permit a re-attempt.
var _ engine.Ledger = (*FailureLedger)(nil)

// ErrLedgerQueryFailed is returned when a ledger read fails. A failed read
// aborts planning rather than planning against a partial exclusion set.
var ErrLedgerQueryFailed = errors.New("failure ledger query failed")

// FailureLedger is the PostgreSQL failure exclusion store.
type FailureLedger struct {
	conn   *Connection
	logger *slog.Logger
}

// NewFailureLedger creates a ledger over the shared connection.
func NewFailureLedger(conn *Connection) (*FailureLedger, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &FailureLedger{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// IsExcluded implements engine.Ledger.
func (l *FailureLedger) IsExcluded(ctx context.Context, endpointKey, paramKey, paramValue string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM sync_failures
			WHERE endpoint_key = $1 AND param_key = $2 AND param_value = $3
		)
	`

	var excluded bool
	if err := l.conn.QueryRowContext(ctx, query, endpointKey, paramKey, paramValue).Scan(&excluded); err != nil {
		return false, fmt.Errorf("%w: %w", ErrLedgerQueryFailed, err)
	}

	return excluded, nil
}

// ExcludedValues implements engine.Ledger. Returns the full exclusion set for
// an endpoint and parameter key in one round trip; the planner subtracts it
// from the reference set.
func (l *FailureLedger) ExcludedValues(ctx context.Context, endpointKey, paramKey string) (map[string]struct{}, error) {
	query := `
		SELECT param_value FROM sync_failures
		WHERE endpoint_key = $1 AND param_key = $2
	`

	rows, err := l.conn.QueryContext(ctx, query, endpointKey, paramKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerQueryFailed, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	excluded := make(map[string]struct{})

	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLedgerQueryFailed, err)
		}

		excluded[value] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerQueryFailed, err)
	}

	return excluded, nil
}

// Record implements engine.Ledger. Idempotent: a second failure for an
// already-recorded triple refreshes last_seen_at and nothing else.
func (l *FailureLedger) Record(ctx context.Context, record engine.FailureRecord) error {
	recordedAt := record.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO sync_failures
			(endpoint_key, param_key, param_value, classification, message, retry_count, recorded_at, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (endpoint_key, param_key, param_value)
		DO UPDATE SET last_seen_at = EXCLUDED.last_seen_at
	`

	_, err := l.conn.ExecContext(ctx, query,
		record.EndpointKey,
		record.ParamKey,
		record.ParamValue,
		record.Classification,
		record.Message,
		record.RetryCount,
		recordedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrLedgerWriteFailed, err)
	}

	l.logger.Info("failure recorded",
		slog.String("endpoint", record.EndpointKey),
		slog.String("param_key", record.ParamKey),
		slog.String("param_value", record.ParamValue),
		slog.String("classification", record.Classification),
		slog.Int("retry_count", record.RetryCount),
	)

	return nil
}

// HealthCheck verifies the underlying connection.
func (l *FailureLedger) HealthCheck(ctx context.Context) error {
	return l.conn.HealthCheck(ctx)
}
