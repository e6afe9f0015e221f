package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/statline-io/statline/internal/catalog"
	"github.com/statline-io/statline/internal/engine"
)

// ReferenceStore implements engine.ReferenceProvider by reading the
// externally maintained reference tables (e.g. the master player or game
// list). Values are returned ascending, so planning order is stable across
// runs and a run interrupted mid-list resumes where it left off.
type ReferenceStore struct {
	conn    *Connection
	sources map[string]catalog.ReferenceSource
}

var _ engine.ReferenceProvider = (*ReferenceStore)(nil)

// ErrUnknownParamKey is returned when no reference source is configured for
// a parameter key.
var ErrUnknownParamKey = errors.New("no reference source configured for parameter key")

// NewReferenceStore creates a reference reader over the shared connection.
// sources maps parameter keys to the table and column holding their universe.
func NewReferenceStore(conn *Connection, sources map[string]catalog.ReferenceSource) (*ReferenceStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &ReferenceStore{conn: conn, sources: sources}, nil
}

// ListAll implements engine.ReferenceProvider.
func (s *ReferenceStore) ListAll(ctx context.Context, paramKey string) ([]string, error) {
	source, ok := s.sources[paramKey]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownParamKey, paramKey)
	}

	query := fmt.Sprintf(
		`SELECT DISTINCT %s::text FROM %s ORDER BY 1`,
		pq.QuoteIdentifier(NormalizeIdentifier(source.Column)),
		pq.QuoteIdentifier(NormalizeIdentifier(source.Table)),
	)

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read reference set for %q: %w", paramKey, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var values []string

	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("failed to scan reference value: %w", err)
		}

		values = append(values, value)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read reference rows: %w", err)
	}

	return values, nil
}
