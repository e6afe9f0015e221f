package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/statline-io/statline/internal/config"
	"github.com/statline-io/statline/internal/engine"
)

// Compile-time interface assertions: SinkWriter is both the engine's writer
// and its progress provider (progress is derived from destination rows).
var (
	_ engine.Writer           = (*SinkWriter)(nil)
	_ engine.ProgressProvider = (*SinkWriter)(nil)
)

// Sentinel errors for sink write operations.
var (
	// ErrInvalidDestination is returned when the destination name is empty.
	ErrInvalidDestination = errors.New("destination name cannot be empty")

	// ErrNoColumns is returned when a write carries no columns.
	ErrNoColumns = errors.New("write requires at least one column")

	// ErrNoKeyColumns is returned when a write carries no key columns.
	ErrNoKeyColumns = errors.New("write requires at least one key column")

	// ErrKeyColumnMissing is returned when a key column is not among the
	// incoming columns.
	ErrKeyColumnMissing = errors.New("key column not present in row columns")

	// ErrSinkWriteFailed is returned when destination setup (create table,
	// add column, unique index) fails. Row-level failures do not produce
	// this error; they are counted in WriteResult.Failed.
	ErrSinkWriteFailed = errors.New("sink write failed")
)

// postgres error code for "relation does not exist".
const pqUndefinedTable = "42P01"

type (
	// SinkWriter idempotently persists matched result sets into destination
	// tables. It is the only component that mutates destination tables.
	//
	// Destinations are created lazily on the first successful write with a
	// schema inferred from the incoming rows, and a unique index over the key
	// columns backs the upsert. Schemas only grow: a later write carrying new
	// columns adds them as nullable; existing columns are never dropped or
	// retyped, so rows stored under an older schema stay readable.
	SinkWriter struct {
		conn   *Connection
		logger *slog.Logger
	}
)

// NewSinkWriter creates a sink writer over the shared connection.
func NewSinkWriter(conn *Connection) (*SinkWriter, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	return &SinkWriter{
		conn: conn,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}, nil
}

// Write upserts rows into the destination table, creating or growing the
// table first as needed.
//
// Identifiers are normalized (lower-cased, non-alphanumerics folded to
// underscores) before use, so upstream column spellings map to stable table
// schemas. Key columns identify a row: a row whose key already exists is
// updated in place, never duplicated. Writing identical rows twice is a
// no-op beyond the update.
//
// Returns ErrSinkWriteFailed (wrapped) when destination setup fails; row
// failures are counted in the result and logged, not returned.
func (w *SinkWriter) Write(
	ctx context.Context,
	destination string,
	columns []string,
	rows [][]any,
	keyColumns []string,
) (engine.WriteResult, error) {
	var result engine.WriteResult

	table := NormalizeIdentifier(destination)
	if table == "" {
		return result, ErrInvalidDestination
	}

	if len(columns) == 0 {
		return result, ErrNoColumns
	}

	if len(keyColumns) == 0 {
		return result, ErrNoKeyColumns
	}

	normCols := make([]string, len(columns))
	for i, col := range columns {
		normCols[i] = NormalizeIdentifier(col)
	}

	normKeys := make([]string, len(keyColumns))

	for i, key := range keyColumns {
		normKeys[i] = NormalizeIdentifier(key)
		if !contains(normCols, normKeys[i]) {
			return result, fmt.Errorf("%w: %q", ErrKeyColumnMissing, keyColumns[i])
		}
	}

	types := inferColumnTypes(normCols, rows)

	created, added, err := w.ensureDestination(ctx, table, normCols, types, normKeys)
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrSinkWriteFailed, err)
	}

	result.CreatedTable = created
	result.AddedColumns = added

	if created {
		w.logger.Info("created destination table",
			slog.String("destination", table),
			slog.Int("columns", len(normCols)),
		)
	}

	upsert := buildUpsert(table, normCols, normKeys)

	for i, row := range rows {
		if len(row) != len(normCols) {
			result.Failed++

			w.logger.Warn("row width does not match column set",
				slog.String("destination", table),
				slog.Int("row", i),
				slog.Int("cells", len(row)),
				slog.Int("columns", len(normCols)),
			)

			continue
		}

		if _, err := w.conn.ExecContext(ctx, upsert, row...); err != nil {
			result.Failed++

			w.logger.Warn("row upsert failed",
				slog.String("destination", table),
				slog.Int("row", i),
				slog.String("error", err.Error()),
			)

			continue
		}

		result.Written++
	}

	return result, nil
}

// CompletedValues returns the distinct values of keyColumn stored in the
// destination, ascending. A destination that does not exist yet is an empty
// progress set, not an error: the first successful fetch creates it.
func (w *SinkWriter) CompletedValues(ctx context.Context, destination, keyColumn string) ([]string, error) {
	table := NormalizeIdentifier(destination)
	column := NormalizeIdentifier(keyColumn)

	query := fmt.Sprintf(
		`SELECT DISTINCT %s::text FROM %s ORDER BY 1`,
		pq.QuoteIdentifier(column),
		pq.QuoteIdentifier(table),
	)

	rows, err := w.conn.QueryContext(ctx, query)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUndefinedTable {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to query progress for %q: %w", table, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var values []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("failed to scan progress value: %w", err)
		}

		values = append(values, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read progress rows: %w", err)
	}

	return values, nil
}

// HealthCheck verifies the underlying connection.
func (w *SinkWriter) HealthCheck(ctx context.Context) error {
	return w.conn.HealthCheck(ctx)
}

// ensureDestination creates the table if absent and adds any missing columns.
// Returns (createdTable, addedColumns, error).
func (w *SinkWriter) ensureDestination(
	ctx context.Context,
	table string,
	columns []string,
	types map[string]string,
	keyColumns []string,
) (bool, []string, error) {
	existing, err := w.existingColumns(ctx, table)
	if err != nil {
		return false, nil, err
	}

	if existing == nil {
		var defs []string
		for _, col := range columns {
			defs = append(defs, fmt.Sprintf("%s %s", pq.QuoteIdentifier(col), types[col]))
		}

		create := fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS %s (%s)",
			pq.QuoteIdentifier(table),
			strings.Join(defs, ", "),
		)
		if _, err := w.conn.ExecContext(ctx, create); err != nil {
			return false, nil, fmt.Errorf("failed to create destination %q: %w", table, err)
		}

		if err := w.ensureUniqueIndex(ctx, table, keyColumns); err != nil {
			return false, nil, err
		}

		return true, nil, nil
	}

	// Schema may only grow: add incoming columns the table lacks, nullable.
	var added []string

	for _, col := range columns {
		if _, ok := existing[col]; ok {
			continue
		}

		alter := fmt.Sprintf(
			"ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s",
			pq.QuoteIdentifier(table),
			pq.QuoteIdentifier(col),
			types[col],
		)
		if _, err := w.conn.ExecContext(ctx, alter); err != nil {
			return false, added, fmt.Errorf("failed to add column %q to %q: %w", col, table, err)
		}

		added = append(added, col)
	}

	if len(added) > 0 {
		w.logger.Info("destination schema grew",
			slog.String("destination", table),
			slog.Any("added_columns", added),
		)
	}

	if err := w.ensureUniqueIndex(ctx, table, keyColumns); err != nil {
		return false, added, err
	}

	return false, added, nil
}

// existingColumns returns the destination's column set, or nil when the
// table does not exist.
func (w *SinkWriter) existingColumns(ctx context.Context, table string) (map[string]struct{}, error) {
	query := `
		SELECT column_name
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
	`

	rows, err := w.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect destination %q: %w", table, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var columns map[string]struct{}

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column name: %w", err)
		}

		if columns == nil {
			columns = make(map[string]struct{})
		}

		columns[name] = struct{}{}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read column names: %w", err)
	}

	return columns, nil
}

func (w *SinkWriter) ensureUniqueIndex(ctx context.Context, table string, keyColumns []string) error {
	if _, err := w.conn.ExecContext(ctx, buildUniqueIndex(table, keyColumns)); err != nil {
		return fmt.Errorf("failed to ensure unique index on %q: %w", table, err)
	}

	return nil
}

// buildUniqueIndex renders the identity index statement for the destination.
// NULL key cells are part of row identity: without NULLS NOT DISTINCT,
// Postgres treats NULL index entries as distinct and a re-fetched row with a
// nil stat cell never conflicts, so every run would insert a sibling.
func buildUniqueIndex(table string, keyColumns []string) string {
	quoted := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		quoted[i] = pq.QuoteIdentifier(col)
	}

	return fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s) NULLS NOT DISTINCT",
		pq.QuoteIdentifier(table+"_key_idx"),
		pq.QuoteIdentifier(table),
		strings.Join(quoted, ", "),
	)
}

// buildUpsert renders the per-row upsert statement for the destination.
// When every column is a key column there is nothing to update and conflicts
// are ignored.
func buildUpsert(table string, columns, keyColumns []string) string {
	quotedCols := make([]string, len(columns))
	placeholders := make([]string, len(columns))

	var updates []string

	for i, col := range columns {
		quotedCols[i] = pq.QuoteIdentifier(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)

		if !contains(keyColumns, col) {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", quotedCols[i], quotedCols[i]))
		}
	}

	quotedKeys := make([]string, len(keyColumns))
	for i, col := range keyColumns {
		quotedKeys[i] = pq.QuoteIdentifier(col)
	}

	conflict := "DO NOTHING"
	if len(updates) > 0 {
		conflict = "DO UPDATE SET " + strings.Join(updates, ", ")
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		pq.QuoteIdentifier(table),
		strings.Join(quotedCols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(quotedKeys, ", "),
		conflict,
	)
}

// inferColumnTypes maps each column to a PostgreSQL type based on the first
// non-nil value observed for it. Columns with no observed value default to
// TEXT, which accepts anything a later fetch may carry.
func inferColumnTypes(columns []string, rows [][]any) map[string]string {
	types := make(map[string]string, len(columns))

	for i, col := range columns {
		types[col] = "TEXT"

		for _, row := range rows {
			if i >= len(row) || row[i] == nil {
				continue
			}

			types[col] = sqlType(row[i])

			break
		}
	}

	return types
}

func sqlType(v any) string {
	switch v.(type) {
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE PRECISION"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// NormalizeIdentifier folds an upstream name to a stable SQL identifier:
// lower-cased, non-alphanumerics replaced with underscores, prefixed when it
// would otherwise start with a digit. Quoting still goes through
// pq.QuoteIdentifier; normalization only makes names predictable.
func NormalizeIdentifier(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return ""
	}

	var b strings.Builder

	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	normalized := b.String()
	if normalized[0] >= '0' && normalized[0] <= '9' {
		normalized = "t_" + normalized
	}

	return normalized
}

func contains(list []string, target string) bool {
	for _, item := range list {
		if item == target {
			return true
		}
	}

	return false
}
