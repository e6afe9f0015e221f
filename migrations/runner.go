package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ErrMissingDatabaseURL indicates the runner was configured without a
// database connection string.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL cannot be empty")

type (
	// Config holds the migration runner settings.
	Config struct {
		// DatabaseURL is the PostgreSQL connection string.
		DatabaseURL string

		// MigrationTable tracks applied versions; defaults to
		// schema_migrations.
		MigrationTable string
	}

	// Runner applies the embedded migrations against a database.
	Runner struct {
		migrate *migrate.Migrate
		db      *sql.DB
		logger  *slog.Logger
	}
)

// LoadConfig reads runner settings from the environment. The package cannot
// use internal/config here: the shared test helpers there import this
// package for the embedded source.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MigrationTable: getEnv("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return fallback
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}

	return nil
}

// NewRunner validates the embedded migration set, opens the database, and
// prepares a migrate instance over the embedded source.
func NewRunner(cfg *Config, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "migrations")

	if err := Validate(); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{
		MigrationsTable: cfg.MigrationTable,
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(FS(), ".")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open embedded migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return &Runner{migrate: m, db: db, logger: logger}, nil
}

// Up applies all pending migrations. Already-applied is not an error.
func (r *Runner) Up() error {
	if err := r.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("Migrations applied")

	return nil
}

// Down rolls back the most recent migration.
func (r *Runner) Down() error {
	if err := r.migrate.Steps(-1); err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Rolled back one migration")

	return nil
}

// Version reports the current schema version and dirty flag.
func (r *Runner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}

	return version, dirty, nil
}

// Drop removes everything in the database. Destructive; CLI-gated.
func (r *Runner) Drop() error {
	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop failed: %w", err)
	}

	r.logger.Warn("Dropped all database objects")

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	closeErr := r.db.Close()

	return errors.Join(sourceErr, dbErr, closeErr)
}
