// Package main provides the database migration CLI for statline.
//
// Migrations are embedded in the binary; the CLI supports up/down/version/drop
// commands for zero-config deployment.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/statline-io/statline/internal/config"
	"github.com/statline-io/statline/migrations"
)

const (
	version = "1.0.0-dev"
	name    = "statline-migrator"
)

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help information")
		showVersion = flag.Bool("version", false, "Show version information")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	if *showHelp || flag.NArg() < 1 {
		printUsage()
		os.Exit(0)
	}

	command := flag.Arg(0)

	cfg, err := migrations.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	runner, err := migrations.NewRunner(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create migration runner: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := executeCommand(command, runner); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

func executeCommand(command string, runner *migrations.Runner) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "version":
		v, dirty, err := runner.Version()
		if err != nil {
			return err
		}

		fmt.Printf("version: %d dirty: %v\n", v, dirty)

		return nil
	case "drop":
		fmt.Print("This drops ALL database objects. Type 'yes' to continue: ")

		var answer string
		if _, err := fmt.Scanln(&answer); err != nil || answer != "yes" {
			fmt.Println("Aborted")
			return nil
		}

		return runner.Drop()
	default:
		printUsage()

		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage() {
	fmt.Printf(`%s v%s - database migrations for statline

Usage:
  migrator [flags] <command>

Commands:
  up        Apply all pending migrations
  down      Roll back the most recent migration
  version   Show the current schema version
  drop      Drop all database objects (destructive, prompts first)

Flags:
  -help     Show this help
  -version  Show version information

Environment:
  DATABASE_URL      PostgreSQL connection string (required)
  MIGRATION_TABLE   Version tracking table (default: schema_migrations)
  LOG_LEVEL         debug | info | warn | error (default: info)
`, name, version)
}
