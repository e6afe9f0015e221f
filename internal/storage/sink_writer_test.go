package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeIdentifier(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"lowercases upstream spellings", "GAME_ID", "game_id"},
		{"folds spaces and punctuation", "Plus-Minus (per 36)", "plus_minus__per_36_"},
		{"trims surrounding whitespace", "  pts  ", "pts"},
		{"prefixes digit-leading names", "3pt_pct", "t_3pt_pct"},
		{"keeps already-normal names", "player_stats", "player_stats"},
		{"empty stays empty", "", ""},
		{"whitespace only stays empty", "   ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeIdentifier(tt.input); got != tt.expected {
				t.Errorf("NormalizeIdentifier(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestInferColumnTypes(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	columns := []string{"game_id", "pts", "pct", "starter", "tipoff", "note"}
	rows := [][]any{
		{"g1", nil, nil, nil, nil, nil},
		{"g2", int64(31), 0.482, true, time.Now(), nil},
	}

	types := inferColumnTypes(columns, rows)

	want := map[string]string{
		"game_id": "TEXT",
		"pts":     "BIGINT",
		"pct":     "DOUBLE PRECISION",
		"starter": "BOOLEAN",
		"tipoff":  "TIMESTAMPTZ",
		"note":    "TEXT", // never observed, defaults to TEXT
	}

	for col, expected := range want {
		if types[col] != expected {
			t.Errorf("type of %s = %s, want %s", col, types[col], expected)
		}
	}
}

func TestBuildUpsert(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	t.Run("updates non-key columns on conflict", func(t *testing.T) {
		got := buildUpsert("player_stats", []string{"game_id", "player_id", "pts"}, []string{"game_id", "player_id"})
		want := `INSERT INTO "player_stats" ("game_id", "player_id", "pts") VALUES ($1, $2, $3) ` +
			`ON CONFLICT ("game_id", "player_id") DO UPDATE SET "pts" = EXCLUDED."pts"`

		if got != want {
			t.Errorf("buildUpsert:\n got %s\nwant %s", got, want)
		}
	})

	t.Run("ignores conflicts when every column is a key", func(t *testing.T) {
		got := buildUpsert("raw_rows", []string{"a", "b"}, []string{"a", "b"})
		want := `INSERT INTO "raw_rows" ("a", "b") VALUES ($1, $2) ON CONFLICT ("a", "b") DO NOTHING`

		if got != want {
			t.Errorf("buildUpsert:\n got %s\nwant %s", got, want)
		}
	})
}

func TestBuildUniqueIndex(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// NULL key cells must collide: full-row identity includes nil stat
	// cells, and without NULLS NOT DISTINCT re-fetched rows would duplicate.
	got := buildUniqueIndex("player_stats", []string{"game_id", "player_id"})
	want := `CREATE UNIQUE INDEX IF NOT EXISTS "player_stats_key_idx" ` +
		`ON "player_stats" ("game_id", "player_id") NULLS NOT DISTINCT`

	if got != want {
		t.Errorf("buildUniqueIndex:\n got %s\nwant %s", got, want)
	}
}

func TestSinkWriterValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Validation happens before any database access, so a connection-less
	// writer is enough here.
	writer, err := NewSinkWriter(NewConnectionFromDB(nil))
	if err != nil {
		t.Fatalf("failed to create writer: %v", err)
	}

	ctx := context.Background()

	tests := []struct {
		name        string
		destination string
		columns     []string
		keyColumns  []string
		wantErr     error
	}{
		{"empty destination", "", []string{"a"}, []string{"a"}, ErrInvalidDestination},
		{"no columns", "dest", nil, []string{"a"}, ErrNoColumns},
		{"no key columns", "dest", []string{"a"}, nil, ErrNoKeyColumns},
		{"key column absent", "dest", []string{"a"}, []string{"b"}, ErrKeyColumnMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := writer.Write(ctx, tt.destination, tt.columns, [][]any{}, tt.keyColumns)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	t.Run("key columns match after normalization", func(t *testing.T) {
		// GAME_ID normalizes to game_id; the writer must accept either
		// spelling as the key.
		_, err := writer.Write(ctx, "", []string{"GAME_ID"}, [][]any{}, []string{"game_id"})
		if !errors.Is(err, ErrInvalidDestination) {
			t.Errorf("expected destination validation to fire first, got %v", err)
		}
	})

	t.Run("nil connection rejected", func(t *testing.T) {
		if _, err := NewSinkWriter(nil); !errors.Is(err, ErrNoDatabaseConnection) {
			t.Errorf("expected ErrNoDatabaseConnection, got %v", err)
		}
	})
}
