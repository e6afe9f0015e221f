// Package migrations embeds the schema migrations for the statline database
// and provides a golang-migrate runner over them. Embedding keeps deployment
// zero-config: the binary carries its own schema and never depends on files
// on disk.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

//go:embed *.sql
var embedded embed.FS

// Migration filename standard: 001_name.up.sql / 001_name.down.sql.
var filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// info is one parsed migration filename.
type info struct {
	Sequence  int
	Name      string
	Direction string
}

// FS returns the embedded migration filesystem, for golang-migrate's iofs
// source and for test setup.
func FS() fs.FS {
	return embedded
}

// List returns the embedded migration filenames that conform to the naming
// standard, in lexicographic (and therefore sequence) order.
func List() ([]string, error) {
	entries, err := fs.ReadDir(embedded, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations: %w", err)
	}

	var files []string

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() && filepath.Ext(name) == ".sql" && filenameRegex.MatchString(name) {
			files = append(files, name)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate checks the embedded migration set: at least one file, every
// filename on standard, every up paired with a down, and sequence numbers
// contiguous from 1. Run at startup so a bad build fails before it touches
// the database.
func Validate() error {
	files, err := List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	pairs := make(map[int]map[string]string) // sequence -> direction -> name

	for _, file := range files {
		parsed, err := parseFilename(file)
		if err != nil {
			return err
		}

		if pairs[parsed.Sequence] == nil {
			pairs[parsed.Sequence] = make(map[string]string)
		}

		if existing, dup := pairs[parsed.Sequence][parsed.Direction]; dup {
			return fmt.Errorf("duplicate %s migration for sequence %03d: %s and %s",
				parsed.Direction, parsed.Sequence, existing, parsed.Name)
		}

		pairs[parsed.Sequence][parsed.Direction] = parsed.Name
	}

	for seq := 1; seq <= len(pairs); seq++ {
		directions, ok := pairs[seq]
		if !ok {
			return fmt.Errorf("migration sequence has a gap at %03d", seq)
		}

		up, hasUp := directions["up"]
		down, hasDown := directions["down"]

		switch {
		case !hasUp:
			return fmt.Errorf("migration %03d_%s has no up file", seq, down)
		case !hasDown:
			return fmt.Errorf("migration %03d_%s has no down file", seq, up)
		case up != down:
			return fmt.Errorf("migration %03d pairs mismatched names %q and %q", seq, up, down)
		}
	}

	return nil
}

func parseFilename(filename string) (*info, error) {
	matches := filenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 {
		return nil, fmt.Errorf(
			"invalid migration filename %s (expected 001_name.up.sql or 001_name.down.sql)", filename)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence in %s: %w", filename, err)
	}

	return &info{Sequence: sequence, Name: matches[2], Direction: matches[3]}, nil
}
