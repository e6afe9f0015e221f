// Package catalog provides the target catalog: the named destinations the
// sync engine drains, the upstream endpoint each is fed from, and the
// destination hints used to route unlabeled result sets.
//
// The catalog is declarative data loaded once at startup. Targets and hints
// keep their declaration order; the matcher and the orchestrator both depend
// on that order for reproducible runs.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Sentinel errors for catalog validation.
var (
	// ErrEmptyCatalog is returned when the catalog contains no targets.
	ErrEmptyCatalog = errors.New("catalog contains no targets")

	// ErrDuplicateTarget is returned when two targets share a name.
	ErrDuplicateTarget = errors.New("duplicate target name")

	// ErrDuplicateDestination is returned when two hints in one target share a destination name.
	ErrDuplicateDestination = errors.New("duplicate destination name")

	// ErrMissingField is returned when a required target field is empty.
	ErrMissingField = errors.New("missing required field")
)

type (
	// Target is a named group of destinations fed from one upstream endpoint,
	// keyed by one parameter. A target is the unit of planning and draining:
	// the engine computes pending parameter values per target and fetches
	// them independently of every other target.
	Target struct {
		// Name identifies the target in logs, events, and the failure ledger.
		Name string `yaml:"name"`

		// EndpointKey selects the upstream endpoint (e.g. "boxscore_advanced").
		EndpointKey string `yaml:"endpoint"`

		// ParamKey is the parameter the endpoint is keyed by (e.g. "game_id").
		// The same key names the column progress is computed from.
		ParamKey string `yaml:"param_key"`

		// EmptyIsTerminal controls whether an empty upstream result is recorded
		// in the failure ledger as an exclusion marker. Old entities legitimately
		// predate some endpoints; for those targets empty is permanent and
		// re-fetching forever is wasted budget. For endpoints where emptiness
		// may be a transient upstream gap, leave this false.
		EmptyIsTerminal bool `yaml:"empty_is_terminal"`

		// Hints describe the destinations this target's result sets are routed
		// to, in declaration order.
		Hints []DestinationHint `yaml:"destinations"`
	}

	// DestinationHint describes one destination table and the signals used to
	// recognize which unlabeled result set belongs to it.
	DestinationHint struct {
		// Name is the destination table name.
		Name string `yaml:"name"`

		// ColumnCount is the expected column count, or zero when unknown.
		ColumnCount int `yaml:"column_count"`

		// GroupColumn names a categorical column whose values identify this
		// destination (e.g. "GROUP_VALUE"), or empty when not applicable.
		GroupColumn string `yaml:"group_column"`

		// GroupValues is the value vocabulary expected in GroupColumn
		// (e.g. quarter labels vs. half labels vs. home/road).
		GroupValues []string `yaml:"group_values"`

		// RowCount is the well-known row count for fixed partition shapes
		// (1 = season aggregate, 2 = halves, 4 = quarters), or zero.
		RowCount int `yaml:"row_count"`

		// KeyColumns are the columns that identify a row in this destination,
		// used for idempotent upserts (e.g. game_id plus player_id for
		// per-player rows). When empty, the full row is the identity.
		KeyColumns []string `yaml:"key_columns"`
	}

	// ReferenceSource names the reference table and column the universe of a
	// parameter key is read from. The table is maintained by an external
	// backfill process; the engine only reads it.
	ReferenceSource struct {
		Table  string `yaml:"table"`
		Column string `yaml:"column"`
	}

	// Catalog is the full ordered set of sync targets plus the reference
	// sources their parameter keys are planned against.
	Catalog struct {
		Targets    []Target                   `yaml:"targets"`
		References map[string]ReferenceSource `yaml:"references"`
	}
)

// Load reads and parses a catalog YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	return Parse(data)
}

// Parse parses catalog YAML and validates it.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks catalog invariants: at least one target, unique target
// names, unique destination names within each target, and required fields.
func (c *Catalog) Validate() error {
	if len(c.Targets) == 0 {
		return ErrEmptyCatalog
	}

	seen := make(map[string]struct{}, len(c.Targets))

	for i := range c.Targets {
		target := &c.Targets[i]

		if err := target.validate(); err != nil {
			return fmt.Errorf("target %q: %w", target.Name, err)
		}

		if _, dup := seen[target.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateTarget, target.Name)
		}

		seen[target.Name] = struct{}{}
	}

	return nil
}

func (t *Target) validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: name", ErrMissingField)
	}

	if strings.TrimSpace(t.EndpointKey) == "" {
		return fmt.Errorf("%w: endpoint", ErrMissingField)
	}

	if strings.TrimSpace(t.ParamKey) == "" {
		return fmt.Errorf("%w: param_key", ErrMissingField)
	}

	// Planning reads progress from the first destination. A target without
	// one would replan its whole universe on every run.
	if len(t.Hints) == 0 {
		return fmt.Errorf("%w: destinations", ErrMissingField)
	}

	names := make(map[string]struct{}, len(t.Hints))

	for _, hint := range t.Hints {
		if strings.TrimSpace(hint.Name) == "" {
			return fmt.Errorf("%w: destination name", ErrMissingField)
		}

		if _, dup := names[hint.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateDestination, hint.Name)
		}

		names[hint.Name] = struct{}{}
	}

	return nil
}

// DestinationNames returns the destination names in declaration order.
func (t *Target) DestinationNames() []string {
	names := make([]string, len(t.Hints))
	for i, hint := range t.Hints {
		names[i] = hint.Name
	}

	return names
}
