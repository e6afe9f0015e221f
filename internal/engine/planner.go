package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/statline-io/statline/internal/catalog"
)

// Planner computes the pending parameter values for a target: every value in
// the reference universe that is neither stored nor durably excluded.
//
// Progress is read from the target's primary destination (the first declared
// hint): a value counts as done once at least one row carrying it has been
// persisted there. The secondary destinations of a target are written in the
// same pass as the primary, so the primary is a faithful proxy for all of
// them.
type Planner struct {
	refs     ReferenceProvider
	progress ProgressProvider
	ledger   Ledger
	logger   *slog.Logger
}

// NewPlanner creates a difference planner over the given providers.
func NewPlanner(refs ReferenceProvider, progress ProgressProvider, ledger Ledger, logger *slog.Logger) *Planner {
	return &Planner{
		refs:     refs,
		progress: progress,
		ledger:   ledger,
		logger:   logger.With("component", "planner"),
	}
}

// Plan returns the pending values for the target in reference order.
//
// The difference is computed against sets, not by sequential filtering, so a
// value appearing twice in a malformed reference list cannot be planned
// twice. A destination that does not exist yet yields an empty progress set;
// the first fetch creates it. An empty reference universe is valid, not an
// error: it returns a nil plan, distinguishable from the non-nil empty plan
// of a fully converged target, so the caller can surface the misconfigured
// universe instead of treating it as done. Any provider failure is wrapped
// as ErrPlanningFailed: planning against a partial universe would silently
// skip work, so the caller must abort this target's run.
func (p *Planner) Plan(ctx context.Context, target catalog.Target) ([]string, error) {
	reference, err := p.refs.ListAll(ctx, target.ParamKey)
	if err != nil {
		return nil, fmt.Errorf("%w: reference set for %q: %w", ErrPlanningFailed, target.ParamKey, err)
	}

	if len(reference) == 0 {
		p.logger.Warn("Reference universe is empty",
			slog.String("target", target.Name),
			slog.String("param_key", target.ParamKey))

		return nil, nil
	}

	done := make(map[string]struct{})

	if len(target.Hints) > 0 {
		completed, err := p.progress.CompletedValues(ctx, target.Hints[0].Name, target.ParamKey)
		if err != nil {
			return nil, fmt.Errorf("%w: progress set for %q: %w", ErrPlanningFailed, target.Name, err)
		}

		for _, value := range completed {
			done[value] = struct{}{}
		}
	}

	excluded, err := p.ledger.ExcludedValues(ctx, target.EndpointKey, target.ParamKey)
	if err != nil {
		return nil, fmt.Errorf("%w: exclusion set for %q: %w", ErrPlanningFailed, target.EndpointKey, err)
	}

	pending := make([]string, 0, len(reference))
	seen := make(map[string]struct{}, len(reference))

	for _, value := range reference {
		if _, dup := seen[value]; dup {
			continue
		}

		seen[value] = struct{}{}

		if _, ok := done[value]; ok {
			continue
		}

		if _, ok := excluded[value]; ok {
			continue
		}

		pending = append(pending, value)
	}

	p.logger.Debug("Plan computed",
		slog.String("target", target.Name),
		slog.Int("reference", len(reference)),
		slog.Int("completed", len(done)),
		slog.Int("excluded", len(excluded)),
		slog.Int("pending", len(pending)))

	return pending, nil
}
