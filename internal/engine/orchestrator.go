package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/statline-io/statline/internal/catalog"
	"github.com/statline-io/statline/internal/events"
	"github.com/statline-io/statline/internal/fetch"
	"github.com/statline-io/statline/internal/match"
)

// Orchestration defaults.
const (
	// DefaultProgressEvery is the progress event cadence in drained items.
	DefaultProgressEvery = 25
)

// Failure classifications written to the ledger.
const (
	ClassificationPermanent = "permanent"
	ClassificationExhausted = "retries_exhausted"
	ClassificationEmpty     = "empty"
)

// Configuration validation errors.
var (
	ErrNoTargets  = errors.New("no targets configured")
	ErrNilPlanner = errors.New("planner is required")
	ErrNilFetcher = errors.New("fetcher is required")
	ErrNilWriter  = errors.New("writer is required")
	ErrNilLedger  = errors.New("ledger is required")
)

type (
	// Config wires the orchestrator's collaborators. All fields but Emitter,
	// Logger, and the tunables are required.
	Config struct {
		Targets []catalog.Target
		Planner *Planner
		Fetcher Fetcher
		Writer  Writer
		Ledger  Ledger

		// Emitter receives run events; nil falls back to a log emitter.
		Emitter events.Emitter

		// Logger for orchestration; nil falls back to slog.Default.
		Logger *slog.Logger

		// ProgressEvery is the progress event cadence in items; zero means
		// DefaultProgressEvery.
		ProgressEvery int

		// RetryBudget is recorded on retries-exhausted failure records; zero
		// means the fetch default.
		RetryBudget int
	}

	// TargetReport is the per-target outcome breakdown of one run. A run is
	// never summarized as a single pass/fail flag.
	TargetReport struct {
		Target           string
		Planned          int
		Fetched          int
		SkippedEmpty     int
		RecordedFailures int
		StorageErrors    int
	}

	// Orchestrator drives the synchronization loop: plan each target, then
	// drain its pending values through fetch, match, and write. It holds no
	// persistent state; every run replans from current storage and ledger
	// state, which makes a crashed run resumable with no checkpoint.
	Orchestrator struct {
		cfg     Config
		emitter events.Emitter
		logger  *slog.Logger
	}
)

// NewOrchestrator validates the configuration and creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	switch {
	case len(cfg.Targets) == 0:
		return nil, ErrNoTargets
	case cfg.Planner == nil:
		return nil, ErrNilPlanner
	case cfg.Fetcher == nil:
		return nil, ErrNilFetcher
	case cfg.Writer == nil:
		return nil, ErrNilWriter
	case cfg.Ledger == nil:
		return nil, ErrNilLedger
	}

	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = DefaultProgressEvery
	}

	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = fetch.DefaultMaxAttempts
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With("component", "orchestrator")

	emitter := cfg.Emitter
	if emitter == nil {
		emitter = events.NewLogEmitter(logger)
	}

	return &Orchestrator{cfg: cfg, emitter: emitter, logger: logger}, nil
}

// Run executes one synchronization pass over every configured target.
//
// Targets are independent: a planning failure aborts that target only, is
// collected into the returned error, and the run moves on. Cancellation is
// cooperative and checked between items, never mid-fetch; an in-flight item
// finishes cleanly before the loop exits. The returned reports cover every
// target the run reached, even on early exit.
func (o *Orchestrator) Run(ctx context.Context) ([]TargetReport, error) {
	runID := uuid.NewString()
	o.logger.Info("Run starting",
		slog.String("run_id", runID),
		slog.Int("targets", len(o.cfg.Targets)))

	o.emitter.Emit(ctx, events.New(runID, events.TypeRunStarted, "", events.Counts{}))

	var (
		reports  []TargetReport
		runErrs  []error
		runTotal events.Counts
	)

	for _, target := range o.cfg.Targets {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}

		report, err := o.drainTarget(ctx, runID, target)
		reports = append(reports, report)
		accumulate(&runTotal, report)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return reports, err
			}

			runErrs = append(runErrs, err)
		}
	}

	o.emitter.Emit(ctx, events.New(runID, events.TypeRunCompleted, "", runTotal))
	o.logger.Info("Run complete",
		slog.String("run_id", runID),
		slog.Int("fetched", runTotal.Fetched),
		slog.Int("skipped_empty", runTotal.SkippedEmpty),
		slog.Int("recorded_failures", runTotal.RecordedFailures),
		slog.Int("storage_errors", runTotal.StorageErrors))

	return reports, errors.Join(runErrs...)
}

// drainTarget plans one target and drains its pending values.
func (o *Orchestrator) drainTarget(ctx context.Context, runID string, target catalog.Target) (TargetReport, error) {
	report := TargetReport{Target: target.Name}

	pending, err := o.cfg.Planner.Plan(ctx, target)
	if err != nil {
		o.logger.Error("Planning failed",
			slog.String("run_id", runID),
			slog.String("target", target.Name),
			slog.String("error", err.Error()))

		event := events.New(runID, events.TypePlanWarning, target.Name, events.Counts{})
		event.Message = err.Error()
		o.emitter.Emit(ctx, event)

		return report, err
	}

	report.Planned = len(pending)

	// A nil plan means the reference universe was empty: nothing to drain,
	// but worth flagging since an unpopulated reference table usually means
	// the operator pointed the catalog at the wrong place.
	if pending == nil {
		event := events.New(runID, events.TypePlanWarning, target.Name, counts(report))
		event.Message = "reference universe is empty"
		o.emitter.Emit(ctx, event)

		return report, nil
	}

	if len(pending) == 0 {
		o.logger.Info("Nothing pending",
			slog.String("run_id", runID),
			slog.String("target", target.Name))
		o.emitter.Emit(ctx, events.New(runID, events.TypeTargetSummary, target.Name, counts(report)))

		return report, nil
	}

	o.logger.Info("Draining target",
		slog.String("run_id", runID),
		slog.String("target", target.Name),
		slog.Int("pending", len(pending)))

	for i, value := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		o.drainOne(ctx, target, value, &report)

		if (i+1)%o.cfg.ProgressEvery == 0 {
			o.emitter.Emit(ctx, events.New(runID, events.TypeProgress, target.Name, counts(report)))
		}
	}

	o.emitter.Emit(ctx, events.New(runID, events.TypeTargetSummary, target.Name, counts(report)))

	return report, nil
}

// drainOne fetches a single parameter value and routes the outcome. Item
// failures are recorded and counted; they never stop the drain loop.
func (o *Orchestrator) drainOne(ctx context.Context, target catalog.Target, value string, report *TargetReport) {
	resp, outcome, err := o.cfg.Fetcher.Fetch(ctx, target.EndpointKey, target.ParamKey, value)

	switch outcome {
	case fetch.OutcomeSuccess:
		report.Fetched++
		o.writeResponse(ctx, target, value, resp, report)

	case fetch.OutcomeEmpty:
		report.SkippedEmpty++

		if target.EmptyIsTerminal {
			o.recordFailure(ctx, target, value, FailureRecord{
				Classification: ClassificationEmpty,
				Message:        "upstream returned no data",
			}, report)
		}

	case fetch.OutcomePermanent:
		record := FailureRecord{
			Classification: ClassificationPermanent,
			Message:        errMessage(err),
		}
		if errors.Is(err, fetch.ErrRetriesExhausted) {
			record.Classification = ClassificationExhausted
			record.RetryCount = o.cfg.RetryBudget
		}

		o.recordFailure(ctx, target, value, record, report)

	case fetch.OutcomeTransient:
		// Only cancellation surfaces a transient outcome; the executor
		// retries everything else internally. The loop's context check
		// handles the exit.
		o.logger.Warn("Fetch interrupted",
			slog.String("target", target.Name),
			slog.String("param_value", value),
			slog.String("error", errMessage(err)))
	}
}

// writeResponse routes the response's result sets to destinations and
// persists each one.
func (o *Orchestrator) writeResponse(ctx context.Context, target catalog.Target, value string, resp *fetch.Response, report *TargetReport) {
	assignments := match.Match(resp.ResultSets, target.Hints)

	for _, a := range assignments {
		set := resp.ResultSets[a.SetIndex]
		if len(set.Rows) == 0 {
			continue
		}

		destination := a.Destination
		if a.Layer == match.LayerFallback {
			// Fallback sets get target-scoped tables so positional names
			// from different targets never collide.
			destination = target.Name + "_" + a.Destination
		}

		columns, rows := withParamColumn(set.Columns, set.Rows, target.ParamKey, value)

		result, err := o.cfg.Writer.Write(ctx, destination, columns, rows, keyColumnsFor(target, a, columns))
		if err != nil {
			report.StorageErrors++
			o.logger.Error("Destination write failed",
				slog.String("target", target.Name),
				slog.String("destination", destination),
				slog.String("param_value", value),
				slog.String("error", err.Error()))

			continue
		}

		if result.Failed > 0 {
			report.StorageErrors++
			o.logger.Warn("Destination rejected rows",
				slog.String("destination", destination),
				slog.String("param_value", value),
				slog.Int("written", result.Written),
				slog.Int("failed", result.Failed))
		}

		if result.CreatedTable {
			o.logger.Info("Destination created",
				slog.String("destination", destination),
				slog.String("matched_by", a.Layer.String()))
		}

		if len(result.AddedColumns) > 0 {
			o.logger.Info("Destination schema grew",
				slog.String("destination", destination),
				slog.String("columns", strings.Join(result.AddedColumns, ",")))
		}
	}
}

// recordFailure writes a failure record to the ledger. A ledger write
// failure is counted as a storage error and logged loudly; losing exclusion
// records causes infinite re-fetch loops.
func (o *Orchestrator) recordFailure(ctx context.Context, target catalog.Target, value string, record FailureRecord, report *TargetReport) {
	record.EndpointKey = target.EndpointKey
	record.ParamKey = target.ParamKey
	record.ParamValue = value

	if err := o.cfg.Ledger.Record(ctx, record); err != nil {
		report.StorageErrors++
		o.logger.Error("Failure ledger write failed",
			slog.String("target", target.Name),
			slog.String("param_value", value),
			slog.String("classification", record.Classification),
			slog.String("error", fmt.Errorf("%w: %w", ErrLedgerWriteFailed, err).Error()))

		return
	}

	report.RecordedFailures++
	o.logger.Info("Recorded permanent failure",
		slog.String("target", target.Name),
		slog.String("param_value", value),
		slog.String("classification", record.Classification))
}

// withParamColumn guarantees the fetched parameter value is attributable to
// every stored row. Progress is derived from that column on the next
// planning pass, so a result set that omits it gets it appended.
func withParamColumn(columns []string, rows [][]any, paramKey, value string) ([]string, [][]any) {
	for _, column := range columns {
		if strings.EqualFold(column, paramKey) {
			return columns, rows
		}
	}

	extended := make([]string, 0, len(columns)+1)
	extended = append(extended, columns...)
	extended = append(extended, paramKey)

	padded := make([][]any, len(rows))
	for i, row := range rows {
		padded[i] = append(append(make([]any, 0, len(row)+1), row...), value)
	}

	return extended, padded
}

// keyColumnsFor resolves the upsert identity for an assignment: the hint's
// declared key columns when present, otherwise the full row.
func keyColumnsFor(target catalog.Target, a match.Assignment, columns []string) []string {
	if a.Layer != match.LayerFallback {
		for _, hint := range target.Hints {
			if hint.Name == a.Destination && len(hint.KeyColumns) > 0 {
				return hint.KeyColumns
			}
		}
	}

	return columns
}

func counts(r TargetReport) events.Counts {
	return events.Counts{
		Planned:          r.Planned,
		Fetched:          r.Fetched,
		SkippedEmpty:     r.SkippedEmpty,
		RecordedFailures: r.RecordedFailures,
		StorageErrors:    r.StorageErrors,
	}
}

func accumulate(total *events.Counts, r TargetReport) {
	total.Planned += r.Planned
	total.Fetched += r.Fetched
	total.SkippedEmpty += r.SkippedEmpty
	total.RecordedFailures += r.RecordedFailures
	total.StorageErrors += r.StorageErrors
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
