package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/statline-io/statline/internal/catalog"
	"github.com/statline-io/statline/internal/events"
	"github.com/statline-io/statline/internal/fetch"
	"github.com/statline-io/statline/internal/match"
)

type fetchResult struct {
	resp    *fetch.Response
	outcome fetch.Outcome
	err     error
}

// fakeFetcher serves scripted results per parameter value and records the
// call order. Unscripted values come back empty.
type fakeFetcher struct {
	results map[string]fetchResult
	calls   []string

	// cancelAfter cancels the run mid-drain when > 0.
	cancelAfter int
	cancel      context.CancelFunc
}

func (f *fakeFetcher) Fetch(_ context.Context, _, _, paramValue string) (*fetch.Response, fetch.Outcome, error) {
	f.calls = append(f.calls, paramValue)

	if f.cancelAfter > 0 && len(f.calls) >= f.cancelAfter {
		f.cancel()
	}

	result, ok := f.results[paramValue]
	if !ok {
		return &fetch.Response{}, fetch.OutcomeEmpty, nil
	}

	return result.resp, result.outcome, result.err
}

type writeCall struct {
	destination string
	columns     []string
	rows        [][]any
	keyColumns  []string
}

type fakeWriter struct {
	mu     sync.Mutex
	writes []writeCall
	err    error
	result WriteResult
}

func (f *fakeWriter) Write(_ context.Context, destination string, columns []string, rows [][]any, keyColumns []string) (WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return WriteResult{}, f.err
	}

	f.writes = append(f.writes, writeCall{destination, columns, rows, keyColumns})

	result := f.result
	if result.Written == 0 {
		result.Written = len(rows)
	}

	return result, nil
}

// writerProgress adapts a fakeWriter into a ProgressProvider by reading the
// parameter column back out of recorded writes, mimicking how the real sink
// derives progress from stored rows.
type writerProgress struct {
	writer *fakeWriter
}

func (p *writerProgress) CompletedValues(_ context.Context, destination, keyColumn string) ([]string, error) {
	p.writer.mu.Lock()
	defer p.writer.mu.Unlock()

	seen := make(map[string]struct{})

	var values []string

	for _, write := range p.writer.writes {
		if write.destination != destination {
			continue
		}

		col := -1

		for i, name := range write.columns {
			if name == keyColumn {
				col = i
				break
			}
		}

		if col < 0 {
			continue
		}

		for _, row := range write.rows {
			value := fmt.Sprintf("%v", row[col])
			if _, ok := seen[value]; !ok {
				seen[value] = struct{}{}
				values = append(values, value)
			}
		}
	}

	return values, nil
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturingEmitter) Emit(_ context.Context, event events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *capturingEmitter) ofType(eventType string) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	var matched []events.Event

	for _, e := range c.events {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}

	return matched
}

func playerSet(value string) *fetch.Response {
	return &fetch.Response{
		ResultSets: []fetch.ResultSet{
			{
				Columns: []string{"game_id", "player_id", "pts"},
				Rows: [][]any{
					{value, "p1", int64(21)},
					{value, "p2", int64(13)},
				},
			},
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()

	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}

	orch, err := NewOrchestrator(cfg)
	if err != nil {
		t.Fatalf("failed to create orchestrator: %v", err)
	}

	return orch
}

func TestNewOrchestratorValidation(t *testing.T) {
	target := testTarget()
	planner := NewPlanner(&fakeRefs{}, &fakeProgress{}, newFakeLedger(), testLogger())

	tests := []struct {
		name    string
		cfg     Config
		wantErr error
	}{
		{"no targets", Config{}, ErrNoTargets},
		{"nil planner", Config{Targets: []catalog.Target{target}}, ErrNilPlanner},
		{"nil fetcher", Config{Targets: []catalog.Target{target}, Planner: planner}, ErrNilFetcher},
		{"nil writer", Config{Targets: []catalog.Target{target}, Planner: planner, Fetcher: &fakeFetcher{}}, ErrNilWriter},
		{"nil ledger", Config{Targets: []catalog.Target{target}, Planner: planner, Fetcher: &fakeFetcher{}, Writer: &fakeWriter{}}, ErrNilLedger},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewOrchestrator(tt.cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestOrchestratorRun(t *testing.T) {
	target := testTarget()

	t.Run("routes each outcome per item", func(t *testing.T) {
		ledger := newFakeLedger()
		writer := &fakeWriter{}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
			"g2": {resp: &fetch.Response{}, outcome: fetch.OutcomeEmpty},
			"g3": {outcome: fetch.OutcomePermanent, err: fetch.ErrNotFound},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1", "g2", "g3"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		reports, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(reports) != 1 {
			t.Fatalf("expected 1 report, got %d", len(reports))
		}

		report := reports[0]
		if report.Planned != 3 || report.Fetched != 1 || report.SkippedEmpty != 1 || report.RecordedFailures != 1 || report.StorageErrors != 0 {
			t.Errorf("unexpected report: %+v", report)
		}

		if len(writer.writes) != 1 {
			t.Fatalf("expected 1 write, got %d", len(writer.writes))
		}

		write := writer.writes[0]
		if write.destination != "player_stats" {
			t.Errorf("expected destination player_stats, got %q", write.destination)
		}

		if len(write.keyColumns) != 2 || write.keyColumns[0] != "game_id" {
			t.Errorf("expected declared key columns, got %v", write.keyColumns)
		}

		record, ok := ledger.records[ledgerKey{target.EndpointKey, target.ParamKey, "g3"}]
		if !ok {
			t.Fatal("expected a failure record for g3")
		}

		if record.Classification != ClassificationPermanent {
			t.Errorf("expected classification %q, got %q", ClassificationPermanent, record.Classification)
		}
	})

	t.Run("exhausted retries recorded with retry budget", func(t *testing.T) {
		ledger := newFakeLedger()
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {outcome: fetch.OutcomePermanent, err: fmt.Errorf("%w after 3 attempts: timeout", fetch.ErrRetriesExhausted)},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
		})

		if _, err := orch.Run(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		record := ledger.records[ledgerKey{target.EndpointKey, target.ParamKey, "g1"}]
		if record.Classification != ClassificationExhausted {
			t.Errorf("expected classification %q, got %q", ClassificationExhausted, record.Classification)
		}

		if record.RetryCount != fetch.DefaultMaxAttempts {
			t.Errorf("expected retry count %d, got %d", fetch.DefaultMaxAttempts, record.RetryCount)
		}
	})

	t.Run("empty result records exclusion only when terminal for the target", func(t *testing.T) {
		terminal := target
		terminal.EmptyIsTerminal = true

		ledger := newFakeLedger()
		fetcher := &fakeFetcher{}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{terminal},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
		})

		reports, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if reports[0].SkippedEmpty != 1 || reports[0].RecordedFailures != 1 {
			t.Errorf("unexpected report: %+v", reports[0])
		}

		record := ledger.records[ledgerKey{terminal.EndpointKey, terminal.ParamKey, "g1"}]
		if record.Classification != ClassificationEmpty {
			t.Errorf("expected classification %q, got %q", ClassificationEmpty, record.Classification)
		}
	})

	t.Run("ledger write failure is a storage error, not a recorded failure", func(t *testing.T) {
		ledger := newFakeLedger()
		ledger.recordErr = errors.New("disk full")

		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {outcome: fetch.OutcomePermanent, err: fetch.ErrNotFound},
		}}

		queryLedger := newFakeLedger() // planner reads must still work

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, queryLedger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
		})

		reports, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if reports[0].StorageErrors != 1 || reports[0].RecordedFailures != 0 {
			t.Errorf("unexpected report: %+v", reports[0])
		}
	})

	t.Run("write failure counts as storage error and drain continues", func(t *testing.T) {
		ledger := newFakeLedger()
		writer := &fakeWriter{err: errors.New("deadlock detected")}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
			"g2": {resp: &fetch.Response{}, outcome: fetch.OutcomeEmpty},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1", "g2"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		reports, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		report := reports[0]
		if report.StorageErrors != 1 || report.Fetched != 1 || report.SkippedEmpty != 1 {
			t.Errorf("unexpected report: %+v", report)
		}

		if len(fetcher.calls) != 2 {
			t.Errorf("expected drain to continue to g2, calls: %v", fetcher.calls)
		}
	})

	t.Run("planning failure aborts the target and surfaces in the run error", func(t *testing.T) {
		ledger := newFakeLedger()
		fetcher := &fakeFetcher{}

		broken := target
		healthy := target
		healthy.Name = "lineups"
		healthy.EndpointKey = "lineup_stats"

		// One Config means one planner, so break planning through the ledger
		// read: it fails for the broken target's endpoint only.
		planLedger := &endpointFailLedger{fail: broken.EndpointKey, inner: newFakeLedger()}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{broken, healthy},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, planLedger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
		})

		reports, err := orch.Run(context.Background())
		if !errors.Is(err, ErrPlanningFailed) {
			t.Fatalf("expected ErrPlanningFailed, got %v", err)
		}

		if len(reports) != 2 {
			t.Fatalf("expected both targets reported, got %d", len(reports))
		}

		if reports[1].Planned != 1 {
			t.Errorf("healthy target should still have been planned: %+v", reports[1])
		}
	})

	t.Run("cancellation exits between items with consistent report", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		ledger := newFakeLedger()
		fetcher := &fakeFetcher{
			results: map[string]fetchResult{
				"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
			},
			cancelAfter: 1,
			cancel:      cancel,
		}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1", "g2", "g3"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
		})

		reports, err := orch.Run(ctx)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}

		if len(fetcher.calls) != 1 {
			t.Errorf("expected exactly one in-flight item to finish, calls: %v", fetcher.calls)
		}

		if len(reports) != 1 || reports[0].Fetched != 1 {
			t.Errorf("unexpected reports: %+v", reports)
		}
	})

	t.Run("repeated runs converge to an empty plan", func(t *testing.T) {
		ledger := newFakeLedger()
		writer := &fakeWriter{}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
			"g2": {resp: playerSet("g2"), outcome: fetch.OutcomeSuccess},
			"g3": {outcome: fetch.OutcomePermanent, err: fetch.ErrNotFound},
		}}

		progress := &writerProgress{writer: writer}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1", "g2", "g3"}}, progress, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		first, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("first run failed: %v", err)
		}

		if first[0].Planned != 3 || first[0].Fetched != 2 || first[0].RecordedFailures != 1 {
			t.Fatalf("unexpected first report: %+v", first[0])
		}

		second, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("second run failed: %v", err)
		}

		if second[0].Planned != 0 {
			t.Errorf("expected converged empty plan, got %+v", second[0])
		}

		if len(fetcher.calls) != 3 {
			t.Errorf("expected no refetches on the second run, calls: %v", fetcher.calls)
		}

		if len(ledger.records) != 1 {
			t.Errorf("expected exactly one failure record, got %d", len(ledger.records))
		}
	})

	t.Run("non-terminal empty values are replanned on the next run", func(t *testing.T) {
		ledger := newFakeLedger()
		writer := &fakeWriter{}
		fetcher := &fakeFetcher{} // every value answers empty

		progress := &writerProgress{writer: writer}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, progress, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		for run := 0; run < 2; run++ {
			reports, err := orch.Run(context.Background())
			if err != nil {
				t.Fatalf("run %d failed: %v", run, err)
			}

			if reports[0].Planned != 1 || reports[0].SkippedEmpty != 1 {
				t.Fatalf("run %d report: %+v", run, reports[0])
			}
		}

		if len(fetcher.calls) != 2 {
			t.Errorf("expected the empty value refetched on the second run, calls: %v", fetcher.calls)
		}

		if len(ledger.records) != 0 {
			t.Errorf("non-terminal empty answer must not be excluded, got %d records", len(ledger.records))
		}
	})

	t.Run("empty reference universe emits a plan warning", func(t *testing.T) {
		ledger := newFakeLedger()
		emitter := &capturingEmitter{}
		fetcher := &fakeFetcher{}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  &fakeWriter{},
			Ledger:  ledger,
			Emitter: emitter,
		})

		reports, err := orch.Run(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if reports[0].Planned != 0 || len(fetcher.calls) != 0 {
			t.Errorf("nothing should be drained from an empty universe: %+v", reports[0])
		}

		warnings := emitter.ofType(events.TypePlanWarning)
		if len(warnings) != 1 {
			t.Fatalf("expected 1 plan warning, got %d", len(warnings))
		}

		if warnings[0].Target != target.Name || warnings[0].Message == "" {
			t.Errorf("unexpected warning event: %+v", warnings[0])
		}
	})

	t.Run("unmatched sets land in target-scoped fallback tables", func(t *testing.T) {
		bare := target
		bare.Hints = nil

		ledger := newFakeLedger()
		writer := &fakeWriter{}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{bare},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		if _, err := orch.Run(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(writer.writes) != 1 {
			t.Fatalf("expected 1 write, got %d", len(writer.writes))
		}

		write := writer.writes[0]
		want := bare.Name + "_" + match.FallbackName(0)
		if write.destination != want {
			t.Errorf("expected destination %q, got %q", want, write.destination)
		}

		if len(write.keyColumns) != len(write.columns) {
			t.Errorf("fallback writes should key on the full row, got %v", write.keyColumns)
		}
	})

	t.Run("emits progress at the configured cadence plus summaries", func(t *testing.T) {
		ledger := newFakeLedger()
		emitter := &capturingEmitter{}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {resp: playerSet("g1"), outcome: fetch.OutcomeSuccess},
			"g2": {resp: playerSet("g2"), outcome: fetch.OutcomeSuccess},
			"g3": {resp: playerSet("g3"), outcome: fetch.OutcomeSuccess},
			"g4": {resp: playerSet("g4"), outcome: fetch.OutcomeSuccess},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets:       []catalog.Target{target},
			Planner:       NewPlanner(&fakeRefs{values: []string{"g1", "g2", "g3", "g4"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher:       fetcher,
			Writer:        &fakeWriter{},
			Ledger:        ledger,
			Emitter:       emitter,
			ProgressEvery: 2,
		})

		if _, err := orch.Run(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if got := len(emitter.ofType(events.TypeProgress)); got != 2 {
			t.Errorf("expected 2 progress events, got %d", got)
		}

		if got := len(emitter.ofType(events.TypeRunStarted)); got != 1 {
			t.Errorf("expected 1 run_started event, got %d", got)
		}

		summaries := emitter.ofType(events.TypeTargetSummary)
		if len(summaries) != 1 {
			t.Fatalf("expected 1 summary event, got %d", len(summaries))
		}

		if summaries[0].Counts.Fetched != 4 {
			t.Errorf("expected summary fetched=4, got %+v", summaries[0].Counts)
		}

		completed := emitter.ofType(events.TypeRunCompleted)
		if len(completed) != 1 || completed[0].RunID != summaries[0].RunID {
			t.Errorf("expected one run_completed sharing the run id")
		}
	})

	t.Run("parameter column appended when upstream omits it", func(t *testing.T) {
		ledger := newFakeLedger()
		writer := &fakeWriter{}
		fetcher := &fakeFetcher{results: map[string]fetchResult{
			"g1": {
				resp: &fetch.Response{ResultSets: []fetch.ResultSet{{
					Columns: []string{"player_id", "pts", "reb"},
					Rows:    [][]any{{"p1", int64(30), int64(11)}},
				}}},
				outcome: fetch.OutcomeSuccess,
			},
		}}

		orch := newTestOrchestrator(t, Config{
			Targets: []catalog.Target{target},
			Planner: NewPlanner(&fakeRefs{values: []string{"g1"}}, &fakeProgress{}, ledger, testLogger()),
			Fetcher: fetcher,
			Writer:  writer,
			Ledger:  ledger,
		})

		if _, err := orch.Run(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		write := writer.writes[0]
		last := write.columns[len(write.columns)-1]
		if last != "game_id" {
			t.Errorf("expected appended game_id column, got columns %v", write.columns)
		}

		row := write.rows[0]
		if row[len(row)-1] != "g1" {
			t.Errorf("expected appended value g1, got row %v", row)
		}
	})
}

// endpointFailLedger fails exclusion reads for one endpoint to simulate a
// per-target planning failure.
type endpointFailLedger struct {
	fail  string
	inner *fakeLedger
}

func (l *endpointFailLedger) IsExcluded(ctx context.Context, endpointKey, paramKey, paramValue string) (bool, error) {
	return l.inner.IsExcluded(ctx, endpointKey, paramKey, paramValue)
}

func (l *endpointFailLedger) ExcludedValues(ctx context.Context, endpointKey, paramKey string) (map[string]struct{}, error) {
	if endpointKey == l.fail {
		return nil, errors.New("exclusion query failed")
	}

	return l.inner.ExcludedValues(ctx, endpointKey, paramKey)
}

func (l *endpointFailLedger) Record(ctx context.Context, record FailureRecord) error {
	return l.inner.Record(ctx, record)
}
