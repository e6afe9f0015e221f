// Package events provides structured run events and their emitters.
//
// The engine reports progress as events, never as printed text; presentation
// is a collaborator's job. Deployments with a broker publish to Kafka so
// downstream dashboards can follow runs; without a broker the slog emitter
// keeps the same events visible in logs. Emission is best-effort either way:
// a lost event never fails a run.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types emitted over one synchronization run.
const (
	// TypeRunStarted marks the start of a run across all targets.
	TypeRunStarted = "run_started"

	// TypePlanWarning reports a non-fatal planning condition, e.g. an empty
	// reference universe.
	TypePlanWarning = "plan_warning"

	// TypeProgress reports drain progress for a target at a fixed cadence.
	TypeProgress = "progress"

	// TypeTargetSummary reports final per-target counts after draining.
	TypeTargetSummary = "target_summary"

	// TypeRunCompleted marks the end of a run across all targets.
	TypeRunCompleted = "run_completed"
)

type (
	// Event is one structured observation about a synchronization run.
	Event struct {
		ID        string    `json:"id"`
		RunID     string    `json:"runId"`
		Type      string    `json:"type"`
		Target    string    `json:"target,omitempty"`
		Message   string    `json:"message,omitempty"`
		Counts    Counts    `json:"counts"`
		Timestamp time.Time `json:"timestamp"`
	}

	// Counts carries the per-target tally at the time of the event. A run is
	// never reported as a bare pass/fail flag; operators need the breakdown.
	Counts struct {
		Planned          int `json:"planned"`
		Fetched          int `json:"fetched"`
		SkippedEmpty     int `json:"skippedEmpty"`
		RecordedFailures int `json:"recordedFailures"`
		StorageErrors    int `json:"storageErrors"`
	}

	// Emitter publishes run events. Implementations must be safe for
	// concurrent use by multiple target workers.
	Emitter interface {
		// Emit publishes one event. Failures are the emitter's problem to
		// log; callers never treat emission as fatal.
		Emit(ctx context.Context, event Event)
	}
)

// New builds an event with a fresh ID and the current timestamp.
func New(runID, eventType, target string, counts Counts) Event {
	return Event{
		ID:        uuid.NewString(),
		RunID:     runID,
		Type:      eventType,
		Target:    target,
		Counts:    counts,
		Timestamp: time.Now().UTC(),
	}
}
