package events

import (
	"context"
	"log/slog"
	"os"
)

// LogEmitter writes run events to structured logs. It is the default emitter
// for deployments without a Kafka broker.
type LogEmitter struct {
	logger *slog.Logger
}

var _ Emitter = (*LogEmitter)(nil)

// NewLogEmitter creates an emitter backed by the given logger. A nil logger
// falls back to a JSON handler on stdout.
func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &LogEmitter{logger: logger.With("component", "events")}
}

// Emit logs the event at info level.
func (e *LogEmitter) Emit(_ context.Context, event Event) {
	e.logger.Info("Run event",
		slog.String("event_id", event.ID),
		slog.String("run_id", event.RunID),
		slog.String("event_type", event.Type),
		slog.String("target", event.Target),
		slog.String("message", event.Message),
		slog.Int("planned", event.Counts.Planned),
		slog.Int("fetched", event.Counts.Fetched),
		slog.Int("skipped_empty", event.Counts.SkippedEmpty),
		slog.Int("recorded_failures", event.Counts.RecordedFailures),
		slog.Int("storage_errors", event.Counts.StorageErrors))
}
