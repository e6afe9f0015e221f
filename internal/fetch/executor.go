package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/statline-io/statline/internal/config"
	"github.com/statline-io/statline/internal/pacer"
)

const (
	// DefaultMaxAttempts is the per-value retry budget.
	DefaultMaxAttempts = 3
	defaultBackoffBase = 2 * time.Second
	defaultCallTimeout = 30 * time.Second

	// Circuit breaker thresholds: open after 60% failures over at least
	// breakerMinRequests calls, probe again after breakerTimeout.
	breakerMinRequests  = 10
	breakerFailureRatio = 0.6
	breakerInterval     = time.Minute
	breakerTimeout      = 2 * time.Minute
	breakerMaxHalfOpen  = 1
)

// ErrNilClient is returned when an executor is constructed without a client.
var ErrNilClient = errors.New("fetch client cannot be nil")

// ErrNilPacer is returned when an executor is constructed without a pacer.
var ErrNilPacer = errors.New("pacer cannot be nil")

type (
	// Config holds retry and timeout policy for the executor.
	Config struct {
		MaxAttempts int           // attempts per value, transient failures only
		BackoffBase time.Duration // first retry delay, doubled each attempt
		CallTimeout time.Duration // wall-clock budget per individual call
	}

	// Executor performs a single parameter's upstream call with pacing,
	// circuit breaking, bounded retry and exponential backoff, and
	// classifies the terminal outcome.
	//
	// The breaker uses real time for its recovery window; tests exercise
	// retry behavior through the scripted client, not the breaker clock.
	Executor struct {
		client  Client
		pacer   *pacer.Pacer
		breaker *gobreaker.CircuitBreaker[*Response]
		cfg     Config
		logger  *slog.Logger
	}
)

// LoadConfig loads executor policy from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		MaxAttempts: config.GetEnvInt("FETCH_MAX_ATTEMPTS", DefaultMaxAttempts),
		BackoffBase: config.GetEnvDuration("FETCH_BACKOFF_BASE", defaultBackoffBase),
		CallTimeout: config.GetEnvDuration("FETCH_CALL_TIMEOUT", defaultCallTimeout),
	}
}

// NewExecutor creates an executor over the given client and shared pacer.
func NewExecutor(client Client, p *pacer.Pacer, cfg Config) (*Executor, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	if p == nil {
		return nil, ErrNilPacer
	}

	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	breaker := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "stats-api",
		MaxRequests: breakerMaxHalfOpen,
		Interval:    breakerInterval,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= breakerFailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		// Permanent upstream answers are facts about the parameter, not
		// upstream health; they must not trip the breaker.
		IsSuccessful: func(err error) bool {
			return err == nil || ClassifyError(err) == OutcomePermanent
		},
	})

	return &Executor{
		client:  client,
		pacer:   p,
		breaker: breaker,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Fetch performs the upstream call for one parameter value.
//
// Returns (response, outcome, err):
//   - (resp, OutcomeSuccess, nil)   → at least one non-empty result set
//   - (resp, OutcomeEmpty, nil)     → upstream has no data; not a failure
//   - (nil, OutcomePermanent, err)  → non-retriable, or retries exhausted
//     (err wraps ErrRetriesExhausted in the exhausted case)
//   - (nil, OutcomeTransient, err)  → the run's context was canceled; the
//     caller exits without recording anything
//
// Transient failures are retried internally up to MaxAttempts with
// exponential backoff and never surfaced unless exhausted.
func (e *Executor) Fetch(ctx context.Context, endpointKey, paramKey, paramValue string) (*Response, Outcome, error) {
	var lastErr error

	delay := e.cfg.BackoffBase

	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := e.pacer.Wait(ctx); err != nil {
			// Run canceled while waiting for the rate budget.
			return nil, OutcomeTransient, err
		}

		resp, err := e.callOnce(ctx, endpointKey, paramKey, paramValue)
		if err == nil {
			return resp, ClassifyResponse(resp), nil
		}

		if ctx.Err() != nil {
			return nil, OutcomeTransient, ctx.Err()
		}

		if ClassifyError(err) == OutcomePermanent {
			return nil, OutcomePermanent, err
		}

		lastErr = err

		e.logger.Warn("transient fetch failure",
			slog.String("endpoint", endpointKey),
			slog.String("param_key", paramKey),
			slog.String("param_value", paramValue),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", e.cfg.MaxAttempts),
			slog.String("error", err.Error()),
		)

		if attempt < e.cfg.MaxAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, OutcomeTransient, ctx.Err()
			}

			delay *= 2
		}
	}

	return nil, OutcomePermanent, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, e.cfg.MaxAttempts, lastErr)
}

// callOnce performs a single breaker-guarded call with the per-call timeout.
func (e *Executor) callOnce(ctx context.Context, endpointKey, paramKey, paramValue string) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	resp, err := e.breaker.Execute(func() (*Response, error) {
		return e.client.Call(callCtx, endpointKey, paramKey, paramValue)
	})
	if err != nil {
		// Breaker rejections are upstream-health signals, retriable like any
		// other transport failure.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		return nil, err
	}

	return resp, nil
}
