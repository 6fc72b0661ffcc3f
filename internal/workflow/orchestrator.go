// Package workflow sequences the provisioning steps of one run: strictly
// in order, with bounded retries per step and one global deadline.
//
// Nothing is rolled back.  A failed or timed-out run leaves whatever was
// created in place and reports it through the run's audit trail.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/steps"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Second
)

// ErrRunInProgress is returned by Run while another run is executing on
// the same Orchestrator.
var ErrRunInProgress = errors.New("a provisioning run is already in progress")

// Config holds the parameters the Orchestrator needs.
type Config struct {
	Steps []steps.Step

	// Timeout is the global deadline of a run.
	Timeout time.Duration
	// MaxAttempts bounds the attempts of each step.
	MaxAttempts int
	// RetryBackoff is the initial wait between attempts of a step.
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// Orchestrator runs the provisioning steps.
type Orchestrator struct {
	steps        []steps.Step
	timeout      time.Duration
	maxAttempts  int
	retryBackoff time.Duration
	logger       *slog.Logger

	// mu serialises runs; a run never overlaps another on one Orchestrator.
	mu     sync.Mutex
	active atomic.Int64

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	runs         metric.Int64Counter
	stepAttempts metric.Int64Counter
	stepDuration metric.Float64Histogram
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}

	o := &Orchestrator{
		steps:        cfg.Steps,
		timeout:      cfg.Timeout,
		maxAttempts:  cfg.MaxAttempts,
		retryBackoff: cfg.RetryBackoff,
		logger:       cfg.Logger,
		tracer:       otel.Tracer("idlegpu/workflow"),
		meter:        otel.Meter("idlegpu/workflow"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	o.runs, err = o.meter.Int64Counter(
		"idlegpu.runs",
		metric.WithDescription("Provisioning runs by terminal status"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create runs counter", slog.String("error", err.Error()))
	}

	o.stepAttempts, err = o.meter.Int64Counter(
		"idlegpu.step.attempts",
		metric.WithDescription("Step attempts by step and outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepAttempts counter", slog.String("error", err.Error()))
	}

	o.stepDuration, err = o.meter.Float64Histogram(
		"idlegpu.step.duration",
		metric.WithDescription("Time spent in a step across all attempts (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create stepDuration histogram", slog.String("error", err.Error()))
	}

	_, err = o.meter.Int64ObservableGauge(
		"idlegpu.runs.active",
		metric.WithDescription("Provisioning runs currently executing"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(o.active.Load())
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create active runs gauge", slog.String("error", err.Error()))
	}

	return o
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run executes every step in order, feeding each step's output to the next.
// The returned Run is complete and never changes afterwards.  The error is
// the run's terminal error, nil when the run succeeded.
func (o *Orchestrator) Run(ctx context.Context, in steps.Payload) (*Run, error) {
	if !o.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer o.mu.Unlock()
	o.active.Add(1)
	defer o.active.Add(-1)

	now := time.Now().UTC()
	run := &Run{
		ID:        uuid.NewString(),
		Status:    StatusRunning,
		StartedAt: now,
		Deadline:  now.Add(o.timeout),
	}

	ctx, span := o.tracer.Start(ctx, "workflow.Run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
	))
	defer span.End()

	ctx, cancel := context.WithDeadline(ctx, run.Deadline)
	defer cancel()

	log := o.logger.With(slog.String("run_id", run.ID))
	log.Info("provisioning run started",
		slog.Int("steps", len(o.steps)),
		slog.Duration("timeout", o.timeout),
	)

	payload := in
	payload.RunID = run.ID

	var runErr error
	for _, st := range o.steps {
		res, out, err := o.runStep(ctx, log, st, payload)
		run.Steps = append(run.Steps, res)
		// A failed step's output still carries what it created.
		payload = out
		if err != nil {
			runErr = err
			break
		}
	}
	run.Output = payload

	switch {
	case runErr == nil:
		run.Status = StatusSucceeded
	case errors.Is(runErr, context.DeadlineExceeded):
		run.Status = StatusTimedOut
	default:
		run.Status = StatusFailed
	}
	if runErr != nil {
		run.Error = runErr.Error()
		span.RecordError(runErr)
		span.SetStatus(codes.Error, string(run.Status))
	}
	run.FinishedAt = time.Now().UTC()

	span.SetAttributes(attribute.String("run.status", string(run.Status)))
	if o.runs != nil {
		o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(run.Status))))
	}

	attrs := []any{
		slog.String("status", string(run.Status)),
		slog.Int("steps", len(run.Steps)),
		slog.Duration("elapsed", run.FinishedAt.Sub(run.StartedAt)),
	}
	if runErr != nil {
		log.Error("provisioning run finished", append(attrs, slog.String("error", runErr.Error()))...)
	} else {
		log.Info("provisioning run finished", append(attrs, slog.String("instance_id", payload.InstanceID))...)
	}
	return run, runErr
}

// runStep executes st until it succeeds, fails terminally or the run's
// deadline passes.  It always returns exactly one StepResult.
func (o *Orchestrator) runStep(
	ctx context.Context,
	log *slog.Logger,
	st steps.Step,
	in steps.Payload,
) (StepResult, steps.Payload, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.step."+st.Name())
	defer span.End()

	res := StepResult{
		Name:      st.Name(),
		Input:     in,
		StartedAt: time.Now().UTC(),
	}
	log = log.With(slog.String("step", st.Name()))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retryBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	input := in
	var (
		out steps.Payload
		err error
	)
	for {
		res.Attempt++
		out, err = o.dispatch(ctx, st, input)
		o.countAttempt(ctx, st.Name(), err)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			err = o.deadlineErr(ctx, st.Name(), err)
			break
		}
		if !fault.IsRetryable(err) || res.Attempt >= o.maxAttempts {
			break
		}

		// Resume from what the failed attempt already did.
		if !out.IsZero() {
			input = out
		}
		wait := b.NextBackOff()
		log.Warn("step failed, retrying",
			slog.Int("attempt", res.Attempt),
			slog.Duration("backoff", wait),
			slog.String("error", err.Error()),
		)
		if werr := sleep(ctx, wait); werr != nil {
			err = o.deadlineErr(ctx, st.Name(), werr)
			break
		}
	}

	res.FinishedAt = time.Now().UTC()
	res.Output = out
	if out.IsZero() {
		res.Output = input
	}
	if o.stepDuration != nil {
		o.stepDuration.Record(ctx, res.FinishedAt.Sub(res.StartedAt).Seconds(),
			metric.WithAttributes(attribute.String("step", st.Name())))
	}
	span.SetAttributes(attribute.Int("step.attempts", res.Attempt))

	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = fault.KindOf(err)
		res.Retryable = fault.IsRetryable(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
		log.Error("step failed",
			slog.Int("attempt", res.Attempt),
			slog.String("error", err.Error()),
		)
		return res, res.Output, err
	}
	log.Info("step succeeded", slog.Int("attempt", res.Attempt))
	return res, out, nil
}

// dispatch runs one attempt in its own goroutine so the run's deadline is
// observed even while the step is blocked inside a provider call.  The
// attempt is abandoned, not cancelled: provider calls it already issued
// finish on their own.  An abandoned attempt yields the last progress it
// reported.
func (o *Orchestrator) dispatch(ctx context.Context, st steps.Step, in steps.Payload) (steps.Payload, error) {
	if err := ctx.Err(); err != nil {
		return in, err
	}

	var (
		mu     sync.Mutex
		latest = in
	)
	actx := steps.WithProgress(ctx, func(p steps.Payload) {
		mu.Lock()
		latest = p
		mu.Unlock()
	})

	type outcome struct {
		out steps.Payload
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := st.Run(actx, in)
		done <- outcome{out: out, err: err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		mu.Lock()
		defer mu.Unlock()
		return latest, ctx.Err()
	}
}

func (o *Orchestrator) deadlineErr(ctx context.Context, step string, err error) error {
	cause := ctx.Err()
	if errors.Is(err, cause) {
		return fmt.Errorf("step %s interrupted: %w", step, cause)
	}
	return fmt.Errorf("step %s interrupted: %w (last error: %v)", step, cause, err)
}

func (o *Orchestrator) countAttempt(ctx context.Context, step string, err error) {
	if o.stepAttempts == nil {
		return
	}
	outcome := "succeeded"
	switch {
	case err == nil:
	case fault.IsRetryable(err):
		outcome = "retryable"
	default:
		outcome = "failed"
	}
	o.stepAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
