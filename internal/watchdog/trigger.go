// Package watchdog turns idle-alarm notifications into shutdowns.
//
// The watchdog runs independently of any provisioning run.  It only
// shares the state store with the workflow: it stays inactive until an
// alarm has been armed (the alarm-name key exists), and it learns which
// instance to stop from the event or from the instance-id key.
package watchdog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/state"
	"github.com/terrpan/idlegpu/internal/steps"
)

// Outcome is what Handle did with an event.
type Outcome string

const (
	// OutcomeShutdown: the shutdown step ran to completion.
	OutcomeShutdown Outcome = "shutdown"
	// OutcomeIgnored: the event is not an ALARM transition.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeInactive: no alarm has been armed yet.
	OutcomeInactive Outcome = "inactive"
	// OutcomeFailed: the shutdown step returned an error.
	OutcomeFailed Outcome = "failed"
)

// Handler handles one alarm event.
type Handler interface {
	Handle(ctx context.Context, ev Event) (Outcome, error)
}

// Handled describes the last event a Trigger acted on.
type Handled struct {
	AlarmName  string    `json:"alarm_name"`
	InstanceID string    `json:"instance_id,omitempty"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Config holds the parameters a Trigger needs.
type Config struct {
	Store    state.Store
	Keys     state.Keys
	Shutdown steps.Step
	Logger   *slog.Logger
}

// Trigger runs the shutdown step for firing alarms.  Shutdowns are
// serialised; concurrent events for the same instance collapse into one
// termination because the step itself is idempotent.
type Trigger struct {
	store    state.Store
	keys     state.Keys
	shutdown steps.Step
	logger   *slog.Logger

	mu   sync.Mutex
	last *Handled

	tracer    trace.Tracer
	shutdowns metric.Int64Counter
}

var _ Handler = (*Trigger)(nil)

// New creates a Trigger.
func New(cfg Config) *Trigger {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Keys.Namespace == "" {
		cfg.Keys = state.NewKeys("")
	}

	t := &Trigger{
		store:    cfg.Store,
		keys:     cfg.Keys,
		shutdown: cfg.Shutdown,
		logger:   cfg.Logger,
		tracer:   otel.Tracer("idlegpu/watchdog"),
	}

	var err error
	t.shutdowns, err = otel.Meter("idlegpu/watchdog").Int64Counter(
		"idlegpu.shutdowns",
		metric.WithDescription("Alarm events handled by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create shutdowns counter", slog.String("error", err.Error()))
	}
	return t
}

// Handle runs the shutdown step for ev.  Events that do not fire, events
// that arrive while no alarm is armed and events for the active instance
// that name a different alarm are ignored without error.
func (t *Trigger) Handle(ctx context.Context, ev Event) (Outcome, error) {
	ctx, span := t.tracer.Start(ctx, "watchdog.Handle", trace.WithAttributes(
		attribute.String("alarm.name", ev.AlarmName),
		attribute.String("alarm.state", ev.NewState),
		attribute.String("event.source", ev.Source),
	))
	defer span.End()

	log := t.logger.With(
		slog.String("alarm_name", ev.AlarmName),
		slog.String("instance_id", ev.InstanceID),
		slog.String("source", ev.Source),
	)

	t.mu.Lock()
	defer t.mu.Unlock()

	outcome, err := t.handle(ctx, log, ev)
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
	}
	if t.shutdowns != nil {
		t.shutdowns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	}

	h := &Handled{AlarmName: ev.AlarmName, InstanceID: ev.InstanceID, Outcome: outcome, At: time.Now().UTC()}
	if err != nil {
		h.Error = err.Error()
	}
	t.last = h
	return outcome, err
}

func (t *Trigger) handle(ctx context.Context, log *slog.Logger, ev Event) (Outcome, error) {
	if !ev.Fires() {
		log.Debug("alarm event does not fire", slog.String("state", ev.NewState))
		return OutcomeIgnored, nil
	}

	armed, ok, err := state.Lookup(ctx, t.store, t.keys.AlarmName())
	if err != nil {
		return OutcomeFailed, fault.StateStoreErr(true, "get "+t.keys.AlarmName(), err)
	}
	if !ok {
		log.Warn("no alarm is armed, ignoring")
		return OutcomeInactive, nil
	}
	bound, _, err := state.Lookup(ctx, t.store, t.keys.InstanceID())
	if err != nil {
		return OutcomeFailed, fault.StateStoreErr(true, "get "+t.keys.InstanceID(), err)
	}

	stray := ev.InstanceID != "" && bound != "" && ev.InstanceID != bound
	switch {
	case stray:
		log.Warn("alarm names an instance other than the active one, stopping it anyway",
			slog.String("active_instance_id", bound),
		)
	case ev.AlarmName != "" && ev.AlarmName != armed:
		// A stale alarm for the active instance must not stop it.
		log.Warn("alarm is not the armed one, ignoring", slog.String("armed_alarm", armed))
		return OutcomeInactive, nil
	}

	in := steps.Payload{InstanceID: ev.InstanceID, AlarmName: ev.AlarmName}

	out, err := t.shutdown.Run(ctx, in)
	if err != nil {
		log.Error("shutdown failed", slog.String("error", err.Error()))
		return OutcomeFailed, fmt.Errorf("shutdown %s: %w", out.InstanceID, err)
	}
	log.Info("idle instance shut down",
		slog.String("terminated_instance_id", out.InstanceID),
		slog.String("removed_alarm", out.AlarmName),
	)
	return OutcomeShutdown, nil
}

// LastHandled returns the last event Handle acted on.
func (t *Trigger) LastHandled() (Handled, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Handled{}, false
	}
	return *t.last, true
}
