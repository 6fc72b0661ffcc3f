// Package steps implements the stateless units of work of the
// provisioning workflow (launch, attach-volume, register-shutdown,
// arm-alarm) and of the idle shutdown path.
//
// A step reads what it needs from its input payload and the shared state
// store, calls the provider driver, and returns a payload that is a
// superset of its input.  Steps hold no state between calls, so any of
// them can be re-entered after a failure.
package steps

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/state"
)

// Step is one unit of work.
type Step interface {
	// Name identifies the step in logs and the audit trail.
	Name() string

	// Run executes the step.  On failure Run may return a partial
	// payload alongside the error; a retry of the same step is fed that
	// payload so it can resume instead of redoing provider calls.
	Run(ctx context.Context, in Payload) (Payload, error)
}

// Step names.
const (
	LaunchName           = "launch"
	AttachVolumeName     = "attach-volume"
	RegisterShutdownName = "register-shutdown"
	ArmAlarmName         = "arm-alarm"
	ShutdownName         = "shutdown"
)

// Deps are the collaborators every step needs.
type Deps struct {
	Store  state.Store
	Keys   state.Keys
	Driver driver.Driver
	Logger *slog.Logger

	// CallTimeout bounds a single provider call.  Calls are detached from
	// the caller's cancellation: once issued, a call runs to completion
	// (or this timeout) even if the run's deadline passes meanwhile.
	CallTimeout time.Duration
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return d.Logger
}

func (d Deps) keys() state.Keys {
	if d.Keys.Namespace == "" {
		return state.NewKeys("")
	}
	return d.Keys
}

// callCtx returns the context for one provider call.
func (d Deps) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if d.CallTimeout > 0 {
		return context.WithTimeout(detached, d.CallTimeout)
	}
	return context.WithCancel(detached)
}

var tracer trace.Tracer = otel.Tracer("idlegpu/steps")

// ProgressFunc receives a step's payload as soon as the step has done
// something a timed-out run must still report, such as creating an instance.
type ProgressFunc func(Payload)

type progressKey struct{}

// WithProgress returns a context through which steps report progress to fn.
func WithProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

func reportProgress(ctx context.Context, p Payload) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok && fn != nil {
		fn(p)
	}
}

// ---------------------------------------------------------------------------
// Polling
// ---------------------------------------------------------------------------

// Poll bounds a wait for the provider to report an expected state.
type Poll struct {
	Interval time.Duration
	Timeout  time.Duration
}

func (p Poll) withDefaults(interval, timeout time.Duration) Poll {
	if p.Interval <= 0 {
		p.Interval = interval
	}
	if p.Timeout <= 0 {
		p.Timeout = timeout
	}
	return p
}

var (
	errNotYet = errors.New("not yet")

	// ErrPollExhausted is returned when the poll budget runs out before
	// the expected state is reached.
	ErrPollExhausted = errors.New("poll budget exhausted")
)

// poll calls check until it reports done, returns an error, or the budget
// runs out.  check returning a transient driver error keeps polling.  No
// new check is started once ctx is done.
func poll(ctx context.Context, p Poll, check func() (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Interval
	b.MaxInterval = p.Interval
	b.Multiplier = 1
	b.RandomizationFactor = 0
	b.MaxElapsedTime = p.Timeout

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		done, err := check()
		switch {
		case err != nil && driver.IsTransient(err):
			return err
		case err != nil:
			return backoff.Permanent(err)
		case !done:
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, errNotYet):
		return fmt.Errorf("%w after %s", ErrPollExhausted, p.Timeout)
	case driver.IsTransient(err):
		return fmt.Errorf("%w after %s: %w", ErrPollExhausted, p.Timeout, err)
	}
	return err
}

// ---------------------------------------------------------------------------
// Provisioning sequence
// ---------------------------------------------------------------------------

// Options tune the provisioning steps.  Zero values select the defaults.
type Options struct {
	LaunchPoll Poll
	AttachPoll Poll
	Device     string
	Alarm      AlarmPolicy
}

// Provisioning returns the provisioning steps in execution order.
func Provisioning(deps Deps, o Options) []Step {
	return []Step{
		NewLaunchStep(deps, o.LaunchPoll),
		NewAttachVolumeStep(deps, o.AttachPoll, o.Device),
		NewRegisterShutdownStep(deps),
		NewArmAlarmStep(deps, o.Alarm),
	}
}
