package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/state"
)

// ShutdownStep terminates the instance, removes its idle alarm and clears
// the alarm-name key when that alarm was the armed one.  It is
// the only step of the shutdown path and is safe to run any number of
// times: an instance that is already gone is not terminated again and a
// missing alarm is not an error.
type ShutdownStep struct {
	Deps

	// MaxAttempts bounds TerminateInstance calls for transient failures.
	MaxAttempts  int
	RetryBackoff time.Duration
}

var _ Step = (*ShutdownStep)(nil)

func NewShutdownStep(deps Deps, maxAttempts int, retryBackoff time.Duration) *ShutdownStep {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if retryBackoff <= 0 {
		retryBackoff = time.Second
	}
	return &ShutdownStep{Deps: deps, MaxAttempts: maxAttempts, RetryBackoff: retryBackoff}
}

func (s *ShutdownStep) Name() string { return ShutdownName }

// Run uses the instance id and alarm name from the input when present and
// falls back to the store otherwise.
func (s *ShutdownStep) Run(ctx context.Context, in Payload) (Payload, error) {
	ctx, span := tracer.Start(ctx, "steps.shutdown")
	defer span.End()

	keys := s.keys()
	out := in

	bound, _, err := state.Lookup(ctx, s.Store, keys.InstanceID())
	if err != nil {
		return in, fault.StateStoreErr(true, "get "+keys.InstanceID(), err)
	}
	if out.InstanceID == "" {
		if bound == "" {
			return in, fault.StateStoreErr(false, "get "+keys.InstanceID(), state.ErrNotFound)
		}
		out.InstanceID = bound
	}
	armed, _, err := state.Lookup(ctx, s.Store, keys.AlarmName())
	if err != nil {
		return in, fault.StateStoreErr(true, "get "+keys.AlarmName(), err)
	}
	// The recorded alarm belongs to the recorded instance only.
	if out.AlarmName == "" && out.InstanceID == bound {
		out.AlarmName = armed
	}
	span.SetAttributes(attribute.String("instance.id", out.InstanceID))

	log := s.logger().With(
		slog.String("instance_id", out.InstanceID),
		slog.String("alarm_name", out.AlarmName),
	)

	terminated, err := s.terminate(ctx, out.InstanceID)
	if err != nil {
		span.RecordError(err)
		return out, err
	}
	if terminated {
		log.Info("instance terminated")
	} else {
		log.Info("instance already gone, nothing to terminate")
	}

	if out.AlarmName == "" {
		log.Warn("no alarm recorded, skipping alarm removal")
		return out, nil
	}
	cctx, cancel := s.callCtx(ctx)
	err = s.Driver.DeleteAlarm(cctx, out.AlarmName)
	cancel()
	switch {
	case errors.Is(err, driver.ErrNotFound):
		log.Info("alarm already removed")
	case err != nil:
		span.RecordError(err)
		return out, fault.MonitoringErr(driver.IsTransient(err), "delete alarm "+out.AlarmName, err)
	default:
		log.Info("alarm removed")
	}

	// Disarm the watchdog until the next run arms a new alarm.
	if out.AlarmName == armed {
		if err := s.Store.Delete(ctx, keys.AlarmName()); err != nil {
			span.RecordError(err)
			return out, fault.StateStoreErr(true, "delete "+keys.AlarmName(), err)
		}
	}
	return out, nil
}

// terminate reports whether a TerminateInstance call was needed.
func (s *ShutdownStep) terminate(ctx context.Context, instanceID string) (bool, error) {
	gone, err := s.gone(ctx, instanceID)
	if err != nil {
		return false, err
	}
	if gone {
		return false, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.RetryBackoff
	b.MaxElapsedTime = 0
	attempts := 0

	op := func() error {
		attempts++
		cctx, cancel := s.callCtx(ctx)
		defer cancel()
		err := s.Driver.TerminateInstance(cctx, instanceID)
		switch {
		case err == nil, errors.Is(err, driver.ErrNotFound):
			return nil
		case driver.IsTransient(err):
			s.logger().Warn("terminate failed, retrying",
				slog.String("instance_id", instanceID),
				slog.Int("attempt", attempts),
				slog.String("error", err.Error()),
			)
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.MaxAttempts-1)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return false, fault.TerminationErr(
			fmt.Sprintf("terminate %s after %d attempt(s)", instanceID, attempts), err)
	}
	return true, nil
}

func (s *ShutdownStep) gone(ctx context.Context, instanceID string) (bool, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	st, err := s.Driver.DescribeInstance(cctx, instanceID)
	switch {
	case errors.Is(err, driver.ErrNotFound):
		return true, nil
	case err != nil && driver.IsTransient(err):
		// Terminate is idempotent on the provider side; fall through to it.
		return false, nil
	case err != nil:
		return false, fault.TerminationErr("describe "+instanceID, err)
	}
	return st.Gone(), nil
}
