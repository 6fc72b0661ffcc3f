package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/state"
)

// LaunchStep starts the instance from the provisioning record and waits
// for it to run.  It writes nothing to the store; the instance id leaves
// the step only through its output payload.
//
// RunInstance is the one provider call that is not idempotent, so the
// step guards it twice: an input that already carries an instance id
// (a retry of this run) only re-polls, and an instance registered in the
// store that is still alive fails the step outright.
type LaunchStep struct {
	Deps
	Poll Poll
	Now  func() time.Time
}

var _ Step = (*LaunchStep)(nil)

// NewLaunchStep returns a LaunchStep with the default 10s poll budget
// applied to any unset poll field.
func NewLaunchStep(deps Deps, p Poll) *LaunchStep {
	return &LaunchStep{Deps: deps, Poll: p.withDefaults(time.Second, 10*time.Second), Now: time.Now}
}

func (s *LaunchStep) Name() string { return LaunchName }

func (s *LaunchStep) Run(ctx context.Context, in Payload) (Payload, error) {
	ctx, span := tracer.Start(ctx, "steps.launch")
	defer span.End()

	log := s.logger().With(slog.String("run_id", in.RunID))
	out := in

	if out.InstanceID == "" {
		id, err := s.launch(ctx, in)
		if err != nil {
			span.RecordError(err)
			return in, err
		}
		out.InstanceID = id
		out.CreatedAt = s.now()
		reportProgress(ctx, out)
		log.Info("instance launched", slog.String("instance_id", id))
	} else {
		log.Info("instance already launched in this run, waiting for it",
			slog.String("instance_id", out.InstanceID),
		)
	}
	span.SetAttributes(attribute.String("instance.id", out.InstanceID))

	var last driver.InstanceState
	err := poll(ctx, s.Poll, func() (bool, error) {
		cctx, cancel := s.callCtx(ctx)
		defer cancel()
		st, err := s.Driver.DescribeInstance(cctx, out.InstanceID)
		if errors.Is(err, driver.ErrNotFound) {
			// A freshly launched instance may not be visible yet.
			return false, nil
		}
		if err != nil {
			return false, err
		}
		last = st
		switch {
		case st == driver.InstanceRunning:
			return true, nil
		case st.Live():
			return false, nil
		}
		return false, fmt.Errorf("instance %s entered state %s", out.InstanceID, st)
	})
	switch {
	case err == nil:
		log.Info("instance running", slog.String("instance_id", out.InstanceID))
		return out, nil
	case ctx.Err() != nil:
		return out, err
	case errors.Is(err, ErrPollExhausted):
		err = fault.ProvisioningErr(true, fmt.Sprintf("wait for instance %s (last state %q)", out.InstanceID, last), err)
	default:
		err = fault.ProvisioningErr(false, "wait for instance "+out.InstanceID, err)
	}
	span.RecordError(err)
	return out, err
}

// launch checks the single-instance guard and calls RunInstance.
func (s *LaunchStep) launch(ctx context.Context, in Payload) (string, error) {
	keys := s.keys()

	if err := s.checkNoActiveInstance(ctx, keys); err != nil {
		return "", err
	}

	rec, err := state.LoadRecord(ctx, s.Store, keys)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	id, err := s.Driver.RunInstance(cctx, driver.LaunchRequest{
		TemplateID:       rec.LaunchTemplateID,
		SubnetID:         rec.SubnetID,
		SecurityGroupIDs: []string{rec.SecurityGroupID},
		IdempotencyToken: in.RunID,
	})
	if err != nil {
		return "", fault.ProvisioningErr(driver.IsTransient(err), "run instance", err)
	}
	return id, nil
}

// checkNoActiveInstance fails when the store names an instance that is
// still pending or running.
func (s *LaunchStep) checkNoActiveInstance(ctx context.Context, keys state.Keys) error {
	active, ok, err := state.Lookup(ctx, s.Store, keys.InstanceID())
	if err != nil {
		return fault.StateStoreErr(true, "get "+keys.InstanceID(), err)
	}
	if !ok {
		return nil
	}

	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	st, err := s.Driver.DescribeInstance(cctx, active)
	switch {
	case errors.Is(err, driver.ErrNotFound):
		return nil
	case err != nil:
		return fault.ProvisioningErr(driver.IsTransient(err), "describe active instance "+active, err)
	case st.Live():
		return fault.ProvisioningErr(false, "single-instance guard",
			fmt.Errorf("instance %s is already %s", active, st))
	}
	return nil
}

func (s *LaunchStep) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}
