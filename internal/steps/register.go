package steps

import (
	"context"
	"errors"
	"log/slog"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/state"
)

// RegisterShutdownStep binds the launched instance to the shutdown
// function so a later idle trigger knows what to terminate, then records
// the instance as the active one.
type RegisterShutdownStep struct {
	Deps
}

var _ Step = (*RegisterShutdownStep)(nil)

func NewRegisterShutdownStep(deps Deps) *RegisterShutdownStep {
	return &RegisterShutdownStep{Deps: deps}
}

func (s *RegisterShutdownStep) Name() string { return RegisterShutdownName }

func (s *RegisterShutdownStep) Run(ctx context.Context, in Payload) (Payload, error) {
	ctx, span := tracer.Start(ctx, "steps.register_shutdown")
	defer span.End()

	if in.InstanceID == "" {
		return in, fault.ConfigurationErr("register shutdown", errors.New("input has no instance_id"))
	}
	keys := s.keys()
	out := in

	if out.FunctionName == "" {
		fn, err := requireSetting(ctx, s.Store, keys.StopFunctionName())
		if err != nil {
			return in, err
		}
		out.FunctionName = fn
	}
	if out.ShutdownTarget == "" {
		target, err := requireSetting(ctx, s.Store, keys.StopFunctionTarget())
		if err != nil {
			return in, err
		}
		out.ShutdownTarget = target
	}

	if err := ctx.Err(); err != nil {
		return in, err
	}
	cctx, cancel := s.callCtx(ctx)
	err := s.Driver.BindShutdownTarget(cctx, out.FunctionName, out.InstanceID)
	cancel()
	if err != nil {
		span.RecordError(err)
		return in, &fault.Error{
			Kind:      fault.Configuration,
			Op:        "bind shutdown target " + out.FunctionName,
			Retryable: driver.IsTransient(err),
			Err:       err,
		}
	}

	// An attempt abandoned by its run must not rebind the store.
	if err := ctx.Err(); err != nil {
		return out, err
	}
	if err := s.Store.Put(ctx, keys.InstanceID(), out.InstanceID); err != nil {
		return out, fault.StateStoreErr(true, "put "+keys.InstanceID(), err)
	}

	s.logger().Info("shutdown target bound",
		slog.String("run_id", in.RunID),
		slog.String("function_name", out.FunctionName),
		slog.String("instance_id", out.InstanceID),
	)
	return out, nil
}

// requireSetting reads an infrastructure-provided key.  A missing key is
// a configuration problem rather than a store failure.
func requireSetting(ctx context.Context, st state.Store, key string) (string, error) {
	v, err := state.Require(ctx, st, key)
	if err != nil && !fault.IsRetryable(err) {
		return "", fault.ConfigurationErr("shutdown target "+key, err)
	}
	return v, err
}
