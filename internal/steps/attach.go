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

// DefaultDevice is the block device the data volume is exposed as.
const DefaultDevice = "/dev/sdh"

// AttachVolumeStep attaches the durable data volume to the launched
// instance.  A volume that is already attached to the instance is left
// alone, which makes re-entry after a partial failure safe.
type AttachVolumeStep struct {
	Deps
	Poll   Poll
	Device string
}

var _ Step = (*AttachVolumeStep)(nil)

// NewAttachVolumeStep returns an AttachVolumeStep with the default 60s
// poll budget and device applied to any unset field.
func NewAttachVolumeStep(deps Deps, p Poll, device string) *AttachVolumeStep {
	if device == "" {
		device = DefaultDevice
	}
	return &AttachVolumeStep{Deps: deps, Poll: p.withDefaults(2*time.Second, 60*time.Second), Device: device}
}

func (s *AttachVolumeStep) Name() string { return AttachVolumeName }

func (s *AttachVolumeStep) Run(ctx context.Context, in Payload) (Payload, error) {
	ctx, span := tracer.Start(ctx, "steps.attach_volume")
	defer span.End()

	if in.InstanceID == "" {
		return in, fault.ConfigurationErr("attach volume", errors.New("input has no instance_id"))
	}

	out := in
	if out.VolumeID == "" {
		v, err := state.Require(ctx, s.Store, s.keys().VolumeID())
		if err != nil {
			return in, err
		}
		out.VolumeID = v
	}
	if out.Device == "" {
		out.Device = s.Device
	}
	span.SetAttributes(
		attribute.String("instance.id", out.InstanceID),
		attribute.String("volume.id", out.VolumeID),
	)

	log := s.logger().With(
		slog.String("run_id", in.RunID),
		slog.String("volume_id", out.VolumeID),
		slog.String("instance_id", out.InstanceID),
	)

	att, err := s.describe(ctx, out.VolumeID)
	if err != nil {
		return out, err
	}
	out.AttachmentStatus = att.Status

	switch {
	case att.AttachedTo(out.InstanceID):
		log.Info("volume already attached")
		return out, nil
	case att.InstanceID != "" && att.InstanceID != out.InstanceID &&
		(att.Status == driver.AttachmentAttached || att.Status == driver.AttachmentPending):
		return out, fault.AttachmentErr(false, "attach volume "+out.VolumeID,
			fmt.Errorf("volume is attached to instance %s", att.InstanceID))
	case att.Status == driver.AttachmentPending:
		log.Info("volume attachment already in progress")
	default:
		if err := s.attach(ctx, out); err != nil {
			return out, err
		}
	}

	err = poll(ctx, s.Poll, func() (bool, error) {
		cctx, cancel := s.callCtx(ctx)
		defer cancel()
		cur, err := s.Driver.DescribeVolume(cctx, out.VolumeID)
		if err != nil {
			return false, err
		}
		out.AttachmentStatus = cur.Status
		switch {
		case cur.AttachedTo(out.InstanceID):
			return true, nil
		case cur.Status == driver.AttachmentFailed:
			return false, errAttachFailed
		}
		return false, nil
	})
	switch {
	case err == nil:
		log.Info("volume attached", slog.String("device", out.Device))
		return out, nil
	case ctx.Err() != nil:
		return out, err
	case errors.Is(err, errAttachFailed), errors.Is(err, ErrPollExhausted):
		err = fault.AttachmentErr(true, "wait for volume "+out.VolumeID, err)
	default:
		err = fault.AttachmentErr(false, "wait for volume "+out.VolumeID, err)
	}
	out.AttachmentStatus = driver.AttachmentFailed
	span.RecordError(err)
	return out, err
}

var errAttachFailed = errors.New("attachment failed")

func (s *AttachVolumeStep) describe(ctx context.Context, volumeID string) (driver.VolumeAttachment, error) {
	cctx, cancel := s.callCtx(ctx)
	defer cancel()
	att, err := s.Driver.DescribeVolume(cctx, volumeID)
	if err != nil {
		return att, fault.AttachmentErr(driver.IsTransient(err), "describe volume "+volumeID, err)
	}
	return att, nil
}

func (s *AttachVolumeStep) attach(ctx context.Context, p Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cctx, cancel := s.callCtx(ctx)
	defer cancel()

	err := s.Driver.AttachVolume(cctx, p.VolumeID, p.InstanceID, p.Device)
	if err == nil {
		return nil
	}
	if !errors.Is(err, driver.ErrAlreadyAttached) {
		return fault.AttachmentErr(driver.IsTransient(err), "attach volume "+p.VolumeID, err)
	}

	// Lost a race with an earlier attempt: fine if that attempt attached
	// the volume to this instance.
	att, derr := s.describe(ctx, p.VolumeID)
	if derr != nil {
		return derr
	}
	if att.InstanceID == p.InstanceID {
		return nil
	}
	return fault.AttachmentErr(false, "attach volume "+p.VolumeID,
		fmt.Errorf("volume is attached to instance %s: %w", att.InstanceID, err))
}
