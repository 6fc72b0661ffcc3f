// Package driver defines the capability interface over the compute,
// storage and monitoring provider.  The provisioning steps and the
// shutdown path only ever talk to a Driver, so they stay independent of
// the cloud SDK and can be tested against stubs.
package driver

import (
	"context"
	"errors"
)

// Driver is the contract every provider backend must satisfy.
//
// Every call is synchronous.  All calls are idempotent at the provider
// for a retried duplicate against the same target, except RunInstance:
// calling it twice creates two instances.  Callers own the guarantee that
// RunInstance succeeds at most once per provisioning run.
type Driver interface {
	// RunInstance launches one instance from the launch template and
	// returns its id.
	RunInstance(ctx context.Context, req LaunchRequest) (instanceID string, err error)

	// DescribeInstance returns the lifecycle state of instanceID.  An
	// unknown instance yields an error matching ErrNotFound.
	DescribeInstance(ctx context.Context, instanceID string) (InstanceState, error)

	// AttachVolume attaches volumeID to instanceID as device.  A volume
	// that is already in use yields an error matching ErrAlreadyAttached.
	AttachVolume(ctx context.Context, volumeID, instanceID, device string) error

	// DescribeVolume reports the volume's current attachment.
	DescribeVolume(ctx context.Context, volumeID string) (VolumeAttachment, error)

	// PutMetricAlarm creates or replaces the alarm described by cfg.
	PutMetricAlarm(ctx context.Context, cfg AlarmConfig) error

	// DeleteAlarm removes alarmName.  A missing alarm yields an error
	// matching ErrNotFound.
	DeleteAlarm(ctx context.Context, alarmName string) error

	// TerminateInstance permanently destroys instanceID -- never merely
	// stops it.  A missing instance yields an error matching ErrNotFound.
	TerminateInstance(ctx context.Context, instanceID string) error

	// BindShutdownTarget records instanceID in the invocation
	// configuration of the shutdown function, so a later idle trigger
	// knows which instance to terminate without querying state.
	BindShutdownTarget(ctx context.Context, functionName, instanceID string) error
}

// Classification sentinels.  Backends wrap provider errors so that
// errors.Is matches one of these.
var (
	// ErrNotFound: the instance, volume or alarm does not exist (or is
	// not visible yet).
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyAttached: the volume is already attached somewhere.
	ErrAlreadyAttached = errors.New("volume already attached")

	// ErrThrottled: rate limiting, a conflicting in-progress update or a
	// transient state conflict.  Retrying later can succeed.
	ErrThrottled = errors.New("provider throttled or busy")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrThrottled)
}

// LaunchRequest holds everything RunInstance needs.
type LaunchRequest struct {
	TemplateID       string
	SubnetID         string
	SecurityGroupIDs []string
	// IdempotencyToken lets providers that support it deduplicate a
	// replayed launch.  The orchestrator passes the run id.
	IdempotencyToken string
}

// InstanceState is the lifecycle state of an instance.
type InstanceState string

const (
	InstancePending      InstanceState = "pending"
	InstanceRunning      InstanceState = "running"
	InstanceStopping     InstanceState = "stopping"
	InstanceStopped      InstanceState = "stopped"
	InstanceShuttingDown InstanceState = "shutting-down"
	InstanceTerminated   InstanceState = "terminated"
	InstanceUnknown      InstanceState = "unknown"
)

// Live reports whether the instance is, or is about to be, running.
func (s InstanceState) Live() bool {
	return s == InstancePending || s == InstanceRunning
}

// Gone reports whether the instance is terminated or on its way there.
func (s InstanceState) Gone() bool {
	return s == InstanceShuttingDown || s == InstanceTerminated
}

// AttachmentStatus is the state of a volume attachment.
type AttachmentStatus string

const (
	AttachmentPending  AttachmentStatus = "pending"
	AttachmentAttached AttachmentStatus = "attached"
	AttachmentFailed   AttachmentStatus = "failed"
	// AttachmentDetached means the volume is not attached anywhere.
	AttachmentDetached AttachmentStatus = "detached"
)

// VolumeAttachment describes where a volume is attached.  InstanceID and
// Device are empty when Status is AttachmentDetached.
type VolumeAttachment struct {
	VolumeID   string           `json:"volume_id"`
	InstanceID string           `json:"instance_id,omitempty"`
	Device     string           `json:"device,omitempty"`
	Status     AttachmentStatus `json:"status"`
}

// AttachedTo reports whether the volume is fully attached to instanceID.
func (v VolumeAttachment) AttachedTo(instanceID string) bool {
	return v.Status == AttachmentAttached && v.InstanceID == instanceID
}

// AlarmConfig describes a standing metric alarm.
type AlarmConfig struct {
	AlarmName          string            `json:"alarm_name"`
	MetricName         string            `json:"metric_name"`
	Namespace          string            `json:"namespace"`
	Statistic          string            `json:"statistic"`
	Dimensions         map[string]string `json:"dimensions"`
	Threshold          float64           `json:"threshold"`
	EvaluationPeriods  int32             `json:"evaluation_periods"`
	DatapointsToAlarm  int32             `json:"datapoints_to_alarm,omitempty"`
	PeriodSeconds      int32             `json:"period_seconds"`
	ComparisonOperator string            `json:"comparison_operator"`
	TreatMissingData   string            `json:"treat_missing_data,omitempty"`
	// Actions are the invocation targets fired when the alarm trips.
	Actions     []string `json:"actions"`
	Description string   `json:"description,omitempty"`
}

// InstanceDimension is the alarm dimension that names the watched
// instance.
const InstanceDimension = "InstanceId"
