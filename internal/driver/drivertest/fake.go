// Package drivertest provides an in-memory driver.Driver for tests and
// dry runs.
package drivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/terrpan/idlegpu/internal/driver"
)

// AttachMode controls how the fake reports a volume after AttachVolume.
type AttachMode int

const (
	// AttachImmediately marks the volume attached at once.
	AttachImmediately AttachMode = iota
	// AttachFails leaves the attachment in the failed state.
	AttachFails
	// AttachHangs leaves the attachment pending forever.
	AttachHangs
)

// Fake is a thread-safe in-memory provider.  Zero values give a provider
// where instances run immediately and volumes attach immediately.
type Fake struct {
	mu sync.Mutex

	// InstanceIDs are handed out by RunInstance in order; once exhausted
	// ids are generated as "i-<n>".
	InstanceIDs []string
	// PendingPolls is how many DescribeInstance calls report pending
	// before an instance becomes running.
	PendingPolls int
	// Attach selects the behaviour of AttachVolume.
	Attach AttachMode

	// Errors returned by the matching call.  The slices are consumed one
	// element per call; a nil element means success.
	RunErrs       []error
	DescribeErrs  []error
	TerminateErrs []error
	PutAlarmErrs  []error
	DeleteErrs    []error
	BindErrs      []error

	instances map[string]driver.InstanceState
	polls     map[string]int
	volumes   map[string]driver.VolumeAttachment
	alarms    map[string]driver.AlarmConfig
	bindings  map[string]string
	tokens    []string
	calls     map[string]int
	seq       int
}

var _ driver.Driver = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	f := &Fake{}
	f.init()
	return f
}

func (f *Fake) init() {
	if f.instances == nil {
		f.instances = make(map[string]driver.InstanceState)
		f.polls = make(map[string]int)
		f.volumes = make(map[string]driver.VolumeAttachment)
		f.alarms = make(map[string]driver.AlarmConfig)
		f.bindings = make(map[string]string)
		f.calls = make(map[string]int)
	}
}

func pop(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *Fake) record(op string) {
	f.init()
	f.calls[op]++
}

// RunInstance implements driver.Driver.
func (f *Fake) RunInstance(_ context.Context, req driver.LaunchRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RunInstance")

	if err := pop(&f.RunErrs); err != nil {
		return "", err
	}

	var id string
	if len(f.InstanceIDs) > 0 {
		id = f.InstanceIDs[0]
		f.InstanceIDs = f.InstanceIDs[1:]
	} else {
		f.seq++
		id = fmt.Sprintf("i-%d", f.seq)
	}
	f.instances[id] = driver.InstancePending
	f.tokens = append(f.tokens, req.IdempotencyToken)
	return id, nil
}

// DescribeInstance implements driver.Driver.
func (f *Fake) DescribeInstance(_ context.Context, instanceID string) (driver.InstanceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeInstance")

	if err := pop(&f.DescribeErrs); err != nil {
		return driver.InstanceUnknown, err
	}
	st, ok := f.instances[instanceID]
	if !ok {
		return driver.InstanceUnknown, fmt.Errorf("instance %s: %w", instanceID, driver.ErrNotFound)
	}
	if st == driver.InstancePending {
		if f.polls[instanceID] >= f.PendingPolls {
			st = driver.InstanceRunning
			f.instances[instanceID] = st
		}
		f.polls[instanceID]++
	}
	return st, nil
}

// AttachVolume implements driver.Driver.
func (f *Fake) AttachVolume(_ context.Context, volumeID, instanceID, device string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AttachVolume")

	if cur, ok := f.volumes[volumeID]; ok && cur.Status == driver.AttachmentAttached {
		return fmt.Errorf("volume %s: %w", volumeID, driver.ErrAlreadyAttached)
	}
	att := driver.VolumeAttachment{
		VolumeID:   volumeID,
		InstanceID: instanceID,
		Device:     device,
	}
	switch f.Attach {
	case AttachFails:
		att.Status = driver.AttachmentFailed
	case AttachHangs:
		att.Status = driver.AttachmentPending
	default:
		att.Status = driver.AttachmentAttached
	}
	f.volumes[volumeID] = att
	return nil
}

// DescribeVolume implements driver.Driver.
func (f *Fake) DescribeVolume(_ context.Context, volumeID string) (driver.VolumeAttachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DescribeVolume")

	att, ok := f.volumes[volumeID]
	if !ok {
		return driver.VolumeAttachment{VolumeID: volumeID, Status: driver.AttachmentDetached}, nil
	}
	return att, nil
}

// PutMetricAlarm implements driver.Driver.
func (f *Fake) PutMetricAlarm(_ context.Context, cfg driver.AlarmConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutMetricAlarm")

	if err := pop(&f.PutAlarmErrs); err != nil {
		return err
	}
	f.alarms[cfg.AlarmName] = cfg
	return nil
}

// DeleteAlarm implements driver.Driver.
func (f *Fake) DeleteAlarm(_ context.Context, alarmName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteAlarm")

	if err := pop(&f.DeleteErrs); err != nil {
		return err
	}
	if _, ok := f.alarms[alarmName]; !ok {
		return fmt.Errorf("alarm %s: %w", alarmName, driver.ErrNotFound)
	}
	delete(f.alarms, alarmName)
	return nil
}

// TerminateInstance implements driver.Driver.
func (f *Fake) TerminateInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("TerminateInstance")

	if err := pop(&f.TerminateErrs); err != nil {
		return err
	}
	if _, ok := f.instances[instanceID]; !ok {
		return fmt.Errorf("instance %s: %w", instanceID, driver.ErrNotFound)
	}
	f.instances[instanceID] = driver.InstanceTerminated
	return nil
}

// BindShutdownTarget implements driver.Driver.
func (f *Fake) BindShutdownTarget(_ context.Context, functionName, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("BindShutdownTarget")

	if err := pop(&f.BindErrs); err != nil {
		return err
	}
	f.bindings[functionName] = instanceID
	return nil
}

// ---------------------------------------------------------------------------
// Inspection helpers
// ---------------------------------------------------------------------------

// Calls returns how many times op (a Driver method name) was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.calls[op]
}

// SetInstance forces the state of an instance.
func (f *Fake) SetInstance(instanceID string, st driver.InstanceState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.instances[instanceID] = st
}

// Instance returns the state of an instance and whether it exists.
func (f *Fake) Instance(instanceID string) (driver.InstanceState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	st, ok := f.instances[instanceID]
	return st, ok
}

// SetVolume forces the attachment of a volume.
func (f *Fake) SetVolume(att driver.VolumeAttachment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.volumes[att.VolumeID] = att
}

// SetAlarm registers an alarm as if PutMetricAlarm had been called.
func (f *Fake) SetAlarm(cfg driver.AlarmConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	f.alarms[cfg.AlarmName] = cfg
}

// Alarm returns a registered alarm.
func (f *Fake) Alarm(name string) (driver.AlarmConfig, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	cfg, ok := f.alarms[name]
	return cfg, ok
}

// Alarms returns the number of registered alarms.
func (f *Fake) Alarms() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return len(f.alarms)
}

// Binding returns the instance id bound to functionName.
func (f *Fake) Binding(functionName string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.init()
	return f.bindings[functionName]
}

// Tokens returns the idempotency tokens passed to RunInstance.
func (f *Fake) Tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}
