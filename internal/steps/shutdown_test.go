package steps

import (
	"errors"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
	"github.com/terrpan/idlegpu/internal/state"
)

func (s *StepsSuite) newShutdown() *ShutdownStep {
	return NewShutdownStep(s.deps(), 3, time.Millisecond)
}

func (s *StepsSuite) armed(instanceID string) {
	s.fake.SetInstance(instanceID, driver.InstanceRunning)
	s.fake.SetAlarm(AlarmPolicy{}.Build(instanceID, "arn:stop"))
	s.store.Put(s.ctx, s.keys.InstanceID(), instanceID)
	s.store.Put(s.ctx, s.keys.AlarmName(), "LowCpuAlarm-"+instanceID)
}

func (s *StepsSuite) TestShutdown_TerminatesAndRemovesAlarm() {
	s.armed("i-1")

	out, err := s.newShutdown().Run(s.ctx, Payload{})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "i-1", out.InstanceID)
	assert.Equal(s.T(), "LowCpuAlarm-i-1", out.AlarmName)
	st, _ := s.fake.Instance("i-1")
	assert.Equal(s.T(), driver.InstanceTerminated, st)
	assert.Equal(s.T(), 0, s.fake.Alarms())

	_, ok, err := state.Lookup(s.ctx, s.store, s.keys.AlarmName())
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)

	// The instance stays recorded so a rerun can describe it.
	bound, err := s.store.Get(s.ctx, s.keys.InstanceID())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-1", bound)
}

func (s *StepsSuite) TestShutdown_Idempotent() {
	s.armed("i-1")
	step := s.newShutdown()

	_, err := step.Run(s.ctx, Payload{})
	require.NoError(s.T(), err)
	_, err = step.Run(s.ctx, Payload{})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 1, s.fake.Calls("TerminateInstance"))
	assert.Equal(s.T(), 1, s.fake.Calls("DeleteAlarm"))
}

func (s *StepsSuite) TestShutdown_AlarmAlreadyGoneStillDisarms() {
	s.armed("i-1")
	require.NoError(s.T(), s.fake.DeleteAlarm(s.ctx, "LowCpuAlarm-i-1"))

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	require.NoError(s.T(), err)

	_, ok, err := state.Lookup(s.ctx, s.store, s.keys.AlarmName())
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *StepsSuite) TestShutdown_PayloadOverridesStore() {
	s.armed("i-1")
	s.fake.SetInstance("i-stray", driver.InstanceRunning)

	out, err := s.newShutdown().Run(s.ctx, Payload{InstanceID: "i-stray", AlarmName: "LowCpuAlarm-i-stray"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-stray", out.InstanceID)

	st, _ := s.fake.Instance("i-stray")
	assert.Equal(s.T(), driver.InstanceTerminated, st)
	st, _ = s.fake.Instance("i-1")
	assert.Equal(s.T(), driver.InstanceRunning, st)

	// The active instance stays armed.
	armed, err := s.store.Get(s.ctx, s.keys.AlarmName())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "LowCpuAlarm-i-1", armed)
}

func (s *StepsSuite) TestShutdown_UnknownInstanceIsSuccess() {
	s.store.Put(s.ctx, s.keys.InstanceID(), "i-gone")

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.fake.Calls("TerminateInstance"))
}

func (s *StepsSuite) TestShutdown_RetriesTransientFailures() {
	s.armed("i-1")
	s.fake.TerminateErrs = []error{throttled(), throttled()}

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, s.fake.Calls("TerminateInstance"))
}

func (s *StepsSuite) TestShutdown_GivesUpAfterMaxAttempts() {
	s.armed("i-1")
	s.fake.TerminateErrs = []error{throttled(), throttled(), throttled(), throttled()}

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	s.requireFault(err, fault.Termination, false)
	assert.Equal(s.T(), 3, s.fake.Calls("TerminateInstance"))
	assert.Equal(s.T(), 0, s.fake.Calls("DeleteAlarm"))
}

func (s *StepsSuite) TestShutdown_PermanentFailureNotRetried() {
	s.armed("i-1")
	s.fake.TerminateErrs = []error{errors.New("UnauthorizedOperation")}

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	s.requireFault(err, fault.Termination, false)
	assert.Equal(s.T(), 1, s.fake.Calls("TerminateInstance"))
}

func (s *StepsSuite) TestShutdown_AlarmDeleteFailure() {
	s.armed("i-1")
	s.fake.DeleteErrs = []error{throttled()}

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	s.requireFault(err, fault.Monitoring, true)
	st, _ := s.fake.Instance("i-1")
	assert.Equal(s.T(), driver.InstanceTerminated, st)
}

func (s *StepsSuite) TestShutdown_NoAlarmRecorded() {
	s.fake.SetInstance("i-1", driver.InstanceRunning)
	s.store.Put(s.ctx, s.keys.InstanceID(), "i-1")

	_, err := s.newShutdown().Run(s.ctx, Payload{})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, s.fake.Calls("DeleteAlarm"))
}

func (s *StepsSuite) TestShutdown_NoInstanceRecorded() {
	_, err := s.newShutdown().Run(s.ctx, Payload{})
	s.requireFault(err, fault.StateStore, false)
}
