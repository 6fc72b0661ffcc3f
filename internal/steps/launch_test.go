package steps

import (
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
)

func (s *StepsSuite) newLaunch() *LaunchStep {
	st := NewLaunchStep(s.deps(), fastPoll())
	st.Now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return st
}

func (s *StepsSuite) TestLaunch_WaitsForRunning() {
	s.fake.PendingPolls = 2

	out, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "i-1", out.InstanceID)
	assert.Equal(s.T(), "run-1", out.RunID)
	assert.Equal(s.T(), time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), out.CreatedAt)
	assert.Equal(s.T(), 1, s.fake.Calls("RunInstance"))
	assert.Equal(s.T(), []string{"run-1"}, s.fake.Tokens())

	st, _ := s.fake.Instance("i-1")
	assert.Equal(s.T(), driver.InstanceRunning, st)
}

func (s *StepsSuite) TestLaunch_WritesNothingToStore() {
	before := s.store.Snapshot()

	_, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), before, s.store.Snapshot())
}

func (s *StepsSuite) TestLaunch_ReentryDoesNotRelaunch() {
	s.fake.SetInstance("i-7", driver.InstancePending)

	out, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1", InstanceID: "i-7"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-7", out.InstanceID)
	assert.Equal(s.T(), 0, s.fake.Calls("RunInstance"))
}

func (s *StepsSuite) TestLaunch_RefusesWhileInstanceActive() {
	s.store.Put(s.ctx, s.keys.InstanceID(), "i-old")
	s.fake.SetInstance("i-old", driver.InstanceRunning)

	_, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	s.requireFault(err, fault.Provisioning, false)
	assert.Equal(s.T(), 0, s.fake.Calls("RunInstance"))
}

func (s *StepsSuite) TestLaunch_PreviousInstanceTerminated() {
	s.store.Put(s.ctx, s.keys.InstanceID(), "i-old")
	s.fake.SetInstance("i-old", driver.InstanceTerminated)

	out, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-1", out.InstanceID)
}

func (s *StepsSuite) TestLaunch_PreviousInstanceUnknown() {
	s.store.Put(s.ctx, s.keys.InstanceID(), "i-vanished")

	_, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, s.fake.Calls("RunInstance"))
}

func (s *StepsSuite) TestLaunch_PollExhaustedReturnsPartialOutput() {
	s.fake.PendingPolls = 1 << 20

	out, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	s.requireFault(err, fault.Provisioning, true)
	assert.ErrorIs(s.T(), err, ErrPollExhausted)
	assert.Equal(s.T(), "i-1", out.InstanceID)
}

func (s *StepsSuite) TestLaunch_ThrottledRunIsRetryable() {
	s.fake.RunErrs = []error{throttled()}

	out, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	s.requireFault(err, fault.Provisioning, true)
	assert.Empty(s.T(), out.InstanceID)
}

func (s *StepsSuite) TestLaunch_MissingRecord() {
	s.store.Put(s.ctx, s.keys.LaunchTemplateID(), "")

	_, err := s.newLaunch().Run(s.ctx, Payload{RunID: "run-1"})
	s.requireFault(err, fault.StateStore, false)
	assert.Equal(s.T(), 0, s.fake.Calls("RunInstance"))
}
