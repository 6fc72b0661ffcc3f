package steps

import (
	"context"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/idlegpu/internal/driver/drivertest"
	"github.com/terrpan/idlegpu/internal/fault"
)

// cancelOnBind cancels the caller's context once the binding call returns,
// as when the run's deadline passes during the call.
type cancelOnBind struct {
	*drivertest.Fake
	cancel context.CancelFunc
}

func (c *cancelOnBind) BindShutdownTarget(ctx context.Context, functionName, instanceID string) error {
	err := c.Fake.BindShutdownTarget(ctx, functionName, instanceID)
	c.cancel()
	return err
}

func (s *StepsSuite) TestRegister_BindsAndRecordsInstance() {
	out, err := NewRegisterShutdownStep(s.deps()).Run(s.ctx, Payload{RunID: "run-1", InstanceID: "i-1"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "stop-gpu", out.FunctionName)
	assert.Equal(s.T(), "arn:aws:lambda:eu-west-1:123:function:stop-gpu", out.ShutdownTarget)
	assert.Equal(s.T(), "i-1", s.fake.Binding("stop-gpu"))

	v, err := s.store.Get(s.ctx, s.keys.InstanceID())
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-1", v)
}

func (s *StepsSuite) TestRegister_MissingFunctionName() {
	s.store.Put(s.ctx, s.keys.StopFunctionName(), "")

	_, err := NewRegisterShutdownStep(s.deps()).Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Configuration, false)
	assert.Equal(s.T(), 0, s.fake.Calls("BindShutdownTarget"))
	assert.Equal(s.T(), 0, s.store.Puts(s.keys.InstanceID()))
}

func (s *StepsSuite) TestRegister_MissingTarget() {
	s.store.Put(s.ctx, s.keys.StopFunctionTarget(), "")

	_, err := NewRegisterShutdownStep(s.deps()).Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Configuration, false)
}

func (s *StepsSuite) TestRegister_BusyFunctionIsRetryable() {
	s.fake.BindErrs = []error{throttled()}

	_, err := NewRegisterShutdownStep(s.deps()).Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Configuration, true)
	assert.Equal(s.T(), 0, s.store.Puts(s.keys.InstanceID()))
}

func (s *StepsSuite) TestRegister_RequiresInstance() {
	_, err := NewRegisterShutdownStep(s.deps()).Run(s.ctx, Payload{})
	s.requireFault(err, fault.Configuration, false)
}

func (s *StepsSuite) TestRegister_AbandonedAttemptDoesNotRecordInstance() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	deps := s.deps()
	deps.Driver = &cancelOnBind{Fake: s.fake, cancel: cancel}

	_, err := NewRegisterShutdownStep(deps).Run(ctx, Payload{InstanceID: "i-1"})
	require.ErrorIs(s.T(), err, context.Canceled)
	assert.Equal(s.T(), "i-1", s.fake.Binding("stop-gpu"))
	assert.Equal(s.T(), 0, s.store.Puts(s.keys.InstanceID()))
}
