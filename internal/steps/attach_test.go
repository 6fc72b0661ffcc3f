package steps

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/driver/drivertest"
	"github.com/terrpan/idlegpu/internal/fault"
)

func (s *StepsSuite) newAttach() *AttachVolumeStep {
	return NewAttachVolumeStep(s.deps(), fastPoll(), "")
}

func (s *StepsSuite) TestAttach_Attaches() {
	out, err := s.newAttach().Run(s.ctx, Payload{RunID: "run-1", InstanceID: "i-1"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "vol-1", out.VolumeID)
	assert.Equal(s.T(), DefaultDevice, out.Device)
	assert.Equal(s.T(), driver.AttachmentAttached, out.AttachmentStatus)
	assert.Equal(s.T(), "i-1", out.InstanceID)
	assert.Equal(s.T(), 1, s.fake.Calls("AttachVolume"))
}

func (s *StepsSuite) TestAttach_AlreadyAttachedSkipsCall() {
	s.fake.SetVolume(driver.VolumeAttachment{
		VolumeID: "vol-1", InstanceID: "i-1", Device: DefaultDevice, Status: driver.AttachmentAttached,
	})

	out, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), driver.AttachmentAttached, out.AttachmentStatus)
	assert.Equal(s.T(), 0, s.fake.Calls("AttachVolume"))
}

func (s *StepsSuite) TestAttach_AttachedElsewhere() {
	s.fake.SetVolume(driver.VolumeAttachment{
		VolumeID: "vol-1", InstanceID: "i-other", Status: driver.AttachmentAttached,
	})

	_, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Attachment, false)
	assert.Equal(s.T(), 0, s.fake.Calls("AttachVolume"))
}

func (s *StepsSuite) TestAttach_FailedStatusIsRetryable() {
	s.fake.Attach = drivertest.AttachFails

	out, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Attachment, true)
	assert.Equal(s.T(), driver.AttachmentFailed, out.AttachmentStatus)
}

func (s *StepsSuite) TestAttach_RetryAfterFailureReattaches() {
	s.fake.SetVolume(driver.VolumeAttachment{
		VolumeID: "vol-1", InstanceID: "i-1", Status: driver.AttachmentFailed,
	})

	out, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), driver.AttachmentAttached, out.AttachmentStatus)
	assert.Equal(s.T(), 1, s.fake.Calls("AttachVolume"))
}

func (s *StepsSuite) TestAttach_HangExhaustsPoll() {
	s.fake.Attach = drivertest.AttachHangs

	_, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.Attachment, true)
	assert.ErrorIs(s.T(), err, ErrPollExhausted)
}

func (s *StepsSuite) TestAttach_CustomDevice() {
	out, err := NewAttachVolumeStep(s.deps(), fastPoll(), "/dev/xvdf").Run(s.ctx, Payload{InstanceID: "i-1"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "/dev/xvdf", out.Device)
}

func (s *StepsSuite) TestAttach_RequiresInstance() {
	_, err := s.newAttach().Run(s.ctx, Payload{})
	s.requireFault(err, fault.Configuration, false)
}

func (s *StepsSuite) TestAttach_MissingVolumeKey() {
	s.store.Put(s.ctx, s.keys.VolumeID(), "")

	_, err := s.newAttach().Run(s.ctx, Payload{InstanceID: "i-1"})
	s.requireFault(err, fault.StateStore, false)
}
