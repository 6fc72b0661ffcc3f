package aws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/idlegpu/internal/driver"
)

// ---------------------------------------------------------------------------
// Mock EC2 client (satisfies EC2API)
// ---------------------------------------------------------------------------

type mockEC2 struct {
	mu sync.Mutex

	runCalls       []*ec2.RunInstancesInput
	terminateCalls []*ec2.TerminateInstancesInput
	attachCalls    []*ec2.AttachVolumeInput

	runOut      *ec2.RunInstancesOutput
	runErr      error
	describeOut *ec2.DescribeInstancesOutput
	describeErr error
	volumesOut  *ec2.DescribeVolumesOutput
	volumesErr  error
	attachErr   error
	termErr     error
}

func (m *mockEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runCalls = append(m.runCalls, in)
	if m.runErr != nil {
		return nil, m.runErr
	}
	return m.runOut, nil
}

func (m *mockEC2) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if m.describeErr != nil {
		return nil, m.describeErr
	}
	return m.describeOut, nil
}

func (m *mockEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateCalls = append(m.terminateCalls, in)
	if m.termErr != nil {
		return nil, m.termErr
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (m *mockEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachCalls = append(m.attachCalls, in)
	if m.attachErr != nil {
		return nil, m.attachErr
	}
	return &ec2.AttachVolumeOutput{}, nil
}

func (m *mockEC2) DescribeVolumes(_ context.Context, _ *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	if m.volumesErr != nil {
		return nil, m.volumesErr
	}
	return m.volumesOut, nil
}

// ---------------------------------------------------------------------------
// Mock CloudWatch client (satisfies CloudWatchAPI)
// ---------------------------------------------------------------------------

type mockCloudWatch struct {
	putCalls    []*cloudwatch.PutMetricAlarmInput
	deleteCalls []*cloudwatch.DeleteAlarmsInput
	putErr      error
	deleteErr   error
}

func (m *mockCloudWatch) PutMetricAlarm(_ context.Context, in *cloudwatch.PutMetricAlarmInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error) {
	m.putCalls = append(m.putCalls, in)
	if m.putErr != nil {
		return nil, m.putErr
	}
	return &cloudwatch.PutMetricAlarmOutput{}, nil
}

func (m *mockCloudWatch) DeleteAlarms(_ context.Context, in *cloudwatch.DeleteAlarmsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.DeleteAlarmsOutput, error) {
	m.deleteCalls = append(m.deleteCalls, in)
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return &cloudwatch.DeleteAlarmsOutput{}, nil
}

// ---------------------------------------------------------------------------
// Mock Lambda client (satisfies LambdaAPI)
// ---------------------------------------------------------------------------

type mockLambda struct {
	env         map[string]string
	updateCalls []*lambda.UpdateFunctionConfigurationInput
	updateErr   error
}

func (m *mockLambda) GetFunctionConfiguration(_ context.Context, in *lambda.GetFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	out := &lambda.GetFunctionConfigurationOutput{FunctionName: in.FunctionName}
	if m.env != nil {
		out.Environment = &lambdatypes.EnvironmentResponse{Variables: m.env}
	}
	return out, nil
}

func (m *mockLambda) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	m.updateCalls = append(m.updateCalls, in)
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type AWSDriverSuite struct {
	suite.Suite
	ctx    context.Context
	ec2    *mockEC2
	cw     *mockCloudWatch
	lambda *mockLambda
	logger *slog.Logger
}

func (s *AWSDriverSuite) SetupTest() {
	s.ctx = context.Background()
	s.ec2 = &mockEC2{}
	s.cw = &mockCloudWatch{}
	s.lambda = &mockLambda{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *AWSDriverSuite) newDriver() *Driver {
	return newDriver(s.ec2, s.cw, s.lambda, s.logger)
}

func TestAWSDriverSuite(t *testing.T) {
	suite.Run(t, new(AWSDriverSuite))
}

// ---------------------------------------------------------------------------
// RunInstance
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestRunInstance_Success() {
	s.ec2.runOut = &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: awsv2.String("i-1")}},
	}
	d := s.newDriver()

	id, err := d.RunInstance(s.ctx, driver.LaunchRequest{
		TemplateID:       "lt-1",
		SubnetID:         "subnet-1",
		SecurityGroupIDs: []string{"sg-1"},
		IdempotencyToken: "run-123",
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-1", id)

	require.Len(s.T(), s.ec2.runCalls, 1)
	in := s.ec2.runCalls[0]
	assert.Equal(s.T(), "lt-1", awsv2.ToString(in.LaunchTemplate.LaunchTemplateId))
	assert.Equal(s.T(), "subnet-1", awsv2.ToString(in.SubnetId))
	assert.Equal(s.T(), []string{"sg-1"}, in.SecurityGroupIds)
	assert.Equal(s.T(), int32(1), awsv2.ToInt32(in.MinCount))
	assert.Equal(s.T(), int32(1), awsv2.ToInt32(in.MaxCount))
	assert.Equal(s.T(), "run-123", awsv2.ToString(in.ClientToken))
}

func (s *AWSDriverSuite) TestRunInstance_EmptyResponse() {
	s.ec2.runOut = &ec2.RunInstancesOutput{}
	d := s.newDriver()

	_, err := d.RunInstance(s.ctx, driver.LaunchRequest{TemplateID: "lt-1"})
	assert.Error(s.T(), err)
}

func (s *AWSDriverSuite) TestRunInstance_ThrottledIsTransient() {
	s.ec2.runErr = apiError("RequestLimitExceeded")
	d := s.newDriver()

	_, err := d.RunInstance(s.ctx, driver.LaunchRequest{TemplateID: "lt-1"})
	require.Error(s.T(), err)
	assert.True(s.T(), driver.IsTransient(err))
}

// ---------------------------------------------------------------------------
// DescribeInstance
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestDescribeInstance_MapsState() {
	tests := []struct {
		name ec2types.InstanceStateName
		want driver.InstanceState
	}{
		{ec2types.InstanceStateNamePending, driver.InstancePending},
		{ec2types.InstanceStateNameRunning, driver.InstanceRunning},
		{ec2types.InstanceStateNameShuttingDown, driver.InstanceShuttingDown},
		{ec2types.InstanceStateNameTerminated, driver.InstanceTerminated},
		{ec2types.InstanceStateNameStopped, driver.InstanceStopped},
	}
	d := s.newDriver()
	for _, tt := range tests {
		s.ec2.describeOut = &ec2.DescribeInstancesOutput{
			Reservations: []ec2types.Reservation{{
				Instances: []ec2types.Instance{{
					InstanceId: awsv2.String("i-1"),
					State:      &ec2types.InstanceState{Name: tt.name},
				}},
			}},
		}
		st, err := d.DescribeInstance(s.ctx, "i-1")
		require.NoError(s.T(), err)
		assert.Equal(s.T(), tt.want, st, string(tt.name))
	}
}

func (s *AWSDriverSuite) TestDescribeInstance_NotFound() {
	s.ec2.describeErr = apiError("InvalidInstanceID.NotFound")
	d := s.newDriver()

	_, err := d.DescribeInstance(s.ctx, "i-gone")
	assert.ErrorIs(s.T(), err, driver.ErrNotFound)
}

func (s *AWSDriverSuite) TestDescribeInstance_EmptyReservations() {
	s.ec2.describeOut = &ec2.DescribeInstancesOutput{}
	d := s.newDriver()

	_, err := d.DescribeInstance(s.ctx, "i-1")
	assert.ErrorIs(s.T(), err, driver.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Volumes
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestAttachVolume_PassesDevice() {
	d := s.newDriver()

	require.NoError(s.T(), d.AttachVolume(s.ctx, "vol-1", "i-1", "/dev/sdh"))
	require.Len(s.T(), s.ec2.attachCalls, 1)
	in := s.ec2.attachCalls[0]
	assert.Equal(s.T(), "vol-1", awsv2.ToString(in.VolumeId))
	assert.Equal(s.T(), "i-1", awsv2.ToString(in.InstanceId))
	assert.Equal(s.T(), "/dev/sdh", awsv2.ToString(in.Device))
}

func (s *AWSDriverSuite) TestAttachVolume_InUse() {
	s.ec2.attachErr = apiError("VolumeInUse")
	d := s.newDriver()

	err := d.AttachVolume(s.ctx, "vol-1", "i-1", "/dev/sdh")
	assert.ErrorIs(s.T(), err, driver.ErrAlreadyAttached)
}

func (s *AWSDriverSuite) TestDescribeVolume_Attached() {
	s.ec2.volumesOut = &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{
			VolumeId: awsv2.String("vol-1"),
			State:    ec2types.VolumeStateInUse,
			Attachments: []ec2types.VolumeAttachment{{
				InstanceId: awsv2.String("i-1"),
				Device:     awsv2.String("/dev/sdh"),
				State:      ec2types.VolumeAttachmentStateAttached,
			}},
		}},
	}
	d := s.newDriver()

	att, err := d.DescribeVolume(s.ctx, "vol-1")
	require.NoError(s.T(), err)
	assert.True(s.T(), att.AttachedTo("i-1"))
	assert.Equal(s.T(), "/dev/sdh", att.Device)
}

func (s *AWSDriverSuite) TestDescribeVolume_Attaching() {
	s.ec2.volumesOut = &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{
			State: ec2types.VolumeStateInUse,
			Attachments: []ec2types.VolumeAttachment{{
				InstanceId: awsv2.String("i-1"),
				State:      ec2types.VolumeAttachmentStateAttaching,
			}},
		}},
	}
	d := s.newDriver()

	att, err := d.DescribeVolume(s.ctx, "vol-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), driver.AttachmentPending, att.Status)
}

func (s *AWSDriverSuite) TestDescribeVolume_AvailableIsDetached() {
	s.ec2.volumesOut = &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{State: ec2types.VolumeStateAvailable}},
	}
	d := s.newDriver()

	att, err := d.DescribeVolume(s.ctx, "vol-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), driver.AttachmentDetached, att.Status)
	assert.Empty(s.T(), att.InstanceID)
}

func (s *AWSDriverSuite) TestDescribeVolume_ErrorStateIsFailed() {
	s.ec2.volumesOut = &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{State: ec2types.VolumeStateError}},
	}
	d := s.newDriver()

	att, err := d.DescribeVolume(s.ctx, "vol-1")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), driver.AttachmentFailed, att.Status)
}

// ---------------------------------------------------------------------------
// Alarms
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestPutMetricAlarm_BuildsInput() {
	d := s.newDriver()

	err := d.PutMetricAlarm(s.ctx, driver.AlarmConfig{
		AlarmName:          "LowCpuAlarm-i-1",
		MetricName:         "CPUUtilization",
		Namespace:          "AWS/EC2",
		Statistic:          "Average",
		Dimensions:         map[string]string{driver.InstanceDimension: "i-1"},
		Threshold:          5,
		EvaluationPeriods:  6,
		DatapointsToAlarm:  6,
		PeriodSeconds:      300,
		ComparisonOperator: "LessThanThreshold",
		Actions:            []string{"arn:aws:lambda:us-east-1:1:function:stop"},
	})
	require.NoError(s.T(), err)

	require.Len(s.T(), s.cw.putCalls, 1)
	in := s.cw.putCalls[0]
	assert.Equal(s.T(), "LowCpuAlarm-i-1", awsv2.ToString(in.AlarmName))
	assert.Equal(s.T(), cwtypes.StatisticAverage, in.Statistic)
	assert.Equal(s.T(), cwtypes.ComparisonOperatorLessThanThreshold, in.ComparisonOperator)
	assert.Equal(s.T(), int32(300), awsv2.ToInt32(in.Period))
	assert.Equal(s.T(), int32(6), awsv2.ToInt32(in.EvaluationPeriods))
	assert.Equal(s.T(), int32(6), awsv2.ToInt32(in.DatapointsToAlarm))
	assert.InDelta(s.T(), 5.0, awsv2.ToFloat64(in.Threshold), 0.0001)
	require.Len(s.T(), in.Dimensions, 1)
	assert.Equal(s.T(), "InstanceId", awsv2.ToString(in.Dimensions[0].Name))
	assert.Equal(s.T(), "i-1", awsv2.ToString(in.Dimensions[0].Value))
	assert.Equal(s.T(), []string{"arn:aws:lambda:us-east-1:1:function:stop"}, in.AlarmActions)
	assert.Nil(s.T(), in.TreatMissingData)
}

func (s *AWSDriverSuite) TestDeleteAlarm_NotFound() {
	s.cw.deleteErr = apiError("ResourceNotFound")
	d := s.newDriver()

	err := d.DeleteAlarm(s.ctx, "LowCpuAlarm-i-1")
	assert.ErrorIs(s.T(), err, driver.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Terminate
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestTerminateInstance_Success() {
	d := s.newDriver()

	require.NoError(s.T(), d.TerminateInstance(s.ctx, "i-1"))
	require.Len(s.T(), s.ec2.terminateCalls, 1)
	assert.Equal(s.T(), []string{"i-1"}, s.ec2.terminateCalls[0].InstanceIds)
}

func (s *AWSDriverSuite) TestTerminateInstance_NotFound() {
	s.ec2.termErr = apiError("InvalidInstanceID.NotFound")
	d := s.newDriver()

	err := d.TerminateInstance(s.ctx, "i-gone")
	assert.ErrorIs(s.T(), err, driver.ErrNotFound)
}

func (s *AWSDriverSuite) TestTerminateInstance_RealError() {
	s.ec2.termErr = apiError("UnauthorizedOperation")
	d := s.newDriver()

	err := d.TerminateInstance(s.ctx, "i-1")
	require.Error(s.T(), err)
	assert.NotErrorIs(s.T(), err, driver.ErrNotFound)
	assert.False(s.T(), driver.IsTransient(err))
	assert.Contains(s.T(), err.Error(), "UnauthorizedOperation")
}

// ---------------------------------------------------------------------------
// BindShutdownTarget
// ---------------------------------------------------------------------------

func (s *AWSDriverSuite) TestBindShutdownTarget_MergesEnvironment() {
	s.lambda.env = map[string]string{"LOG_LEVEL": "debug", InstanceIDVariable: "placeholder"}
	d := s.newDriver()

	require.NoError(s.T(), d.BindShutdownTarget(s.ctx, "stop-fn", "i-1"))

	require.Len(s.T(), s.lambda.updateCalls, 1)
	in := s.lambda.updateCalls[0]
	assert.Equal(s.T(), "stop-fn", awsv2.ToString(in.FunctionName))
	assert.Equal(s.T(), map[string]string{"LOG_LEVEL": "debug", InstanceIDVariable: "i-1"}, in.Environment.Variables)
}

func (s *AWSDriverSuite) TestBindShutdownTarget_AlreadyBound() {
	s.lambda.env = map[string]string{InstanceIDVariable: "i-1"}
	d := s.newDriver()

	require.NoError(s.T(), d.BindShutdownTarget(s.ctx, "stop-fn", "i-1"))
	assert.Empty(s.T(), s.lambda.updateCalls)
}

func (s *AWSDriverSuite) TestBindShutdownTarget_ConflictIsTransient() {
	s.lambda.updateErr = apiError("ResourceConflictException")
	d := s.newDriver()

	err := d.BindShutdownTarget(s.ctx, "stop-fn", "i-1")
	assert.True(s.T(), driver.IsTransient(err))
}

// ---------------------------------------------------------------------------
// classify
// ---------------------------------------------------------------------------

func TestClassify(t *testing.T) {
	assert.ErrorIs(t, classify(apiError("InvalidVolume.NotFound")), driver.ErrNotFound)
	assert.ErrorIs(t, classify(apiError("ThrottlingException")), driver.ErrThrottled)
	assert.ErrorIs(t, classify(apiError("VolumeInUse")), driver.ErrAlreadyAttached)

	plain := errors.New("connection reset")
	assert.Same(t, plain, classify(plain))

	other := apiError("InvalidParameterValue")
	assert.Equal(t, other, classify(other))
}
