// Package aws implements driver.Driver on Amazon EC2, EBS, CloudWatch and
// Lambda.
//
// Authentication comes from the aws.Config handed to New, normally the
// default credential chain (instance role, AWS_PROFILE, environment
// variables, SSO).
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/idlegpu/internal/driver"
)

// EC2API is the subset of the EC2 client used by Driver.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
}

// CloudWatchAPI is the subset of the CloudWatch client used by Driver.
type CloudWatchAPI interface {
	PutMetricAlarm(ctx context.Context, params *cloudwatch.PutMetricAlarmInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricAlarmOutput, error)
	DeleteAlarms(ctx context.Context, params *cloudwatch.DeleteAlarmsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.DeleteAlarmsOutput, error)
}

// LambdaAPI is the subset of the Lambda client used by Driver.
type LambdaAPI interface {
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, params *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
}

// InstanceIDVariable is the environment variable of the shutdown function
// that carries the bound instance id.
const InstanceIDVariable = "INSTANCE_ID"

// Driver talks to AWS.
type Driver struct {
	ec2    EC2API
	cw     CloudWatchAPI
	lambda LambdaAPI
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Driver satisfies the driver.Driver interface.
var _ driver.Driver = (*Driver)(nil)

// New creates a Driver from a loaded AWS config.
func New(cfg awsv2.Config, logger *slog.Logger) *Driver {
	logger.Info("aws driver initialized", slog.String("region", cfg.Region))
	return newDriver(ec2.NewFromConfig(cfg), cloudwatch.NewFromConfig(cfg), lambda.NewFromConfig(cfg), logger)
}

func newDriver(ec2c EC2API, cw CloudWatchAPI, lc LambdaAPI, logger *slog.Logger) *Driver {
	return &Driver{
		ec2:    ec2c,
		cw:     cw,
		lambda: lc,
		logger: logger,
		tracer: otel.Tracer("idlegpu/driver/aws"),
	}
}

// RunInstance launches one instance from the launch template.  The
// idempotency token is passed as the EC2 ClientToken, so a replayed
// request with the same token returns the original instance instead of
// creating a second one.
func (d *Driver) RunInstance(ctx context.Context, req driver.LaunchRequest) (string, error) {
	ctx, span := d.tracer.Start(ctx, "driver.aws.RunInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("aws.launch_template_id", req.TemplateID),
		attribute.String("aws.subnet_id", req.SubnetID),
	)

	in := &ec2.RunInstancesInput{
		LaunchTemplate: &ec2types.LaunchTemplateSpecification{
			LaunchTemplateId: awsv2.String(req.TemplateID),
		},
		MinCount:         awsv2.Int32(1),
		MaxCount:         awsv2.Int32(1),
		SubnetId:         awsv2.String(req.SubnetID),
		SecurityGroupIds: req.SecurityGroupIDs,
	}
	if req.IdempotencyToken != "" {
		in.ClientToken = awsv2.String(req.IdempotencyToken)
	}

	d.logger.Info("launching instance",
		slog.String("launch_template_id", req.TemplateID),
		slog.String("subnet_id", req.SubnetID),
	)

	out, err := d.ec2.RunInstances(ctx, in)
	if err != nil {
		return "", d.fail(span, fmt.Errorf("run instances: %w", classify(err)))
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", d.fail(span, errors.New("run instances: response contained no instance"))
	}

	id := awsv2.ToString(out.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("aws.instance_id", id))
	d.logger.Info("instance launched", slog.String("instance_id", id))
	return id, nil
}

// DescribeInstance returns the instance's state.
func (d *Driver) DescribeInstance(ctx context.Context, instanceID string) (driver.InstanceState, error) {
	ctx, span := d.tracer.Start(ctx, "driver.aws.DescribeInstance")
	defer span.End()
	span.SetAttributes(attribute.String("aws.instance_id", instanceID))

	out, err := d.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return driver.InstanceUnknown, d.fail(span, fmt.Errorf("describe instance %s: %w", instanceID, classify(err)))
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if awsv2.ToString(inst.InstanceId) != instanceID || inst.State == nil {
				continue
			}
			st := instanceState(inst.State.Name)
			span.SetAttributes(attribute.String("aws.instance_state", string(st)))
			return st, nil
		}
	}
	return driver.InstanceUnknown, d.fail(span, fmt.Errorf("describe instance %s: %w", instanceID, driver.ErrNotFound))
}

// AttachVolume attaches the EBS volume.
func (d *Driver) AttachVolume(ctx context.Context, volumeID, instanceID, device string) error {
	ctx, span := d.tracer.Start(ctx, "driver.aws.AttachVolume")
	defer span.End()
	span.SetAttributes(
		attribute.String("aws.volume_id", volumeID),
		attribute.String("aws.instance_id", instanceID),
		attribute.String("aws.device", device),
	)

	d.logger.Info("attaching volume",
		slog.String("volume_id", volumeID),
		slog.String("instance_id", instanceID),
		slog.String("device", device),
	)

	_, err := d.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
		VolumeId:   awsv2.String(volumeID),
		InstanceId: awsv2.String(instanceID),
		Device:     awsv2.String(device),
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("attach volume %s: %w", volumeID, classify(err)))
	}
	return nil
}

// DescribeVolume reports the volume's attachment.
func (d *Driver) DescribeVolume(ctx context.Context, volumeID string) (driver.VolumeAttachment, error) {
	ctx, span := d.tracer.Start(ctx, "driver.aws.DescribeVolume")
	defer span.End()
	span.SetAttributes(attribute.String("aws.volume_id", volumeID))

	out, err := d.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return driver.VolumeAttachment{}, d.fail(span, fmt.Errorf("describe volume %s: %w", volumeID, classify(err)))
	}
	if len(out.Volumes) == 0 {
		return driver.VolumeAttachment{}, d.fail(span, fmt.Errorf("describe volume %s: %w", volumeID, driver.ErrNotFound))
	}

	att := volumeAttachment(volumeID, out.Volumes[0])
	span.SetAttributes(attribute.String("aws.attachment_status", string(att.Status)))
	return att, nil
}

// PutMetricAlarm creates or replaces the CloudWatch alarm.
func (d *Driver) PutMetricAlarm(ctx context.Context, cfg driver.AlarmConfig) error {
	ctx, span := d.tracer.Start(ctx, "driver.aws.PutMetricAlarm")
	defer span.End()
	span.SetAttributes(attribute.String("aws.alarm_name", cfg.AlarmName))

	d.logger.Info("putting metric alarm",
		slog.String("alarm_name", cfg.AlarmName),
		slog.String("metric", cfg.Namespace+"/"+cfg.MetricName),
	)

	if _, err := d.cw.PutMetricAlarm(ctx, alarmInput(cfg)); err != nil {
		return d.fail(span, fmt.Errorf("put metric alarm %s: %w", cfg.AlarmName, classify(err)))
	}
	return nil
}

// DeleteAlarm deletes the CloudWatch alarm.
func (d *Driver) DeleteAlarm(ctx context.Context, alarmName string) error {
	ctx, span := d.tracer.Start(ctx, "driver.aws.DeleteAlarm")
	defer span.End()
	span.SetAttributes(attribute.String("aws.alarm_name", alarmName))

	_, err := d.cw.DeleteAlarms(ctx, &cloudwatch.DeleteAlarmsInput{
		AlarmNames: []string{alarmName},
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("delete alarm %s: %w", alarmName, classify(err)))
	}
	d.logger.Info("alarm deleted", slog.String("alarm_name", alarmName))
	return nil
}

// TerminateInstance terminates the instance.
func (d *Driver) TerminateInstance(ctx context.Context, instanceID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.aws.TerminateInstance")
	defer span.End()
	span.SetAttributes(attribute.String("aws.instance_id", instanceID))

	d.logger.Info("terminating instance", slog.String("instance_id", instanceID))

	out, err := d.ec2.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("terminate instance %s: %w", instanceID, classify(err)))
	}
	for _, change := range out.TerminatingInstances {
		if change.CurrentState != nil {
			d.logger.Info("instance terminating",
				slog.String("instance_id", instanceID),
				slog.String("state", string(change.CurrentState.Name)),
			)
		}
	}
	return nil
}

// BindShutdownTarget merges INSTANCE_ID into the shutdown function's
// environment, keeping any other variables it already has.
func (d *Driver) BindShutdownTarget(ctx context.Context, functionName, instanceID string) error {
	ctx, span := d.tracer.Start(ctx, "driver.aws.BindShutdownTarget")
	defer span.End()
	span.SetAttributes(
		attribute.String("aws.function_name", functionName),
		attribute.String("aws.instance_id", instanceID),
	)

	cur, err := d.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{
		FunctionName: awsv2.String(functionName),
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("get function configuration %s: %w", functionName, classify(err)))
	}

	vars := map[string]string{}
	if cur.Environment != nil {
		maps.Copy(vars, cur.Environment.Variables)
	}
	if vars[InstanceIDVariable] == instanceID {
		span.AddEvent("shutdown target already bound")
		return nil
	}
	vars[InstanceIDVariable] = instanceID

	_, err = d.lambda.UpdateFunctionConfiguration(ctx, &lambda.UpdateFunctionConfigurationInput{
		FunctionName: awsv2.String(functionName),
		Environment:  &lambdatypes.Environment{Variables: vars},
	})
	if err != nil {
		return d.fail(span, fmt.Errorf("update function configuration %s: %w", functionName, classify(err)))
	}

	d.logger.Info("shutdown target bound",
		slog.String("function_name", functionName),
		slog.String("instance_id", instanceID),
	)
	return nil
}

func (d *Driver) fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// ---------------------------------------------------------------------------
// Mapping helpers
// ---------------------------------------------------------------------------

func instanceState(name ec2types.InstanceStateName) driver.InstanceState {
	switch name {
	case ec2types.InstanceStateNamePending:
		return driver.InstancePending
	case ec2types.InstanceStateNameRunning:
		return driver.InstanceRunning
	case ec2types.InstanceStateNameStopping:
		return driver.InstanceStopping
	case ec2types.InstanceStateNameStopped:
		return driver.InstanceStopped
	case ec2types.InstanceStateNameShuttingDown:
		return driver.InstanceShuttingDown
	case ec2types.InstanceStateNameTerminated:
		return driver.InstanceTerminated
	default:
		return driver.InstanceUnknown
	}
}

func volumeAttachment(volumeID string, v ec2types.Volume) driver.VolumeAttachment {
	att := driver.VolumeAttachment{VolumeID: volumeID, Status: driver.AttachmentDetached}
	if v.State == ec2types.VolumeStateError {
		att.Status = driver.AttachmentFailed
		return att
	}
	for _, a := range v.Attachments {
		att.InstanceID = awsv2.ToString(a.InstanceId)
		att.Device = awsv2.ToString(a.Device)
		switch a.State {
		case ec2types.VolumeAttachmentStateAttached:
			att.Status = driver.AttachmentAttached
		case ec2types.VolumeAttachmentStateAttaching:
			att.Status = driver.AttachmentPending
		case ec2types.VolumeAttachmentStateBusy:
			att.Status = driver.AttachmentFailed
		default:
			// detaching / detached: the volume is on its way off this
			// instance.
			att.Status = driver.AttachmentDetached
			continue
		}
		return att
	}
	att.InstanceID, att.Device = "", ""
	return att
}

func alarmInput(cfg driver.AlarmConfig) *cloudwatch.PutMetricAlarmInput {
	dims := make([]cwtypes.Dimension, 0, len(cfg.Dimensions))
	for name, value := range cfg.Dimensions {
		dims = append(dims, cwtypes.Dimension{Name: awsv2.String(name), Value: awsv2.String(value)})
	}

	in := &cloudwatch.PutMetricAlarmInput{
		AlarmName:          awsv2.String(cfg.AlarmName),
		MetricName:         awsv2.String(cfg.MetricName),
		Namespace:          awsv2.String(cfg.Namespace),
		Statistic:          cwtypes.Statistic(cfg.Statistic),
		Dimensions:         dims,
		Period:             awsv2.Int32(cfg.PeriodSeconds),
		EvaluationPeriods:  awsv2.Int32(cfg.EvaluationPeriods),
		Threshold:          awsv2.Float64(cfg.Threshold),
		ComparisonOperator: cwtypes.ComparisonOperator(cfg.ComparisonOperator),
		AlarmActions:       cfg.Actions,
	}
	if cfg.DatapointsToAlarm > 0 {
		in.DatapointsToAlarm = awsv2.Int32(cfg.DatapointsToAlarm)
	}
	if cfg.TreatMissingData != "" {
		in.TreatMissingData = awsv2.String(cfg.TreatMissingData)
	}
	if cfg.Description != "" {
		in.AlarmDescription = awsv2.String(cfg.Description)
	}
	return in
}

// ---------------------------------------------------------------------------
// Error classification
// ---------------------------------------------------------------------------

var notFoundCodes = map[string]bool{
	"InvalidInstanceID.NotFound": true,
	"InvalidVolume.NotFound":     true,
	"ResourceNotFound":           true,
	"ResourceNotFoundException":  true,
}

var transientCodes = map[string]bool{
	"RequestLimitExceeded":         true,
	"Throttling":                   true,
	"ThrottlingException":          true,
	"TooManyRequestsException":     true,
	"ResourceConflictException":    true,
	"IncorrectState":               true,
	"IncorrectInstanceState":       true,
	"InsufficientInstanceCapacity": true,
	"ServiceUnavailable":           true,
	"InternalError":                true,
}

// classify wraps err so that errors.Is matches the driver sentinels.
func classify(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := apiErr.ErrorCode()
	switch {
	case notFoundCodes[code]:
		return errors.Join(driver.ErrNotFound, err)
	case code == "VolumeInUse":
		return errors.Join(driver.ErrAlreadyAttached, err)
	case transientCodes[code]:
		return errors.Join(driver.ErrThrottled, err)
	}
	return err
}
