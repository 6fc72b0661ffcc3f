package steps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/idlegpu/internal/driver"
	"github.com/terrpan/idlegpu/internal/fault"
)

// AlarmPolicy describes the idle alarm armed for every instance.  The
// defaults fire after 30 minutes of average CPU below 5%.
type AlarmPolicy struct {
	NamePrefix         string
	MetricName         string
	Namespace          string
	Statistic          string
	PeriodSeconds      int32
	EvaluationPeriods  int32
	DatapointsToAlarm  int32
	// Threshold is nil for the default; zero is a valid threshold.
	Threshold          *float64
	ComparisonOperator string
	TreatMissingData   string
}

// DefaultAlarmPolicy returns the low-CPU idle policy.
func DefaultAlarmPolicy() AlarmPolicy {
	return AlarmPolicy{
		NamePrefix:         "LowCpuAlarm",
		MetricName:         "CPUUtilization",
		Namespace:          "AWS/EC2",
		Statistic:          "Average",
		PeriodSeconds:      300,
		EvaluationPeriods:  6,
		DatapointsToAlarm:  6,
		Threshold:          Float64(5),
		ComparisonOperator: "LessThanThreshold",
		TreatMissingData:   "missing",
	}
}

// Float64 returns a pointer to v.
func Float64(v float64) *float64 { return &v }

// withDefaults fills every unset field from DefaultAlarmPolicy.
func (p AlarmPolicy) withDefaults() AlarmPolicy {
	d := DefaultAlarmPolicy()
	if p.NamePrefix == "" {
		p.NamePrefix = d.NamePrefix
	}
	if p.MetricName == "" {
		p.MetricName = d.MetricName
	}
	if p.Namespace == "" {
		p.Namespace = d.Namespace
	}
	if p.Statistic == "" {
		p.Statistic = d.Statistic
	}
	if p.PeriodSeconds <= 0 {
		p.PeriodSeconds = d.PeriodSeconds
	}
	if p.EvaluationPeriods <= 0 {
		p.EvaluationPeriods = d.EvaluationPeriods
	}
	if p.DatapointsToAlarm <= 0 {
		p.DatapointsToAlarm = p.EvaluationPeriods
	}
	if p.Threshold == nil {
		p.Threshold = d.Threshold
	}
	if p.ComparisonOperator == "" {
		p.ComparisonOperator = d.ComparisonOperator
	}
	if p.TreatMissingData == "" {
		p.TreatMissingData = d.TreatMissingData
	}
	return p
}

// AlarmName returns the alarm name used for instanceID.
func (p AlarmPolicy) AlarmName(instanceID string) string {
	return p.withDefaults().NamePrefix + "-" + instanceID
}

// Build returns the alarm configuration for instanceID.  The alarm is
// scoped to the instance through its InstanceId dimension and invokes
// target when it fires.
func (p AlarmPolicy) Build(instanceID, target string) driver.AlarmConfig {
	p = p.withDefaults()
	return driver.AlarmConfig{
		AlarmName:          p.NamePrefix + "-" + instanceID,
		MetricName:         p.MetricName,
		Namespace:          p.Namespace,
		Statistic:          p.Statistic,
		Dimensions:         map[string]string{driver.InstanceDimension: instanceID},
		Threshold:          *p.Threshold,
		EvaluationPeriods:  p.EvaluationPeriods,
		DatapointsToAlarm:  p.DatapointsToAlarm,
		PeriodSeconds:      p.PeriodSeconds,
		ComparisonOperator: p.ComparisonOperator,
		TreatMissingData:   p.TreatMissingData,
		Actions:            []string{target},
		Description:        fmt.Sprintf("Terminate %s when %s stays %s %g", instanceID, p.MetricName, p.ComparisonOperator, *p.Threshold),
	}
}

// ArmAlarmStep creates the idle alarm for the launched instance.  This is
// the last provisioning step; once it completes the idle watchdog is live.
type ArmAlarmStep struct {
	Deps
	Policy AlarmPolicy
}

var _ Step = (*ArmAlarmStep)(nil)

func NewArmAlarmStep(deps Deps, policy AlarmPolicy) *ArmAlarmStep {
	return &ArmAlarmStep{Deps: deps, Policy: policy.withDefaults()}
}

func (s *ArmAlarmStep) Name() string { return ArmAlarmName }

func (s *ArmAlarmStep) Run(ctx context.Context, in Payload) (Payload, error) {
	ctx, span := tracer.Start(ctx, "steps.arm_alarm")
	defer span.End()

	if in.InstanceID == "" {
		return in, fault.ConfigurationErr("arm alarm", errors.New("input has no instance_id"))
	}
	keys := s.keys()
	out := in

	if out.ShutdownTarget == "" {
		target, err := requireSetting(ctx, s.Store, keys.StopFunctionTarget())
		if err != nil {
			return in, err
		}
		out.ShutdownTarget = target
	}

	cfg := s.Policy.Build(out.InstanceID, out.ShutdownTarget)
	span.SetAttributes(
		attribute.String("instance.id", out.InstanceID),
		attribute.String("alarm.name", cfg.AlarmName),
	)

	if err := ctx.Err(); err != nil {
		return in, err
	}
	cctx, cancel := s.callCtx(ctx)
	err := s.Driver.PutMetricAlarm(cctx, cfg)
	cancel()
	if err != nil {
		span.RecordError(err)
		return in, fault.MonitoringErr(driver.IsTransient(err), "put alarm "+cfg.AlarmName, err)
	}

	if err := s.Store.Put(ctx, keys.AlarmName(), cfg.AlarmName); err != nil {
		return in, fault.StateStoreErr(true, "put "+keys.AlarmName(), err)
	}

	out.AlarmName = cfg.AlarmName
	out.Alarm = &cfg
	s.logger().Info("idle alarm armed",
		slog.String("run_id", in.RunID),
		slog.String("alarm_name", cfg.AlarmName),
		slog.String("instance_id", out.InstanceID),
	)
	return out, nil
}
