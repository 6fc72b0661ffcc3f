// Package config handles loading, validating, and applying
// configuration for idlegpu.  Configuration is read from a YAML file and
// can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/idlegpu/internal/driver"
	awsdriver "github.com/terrpan/idlegpu/internal/driver/aws"
	"github.com/terrpan/idlegpu/internal/otel"
	"github.com/terrpan/idlegpu/internal/state"
	"github.com/terrpan/idlegpu/internal/steps"
	"github.com/terrpan/idlegpu/internal/watchdog"
	"github.com/terrpan/idlegpu/internal/workflow"
)

// State backends.
const (
	BackendSSM    = "ssm"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	AWS      AWSConfig      `yaml:"aws"`
	State    StateConfig    `yaml:"state"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Launch   PollConfig     `yaml:"launch"`
	Attach   AttachConfig   `yaml:"attach"`
	Alarm    AlarmConfig    `yaml:"alarm"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Logging  LoggingConfig  `yaml:"logging"`
	OTel     OTelConfig     `yaml:"otel"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// ---------------------------------------------------------------------------
// AWS
// ---------------------------------------------------------------------------

// AWSConfig selects the account and region.  Credentials always come
// from the default chain.
type AWSConfig struct {
	// Region overrides AWS_REGION / the profile's region.
	Region string `yaml:"region"`
	// Profile selects a shared config profile.
	Profile string `yaml:"profile"`
}

// ---------------------------------------------------------------------------
// State store
// ---------------------------------------------------------------------------

// StateConfig selects the shared parameter store.
type StateConfig struct {
	// Backend: ssm, badger, memory.  Default: ssm.
	Backend string `yaml:"backend"`
	// Namespace prefixes every key.  Default: /ai-model.
	Namespace string `yaml:"namespace"`
	// Path is the badger data directory.  Default: .idlegpu/state.
	Path string `yaml:"path"`
}

// ---------------------------------------------------------------------------
// Workflow and steps
// ---------------------------------------------------------------------------

// WorkflowConfig bounds one provisioning run.
type WorkflowConfig struct {
	// Timeout is the global run deadline.  Default: 5m.
	Timeout Duration `yaml:"timeout"`
	// MaxAttempts per step.  Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff is the first wait between attempts.  Default: 1s.
	RetryBackoff Duration `yaml:"retry_backoff"`
	// CallTimeout bounds a single provider call.  Default: 30s.
	CallTimeout Duration `yaml:"call_timeout"`
}

// PollConfig bounds a wait for the provider.
type PollConfig struct {
	PollInterval Duration `yaml:"poll_interval"`
	PollTimeout  Duration `yaml:"poll_timeout"`
}

// AttachConfig configures the volume attachment.
type AttachConfig struct {
	PollConfig `yaml:",inline"`
	// Device is the block device name.  Default: /dev/sdh.
	Device string `yaml:"device"`
}

// AlarmConfig is the idle alarm policy.  Unset fields take the low-CPU
// defaults (average CPU < 5% for 6 x 5 minutes).
type AlarmConfig struct {
	NamePrefix         string   `yaml:"name_prefix"`
	MetricName         string   `yaml:"metric_name"`
	Namespace          string   `yaml:"namespace"`
	Statistic          string   `yaml:"statistic"`
	Period             Duration `yaml:"period"`
	EvaluationPeriods  int32    `yaml:"evaluation_periods"`
	DatapointsToAlarm  int32    `yaml:"datapoints_to_alarm"`
	Threshold          *float64 `yaml:"threshold"`
	ComparisonOperator string   `yaml:"comparison_operator"`
	TreatMissingData   string   `yaml:"treat_missing_data"`
}

// ShutdownConfig bounds the termination retries.
type ShutdownConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`
}

// WatcherConfig configures `idlegpu watch`.
type WatcherConfig struct {
	// QueueURL is the SQS queue subscribed to the alarm topic.
	QueueURL string `yaml:"queue_url"`
	// WaitTime is the long-poll duration.  Default: 20s.
	WaitTime Duration `yaml:"wait_time"`
	// HealthPort serves /healthz.  Default: 8080.
	HealthPort int `yaml:"health_port"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.  Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PrometheusPort serves /metrics from `idlegpu watch`.  Default: 9090.
	PrometheusPort int `yaml:"prometheus_port"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which are filled by flag overrides and ApplyDefaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- defaults cover everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.State.Backend == "" {
		c.State.Backend = BackendSSM
	}
	if c.State.Namespace == "" {
		c.State.Namespace = state.DefaultNamespace
	}
	if c.State.Path == "" {
		c.State.Path = ".idlegpu/state"
	}

	setDuration(&c.Workflow.Timeout, workflow.DefaultTimeout)
	if c.Workflow.MaxAttempts == 0 {
		c.Workflow.MaxAttempts = workflow.DefaultMaxAttempts
	}
	setDuration(&c.Workflow.RetryBackoff, workflow.DefaultRetryBackoff)
	setDuration(&c.Workflow.CallTimeout, 30*time.Second)

	setDuration(&c.Launch.PollInterval, time.Second)
	setDuration(&c.Launch.PollTimeout, 10*time.Second)
	setDuration(&c.Attach.PollInterval, 2*time.Second)
	setDuration(&c.Attach.PollTimeout, 60*time.Second)
	if c.Attach.Device == "" {
		c.Attach.Device = steps.DefaultDevice
	}

	d := steps.DefaultAlarmPolicy()
	if c.Alarm.NamePrefix == "" {
		c.Alarm.NamePrefix = d.NamePrefix
	}
	if c.Alarm.MetricName == "" {
		c.Alarm.MetricName = d.MetricName
	}
	if c.Alarm.Namespace == "" {
		c.Alarm.Namespace = d.Namespace
	}
	if c.Alarm.Statistic == "" {
		c.Alarm.Statistic = d.Statistic
	}
	setDuration(&c.Alarm.Period, time.Duration(d.PeriodSeconds)*time.Second)
	if c.Alarm.EvaluationPeriods == 0 {
		c.Alarm.EvaluationPeriods = d.EvaluationPeriods
	}
	if c.Alarm.DatapointsToAlarm == 0 {
		c.Alarm.DatapointsToAlarm = c.Alarm.EvaluationPeriods
	}
	if c.Alarm.Threshold == nil {
		c.Alarm.Threshold = d.Threshold
	}
	if c.Alarm.ComparisonOperator == "" {
		c.Alarm.ComparisonOperator = d.ComparisonOperator
	}
	if c.Alarm.TreatMissingData == "" {
		c.Alarm.TreatMissingData = d.TreatMissingData
	}

	if c.Shutdown.MaxAttempts == 0 {
		c.Shutdown.MaxAttempts = 3
	}
	setDuration(&c.Shutdown.RetryBackoff, time.Second)

	setDuration(&c.Watcher.WaitTime, 20*time.Second)
	if c.Watcher.HealthPort == 0 {
		c.Watcher.HealthPort = 8080
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.OTel.PrometheusPort == 0 {
		c.OTel.PrometheusPort = 9090
	}
	// Plain HTTP unless an endpoint was configured explicitly.
	if !c.OTel.Insecure && c.OTel.Endpoint == "" {
		c.OTel.Insecure = true
	}
}

var (
	comparisonOperators = []string{
		"GreaterThanOrEqualToThreshold",
		"GreaterThanThreshold",
		"LessThanThreshold",
		"LessThanOrEqualToThreshold",
	}
	missingDataTreatments = []string{"breaching", "notBreaching", "ignore", "missing"}
)

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch c.State.Backend {
	case BackendSSM, BackendMemory:
		// OK
	case BackendBadger:
		if strings.TrimSpace(c.State.Path) == "" {
			return fmt.Errorf("state.path is required when state.backend is %q", BackendBadger)
		}
	default:
		return fmt.Errorf("state.backend %q is not supported (supported: ssm, badger, memory)", c.State.Backend)
	}
	if !strings.HasPrefix(c.State.Namespace, "/") {
		return fmt.Errorf("state.namespace %q must start with /", c.State.Namespace)
	}

	if c.Workflow.Timeout < 0 || c.Workflow.RetryBackoff < 0 || c.Workflow.CallTimeout < 0 {
		return fmt.Errorf("workflow durations must not be negative")
	}
	if c.Workflow.MaxAttempts < 1 {
		return fmt.Errorf("workflow.max_attempts must be at least 1, got %d", c.Workflow.MaxAttempts)
	}
	if c.Launch.PollTimeout < c.Launch.PollInterval {
		return fmt.Errorf("launch.poll_timeout (%s) < launch.poll_interval (%s)", c.Launch.PollTimeout.D(), c.Launch.PollInterval.D())
	}
	if c.Attach.PollTimeout < c.Attach.PollInterval {
		return fmt.Errorf("attach.poll_timeout (%s) < attach.poll_interval (%s)", c.Attach.PollTimeout.D(), c.Attach.PollInterval.D())
	}
	if !strings.HasPrefix(c.Attach.Device, "/dev/") {
		return fmt.Errorf("attach.device %q must be a /dev path", c.Attach.Device)
	}

	if err := c.validateAlarm(); err != nil {
		return err
	}

	if c.Shutdown.MaxAttempts < 1 {
		return fmt.Errorf("shutdown.max_attempts must be at least 1, got %d", c.Shutdown.MaxAttempts)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

func (c *Config) validateAlarm() error {
	a := c.Alarm
	if a.Period.D()%time.Minute != 0 && a.Period.D() != 10*time.Second && a.Period.D() != 30*time.Second {
		return fmt.Errorf("alarm.period %s must be 10s, 30s or a multiple of 60s", a.Period.D())
	}
	if a.EvaluationPeriods < 1 {
		return fmt.Errorf("alarm.evaluation_periods must be at least 1")
	}
	if a.DatapointsToAlarm < 1 || a.DatapointsToAlarm > a.EvaluationPeriods {
		return fmt.Errorf("alarm.datapoints_to_alarm (%d) must be between 1 and alarm.evaluation_periods (%d)", a.DatapointsToAlarm, a.EvaluationPeriods)
	}
	if !oneOf(a.ComparisonOperator, comparisonOperators) {
		return fmt.Errorf("alarm.comparison_operator %q is not supported", a.ComparisonOperator)
	}
	if !oneOf(a.TreatMissingData, missingDataTreatments) {
		return fmt.Errorf("alarm.treat_missing_data %q is not supported", a.TreatMissingData)
	}
	return nil
}

// ValidateWatcher checks the settings only `idlegpu watch` needs.
func (c *Config) ValidateWatcher() error {
	if _, err := url.ParseRequestURI(c.Watcher.QueueURL); err != nil {
		return fmt.Errorf("watcher.queue_url: invalid URL %q: %w", c.Watcher.QueueURL, err)
	}
	if c.Watcher.HealthPort == c.OTel.PrometheusPort {
		return fmt.Errorf("watcher.health_port and otel.prometheus_port must differ (both %d)", c.Watcher.HealthPort)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewAWSConfig loads the AWS configuration from the default chain with
// the configured region and profile applied.
func (c *Config) NewAWSConfig(ctx context.Context) (awsv2.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.AWS.Region))
	}
	if c.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(c.AWS.Profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return awsv2.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return cfg, nil
}

// OTelSettings returns the telemetry settings.  Only the watch command
// serves /metrics, so other commands pass serveMetrics=false.
func (c *Config) OTelSettings(region string, serveMetrics bool) otel.Config {
	oc := otel.Config{
		Enabled:  c.OTel.Enabled,
		Endpoint: c.OTel.Endpoint,
		Insecure: c.OTel.Insecure,
		StdOut:   c.OTel.StdOut,
		Region:   region,
	}
	if serveMetrics {
		oc.PrometheusPort = c.OTel.PrometheusPort
	}
	return oc
}

// Keys returns the store keys under the configured namespace.
func (c *Config) Keys() state.Keys {
	return state.NewKeys(c.State.Namespace)
}

// NewStore opens the configured state backend.  The returned close
// function releases it and is never nil.
func (c *Config) NewStore(awsCfg awsv2.Config) (state.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.State.Backend {
	case BackendSSM:
		return state.NewSSMStore(awsCfg), noop, nil
	case BackendBadger:
		s, err := state.NewBadgerStore(c.State.Path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case BackendMemory:
		return state.NewMemoryStore(nil), noop, nil
	default:
		return nil, noop, fmt.Errorf("unsupported state backend: %s", c.State.Backend)
	}
}

// NewDriver creates the AWS resource driver.
func (c *Config) NewDriver(awsCfg awsv2.Config, logger *slog.Logger) driver.Driver {
	return awsdriver.New(awsCfg, logger.WithGroup("driver.aws"))
}

// StepDeps bundles the collaborators shared by every step.
func (c *Config) StepDeps(store state.Store, drv driver.Driver, logger *slog.Logger) steps.Deps {
	return steps.Deps{
		Store:       store,
		Keys:        c.Keys(),
		Driver:      drv,
		Logger:      logger.WithGroup("steps"),
		CallTimeout: c.Workflow.CallTimeout.D(),
	}
}

// AlarmPolicy returns the configured idle alarm policy.
func (c *Config) AlarmPolicy() steps.AlarmPolicy {
	return steps.AlarmPolicy{
		NamePrefix:         c.Alarm.NamePrefix,
		MetricName:         c.Alarm.MetricName,
		Namespace:          c.Alarm.Namespace,
		Statistic:          c.Alarm.Statistic,
		PeriodSeconds:      int32(c.Alarm.Period.D() / time.Second),
		EvaluationPeriods:  c.Alarm.EvaluationPeriods,
		DatapointsToAlarm:  c.Alarm.DatapointsToAlarm,
		Threshold:          c.Alarm.Threshold,
		ComparisonOperator: c.Alarm.ComparisonOperator,
		TreatMissingData:   c.Alarm.TreatMissingData,
	}
}

// NewOrchestrator wires the provisioning steps into an Orchestrator.
func (c *Config) NewOrchestrator(deps steps.Deps, logger *slog.Logger) *workflow.Orchestrator {
	return workflow.New(workflow.Config{
		Steps: steps.Provisioning(deps, steps.Options{
			LaunchPoll: steps.Poll{Interval: c.Launch.PollInterval.D(), Timeout: c.Launch.PollTimeout.D()},
			AttachPoll: steps.Poll{Interval: c.Attach.PollInterval.D(), Timeout: c.Attach.PollTimeout.D()},
			Device:     c.Attach.Device,
			Alarm:      c.AlarmPolicy(),
		}),
		Timeout:      c.Workflow.Timeout.D(),
		MaxAttempts:  c.Workflow.MaxAttempts,
		RetryBackoff: c.Workflow.RetryBackoff.D(),
		Logger:       logger.WithGroup("workflow"),
	})
}

// NewShutdownStep creates the shutdown step.
func (c *Config) NewShutdownStep(deps steps.Deps) *steps.ShutdownStep {
	return steps.NewShutdownStep(deps, c.Shutdown.MaxAttempts, c.Shutdown.RetryBackoff.D())
}

// NewTrigger creates the watchdog trigger around the shutdown step.
func (c *Config) NewTrigger(deps steps.Deps, logger *slog.Logger) *watchdog.Trigger {
	return watchdog.New(watchdog.Config{
		Store:    deps.Store,
		Keys:     deps.Keys,
		Shutdown: c.NewShutdownStep(deps),
		Logger:   logger.WithGroup("watchdog"),
	})
}
