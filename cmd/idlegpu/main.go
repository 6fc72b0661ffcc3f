package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/spf13/cobra"

	"github.com/terrpan/idlegpu/internal/buildinfo"
	"github.com/terrpan/idlegpu/internal/config"
	"github.com/terrpan/idlegpu/internal/otel"
	"github.com/terrpan/idlegpu/internal/state"
	"github.com/terrpan/idlegpu/internal/steps"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "idlegpu",
	Short: "Single-instance GPU provisioning with idle shutdown",
	Long: `idlegpu launches one GPU instance from a prepared launch template,
attaches the model volume, binds the instance to the stop function and arms
a low-CPU alarm.  When the alarm fires the instance is terminated and the
alarm removed.

Identifiers of the pre-provisioned infrastructure (launch template, subnet,
security group, volume, stop function) are read from the shared parameter
store.  Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

func init() {
	f := rootCmd.PersistentFlags()

	// Config file
	f.StringVar(&cfgPath, "config", "idlegpu.yaml", "Path to YAML configuration file")

	// AWS / state overrides
	f.StringVar(&flagOverrides.AWS.Region, "region", "", "AWS region")
	f.StringVar(&flagOverrides.State.Backend, "state-backend", "", "State backend (ssm, badger, memory)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	rootCmd.AddCommand(provisionCmd, shutdownCmd, watchCmd, lambdaCmd, paramCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.AWS.Region != "" {
		cfg.AWS.Region = flagOverrides.AWS.Region
	}
	if flagOverrides.State.Backend != "" {
		cfg.State.Backend = flagOverrides.State.Backend
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// signalContext cancels on SIGINT and SIGTERM.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

// ---------------------------------------------------------------------------
// Shared setup
// ---------------------------------------------------------------------------

// app holds what every command needs once configuration is resolved.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	aws    awsv2.Config
	store  state.Store

	closeStore   func() error
	shutdownOTel func(context.Context) error
}

// setup loads configuration and opens the state store.  component names
// the command in telemetry; serveMetrics installs the Prometheus reader.
func setup(ctx context.Context, component string, serveMetrics bool) (*app, error) {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()

	// ---------------------------------------------------------------
	// 3. AWS configuration
	// ---------------------------------------------------------------
	awsCfg, err := cfg.NewAWSConfig(ctx)
	if err != nil {
		return nil, err
	}

	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("command", component),
		slog.String("region", awsCfg.Region),
		slog.String("stateBackend", cfg.State.Backend),
		slog.String("namespace", cfg.State.Namespace),
	)

	// ---------------------------------------------------------------
	// 4. Telemetry
	// ---------------------------------------------------------------
	shutdownOTel, err := otel.SetupOTelSDK(ctx, component, cfg.OTelSettings(awsCfg.Region, serveMetrics))
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. State store
	// ---------------------------------------------------------------
	store, closeStore, err := cfg.NewStore(awsCfg)
	if err != nil {
		_ = shutdownOTel(ctx)
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	return &app{
		cfg:          cfg,
		logger:       logger,
		aws:          awsCfg,
		store:        store,
		closeStore:   closeStore,
		shutdownOTel: shutdownOTel,
	}, nil
}

// deps wires the AWS driver and the store into step dependencies.
func (a *app) deps() steps.Deps {
	return a.cfg.StepDeps(a.store, a.cfg.NewDriver(a.aws, a.logger), a.logger)
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) {
	if err := a.closeStore(); err != nil {
		a.logger.Warn("failed to close state store", slog.String("error", err.Error()))
	}
	if err := a.shutdownOTel(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn("failed to flush telemetry", slog.String("error", err.Error()))
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.String())
	},
}
