package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"github.com/terrpan/idlegpu/internal/health"
	"github.com/terrpan/idlegpu/internal/otel"
	"github.com/terrpan/idlegpu/internal/state"
	"github.com/terrpan/idlegpu/internal/steps"
	"github.com/terrpan/idlegpu/internal/watchdog"
	"github.com/terrpan/idlegpu/internal/workflow"
)

// ---------------------------------------------------------------------------
// provision
// ---------------------------------------------------------------------------

var provisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Launch the instance, attach the volume, bind shutdown and arm the idle alarm",
	Long: `provision runs the provisioning workflow once and prints the run record
as JSON.  The exit status is non-zero unless the run succeeded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		a, err := setup(ctx, "provision", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		orch := a.cfg.NewOrchestrator(a.deps(), a.logger)
		run, runErr := orch.Run(ctx, steps.Payload{})
		if run == nil {
			return runErr
		}

		out, err := run.JSON()
		if err != nil {
			return fmt.Errorf("encoding run: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if run.Status != workflow.StatusSucceeded {
			return fmt.Errorf("provisioning %s: %w", run.Status, runErr)
		}
		return nil
	},
}

// ---------------------------------------------------------------------------
// shutdown
// ---------------------------------------------------------------------------

var shutdownFlags struct {
	instanceID string
	alarmName  string
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Terminate the instance and delete its idle alarm",
	Long: `shutdown runs the shutdown step once.  Without --instance-id the bound
instance is read from the state store.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		a, err := setup(ctx, "shutdown", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		step := a.cfg.NewShutdownStep(a.deps())
		out, err := step.Run(ctx, steps.Payload{
			InstanceID: shutdownFlags.instanceID,
			AlarmName:  shutdownFlags.alarmName,
		})
		if err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		a.logger.Info("shutdown complete",
			slog.String("instance_id", out.InstanceID),
			slog.String("alarm_name", out.AlarmName),
		)
		return nil
	},
}

func init() {
	f := shutdownCmd.Flags()
	f.StringVar(&shutdownFlags.instanceID, "instance-id", "", "Instance to terminate (default: the bound instance)")
	f.StringVar(&shutdownFlags.alarmName, "alarm-name", "", "Alarm to delete (default: the stored alarm of the bound instance)")
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

// watcherStatus joins the listener's queue health with the trigger's
// last handled alarm for /healthz.
type watcherStatus struct {
	*watchdog.SQSListener
	*watchdog.Trigger
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Consume idle-alarm notifications from SQS and shut the instance down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext(cmd)
		defer cancel()

		a, err := setup(ctx, "watch", true)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := a.cfg.ValidateWatcher(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		trigger := a.cfg.NewTrigger(a.deps(), a.logger)
		listener := watchdog.NewSQSListener(watchdog.SQSConfig{
			Client:   watchdog.NewSQSClient(a.aws),
			QueueURL: a.cfg.Watcher.QueueURL,
			WaitTime: a.cfg.Watcher.WaitTime.D(),
			Handler:  trigger,
			Logger:   a.logger.WithGroup("listener"),
		})

		healthMux := http.NewServeMux()
		healthMux.Handle("/healthz", health.Handler(a.cfg.State.Backend, watcherStatus{listener, trigger}))

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", otel.MetricsHandler())

		ctx, stop := context.WithCancel(ctx)
		defer stop()

		errCh := make(chan error, 3)
		serve := func(port int, h http.Handler) {
			errCh <- health.Serve(ctx, a.logger.WithGroup("http"), ":"+strconv.Itoa(port), h)
		}
		go serve(a.cfg.Watcher.HealthPort, healthMux)
		go serve(a.cfg.OTel.PrometheusPort, metricsMux)
		go func() { errCh <- listener.Run(ctx) }()

		a.logger.Info("watching for idle alarms", slog.String("queue", a.cfg.Watcher.QueueURL))

		// The first component to stop takes the others down.
		var firstErr error
		for range 3 {
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
				firstErr = err
			}
			stop()
		}

		a.logger.Info("shutting down gracefully")
		return firstErr
	},
}

// ---------------------------------------------------------------------------
// lambda
// ---------------------------------------------------------------------------

var lambdaCmd = &cobra.Command{
	Use:   "lambda",
	Short: "Run as the stop function inside AWS Lambda",
	Long: `lambda starts the Lambda runtime loop.  The function is invoked by the idle
alarm and terminates the instance named by the alarm, or the instance bound
into its INSTANCE_ID environment variable.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "lambda", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		handler := &watchdog.LambdaHandler{Handler: a.cfg.NewTrigger(a.deps(), a.logger)}
		lambda.StartWithOptions(handler.Invoke, lambda.WithEnableSIGTERM(func() {
			a.Close(ctx)
		}))
		return nil
	},
}

// ---------------------------------------------------------------------------
// param
// ---------------------------------------------------------------------------

var paramCmd = &cobra.Command{
	Use:   "param",
	Short: "Inspect or seed the shared parameter store",
}

// resolveKey accepts a full path or a name under the configured namespace.
func resolveKey(k state.Keys, key string) string {
	if strings.HasPrefix(key, "/") {
		return key
	}
	return k.Namespace + "/" + key
}

var paramGetCmd = &cobra.Command{
	Use:   "get KEY",
	Short: "Print one parameter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "param", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		v, err := a.store.Get(ctx, resolveKey(a.cfg.Keys(), args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), v)
		return nil
	},
}

var paramPutCmd = &cobra.Command{
	Use:   "put KEY VALUE",
	Short: "Store one parameter",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "param", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		return a.store.Put(ctx, resolveKey(a.cfg.Keys(), args[0]), args[1])
	},
}

var paramListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print every known parameter",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := setup(ctx, "param", false)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		for _, key := range a.cfg.Keys().All() {
			v, ok, err := state.Lookup(ctx, a.store, key)
			if err != nil {
				return err
			}
			if !ok {
				v = "-"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", key, v)
		}
		return nil
	},
}

func init() {
	paramCmd.AddCommand(paramGetCmd, paramPutCmd, paramListCmd)
}
