// Package health provides HTTP handlers for health checks.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/idlegpu/internal/buildinfo"
	"github.com/terrpan/idlegpu/internal/watchdog"
)

// Watcher reports on the alarm watcher backing the process.
type Watcher interface {
	Healthy() bool
	LastHandled() (watchdog.Handled, bool)
}

// Response represents the health check response body.
type Response struct {
	Status       string            `json:"status"`
	ServiceName  string            `json:"service_name"`
	Version      string            `json:"version"`
	Commit       string            `json:"commit"`
	BuildTime    string            `json:"build_time"`
	GoVersion    string            `json:"go_version"`
	OS           string            `json:"os"`
	Architecture string            `json:"architecture"`
	StateBackend string            `json:"state_backend"`
	LastAlarm    *watchdog.Handled `json:"last_alarm,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Handler responds to health check requests with build info, the state
// backend in use and the last alarm the watcher acted on.  It answers 503
// with status "degraded" while the watcher cannot reach its queue; a nil
// watcher is always healthy.
func Handler(backend string, w Watcher) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		response := Response{
			Status:       "healthy",
			ServiceName:  "idlegpu",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			StateBackend: backend,
			Timestamp:    time.Now().UTC(),
		}

		code := http.StatusOK
		if w != nil {
			if last, ok := w.LastHandled(); ok {
				response.LastAlarm = &last
			}
			if !w.Healthy() {
				response.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}

		rw.Header().Set("Content-Type", "application/json")
		rw.WriteHeader(code)
		_ = json.NewEncoder(rw).Encode(response)
	}
}

// Serve runs an HTTP server for handler on addr until ctx is cancelled,
// then shuts it down gracefully.
func Serve(ctx context.Context, logger *slog.Logger, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown %s: %w", addr, err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", addr, err)
	}
}
