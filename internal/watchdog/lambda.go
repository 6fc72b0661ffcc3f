package watchdog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// InstanceIDEnv is the environment variable the shutdown function reads
// the bound instance id from.
const InstanceIDEnv = "INSTANCE_ID"

// Response is returned to the Lambda runtime.
type Response struct {
	Outcome    Outcome `json:"outcome"`
	AlarmName  string  `json:"alarm_name,omitempty"`
	InstanceID string  `json:"instance_id,omitempty"`
}

// LambdaHandler adapts a Handler to the Lambda runtime.  The deployed
// shutdown function has the active instance id bound into its
// environment.  An instance named by the event wins; the bound id covers
// events that carry none.
type LambdaHandler struct {
	Handler Handler
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Invoke handles one invocation.  It is passed to lambda.Start.
func (h *LambdaHandler) Invoke(ctx context.Context, raw json.RawMessage) (Response, error) {
	getenv := h.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	bound := getenv(InstanceIDEnv)

	ev, err := Parse(raw)
	switch {
	case errors.Is(err, ErrUnrecognized) && bound != "":
		ev = Event{InstanceID: bound, NewState: StateAlarm, Source: SourceDirect}
	case err != nil:
		return Response{}, fmt.Errorf("parse invocation: %w", err)
	case ev.InstanceID == "":
		ev.InstanceID = bound
	}

	outcome, err := h.Handler.Handle(ctx, ev)
	if err != nil {
		return Response{Outcome: outcome}, err
	}
	return Response{Outcome: outcome, AlarmName: ev.AlarmName, InstanceID: ev.InstanceID}, nil
}
