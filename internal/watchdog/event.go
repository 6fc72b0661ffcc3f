package watchdog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/terrpan/idlegpu/internal/driver"
)

// Alarm states reported by CloudWatch.
const (
	StateAlarm            = "ALARM"
	StateOK               = "OK"
	StateInsufficientData = "INSUFFICIENT_DATA"
)

// Event sources.
const (
	SourceLambda      = "lambda"
	SourceSNS         = "sns"
	SourceEventBridge = "eventbridge"
	SourceDirect      = "direct"
)

const alarmStateChange = "CloudWatch Alarm State Change"

// ErrUnrecognized is returned by Parse for payloads that are not alarm
// notifications.
var ErrUnrecognized = errors.New("not an alarm notification")

// Event is an alarm notification reduced to what the shutdown path needs.
type Event struct {
	AlarmName  string `json:"alarm_name"`
	InstanceID string `json:"instance_id,omitempty"`
	NewState   string `json:"new_state"`
	Source     string `json:"source"`
}

// Fires reports whether the event should trigger a shutdown.
func (e Event) Fires() bool { return e.NewState == StateAlarm }

// alarmData is the alarm section of Lambda alarm-action invocations and
// EventBridge state-change events.
type alarmData struct {
	AlarmName string `json:"alarmName"`
	State     struct {
		Value string `json:"value"`
	} `json:"state"`
	Configuration struct {
		Metrics []struct {
			MetricStat struct {
				Metric struct {
					Dimensions map[string]string `json:"dimensions"`
				} `json:"metric"`
			} `json:"metricStat"`
		} `json:"metrics"`
	} `json:"configuration"`
}

func (d alarmData) event(source string) Event {
	ev := Event{AlarmName: d.AlarmName, NewState: d.State.Value, Source: source}
	for _, m := range d.Configuration.Metrics {
		if id := m.MetricStat.Metric.Dimensions[driver.InstanceDimension]; id != "" {
			ev.InstanceID = id
			break
		}
	}
	return ev.withInstanceFromName()
}

// envelope picks out the discriminating fields of every supported shape.
type envelope struct {
	Records    []events.SNSEventRecord `json:"Records"`
	DetailType string                  `json:"detail-type"`
	Detail     json.RawMessage         `json:"detail"`
	AlarmData  *alarmData              `json:"alarmData"`
	Type       string                  `json:"Type"`
	Message    string                  `json:"Message"`
	AlarmName  string                  `json:"AlarmName"`

	DirectAlarmName  string `json:"alarm_name"`
	DirectInstanceID string `json:"instance_id"`
	DirectState      string `json:"new_state"`
}

// Parse decodes an alarm notification.  Accepted shapes are Lambda
// alarm-action invocations, SNS events and raw SNS notifications carrying
// a CloudWatch alarm message, EventBridge alarm state changes, and a flat
// {"instance_id", "alarm_name"} payload for manual invocations.
func Parse(raw []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decode alarm notification: %w", err)
	}

	switch {
	case len(env.Records) > 0:
		return parseSNSMessage(env.Records[0].SNS.Message)

	case env.Type == "Notification" && env.Message != "":
		return parseSNSMessage(env.Message)

	case env.DetailType == alarmStateChange:
		var d alarmData
		if err := json.Unmarshal(env.Detail, &d); err != nil {
			return Event{}, fmt.Errorf("decode eventbridge detail: %w", err)
		}
		return d.event(SourceEventBridge), nil

	case env.AlarmData != nil:
		return env.AlarmData.event(SourceLambda), nil

	case env.AlarmName != "":
		return parseSNSMessage(string(raw))

	case env.DirectInstanceID != "" || env.DirectAlarmName != "":
		ev := Event{
			AlarmName:  env.DirectAlarmName,
			InstanceID: env.DirectInstanceID,
			NewState:   env.DirectState,
			Source:     SourceDirect,
		}
		if ev.NewState == "" {
			ev.NewState = StateAlarm
		}
		return ev.withInstanceFromName(), nil
	}
	return Event{}, ErrUnrecognized
}

func parseSNSMessage(msg string) (Event, error) {
	var p events.CloudWatchAlarmSNSPayload
	if err := json.Unmarshal([]byte(msg), &p); err != nil {
		return Event{}, fmt.Errorf("decode sns alarm message: %w", err)
	}
	if p.AlarmName == "" {
		return Event{}, ErrUnrecognized
	}

	ev := Event{AlarmName: p.AlarmName, NewState: p.NewStateValue, Source: SourceSNS}
	dims := p.Trigger.Dimensions
	for _, m := range p.Trigger.Metrics {
		dims = append(dims, m.MetricStat.Metric.Dimensions...)
	}
	for _, d := range dims {
		if d.Name == driver.InstanceDimension && d.Value != "" {
			ev.InstanceID = d.Value
			break
		}
	}
	return ev.withInstanceFromName(), nil
}

// withInstanceFromName fills a missing instance id from an alarm named
// "<prefix>-i-<id>".
func (e Event) withInstanceFromName() Event {
	if e.InstanceID != "" {
		return e
	}
	if i := strings.LastIndex(e.AlarmName, "-i-"); i >= 0 && len(e.AlarmName) > i+3 {
		e.InstanceID = e.AlarmName[i+1:]
	}
	return e
}
