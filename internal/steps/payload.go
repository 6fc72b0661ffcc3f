package steps

import (
	"time"

	"github.com/terrpan/idlegpu/internal/driver"
)

// Payload is the JSON object chained from one step to the next.  Each
// step reads the fields it needs and returns a copy with its own fields
// filled in.
type Payload struct {
	RunID string `json:"run_id,omitempty"`

	InstanceID string    `json:"instance_id,omitempty"`
	CreatedAt  time.Time `json:"created_at,omitzero"`

	VolumeID         string                  `json:"volume_id,omitempty"`
	Device           string                  `json:"device,omitempty"`
	AttachmentStatus driver.AttachmentStatus `json:"attachment_status,omitempty"`

	FunctionName   string `json:"function_name,omitempty"`
	ShutdownTarget string `json:"shutdown_target,omitempty"`

	AlarmName string              `json:"alarm_name,omitempty"`
	Alarm     *driver.AlarmConfig `json:"alarm,omitempty"`
}

// IsZero reports whether p carries nothing.
func (p Payload) IsZero() bool {
	return p.RunID == "" && p.InstanceID == "" && p.VolumeID == "" &&
		p.FunctionName == "" && p.AlarmName == ""
}
