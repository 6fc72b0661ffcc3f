// Package fault defines the error taxonomy shared by the provisioning
// steps, the orchestrator and the shutdown path.
//
// Every step failure is a *Error carrying a Kind and a retry decision.
// The orchestrator only consults IsRetryable; operators read the Kind
// from the run's audit trail.
package fault

import (
	"errors"
	"fmt"
)

// Kind names a class of failure.
type Kind string

const (
	Provisioning  Kind = "ProvisioningError"
	Attachment    Kind = "AttachmentError"
	Configuration Kind = "ConfigurationError"
	Monitoring    Kind = "MonitoringError"
	Termination   Kind = "TerminationError"
	StateStore    Kind = "StateStoreError"
)

// Error is a classified failure.
type Error struct {
	Kind Kind
	// Op is a short description of what was being attempted
	// (e.g. "run instance", "poll volume vol-123").
	Op string
	// Retryable reports whether repeating the step can succeed.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, retryable bool, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Retryable: retryable, Err: err}
}

// ProvisioningErr reports an instance that could not be launched or never
// reached the running state.
func ProvisioningErr(retryable bool, op string, err error) *Error {
	return newError(Provisioning, retryable, op, err)
}

// AttachmentErr reports a volume that never reached the attached state.
func AttachmentErr(retryable bool, op string, err error) *Error {
	return newError(Attachment, retryable, op, err)
}

// ConfigurationErr reports a missing or unusable setting.  Settings do
// not fix themselves, so the error is not retryable; callers that hit a
// busy resource while applying a setting build the Error directly.
func ConfigurationErr(op string, err error) *Error {
	return newError(Configuration, false, op, err)
}

// MonitoringErr reports an alarm the provider refused to create or delete.
func MonitoringErr(retryable bool, op string, err error) *Error {
	return newError(Monitoring, retryable, op, err)
}

// TerminationErr reports an instance that is still alive after the
// shutdown path gave up.
func TerminationErr(op string, err error) *Error {
	return newError(Termination, false, op, err)
}

// StateStoreErr reports an unavailable store or a missing required key.
func StateStoreErr(retryable bool, op string, err error) *Error {
	return newError(StateStore, retryable, op, err)
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// err is not classified.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err's chain contains an *Error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// IsRetryable reports whether err is a classified failure marked
// retryable.  Unclassified errors are not retried.
func IsRetryable(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Retryable
	}
	return false
}
