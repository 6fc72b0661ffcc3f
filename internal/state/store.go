// Package state is the shared key-value store through which the
// stateless provisioning steps and the shutdown path hand identifiers to
// each other.
//
// The store has no multi-key transactions.  Each key has exactly one
// writer (infrastructure, or one step) and is only read by steps that run
// causally later, so no locking is done here.
package state

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/terrpan/idlegpu/internal/fault"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("parameter not found")

// Store is the contract every backend satisfies.
type Store interface {
	// Get returns the value stored under key, or an error matching
	// ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key, value string) error

	// Delete removes key.  Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// DefaultNamespace is the key prefix used when none is configured.
const DefaultNamespace = "/ai-model"

// Keys builds hierarchical key paths under a namespace.
type Keys struct {
	Namespace string
}

// NewKeys returns Keys for namespace, falling back to DefaultNamespace.
func NewKeys(namespace string) Keys {
	namespace = strings.TrimRight(namespace, "/")
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if !strings.HasPrefix(namespace, "/") {
		namespace = "/" + namespace
	}
	return Keys{Namespace: namespace}
}

func (k Keys) path(name string) string { return k.Namespace + "/" + name }

// Written at infrastructure-definition time.
func (k Keys) LaunchTemplateID() string   { return k.path("launch-template-id") }
func (k Keys) SecurityGroupID() string    { return k.path("security-group-id") }
func (k Keys) SubnetID() string           { return k.path("public-subnet-id") }
func (k Keys) VolumeID() string           { return k.path("volume-id") }
func (k Keys) StopFunctionName() string   { return k.path("stop-lambda-function-name") }
func (k Keys) StopFunctionTarget() string { return k.path("stop-lambda-arn") }

// InstanceID is written by the register-shutdown step.
func (k Keys) InstanceID() string { return k.path("instance-id") }

// AlarmName is written by the arm-alarm step.
func (k Keys) AlarmName() string { return k.path("cloudwatch-alarm-name") }

// All returns every known key, in a stable order.
func (k Keys) All() []string {
	return []string{
		k.LaunchTemplateID(),
		k.SecurityGroupID(),
		k.SubnetID(),
		k.VolumeID(),
		k.StopFunctionName(),
		k.StopFunctionTarget(),
		k.InstanceID(),
		k.AlarmName(),
	}
}

// Require reads key and converts every failure into a fault.Error.  A
// missing key is a fatal precondition failure for the caller; other store
// errors are treated as transient.
func Require(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return "", fault.StateStoreErr(false, "get "+key, err)
	case err != nil:
		return "", fault.StateStoreErr(true, "get "+key, err)
	case v == "":
		return "", fault.StateStoreErr(false, "get "+key, fmt.Errorf("empty value"))
	}
	return v, nil
}

// Lookup reads key and reports whether it was present.  Errors other than
// ErrNotFound are returned.
func Lookup(ctx context.Context, s Store, key string) (string, bool, error) {
	v, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, v != "", nil
}

// Record is the provisioning record: identifiers defined alongside the
// infrastructure and read-only while a run executes.
type Record struct {
	LaunchTemplateID string `json:"launch_template_id"`
	SubnetID         string `json:"subnet_id"`
	SecurityGroupID  string `json:"security_group_id"`
	VolumeID         string `json:"volume_id"`
}

// LoadRecord reads the provisioning record.  Every field must be present
// and non-empty.
func LoadRecord(ctx context.Context, s Store, k Keys) (Record, error) {
	var rec Record
	for _, f := range []struct {
		key string
		dst *string
	}{
		{k.LaunchTemplateID(), &rec.LaunchTemplateID},
		{k.SubnetID(), &rec.SubnetID},
		{k.SecurityGroupID(), &rec.SecurityGroupID},
		{k.VolumeID(), &rec.VolumeID},
	} {
		v, err := Require(ctx, s, f.key)
		if err != nil {
			return Record{}, err
		}
		*f.dst = v
	}
	return rec, nil
}

// Seed writes the provisioning record, as the infrastructure definition
// would.
func Seed(ctx context.Context, s Store, k Keys, rec Record) error {
	for key, v := range map[string]string{
		k.LaunchTemplateID(): rec.LaunchTemplateID,
		k.SubnetID():         rec.SubnetID,
		k.SecurityGroupID():  rec.SecurityGroupID,
		k.VolumeID():         rec.VolumeID,
	} {
		if err := s.Put(ctx, key, v); err != nil {
			return fmt.Errorf("seed %s: %w", key, err)
		}
	}
	return nil
}
