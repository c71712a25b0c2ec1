// Package registry tracks locally configured runner instances. It is the
// single source of truth for which instances exist on this host; the remote
// runner list on the dispatch side is eventually consistent with it and is
// reconciled by the lifecycle controller.
package registry

import "time"

// State is the registration state of a runner instance.
type State string

const (
	StateUnregistered State = "unregistered"
	StateRegistering  State = "registering"
	StateRegistered   State = "registered"
	StateRemoving     State = "removing"
)

// Health is the verdict of the most recent health check.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// Instance is one locally configured runner bound to one repository.
type Instance struct {
	Name       string   `json:"name"`
	Repository string   `json:"repository"` // owner/repo
	Labels     []string `json:"labels,omitempty"`
	WorkDir    string   `json:"work_dir,omitempty"`
	Ephemeral  bool     `json:"ephemeral,omitempty"`

	State State `json:"state"`

	// RemoteID is the dispatch system's runner ID, resolved after
	// registration. Zero when unknown.
	RemoteID int64 `json:"remote_id,omitempty"`

	// PID is the worker process ID while a process is attached. The
	// lifecycle controller exclusively owns the process handle; the PID is
	// recorded here only for liveness probes and crash recovery.
	PID int `json:"pid,omitempty"`

	LastHealth Health   `json:"last_health"`
	Findings   []string `json:"findings,omitempty"`

	// Warnings accumulates non-fatal anomalies (ambiguous remote failures,
	// forced removals) surfaced to the operator on status.
	Warnings []string `json:"warnings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessAttached reports whether a worker process is recorded for the
// instance.
func (i *Instance) ProcessAttached() bool {
	return i.PID > 0
}

// clone returns a deep copy so callers never share slices with the registry.
func (i *Instance) clone() *Instance {
	out := *i
	out.Labels = append([]string(nil), i.Labels...)
	out.Findings = append([]string(nil), i.Findings...)
	out.Warnings = append([]string(nil), i.Warnings...)
	return &out
}
