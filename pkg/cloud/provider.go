// Package cloud defines the port to the external elastic-compute service.
//
// All cloud I/O is confined to implementations of ClusterProvider, which
// keeps the reconcilers pure functions of (local state, ClusterInfo) and
// makes stub-based testing the default.
package cloud

import (
	"context"
	"time"
)

// State is a provider-reported cluster state string.
type State string

const (
	StateStarting             State = "STARTING"
	StateBootstrapping        State = "BOOTSTRAPPING"
	StateRunning              State = "RUNNING"
	StateWaiting              State = "WAITING"
	StateTerminating          State = "TERMINATING"
	StateTerminated           State = "TERMINATED"
	StateTerminatedWithErrors State = "TERMINATED_WITH_ERRORS"
)

// ActiveStates are the states of a cluster that is still owned by the
// provider and may still do work (or is shutting down).
var ActiveStates = []State{
	StateStarting,
	StateBootstrapping,
	StateRunning,
	StateWaiting,
	StateTerminating,
}

// ReadyStates are the states in which the master address is reachable.
var ReadyStates = []State{
	StateRunning,
	StateWaiting,
}

// TerminalStates are absorbing: once observed, a cluster never leaves them.
var TerminalStates = []State{
	StateTerminated,
	StateTerminatedWithErrors,
}

// FailedStates is the failed subset of TerminalStates.
var FailedStates = []State{
	StateTerminatedWithErrors,
}

// FailedReasonCodes are the state-change reason codes that indicate a
// run failed for a known cause and warrant a user-facing alert.
var FailedReasonCodes = []string{
	"BOOTSTRAP_FAILURE",
	"INSTANCE_FAILURE",
	"INTERNAL_ERROR",
	"VALIDATION_ERROR",
	"STEP_FAILURE",
}

func contains(states []State, s State) bool {
	for _, candidate := range states {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsActive reports whether s is one of the active states.
func (s State) IsActive() bool { return contains(ActiveStates, s) }

// IsReady reports whether the cluster master should be reachable in s.
func (s State) IsReady() bool { return contains(ReadyStates, s) }

// IsTerminal reports whether s is absorbing.
func (s State) IsTerminal() bool { return contains(TerminalStates, s) }

// IsFailed reports whether s is a failed terminal state.
func (s State) IsFailed() bool { return contains(FailedStates, s) }

// IsFailedReasonCode reports whether code is a recognized failed
// state-change reason.
func IsFailedReasonCode(code string) bool {
	for _, candidate := range FailedReasonCodes {
		if candidate == code {
			return true
		}
	}
	return false
}

// LaunchSpec carries everything a provider needs to allocate a cluster.
type LaunchSpec struct {
	Username        string
	Email           string
	Identifier      string
	EMRRelease      string
	Size            int
	PublicKey       string
	LifetimeHours   int
	NotebookKey     string
	IsNotebookRun   bool
	PublicResults   bool
	JobTimeoutHours int
}

// ClusterInfo is the provider-reported description of a cluster.
type ClusterInfo struct {
	JobflowID       string
	State           State
	CreationTime    time.Time
	ReadyTime       *time.Time
	EndTime         *time.Time
	ReasonCode      string
	ReasonMessage   string
	MasterPublicDNS string
}

// ClusterProvider is the narrow port to the compute service.
//
// Implementations must classify failures as transient (retried with
// backoff by the caller) or permanent (recorded on the affected row),
// see errors.go.
type ClusterProvider interface {
	// Start requests allocation of a cluster and returns its opaque
	// jobflow handle. Callers enforce at-most-once per row via the
	// jobflow-unset precondition.
	Start(ctx context.Context, spec LaunchSpec) (string, error)

	// Describe returns the current description of a single cluster.
	// Returns ErrClusterNotFound if the provider has no such cluster.
	Describe(ctx context.Context, jobflowID string) (*ClusterInfo, error)

	// ListCreatedAfter returns descriptions for all clusters created at
	// or after t, transparently following provider pagination.
	ListCreatedAfter(ctx context.Context, t time.Time) ([]ClusterInfo, error)

	// Stop requests termination. Stopping an already-terminal cluster
	// is a no-op success.
	Stop(ctx context.Context, jobflowID string) error
}
