package nodepool

import (
	"context"
	"errors"
	"time"
)

// Node is a reachable worker host. Identity material is opaque to the core;
// the transport resolves IdentityRef however it likes (key path, agent, ...).
type Node struct {
	Name        string
	Host        string
	User        string
	IdentityRef string
}

// Request is the self-contained execution request sent to a node. The remote
// side runs Command and writes a status record under StatusDir keyed by RunID
// and AttemptID, independent of whether the invoking channel stays open.
type Request struct {
	RunID     string
	AttemptID string
	Command   string
	StatusDir string
}

// ExitStatus is the terminal report of a remote channel. Lost=true means the
// channel dropped before the process reported an exit: the remote outcome is
// unknown, not failed.
type ExitStatus struct {
	Code int
	Lost bool
	Err  error
}

// Channel is one open remote execution.
//
// Started is closed (or delivers an error) once the remote process start is
// acknowledged. Wait delivers exactly one ExitStatus when the process
// terminates or the channel closes.
type Channel interface {
	Started() <-chan error
	Wait() <-chan ExitStatus
	// Terminate best-effort signals the remote process to stop. A process
	// that ignores it keeps running; its outcome is discarded by the caller.
	Terminate(ctx context.Context) error
	Close() error
}

// StatusRecord is the structured record the remote side writes at the
// well-known status location. Reading it is idempotent. EndedAt and ExitCode
// are nil while the process is still running.
type StatusRecord struct {
	RunID     string     `json:"run_id"`
	AttemptID string     `json:"attempt_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	OutputRef string     `json:"output_ref,omitempty"`
}

// ErrStatusAbsent reports that no status record exists for the probed run.
var ErrStatusAbsent = errors.New("nodepool: status record absent")

// Transport opens remote execution channels. It is an external collaborator:
// the core assumes "execute command on node X, get a channel and an exit
// status when the process terminates or the channel closes".
type Transport interface {
	Open(ctx context.Context, node Node, req Request) (Channel, error)
	ProbeStatus(ctx context.Context, node Node, runID string) (StatusRecord, error)
	Ping(ctx context.Context, node Node) error
}
