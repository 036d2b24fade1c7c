package store

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("store disabled")

// Config configures persistence.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//
// BufferSize is how many transitions are buffered in memory before a flush to
// durable storage; 0 means write-through. A clean shutdown always flushes.
type Config struct {
	Driver      string
	Path        string
	BufferSize  int
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entity kinds recorded in transitions.
const (
	KindJobRun    = "job_run"
	KindActionRun = "action_run"
	KindTrigger   = "trigger"
)

// Record is one durable state transition. Records for a given run are
// monotonically ordered by Seq; replay order matches emission order.
//
// A job_run creation carries the full initial graph in Create so replay can
// rebuild runs without consulting configuration history.
type Record struct {
	Seq      uint64    `json:"seq"`
	Kind     string    `json:"kind"`
	ID       string    `json:"id"`
	OldState string    `json:"old_state,omitempty"`
	NewState string    `json:"new_state,omitempty"`
	At       time.Time `json:"at"`

	Attempt   int    `json:"attempt,omitempty"`
	Node      string `json:"node,omitempty"`
	ExitCode  *int   `json:"exit_code,omitempty"`
	OutputRef string `json:"output_ref,omitempty"`
	Cause     string `json:"cause,omitempty"`

	Create *JobRunRecord `json:"create,omitempty"`
}

// ActionRunRecord is the persisted form of one ActionRun.
type ActionRunRecord struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	State           string        `json:"state"`
	Attempts        int           `json:"attempts"`
	Node            string        `json:"node,omitempty"`
	NodeAffinity    string        `json:"node_affinity,omitempty"`
	Command         string        `json:"command"`
	CommandTemplate string        `json:"command_template"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	EndedAt         time.Time     `json:"ended_at,omitzero"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	OutputRef       string        `json:"output_ref,omitempty"`
	Retries         int           `json:"retries"`
	RetryDelay      time.Duration `json:"retry_delay"`
	TriggerTimeout  time.Duration `json:"trigger_timeout"`
	WaitingDeps     []string      `json:"waiting_deps,omitempty"`
	WaitingTriggers []string      `json:"waiting_triggers,omitempty"`
	PublishTriggers []string      `json:"publish_triggers,omitempty"`
	Upstream        []string      `json:"upstream,omitempty"`
}

// JobRunRecord is the persisted form of one JobRun and its graph.
type JobRunRecord struct {
	ID        string            `json:"id"`
	JobName   string            `json:"job_name"`
	RunNum    int64             `json:"run_num"`
	FireTime  time.Time         `json:"fire_time"`
	Pool      string            `json:"pool,omitempty"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Actions   []ActionRunRecord `json:"actions"`
}

// Snapshot is a periodic full capture: live runs, per-job run counters, and
// the published-trigger set. Transitions with Seq greater than the snapshot's
// replay on top of it.
type Snapshot struct {
	Seq         uint64           `json:"seq"`
	TakenAt     time.Time        `json:"taken_at"`
	Runs        []JobRunRecord   `json:"runs"`
	NextRunNums map[string]int64 `json:"next_run_nums,omitempty"`
	Published   []string         `json:"published,omitempty"`
}
