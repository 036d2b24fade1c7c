package run

import (
	"time"
)

// ActionState is the lifecycle state of one ActionRun.
//
// WAITING_ON_DEPENDENCY -> WAITING_ON_TRIGGER -> RUNNABLE -> DISPATCHED ->
// RUNNING -> {SUCCEEDED | FAILED_RETRYABLE -> RUNNABLE | FAILED_TERMINAL | SKIPPED}.
// Both wait states may apply before RUNNABLE; an action is RUNNABLE only once
// its dependency set and its trigger set are both empty.
type ActionState int

const (
	ActionWaitingDeps ActionState = iota
	ActionWaitingTrigger
	ActionRunnable
	ActionDispatched
	ActionRunning
	ActionSucceeded
	ActionFailedRetryable
	ActionFailedTerminal
	ActionSkipped
)

var actionStateNames = map[ActionState]string{
	ActionWaitingDeps:     "waiting_on_dependency",
	ActionWaitingTrigger:  "waiting_on_trigger",
	ActionRunnable:        "runnable",
	ActionDispatched:      "dispatched",
	ActionRunning:         "running",
	ActionSucceeded:       "succeeded",
	ActionFailedRetryable: "failed_retryable",
	ActionFailedTerminal:  "failed_terminal",
	ActionSkipped:         "skipped",
}

func (s ActionState) String() string {
	if n, ok := actionStateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s ActionState) Terminal() bool {
	switch s {
	case ActionSucceeded, ActionFailedTerminal, ActionSkipped:
		return true
	}
	return false
}

// InFlight reports whether a remote attempt may exist for this state.
func (s ActionState) InFlight() bool {
	return s == ActionDispatched || s == ActionRunning
}

// ParseActionState is the inverse of String, used by state replay.
func ParseActionState(name string) (ActionState, bool) {
	for s, n := range actionStateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// JobState is derived from the states of a run's ActionRuns (plus the
// cancelled flag); it is never stored independently.
type JobState int

const (
	JobQueued JobState = iota
	JobRunning
	JobSucceeded
	JobFailed
	JobCancelled
)

var jobStateNames = map[JobState]string{
	JobQueued:    "queued",
	JobRunning:   "running",
	JobSucceeded: "succeeded",
	JobFailed:    "failed",
	JobCancelled: "cancelled",
}

func (s JobState) String() string {
	if n, ok := jobStateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s JobState) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ParseJobState is the inverse of String, used by state replay.
func ParseJobState(name string) (JobState, bool) {
	for s, n := range jobStateNames {
		if n == name {
			return s, true
		}
	}
	return 0, false
}

// ActionRun is one instance of a single action within a JobRun. It is owned
// exclusively by its JobRun; all mutation happens under the graph manager's
// transition lock.
type ActionRun struct {
	ID      string
	JobName string
	RunNum  int64
	Name    string

	State    ActionState
	Attempts int

	Node            string // assigned node, set at dispatch
	NodeAffinity    string // configured node pin, empty = pool choice
	Command         string // resolved command text
	CommandTemplate string

	StartedAt time.Time
	EndedAt   time.Time
	ExitCode  *int
	OutputRef string

	Retries        int
	RetryDelay     time.Duration
	TriggerTimeout time.Duration

	// WaitingDeps holds upstream action names not yet satisfied.
	WaitingDeps map[string]bool
	// WaitingTriggers holds unresolved trigger strings (patterns already
	// resolved against this run's context).
	WaitingTriggers map[string]bool
	// PublishTriggers holds resolved trigger strings to publish on success.
	PublishTriggers []string
	// Upstream is the full configured dependency list (for retry re-arming
	// and replay).
	Upstream []string
}

// JobRun is one scheduled firing of a JobTemplate.
type JobRun struct {
	ID       string
	JobName  string
	RunNum   int64
	FireTime time.Time
	// Pool is the node pool the run dispatches onto, fixed at creation so
	// reconfiguration never moves a live run.
	Pool string

	Cancelled bool

	// Actions preserves the template's declaration order.
	Actions []*ActionRun
}

// Action returns the named ActionRun, or nil.
func (r *JobRun) Action(name string) *ActionRun {
	for _, a := range r.Actions {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// State aggregates the run's ActionRun states. It is a deterministic pure
// function: running if any action is non-terminal, failed if any action
// failed terminally, succeeded iff every action succeeded or was skipped.
// A cancelled run reports cancelled once all actions are terminal.
func (r *JobRun) State() JobState {
	anyFailed := false
	allTerminal := true
	for _, a := range r.Actions {
		switch {
		case a.State == ActionFailedTerminal:
			anyFailed = true
		case !a.State.Terminal():
			allTerminal = false
		}
	}
	if !allTerminal {
		return JobRunning
	}
	if r.Cancelled {
		return JobCancelled
	}
	if anyFailed {
		return JobFailed
	}
	return JobSucceeded
}
