package job

import (
	"errors"
	"fmt"
	"time"

	"cronfleet/internal/run"
)

var (
	ErrUnknownJob    = errors.New("job: unknown job")
	ErrUnknownRun    = errors.New("job: unknown run")
	ErrUnknownAction = errors.New("job: unknown action run")
)

// RunJobNow fires one immediate run of the named job, subject to the same
// overlap policy as a scheduled fire. Returns the new run's id.
func (m *Manager) RunJobNow(jobName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	js := m.jobs[jobName]
	if js == nil || js.tmpl == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	jr := m.fireLocked(js, time.Now())
	if jr == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, jobName)
	}
	return jr.ID, nil
}

// CancelJobRun cancels a run: non-terminal actions are skipped, in-flight
// remote processes get a best-effort terminate whose outcome is discarded.
func (m *Manager) CancelJobRun(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	jr := m.runs[runID]
	if jr == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	js := m.jobs[jr.JobName]
	if js == nil {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	m.cancelRunLocked(js, jr, "cancelled by operator")
	return nil
}

// RetryAction re-arms a terminally failed or skipped action with a fresh
// attempt budget. The owning run leaves its terminal state implicitly since
// job state is derived.
func (m *Manager) RetryAction(actionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.actions[actionID]
	if ref == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAction, actionID)
	}
	a := ref.a
	switch a.State {
	case run.ActionFailedTerminal, run.ActionSkipped:
	default:
		return fmt.Errorf("job: action %s is %s, not retryable", actionID, a.State)
	}

	// A retired run re-enters the active set.
	if removeRun(&ref.js.history, ref.jr) {
		ref.js.active = append(ref.js.active, ref.jr)
	}
	ref.jr.Cancelled = false

	a.Attempts = 0
	a.ExitCode = nil
	a.EndedAt = time.Time{}
	m.transitionLocked(a, run.ActionRunnable, "manual retry")
	m.enqueueDispatchLocked(ref.js, ref.jr, a)
	return nil
}

// RunState reports the derived aggregate state of a run.
func (m *Manager) RunState(runID string) (run.JobState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jr := m.runs[runID]
	if jr == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return jr.State(), nil
}

// ActionSnapshot is a point-in-time copy of one action's observable fields.
type ActionSnapshot struct {
	ID       string
	Name     string
	State    run.ActionState
	Attempts int
	Node     string
	ExitCode *int
	Cause    string
}

// RunActions reports copies of a run's action states in graph order.
func (m *Manager) RunActions(runID string) ([]ActionSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	jr := m.runs[runID]
	if jr == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	out := make([]ActionSnapshot, 0, len(jr.Actions))
	for _, a := range jr.Actions {
		var code *int
		if a.ExitCode != nil {
			c := *a.ExitCode
			code = &c
		}
		out = append(out, ActionSnapshot{
			ID:       a.ID,
			Name:     a.Name,
			State:    a.State,
			Attempts: a.Attempts,
			Node:     a.Node,
			ExitCode: code,
		})
	}
	return out, nil
}

// Jobs lists the job names in the active generation.
func (m *Manager) Jobs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.templates))
	for name := range m.templates {
		out = append(out, name)
	}
	return out
}
