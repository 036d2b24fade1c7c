package job

import (
	"sort"
	"strconv"
	"time"

	"cronfleet/internal/run"
	"cronfleet/internal/run/exec"
	"cronfleet/internal/store"
	"cronfleet/internal/trigger"
	logx "cronfleet/pkg/logx"
)

// transitionLocked moves one ActionRun to a new state and records it. All
// action transitions funnel through here so the journal and the bus see every
// step exactly once, in order.
func (m *Manager) transitionLocked(a *run.ActionRun, to run.ActionState, cause string) {
	from := a.State
	a.State = to
	rec := store.Record{
		Kind:     store.KindActionRun,
		ID:       a.ID,
		OldState: from.String(),
		NewState: to.String(),
		At:       time.Now(),
		Attempt:  a.Attempts,
		Node:     a.Node,
		Cause:    cause,
	}
	if to.Terminal() || to == run.ActionFailedRetryable {
		rec.ExitCode = a.ExitCode
		rec.OutputRef = a.OutputRef
	}
	m.record(rec)
}

// applyUpdate consumes one dispatcher progress report.
func (m *Manager) applyUpdate(u exec.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.actions[u.RunID]
	if ref == nil {
		m.log.Warn("update for unknown action run", logx.String("run", u.RunID))
		return
	}
	js, jr, a := ref.js, ref.jr, ref.a

	switch u.Kind {
	case exec.UpdateDispatched:
		if a.State != run.ActionRunnable {
			return
		}
		a.Node = u.Node
		m.transitionLocked(a, run.ActionDispatched, "")

	case exec.UpdateStarted:
		if a.State != run.ActionDispatched {
			return
		}
		a.StartedAt = u.At
		m.transitionLocked(a, run.ActionRunning, "")

	case exec.UpdateExited:
		if a.State.Terminal() {
			return
		}
		code := u.ExitCode
		a.ExitCode = &code
		a.EndedAt = u.At
		if u.OutputRef != "" {
			a.OutputRef = u.OutputRef
		}
		if code == 0 {
			m.succeedLocked(js, jr, a)
		} else {
			m.failRetryableLocked(js, jr, a, "exit status "+strconv.Itoa(code))
		}

	case exec.UpdateLost:
		// Channel gone, outcome unknown; the dispatcher is probing the
		// remote status record. No state change.
		m.log.Warn("dispatch channel lost; reconciling",
			logx.String("run", a.ID), logx.String("node", a.Node))

	case exec.UpdateIndeterminate:
		// Probes exhausted with no definitive status. Retryable, but the
		// remote side effects are unknown; keep it loud in the logs.
		if a.State.Terminal() {
			return
		}
		a.EndedAt = u.At
		m.log.Error("attempt outcome indeterminate; remote side effects unknown",
			logx.String("run", a.ID), logx.String("node", a.Node),
			logx.Int("attempt", a.Attempts))
		m.failRetryableLocked(js, jr, a, "indeterminate outcome")

	case exec.UpdateDispatchError:
		if a.State.Terminal() {
			return
		}
		cause := "dispatch failed"
		if u.Err != nil {
			cause = "dispatch: " + u.Err.Error()
		}
		if exec.IsNoRetry(u.Err) {
			m.failTerminalLocked(js, jr, a, cause)
			return
		}
		m.failRetryableLocked(js, jr, a, cause)
	}
}

// succeedLocked finishes an action, publishes its triggers, and releases
// dependents whose wait sets become empty.
func (m *Manager) succeedLocked(js *jobState, jr *run.JobRun, a *run.ActionRun) {
	m.transitionLocked(a, run.ActionSucceeded, "")
	m.releaseSlotLocked(js, a.ID)

	for _, trig := range a.PublishTriggers {
		m.reg.Publish(trig)
		m.record(store.Record{
			Kind:     store.KindTrigger,
			ID:       trig,
			NewState: trigger.StatePublished,
			At:       time.Now(),
		})
	}

	for _, b := range jr.Actions {
		if !b.WaitingDeps[a.Name] {
			continue
		}
		delete(b.WaitingDeps, a.Name)
		if b.State != run.ActionWaitingDeps || len(b.WaitingDeps) > 0 {
			continue
		}
		if len(b.WaitingTriggers) > 0 {
			m.transitionLocked(b, run.ActionWaitingTrigger, "")
			m.registerTriggersLocked(b)
		} else {
			m.transitionLocked(b, run.ActionRunnable, "")
			m.enqueueDispatchLocked(js, jr, b)
		}
	}

	m.finishIfTerminalLocked(js, jr)
}

// failRetryableLocked applies failure policy: re-enter RUNNABLE after the
// retry delay while attempts remain, terminal otherwise.
func (m *Manager) failRetryableLocked(js *jobState, jr *run.JobRun, a *run.ActionRun, cause string) {
	m.releaseSlotLocked(js, a.ID)

	if jr.Cancelled {
		m.transitionLocked(a, run.ActionSkipped, "run cancelled")
		m.finishIfTerminalLocked(js, jr)
		return
	}

	if a.Attempts <= a.Retries {
		m.transitionLocked(a, run.ActionFailedRetryable, cause)
		id := a.ID
		delay := a.RetryDelay
		m.log.Info("scheduling retry",
			logx.String("run", a.ID),
			logx.Int("attempt", a.Attempts),
			logx.Int("retries", a.Retries),
			logx.Duration("delay", delay))
		m.retryTimers[id] = time.AfterFunc(delay, func() { m.retryFire(id) })
		return
	}

	m.failTerminalLocked(js, jr, a, cause)
}

// retryFire re-enters a failed attempt into RUNNABLE once its delay elapses.
func (m *Manager) retryFire(actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.retryTimers, actionID)

	ref := m.actions[actionID]
	if ref == nil || ref.a.State != run.ActionFailedRetryable || ref.jr.Cancelled {
		return
	}
	m.transitionLocked(ref.a, run.ActionRunnable, "retry")
	m.enqueueDispatchLocked(ref.js, ref.jr, ref.a)
}

// failTerminalLocked ends an action for good and skips everything downstream
// of it: an upstream that will never succeed means its dependents can never
// become runnable.
func (m *Manager) failTerminalLocked(js *jobState, jr *run.JobRun, a *run.ActionRun, cause string) {
	m.releaseSlotLocked(js, a.ID)
	m.transitionLocked(a, run.ActionFailedTerminal, cause)
	m.skipDependentsLocked(js, jr, a.Name)
	m.finishIfTerminalLocked(js, jr)
}

// skipDependentsLocked transitively skips waiting actions that require the
// given action.
func (m *Manager) skipDependentsLocked(js *jobState, jr *run.JobRun, failed string) {
	for _, b := range jr.Actions {
		if b.State.Terminal() || !b.WaitingDeps[failed] {
			continue
		}
		switch b.State {
		case run.ActionWaitingDeps, run.ActionWaitingTrigger:
			m.detachLocked(b)
			m.transitionLocked(b, run.ActionSkipped, "upstream "+failed+" failed")
			m.skipDependentsLocked(js, jr, b.Name)
		}
	}
}

// detachLocked cancels an action's pending timers and registry waiters.
func (m *Manager) detachLocked(a *run.ActionRun) {
	if t := m.retryTimers[a.ID]; t != nil {
		t.Stop()
		delete(m.retryTimers, a.ID)
	}
	m.reg.Cancel(a.ID)
}

// registerTriggersLocked arms the trigger wait for an action entering
// WAITING_ON_TRIGGER. Callbacks re-enter the manager on fresh goroutines so
// a Publish fired under the transition lock cannot deadlock.
func (m *Manager) registerTriggersLocked(a *run.ActionRun) {
	triggers := make([]string, 0, len(a.WaitingTriggers))
	for t := range a.WaitingTriggers {
		triggers = append(triggers, t)
	}
	sort.Strings(triggers)

	m.reg.Register(a.ID, triggers, a.TriggerTimeout, trigger.Callbacks{
		OnResolved: func(runID, trig string) { go m.triggerResolved(runID, trig) },
		OnReady:    func(runID string) { go m.triggerReady(runID) },
		OnTimeout:  func(runID string, unresolved []string) { go m.triggerTimeout(runID, unresolved) },
	})
}

func (m *Manager) triggerResolved(actionID, trig string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref := m.actions[actionID]; ref != nil {
		delete(ref.a.WaitingTriggers, trig)
	}
}

func (m *Manager) triggerReady(actionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.actions[actionID]
	if ref == nil || ref.a.State != run.ActionWaitingTrigger || ref.jr.Cancelled {
		return
	}
	for t := range ref.a.WaitingTriggers {
		delete(ref.a.WaitingTriggers, t)
	}
	m.transitionLocked(ref.a, run.ActionRunnable, "")
	m.enqueueDispatchLocked(ref.js, ref.jr, ref.a)
}

// triggerTimeout ends the wait terminally: waiting longer does not change the
// external fact being waited for, so retries are pointless.
func (m *Manager) triggerTimeout(actionID string, unresolved []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref := m.actions[actionID]
	if ref == nil || ref.a.State != run.ActionWaitingTrigger {
		return
	}
	cause := "trigger timeout"
	if len(unresolved) > 0 {
		cause += ": " + unresolved[0]
	}
	m.failTerminalLocked(ref.js, ref.jr, ref.a, cause)
}

// cancelRunLocked marks a run cancelled: every non-terminal action is skipped
// and in-flight remote attempts get a best-effort terminate whose outcome is
// discarded.
func (m *Manager) cancelRunLocked(js *jobState, jr *run.JobRun, cause string) {
	if jr.State().Terminal() {
		return
	}
	jr.Cancelled = true

	// Drop queued dispatches belonging to this run before any slot frees
	// up, so a released slot cannot start a stale action.
	keep := js.dispatchQueue[:0]
	for _, id := range js.dispatchQueue {
		if ref := m.actions[id]; ref != nil && ref.jr == jr {
			continue
		}
		keep = append(keep, id)
	}
	js.dispatchQueue = keep

	for _, a := range jr.Actions {
		if a.State.Terminal() {
			continue
		}
		m.detachLocked(a)
		// A held slot means the dispatcher owns an attempt even while the
		// action is still RUNNABLE waiting for the start ack.
		if m.slotHeld[a.ID] {
			m.disp.Cancel(a.ID)
		}
		m.releaseSlotLocked(js, a.ID)
		m.transitionLocked(a, run.ActionSkipped, cause)
	}

	m.finishIfTerminalLocked(js, jr)
}

// finishIfTerminalLocked aggregates the run state and, once terminal, records
// it, retires the run, and lets the next queued run start.
func (m *Manager) finishIfTerminalLocked(js *jobState, jr *run.JobRun) {
	state := jr.State()
	if !state.Terminal() {
		return
	}

	oldState := run.JobRunning.String()
	wasActive := removeRun(&js.active, jr)
	if !wasActive {
		if !removeRun(&js.pending, jr) {
			return // already retired
		}
		oldState = "queued"
	}

	m.record(store.Record{
		Kind:     store.KindJobRun,
		ID:       jr.ID,
		OldState: oldState,
		NewState: state.String(),
		At:       time.Now(),
	})
	m.log.Info("job run finished",
		logx.String("run", jr.ID), logx.String("state", state.String()))

	m.retireLocked(js, jr)
	m.pumpLocked(js)
}

func removeRun(runs *[]*run.JobRun, jr *run.JobRun) bool {
	for i, r := range *runs {
		if r == jr {
			*runs = append((*runs)[:i], (*runs)[i+1:]...)
			return true
		}
	}
	return false
}

// retireLocked moves a terminal run into history and evicts beyond the
// retention bound. The store keeps the durable record either way.
func (m *Manager) retireLocked(js *jobState, jr *run.JobRun) {
	js.history = append(js.history, jr)

	history := defaultRunHistory
	if js.tmpl != nil {
		history = js.tmpl.History
	}
	for len(js.history) > history {
		old := js.history[0]
		js.history = js.history[1:]
		delete(m.runs, old.ID)
		for _, a := range old.Actions {
			delete(m.actions, a.ID)
		}
	}
}
