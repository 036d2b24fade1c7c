package job

import (
	"context"
	"fmt"
	"sort"

	"cronfleet/internal/run"
	"cronfleet/internal/store"
	logx "cronfleet/pkg/logx"
)

// Recover rebuilds in-memory state from the store: snapshot first, then the
// journal tail in order. Recovered actions re-enter where they left off —
// in particular, anything found DISPATCHED or RUNNING goes back through
// reconciliation, because its true remote outcome may have changed while the
// scheduler was down.
//
// Call after Apply (templates installed) and after the dispatcher has
// started, before Start.
func (m *Manager) Recover(ctx context.Context) error {
	if m.st == nil {
		return nil
	}
	snap, tail, err := m.st.Load(ctx)
	if err != nil {
		return fmt.Errorf("job: recovery load: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.reg.SeedPublished(snap.Published)
	for _, rr := range snap.Runs {
		if err := m.adoptRunLocked(rr); err != nil {
			return err
		}
	}
	for name, n := range snap.NextRunNums {
		js := m.ensureJobLocked(name)
		if n > js.nextRunNum {
			js.nextRunNum = n
		}
	}

	for _, rec := range tail {
		switch rec.Kind {
		case store.KindTrigger:
			m.reg.SeedPublished([]string{rec.ID})

		case store.KindJobRun:
			if rec.Create != nil {
				if err := m.adoptRunLocked(*rec.Create); err != nil {
					return err
				}
			}
			if jr := m.runs[rec.ID]; jr != nil && rec.NewState == run.JobCancelled.String() {
				jr.Cancelled = true
			}

		case store.KindActionRun:
			ref := m.actions[rec.ID]
			if ref == nil {
				continue
			}
			state, ok := run.ParseActionState(rec.NewState)
			if !ok {
				m.log.Warn("skipping transition with unknown state",
					logx.String("run", rec.ID), logx.String("state", rec.NewState))
				continue
			}
			a := ref.a
			a.State = state
			if rec.Attempt > 0 {
				a.Attempts = rec.Attempt
			}
			if rec.Node != "" {
				a.Node = rec.Node
			}
			if rec.ExitCode != nil {
				code := *rec.ExitCode
				a.ExitCode = &code
			}
			if rec.OutputRef != "" {
				a.OutputRef = rec.OutputRef
			}
		}
	}

	// Wait sets replay from the creation record; clear dependencies whose
	// upstream already succeeded. Trigger sets stay as created — the seeded
	// published set resolves them on re-registration.
	for _, jr := range m.runs {
		for _, a := range jr.Actions {
			if a.State != run.ActionSucceeded {
				continue
			}
			for _, b := range jr.Actions {
				delete(b.WaitingDeps, a.Name)
			}
		}
	}

	m.rearmLocked()
	return nil
}

// failedUpstream reports the first dependency that can never succeed.
func failedUpstream(jr *run.JobRun, a *run.ActionRun) (string, bool) {
	for _, b := range jr.Actions {
		if !a.WaitingDeps[b.Name] {
			continue
		}
		if b.State == run.ActionFailedTerminal || b.State == run.ActionSkipped {
			return b.Name, true
		}
	}
	return "", false
}

func (m *Manager) adoptRunLocked(rr store.JobRunRecord) error {
	if m.runs[rr.ID] != nil {
		return nil
	}
	jr, err := store.DecodeJobRun(rr)
	if err != nil {
		return fmt.Errorf("job: recovery decode: %w", err)
	}
	js := m.ensureJobLocked(jr.JobName)
	if jr.RunNum >= js.nextRunNum {
		js.nextRunNum = jr.RunNum + 1
	}
	m.runs[jr.ID] = jr
	for _, a := range jr.Actions {
		m.actions[a.ID] = &actionRef{js: js, jr: jr, a: a}
	}
	return nil
}

// rearmLocked puts every recovered run back in motion.
func (m *Manager) rearmLocked() {
	for _, jr := range m.runs {
		js := m.jobs[jr.JobName]

		if jr.State().Terminal() {
			js.history = append(js.history, jr)
			continue
		}
		js.active = append(js.active, jr)

		for _, a := range jr.Actions {
			switch a.State {
			case run.ActionWaitingDeps:
				// An upstream outcome can be durable while this action's
				// own release (or skip) transition was lost with the
				// unflushed journal buffer. Re-derive it from the
				// recovered upstream states.
				if name, failed := failedUpstream(jr, a); failed {
					m.transitionLocked(a, run.ActionSkipped, "upstream "+name+" failed")
					m.skipDependentsLocked(js, jr, a.Name)
					m.finishIfTerminalLocked(js, jr)
				} else if len(a.WaitingDeps) == 0 {
					if len(a.WaitingTriggers) > 0 {
						m.transitionLocked(a, run.ActionWaitingTrigger, "")
						m.registerTriggersLocked(a)
					} else {
						m.transitionLocked(a, run.ActionRunnable, "")
						m.enqueueDispatchLocked(js, jr, a)
					}
				}

			case run.ActionRunnable:
				m.enqueueDispatchLocked(js, jr, a)

			case run.ActionFailedRetryable:
				// The retry timer did not survive the restart; the delay
				// already elapsed from the operator's point of view.
				m.transitionLocked(a, run.ActionRunnable, "retry (recovered)")
				m.enqueueDispatchLocked(js, jr, a)

			case run.ActionWaitingTrigger:
				// Full timeout re-arms; already-published triggers resolve
				// immediately from the seeded set.
				m.registerTriggersLocked(a)

			case run.ActionDispatched, run.ActionRunning:
				js.inflight++
				m.slotHeld[a.ID] = true
				if err := m.disp.Reconcile(a.ID, jr.Pool, a.Node); err != nil {
					m.log.Error("reconcile entry failed", logx.String("run", a.ID), logx.Err(err))
					m.failRetryableLocked(js, jr, a, "reconcile: "+err.Error())
				}
			}
		}
	}

	for _, js := range m.jobs {
		sort.Slice(js.history, func(i, k int) bool {
			return js.history[i].RunNum < js.history[k].RunNum
		})
		sort.Slice(js.active, func(i, k int) bool {
			return js.active[i].RunNum < js.active[k].RunNum
		})
	}
}
