// Package job owns job definitions and their runs: it fires JobRuns from
// schedule timers, walks each run's action graph through the action state
// machine, aggregates action states into job-run state, and records every
// transition through the store and the event bus.
package job

import (
	"context"
	"errors"
	"sync"
	"time"

	"cronfleet/internal/config"
	"cronfleet/internal/eventbus"
	"cronfleet/internal/run"
	"cronfleet/internal/run/exec"
	"cronfleet/internal/runtime/supervisor"
	"cronfleet/internal/store"
	"cronfleet/internal/trigger"
	logx "cronfleet/pkg/logx"
)

// Config tunes the graph manager.
type Config struct {
	// Namespace prefixes published trigger names.
	Namespace string
	// JobConcurrency bounds in-flight dispatches per JobRun. Default 8.
	JobConcurrency int
	// SnapshotInterval is how often the full state is snapshotted for
	// journal compaction. Default 5m. Ignored without a store.
	SnapshotInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Namespace == "" {
		c.Namespace = "MASTER"
	}
	if c.JobConcurrency <= 0 {
		c.JobConcurrency = 8
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 5 * time.Minute
	}
	return c
}

// Deps are the collaborators the manager drives. Store may be nil (no
// persistence); everything else is required.
type Deps struct {
	Log        logx.Logger
	Bus        eventbus.Bus
	Store      store.Store
	Triggers   *trigger.Registry
	Dispatcher *exec.Dispatcher
}

// Manager is the single scheduling authority. One transition lock serializes
// all state-machine transitions; only remote dispatch and status probes (owned
// by the dispatcher) block on external I/O.
type Manager struct {
	cfg  Config
	log  logx.Logger
	bus  eventbus.Bus
	st   store.Store
	reg  *trigger.Registry
	disp *exec.Dispatcher

	mu        sync.Mutex
	templates map[string]*Template
	jobs      map[string]*jobState
	runs      map[string]*run.JobRun // jobRunID -> run, active + retained
	actions   map[string]*actionRef  // actionRunID -> owning run/action

	retryTimers map[string]*time.Timer // actionRunID -> pending retry re-entry
	slotHeld    map[string]bool        // actionRunID -> holds a job dispatch slot

	sup *supervisor.Supervisor

	fatalOnce sync.Once
	fatal     chan error
}

type actionRef struct {
	js *jobState
	jr *run.JobRun
	a  *run.ActionRun
}

// jobState is the per-job scheduling state, persistent across template
// generations.
type jobState struct {
	name string
	tmpl *Template // nil for adopted runs of jobs absent from the generation

	cancelLoop context.CancelFunc

	nextRunNum int64
	active     []*run.JobRun
	pending    []*run.JobRun // created but held back by overlap policy
	history    []*run.JobRun // terminal, oldest first

	inflight      int
	dispatchQueue []string // runnable actionRunIDs waiting for a job slot
}

func New(cfg Config, deps Deps) *Manager {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{
		cfg:         cfg.withDefaults(),
		log:         log,
		bus:         deps.Bus,
		st:          deps.Store,
		reg:         deps.Triggers,
		disp:        deps.Dispatcher,
		templates:   map[string]*Template{},
		jobs:        map[string]*jobState{},
		runs:        map[string]*run.JobRun{},
		actions:     map[string]*actionRef{},
		retryTimers: map[string]*time.Timer{},
		slotHeld:    map[string]bool{},
		fatal:       make(chan error, 1),
	}
}

// Fatal delivers the first unrecoverable fault (persistence failure). The
// scheduling authority must stop rather than continue with inconsistent
// durable state.
func (m *Manager) Fatal() <-chan error { return m.fatal }

func (m *Manager) fail(err error) {
	m.fatalOnce.Do(func() {
		m.log.Error("fatal scheduler fault", logx.Err(err))
		m.fatal <- err
	})
}

// Start begins consuming dispatcher updates and starts schedule loops for
// every enabled job in the current generation.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sup != nil {
		return
	}
	m.sup = supervisor.New(ctx, supervisor.WithLogger(m.log.With(logx.String("comp", "jobmgr"))))

	m.sup.Go0("updates", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case u := <-m.disp.Updates():
				m.applyUpdate(u)
			}
		}
	})

	if m.st != nil {
		m.sup.Go0("snapshots", func(ctx context.Context) {
			tick := time.NewTicker(m.cfg.SnapshotInterval)
			defer tick.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-tick.C:
					m.snapshot(ctx)
				}
			}
		})
	}

	for name := range m.templates {
		m.startLoopLocked(m.jobs[name])
	}
}

// Stop halts scheduling, freezes pending retries, and flushes durable state.
// In-flight remote attempts are abandoned to reconciliation on next start.
func (m *Manager) Stop(ctx context.Context) {
	m.mu.Lock()
	for _, js := range m.jobs {
		if js.cancelLoop != nil {
			js.cancelLoop()
			js.cancelLoop = nil
		}
	}
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	sup := m.sup
	m.sup = nil
	m.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	if m.st != nil {
		m.snapshot(ctx)
		if err := m.st.Flush(ctx); err != nil && !errors.Is(err, store.ErrDisabled) {
			m.log.Warn("final flush failed", logx.Err(err))
		}
	}
}

// Apply installs a configuration generation. The template set is replaced
// wholesale; runs already instantiated keep the template they were built
// from. Schedule loops restart against the new specs.
func (m *Manager) Apply(templates map[string]*Template) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, js := range m.jobs {
		if _, keep := templates[name]; !keep {
			if js.cancelLoop != nil {
				js.cancelLoop()
				js.cancelLoop = nil
			}
			js.tmpl = nil
		}
	}
	m.templates = templates
	for name, t := range templates {
		js := m.ensureJobLocked(name)
		js.tmpl = t
		if js.cancelLoop != nil {
			js.cancelLoop()
			js.cancelLoop = nil
		}
		m.startLoopLocked(js)
	}
}

// ApplyConfig is Apply for a raw validated config.
func (m *Manager) ApplyConfig(cfg *config.Config) error {
	ts, err := BuildTemplates(cfg)
	if err != nil {
		return err
	}
	m.Apply(ts)
	return nil
}

func (m *Manager) ensureJobLocked(name string) *jobState {
	js := m.jobs[name]
	if js == nil {
		js = &jobState{name: name, nextRunNum: 1}
		m.jobs[name] = js
	}
	return js
}

func (m *Manager) startLoopLocked(js *jobState) {
	if m.sup == nil || js == nil || js.tmpl == nil || !js.tmpl.Enabled {
		return
	}
	ctx, cancel := context.WithCancel(m.sup.Context())
	js.cancelLoop = cancel
	tmpl := js.tmpl
	m.sup.Go0("job:"+js.name, func(context.Context) {
		m.scheduleLoop(ctx, js.name, tmpl)
	})
}

// scheduleLoop sleeps until each next fire time and fires the job. It holds
// no locks between fires; a generation swap cancels it and starts a fresh
// loop against the new spec.
func (m *Manager) scheduleLoop(ctx context.Context, name string, tmpl *Template) {
	for {
		next, ok := tmpl.Spec.Next(time.Now())
		if !ok {
			m.log.Info("schedule never fires again; job idle", logx.String("job", name))
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		m.mu.Lock()
		js := m.jobs[name]
		if js == nil || js.tmpl != tmpl {
			m.mu.Unlock()
			return
		}
		m.fireLocked(js, next)
		m.mu.Unlock()
	}
}

// fireLocked instantiates one JobRun at the given fire time and applies the
// job's overlap policy.
func (m *Manager) fireLocked(js *jobState, fireTime time.Time) *run.JobRun {
	tmpl := js.tmpl
	if tmpl == nil {
		return nil
	}

	if tmpl.Overlap == config.OverlapCancel {
		// Cancel-existing: the newest data wins, stale runs are skipped.
		for _, jr := range append(append([]*run.JobRun{}, js.active...), js.pending...) {
			m.cancelRunLocked(js, jr, "superseded by "+run.JobRunID(js.name, js.nextRunNum))
		}
	}

	jr := tmpl.Instantiate(m.cfg.Namespace, js.nextRunNum, fireTime)
	js.nextRunNum++

	m.runs[jr.ID] = jr
	for _, a := range jr.Actions {
		m.actions[a.ID] = &actionRef{js: js, jr: jr, a: a}
	}

	create := store.EncodeJobRun(jr)
	m.record(store.Record{
		Kind:     store.KindJobRun,
		ID:       jr.ID,
		NewState: "queued",
		At:       time.Now(),
		Create:   &create,
	})

	js.pending = append(js.pending, jr)
	m.pumpLocked(js)
	return jr
}

// pumpLocked starts pending runs while the overlap policy allows.
func (m *Manager) pumpLocked(js *jobState) {
	max := 1
	if js.tmpl != nil {
		max = js.tmpl.MaxActive
	}
	for len(js.pending) > 0 && (max == 0 || len(js.active) < max) {
		jr := js.pending[0]
		js.pending = js.pending[1:]
		if jr.State().Terminal() { // cancelled while queued
			m.retireLocked(js, jr)
			continue
		}
		js.active = append(js.active, jr)
		m.record(store.Record{
			Kind:     store.KindJobRun,
			ID:       jr.ID,
			OldState: "queued",
			NewState: run.JobRunning.String(),
			At:       time.Now(),
		})
		m.startRunLocked(js, jr)
	}
}

// startRunLocked kicks off a freshly activated run: runnable actions are
// dispatched, trigger waits are registered.
func (m *Manager) startRunLocked(js *jobState, jr *run.JobRun) {
	for _, a := range jr.Actions {
		switch a.State {
		case run.ActionRunnable:
			m.enqueueDispatchLocked(js, jr, a)
		case run.ActionWaitingTrigger:
			m.registerTriggersLocked(a)
		}
	}
}

// enqueueDispatchLocked dispatches a runnable action if the per-job
// concurrency bound has room, otherwise parks it until a slot frees up.
func (m *Manager) enqueueDispatchLocked(js *jobState, jr *run.JobRun, a *run.ActionRun) {
	if js.inflight >= m.cfg.JobConcurrency {
		js.dispatchQueue = append(js.dispatchQueue, a.ID)
		return
	}
	m.dispatchLocked(js, jr, a)
}

func (m *Manager) dispatchLocked(js *jobState, jr *run.JobRun, a *run.ActionRun) {
	js.inflight++
	m.slotHeld[a.ID] = true
	a.Attempts++

	err := m.disp.Dispatch(exec.Request{
		RunID:    a.ID,
		Pool:     jr.Pool,
		Affinity: a.NodeAffinity,
		Command:  a.Command,
	})
	if err != nil {
		m.log.Error("dispatch refused", logx.String("run", a.ID), logx.Err(err))
		if exec.IsNoRetry(err) {
			m.failTerminalLocked(js, jr, a, "dispatch: "+err.Error())
			return
		}
		m.failRetryableLocked(js, jr, a, "dispatch: "+err.Error())
	}
}

// releaseSlotLocked frees an action's job-concurrency slot (at most once) and
// feeds the dispatch queue.
func (m *Manager) releaseSlotLocked(js *jobState, actionID string) {
	if !m.slotHeld[actionID] {
		return
	}
	delete(m.slotHeld, actionID)
	js.inflight--

	for len(js.dispatchQueue) > 0 && js.inflight < m.cfg.JobConcurrency {
		id := js.dispatchQueue[0]
		js.dispatchQueue = js.dispatchQueue[1:]
		ref := m.actions[id]
		if ref == nil || ref.a.State != run.ActionRunnable {
			continue
		}
		m.dispatchLocked(ref.js, ref.jr, ref.a)
	}
}

// snapshot captures the full live state for journal compaction.
func (m *Manager) snapshot(ctx context.Context) {
	if m.st == nil {
		return
	}
	m.mu.Lock()
	snap := store.Snapshot{
		TakenAt:     time.Now(),
		NextRunNums: map[string]int64{},
	}
	for name, js := range m.jobs {
		snap.NextRunNums[name] = js.nextRunNum
	}
	for _, jr := range m.runs {
		snap.Runs = append(snap.Runs, store.EncodeJobRun(jr))
	}
	snap.Published = m.reg.Published()
	m.mu.Unlock()

	if err := m.st.SaveSnapshot(ctx, snap); err != nil {
		m.fail(err)
	}
}

// record persists a transition and mirrors it onto the event bus. A durable
// write failure is fatal for the scheduling authority.
func (m *Manager) record(rec store.Record) {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	if m.st != nil {
		if err := m.st.AppendTransition(context.Background(), rec); err != nil {
			m.fail(err)
		}
	}
	m.bus.Publish(eventbus.Event{
		EntityKind: rec.Kind,
		EntityID:   rec.ID,
		OldState:   rec.OldState,
		NewState:   rec.NewState,
		Time:       rec.At,
		Data:       rec.Cause,
	})
}
