package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"cronfleet/internal/nodepool"
	"cronfleet/internal/runtime/supervisor"
	logx "cronfleet/pkg/logx"
)

// Config controls remote dispatch and reconciliation.
type Config struct {
	// StatusDir is the well-known remote location for status records.
	StatusDir string
	// DispatchTimeout bounds channel open plus start acknowledgment.
	DispatchTimeout time.Duration
	// ReconcileProbes is how many consecutive failed/absent probes are
	// attempted after a channel loss before the outcome is declared
	// indeterminate. A probe that finds the process still running resets
	// the budget.
	ReconcileProbes int
	ProbeBase       time.Duration
	ProbeMax        time.Duration
}

func (c Config) withDefaults() Config {
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 30 * time.Second
	}
	if c.ReconcileProbes <= 0 {
		c.ReconcileProbes = 5
	}
	if c.ProbeBase <= 0 {
		c.ProbeBase = 2 * time.Second
	}
	if c.ProbeMax <= 0 {
		c.ProbeMax = time.Minute
	}
	return c
}

var ErrAlreadyInFlight = errors.New("exec: action run already has an in-flight attempt")

// UpdateKind enumerates attempt progress reports.
type UpdateKind int

const (
	// UpdateDispatched: channel opened, request transmitted.
	UpdateDispatched UpdateKind = iota
	// UpdateStarted: remote process start acknowledged.
	UpdateStarted
	// UpdateExited: definitive exit status (channel return or probe).
	UpdateExited
	// UpdateLost: channel dropped, status unknown, reconciliation begins.
	UpdateLost
	// UpdateIndeterminate: probe budget exhausted with no definitive status.
	UpdateIndeterminate
	// UpdateDispatchError: node selection or channel open failed.
	UpdateDispatchError
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateDispatched:
		return "dispatched"
	case UpdateStarted:
		return "started"
	case UpdateExited:
		return "exited"
	case UpdateLost:
		return "lost"
	case UpdateIndeterminate:
		return "indeterminate"
	case UpdateDispatchError:
		return "dispatch_error"
	}
	return "unknown"
}

// Update is one attempt progress report, consumed by the graph manager.
type Update struct {
	RunID     string
	AttemptID string
	Kind      UpdateKind
	Node      string
	ExitCode  int
	OutputRef string
	Err       error
	At        time.Time
}

// Dispatcher owns remote attempts: exactly one in-flight attempt per
// ActionRun, each reported through the Updates channel in lifecycle order.
type Dispatcher struct {
	cfg   Config
	pools map[string]*nodepool.Pool
	log   logx.Logger

	mu       sync.Mutex
	sup      *supervisor.Supervisor
	inflight map[string]*attempt

	updates chan Update
}

type attempt struct {
	runID     string
	attemptID string
	cancel    context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	ch        nodepool.Channel
}

func (a *attempt) markCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelled {
		return false
	}
	a.cancelled = true
	return true
}

func (a *attempt) isCancelled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cancelled
}

func New(cfg Config, pools map[string]*nodepool.Pool, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:      cfg.withDefaults(),
		pools:    pools,
		log:      log,
		inflight: map[string]*attempt{},
		updates:  make(chan Update, 256),
	}
}

// Updates is the attempt progress stream. The graph manager is its only
// consumer and must drain it while the dispatcher runs.
func (d *Dispatcher) Updates() <-chan Update { return d.updates }

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sup != nil {
		return
	}
	d.sup = supervisor.New(ctx, supervisor.WithLogger(d.log.With(logx.String("comp", "dispatcher"))))
}

func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup != nil {
		_ = sup.Stop(ctx)
	}
}

// Request describes one dispatch.
type Request struct {
	RunID    string
	Pool     string
	Affinity string
	Command  string
}

// Dispatch moves an ActionRun's attempt onto a node. It enforces the single
// in-flight invariant: a second Dispatch for the same run id fails until the
// first attempt reaches a terminal update.
func (d *Dispatcher) Dispatch(req Request) error {
	pool := d.pools[req.Pool]
	if pool == nil {
		return NoRetry(fmt.Errorf("exec: unknown node pool %q", req.Pool))
	}

	d.mu.Lock()
	if d.sup == nil {
		d.mu.Unlock()
		return errors.New("exec: dispatcher not started")
	}
	if _, busy := d.inflight[req.RunID]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, req.RunID)
	}
	actx, cancel := context.WithCancel(d.sup.Context())
	at := &attempt{runID: req.RunID, attemptID: uuid.NewString(), cancel: cancel}
	d.inflight[req.RunID] = at
	sup := d.sup
	d.mu.Unlock()

	sup.Go0("dispatch:"+req.RunID, func(context.Context) {
		defer d.finish(at)
		d.runAttempt(actx, at, pool, req)
	})
	return nil
}

// Reconcile re-enters the reconciliation loop for an attempt whose channel
// (or whole scheduler) went away while the action was DISPATCHED or RUNNING.
// Used on startup recovery.
func (d *Dispatcher) Reconcile(runID, poolName, node string) error {
	pool := d.pools[poolName]
	if pool == nil {
		return NoRetry(fmt.Errorf("exec: unknown node pool %q", poolName))
	}

	d.mu.Lock()
	if d.sup == nil {
		d.mu.Unlock()
		return errors.New("exec: dispatcher not started")
	}
	if _, busy := d.inflight[runID]; busy {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyInFlight, runID)
	}
	actx, cancel := context.WithCancel(d.sup.Context())
	// A recovered attempt gets a fresh id: the original one died with the
	// previous process, and updates must stay uniformly keyed.
	at := &attempt{runID: runID, attemptID: uuid.NewString(), cancel: cancel}
	d.inflight[runID] = at
	sup := d.sup
	d.mu.Unlock()

	sup.Go0("reconcile:"+runID, func(context.Context) {
		defer d.finish(at)
		d.reconcileLoop(actx, at, pool, node)
	})
	return nil
}

// Cancel best-effort terminates the in-flight attempt for runID. Any further
// updates from that attempt are suppressed; a remote process that ignores the
// signal keeps running but its outcome is discarded.
func (d *Dispatcher) Cancel(runID string) {
	d.mu.Lock()
	at := d.inflight[runID]
	d.mu.Unlock()
	if at == nil {
		return
	}
	if !at.markCancelled() {
		return
	}
	at.mu.Lock()
	ch := at.ch
	at.mu.Unlock()
	if ch != nil {
		tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := ch.Terminate(tctx); err != nil {
			d.log.Debug("terminate signal failed", logx.String("run_id", runID), logx.Err(err))
		}
		tcancel()
	}
	at.cancel()
}

// InFlight reports whether runID currently has an attempt.
func (d *Dispatcher) InFlight(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.inflight[runID]
	return ok
}

func (d *Dispatcher) finish(at *attempt) {
	d.mu.Lock()
	if d.inflight[at.runID] == at {
		delete(d.inflight, at.runID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) emit(at *attempt, u Update) {
	if at.isCancelled() {
		return
	}
	u.RunID = at.runID
	u.AttemptID = at.attemptID
	if u.At.IsZero() {
		u.At = time.Now()
	}
	d.updates <- u
}

func (d *Dispatcher) runAttempt(ctx context.Context, at *attempt, pool *nodepool.Pool, req Request) {
	openCtx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
	node, ch, release, err := pool.Open(openCtx, req.Affinity, nodepool.Request{
		RunID:     req.RunID,
		AttemptID: at.attemptID,
		Command:   req.Command,
		StatusDir: d.cfg.StatusDir,
	})
	cancel()
	if err != nil {
		d.emit(at, Update{Kind: UpdateDispatchError, Err: err})
		return
	}
	defer release()
	defer ch.Close()

	at.mu.Lock()
	at.ch = ch
	at.mu.Unlock()

	d.emit(at, Update{Kind: UpdateDispatched, Node: node.Name})

	// Wait for the start acknowledgment.
	startTmr := time.NewTimer(d.cfg.DispatchTimeout)
	select {
	case <-ctx.Done():
		startTmr.Stop()
		return
	case <-startTmr.C:
		// No ack: treat like a lost channel and fall through to probing.
		d.emit(at, Update{Kind: UpdateLost, Node: node.Name, Err: errors.New("start ack timeout")})
		d.reconcileLoop(ctx, at, pool, node.Name)
		return
	case err := <-ch.Started():
		startTmr.Stop()
		if err != nil {
			d.emit(at, Update{Kind: UpdateDispatchError, Node: node.Name, Err: err})
			return
		}
	}
	d.emit(at, Update{Kind: UpdateStarted, Node: node.Name})

	select {
	case <-ctx.Done():
		return
	case st := <-ch.Wait():
		if !st.Lost {
			d.emit(at, Update{Kind: UpdateExited, Node: node.Name, ExitCode: st.Code})
			return
		}
		// Long-running remote actions must not be misreported as failed
		// because of a transient network blip: reconcile out of band.
		d.emit(at, Update{Kind: UpdateLost, Node: node.Name, Err: st.Err})
		d.reconcileLoop(ctx, at, pool, node.Name)
	}
}

// reconcileLoop probes the node's status record until it shows a definitive
// outcome, the probe budget runs out, or the attempt is cancelled. A record
// showing the process still running resets the budget: the outcome is not in
// doubt, only not yet decided.
func (d *Dispatcher) reconcileLoop(ctx context.Context, at *attempt, pool *nodepool.Pool, node string) {
	strikes := 0
	delay := d.cfg.ProbeBase
	for {
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}

		pctx, cancel := context.WithTimeout(ctx, d.cfg.DispatchTimeout)
		rec, err := pool.ProbeStatus(pctx, node, at.runID)
		cancel()

		switch {
		case err == nil && rec.EndedAt != nil && rec.ExitCode != nil:
			d.emit(at, Update{Kind: UpdateExited, Node: node, ExitCode: *rec.ExitCode, OutputRef: rec.OutputRef})
			return
		case err == nil:
			// Record exists but no end yet: still running remotely.
			strikes = 0
			delay = d.cfg.ProbeMax
			d.log.Debug("remote attempt still running", logx.String("run_id", at.runID), logx.String("node", node))
			continue
		default:
			strikes++
			d.log.Debug("reconcile probe failed",
				logx.String("run_id", at.runID), logx.String("node", node),
				logx.Int("strikes", strikes), logx.Err(err))
			if strikes >= d.cfg.ReconcileProbes {
				d.emit(at, Update{Kind: UpdateIndeterminate, Node: node, Err: err})
				return
			}
			delay *= 2
			if delay > d.cfg.ProbeMax {
				delay = d.cfg.ProbeMax
			}
		}
	}
}
