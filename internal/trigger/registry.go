// Package trigger matches published completion triggers against registered
// wait sets, unblocking action runs that synchronize across jobs.
//
// A trigger string names one specific action-run completion, with run-context
// tokens already resolved (e.g. "MASTER.one.one.ymdhm.202406011200"). A
// publisher emits resolved strings on success; a waiter becomes ready only
// when every string in its set has been published, or fails terminally when
// its timeout elapses first.
package trigger

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"cronfleet/internal/eventbus"
	logx "cronfleet/pkg/logx"
)

// EntityKind is the event-bus entity kind for published triggers.
const EntityKind = "trigger"

// StatePublished is the NewState value carried by trigger publish events.
const StatePublished = "published"

const shardCount = 16

// Callbacks receive waiter lifecycle notifications. They are invoked outside
// registry locks; implementations may re-enter the registry.
type Callbacks struct {
	// OnResolved fires once per trigger string as it is published.
	OnResolved func(runID, trigger string)
	// OnReady fires once when the waiter's set becomes empty.
	OnReady func(runID string)
	// OnTimeout fires if the timeout elapses with the set non-empty.
	// Timeouts bypass retries: waiting longer does not change the external
	// fact being waited for.
	OnTimeout func(runID string, unresolved []string)
}

type waiter struct {
	runID string
	cb    Callbacks

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	done    bool
}

type shard struct {
	mu        sync.Mutex
	published map[string]bool
	waiters   map[string]map[string]*waiter // trigger -> runID -> waiter
}

// Registry holds waiters per resolved trigger string. State is sharded by
// trigger string so unrelated jobs never serialize on one lock.
type Registry struct {
	log    logx.Logger
	shards [shardCount]*shard
}

func New(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Registry{log: log}
	for i := range r.shards {
		r.shards[i] = &shard{
			published: map[string]bool{},
			waiters:   map[string]map[string]*waiter{},
		}
	}
	return r
}

func (r *Registry) shardFor(trigger string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(trigger))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a waiter for the given trigger strings. Strings already
// published resolve immediately; if everything is already resolved, OnReady
// fires before Register returns. A waiter is held until it resolves, times
// out, or is cancelled — publishers may not even be scheduled yet.
func (r *Registry) Register(runID string, triggers []string, timeout time.Duration, cb Callbacks) {
	w := &waiter{runID: runID, cb: cb, pending: map[string]bool{}}
	for _, trig := range triggers {
		w.pending[trig] = true
	}

	// The full pending set is in place before the waiter becomes visible in
	// any shard, so a Publish racing the registration can never observe a
	// half-built set as empty and fire OnReady early.
	var immediate []string
	for _, trig := range triggers {
		sh := r.shardFor(trig)
		sh.mu.Lock()
		if sh.published[trig] {
			immediate = append(immediate, trig)
		} else {
			m := sh.waiters[trig]
			if m == nil {
				m = map[string]*waiter{}
				sh.waiters[trig] = m
			}
			m[runID] = w
		}
		sh.mu.Unlock()
	}

	for _, trig := range immediate {
		r.resolve(w, trig)
	}

	// resolve owns OnReady once anything was pending; the direct path here
	// only covers an empty trigger set. The done flag keeps the two sides
	// from both firing.
	w.mu.Lock()
	ready := !w.done && len(w.pending) == 0
	if ready {
		w.done = true
	} else if !w.done && timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { r.timeout(w) })
	}
	w.mu.Unlock()

	if ready && cb.OnReady != nil {
		cb.OnReady(runID)
	}
}

// Publish records a resolved trigger string and releases its waiters. The
// string stays recorded so late registrants resolve immediately regardless of
// publisher/waiter instantiation order.
func (r *Registry) Publish(trigger string) {
	sh := r.shardFor(trigger)
	sh.mu.Lock()
	sh.published[trigger] = true
	m := sh.waiters[trigger]
	delete(sh.waiters, trigger)
	ws := make([]*waiter, 0, len(m))
	for _, w := range m {
		ws = append(ws, w)
	}
	sh.mu.Unlock()

	for _, w := range ws {
		r.resolve(w, trigger)
	}
}

func (r *Registry) resolve(w *waiter, trigger string) {
	w.mu.Lock()
	if w.done || !w.pending[trigger] {
		w.mu.Unlock()
		return
	}
	delete(w.pending, trigger)
	ready := len(w.pending) == 0
	if ready {
		w.done = true
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
	}
	w.mu.Unlock()

	if w.cb.OnResolved != nil {
		w.cb.OnResolved(w.runID, trigger)
	}
	if ready && w.cb.OnReady != nil {
		w.cb.OnReady(w.runID)
	}
}

func (r *Registry) timeout(w *waiter) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		return
	}
	w.done = true
	w.timer = nil
	unresolved := make([]string, 0, len(w.pending))
	for trig := range w.pending {
		unresolved = append(unresolved, trig)
	}
	w.mu.Unlock()
	sort.Strings(unresolved)

	r.detach(w, unresolved)
	r.log.Debug("trigger wait timed out", logx.String("run_id", w.runID), logx.Any("unresolved", unresolved))
	if w.cb.OnTimeout != nil {
		w.cb.OnTimeout(w.runID, unresolved)
	}
}

// Cancel removes a waiter whose run was cancelled or failed for another
// cause. Its timeout timer is stopped immediately.
func (r *Registry) Cancel(runID string) {
	// A run registers at most one waiter; sweep all shards for its entries.
	var cancelled *waiter
	for _, sh := range r.shards {
		sh.mu.Lock()
		for trig, m := range sh.waiters {
			if w, ok := m[runID]; ok {
				cancelled = w
				delete(m, runID)
				if len(m) == 0 {
					delete(sh.waiters, trig)
				}
			}
		}
		sh.mu.Unlock()
	}
	if cancelled == nil {
		return
	}
	cancelled.mu.Lock()
	cancelled.done = true
	if cancelled.timer != nil {
		cancelled.timer.Stop()
		cancelled.timer = nil
	}
	cancelled.mu.Unlock()
}

func (r *Registry) detach(w *waiter, triggers []string) {
	for _, trig := range triggers {
		sh := r.shardFor(trig)
		sh.mu.Lock()
		if m := sh.waiters[trig]; m != nil {
			if m[w.runID] == w {
				delete(m, w.runID)
			}
			if len(m) == 0 {
				delete(sh.waiters, trig)
			}
		}
		sh.mu.Unlock()
	}
}

// Published returns every recorded trigger string, sorted. Used for state
// snapshots.
func (r *Registry) Published() []string {
	var out []string
	for _, sh := range r.shards {
		sh.mu.Lock()
		for trig := range sh.published {
			out = append(out, trig)
		}
		sh.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// SeedPublished reloads previously published triggers on recovery, without
// re-notifying waiters (none exist yet at recovery time).
func (r *Registry) SeedPublished(triggers []string) {
	for _, trig := range triggers {
		sh := r.shardFor(trig)
		sh.mu.Lock()
		sh.published[trig] = true
		sh.mu.Unlock()
	}
}

// Run consumes trigger publish events from the bus until ctx is cancelled.
// The graph manager emits one event per resolved trigger string on publisher
// success; external publishers can feed the same channel.
func (r *Registry) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe("trigger-registry")
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.EntityKind != EntityKind || e.NewState != StatePublished {
				continue
			}
			r.Publish(e.EntityID)
		}
	}
}
