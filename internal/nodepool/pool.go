package nodepool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	logx "cronfleet/pkg/logx"
)

// Config controls a node pool.
type Config struct {
	// MaxFailures marks a node degraded after this many consecutive
	// connection failures.
	MaxFailures int
	// HealthInterval paces re-admission checks for degraded nodes.
	HealthInterval time.Duration
	// NodeConcurrency bounds concurrent open channels per node.
	NodeConcurrency int
	// DispatchPerSec rate-limits channel opens per node (backpressure for
	// remote hosts). 0 disables limiting.
	DispatchPerSec int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.NodeConcurrency <= 0 {
		c.NodeConcurrency = 4
	}
	return c
}

var (
	ErrNoNodes     = errors.New("nodepool: no usable nodes")
	ErrUnknownNode = errors.New("nodepool: unknown node")
)

// Pool holds a named set of nodes with a round-robin selection policy,
// per-node concurrency bounds, and degradation tracking. It does not retry
// commands; retry policy belongs to the action state machine.
type Pool struct {
	name      string
	transport Transport
	cfg       Config
	log       logx.Logger

	mu    sync.Mutex
	order []string
	next  int

	// Per-node state carries its own lock so unrelated nodes never
	// serialize on each other.
	nodes map[string]*nodeState
}

type nodeState struct {
	mu       sync.Mutex
	node     Node
	failures int
	degraded bool

	sem *semaphore.Weighted
	lim *rate.Limiter
}

func New(name string, nodes []Node, transport Transport, cfg Config, log logx.Logger) (*Pool, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("nodepool %q: at least one node required", name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	p := &Pool{
		name:      name,
		transport: transport,
		cfg:       cfg,
		log:       log.With(logx.String("pool", name)),
		nodes:     map[string]*nodeState{},
	}
	for _, n := range nodes {
		if _, dup := p.nodes[n.Name]; dup {
			return nil, fmt.Errorf("nodepool %q: duplicate node %q", name, n.Name)
		}
		ns := &nodeState{
			node: n,
			sem:  semaphore.NewWeighted(int64(cfg.NodeConcurrency)),
		}
		if cfg.DispatchPerSec > 0 {
			ns.lim = rate.NewLimiter(rate.Limit(cfg.DispatchPerSec), cfg.DispatchPerSec)
		}
		p.nodes[n.Name] = ns
		p.order = append(p.order, n.Name)
	}
	return p, nil
}

func (p *Pool) Name() string { return p.name }

// Nodes returns the node names in selection order.
func (p *Pool) Nodes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// select picks the next usable node round-robin, or honors affinity.
func (p *Pool) pick(affinity string) (*nodeState, error) {
	if affinity != "" {
		p.mu.Lock()
		ns := p.nodes[affinity]
		p.mu.Unlock()
		if ns == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownNode, affinity)
		}
		// Affinity overrides degradation: a pinned action has nowhere
		// else to go, so let the dispatch attempt surface the error.
		return ns, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < len(p.order); i++ {
		ns := p.nodes[p.order[p.next%len(p.order)]]
		p.next++
		ns.mu.Lock()
		ok := !ns.degraded
		ns.mu.Unlock()
		if ok {
			return ns, nil
		}
	}
	return nil, ErrNoNodes
}

// Open selects a node and opens a remote execution channel. The returned
// release function must be called once the channel is finished with; it frees
// the node's concurrency slot.
func (p *Pool) Open(ctx context.Context, affinity string, req Request) (Node, Channel, func(), error) {
	ns, err := p.pick(affinity)
	if err != nil {
		return Node{}, nil, nil, err
	}

	if err := ns.sem.Acquire(ctx, 1); err != nil {
		return Node{}, nil, nil, fmt.Errorf("nodepool: acquire slot on %s: %w", ns.node.Name, err)
	}
	release := func() { ns.sem.Release(1) }

	if ns.lim != nil {
		if err := ns.lim.Wait(ctx); err != nil {
			release()
			return Node{}, nil, nil, fmt.Errorf("nodepool: rate wait on %s: %w", ns.node.Name, err)
		}
	}

	// {node} can only resolve once a node is picked.
	req.Command = strings.ReplaceAll(req.Command, "{node}", ns.node.Name)

	ch, err := p.transport.Open(ctx, ns.node, req)
	if err != nil {
		release()
		p.noteFailure(ns)
		return Node{}, nil, nil, fmt.Errorf("nodepool: open channel to %s: %w", ns.node.Name, err)
	}
	p.noteSuccess(ns)
	return ns.node, ch, release, nil
}

// ProbeStatus reads the status record for runID on the named node. The read
// is idempotent; callers may probe any number of times.
func (p *Pool) ProbeStatus(ctx context.Context, nodeName, runID string) (StatusRecord, error) {
	p.mu.Lock()
	ns := p.nodes[nodeName]
	p.mu.Unlock()
	if ns == nil {
		return StatusRecord{}, fmt.Errorf("%w: %q", ErrUnknownNode, nodeName)
	}
	rec, err := p.transport.ProbeStatus(ctx, ns.node, runID)
	if err != nil && !errors.Is(err, ErrStatusAbsent) {
		p.noteFailure(ns)
		return StatusRecord{}, err
	}
	if err == nil {
		p.noteSuccess(ns)
	}
	return rec, err
}

func (p *Pool) noteFailure(ns *nodeState) {
	ns.mu.Lock()
	ns.failures++
	trip := !ns.degraded && ns.failures >= p.cfg.MaxFailures
	if trip {
		ns.degraded = true
	}
	ns.mu.Unlock()
	if trip {
		p.log.Warn("node degraded", logx.String("node", ns.node.Name), logx.Int("failures", p.cfg.MaxFailures))
	}
}

func (p *Pool) noteSuccess(ns *nodeState) {
	ns.mu.Lock()
	ns.failures = 0
	was := ns.degraded
	ns.degraded = false
	ns.mu.Unlock()
	if was {
		p.log.Info("node recovered", logx.String("node", ns.node.Name))
	}
}

// Degraded reports whether the named node is currently excluded from
// round-robin selection.
func (p *Pool) Degraded(nodeName string) bool {
	p.mu.Lock()
	ns := p.nodes[nodeName]
	p.mu.Unlock()
	if ns == nil {
		return false
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.degraded
}

// RunHealthChecks pings degraded nodes until ctx is cancelled, re-admitting
// nodes on a successful check. Meant to run under a supervisor.
func (p *Pool) RunHealthChecks(ctx context.Context) {
	tick := time.NewTicker(p.cfg.HealthInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			p.checkDegraded(ctx)
		}
	}
}

func (p *Pool) checkDegraded(ctx context.Context) {
	p.mu.Lock()
	all := make([]*nodeState, 0, len(p.nodes))
	for _, ns := range p.nodes {
		all = append(all, ns)
	}
	p.mu.Unlock()

	for _, ns := range all {
		ns.mu.Lock()
		degraded := ns.degraded
		ns.mu.Unlock()
		if !degraded {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := p.transport.Ping(pctx, ns.node)
		cancel()
		if err != nil {
			p.log.Debug("health check failed", logx.String("node", ns.node.Name), logx.Err(err))
			continue
		}
		p.noteSuccess(ns)
	}
}
