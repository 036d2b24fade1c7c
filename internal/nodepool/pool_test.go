package nodepool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "cronfleet/pkg/logx"
)

// fakeChannel is a scriptable Channel for pool tests.
type fakeChannel struct {
	started chan error
	wait    chan ExitStatus
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{started: make(chan error, 1), wait: make(chan ExitStatus, 1)}
}

func (c *fakeChannel) Started() <-chan error               { return c.started }
func (c *fakeChannel) Wait() <-chan ExitStatus             { return c.wait }
func (c *fakeChannel) Terminate(ctx context.Context) error { return nil }
func (c *fakeChannel) Close() error                        { return nil }

type fakeTransport struct {
	mu      sync.Mutex
	openErr map[string]error // node name -> error
	pingErr map[string]error
	records map[string]StatusRecord // runID -> record
	opened  []string                // node names in open order
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		openErr: map[string]error{},
		pingErr: map[string]error{},
		records: map[string]StatusRecord{},
	}
}

func (t *fakeTransport) Open(ctx context.Context, node Node, req Request) (Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.openErr[node.Name]; err != nil {
		return nil, err
	}
	t.opened = append(t.opened, node.Name)
	return newFakeChannel(), nil
}

func (t *fakeTransport) ProbeStatus(ctx context.Context, node Node, runID string) (StatusRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[runID]
	if !ok {
		return StatusRecord{}, ErrStatusAbsent
	}
	return rec, nil
}

func (t *fakeTransport) Ping(ctx context.Context, node Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pingErr[node.Name]
}

func testNodes() []Node {
	return []Node{
		{Name: "n1", Host: "n1.example"},
		{Name: "n2", Host: "n2.example"},
	}
}

func TestOpenRoundRobin(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p, err := New("batch", testNodes(), tr, Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, ch, release, err := p.Open(ctx, "", Request{RunID: "job.x.0.a"})
		if err != nil {
			t.Fatalf("Open %d: %v", i, err)
		}
		_ = ch
		release()
	}

	tr.mu.Lock()
	defer tr.mu.Unlock()
	want := []string{"n1", "n2", "n1", "n2"}
	if len(tr.opened) != len(want) {
		t.Fatalf("opened = %v, want %v", tr.opened, want)
	}
	for i := range want {
		if tr.opened[i] != want[i] {
			t.Fatalf("opened = %v, want %v", tr.opened, want)
		}
	}
}

func TestOpenAffinity(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p, err := New("batch", testNodes(), tr, Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	node, _, release, err := p.Open(context.Background(), "n2", Request{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	release()
	if node.Name != "n2" {
		t.Fatalf("affinity pick = %s, want n2", node.Name)
	}

	if _, _, _, err := p.Open(context.Background(), "missing", Request{}); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestDegradeAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.openErr["n1"] = errors.New("connection refused")
	p, err := New("batch", testNodes(), tr, Config{MaxFailures: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	failures := 0
	for i := 0; i < 6; i++ {
		_, _, release, err := p.Open(ctx, "", Request{})
		if err != nil {
			failures++
			continue
		}
		release()
	}
	if failures < 2 {
		t.Fatalf("expected at least 2 open failures before degradation, got %d", failures)
	}
	if !p.Degraded("n1") {
		t.Fatal("n1 should be degraded after consecutive failures")
	}
	if p.Degraded("n2") {
		t.Fatal("n2 should not be degraded")
	}

	// Selection now avoids n1.
	for i := 0; i < 3; i++ {
		node, _, release, err := p.Open(ctx, "", Request{})
		if err != nil {
			t.Fatalf("Open after degrade: %v", err)
		}
		release()
		if node.Name != "n2" {
			t.Fatalf("selected degraded node %s", node.Name)
		}
	}
}

func TestHealthCheckReadmitsNode(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	tr.openErr["n1"] = errors.New("connection refused")
	p, err := New("batch", testNodes(), tr, Config{MaxFailures: 1, HealthInterval: 10 * time.Millisecond}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	// Trip degradation.
	for i := 0; i < 2; i++ {
		if _, _, release, err := p.Open(ctx, "", Request{}); err == nil {
			release()
		}
	}
	if !p.Degraded("n1") {
		t.Fatal("n1 should be degraded")
	}

	// Node comes back; a health pass re-admits it.
	tr.mu.Lock()
	delete(tr.openErr, "n1")
	tr.mu.Unlock()
	p.checkDegraded(ctx)
	if p.Degraded("n1") {
		t.Fatal("n1 should be re-admitted after successful health check")
	}
}

func TestProbeStatusAbsent(t *testing.T) {
	t.Parallel()
	tr := newFakeTransport()
	p, err := New("batch", testNodes(), tr, Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.ProbeStatus(context.Background(), "n1", "job.x.0.a"); !errors.Is(err, ErrStatusAbsent) {
		t.Fatalf("expected ErrStatusAbsent, got %v", err)
	}

	done := time.Now()
	code := 0
	tr.mu.Lock()
	tr.records["job.x.0.a"] = StatusRecord{RunID: "job.x.0.a", StartedAt: done.Add(-time.Minute), EndedAt: &done, ExitCode: &code}
	tr.mu.Unlock()

	rec, err := p.ProbeStatus(context.Background(), "n1", "job.x.0.a")
	if err != nil {
		t.Fatalf("ProbeStatus: %v", err)
	}
	if rec.ExitCode == nil || *rec.ExitCode != 0 {
		t.Fatalf("unexpected record %+v", rec)
	}
}

// Each pool's health loop blocks until ctx is cancelled, so callers own one
// goroutine per pool. Two degraded pools must both re-admit their nodes
// concurrently.
func TestHealthLoopsRunPerPool(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pools := make([]*Pool, 0, 2)
	transports := make([]*fakeTransport, 0, 2)
	for _, spec := range []struct{ pool, node string }{{"alpha", "a1"}, {"beta", "b1"}} {
		tr := newFakeTransport()
		tr.openErr[spec.node] = errors.New("connection refused")
		p, err := New(spec.pool, []Node{{Name: spec.node, Host: spec.node + ".example"}}, tr,
			Config{MaxFailures: 1, HealthInterval: 10 * time.Millisecond}, logx.Nop())
		if err != nil {
			t.Fatalf("New %s: %v", spec.pool, err)
		}
		if _, _, _, err := p.Open(ctx, "", Request{}); err == nil {
			t.Fatalf("%s: expected open failure", spec.pool)
		}
		if !p.Degraded(spec.node) {
			t.Fatalf("%s should be degraded", spec.node)
		}
		pools = append(pools, p)
		transports = append(transports, tr)
	}

	// Nodes are reachable again. One loop per pool, the way the app wires
	// them; a single shared goroutine would park inside the first loop and
	// starve the rest.
	for _, tr := range transports {
		tr.mu.Lock()
		tr.openErr = map[string]error{}
		tr.mu.Unlock()
	}
	for _, p := range pools {
		go p.RunHealthChecks(ctx)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, spec := range []struct {
		i    int
		node string
	}{{0, "a1"}, {1, "b1"}} {
		for pools[spec.i].Degraded(spec.node) {
			if time.Now().After(deadline) {
				t.Fatalf("%s never re-admitted", spec.node)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}
