// Package app wires the scheduler together: configuration, logging, event
// bus, persistence, node pools, trigger registry, dispatcher, and the graph
// manager, with one explicit lifecycle (New, Start, Stop).
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cronfleet/internal/config"
	"cronfleet/internal/eventbus"
	"cronfleet/internal/job"
	"cronfleet/internal/nodepool"
	"cronfleet/internal/nodepool/localexec"
	"cronfleet/internal/run/exec"
	"cronfleet/internal/runtime/supervisor"
	"cronfleet/internal/store"
	"cronfleet/internal/trigger"
	logx "cronfleet/pkg/logx"
)

// App is the single scheduling authority for one deployment, constructed
// once per process and passed by reference.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus   eventbus.Bus
	st    store.Store
	pools map[string]*nodepool.Pool
	reg   *trigger.Registry
	disp  *exec.Dispatcher
	mgr   *job.Manager

	sup *supervisor.Supervisor

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// New loads and validates the configuration and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("app: load config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	var st store.Store
	if cfg.Store != nil {
		busy, err := config.ParseDuration("store.busy_timeout", cfg.Store.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err = store.Open(store.Config{
			Driver:      cfg.Store.Driver,
			Path:        cfg.Store.Path,
			BufferSize:  cfg.Store.BufferSize,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, fmt.Errorf("app: open store: %w", err)
		}
	}

	// The remote shell transport is an external collaborator behind
	// nodepool.Transport; the built-in transport executes on the local
	// host, which is the whole fleet in a single-node deployment.
	transport := localexec.New(cfg.Dispatch.StatusDir, log.With(logx.String("comp", "localexec")))

	pools, err := buildPools(cfg, transport, log)
	if err != nil {
		return nil, err
	}

	// Validate already vetted these strings; parse failures cannot happen here.
	dispatchTimeout, _ := config.ParseDuration("dispatch.dispatch_timeout", cfg.Dispatch.DispatchTimeout)
	probeBase, _ := config.ParseDuration("dispatch.probe_base", cfg.Dispatch.ProbeBase)
	probeMax, _ := config.ParseDuration("dispatch.probe_max", cfg.Dispatch.ProbeMax)

	disp := exec.New(exec.Config{
		StatusDir:       cfg.Dispatch.StatusDir,
		DispatchTimeout: dispatchTimeout,
		ReconcileProbes: cfg.Dispatch.ReconcileProbes,
		ProbeBase:       probeBase,
		ProbeMax:        probeMax,
	}, pools, log.With(logx.String("comp", "exec")))

	bus := eventbus.New()
	reg := trigger.New(log.With(logx.String("comp", "trigger")))

	snapEvery := time.Duration(0)
	if cfg.Store != nil {
		snapEvery, _ = config.ParseDuration("store.snapshot_interval", cfg.Store.SnapshotInterval)
	}
	mgr := job.New(job.Config{
		Namespace:        cfg.Namespace,
		JobConcurrency:   cfg.Dispatch.JobConcurrency,
		SnapshotInterval: snapEvery,
	}, job.Deps{
		Log:        log.With(logx.String("comp", "jobmgr")),
		Bus:        bus,
		Store:      st,
		Triggers:   reg,
		Dispatcher: disp,
	})

	return &App{
		cfgm:  cfgm,
		logs:  logs,
		log:   log,
		bus:   bus,
		st:    st,
		pools: pools,
		reg:   reg,
		disp:  disp,
		mgr:   mgr,
		done:  make(chan struct{}),
	}, nil
}

// buildPools maps declared pools onto nodepool instances. Every declared node
// also gets an implicit single-node pool under its own name so jobs can pin
// to one host directly.
func buildPools(cfg *config.Config, transport nodepool.Transport, log logx.Logger) (map[string]*nodepool.Pool, error) {
	healthEvery, err := config.DurationOr("dispatch.health_interval", cfg.Dispatch.HealthInterval, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pcfg := nodepool.Config{
		MaxFailures:     cfg.Dispatch.MaxNodeFailures,
		HealthInterval:  healthEvery,
		NodeConcurrency: cfg.Dispatch.NodeConcurrency,
		DispatchPerSec:  cfg.Dispatch.DispatchPerSec,
	}

	byName := map[string]nodepool.Node{}
	for _, n := range cfg.Nodes {
		byName[n.Name] = nodepool.Node{
			Name:        n.Name,
			Host:        n.Host,
			User:        n.User,
			IdentityRef: n.IdentityRef,
		}
	}

	plog := log.With(logx.String("comp", "nodepool"))
	pools := make(map[string]*nodepool.Pool, len(cfg.Pools)+len(byName))
	for _, p := range cfg.Pools {
		nodes := make([]nodepool.Node, 0, len(p.Nodes))
		for _, member := range p.Nodes {
			nodes = append(nodes, byName[member])
		}
		pool, err := nodepool.New(p.Name, nodes, transport, pcfg, plog)
		if err != nil {
			return nil, fmt.Errorf("app: pool %s: %w", p.Name, err)
		}
		pools[p.Name] = pool
	}
	for name, node := range byName {
		pool, err := nodepool.New(name, []nodepool.Node{node}, transport, pcfg, plog)
		if err != nil {
			return nil, fmt.Errorf("app: node %s: %w", name, err)
		}
		pools[name] = pool
	}
	return pools, nil
}

// Start recovers durable state, begins scheduling, and arms the config watch.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.disp.Start(a.sup.Context())

	if err := a.mgr.ApplyConfig(a.cfgm.Get()); err != nil {
		return fmt.Errorf("app: apply config: %w", err)
	}
	if err := a.mgr.Recover(ctx); err != nil {
		return err
	}
	a.mgr.Start(a.sup.Context())

	// Triggers published by external observers arrive over the bus.
	a.sup.Go0("trigger-bus", func(ctx context.Context) {
		a.reg.Run(ctx, a.bus)
	})

	a.sup.Go0("config-watch", func(ctx context.Context) {
		_ = a.cfgm.Watch(ctx)
	})
	sub := a.cfgm.Subscribe(1)
	a.sup.Go0("config-reload", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-sub:
				if cfg == nil {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				if err := a.mgr.ApplyConfig(cfg); err != nil {
					a.log.Error("reconfiguration failed; keeping previous generation", logx.Err(err))
					continue
				}
				a.log.Info("configuration generation applied", logx.Int("jobs", len(cfg.Jobs)))
			}
		}
	})

	// RunHealthChecks blocks until ctx is cancelled, so each pool gets its
	// own supervised loop; sharing one goroutine would starve every pool
	// after the first.
	for name, pool := range a.pools {
		pool := pool
		a.sup.Go0("node-health:"+name, pool.RunHealthChecks)
	}

	a.sup.Go0("fatal-watch", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case err := <-a.mgr.Fatal():
			a.fail(err)
		}
	})

	a.log.Info("scheduler started", logx.Int("jobs", len(a.mgr.Jobs())))
	return nil
}

func (a *App) fail(err error) {
	a.mu.Lock()
	if a.err == nil {
		a.err = err
		close(a.done)
	}
	a.mu.Unlock()
}

// Done is closed on a fatal fault. The process must exit rather than keep
// scheduling against inconsistent durable state.
func (a *App) Done() <-chan struct{} { return a.done }

// Err reports the fatal fault, if any.
func (a *App) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

// Healthy reports whether the scheduling authority is operating normally.
func (a *App) Healthy() bool { return a.Err() == nil }

// Manager exposes the graph manager for operational verbs (run-now, cancel,
// retry).
func (a *App) Manager() *job.Manager { return a.mgr }

// Stop shuts down in dependency order and flushes durable state.
func (a *App) Stop(ctx context.Context) error {
	a.mgr.Stop(ctx)
	a.disp.Stop(ctx)

	var errs []error
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.st != nil {
		if err := a.st.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.logs != nil {
		if err := a.logs.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
