package config

import (
	"fmt"
	"strings"
	"time"

	"cronfleet/internal/schedule"
)

// Validate checks a parsed Config for load-time errors: duplicate names,
// dangling node/pool references, unparseable schedules and durations, and
// dependency cycles inside an action graph. A job that fails validation fails
// the whole generation; nothing is partially applied.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	defLoc, err := resolveZone("time_zone", cfg.TimeZone)
	if err != nil {
		return err
	}

	nodes := map[string]bool{}
	for i, n := range cfg.Nodes {
		name := strings.TrimSpace(n.Name)
		if name == "" {
			return fmt.Errorf("nodes[%d]: name is required", i)
		}
		if nodes[name] {
			return fmt.Errorf("nodes: duplicate node %q", name)
		}
		if strings.TrimSpace(n.Host) == "" {
			return fmt.Errorf("nodes.%s: host is required", name)
		}
		nodes[name] = true
	}

	pools := map[string]bool{}
	for _, p := range cfg.Pools {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("node_pools: name is required")
		}
		if pools[name] || nodes[name] {
			return fmt.Errorf("node_pools: duplicate name %q", name)
		}
		if len(p.Nodes) == 0 {
			return fmt.Errorf("node_pools.%s: at least one node is required", name)
		}
		for _, member := range p.Nodes {
			// Pools reference nodes only; nesting pools is rejected.
			if !nodes[member] {
				return fmt.Errorf("node_pools.%s: %q is not a declared node", name, member)
			}
		}
		pools[name] = true
	}

	if err := validateDispatch(cfg.Dispatch); err != nil {
		return err
	}
	if cfg.Store != nil {
		if _, err := ParseDuration("store.snapshot_interval", cfg.Store.SnapshotInterval); err != nil {
			return err
		}
		if _, err := ParseDuration("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
			return err
		}
	}

	jobs := map[string]bool{}
	for _, j := range cfg.Jobs {
		name := strings.TrimSpace(j.Name)
		if name == "" {
			return fmt.Errorf("jobs: name is required")
		}
		if jobs[name] {
			return fmt.Errorf("jobs: duplicate job %q", name)
		}
		jobs[name] = true
		if err := validateJob(j, defLoc, nodes, pools); err != nil {
			return err
		}
	}
	return nil
}

func validateJob(j JobConfig, defLoc *time.Location, nodes, pools map[string]bool) error {
	where := "jobs." + j.Name

	loc := defLoc
	if strings.TrimSpace(j.TimeZone) != "" {
		var err error
		loc, err = resolveZone(where+".time_zone", j.TimeZone)
		if err != nil {
			return err
		}
	}
	if _, err := schedule.Parse(j.Schedule, loc); err != nil {
		return fmt.Errorf("%s.schedule: %w", where, err)
	}

	pool := strings.TrimSpace(j.Pool)
	if pool == "" {
		return fmt.Errorf("%s: node_pool is required", where)
	}
	if !pools[pool] && !nodes[pool] {
		return fmt.Errorf("%s: node_pool %q is not a declared pool or node", where, pool)
	}

	switch j.OverlapPolicy {
	case "", OverlapQueue, OverlapCancel, OverlapAllow:
	default:
		return fmt.Errorf("%s: unknown overlap_policy %q", where, j.OverlapPolicy)
	}
	if j.MaxConcurrent < 0 {
		return fmt.Errorf("%s: max_concurrent must be >= 0", where)
	}
	if j.RunHistory < 0 {
		return fmt.Errorf("%s: run_history must be >= 0", where)
	}

	if len(j.Actions) == 0 {
		return fmt.Errorf("%s: at least one action is required", where)
	}
	actions := map[string]bool{}
	for _, a := range j.Actions {
		aname := strings.TrimSpace(a.Name)
		if aname == "" {
			return fmt.Errorf("%s.actions: name is required", where)
		}
		if actions[aname] {
			return fmt.Errorf("%s.actions: duplicate action %q", where, aname)
		}
		actions[aname] = true
	}
	for _, a := range j.Actions {
		awhere := where + ".actions." + a.Name
		if strings.TrimSpace(a.Command) == "" {
			return fmt.Errorf("%s: command is required", awhere)
		}
		if a.Retries < 0 {
			return fmt.Errorf("%s: retries must be >= 0", awhere)
		}
		if _, err := ParseDuration(awhere+".retries_delay", a.RetriesDelay); err != nil {
			return err
		}
		tt, err := ParseDuration(awhere+".trigger_timeout", a.TriggerTimeout)
		if err != nil {
			return err
		}
		if len(a.TriggeredBy) > 0 && tt <= 0 {
			return fmt.Errorf("%s: trigger_timeout is required with triggered_by", awhere)
		}
		if a.Node != "" && !nodes[a.Node] {
			return fmt.Errorf("%s: node %q is not a declared node", awhere, a.Node)
		}
		for _, dep := range a.Requires {
			if !actions[dep] {
				return fmt.Errorf("%s: requires unknown action %q", awhere, dep)
			}
			if dep == a.Name {
				return fmt.Errorf("%s: action requires itself", awhere)
			}
		}
	}

	return detectCycles(where, j.Actions)
}

// detectCycles runs a DFS over the action dependency graph and rejects the
// job if any requires-chain loops back on itself.
func detectCycles(where string, actions []ActionConfig) error {
	deps := make(map[string][]string, len(actions))
	for _, a := range actions {
		deps[a.Name] = a.Requires
	}
	visited := map[string]bool{}
	onStack := map[string]bool{}

	var visit func(name string) error
	visit = func(name string) error {
		visited[name] = true
		onStack[name] = true
		for _, dep := range deps[name] {
			if onStack[dep] {
				return fmt.Errorf("%s: dependency cycle through %q and %q", where, name, dep)
			}
			if !visited[dep] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		onStack[name] = false
		return nil
	}

	for _, a := range actions {
		if !visited[a.Name] {
			if err := visit(a.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateDispatch(d DispatchConfig) error {
	for _, f := range []struct{ path, raw string }{
		{"dispatch.dispatch_timeout", d.DispatchTimeout},
		{"dispatch.probe_base", d.ProbeBase},
		{"dispatch.probe_max", d.ProbeMax},
		{"dispatch.health_interval", d.HealthInterval},
	} {
		if _, err := ParseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if d.ReconcileProbes < 0 {
		return fmt.Errorf("dispatch.reconcile_probes must be >= 0")
	}
	if d.NodeConcurrency < 0 || d.JobConcurrency < 0 || d.DispatchPerSec < 0 || d.MaxNodeFailures < 0 {
		return fmt.Errorf("dispatch concurrency bounds must be >= 0")
	}
	return nil
}

func resolveZone(path, name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("%s: unknown time zone %q", path, name)
	}
	return loc, nil
}
