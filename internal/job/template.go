package job

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cronfleet/internal/config"
	"cronfleet/internal/run"
	"cronfleet/internal/schedule"
)

// Template is the immutable per-generation form of one job definition:
// schedule parsed, durations resolved, zone loaded. Runs instantiated from a
// template keep it for their whole lifetime even if a newer generation
// replaces the definition.
type Template struct {
	Name      string
	Spec      schedule.Spec
	Pool      string
	Enabled   bool
	Overlap   string
	MaxActive int // simultaneous non-terminal runs; 0 means unlimited (allow only)
	History   int // terminal runs retained in memory
	Actions   []ActionTemplate
}

type ActionTemplate struct {
	Name     string
	Command  string
	Requires []string
	Node     string

	Retries    int
	RetryDelay time.Duration

	TriggeredBy    []string
	TriggerTimeout time.Duration
	// Publish maps trigger key -> value template; published on success as
	// <namespace>.<job>.<action>.<key>.<value>.
	Publish map[string]string
}

const (
	defaultRunHistory = 100
)

// BuildTemplates converts a validated configuration generation into
// templates. It assumes config.Validate already passed; errors here are
// limited to zone/schedule resolution.
func BuildTemplates(cfg *config.Config) (map[string]*Template, error) {
	defLoc, err := loadZone(cfg.TimeZone)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Template, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		loc := defLoc
		if strings.TrimSpace(j.TimeZone) != "" {
			loc, err = loadZone(j.TimeZone)
			if err != nil {
				return nil, fmt.Errorf("jobs.%s: %w", j.Name, err)
			}
		}
		spec, err := schedule.Parse(j.Schedule, loc)
		if err != nil {
			return nil, fmt.Errorf("jobs.%s: %w", j.Name, err)
		}

		t := &Template{
			Name:    j.Name,
			Spec:    spec,
			Pool:    j.Pool,
			Enabled: j.JobEnabled(),
			Overlap: j.OverlapPolicy,
			History: j.RunHistory,
		}
		if t.Overlap == "" {
			t.Overlap = config.OverlapQueue
		}
		if t.History <= 0 {
			t.History = defaultRunHistory
		}
		switch t.Overlap {
		case config.OverlapAllow:
			t.MaxActive = j.MaxConcurrent // 0 = unlimited
		default:
			t.MaxActive = 1
		}

		for _, a := range j.Actions {
			delay, _ := config.ParseDuration("", a.RetriesDelay)
			tt, _ := config.ParseDuration("", a.TriggerTimeout)
			t.Actions = append(t.Actions, ActionTemplate{
				Name:           a.Name,
				Command:        a.Command,
				Requires:       append([]string(nil), a.Requires...),
				Node:           a.Node,
				Retries:        a.Retries,
				RetryDelay:     delay,
				TriggeredBy:    append([]string(nil), a.TriggeredBy...),
				TriggerTimeout: tt,
				Publish:        a.TriggerDownstreams,
			})
		}
		out[t.Name] = t
	}
	return out, nil
}

// Instantiate builds the JobRun graph for one firing. Trigger patterns and
// publish value templates resolve against the run context now; command
// templates wait until a node is assigned so {node} can resolve too.
func (t *Template) Instantiate(namespace string, runNum int64, fireTime time.Time) *run.JobRun {
	jr := &run.JobRun{
		ID:       run.JobRunID(t.Name, runNum),
		JobName:  t.Name,
		RunNum:   runNum,
		FireTime: fireTime,
		Pool:     t.Pool,
	}

	for _, at := range t.Actions {
		id := run.ActionRunID(t.Name, runNum, at.Name)
		rctx := run.Context{
			JobName:    t.Name,
			ActionName: at.Name,
			RunID:      id,
			FireTime:   fireTime,
		}

		a := &run.ActionRun{
			ID:              id,
			JobName:         t.Name,
			RunNum:          runNum,
			Name:            at.Name,
			NodeAffinity:    at.Node,
			Command:         run.ResolveTokens(at.Command, rctx),
			CommandTemplate: at.Command,
			Retries:         at.Retries,
			RetryDelay:      at.RetryDelay,
			TriggerTimeout:  at.TriggerTimeout,
			WaitingDeps:     map[string]bool{},
			WaitingTriggers: map[string]bool{},
			Upstream:        append([]string(nil), at.Requires...),
		}
		for _, dep := range at.Requires {
			a.WaitingDeps[dep] = true
		}
		for _, pattern := range at.TriggeredBy {
			a.WaitingTriggers[run.ResolveTokens(pattern, rctx)] = true
		}
		for _, key := range sortedKeys(at.Publish) {
			a.PublishTriggers = append(a.PublishTriggers, strings.Join([]string{
				namespace, t.Name, at.Name, key, run.ResolveTokens(at.Publish[key], rctx),
			}, "."))
		}

		switch {
		case len(a.WaitingDeps) > 0:
			a.State = run.ActionWaitingDeps
		case len(a.WaitingTriggers) > 0:
			a.State = run.ActionWaitingTrigger
		default:
			a.State = run.ActionRunnable
		}
		jr.Actions = append(jr.Actions, a)
	}
	return jr
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func loadZone(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", name)
	}
	return loc, nil
}
