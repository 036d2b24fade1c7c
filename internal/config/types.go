package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the whole scheduler configuration. A file is replaced wholesale on
// reload: jobs form a new configuration generation, running JobRuns keep the
// template they were instantiated from.
type Config struct {
	// Namespace prefixes published trigger names:
	// <namespace>.<job>.<action>.<trigger>.<value>. Default "MASTER".
	Namespace string `json:"namespace,omitempty"`

	// TimeZone is the default IANA zone for job schedules. Default is the
	// host zone. Jobs may override per job.
	TimeZone string `json:"time_zone,omitempty"`

	Logging LoggingConfig `json:"logging"`

	// Store controls the persistence layer. If omitted, state is in-memory
	// only and nothing survives a restart.
	Store *StoreConfig `json:"store,omitempty"`

	Nodes []NodeConfig     `json:"nodes"`
	Pools []NodePoolConfig `json:"node_pools,omitempty"`

	Dispatch DispatchConfig `json:"dispatch,omitempty"`

	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig controls the optional persistence layer.
//
// Example:
//
//	"store": { "driver": "file", "path": "./cronfleet_state" }
type StoreConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path"`
	// BufferSize is how many transitions are buffered before a flush.
	// 0 means write-through.
	BufferSize int `json:"buffer_size,omitempty"`
	// SnapshotInterval is a Go duration string; how often a full snapshot
	// compacts the journal. Default "5m".
	SnapshotInterval string `json:"snapshot_interval,omitempty"`
	BusyTimeout      string `json:"busy_timeout,omitempty"` // sqlite only
}

// NodeConfig describes one remote worker host.
type NodeConfig struct {
	Name string `json:"name"`
	Host string `json:"host"`
	User string `json:"user,omitempty"`
	// IdentityRef names a credential known to the transport; the scheduler
	// never reads key material itself.
	IdentityRef string `json:"identity_ref,omitempty"`
}

// NodePoolConfig groups declared nodes for round-robin placement. Pools may
// only reference node names, never other pools.
type NodePoolConfig struct {
	Name  string   `json:"name"`
	Nodes []string `json:"nodes"`
}

// DispatchConfig tunes the dispatch/reconciliation protocol and the
// per-node/per-job backpressure bounds.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type DispatchConfig struct {
	// StatusDir is where remote attempts write their status records.
	StatusDir string `json:"status_dir,omitempty"`

	// DispatchTimeout bounds how long a dispatch waits for the RUNNING ack
	// before falling back to reconciliation probes. Default "30s".
	DispatchTimeout string `json:"dispatch_timeout,omitempty"`

	// ReconcileProbes is how many consecutive unanswered probes are allowed
	// before the attempt is declared indeterminate. Default 5.
	ReconcileProbes int `json:"reconcile_probes,omitempty"`
	// ProbeBase/ProbeMax bound the probe backoff. Defaults "2s"/"1m".
	ProbeBase string `json:"probe_base,omitempty"`
	ProbeMax  string `json:"probe_max,omitempty"`

	// NodeConcurrency bounds in-flight commands per node. Default 4.
	NodeConcurrency int `json:"node_concurrency,omitempty"`
	// JobConcurrency bounds in-flight actions per JobRun. Default 8.
	JobConcurrency int `json:"job_concurrency,omitempty"`
	// DispatchPerSec rate-limits channel opens per node. 0 disables.
	DispatchPerSec int `json:"dispatch_per_sec,omitempty"`

	// MaxNodeFailures is how many consecutive failures degrade a node out
	// of round-robin rotation. Default 3.
	MaxNodeFailures int `json:"max_node_failures,omitempty"`
	// HealthInterval paces degraded-node re-admission probes. Default "30s".
	HealthInterval string `json:"health_interval,omitempty"`
}

// Overlap policy values for JobConfig.OverlapPolicy.
const (
	OverlapQueue  = "queue"  // default: new run waits for the previous one
	OverlapCancel = "cancel" // cancel-existing: skip the stale run's remaining actions
	OverlapAllow  = "allow"  // runs proceed concurrently up to MaxConcurrent
)

// JobConfig is one recurring job definition.
type JobConfig struct {
	Name string `json:"name"`
	// Schedule is a cron expression, "@every"/"interval ..." form, or a
	// "daily HH:MM" / "weekly <dow> HH:MM" shorthand.
	Schedule string `json:"schedule"`
	// TimeZone overrides the top-level default for this job.
	TimeZone string `json:"time_zone,omitempty"`
	// Pool names a node pool, or a single declared node.
	Pool string `json:"node_pool"`

	Enabled *bool `json:"enabled,omitempty"` // omitted means enabled

	// OverlapPolicy is "queue" (default), "cancel", or "allow".
	OverlapPolicy string `json:"overlap_policy,omitempty"`
	// MaxConcurrent bounds simultaneous runs under "allow". Default 1.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
	// RunHistory is how many terminal runs to keep in memory. Default 100.
	RunHistory int `json:"run_history,omitempty"`

	Actions []ActionConfig `json:"actions"`
}

// ActionConfig is one node of a job's action graph.
type ActionConfig struct {
	Name string `json:"name"`
	// Command is a template; {ymd}, {ymdhm}, {shortdate}, {unixtime},
	// {runid}, {node}, {name} and {actionname} resolve from the run context.
	Command string `json:"command"`
	// Requires lists upstream action names within the same job.
	Requires []string `json:"requires,omitempty"`
	// Node pins this action to one declared node instead of the job's pool.
	Node string `json:"node,omitempty"`

	Retries int `json:"retries,omitempty"`
	// RetriesDelay is a Go duration string between retry attempts.
	RetriesDelay string `json:"retries_delay,omitempty"`

	// TriggeredBy lists fully-qualified trigger patterns to wait on, e.g.
	// "MASTER.one.one.ymdhm.{ymdhm}". Tokens resolve from this run's context.
	TriggeredBy []string `json:"triggered_by,omitempty"`
	// TriggerTimeout bounds the trigger wait; expiry is terminal. Required
	// when TriggeredBy is set.
	TriggerTimeout string `json:"trigger_timeout,omitempty"`
	// TriggerDownstreams publishes <namespace>.<job>.<action>.<key>.<value>
	// on success, with the value template resolved from the run context.
	TriggerDownstreams map[string]string `json:"trigger_downstreams,omitempty"`
}

// JobEnabled reports whether the job should be scheduled.
func (j JobConfig) JobEnabled() bool { return j.Enabled == nil || *j.Enabled }

// Duration fields above stay strings through decode so an absent field is
// distinguishable from an explicit zero. ParseDuration converts one at the
// point of use; field names the config location for error reporting.
func ParseDuration(field, value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: %s: bad duration %q: %w", field, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: %s: negative duration %q", field, value)
	}
	return d, nil
}

// DurationOr is ParseDuration with a fallback for absent or zero values.
func DurationOr(field, value string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDuration(field, value)
	if err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
