package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
namespace: MASTER
time_zone: UTC
logging:
  level: info
  console: true
  file:
    enabled: false
    path: ""
store:
  driver: file
  path: ./state/cronfleet
  buffer_size: 16
  snapshot_interval: 5m
nodes:
  - name: batch01
    host: batch01.example.com
    user: batch
  - name: batch02
    host: batch02.example.com
    user: batch
node_pools:
  - name: batch
    nodes: [batch01, batch02]
dispatch:
  status_dir: /var/run/cronfleet
  dispatch_timeout: 30s
  reconcile_probes: 5
  node_concurrency: 4
jobs:
  - name: etl
    schedule: "0 */5 * * * *"
    node_pool: batch
    overlap_policy: queue
    actions:
      - name: extract
        command: "extract --date {ymd}"
        retries: 3
        retries_delay: 1m
        trigger_downstreams:
          ymdhm: "{ymdhm}"
      - name: load
        command: "load --date {ymd}"
        requires: [extract]
  - name: report
    schedule: "daily 06:00"
    node_pool: batch01
    actions:
      - name: render
        command: "render --run {runid}"
        triggered_by: ["MASTER.etl.extract.ymdhm.{ymdhm}"]
        trigger_timeout: 30s
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cronfleet.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadSampleConfig(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML))
	cfg, err := m.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "MASTER" {
		t.Fatalf("namespace = %q", cfg.Namespace)
	}
	if len(cfg.Jobs) != 2 || len(cfg.Nodes) != 2 || len(cfg.Pools) != 1 {
		t.Fatalf("unexpected shape: jobs=%d nodes=%d pools=%d", len(cfg.Jobs), len(cfg.Nodes), len(cfg.Pools))
	}
	etl := cfg.Jobs[0]
	if etl.Actions[0].TriggerDownstreams["ymdhm"] != "{ymdhm}" {
		t.Fatalf("trigger_downstreams not decoded: %+v", etl.Actions[0].TriggerDownstreams)
	}
	if got := cfg.Jobs[1].Actions[0].TriggeredBy[0]; got != "MASTER.etl.extract.ymdhm.{ymdhm}" {
		t.Fatalf("triggered_by = %q", got)
	}
	if m.Get() != cfg {
		t.Fatal("Load did not commit the parsed config")
	}
}

func TestNamespaceDefault(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "namespace: MASTER\n", "", 1)
	cfg, err := NewManager(writeConfig(t, body)).Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Namespace != "MASTER" {
		t.Fatalf("namespace default = %q, want MASTER", cfg.Namespace)
	}
}

func TestStrictDecodeRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	body := strings.Replace(sampleYAML, "overlap_policy: queue", "overlapping_policy: queue", 1)
	if _, err := NewManager(writeConfig(t, body)).Load(context.Background()); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		mutate  func(body string) string
		wantSub string
	}{
		{
			name: "unknown pool",
			mutate: func(b string) string {
				return strings.Replace(b, "node_pool: batch\n", "node_pool: nosuch\n", 1)
			},
			wantSub: "not a declared pool or node",
		},
		{
			name: "pool references unknown node",
			mutate: func(b string) string {
				return strings.Replace(b, "nodes: [batch01, batch02]", "nodes: [batch01, ghost]", 1)
			},
			wantSub: "not a declared node",
		},
		{
			name: "pool nesting rejected",
			mutate: func(b string) string {
				return strings.Replace(b, "nodes: [batch01, batch02]", "nodes: [batch01, batch]", 1)
			},
			wantSub: "not a declared node",
		},
		{
			name: "bad schedule",
			mutate: func(b string) string {
				return strings.Replace(b, `schedule: "0 */5 * * * *"`, `schedule: "whenever"`, 1)
			},
			wantSub: "schedule",
		},
		{
			name: "dependency cycle",
			mutate: func(b string) string {
				b = strings.Replace(b, "- name: extract\n        command:", "- name: extract\n        requires: [load]\n        command:", 1)
				return b
			},
			wantSub: "cycle",
		},
		{
			name: "requires unknown action",
			mutate: func(b string) string {
				return strings.Replace(b, "requires: [extract]", "requires: [transform]", 1)
			},
			wantSub: "unknown action",
		},
		{
			name: "triggered_by without timeout",
			mutate: func(b string) string {
				return strings.Replace(b, "        trigger_timeout: 30s\n", "", 1)
			},
			wantSub: "trigger_timeout is required",
		},
		{
			name: "duplicate job",
			mutate: func(b string) string {
				return strings.Replace(b, "- name: report", "- name: etl", 1)
			},
			wantSub: "duplicate job",
		},
		{
			name: "negative retries",
			mutate: func(b string) string {
				return strings.Replace(b, "retries: 3", "retries: -1", 1)
			},
			wantSub: "retries must be >= 0",
		},
		{
			name: "bad duration",
			mutate: func(b string) string {
				return strings.Replace(b, "retries_delay: 1m", "retries_delay: soon", 1)
			},
			wantSub: "invalid duration",
		},
	}
	for _, tt := range cases {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewManager(writeConfig(t, tt.mutate(sampleYAML))).Load(context.Background())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Fatalf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestSubscribePublish(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, sampleYAML))
	if _, err := m.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	next := &Config{Namespace: "MASTER"}
	m.publish(next)
	select {
	case got := <-ch:
		if got != next {
			t.Fatal("subscriber received wrong generation")
		}
	default:
		t.Fatal("subscriber did not receive the new generation")
	}
}
