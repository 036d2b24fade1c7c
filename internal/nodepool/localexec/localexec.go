// Package localexec implements the node transport against the local host.
//
// It exists so a single-node deployment works out of the box and so the
// dispatch/reconciliation protocol has a reference implementation: the status
// record is written to the request's status directory exactly as a remote
// agent would write it, and probes read it back idempotently.
package localexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"cronfleet/internal/nodepool"
	logx "cronfleet/pkg/logx"
)

type Transport struct {
	statusDir string
	log       logx.Logger
}

// New returns a transport executing commands on the local host. statusDir is
// the well-known status location probes read from; Open honors the request's
// StatusDir when set, falling back to this one.
func New(statusDir string, log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{statusDir: statusDir, log: log}
}

type channel struct {
	cmd     *exec.Cmd
	started chan error
	wait    chan nodepool.ExitStatus
}

func (c *channel) Started() <-chan error            { return c.started }
func (c *channel) Wait() <-chan nodepool.ExitStatus { return c.wait }

func (c *channel) Terminate(ctx context.Context) error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Signal(syscall.SIGTERM)
}

func (c *channel) Close() error { return nil }

func (t *Transport) Open(ctx context.Context, node nodepool.Node, req nodepool.Request) (nodepool.Channel, error) {
	if strings.TrimSpace(req.Command) == "" {
		return nil, errors.New("localexec: empty command")
	}
	dir := req.StatusDir
	if dir == "" {
		dir = t.statusDir
	}
	if dir == "" {
		return nil, errors.New("localexec: status dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	outPath := recordPath(dir, req.RunID) + ".out"
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command("/bin/sh", "-c", req.Command)
	cmd.Stdout = out
	cmd.Stderr = out

	ch := &channel{
		cmd:     cmd,
		started: make(chan error, 1),
		wait:    make(chan nodepool.ExitStatus, 1),
	}

	if err := cmd.Start(); err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("localexec: start: %w", err)
	}

	rec := nodepool.StatusRecord{
		RunID:     req.RunID,
		AttemptID: req.AttemptID,
		StartedAt: time.Now(),
		OutputRef: outPath,
	}
	if err := writeRecord(dir, rec); err != nil {
		t.log.Warn("status record write failed", logx.String("run_id", req.RunID), logx.Err(err))
	}
	ch.started <- nil

	go func() {
		defer out.Close()
		werr := cmd.Wait()
		code := 0
		if werr != nil {
			var ee *exec.ExitError
			if errors.As(werr, &ee) {
				code = ee.ExitCode()
			} else {
				ch.wait <- nodepool.ExitStatus{Lost: true, Err: werr}
				return
			}
		}
		ended := time.Now()
		rec.EndedAt = &ended
		rec.ExitCode = &code
		if err := writeRecord(dir, rec); err != nil {
			t.log.Warn("status record write failed", logx.String("run_id", req.RunID), logx.Err(err))
		}
		ch.wait <- nodepool.ExitStatus{Code: code}
	}()

	return ch, nil
}

func (t *Transport) ProbeStatus(ctx context.Context, node nodepool.Node, runID string) (nodepool.StatusRecord, error) {
	if t.statusDir == "" {
		return nodepool.StatusRecord{}, nodepool.ErrStatusAbsent
	}
	return ReadRecord(t.statusDir, runID)
}

func (t *Transport) Ping(ctx context.Context, node nodepool.Node) error { return nil }

func writeRecord(dir string, rec nodepool.StatusRecord) error {
	tmp := recordPath(dir, rec.RunID) + ".tmp"
	final := recordPath(dir, rec.RunID) + ".json"
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// ReadRecord reads the status record for runID from dir. It is safe to call
// any number of times.
func ReadRecord(dir, runID string) (nodepool.StatusRecord, error) {
	b, err := os.ReadFile(recordPath(dir, runID) + ".json")
	if err != nil {
		if os.IsNotExist(err) {
			return nodepool.StatusRecord{}, nodepool.ErrStatusAbsent
		}
		return nodepool.StatusRecord{}, err
	}
	var rec nodepool.StatusRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nodepool.StatusRecord{}, fmt.Errorf("localexec: corrupt status record for %s: %w", runID, err)
	}
	return rec, nil
}

func recordPath(dir, runID string) string {
	// Run ids contain dots but no path separators; keep them readable.
	return filepath.Join(dir, runID)
}
