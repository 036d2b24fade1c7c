package store

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"cronfleet/internal/run"
	logx "cronfleet/pkg/logx"
)

func openTestStore(t *testing.T, dir string, bufferSize int) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:     "file",
		Path:       filepath.Join(dir, "state.db"),
		BufferSize: bufferSize,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if st == nil {
		t.Fatal("open store: got nil store for file driver")
	}
	return st
}

func sampleJobRun() *run.JobRun {
	fire := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	code := 0
	return &run.JobRun{
		ID:       "job.etl.42",
		JobName:  "etl",
		RunNum:   42,
		FireTime: fire,
		Pool:     "batch",
		Actions: []*run.ActionRun{
			{
				ID:              "job.etl.42.extract",
				JobName:         "etl",
				RunNum:          42,
				Name:            "extract",
				State:           run.ActionSucceeded,
				Attempts:        1,
				Node:            "batch01",
				Command:         "extract --date 20240601",
				CommandTemplate: "extract --date {ymd}",
				StartedAt:       fire.Add(time.Second),
				EndedAt:         fire.Add(time.Minute),
				ExitCode:        &code,
				OutputRef:       "/var/log/cronfleet/job.etl.42.extract.out",
				PublishTriggers: []string{"etl.extract.42"},
			},
			{
				ID:              "job.etl.42.load",
				JobName:         "etl",
				RunNum:          42,
				Name:            "load",
				State:           run.ActionWaitingDeps,
				Command:         "load --date {ymd}",
				CommandTemplate: "load --date {ymd}",
				Retries:         3,
				RetryDelay:      time.Minute,
				TriggerTimeout:  30 * time.Second,
				WaitingDeps:     map[string]bool{"extract": true},
				WaitingTriggers: map[string]bool{"other.done.42": true},
				Upstream:        []string{"extract"},
			},
		},
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	st := openTestStore(t, dir, 1)

	orig := sampleJobRun()
	create := EncodeJobRun(orig)
	recs := []Record{
		{Kind: KindJobRun, ID: orig.ID, NewState: "scheduled", Create: &create},
		{Kind: KindActionRun, ID: "job.etl.42.extract", OldState: "runnable", NewState: "dispatched", Attempt: 1, Node: "batch01"},
		{Kind: KindTrigger, ID: "etl.extract.42", NewState: "published"},
	}
	for _, rec := range recs {
		if err := st.AppendTransition(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestStore(t, dir, 1)
	defer st.Close()
	_, tail, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(tail) != len(recs) {
		t.Fatalf("loaded %d records, want %d", len(tail), len(recs))
	}
	for i, got := range tail {
		want := recs[i]
		if got.Kind != want.Kind || got.ID != want.ID || got.NewState != want.NewState ||
			got.Attempt != want.Attempt || got.Node != want.Node {
			t.Fatalf("record %d = %+v, want %+v", i, got, want)
		}
		if got.Seq != uint64(i+1) {
			t.Fatalf("record %d seq = %d, want %d", i, got.Seq, i+1)
		}
		if got.At.IsZero() {
			t.Fatalf("record %d missing timestamp", i)
		}
	}
}

func TestFileStoreLoadAfterReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	orig := sampleJobRun()
	create := EncodeJobRun(orig)

	st := openTestStore(t, dir, 1)
	if err := st.AppendTransition(ctx, Record{Kind: KindJobRun, ID: orig.ID, NewState: "scheduled", Create: &create}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.AppendTransition(ctx, Record{Kind: KindActionRun, ID: "job.etl.42.load", OldState: "waiting_on_dependency", NewState: "runnable"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestStore(t, dir, 1)
	defer st.Close()
	snap, tail, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.Seq != 0 || len(snap.Runs) != 0 {
		t.Fatalf("expected empty snapshot, got seq=%d runs=%d", snap.Seq, len(snap.Runs))
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 journal records, got %d", len(tail))
	}
	if tail[0].Seq != 1 || tail[1].Seq != 2 {
		t.Fatalf("unexpected seqs: %d, %d", tail[0].Seq, tail[1].Seq)
	}
	if tail[0].Create == nil {
		t.Fatal("create payload not persisted")
	}

	got, err := DecodeJobRun(*tail[0].Create)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Compare via the persisted form so map iteration order cannot matter.
	if !reflect.DeepEqual(EncodeJobRun(got), create) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", EncodeJobRun(got), create)
	}
}

func TestFileStoreBuffering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir, 3)
	for i := 0; i < 2; i++ {
		if err := st.AppendTransition(ctx, Record{Kind: KindTrigger, ID: "t", NewState: "published"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	// Below the buffer threshold nothing is durable yet.
	probe := openTestStore(t, dir, 1)
	_, tail, err := probe.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = probe.Close()
	if len(tail) != 0 {
		t.Fatalf("expected buffered records to stay in memory, found %d on disk", len(tail))
	}

	// The third append crosses the threshold and flushes all three.
	if err := st.AppendTransition(ctx, Record{Kind: KindTrigger, ID: "t", NewState: "published"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	probe = openTestStore(t, dir, 1)
	_, tail, err = probe.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	_ = probe.Close()
	if len(tail) != 3 {
		t.Fatalf("expected 3 flushed records, got %d", len(tail))
	}
	_ = st.Close()
}

func TestFileStoreSnapshotCompaction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()

	st := openTestStore(t, dir, 1)
	for i := 0; i < 5; i++ {
		if err := st.AppendTransition(ctx, Record{Kind: KindActionRun, ID: "job.etl.1.load", NewState: "running"}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	orig := sampleJobRun()
	snap := Snapshot{
		Runs:        []JobRunRecord{EncodeJobRun(orig)},
		NextRunNums: map[string]int64{"etl": 43},
		Published:   []string{"etl.extract.42"},
	}
	if err := st.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// One more transition after the snapshot.
	if err := st.AppendTransition(ctx, Record{Kind: KindActionRun, ID: "job.etl.1.load", NewState: "succeeded"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st = openTestStore(t, dir, 1)
	defer st.Close()
	gotSnap, tail, err := st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if gotSnap.Seq != 5 {
		t.Fatalf("snapshot seq = %d, want 5", gotSnap.Seq)
	}
	if len(gotSnap.Runs) != 1 || gotSnap.Runs[0].ID != "job.etl.42" {
		t.Fatalf("snapshot runs not preserved: %+v", gotSnap.Runs)
	}
	if gotSnap.NextRunNums["etl"] != 43 {
		t.Fatalf("next run nums not preserved: %+v", gotSnap.NextRunNums)
	}
	if len(gotSnap.Published) != 1 || gotSnap.Published[0] != "etl.extract.42" {
		t.Fatalf("published set not preserved: %+v", gotSnap.Published)
	}
	if len(tail) != 1 || tail[0].Seq != 6 || tail[0].NewState != "succeeded" {
		t.Fatalf("journal tail after compaction = %+v", tail)
	}

	// New appends continue the sequence.
	if err := st.AppendTransition(ctx, Record{Kind: KindTrigger, ID: "etl.load.1", NewState: "published"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := st.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_, tail, err = st.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if tail[len(tail)-1].Seq != 7 {
		t.Fatalf("seq after reopen = %d, want 7", tail[len(tail)-1].Seq)
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if st != nil {
		t.Fatal("expected nil store when no driver configured")
	}
}
