package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronfleet/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.journal.jsonl  (append-only transition records)
//   - <prefix>.snapshot.json  (most recent full snapshot)
//
// SaveSnapshot compacts: the snapshot is written atomically and the journal
// truncated, so the journal only ever holds transitions after the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journalFile  *os.File

	buf        []Record
	bufferSize int
	seq        uint64
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("store.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journalFile:  jf,
		bufferSize:   cfg.BufferSize,
	}

	// Recover the sequence counter so new records stay ordered after the
	// loaded history.
	snap, tail, err := s.Load(context.Background())
	if err != nil {
		_ = jf.Close()
		return nil, err
	}
	s.seq = snap.Seq
	if n := len(tail); n > 0 {
		s.seq = tail[n-1].Seq
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil
	}
	err := s.flushLocked()
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.journalFile = nil
	return err
}

func (s *fileStore) AppendTransition(ctx context.Context, rec Record) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store journal closed")
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.seq++
	rec.Seq = s.seq

	s.buf = append(s.buf, rec)
	if len(s.buf) >= maxInt(1, s.bufferSize) {
		return s.flushLocked()
	}
	return nil
}

func (s *fileStore) Flush(ctx context.Context) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store journal closed")
	}
	return s.flushLocked()
}

func (s *fileStore) flushLocked() error {
	if len(s.buf) == 0 {
		return nil
	}
	enc := json.NewEncoder(s.journalFile)
	for _, rec := range s.buf {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("store: journal append: %w", err)
		}
	}
	if err := s.journalFile.Sync(); err != nil {
		return fmt.Errorf("store: journal sync: %w", err)
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *fileStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("store journal closed")
	}
	// The snapshot supersedes everything buffered and journaled so far.
	s.buf = s.buf[:0]
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	snap.Seq = s.seq

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Compact the journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) Load(ctx context.Context) (Snapshot, []Record, error) {
	_ = ctx
	var snap Snapshot
	if f, err := os.Open(s.snapshotPath); err == nil {
		derr := json.NewDecoder(f).Decode(&snap)
		_ = f.Close()
		if derr != nil {
			return Snapshot{}, nil, fmt.Errorf("store: corrupt snapshot: %w", derr)
		}
	} else if !os.IsNotExist(err) {
		return Snapshot{}, nil, err
	}

	journalPath := strings.TrimSuffix(s.snapshotPath, ".snapshot.json") + ".journal.jsonl"
	f, err := os.Open(journalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return snap, nil, nil
		}
		return Snapshot{}, nil, err
	}
	defer f.Close()

	var tail []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			// A torn final line after a crash is expected; anything else
			// means the journal is unusable.
			s.log.Warn("skipping unreadable journal line", logx.Err(err))
			continue
		}
		if rec.Seq <= snap.Seq {
			continue
		}
		tail = append(tail, rec)
	}
	if err := sc.Err(); err != nil {
		return Snapshot{}, nil, err
	}
	return snap, tail, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
