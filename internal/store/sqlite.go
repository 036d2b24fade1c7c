//go:build sqlite
// +build sqlite

package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "cronfleet/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	mu      sync.Mutex
	seq     uint64
	buf     []Record
	bufSize int
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, bufSize: maxInt(1, cfg.BufferSize)}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	var last sql.NullInt64
	if err := db.QueryRow(`SELECT MAX(seq) FROM transitions`).Scan(&last); err != nil {
		_ = db.Close()
		return nil, err
	}
	if last.Valid {
		st.seq = uint64(last.Int64)
	}
	var snapSeq sql.NullInt64
	err = db.QueryRow(`SELECT seq FROM snapshots WHERE id = 1`).Scan(&snapSeq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		_ = db.Close()
		return nil, err
	}
	if snapSeq.Valid && uint64(snapSeq.Int64) > st.seq {
		st.seq = uint64(snapSeq.Int64)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) AppendTransition(ctx context.Context, rec Record) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	s.seq++
	rec.Seq = s.seq
	s.buf = append(s.buf, rec)
	if len(s.buf) < s.bufSize {
		return nil
	}
	return s.flushLocked(ctx)
}

func (s *sqliteStore) Flush(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

func (s *sqliteStore) flushLocked(ctx context.Context) error {
	if len(s.buf) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transitions(seq, kind, id, at, payload) VALUES(?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range s.buf {
		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			rec.Seq, rec.Kind, rec.ID, rec.At.Format(time.RFC3339Nano), string(payload)); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.buf = s.buf[:0]
	return nil
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Buffered transitions are subsumed by the snapshot.
	s.buf = s.buf[:0]
	snap.Seq = s.seq
	if snap.TakenAt.IsZero() {
		snap.TakenAt = time.Now()
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots(id, taken_at, seq, payload) VALUES(1,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET taken_at=excluded.taken_at, seq=excluded.seq, payload=excluded.payload`,
		snap.TakenAt.Format(time.RFC3339Nano), snap.Seq, string(payload)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM transitions WHERE seq <= ?`, snap.Seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, []Record, error) {
	if s == nil || s.db == nil {
		return Snapshot{}, nil, ErrDisabled
	}

	var snap Snapshot
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE id = 1`).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return Snapshot{}, nil, err
	default:
		if err := json.Unmarshal([]byte(payload), &snap); err != nil {
			return Snapshot{}, nil, err
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM transitions WHERE seq > ? ORDER BY seq`, snap.Seq)
	if err != nil {
		return Snapshot{}, nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return Snapshot{}, nil, err
		}
		var rec Record
		if err := json.Unmarshal([]byte(p), &rec); err != nil {
			s.log.Warn("skipping undecodable transition", logx.Err(err))
			continue
		}
		recs = append(recs, rec)
	}
	return snap, recs, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.mu.Lock()
	err := s.flushLocked(ctx)
	s.mu.Unlock()
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}
