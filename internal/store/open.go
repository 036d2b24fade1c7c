package store

import (
	"context"
	"errors"
	"strings"

	logx "cronfleet/pkg/logx"
)

// Store is the persistence API used by the graph manager. AppendTransition
// buffers up to Config.BufferSize records; SaveSnapshot and Close flush.
// Load returns the most recent snapshot plus the transitions recorded after
// it, in order.
type Store interface {
	AppendTransition(ctx context.Context, rec Record) error
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context) (Snapshot, []Record, error)
	Flush(ctx context.Context) error
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if persistence is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
