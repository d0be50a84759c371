package storage

import (
	"context"
	"errors"
	"sort"
	"time"

	"dnbwatch/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines journal + snapshot
//   - "sqlite": SQLite database file
//   - "badger": badger key/value directory
//   - "memory" (or empty): process-local, lost on exit
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store persists per-registration cursors and the sink failure log.
type Store interface {
	// GetCursor returns the cursor of ref; ok is false when none was stored.
	GetCursor(ctx context.Context, ref string) (c domain.Cursor, ok bool, err error)
	PutCursor(ctx context.Context, c domain.Cursor) error
	Cursors(ctx context.Context) ([]domain.Cursor, error)
	AppendSinkFailure(ctx context.Context, f domain.SinkFailure) error
	// SinkFailures returns up to limit most recent failures of ref, oldest
	// first. An empty ref matches every registration; limit <= 0 means all.
	SinkFailures(ctx context.Context, ref string, limit int) ([]domain.SinkFailure, error)
	Close() error
}

func tail(in []domain.SinkFailure, limit int) []domain.SinkFailure {
	if limit > 0 && len(in) > limit {
		in = in[len(in)-limit:]
	}
	return in
}

func sortFailures(in []domain.SinkFailure) {
	sort.SliceStable(in, func(i, j int) bool { return in[i].At.Before(in[j].At) })
}
