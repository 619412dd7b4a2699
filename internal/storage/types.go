package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Seen maps announcement id -> timestamp recorded when it was marked seen
// (ISO-8601, possibly empty).
type Seen map[string]string

// Has reports whether id was already notified.
func (s Seen) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Mark records id as seen at ts.
func (s Seen) Mark(id, ts string) { s[id] = ts }

// Clone returns an independent copy.
func (s Seen) Clone() Seen {
	out := make(Seen, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Store is the seen-set persistence API used by the poller.
type Store interface {
	// Load returns the persisted set; an empty set when nothing was saved yet.
	Load(ctx context.Context) (Seen, error)
	// Save replaces the persisted set with s.
	Save(ctx context.Context, s Seen) error
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "file": JSON document (default)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
