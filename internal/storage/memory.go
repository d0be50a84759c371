package storage

import (
	"context"
	"sort"
	"sync"

	"dnbwatch/internal/domain"
)

type memoryStore struct {
	mu       sync.Mutex
	closed   bool
	cursors  map[string]domain.Cursor
	failures []domain.SinkFailure
}

// NewMemory returns a process-local store.
func NewMemory() Store {
	return &memoryStore{cursors: map[string]domain.Cursor{}}
}

func (s *memoryStore) GetCursor(_ context.Context, ref string) (domain.Cursor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Cursor{}, false, ErrClosed
	}
	c, ok := s.cursors[ref]
	return c, ok, nil
}

func (s *memoryStore) PutCursor(_ context.Context, c domain.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.cursors[c.Registration] = c
	return nil
}

func (s *memoryStore) Cursors(context.Context) ([]domain.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedCursors(s.cursors), nil
}

func (s *memoryStore) AppendSinkFailure(_ context.Context, f domain.SinkFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.failures = append(s.failures, f)
	return nil
}

func (s *memoryStore) SinkFailures(_ context.Context, ref string, limit int) ([]domain.SinkFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SinkFailure
	for _, f := range s.failures {
		if ref == "" || f.Registration == ref {
			out = append(out, f)
		}
	}
	return tail(out, limit), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func sortedCursors(m map[string]domain.Cursor) []domain.Cursor {
	out := make([]domain.Cursor, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Registration < out[j].Registration })
	return out
}
