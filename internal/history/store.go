package history

import (
	"sync"
	"time"

	"tallysync/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.Run
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 500
	}
	return &Store{limit: limit}
}

func (s *Store) Add(run model.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, run)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = run
}

func (s *Store) List(limit int) []model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Run, 0, limit)
	start := len(s.buf) - limit
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Run, 0)
	for _, r := range s.buf {
		if !r.StartedAt.Before(ts) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) LastBySource() map[model.Source]model.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[model.Source]model.Run)
	for _, r := range s.buf {
		out[r.Source] = r
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
