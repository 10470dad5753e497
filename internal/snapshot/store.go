package snapshot

import (
	"sort"
	"sync"
	"time"

	"tallysync/internal/model"
)

type Store struct {
	mu       sync.RWMutex
	bySource map[model.Source]model.Snapshot
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		bySource: make(map[model.Source]model.Snapshot),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Put(snap model.Snapshot) {
	if snap.Source == "" {
		return
	}
	snap.Counters = snap.Counters.Clone()
	if snap.ReceivedAt.IsZero() {
		snap.ReceivedAt = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource[snap.Source] = snap
}

func (s *Store) Get(source model.Source) (model.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.bySource[source]
	if !ok {
		return model.Snapshot{}, false
	}
	snap.Counters = snap.Counters.Clone()
	return snap, true
}

func (s *Store) GetAll() []model.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Snapshot, 0, len(s.bySource))
	for _, snap := range s.bySource {
		snap.Counters = snap.Counters.Clone()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySource)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySource = make(map[model.Source]model.Snapshot)
}
