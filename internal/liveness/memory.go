package liveness

import (
	"context"
	"sync"
	"time"
)

type memItem struct {
	s       State
	expires time.Time
}

func (it memItem) expired(now time.Time) bool {
	return !it.expires.IsZero() && now.After(it.expires)
}

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
	ttl   time.Duration
	now   func() time.Time
}

// NewMemoryStore keeps state for ttl after the last write; ttl <= 0 keeps it forever.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, ttl: ttl, now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, appID string) (State, bool, error) {
	s.mu.RLock()
	it, ok := s.items[appID]
	s.mu.RUnlock()
	if !ok {
		return State{}, false, nil
	}
	if it.expired(s.now()) {
		s.evict(appID)
		return State{}, false, nil
	}
	return it.s, true, nil
}

// evict drops appID if its entry is still expired under the write lock. A
// Put between the read and the eviction keeps its fresh state.
func (s *MemoryStore) evict(appID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[appID]; ok && it.expired(s.now()) {
		delete(s.items, appID)
	}
}

func (s *MemoryStore) Put(_ context.Context, st State) error {
	it := memItem{s: st}
	if s.ttl > 0 {
		it.expires = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	s.items[st.AppID] = it
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, appID string) error {
	s.mu.Lock()
	delete(s.items, appID)
	s.mu.Unlock()
	return nil
}
