package cache

import (
	"container/list"
	"sync"
)

// memoryStore is a cost- and count-bounded LRU store for decoded blobs.
//
// Cost is an approximation of the in-memory footprint supplied by the caller
// (typically width*height*4 for decoded images). A zero limit disables that
// bound. All methods are safe for concurrent use.
type memoryStore struct {
	mu        sync.Mutex
	maxCost   int
	maxCount  int
	totalCost int
	items     map[string]*list.Element
	evictList *list.List
}

type memoryEntry struct {
	key  string
	data []byte
	cost int
}

func newMemoryStore(maxCost, maxCount int) *memoryStore {
	return &memoryStore{
		maxCost:   maxCost,
		maxCount:  maxCount,
		items:     make(map[string]*list.Element),
		evictList: list.New(),
	}
}

func (s *memoryStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.evictList.MoveToFront(ent)
	return ent.Value.(*memoryEntry).data, true
}

func (s *memoryStore) set(key string, data []byte, cost int) {
	if cost <= 0 {
		cost = len(data)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		e := ent.Value.(*memoryEntry)
		s.totalCost += cost - e.cost
		e.data = data
		e.cost = cost
		s.evictList.MoveToFront(ent)
		s.evict()
		return
	}

	// An entry larger than the whole budget would evict everything else and
	// still not fit.
	if s.maxCost > 0 && cost > s.maxCost {
		return
	}

	ent := &memoryEntry{key: key, data: data, cost: cost}
	s.items[key] = s.evictList.PushFront(ent)
	s.totalCost += cost
	s.evict()
}

func (s *memoryStore) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.items[key]; ok {
		s.removeElement(ent)
	}
}

func (s *memoryStore) removeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]*list.Element)
	s.evictList.Init()
	s.totalCost = 0
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *memoryStore) cost() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalCost
}

// evict drops least-recently-used entries until both bounds hold.
// Callers must hold s.mu.
func (s *memoryStore) evict() {
	for (s.maxCost > 0 && s.totalCost > s.maxCost) ||
		(s.maxCount > 0 && len(s.items) > s.maxCount) {
		ent := s.evictList.Back()
		if ent == nil {
			return
		}
		s.removeElement(ent)
	}
}

func (s *memoryStore) removeElement(ent *list.Element) {
	s.evictList.Remove(ent)
	e := ent.Value.(*memoryEntry)
	delete(s.items, e.key)
	s.totalCost -= e.cost
}
