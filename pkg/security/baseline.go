package security

import (
	"sync"
	"time"

	"github.com/ignatij/triageflow/pkg/models"
)

// BaselineStore owns per-caller baselines. Access to a single caller's baseline
// is serialized; different callers proceed in parallel.
type BaselineStore interface {
	// With runs fn while holding the caller's lock, creating the baseline on first use.
	With(callerID string, fn func(b *models.CallerBaseline))
	// Reset drops the caller's baseline.
	Reset(callerID string)
	// Prune drops baselines not seen since cutoff and returns how many were removed.
	Prune(cutoff time.Time) int
	Len() int
}

type baselineEntry struct {
	mu       sync.Mutex
	baseline *models.CallerBaseline
	removed  bool // set under mu once the entry left the map
}

// MemoryBaselineStore keeps baselines in process memory. They are discarded on
// restart.
type MemoryBaselineStore struct {
	mu      sync.Mutex
	entries map[string]*baselineEntry
}

func NewMemoryBaselineStore() *MemoryBaselineStore {
	return &MemoryBaselineStore{entries: make(map[string]*baselineEntry)}
}

func (s *MemoryBaselineStore) entry(callerID string) *baselineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[callerID]
	if !ok {
		e = &baselineEntry{baseline: models.NewCallerBaseline(callerID)}
		s.entries[callerID] = e
	}
	return e
}

func (s *MemoryBaselineStore) With(callerID string, fn func(b *models.CallerBaseline)) {
	// an entry pruned or reset between lookup and lock is retried
	for !s.apply(s.entry(callerID), fn) {
	}
}

func (s *MemoryBaselineStore) apply(e *baselineEntry, fn func(b *models.CallerBaseline)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}
	fn(e.baseline)
	return true
}

func (s *MemoryBaselineStore) Reset(callerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[callerID]; ok {
		e.mu.Lock()
		e.removed = true
		e.mu.Unlock()
		delete(s.entries, callerID)
	}
}

func (s *MemoryBaselineStore) Prune(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		e.mu.Lock()
		stale := e.baseline.LastSeen.Before(cutoff)
		if stale {
			e.removed = true
		}
		e.mu.Unlock()
		if stale {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryBaselineStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
