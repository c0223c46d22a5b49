package cache

import (
	"sync"
	"time"
)

// Entry is one cached snapshot.
type Entry struct {
	Value     any
	Stale     bool
	UpdatedAt time.Time
}

// Ticket records the mutation epoch of a key and the invalidation generation
// when a fetch for it started.
type Ticket struct {
	key   Key
	epoch uint64
	gen   uint64
}

// Result is the outcome of a confirmed mutation, applied in one atomic step.
// The entity write or removal always lands before the invalidations.
type Result struct {
	Key        Key
	Value      any
	Remove     bool
	Invalidate []Key
}

// Store is an in-memory keyed snapshot cache. It is safe for concurrent use.
// There is no eviction: entries leave only through Remove.
type Store struct {
	mu      sync.RWMutex
	entries map[Key]Entry
	epochs  map[Key]uint64
	now     func() time.Time

	// gen counts invalidations; invalidated maps each prefix to the gen of its
	// last invalidation.
	gen         uint64
	invalidated map[Key]uint64
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		entries: make(map[Key]Entry),
		epochs:      make(map[Key]uint64),
		now:         time.Now,
		invalidated: make(map[Key]uint64),
	}
}

// Get returns the snapshot for key, if present.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e, ok
}

// Put stores a fresh snapshot.
func (s *Store) Put(key Key, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value)
}

// Invalidate marks every entry under prefix as stale. Stale entries stay readable
// until refetched. Fetches under prefix that started before the call commit
// their result as stale.
func (s *Store) Invalidate(prefix Key) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateLocked(prefix)
}

// Remove hard-deletes key and advances its removal epoch, so fetches that started
// before the removal cannot write it back.
func (s *Store) Remove(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Observe captures the current mutation epoch for key. The epoch advances on
// Remove and on every Apply that touches the key.
func (s *Store) Observe(key Key) Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Ticket{key: key, epoch: s.epochs[key], gen: s.gen}
}

// Commit writes value only if key was not removed or mutated since the ticket
// was taken, so a slow read never overwrites a confirmed mutation result.
// A value read before an invalidation covering key is stored stale.
func (s *Store) Commit(t Ticket, value any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epochs[t.key] != t.epoch {
		return false
	}
	s.putLocked(t.key, value)
	if s.invalidatedSinceLocked(t) {
		e := s.entries[t.key]
		e.Stale = true
		s.entries[t.key] = e
	}
	return true
}

// Apply performs a mutation result atomically.
func (s *Store) Apply(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Key != "" {
		if r.Remove {
			s.removeLocked(r.Key)
		} else {
			s.putLocked(r.Key, r.Value)
			s.epochs[r.Key]++
		}
	}
	for _, prefix := range r.Invalidate {
		s.invalidateLocked(prefix)
	}
}

// Keys returns the keys under prefix, in no particular order.
func (s *Store) Keys(prefix Key) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.entries))
	for k := range s.entries {
		if k.HasPrefix(prefix) {
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) putLocked(key Key, value any) {
	s.entries[key] = Entry{Value: value, UpdatedAt: s.now()}
}

func (s *Store) invalidatedSinceLocked(t Ticket) bool {
	for prefix, gen := range s.invalidated {
		if gen > t.gen && t.key.HasPrefix(prefix) {
			return true
		}
	}
	return false
}

func (s *Store) invalidateLocked(prefix Key) int {
	s.gen++
	s.invalidated[prefix] = s.gen
	n := 0
	for k, e := range s.entries {
		if !k.HasPrefix(prefix) {
			continue
		}
		e.Stale = true
		s.entries[k] = e
		n++
	}
	return n
}

func (s *Store) removeLocked(key Key) {
	delete(s.entries, key)
	s.epochs[key]++
}

// Lookup returns the typed snapshot for key. ok is false when the key is absent
// or holds a value of another type.
func Lookup[T any](s *Store, key Key) (value T, stale bool, ok bool) {
	e, found := s.Get(key)
	if !found {
		return value, false, false
	}
	v, typed := e.Value.(T)
	if !typed {
		return value, false, false
	}
	return v, e.Stale, true
}
