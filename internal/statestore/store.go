// Package statestore implements wardend's single source of truth: a
// versioned, dot-path-addressed state store with bounded change history,
// subscriptions, and crash-safe persistence.
//
// Writes to a given path are serialized by a per-path mutex so unrelated
// paths never contend; reads load the latest committed entry through an
// atomic pointer and take no locks beyond the map access.
package statestore

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const subscriberBuffer = 256

// Store is the engine's authoritative state store.
type Store struct {
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]*pathSlot

	history *changeRing

	subMu  sync.Mutex
	subs   map[int]*subscription
	nextID int

	sectionMu sync.Mutex
	sections  map[string]Section

	metrics *storeMetrics
}

// pathSlot serializes writers for one path and holds the committed entry.
type pathSlot struct {
	writeMu sync.Mutex
	cur     atomic.Pointer[Entry]
}

type subscription struct {
	prefix string
	ch     chan ChangeRecord
}

// New creates an empty store.
func New(historySize int, logger *zap.Logger) *Store {
	if historySize <= 0 {
		historySize = 4096
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		logger:  logger,
		entries: make(map[string]*pathSlot),
		history: newChangeRing(historySize),
		subs:    make(map[int]*subscription),
		sections: make(map[string]Section),
		metrics: newStoreMetrics(logger),
	}
}

// Get returns the latest committed entry for path.
func (s *Store) Get(path string) (Entry, bool) {
	s.mu.RLock()
	slot, ok := s.entries[path]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e := slot.cur.Load()
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Set commits a new value for path and returns the new version.
func (s *Store) Set(path string, value interface{}) (uint64, error) {
	return s.SetCaused(path, value, "")
}

// SetCaused commits a new value and attributes the change to an issue.
// Used by remediation actions so causal analysis can link the mutation
// back to what prompted it.
func (s *Store) SetCaused(path string, value interface{}, causedByIssueID string) (uint64, error) {
	if err := ValidatePath(path); err != nil {
		return 0, err
	}

	slot := s.slot(path)

	slot.writeMu.Lock()
	old := slot.cur.Load()

	oldDigest := AbsentDigest
	var version uint64 = 1
	if old != nil {
		oldDigest = Digest(old.Value)
		version = old.Version + 1
	}

	entry := &Entry{
		Path:      path,
		Value:     value,
		Version:   version,
		UpdatedAt: time.Now(),
	}
	slot.cur.Store(entry)

	rec := ChangeRecord{
		Path:            path,
		Version:         version,
		OldDigest:       oldDigest,
		NewDigest:       Digest(value),
		Timestamp:       entry.UpdatedAt,
		CausedByIssueID: causedByIssueID,
	}
	// Ring append and notify happen under the write lock so records
	// for one path land in version order; recent() relies on the ring
	// being time-ordered.
	s.history.append(rec)
	s.notify(rec)
	slot.writeMu.Unlock()

	s.metrics.recordWrite(path)

	return version, nil
}

// slot returns the pathSlot for path, creating it if needed.
func (s *Store) slot(path string) *pathSlot {
	s.mu.RLock()
	slot, ok := s.entries[path]
	s.mu.RUnlock()
	if ok {
		return slot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if slot, ok = s.entries[path]; ok {
		return slot
	}
	slot = &pathSlot{}
	s.entries[path] = slot
	return slot
}

// Snapshot returns a copy of all committed entries.
func (s *Store) Snapshot() map[string]Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry, len(s.entries))
	for path, slot := range s.entries {
		if e := slot.cur.Load(); e != nil {
			out[path] = *e
		}
	}
	return out
}

// Subscribe returns a stream of change records for paths under prefix.
// An empty prefix receives every change. The returned cancel function
// unregisters the subscriber and closes the channel.
//
// Slow subscribers never block writers: when the buffer is full the
// record is dropped and counted.
func (s *Store) Subscribe(pathPrefix string) (<-chan ChangeRecord, func()) {
	sub := &subscription{
		prefix: pathPrefix,
		ch:     make(chan ChangeRecord, subscriberBuffer),
	}

	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.subMu.Unlock()
	}
	return sub.ch, cancel
}

func (s *Store) notify(rec ChangeRecord) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		if sub.prefix != "" && !strings.HasPrefix(rec.Path, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- rec:
		default:
			s.metrics.recordDropped()
		}
	}
}

// RecentChanges returns the most recent change records, newest first,
// from within the given window. A limit <= 0 means no limit beyond the
// ring capacity.
func (s *Store) RecentChanges(window time.Duration, limit int) []ChangeRecord {
	return s.history.recent(window, limit)
}

// Len returns the number of distinct paths in the store.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// changeRing is a fixed-capacity ring of change records.
type changeRing struct {
	mu   sync.Mutex
	buf  []ChangeRecord
	next int
	full bool
}

func newChangeRing(capacity int) *changeRing {
	return &changeRing{buf: make([]ChangeRecord, capacity)}
}

func (r *changeRing) append(rec ChangeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// recent returns records within window, newest first.
func (r *changeRing) recent(window time.Duration, limit int) []ChangeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	cutoff := time.Now().Add(-window)

	out := make([]ChangeRecord, 0, size)
	for i := 0; i < size; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		rec := r.buf[idx]
		if window > 0 && rec.Timestamp.Before(cutoff) {
			break
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
