package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pawsync/reminderengine/engine/store"
)

// shadowIndex is the engine's persisted, per-kind mirror of what it
// has asked the Platform Notifier to schedule (C2/C8's ShadowRecord
// ownership). The Scheduler Core is its only writer; the Resilience
// Supervisor reads its per-kind counts directly for the health check.
type shadowIndex struct {
	kv store.KVStore

	mu    sync.Mutex             // guards the locks map
	locks map[Kind]*sync.Mutex // one lock per kind, guarding load-modify-store of that kind's index
}

func newShadowIndex(kv store.KVStore) *shadowIndex {
	return &shadowIndex{kv: kv, locks: make(map[Kind]*sync.Mutex)}
}

func (s *shadowIndex) lockFor(kind Kind) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[kind]
	if !ok {
		l = &sync.Mutex{}
		s.locks[kind] = l
	}
	return l
}

// load returns the current records for kind, keyed by entityId. It
// must be called with that kind's lock held.
func (s *shadowIndex) load(ctx context.Context, kind Kind) (map[string][]ShadowRecord, error) {
	raw, err := s.kv.Get(ctx, store.ShadowIndexKey(string(kind)))
	if err != nil {
		if err == store.ErrNotFound {
			return make(map[string][]ShadowRecord), nil
		}
		// KV read failure: degrade to empty per spec.md §7.
		return make(map[string][]ShadowRecord), nil
	}
	var m map[string][]ShadowRecord
	if err := json.Unmarshal(raw, &m); err != nil {
		return make(map[string][]ShadowRecord), nil
	}
	return m, nil
}

// store persists the full per-kind index atomically. Must be called
// with that kind's lock held.
func (s *shadowIndex) store(ctx context.Context, kind Kind, m map[string][]ShadowRecord) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.kv.Put(ctx, store.ShadowIndexKey(string(kind)), raw)
}

// withKind runs fn with kind's index loaded, and persists whatever fn
// returns. This is the single choke point every shadow-index mutation
// goes through, giving the "single-writer per kind" guarantee spec.md
// §5 requires.
func (s *shadowIndex) withKind(ctx context.Context, kind Kind, fn func(map[string][]ShadowRecord) (map[string][]ShadowRecord, error)) error {
	lock := s.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	current, err := s.load(ctx, kind)
	if err != nil {
		return err
	}
	updated, err := fn(current)
	if err != nil {
		return err
	}
	return s.store(ctx, kind, updated)
}

// recordsFor returns a copy of the records for (kind, entityID).
func (s *shadowIndex) recordsFor(ctx context.Context, kind Kind, entityID string) []ShadowRecord {
	lock := s.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.load(ctx, kind)
	if err != nil {
		return nil
	}
	return append([]ShadowRecord(nil), m[entityID]...)
}

// allRecords returns every record currently tracked for kind.
func (s *shadowIndex) allRecords(ctx context.Context, kind Kind) []ShadowRecord {
	lock := s.lockFor(kind)
	lock.Lock()
	defer lock.Unlock()

	m, err := s.load(ctx, kind)
	if err != nil {
		return nil
	}
	var out []ShadowRecord
	for _, recs := range m {
		out = append(out, recs...)
	}
	return out
}

// count returns the total number of ShadowRecords tracked for kind.
func (s *shadowIndex) count(ctx context.Context, kind Kind) int {
	return len(s.allRecords(ctx, kind))
}
