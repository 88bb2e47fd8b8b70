// Package idempotency caches responses for host-facing operations
// keyed by a caller-supplied idempotency key, so a retried HTTP call
// into cmd/reminderd doesn't schedule the same reminder twice.
package idempotency

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Backend is the subset of engine/store.KVStore idempotency needs.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// Response is a cached result of a previously handled request.
type Response struct {
	StatusCode int
	Body       []byte
}

type entry struct {
	Resp      Response
	Timestamp time.Time
}

// Store caches idempotent responses. If backend is nil it falls back
// to an in-memory map, mirroring the reference idempotency.Store's
// "in-memory fallback when Redis is unset" behavior.
type Store struct {
	backend Backend
	now     func() time.Time
	ttl     time.Duration

	cache sync.Map
}

// NewStore creates a Store backed by the given KVStore-like backend.
// now defaults to time.Now if nil.
func NewStore(backend Backend, ttl time.Duration, now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{backend: backend, now: now, ttl: ttl}
}

func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.backend != nil {
		raw, err := s.backend.Get(ctx, key)
		if err != nil {
			return Response{}, false
		}
		var e entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return Response{}, false
		}
		if s.now().Sub(e.Timestamp) > s.ttl {
			return Response{}, false
		}
		return e.Resp, true
	}

	val, ok := s.cache.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(entry)
	if s.now().Sub(e.Timestamp) > s.ttl {
		s.cache.Delete(key)
		return Response{}, false
	}
	return e.Resp, true
}

func (s *Store) Set(ctx context.Context, key string, resp Response) {
	e := entry{Resp: resp, Timestamp: s.now()}

	if s.backend != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			log.Printf("idempotency: marshal failed for %s: %v", key, err)
			return
		}
		if err := s.backend.Put(ctx, key, raw); err != nil {
			log.Printf("idempotency: store put failed for %s: %v", key, err)
		}
		return
	}

	s.cache.Store(key, e)
}
