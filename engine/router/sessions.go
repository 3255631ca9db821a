package router

import (
	"context"
	"sync"
	"time"

	"github.com/playforge/playforge/engine/store"
)

// SessionBinder keeps an order pinned to the same proxy node across
// consecutive tasks, so a platform sees tasks of one order arrive from a
// stable address.
type SessionBinder interface {
	Bind(ctx context.Context, sessionID, nodeID string, ttl time.Duration) error
	Lookup(ctx context.Context, sessionID string) (string, error)
	Drop(ctx context.Context, sessionID string) error
}

type sessionEntry struct {
	nodeID    string
	expiresAt time.Time
}

// memorySessions is the default binder. Entries expire lazily on lookup;
// a full sweep runs when the map grows past sweepAbove.
type memorySessions struct {
	mu      sync.Mutex
	entries map[string]sessionEntry
}

const sessionSweepAbove = 4096

// NewMemorySessions returns an in-process session binder.
func NewMemorySessions() SessionBinder {
	return &memorySessions{entries: make(map[string]sessionEntry)}
}

func (m *memorySessions) Bind(_ context.Context, sessionID, nodeID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[sessionID] = sessionEntry{nodeID: nodeID, expiresAt: time.Now().Add(ttl)}
	if len(m.entries) > sessionSweepAbove {
		m.sweepLocked(time.Now())
	}
	return nil
}

func (m *memorySessions) Lookup(_ context.Context, sessionID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return "", nil
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, sessionID)
		return "", nil
	}
	return e.nodeID, nil
}

func (m *memorySessions) Drop(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, sessionID)
	return nil
}

func (m *memorySessions) sweepLocked(now time.Time) {
	for id, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, id)
		}
	}
}

// redisSessions shares sticky bindings across engine instances through
// the submission cache's Redis connection.
type redisSessions struct {
	cache *store.RedisCache
}

// NewRedisSessions returns a binder backed by Redis. TTL enforcement is
// delegated to Redis key expiry.
func NewRedisSessions(cache *store.RedisCache) SessionBinder {
	return &redisSessions{cache: cache}
}

func (r *redisSessions) Bind(ctx context.Context, sessionID, nodeID string, ttl time.Duration) error {
	return r.cache.BindSession(ctx, sessionID, nodeID, ttl)
}

func (r *redisSessions) Lookup(ctx context.Context, sessionID string) (string, error) {
	return r.cache.LookupSession(ctx, sessionID)
}

func (r *redisSessions) Drop(ctx context.Context, sessionID string) error {
	return r.cache.DropSession(ctx, sessionID)
}
