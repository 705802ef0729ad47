package session

import (
	"errors"
	"hash/fnv"
	"sync"
)

// Registry errors.
var (
	ErrDuplicateSession = errors.New("session: duplicate session id")
	ErrAlreadyAttached  = errors.New("session: already attached")
)

const shardCount = 32

// Releaser removes a session from every channel it is subscribed to. The
// channel router implements it; the indirection exists because the router
// depends on this package.
type Releaser interface {
	ReleaseAll(s *Session)
}

// Registry is a sharded index of live sessions keyed by session id. Many
// connection goroutines touch it concurrently; sharding keeps unrelated
// sessions off each other's locks.
type Registry struct {
	shards   [shardCount]registryShard
	releaser Releaser
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry builds an empty registry. Bind must be called with the
// channel router before the first Unregister.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

// Bind wires the channel router used to release subscriptions on
// unregister.
func (r *Registry) Bind(rel Releaser) { r.releaser = rel }

func (r *Registry) shard(id string) *registryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

// Register inserts a session. Session ids are server-generated, so a
// collision indicates a bug rather than a client error.
func (r *Registry) Register(s *Session) error {
	sh := r.shard(s.ID())
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, ok := sh.sessions[s.ID()]; ok {
		return ErrDuplicateSession
	}
	sh.sessions[s.ID()] = s
	return nil
}

// Unregister removes a session, first releasing every channel subscription
// it holds so no dangling references remain in the router, then stopping
// its background persister. It reports whether the session existed.
func (r *Registry) Unregister(id string) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	s, ok := sh.sessions[id]
	if ok {
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()
	if !ok {
		return false
	}
	if r.releaser != nil {
		r.releaser.ReleaseAll(s)
	}
	s.Close()
	return true
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[id]
	return s, ok
}

// Touch updates a session's last-seen time, reporting whether it exists.
func (r *Registry) Touch(id string) bool {
	s, ok := r.Get(id)
	if !ok {
		return false
	}
	s.Touch()
	return true
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Range calls f for every registered session until f returns false. The
// snapshot per shard is taken under the shard lock; f runs without it, so
// f may call back into the registry.
func (r *Registry) Range(f func(s *Session) bool) {
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		snapshot := make([]*Session, 0, len(sh.sessions))
		for _, s := range sh.sessions {
			snapshot = append(snapshot, s)
		}
		sh.mu.RUnlock()
		for _, s := range snapshot {
			if !f(s) {
				return
			}
		}
	}
}
