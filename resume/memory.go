package resume

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/brandcanvas/realtime/protocol"
)

const shardCount = 32

// MemoryOptions tunes the in-memory store.
type MemoryOptions struct {
	// Window is the resumption grace period. Defaults to DefaultWindow.
	Window time.Duration
	// SweepInterval controls how often expired entries are pruned.
	// Defaults to one minute.
	SweepInterval time.Duration
	// HistoryDepth bounds each channel's recent-message ring.
	HistoryDepth int
}

// MemoryStore keeps resumption buffers in process memory. Resumption then
// only succeeds against the instance that buffered; use the Redis store
// when clients may reconnect anywhere.
type MemoryStore struct {
	window       time.Duration
	historyDepth int

	shards  [shardCount]memoryShard
	histMu  sync.Mutex
	history map[string][]entry

	stop sync.Once
	done chan struct{}
}

type memoryShard struct {
	mu       sync.Mutex
	sessions map[string]*sessionBuffer
}

type sessionBuffer struct {
	entries []entry
	state   *SessionState
}

type entry struct {
	seq       uint64
	env       *protocol.Envelope
	expiresAt time.Time
}

// NewMemory builds a memory store and starts its background sweep.
func NewMemory(opts MemoryOptions) *MemoryStore {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	s := &MemoryStore{
		window:       opts.Window,
		historyDepth: opts.HistoryDepth,
		history:      make(map[string][]entry),
		done:         make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*sessionBuffer)
	}
	go s.sweep(opts.SweepInterval)
	return s
}

func (s *MemoryStore) shard(sessionID string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.shards[h.Sum32()%shardCount]
}

// Record implements Store.
func (s *MemoryStore) Record(_ context.Context, sessionID string, env *protocol.Envelope) error {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf, ok := sh.sessions[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		sh.sessions[sessionID] = buf
	}
	buf.entries = append(buf.entries, entry{
		seq:       env.Seq,
		env:       env,
		expiresAt: time.Now().Add(s.window),
	})
	if len(buf.entries) > maxBufferEntries {
		buf.entries = buf.entries[len(buf.entries)-maxBufferEntries:]
	}
	return nil
}

// Replay implements Store.
func (s *MemoryStore) Replay(_ context.Context, sessionID string, afterSeq uint64) ([]*protocol.Envelope, error) {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf, ok := sh.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	var out []*protocol.Envelope
	for _, e := range buf.entries {
		if e.seq > afterSeq && e.expiresAt.After(now) {
			out = append(out, e.env)
		}
	}
	return out, nil
}

// RecordHistory implements Store.
func (s *MemoryStore) RecordHistory(_ context.Context, channel string, env *protocol.Envelope) error {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	ring := append(s.history[channel], entry{
		env:       env,
		expiresAt: time.Now().Add(s.window),
	})
	if len(ring) > s.historyDepth {
		ring = ring[len(ring)-s.historyDepth:]
	}
	s.history[channel] = ring
	return nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, channel string, limit int) ([]*protocol.Envelope, error) {
	s.histMu.Lock()
	defer s.histMu.Unlock()

	ring := s.history[channel]
	now := time.Now()
	live := make([]*protocol.Envelope, 0, len(ring))
	for _, e := range ring {
		if e.expiresAt.After(now) {
			live = append(live, e.env)
		}
	}
	if limit > 0 && len(live) > limit {
		live = live[len(live)-limit:]
	}
	return live, nil
}

// SaveState implements Store.
func (s *MemoryStore) SaveState(_ context.Context, sessionID string, state SessionState) error {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf, ok := sh.sessions[sessionID]
	if !ok {
		buf = &sessionBuffer{}
		sh.sessions[sessionID] = buf
	}
	snapshot := state
	snapshot.Channels = append([]string(nil), state.Channels...)
	buf.state = &snapshot
	return nil
}

// State implements Store.
func (s *MemoryStore) State(_ context.Context, sessionID string) (*SessionState, error) {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	buf, ok := sh.sessions[sessionID]
	if !ok || buf.state == nil {
		return nil, nil
	}
	snapshot := *buf.state
	snapshot.Channels = append([]string(nil), buf.state.Channels...)
	return &snapshot, nil
}

// Drop implements Store.
func (s *MemoryStore) Drop(_ context.Context, sessionID string) error {
	sh := s.shard(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	return nil
}

// Close stops the background sweep.
func (s *MemoryStore) Close() error {
	s.stop.Do(func() { close(s.done) })
	return nil
}

func (s *MemoryStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pruneExpired()
		}
	}
}

func (s *MemoryStore) pruneExpired() {
	now := time.Now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, buf := range sh.sessions {
			kept := buf.entries[:0]
			for _, e := range buf.entries {
				if e.expiresAt.After(now) {
					kept = append(kept, e)
				}
			}
			// An emptied buffer keeps its slot: the session may still be
			// live and merely quiet, and its state snapshot stays useful.
			buf.entries = kept
		}
		sh.mu.Unlock()
	}

	s.histMu.Lock()
	for channel, ring := range s.history {
		kept := ring[:0]
		for _, e := range ring {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(s.history, channel)
			continue
		}
		s.history[channel] = kept
	}
	s.histMu.Unlock()
}
