// Package session holds the per-connection session entity and the
// connection registry that indexes live sessions.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/protocol"
)

// RecordFunc persists an envelope that already carries its resumption
// sequence number. It runs on the session's persister goroutine, never
// under the session lock, so it may block on store I/O.
type RecordFunc func(env *protocol.Envelope)

// maxBufferEntries bounds the replay buffer so a long-gone client cannot
// grow it without limit inside the grace window.
const maxBufferEntries = 4096

// Session is the server-side state of one logical client session. The
// gateway goroutines holding the socket own it; the registry holds a
// non-owning index. A session outlives its socket: after a disconnect it
// stays detached for the resumption grace window, during which channel
// traffic keeps flowing into the replay buffer.
//
// The session assigns sequence numbers from a local counter and keeps its
// own replay buffer; the resumption store is written asynchronously and
// only serves resumes that land on another instance.
type Session struct {
	id          string
	identity    auth.Identity
	connectedAt time.Time
	lastSeen    atomic.Int64
	queueDepth  int

	persist     chan *protocol.Envelope
	persistDone chan struct{}
	stop        sync.Once

	mu         sync.Mutex
	nextSeq    uint64
	buffer     []*protocol.Envelope
	channels   map[string]struct{}
	out        chan *protocol.Envelope
	attached   bool
	detachedAt time.Time
	done       chan struct{}
	kicked     bool
}

// New creates an attached session with a bounded outbound queue. record is
// invoked for every application envelope addressed to the session; it may
// be nil when cross-instance resumption is disabled.
func New(id string, identity auth.Identity, queueDepth int, record RecordFunc) *Session {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	s := &Session{
		id:          id,
		identity:    identity,
		connectedAt: time.Now(),
		queueDepth:  queueDepth,
		persistDone: make(chan struct{}),
		channels:    make(map[string]struct{}),
		out:         make(chan *protocol.Envelope, queueDepth),
		attached:    true,
		done:        make(chan struct{}),
	}
	if record != nil {
		s.persist = make(chan *protocol.Envelope, queueDepth)
		go s.persistLoop(record)
	}
	s.Touch()
	return s
}

// persistLoop writes sequenced envelopes to the resumption store in order.
// Keeping the I/O here means neither the publisher fanning out nor the
// write loop draining Out ever waits on the store.
func (s *Session) persistLoop(record RecordFunc) {
	for {
		select {
		case env := <-s.persist:
			record(env)
		case <-s.persistDone:
			for {
				select {
				case env := <-s.persist:
					record(env)
				default:
					return
				}
			}
		}
	}
}

// Close stops the background persister after draining what is already
// queued. The registry calls it when the session is removed for good; a
// merely detached session stays open so buffered traffic keeps reaching
// the store.
func (s *Session) Close() {
	s.stop.Do(func() { close(s.persistDone) })
}

// ID returns the server-generated session identifier.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated identity behind the session.
func (s *Session) Identity() auth.Identity { return s.identity }

// ConnectedAt returns when the session was first established.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Touch updates the last-seen timestamp.
func (s *Session) Touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen returns the last time the session showed signs of life.
func (s *Session) LastSeen() time.Time { return time.Unix(0, s.lastSeen.Load()) }

// AddChannel records a subscription. It reports false when the channel was
// already present. Callers (the channel router) keep this set consistent
// with the channel's subscriber set.
func (s *Session) AddChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; ok {
		return false
	}
	s.channels[name] = struct{}{}
	return true
}

// RemoveChannel drops a subscription, reporting whether it existed.
func (s *Session) RemoveChannel(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[name]; !ok {
		return false
	}
	delete(s.channels, name)
	return true
}

// Subscribed reports whether the session is subscribed to the channel.
func (s *Session) Subscribed(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[name]
	return ok
}

// Channels returns a snapshot of the subscription set.
func (s *Session) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.channels))
	for name := range s.channels {
		out = append(out, name)
	}
	return out
}

// Enqueue sequences an application envelope, keeps it in the replay
// buffer, hands it to the persister, and, if a socket is attached, queues
// it for delivery. It reports false when the outbound queue is full (slow
// consumer) so the caller can apply the disconnect policy. Detached
// sessions buffer silently and report true.
func (s *Session) Enqueue(env *protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	stored := env.WithSeq(s.nextSeq)
	s.bufferLocked(stored)
	if s.persist != nil {
		select {
		case s.persist <- stored:
		default:
			// Persister backlog. The local buffer still covers a resume
			// against this instance.
		}
	}
	if !s.attached {
		return true
	}
	select {
	case s.out <- stored:
		return true
	default:
		return false
	}
}

func (s *Session) bufferLocked(env *protocol.Envelope) {
	if len(s.buffer) >= maxBufferEntries {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:maxBufferEntries-1]
	}
	s.buffer = append(s.buffer, env)
}

// EnqueueControl queues a control envelope (acks, errors, heartbeats)
// without sequencing or buffering it. Control frames are meaningless to
// replay.
func (s *Session) EnqueueControl(env *protocol.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return false
	}
	select {
	case s.out <- env:
		return true
	default:
		return false
	}
}

// Out returns the current outbound queue for the write loop to drain.
func (s *Session) Out() <-chan *protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

// Detach marks the socket gone while keeping session state for the
// resumption grace window. Envelopes already queued but unwritten remain
// in the replay buffer, so nothing is lost by abandoning the queue.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.attached {
		return
	}
	s.attached = false
	s.detachedAt = time.Now()
}

// Detached reports whether the session has no live socket, and since when.
func (s *Session) Detached() (bool, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return false, time.Time{}
	}
	return true, s.detachedAt
}

// Attach adopts the session for a new connection, replaying the buffered
// envelopes with sequence numbers above afterSeq. The replay comes from
// the session's own buffer, so an envelope enqueued concurrently cannot
// fall between replay and live delivery. The replayed envelopes are placed
// at the head of a fresh outbound queue, in order.
func (s *Session) Attach(afterSeq uint64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached {
		return 0, ErrAlreadyAttached
	}

	var replay []*protocol.Envelope
	for _, env := range s.buffer {
		if env.Seq > afterSeq {
			replay = append(replay, env)
		}
	}
	depth := s.queueDepth
	if len(replay) >= depth {
		depth = len(replay) + s.queueDepth
	}
	out := make(chan *protocol.Envelope, depth)
	for _, env := range replay {
		out <- env
	}
	s.out = out
	s.attached = true
	s.detachedAt = time.Time{}
	s.done = make(chan struct{})
	s.kicked = false
	s.Touch()
	return len(replay), nil
}

// SeedSequence raises the sequence counter to at least seq so numbering
// continues past what the client has already acknowledged. Used when a
// session is rebuilt from a shared-store snapshot on another instance.
func (s *Session) SeedSequence(seq uint64) {
	s.mu.Lock()
	if seq > s.nextSeq {
		s.nextSeq = seq
	}
	s.mu.Unlock()
}

// Restore preloads the replay buffer and sequence counter from envelopes
// recovered out of the shared store, queueing them for delivery. The
// envelopes keep the sequence numbers they were stored with.
func (s *Session) Restore(envs []*protocol.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, env := range envs {
		if env.Seq > s.nextSeq {
			s.nextSeq = env.Seq
		}
		s.bufferLocked(env)
		if s.attached {
			select {
			case s.out <- env:
			default:
			}
		}
	}
}

// Kick signals the connection goroutines to tear the socket down. It is
// idempotent and safe from any goroutine.
func (s *Session) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.kicked {
		return
	}
	s.kicked = true
	close(s.done)
}

// Done is closed when the session has been kicked.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
