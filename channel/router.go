// Package channel routes published envelopes to the local sessions
// subscribed to a channel. Channels are created lazily on first subscribe
// and garbage-collected when their subscriber set empties.
package channel

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/protocol"
	"github.com/brandcanvas/realtime/session"
)

// Router errors.
var (
	ErrInvalidChannel = errors.New("channel: invalid channel name")
	ErrNotSubscribed  = errors.New("channel: session not subscribed")
)

const shardCount = 32

// MaxNameLength bounds channel names; anything longer is rejected before
// it can bloat broker topics or registry keys.
const MaxNameLength = 128

// Notifier mirrors local channel lifecycle onto the broker bridge so other
// instances' traffic for the channel reaches this one. Calls happen outside
// the router's locks; failures degrade to local-only delivery.
type Notifier interface {
	SubscribeChannel(channel string) error
	UnsubscribeChannel(channel string) error
}

// Options configures a Router.
type Options struct {
	// Authorizer decides subscribe permission. Defaults to allow-all.
	Authorizer auth.Authorizer
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
	// Notifier is optional; without one the router is local-only.
	Notifier Notifier
	// OnSlowConsumer is invoked after a session's outbound queue
	// overflowed during fan-out and the session was kicked.
	OnSlowConsumer func(s *session.Session)
}

// Router maps channel names to locally-connected subscribers. It is safe
// for concurrent use by every connection goroutine; state is sharded by
// channel name so unrelated rooms do not contend.
type Router struct {
	authz  auth.Authorizer
	log    *zap.Logger
	notify Notifier
	onSlow func(*session.Session)
	shards [shardCount]routerShard
}

type routerShard struct {
	mu       sync.RWMutex
	channels map[string]map[string]*session.Session
}

// NewRouter builds a router.
func NewRouter(opts Options) *Router {
	if opts.Authorizer == nil {
		opts.Authorizer = auth.AllowAll()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Router{
		authz:  opts.Authorizer,
		log:    opts.Logger,
		notify: opts.Notifier,
		onSlow: opts.OnSlowConsumer,
	}
	for i := range r.shards {
		r.shards[i].channels = make(map[string]map[string]*session.Session)
	}
	return r
}

// ValidateName checks the hierarchical channel name form
// <resource_type>:<resource_id>[:<sub_resource>].
func ValidateName(name string) error {
	if name == "" || len(name) > MaxNameLength {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	parts := strings.Split(name, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return fmt.Errorf("%w: %q must have two or three segments", ErrInvalidChannel, name)
	}
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidChannel, name)
		}
	}
	return nil
}

func (r *Router) shard(name string) *routerShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &r.shards[h.Sum32()%shardCount]
}

// Subscribe adds the session to the channel after the authorization
// collaborator approves. It returns the participant count including the
// new subscriber. Subscribing twice is idempotent.
func (r *Router) Subscribe(ctx context.Context, s *session.Session, name string) (int, error) {
	if err := ValidateName(name); err != nil {
		return 0, err
	}
	if err := r.authz.Allow(ctx, s.Identity(), name); err != nil {
		return 0, fmt.Errorf("subscribe %s: %w", name, err)
	}

	sh := r.shard(name)
	sh.mu.Lock()
	subs, exists := sh.channels[name]
	if !exists {
		subs = make(map[string]*session.Session)
		sh.channels[name] = subs
	}
	if _, already := subs[s.ID()]; already {
		count := len(subs)
		sh.mu.Unlock()
		return count, nil
	}
	subs[s.ID()] = s
	s.AddChannel(name)
	count := len(subs)
	sh.mu.Unlock()

	if !exists && r.notify != nil {
		if err := r.notify.SubscribeChannel(name); err != nil {
			// Local delivery still works; the bridge recovers on its own.
			r.log.Warn("broker subscribe failed, channel is local-only",
				zap.String("channel", name), zap.Error(err))
		}
	}
	return count, nil
}

// Unsubscribe removes the session from the channel. The second call for
// the same pair is a no-op and returns ErrNotSubscribed.
func (r *Router) Unsubscribe(s *session.Session, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	sh := r.shard(name)
	sh.mu.Lock()
	subs, ok := sh.channels[name]
	if !ok {
		sh.mu.Unlock()
		return ErrNotSubscribed
	}
	if _, ok := subs[s.ID()]; !ok {
		sh.mu.Unlock()
		return ErrNotSubscribed
	}
	delete(subs, s.ID())
	s.RemoveChannel(name)
	empty := len(subs) == 0
	if empty {
		delete(sh.channels, name)
	}
	sh.mu.Unlock()

	if empty && r.notify != nil {
		if err := r.notify.UnsubscribeChannel(name); err != nil {
			r.log.Warn("broker unsubscribe failed",
				zap.String("channel", name), zap.Error(err))
		}
	}
	return nil
}

// ReleaseAll drops every subscription the session holds. The registry
// calls it on unregister so neither side is left dangling.
func (r *Router) ReleaseAll(s *session.Session) {
	for _, name := range s.Channels() {
		if err := r.Unsubscribe(s, name); err != nil && !errors.Is(err, ErrNotSubscribed) {
			r.log.Warn("release subscription failed",
				zap.String("session_id", s.ID()), zap.String("channel", name), zap.Error(err))
		}
	}
}

// PublishLocal delivers the envelope to every locally-subscribed session
// except the originator, returning the delivery count. Slow consumers are
// kicked per the disconnect policy; their missed envelopes stay in the
// resumption buffer.
func (r *Router) PublishLocal(name string, env *protocol.Envelope, originSessionID string) int {
	sh := r.shard(name)
	sh.mu.RLock()
	subs := sh.channels[name]
	targets := make([]*session.Session, 0, len(subs))
	for id, s := range subs {
		if id == originSessionID {
			continue
		}
		targets = append(targets, s)
	}
	sh.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.Enqueue(env) {
			delivered++
			continue
		}
		r.log.Warn("outbound queue overflow, disconnecting slow consumer",
			zap.String("session_id", s.ID()), zap.String("channel", name))
		s.Kick()
		if r.onSlow != nil {
			r.onSlow(s)
		}
	}
	return delivered
}

// Count returns the current subscriber count for a channel.
func (r *Router) Count(name string) int {
	sh := r.shard(name)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.channels[name])
}

// Channels returns a snapshot of the channels with at least one local
// subscriber.
func (r *Router) Channels() []string {
	var out []string
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for name := range sh.channels {
			out = append(out, name)
		}
		sh.mu.RUnlock()
	}
	return out
}
