package broker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/protocol"
	"github.com/brandcanvas/realtime/telemetry"
)

// ErrBridgeClosed is returned by operations on a closed bridge.
var ErrBridgeClosed = errors.New("broker: bridge closed")

// RedisOptions configures a Redis-backed bridge.
type RedisOptions struct {
	Client *redis.Client
	// InstanceID tags published frames so this instance can filter its
	// own echoes out of the shared subscription.
	InstanceID string
	// Prefix namespaces broker topics; defaults to "realtime:".
	Prefix  string
	Logger  *zap.Logger
	Metrics *telemetry.Metrics
}

// RedisBridge synchronizes channel traffic across instances through Redis
// pub/sub. Broker unavailability degrades to local-only delivery; a
// background loop with exponential backoff (base 100ms, factor 2, cap 30s,
// jitter) restores cross-instance fan-out and re-issues every channel
// subscription.
type RedisBridge struct {
	client   *redis.Client
	instance string
	prefix   string
	log      *zap.Logger
	metrics  *telemetry.Metrics

	connected atomic.Bool
	closed    atomic.Bool

	mu      sync.Mutex
	subs    map[string]struct{}
	ps      *redis.PubSub
	runCtx  context.Context
	handler Handler
}

// NewRedis builds a Redis bridge. Start must be called before traffic
// flows.
func NewRedis(opts RedisOptions) *RedisBridge {
	if opts.Prefix == "" {
		opts.Prefix = "realtime:"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New()
	}
	return &RedisBridge{
		client:   opts.Client,
		instance: opts.InstanceID,
		prefix:   opts.Prefix,
		log:      opts.Logger,
		metrics:  opts.Metrics,
		subs:     make(map[string]struct{}),
	}
}

// Start implements Bridge.
func (b *RedisBridge) Start(ctx context.Context, h Handler) error {
	b.mu.Lock()
	b.handler = h
	b.runCtx = ctx
	b.mu.Unlock()
	go b.run(ctx)
	return nil
}

func (b *RedisBridge) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil && !b.closed.Load() {
		ps, err := b.open(ctx)
		if err != nil {
			b.setConnected(false)
			wait := bo.NextBackOff()
			b.log.Warn("broker unreachable, retrying",
				zap.Duration("backoff", wait), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		bo.Reset()
		if b.setConnected(true) {
			b.metrics.BrokerReconnects.Inc()
		}
		b.consume(ctx, ps)
		b.setConnected(false)
		_ = ps.Close()
	}
}

// open pings the broker, establishes the shared subscription and re-issues
// every tracked channel.
func (b *RedisBridge) open(ctx context.Context) (*redis.PubSub, error) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	ps := b.client.Subscribe(ctx)

	b.mu.Lock()
	names := make([]string, 0, len(b.subs))
	for name := range b.subs {
		names = append(names, b.prefix+name)
	}
	b.ps = ps
	b.mu.Unlock()

	if len(names) > 0 {
		if err := ps.Subscribe(ctx, names...); err != nil {
			_ = ps.Close()
			return nil, err
		}
	}
	return ps, nil
}

func (b *RedisBridge) consume(ctx context.Context, ps *redis.PubSub) {
	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil && !b.closed.Load() {
				b.log.Warn("broker subscription lost", zap.Error(err))
			}
			return
		}
		instance, channel, env, err := decodeFrame([]byte(msg.Payload))
		if err != nil {
			b.log.Warn("dropping undecodable broker frame",
				zap.String("topic", msg.Channel), zap.Error(err))
			continue
		}
		if instance == b.instance {
			// The same instance that publishes also subscribes; skip
			// self-originated echoes.
			continue
		}
		b.metrics.BrokerReceived.Inc()
		b.mu.Lock()
		h := b.handler
		b.mu.Unlock()
		if h != nil {
			h(channel, env)
		}
	}
}

// Publish implements Bridge. While degraded the envelope is counted and
// dropped; local fan-out has already happened and must not wait on the
// broker.
func (b *RedisBridge) Publish(ctx context.Context, channel string, env *protocol.Envelope) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	if !b.connected.Load() {
		b.metrics.BrokerDropped.Inc()
		return nil
	}
	raw, err := encodeFrame(b.instance, channel, env)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.prefix+channel, raw).Err(); err != nil {
		b.metrics.BrokerDropped.Inc()
		b.log.Warn("broker publish failed",
			zap.String("channel", channel), zap.Error(err))
		return nil
	}
	b.metrics.BrokerPublished.Inc()
	return nil
}

// SubscribeChannel implements Bridge.
func (b *RedisBridge) SubscribeChannel(channel string) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	b.mu.Lock()
	if _, ok := b.subs[channel]; ok {
		b.mu.Unlock()
		return nil
	}
	b.subs[channel] = struct{}{}
	ps, ctx := b.ps, b.runCtx
	b.mu.Unlock()

	if ps == nil {
		// Re-issued by the reconnect loop once the broker is back.
		return nil
	}
	return ps.Subscribe(ctx, b.prefix+channel)
}

// UnsubscribeChannel implements Bridge.
func (b *RedisBridge) UnsubscribeChannel(channel string) error {
	if b.closed.Load() {
		return ErrBridgeClosed
	}
	b.mu.Lock()
	if _, ok := b.subs[channel]; !ok {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, channel)
	ps, ctx := b.ps, b.runCtx
	b.mu.Unlock()

	if ps == nil {
		return nil
	}
	return ps.Unsubscribe(ctx, b.prefix+channel)
}

// Connected implements Bridge.
func (b *RedisBridge) Connected() bool { return b.connected.Load() }

// Close implements Bridge.
func (b *RedisBridge) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	b.mu.Lock()
	ps := b.ps
	b.mu.Unlock()
	if ps != nil {
		return ps.Close()
	}
	return nil
}

// setConnected flips the connectivity flag, returning true when the state
// changed to connected.
func (b *RedisBridge) setConnected(ok bool) bool {
	was := b.connected.Swap(ok)
	if ok {
		b.metrics.BrokerDegraded.Set(0)
	} else {
		b.metrics.BrokerDegraded.Set(1)
	}
	return ok && !was
}
