package resume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/brandcanvas/realtime/protocol"
)

// RedisOptions configures the shared resumption store.
type RedisOptions struct {
	Client *redis.Client
	// Prefix namespaces the store's keys; defaults to "resume:".
	Prefix string
	// Window is the resumption grace period. Defaults to DefaultWindow.
	Window time.Duration
	// HistoryDepth bounds each channel's recent-message list.
	HistoryDepth int
}

// RedisStore keeps resumption buffers in the shared Redis, so a client may
// reconnect to a different instance than the one that buffered for it.
// Expiry is keyed to the last write rather than per entry: the whole
// buffer lives for one window past the session's most recent message,
// which is never shorter than expiring each entry individually.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	window       time.Duration
	historyDepth int
}

type redisEntry struct {
	Seq      uint64 `msgpack:"s"`
	Envelope []byte `msgpack:"e"`
}

// NewRedis builds a Redis-backed store.
func NewRedis(opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "resume:"
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.HistoryDepth <= 0 {
		opts.HistoryDepth = DefaultHistoryDepth
	}
	return &RedisStore{
		client:       opts.Client,
		prefix:       opts.Prefix,
		window:       opts.Window,
		historyDepth: opts.HistoryDepth,
	}
}

func (s *RedisStore) bufKey(sessionID string) string   { return s.prefix + "buf:" + sessionID }
func (s *RedisStore) stateKey(sessionID string) string { return s.prefix + "state:" + sessionID }
func (s *RedisStore) histKey(channel string) string    { return s.prefix + "hist:" + channel }

// Record implements Store. The envelope arrives already sequenced, so one
// pipelined round trip appends, trims and refreshes the buffer.
func (s *RedisStore) Record(ctx context.Context, sessionID string, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("resume: marshal envelope: %w", err)
	}
	raw, err := msgpack.Marshal(redisEntry{Seq: env.Seq, Envelope: payload})
	if err != nil {
		return fmt.Errorf("resume: marshal entry: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.bufKey(sessionID), raw)
	pipe.LTrim(ctx, s.bufKey(sessionID), -maxBufferEntries, -1)
	pipe.PExpire(ctx, s.bufKey(sessionID), s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resume: buffer envelope for %s: %w", sessionID, err)
	}
	return nil
}

// Replay implements Store.
func (s *RedisStore) Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]*protocol.Envelope, error) {
	raws, err := s.client.LRange(ctx, s.bufKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("resume: read buffer for %s: %w", sessionID, err)
	}
	var out []*protocol.Envelope
	for _, raw := range raws {
		var e redisEntry
		if err := msgpack.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("resume: unmarshal entry: %w", err)
		}
		if e.Seq <= afterSeq {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(e.Envelope, &env); err != nil {
			return nil, fmt.Errorf("resume: unmarshal envelope: %w", err)
		}
		out = append(out, &env)
	}
	return out, nil
}

// RecordHistory implements Store.
func (s *RedisStore) RecordHistory(ctx context.Context, channel string, env *protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("resume: marshal history envelope: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, s.histKey(channel), payload)
	pipe.LTrim(ctx, s.histKey(channel), int64(-s.historyDepth), -1)
	pipe.PExpire(ctx, s.histKey(channel), s.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("resume: record history for %s: %w", channel, err)
	}
	return nil
}

// History implements Store.
func (s *RedisStore) History(ctx context.Context, channel string, limit int) ([]*protocol.Envelope, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raws, err := s.client.LRange(ctx, s.histKey(channel), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("resume: read history for %s: %w", channel, err)
	}
	out := make([]*protocol.Envelope, 0, len(raws))
	for _, raw := range raws {
		var env protocol.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("resume: unmarshal history envelope: %w", err)
		}
		out = append(out, &env)
	}
	return out, nil
}

// SaveState implements Store.
func (s *RedisStore) SaveState(ctx context.Context, sessionID string, state SessionState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("resume: marshal session state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(sessionID), raw, s.window).Err(); err != nil {
		return fmt.Errorf("resume: save session state for %s: %w", sessionID, err)
	}
	return nil
}

// State implements Store.
func (s *RedisStore) State(ctx context.Context, sessionID string) (*SessionState, error) {
	raw, err := s.client.Get(ctx, s.stateKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resume: read session state for %s: %w", sessionID, err)
	}
	var state SessionState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("resume: unmarshal session state: %w", err)
	}
	return &state, nil
}

// Drop implements Store.
func (s *RedisStore) Drop(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.bufKey(sessionID), s.stateKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("resume: drop buffer for %s: %w", sessionID, err)
	}
	return nil
}

// Close implements Store. The Redis client is owned by the caller.
func (s *RedisStore) Close() error { return nil }
