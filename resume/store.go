// Package resume buffers recent per-session traffic so a client that
// reconnects within the grace window can replay what it missed. The buffer
// is time-bounded and best-effort; it is not a system of record.
package resume

import (
	"context"
	"errors"
	"time"

	"github.com/brandcanvas/realtime/protocol"
)

// DefaultWindow is the grace period during which a disconnected session's
// buffer remains replayable.
const DefaultWindow = 15 * time.Minute

// DefaultHistoryDepth bounds the per-channel recent-message buffer used
// for best-effort history replay on subscribe.
const DefaultHistoryDepth = 64

// ErrStoreClosed is returned by operations on a closed store.
var ErrStoreClosed = errors.New("resume: store closed")

// SessionState is the resumable part of a session beyond its message
// buffer: who owns it and what it was subscribed to.
type SessionState struct {
	Owner    string   `json:"owner"`
	Channels []string `json:"channels"`
}

// maxBufferEntries bounds a single session's buffer so a long-gone client
// cannot grow it without limit inside the window.
const maxBufferEntries = 4096

// Store persists sequenced envelopes and replays them. Sequence numbers
// are assigned by the session that owns the envelope; the store only keeps
// copies. The memory implementation is per-instance; the Redis
// implementation shares buffers across instances so a client may resume
// against any of them.
type Store interface {
	// Record buffers an envelope, which already carries its sequence
	// number, with an expiry.
	Record(ctx context.Context, sessionID string, env *protocol.Envelope) error
	// Replay returns the buffered envelopes with sequence numbers greater
	// than afterSeq, in order.
	Replay(ctx context.Context, sessionID string, afterSeq uint64) ([]*protocol.Envelope, error)
	// RecordHistory appends an envelope to a channel's recent-message
	// ring for best-effort history replay.
	RecordHistory(ctx context.Context, channel string, env *protocol.Envelope) error
	// History returns up to limit recent envelopes for the channel,
	// oldest first.
	History(ctx context.Context, channel string, limit int) ([]*protocol.Envelope, error)
	// SaveState snapshots the session's owner and subscription set so a
	// resume on another instance can verify ownership and restore the
	// subscriptions.
	SaveState(ctx context.Context, sessionID string, state SessionState) error
	// State returns the last snapshot, or nil when none exists.
	State(ctx context.Context, sessionID string) (*SessionState, error)
	// Drop discards a session's buffer, ending its resumption window.
	Drop(ctx context.Context, sessionID string) error
	Close() error
}
