package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultMaxPayload is the frame size limit applied when none is configured.
const DefaultMaxPayload = 64 * 1024

// ErrEmptyData is returned when a payload is required but absent.
var ErrEmptyData = errors.New("protocol: envelope has no data")

// DecodeError describes why a raw frame was rejected. Code is one of the
// wire error codes and is safe to send back to the client verbatim.
type DecodeError struct {
	Code      string
	Reason    string
	Oversized bool
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("protocol: %s: %s", e.Code, e.Reason)
}

// Codec validates, parses and serializes wire envelopes. It also tracks the
// last timestamp seen per sender so clock regressions can be logged without
// rejecting traffic.
type Codec struct {
	maxPayload int
	log        *zap.Logger

	mu       sync.Mutex
	lastSeen map[string]time.Time
}

// NewCodec builds a codec enforcing the given payload limit in bytes.
// A zero or negative limit selects DefaultMaxPayload.
func NewCodec(maxPayload int, log *zap.Logger) *Codec {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Codec{
		maxPayload: maxPayload,
		log:        log,
		lastSeen:   make(map[string]time.Time),
	}
}

// MaxPayload reports the configured frame size limit.
func (c *Codec) MaxPayload() int { return c.maxPayload }

// Decode parses and validates a raw frame. A frame exactly at the size
// limit is accepted; one byte over is rejected. Unrecognized types are
// passed through untouched for forward compatibility.
func (c *Codec) Decode(raw []byte) (*Envelope, *DecodeError) {
	if len(raw) > c.maxPayload {
		return nil, &DecodeError{
			Code:      CodeInvalidMessage,
			Reason:    fmt.Sprintf("frame of %d bytes exceeds limit of %d", len(raw), c.maxPayload),
			Oversized: true,
		}
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Code: CodeInvalidMessage, Reason: "malformed JSON frame"}
	}
	if env.Type == "" {
		return nil, &DecodeError{Code: CodeInvalidMessage, Reason: "missing type"}
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.TraceID == "" {
		env.TraceID = uuid.NewString()
	}
	return &env, nil
}

// Encode serializes an envelope to a wire frame.
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s envelope: %w", env.Type, err)
	}
	return b, nil
}

// ObserveTimestamp records the timestamp of a sender's message and logs a
// warning if it moved backwards. Regressions are tolerated (client clock
// skew), never rejected.
func (c *Codec) ObserveTimestamp(sessionID string, ts time.Time) {
	c.mu.Lock()
	last, ok := c.lastSeen[sessionID]
	if !ok || !ts.Before(last) {
		c.lastSeen[sessionID] = ts
	}
	c.mu.Unlock()

	if ok && ts.Before(last) {
		c.log.Warn("non-monotonic timestamp from session",
			zap.String("session_id", sessionID),
			zap.Time("previous", last),
			zap.Time("received", ts))
	}
}

// ForgetSession drops the timestamp state for a closed session.
func (c *Codec) ForgetSession(sessionID string) {
	c.mu.Lock()
	delete(c.lastSeen, sessionID)
	c.mu.Unlock()
}
