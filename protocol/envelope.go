// Package protocol defines the wire envelope exchanged over a gateway
// connection and the codec that validates it.
package protocol

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Client-to-server message types.
const (
	TypeConnectionInit = "connection_init"
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypeCanvasUpdate   = "canvas_update"
	TypeCursorPosition = "cursor_position"
	TypeAIRequest      = "ai_request"
	TypeHeartbeat      = "heartbeat"
)

// Server-to-client message types.
const (
	TypeConnectionAck = "connection_ack"
	TypeSubscribed    = "subscribed"
	TypeUnsubscribed  = "unsubscribed"
	TypeCanvasUpdated = "canvas_updated"
	TypeCursorMoved   = "cursor_moved"
	TypeAIResponse    = "ai_response"
	TypeError         = "error"
	TypeHeartbeatAck  = "heartbeat_ack"
)

// Error codes carried in error envelopes.
const (
	CodeAuthFailed         = "AUTH_FAILED"
	CodeForbidden          = "FORBIDDEN"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeRateLimited        = "RATE_LIMITED"
	CodeSubscriptionFailed = "SUBSCRIPTION_FAILED"
	CodeInternalError      = "INTERNAL_ERROR"
)

// Envelope is the structured wrapper around every message exchanged over a
// connection. Envelopes are immutable once constructed; derive a copy with
// WithSeq instead of mutating one that may already be in flight.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Seq       uint64          `json:"seq,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
}

// New builds an envelope of the given type with a marshaled payload.
func New(typ string, data any) (*Envelope, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Envelope{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Data:      raw,
		TraceID:   uuid.NewString(),
	}, nil
}

// NewError builds an error envelope. originalID may be empty when the error
// is not tied to a specific client message.
func NewError(code, message, originalID string) *Envelope {
	env, _ := New(TypeError, ErrorPayload{
		Code:              code,
		Message:           message,
		OriginalMessageID: originalID,
	})
	return env
}

// WithSeq returns a copy of the envelope carrying a resumption sequence
// number. The receiver is left untouched.
func (e *Envelope) WithSeq(seq uint64) *Envelope {
	clone := *e
	clone.Seq = seq
	return &clone
}

// WithSession returns a copy of the envelope attributed to a session.
func (e *Envelope) WithSession(sessionID string) *Envelope {
	clone := *e
	clone.SessionID = sessionID
	return &clone
}

// ErrorPayload is the data section of an error envelope.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}

// ConnectionInitPayload is sent by the client as its first message. A prior
// session id plus the last acknowledged sequence number requests resumption.
type ConnectionInitPayload struct {
	SessionID    string `json:"sessionId,omitempty"`
	LastSequence uint64 `json:"lastSequence,omitempty"`
}

// ConnectionAckPayload acknowledges a successful handshake.
type ConnectionAckPayload struct {
	SessionID   string `json:"sessionId"`
	Resumed     bool   `json:"resumed"`
	ReplayCount int    `json:"replayCount,omitempty"`
}

// SubscribeOptions tunes a subscribe request.
type SubscribeOptions struct {
	// History requests best-effort replay of recent channel messages
	// before live delivery begins. It is not a durability guarantee.
	History bool `json:"history,omitempty"`
}

// SubscribePayload is the data section of subscribe and unsubscribe requests.
type SubscribePayload struct {
	Channel string           `json:"channel"`
	Options SubscribeOptions `json:"options,omitempty"`
}

// SubscribedPayload confirms a subscription.
type SubscribedPayload struct {
	Channel          string `json:"channel"`
	ParticipantCount int    `json:"participantCount"`
}

// UnsubscribedPayload confirms an unsubscription.
type UnsubscribedPayload struct {
	Channel string `json:"channel"`
}

// ChannelPayload is the minimal shape of any application payload that is
// published to a channel. The rest of the payload is opaque to this layer.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

// DecodeData unmarshals the envelope's data section into v.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return ErrEmptyData
	}
	return json.Unmarshal(e.Data, v)
}
