package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/channel"
	"github.com/brandcanvas/realtime/protocol"
	"github.com/brandcanvas/realtime/resume"
	"github.com/brandcanvas/realtime/session"
)

// deliveredType maps a client request type to the type subscribers see.
// Unknown types pass through unchanged so newer clients can talk through
// an older gateway.
func deliveredType(t string) string {
	switch t {
	case protocol.TypeCanvasUpdate:
		return protocol.TypeCanvasUpdated
	case protocol.TypeCursorPosition:
		return protocol.TypeCursorMoved
	case protocol.TypeAIRequest:
		return protocol.TypeAIResponse
	default:
		return t
	}
}

// handleEnvelope dispatches one decoded client envelope. hb may be nil when
// no heartbeat monitor is running. Protocol violations answer with an error
// envelope and keep the connection open; disconnection policy lives in the
// read loop.
func (h *Handler) handleEnvelope(ctx context.Context, sess *session.Session, env *protocol.Envelope, hb *heartbeatMonitor) {
	switch env.Type {
	case protocol.TypeConnectionInit:
		h.sendError(sess, protocol.CodeInvalidMessage, "connection already initialized", env.TraceID)

	case protocol.TypeSubscribe:
		h.handleSubscribe(ctx, sess, env)

	case protocol.TypeUnsubscribe:
		h.handleUnsubscribe(ctx, sess, env)

	case protocol.TypeHeartbeat:
		ack, _ := protocol.New(protocol.TypeHeartbeatAck, nil)
		sess.EnqueueControl(ack)

	case protocol.TypeHeartbeatAck:
		if hb != nil {
			hb.ack()
		}

	default:
		h.handlePublish(ctx, sess, env)
	}
}

func (h *Handler) handleSubscribe(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	var p protocol.SubscribePayload
	if err := env.DecodeData(&p); err != nil || p.Channel == "" {
		h.sendError(sess, protocol.CodeInvalidMessage, "subscribe requires data.channel", env.TraceID)
		return
	}

	count, err := h.router.Subscribe(ctx, sess, p.Channel)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrForbidden):
			h.sendError(sess, protocol.CodeForbidden, "not authorized for channel "+p.Channel, env.TraceID)
		case errors.Is(err, channel.ErrInvalidChannel):
			h.sendError(sess, protocol.CodeInvalidMessage, err.Error(), env.TraceID)
		default:
			h.log.Error("subscribe failed",
				zap.String("session_id", sess.ID()),
				zap.String("channel", p.Channel), zap.Error(err))
			h.sendError(sess, protocol.CodeSubscriptionFailed, "subscription failed", env.TraceID)
		}
		return
	}

	ack, _ := protocol.New(protocol.TypeSubscribed, protocol.SubscribedPayload{
		Channel:          p.Channel,
		ParticipantCount: count,
	})
	sess.EnqueueControl(ack)
	h.snapshotState(ctx, sess)

	if p.Options.History {
		h.replayHistory(ctx, sess, p.Channel)
	}
}

// snapshotState mirrors the subscription set into the resumption store so
// a resume landing on another instance can restore it.
func (h *Handler) snapshotState(ctx context.Context, sess *session.Session) {
	state := resume.SessionState{
		Owner:    sess.Identity().UserID,
		Channels: sess.Channels(),
	}
	if err := h.store.SaveState(ctx, sess.ID(), state); err != nil {
		h.log.Debug("snapshot session state failed",
			zap.String("session_id", sess.ID()), zap.Error(err))
	}
}

// replayHistory queues the channel's recent messages after the subscribed
// ack. Replayed history bypasses the resumption buffer: the envelopes were
// recorded by their origin sessions already.
func (h *Handler) replayHistory(ctx context.Context, sess *session.Session, name string) {
	envs, err := h.store.History(ctx, name, h.cfg.HistoryLimit)
	if err != nil {
		h.log.Warn("history replay failed",
			zap.String("channel", name), zap.Error(err))
		return
	}
	for _, env := range envs {
		if !sess.EnqueueControl(env) {
			return
		}
	}
}

func (h *Handler) handleUnsubscribe(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	var p protocol.SubscribePayload
	if err := env.DecodeData(&p); err != nil || p.Channel == "" {
		h.sendError(sess, protocol.CodeInvalidMessage, "unsubscribe requires data.channel", env.TraceID)
		return
	}

	err := h.router.Unsubscribe(sess, p.Channel)
	if err != nil && errors.Is(err, channel.ErrInvalidChannel) {
		h.sendError(sess, protocol.CodeInvalidMessage, err.Error(), env.TraceID)
		return
	}
	// ErrNotSubscribed acks anyway: unsubscribing twice is a no-op.
	ack, _ := protocol.New(protocol.TypeUnsubscribed, protocol.UnsubscribedPayload{Channel: p.Channel})
	sess.EnqueueControl(ack)
	h.snapshotState(ctx, sess)
}

func (h *Handler) handlePublish(ctx context.Context, sess *session.Session, env *protocol.Envelope) {
	var p protocol.ChannelPayload
	if err := env.DecodeData(&p); err != nil || p.Channel == "" {
		h.sendError(sess, protocol.CodeInvalidMessage, "publish requires data.channel", env.TraceID)
		return
	}
	if !sess.Subscribed(p.Channel) {
		h.sendError(sess, protocol.CodeForbidden, "publish requires an active subscription to "+p.Channel, env.TraceID)
		return
	}

	out := &protocol.Envelope{
		Type:      deliveredType(env.Type),
		SessionID: sess.ID(),
		Timestamp: env.Timestamp,
		Data:      env.Data,
		TraceID:   env.TraceID,
	}
	h.router.PublishLocal(p.Channel, out, sess.ID())

	if err := h.store.RecordHistory(ctx, p.Channel, out); err != nil {
		h.log.Warn("record channel history failed",
			zap.String("channel", p.Channel), zap.Error(err))
	}
	if err := h.bridge.Publish(ctx, p.Channel, out); err != nil {
		h.log.Warn("broker publish failed, delivery was local-only",
			zap.String("channel", p.Channel), zap.Error(err))
	}
}

func (h *Handler) sendError(sess *session.Session, code, message, originalID string) {
	h.metrics.ErrorsSent.WithLabelValues(code).Inc()
	sess.EnqueueControl(protocol.NewError(code, message, originalID))
}
