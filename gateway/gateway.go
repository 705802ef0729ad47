// Package gateway owns the websocket endpoint: the upgrade, the
// connection_init handshake, the per-connection read/write loops, and the
// dispatch of client envelopes onto the channel router and broker bridge.
package gateway

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/broker"
	"github.com/brandcanvas/realtime/channel"
	"github.com/brandcanvas/realtime/protocol"
	"github.com/brandcanvas/realtime/resume"
	"github.com/brandcanvas/realtime/session"
	"github.com/brandcanvas/realtime/telemetry"
)

// Config tunes per-connection behavior. Zero values select the defaults.
type Config struct {
	// MaxPayload is the inbound frame size limit in bytes.
	MaxPayload int
	// RateLimitPerSecond caps inbound messages per session; heartbeat
	// traffic is exempt.
	RateLimitPerSecond int
	// RateLimitBurst is the token bucket depth. Defaults to the rate.
	RateLimitBurst int
	// RateLimitGrace is how long a client may stay over the limit before
	// it is disconnected instead of throttled.
	RateLimitGrace time.Duration
	// MaxOversizeFrames disconnects a client after this many oversized
	// frames on one connection.
	MaxOversizeFrames int
	// QueueDepth is the outbound queue size per session.
	QueueDepth int
	// HeartbeatInterval is the server ping cadence.
	HeartbeatInterval time.Duration
	// HeartbeatMisses is how many unanswered heartbeats evict a client.
	HeartbeatMisses int
	// HandshakeTimeout bounds the wait for the connection_init frame.
	HandshakeTimeout time.Duration
	// HistoryLimit caps the recent-message replay on subscribe.
	HistoryLimit int
	// WriteTimeout bounds a single frame write.
	WriteTimeout time.Duration
	// ResumeWindow is how long a detached session stays resumable.
	ResumeWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPayload <= 0 {
		c.MaxPayload = protocol.DefaultMaxPayload
	}
	if c.RateLimitPerSecond <= 0 {
		c.RateLimitPerSecond = 100
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = c.RateLimitPerSecond
	}
	if c.RateLimitGrace <= 0 {
		c.RateLimitGrace = 5 * time.Second
	}
	if c.MaxOversizeFrames <= 0 {
		c.MaxOversizeFrames = 3
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = 3
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 25
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ResumeWindow <= 0 {
		c.ResumeWindow = resume.DefaultWindow
	}
	return c
}

// Options wires the gateway to its collaborators.
type Options struct {
	Config    Config
	Logger    *zap.Logger
	Metrics   *telemetry.Metrics
	Validator auth.TokenValidator
	Registry  *session.Registry
	Router    *channel.Router
	Bridge    broker.Bridge
	Store     resume.Store
}

// Handler terminates websocket connections and runs the session protocol
// over them.
type Handler struct {
	cfg       Config
	log       *zap.Logger
	metrics   *telemetry.Metrics
	codec     *protocol.Codec
	validator auth.TokenValidator
	registry  *session.Registry
	router    *channel.Router
	bridge    broker.Bridge
	store     resume.Store
}

// New builds a gateway handler.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.New()
	}
	cfg := opts.Config.withDefaults()
	return &Handler{
		cfg:       cfg,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		codec:     protocol.NewCodec(cfg.MaxPayload, opts.Logger),
		validator: opts.Validator,
		registry:  opts.Registry,
		router:    opts.Router,
		bridge:    opts.Bridge,
		store:     opts.Store,
	}
}

// UpgradeMiddleware rejects plain HTTP requests and stashes the bearer
// token for the websocket handler, which no longer sees HTTP headers.
func (h *Handler) UpgradeMiddleware(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	token := c.Query("token")
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		if bearer, ok := strings.CutPrefix(header, "Bearer "); ok {
			token = bearer
		}
	}
	c.Locals("token", token)
	return c.Next()
}

// WebsocketHandler returns the fiber handler for the realtime endpoint.
// Mount it behind UpgradeMiddleware.
func (h *Handler) WebsocketHandler() fiber.Handler {
	return websocket.New(h.serve)
}

func (h *Handler) serve(c *websocket.Conn) {
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	token, _ := c.Locals("token").(string)
	identity, err := h.validator.Validate(ctx, token)
	if err != nil {
		h.refuse(c, protocol.CodeAuthFailed, "authentication failed")
		return
	}

	sess, ack, ok := h.handshake(ctx, c, identity)
	if !ok {
		return
	}
	h.metrics.ActiveConnections.Inc()
	defer h.metrics.ActiveConnections.Dec()

	// The ack goes out before the pumps start so it precedes any replayed
	// envelope already sitting in the queue.
	if err := h.writeDirect(c, ack); err != nil {
		h.teardown(sess)
		return
	}

	done := sess.Done()
	hb := newHeartbeatMonitor(h.cfg.HeartbeatInterval, h.cfg.HeartbeatMisses,
		func() bool {
			env, _ := protocol.New(protocol.TypeHeartbeat, nil)
			return sess.EnqueueControl(env)
		},
		func() {
			h.log.Info("heartbeat misses exhausted, evicting session",
				zap.String("session_id", sess.ID()))
			sess.Kick()
		})
	go hb.run(ctx)
	go h.writeLoop(c, sess, done)

	h.readLoop(ctx, c, sess, hb)
	h.teardown(sess)
}

// teardown runs when the read loop ends for any reason: client close,
// network error, eviction. The session stays registered and detached so it
// can be resumed inside the grace window; the reaper handles expiry.
func (h *Handler) teardown(sess *session.Session) {
	sess.Kick()
	sess.Detach()
	h.codec.ForgetSession(sess.ID())
	h.log.Info("connection closed",
		zap.String("session_id", sess.ID()),
		zap.String("user_id", sess.Identity().UserID))
}

// handshake reads the connection_init frame and either resumes the named
// session or registers a fresh one. It reports ok=false after writing a
// refusal to the socket.
func (h *Handler) handshake(ctx context.Context, c *websocket.Conn, identity auth.Identity) (*session.Session, *protocol.Envelope, bool) {
	_ = c.SetReadDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	_, raw, err := c.ReadMessage()
	if err != nil {
		return nil, nil, false
	}
	env, derr := h.codec.Decode(raw)
	if derr != nil {
		h.refuse(c, derr.Code, derr.Reason)
		return nil, nil, false
	}
	if env.Type != protocol.TypeConnectionInit {
		h.refuse(c, protocol.CodeInvalidMessage, "expected connection_init")
		return nil, nil, false
	}

	var init protocol.ConnectionInitPayload
	if len(env.Data) > 0 {
		if err := env.DecodeData(&init); err != nil {
			h.refuse(c, protocol.CodeInvalidMessage, "malformed connection_init payload")
			return nil, nil, false
		}
	}

	if init.SessionID != "" {
		if sess, replay, ok := h.tryResume(ctx, init, identity); ok {
			ack, _ := protocol.New(protocol.TypeConnectionAck, protocol.ConnectionAckPayload{
				SessionID:   sess.ID(),
				Resumed:     true,
				ReplayCount: replay,
			})
			return sess, ack, true
		}
	}

	id := uuid.NewString()
	sess := session.New(id, identity, h.cfg.QueueDepth, h.recordFunc(id))
	if err := h.registry.Register(sess); err != nil {
		sess.Close()
		h.refuse(c, protocol.CodeInternalError, "session registration failed")
		return nil, nil, false
	}
	if init.SessionID != "" {
		h.metrics.ResumeAttempts.WithLabelValues("fresh_session").Inc()
	}
	h.snapshotState(ctx, sess)
	h.log.Info("session established",
		zap.String("session_id", id),
		zap.String("user_id", identity.UserID))

	ack, _ := protocol.New(protocol.TypeConnectionAck, protocol.ConnectionAckPayload{SessionID: id})
	return sess, ack, true
}

// recordFunc builds the session's persistence callback. It runs on the
// session's persister goroutine, so store latency never blocks delivery.
func (h *Handler) recordFunc(sessionID string) session.RecordFunc {
	return func(env *protocol.Envelope) {
		if err := h.store.Record(context.Background(), sessionID, env); err != nil {
			h.log.Debug("record for resumption failed",
				zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// tryResume adopts an existing detached session. Any failure falls back to
// a fresh session rather than refusing the connection.
func (h *Handler) tryResume(ctx context.Context, init protocol.ConnectionInitPayload, identity auth.Identity) (*session.Session, int, bool) {
	sess, ok := h.registry.Get(init.SessionID)
	if !ok {
		// Not buffered here. With a shared store the session may have lived
		// on another instance; try to adopt it from the snapshot.
		return h.adoptRemote(ctx, init, identity)
	}
	if sess.Identity().UserID != identity.UserID {
		h.metrics.ResumeAttempts.WithLabelValues("denied").Inc()
		h.log.Warn("resume attempt for another user's session",
			zap.String("session_id", init.SessionID),
			zap.String("user_id", identity.UserID))
		return nil, 0, false
	}
	if detached, since := sess.Detached(); detached && time.Since(since) > h.cfg.ResumeWindow {
		// Past the grace window but not yet reaped; the reaper will
		// collect it on its next pass.
		h.metrics.ResumeAttempts.WithLabelValues("expired").Inc()
		h.log.Info("resume window lapsed",
			zap.String("session_id", init.SessionID),
			zap.Duration("detached_for", time.Since(since)))
		return nil, 0, false
	}

	replay, err := sess.Attach(init.LastSequence)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyAttached) {
			// The previous socket is a zombie; kick it and let the client's
			// retry resume cleanly.
			sess.Kick()
		}
		h.metrics.ResumeAttempts.WithLabelValues("failed").Inc()
		h.log.Warn("session resume failed",
			zap.String("session_id", init.SessionID), zap.Error(err))
		return nil, 0, false
	}

	h.metrics.ResumeAttempts.WithLabelValues("resumed").Inc()
	h.log.Info("session resumed",
		zap.String("session_id", sess.ID()),
		zap.Uint64("after_seq", init.LastSequence),
		zap.Int("replayed", replay))
	return sess, replay, true
}

// adoptRemote rebuilds a session that was buffered by another instance:
// the snapshot proves ownership and carries the subscription set, the
// shared buffer provides the replay. Messages published between the
// replay read and the re-subscribe are lost; cross-instance resumption is
// best-effort by design of the shared store.
func (h *Handler) adoptRemote(ctx context.Context, init protocol.ConnectionInitPayload, identity auth.Identity) (*session.Session, int, bool) {
	state, err := h.store.State(ctx, init.SessionID)
	if err != nil {
		h.metrics.ResumeAttempts.WithLabelValues("failed").Inc()
		h.log.Warn("read session snapshot failed",
			zap.String("session_id", init.SessionID), zap.Error(err))
		return nil, 0, false
	}
	if state == nil {
		h.metrics.ResumeAttempts.WithLabelValues("expired").Inc()
		return nil, 0, false
	}
	if state.Owner != identity.UserID {
		h.metrics.ResumeAttempts.WithLabelValues("denied").Inc()
		h.log.Warn("resume attempt for another user's session",
			zap.String("session_id", init.SessionID),
			zap.String("user_id", identity.UserID))
		return nil, 0, false
	}

	replay, err := h.store.Replay(ctx, init.SessionID, init.LastSequence)
	if err != nil {
		h.metrics.ResumeAttempts.WithLabelValues("failed").Inc()
		h.log.Warn("replay from shared store failed",
			zap.String("session_id", init.SessionID), zap.Error(err))
		return nil, 0, false
	}

	depth := h.cfg.QueueDepth
	if len(replay) >= depth {
		depth = len(replay) + h.cfg.QueueDepth
	}
	sess := session.New(init.SessionID, identity, depth, h.recordFunc(init.SessionID))
	if err := h.registry.Register(sess); err != nil {
		h.metrics.ResumeAttempts.WithLabelValues("failed").Inc()
		sess.Close()
		return nil, 0, false
	}

	// Replay goes in ahead of the re-subscribe so live fan-out cannot
	// interleave with it. Restore also seeds the sequence counter so new
	// envelopes continue past the buffered ones; the client's cursor is
	// the floor in case the buffer was trimmed.
	sess.SeedSequence(init.LastSequence)
	sess.Restore(replay)
	for _, name := range state.Channels {
		if _, err := h.router.Subscribe(ctx, sess, name); err != nil {
			h.log.Warn("restore subscription failed",
				zap.String("session_id", sess.ID()),
				zap.String("channel", name), zap.Error(err))
		}
	}

	h.metrics.ResumeAttempts.WithLabelValues("adopted").Inc()
	h.log.Info("session adopted from shared store",
		zap.String("session_id", sess.ID()),
		zap.Uint64("after_seq", init.LastSequence),
		zap.Int("replayed", len(replay)))
	return sess, len(replay), true
}

func (h *Handler) readLoop(ctx context.Context, c *websocket.Conn, sess *session.Session, hb *heartbeatMonitor) {
	// Read up to twice the limit so oversized frames can be counted and
	// answered with an error envelope; anything beyond that is cut at the
	// transport as a flood guard.
	c.SetReadLimit(2 * int64(h.cfg.MaxPayload))
	readWait := h.cfg.HeartbeatInterval * time.Duration(h.cfg.HeartbeatMisses+1)
	gate := newRateGate(h.cfg.RateLimitPerSecond, h.cfg.RateLimitBurst, h.cfg.RateLimitGrace)
	oversize := 0

	for {
		_ = c.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read failed", zap.String("session_id", sess.ID()), zap.Error(err))
			}
			return
		}
		sess.Touch()

		env, derr := h.codec.Decode(raw)
		if derr != nil {
			if derr.Oversized {
				oversize++
			}
			h.sendError(sess, derr.Code, derr.Reason, "")
			if oversize >= h.cfg.MaxOversizeFrames {
				h.log.Warn("too many oversized frames, disconnecting",
					zap.String("session_id", sess.ID()))
				return
			}
			continue
		}

		if env.Type != protocol.TypeHeartbeat && env.Type != protocol.TypeHeartbeatAck {
			if ok, sustained := gate.allow(time.Now()); !ok {
				h.metrics.RateLimited.Inc()
				h.sendError(sess, protocol.CodeRateLimited, "message rate limit exceeded", env.TraceID)
				if sustained {
					h.log.Warn("sustained rate limit abuse, disconnecting",
						zap.String("session_id", sess.ID()))
					return
				}
				continue
			}
		}

		h.codec.ObserveTimestamp(sess.ID(), env.Timestamp)
		h.metrics.MessagesIn.WithLabelValues(env.Type).Inc()

		msgCtx, span := telemetry.Tracer().Start(ctx, "gateway.dispatch",
			trace.WithAttributes(
				attribute.String("message.type", env.Type),
				attribute.String("session.id", sess.ID()),
			))
		h.handleEnvelope(msgCtx, sess, env, hb)
		span.End()
	}
}

func (h *Handler) writeLoop(c *websocket.Conn, sess *session.Session, done <-chan struct{}) {
	defer func() { _ = c.Close() }()
	out := sess.Out()
	for {
		select {
		case <-done:
			_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			_ = c.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case env := <-out:
			if err := h.writeDirect(c, env); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeDirect(c *websocket.Conn, env *protocol.Envelope) error {
	raw, err := h.codec.Encode(env)
	if err != nil {
		h.log.Error("encode outbound envelope", zap.String("type", env.Type), zap.Error(err))
		return nil
	}
	_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
	if err := c.WriteMessage(websocket.TextMessage, raw); err != nil {
		return err
	}
	h.metrics.MessagesOut.WithLabelValues(env.Type).Inc()
	return nil
}

// refuse writes an error envelope straight to a socket that has no session
// yet, then closes it.
func (h *Handler) refuse(c *websocket.Conn, code, message string) {
	h.metrics.ErrorsSent.WithLabelValues(code).Inc()
	env := protocol.NewError(code, message, "")
	if raw, err := h.codec.Encode(env); err == nil {
		_ = c.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		_ = c.WriteMessage(websocket.TextMessage, raw)
	}
	_ = c.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code))
}
