// Package client is a reconnecting websocket client for the realtime
// gateway. It handles the connection_init handshake, replies to server
// heartbeats, tracks the resumption cursor, and transparently resumes its
// session after a network drop.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/brandcanvas/realtime/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("client: closed")

// ErrNotConnected is returned when a send is attempted with no live socket.
var ErrNotConnected = errors.New("client: not connected")

// Options configures a Client.
type Options struct {
	// URL is the websocket endpoint, e.g. wss://host/realtime.
	URL string
	// Token is the bearer token presented during the upgrade.
	Token string
	Logger *zap.Logger
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	// QueueSize buffers inbound envelopes for the consumer. Defaults to 64.
	QueueSize int
	// OnStateChange observes lifecycle transitions. Called inline; keep it
	// fast.
	OnStateChange func(State)
	// ReconnectInitial and ReconnectMax bound the redial backoff.
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	// MaxRedialAttempts gives up after this many consecutive failures;
	// zero retries forever.
	MaxRedialAttempts int
	// HandshakeTimeout bounds the wait for the connection_ack.
	HandshakeTimeout time.Duration
	// StaleAfter marks the connection degraded when no server traffic
	// (heartbeats included) arrives for this long. Defaults to 90s,
	// three server heartbeat intervals.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.ReconnectInitial <= 0 {
		o.ReconnectInitial = 100 * time.Millisecond
	}
	if o.ReconnectMax <= 0 {
		o.ReconnectMax = 30 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 90 * time.Second
	}
	return o
}

// Client is safe for concurrent use: sends are serialized, and inbound
// envelopes arrive on the Messages channel.
type Client struct {
	opts  Options
	log   *zap.Logger
	state *stateMachine

	inbound      chan *protocol.Envelope
	lastActivity atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	sessionID string
	lastSeq   uint64
	resumed   bool
	closed    bool
}

// New builds a client. Call Connect to establish the session.
func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		log:     opts.Logger,
		state:   newStateMachine(opts.OnStateChange),
		inbound: make(chan *protocol.Envelope, opts.QueueSize),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State { return c.state.current() }

// SessionID returns the server-assigned session id, empty before the first
// handshake.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// LastSequence returns the resumption cursor: the highest sequence number
// received so far.
func (c *Client) LastSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Resumed reports whether the most recent handshake resumed a prior
// session.
func (c *Client) Resumed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumed
}

// Messages delivers application envelopes: channel traffic, replay, and
// error envelopes. Control frames are consumed internally.
func (c *Client) Messages() <-chan *protocol.Envelope { return c.inbound }

// Connect dials the gateway, completes the handshake and starts the read
// loop. The client reconnects on its own afterwards; Connect only fails
// when the first attempt does.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	c.state.to(StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.state.to(StateDisconnected)
		return err
	}
	c.setConn(conn)
	c.noteActivity()
	c.state.to(StateConnected)
	go c.run(ctx, conn)
	go c.watchdog(ctx)
	return nil
}

// Subscribe requests channel membership. history asks for best-effort
// replay of recent channel messages.
func (c *Client) Subscribe(channelName string, history bool) error {
	env, err := protocol.New(protocol.TypeSubscribe, protocol.SubscribePayload{
		Channel: channelName,
		Options: protocol.SubscribeOptions{History: history},
	})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Unsubscribe drops channel membership.
func (c *Client) Unsubscribe(channelName string) error {
	env, err := protocol.New(protocol.TypeUnsubscribe, protocol.SubscribePayload{Channel: channelName})
	if err != nil {
		return err
	}
	return c.send(env)
}

// Publish sends an application envelope to a channel the client is
// subscribed to. payload may be nil; the map is copied, never mutated.
func (c *Client) Publish(typ, channelName string, payload map[string]any) error {
	body := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		body[k] = v
	}
	body["channel"] = channelName
	env, err := protocol.New(typ, body)
	if err != nil {
		return err
	}
	return c.send(env)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.state.to(StateClosed)
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = conn.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) send(env *protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// dial performs the upgrade and the connection_init handshake, carrying
// the resumption cursor when a prior session exists.
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	conn, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, err
	}

	c.mu.Lock()
	init := protocol.ConnectionInitPayload{SessionID: c.sessionID, LastSequence: c.lastSeq}
	c.mu.Unlock()
	env, err := protocol.New(protocol.TypeConnectionInit, init)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	raw, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	_, ackRaw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	var ackEnv protocol.Envelope
	if err := json.Unmarshal(ackRaw, &ackEnv); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ackEnv.Type == protocol.TypeError {
		_ = conn.Close()
		var p protocol.ErrorPayload
		_ = ackEnv.DecodeData(&p)
		return nil, errors.New("client: handshake refused: " + p.Code)
	}
	if ackEnv.Type != protocol.TypeConnectionAck {
		_ = conn.Close()
		return nil, errors.New("client: unexpected handshake reply " + ackEnv.Type)
	}
	var ack protocol.ConnectionAckPayload
	if err := ackEnv.DecodeData(&ack); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	if !ack.Resumed {
		// Fresh session: the old cursor is meaningless.
		c.lastSeq = 0
	}
	c.sessionID = ack.SessionID
	c.resumed = ack.Resumed
	c.mu.Unlock()

	c.log.Info("session established",
		zap.String("session_id", ack.SessionID),
		zap.Bool("resumed", ack.Resumed),
		zap.Int("replayed", ack.ReplayCount))
	return conn, nil
}

func (c *Client) run(ctx context.Context, conn *websocket.Conn) {
	for {
		c.readLoop(conn)
		if c.isClosed() || ctx.Err() != nil {
			return
		}

		c.state.to(StateReconnecting)
		conn = c.redial(ctx)
		if conn == nil {
			c.state.to(StateDisconnected)
			return
		}
		c.setConn(conn)
		c.state.to(StateConnected)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return
		}
		c.noteActivity()
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("malformed frame from server", zap.Error(err))
			continue
		}
		reply, deliver := c.handleInbound(&env)
		if reply != nil {
			if err := c.send(reply); err != nil {
				c.log.Debug("heartbeat ack failed", zap.Error(err))
			}
		}
		if deliver {
			select {
			case c.inbound <- &env:
			default:
				c.log.Warn("inbound queue full, dropping envelope",
					zap.String("type", env.Type))
			}
		}
	}
}

// handleInbound consumes control frames and advances the resumption
// cursor. It returns an optional reply frame and whether the envelope
// should reach the consumer.
func (c *Client) handleInbound(env *protocol.Envelope) (*protocol.Envelope, bool) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		ack, _ := protocol.New(protocol.TypeHeartbeatAck, nil)
		return ack, false
	case protocol.TypeHeartbeatAck, protocol.TypeConnectionAck:
		return nil, false
	}
	if env.Seq > 0 {
		c.mu.Lock()
		if env.Seq > c.lastSeq {
			c.lastSeq = env.Seq
		}
		c.mu.Unlock()
	}
	return nil, true
}

// noteActivity records inbound server traffic and lifts a degraded state.
func (c *Client) noteActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
	if c.state.current() == StateDegraded {
		c.state.to(StateConnected)
	}
}

// checkStale degrades a connected client that has heard nothing from the
// server for longer than the stale threshold. The socket stays open; the
// read loop handles actual failure.
func (c *Client) checkStale(now time.Time) {
	if c.state.current() != StateConnected {
		return
	}
	last := time.Unix(0, c.lastActivity.Load())
	if now.Sub(last) > c.opts.StaleAfter {
		c.log.Warn("no server traffic within stale threshold",
			zap.Duration("threshold", c.opts.StaleAfter))
		c.state.to(StateDegraded)
	}
}

func (c *Client) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.opts.StaleAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if c.isClosed() {
				return
			}
			c.checkStale(now)
		}
	}
}

// redial retries the dial with exponential backoff until it succeeds, the
// context ends, the client is closed, or the attempt budget runs out.
func (c *Client) redial(ctx context.Context) *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.ReconnectInitial
	bo.Multiplier = 2
	bo.MaxInterval = c.opts.ReconnectMax
	bo.MaxElapsedTime = 0

	attempts := 0
	for {
		if c.isClosed() || ctx.Err() != nil {
			return nil
		}
		conn, err := c.dial(ctx)
		if err == nil {
			return conn
		}
		attempts++
		if c.opts.MaxRedialAttempts > 0 && attempts >= c.opts.MaxRedialAttempts {
			c.log.Error("redial budget exhausted", zap.Int("attempts", attempts), zap.Error(err))
			return nil
		}
		wait := bo.NextBackOff()
		c.log.Warn("redial failed, backing off",
			zap.Duration("backoff", wait), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}
