package realtime_test

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	realtime "github.com/brandcanvas/realtime"
	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/client"
	"github.com/brandcanvas/realtime/gateway"
	"github.com/brandcanvas/realtime/protocol"
)

const e2eSecret = "e2e-secret"

func signE2EToken(t *testing.T, sub string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(e2eSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

// startRealtime brings up a server on a loopback listener and returns the
// websocket URL.
func startRealtime(t *testing.T, gcfg gateway.Config) (string, *realtime.Server) {
	t.Helper()
	srv, err := realtime.New(realtime.Options{
		Validator: auth.NewJWTValidator([]byte(e2eSecret), ""),
		Gateway:   gcfg,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start server: %v", err)
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	srv.Mount(app, "/realtime")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		cancel()
		_ = app.Shutdown()
		_ = srv.Shutdown(context.Background())
	})
	return "ws://" + ln.Addr().String() + "/realtime", srv
}

func connectClient(t *testing.T, url, user string) *client.Client {
	t.Helper()
	c := client.New(client.Options{
		URL:              url,
		Token:            signE2EToken(t, user),
		HandshakeTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %s: %v", user, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func awaitType(t *testing.T, c *client.Client, typ string) *protocol.Envelope {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env := <-c.Messages():
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func TestEndToEndRefusesBadToken(t *testing.T) {
	url, srv := startRealtime(t, gateway.Config{})

	c := client.New(client.Options{URL: url, Token: "garbage", HandshakeTimeout: 2 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Connect(ctx)
	if err == nil {
		t.Fatal("expected the handshake to be refused")
	}
	if !strings.Contains(err.Error(), protocol.CodeAuthFailed) {
		t.Errorf("expected %s refusal, got %v", protocol.CodeAuthFailed, err)
	}
	if srv.Registry().Len() != 0 {
		t.Error("a refused connection must not register a session")
	}
}

func TestEndToEndPublishRoundTrip(t *testing.T) {
	url, _ := startRealtime(t, gateway.Config{})

	a := connectClient(t, url, "user-a")
	b := connectClient(t, url, "user-b")
	if a.SessionID() == "" || a.Resumed() {
		t.Fatalf("expected a fresh session, id=%q resumed=%v", a.SessionID(), a.Resumed())
	}

	for _, c := range []*client.Client{a, b} {
		if err := c.Subscribe("canvas:e2e", false); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		awaitType(t, c, protocol.TypeSubscribed)
	}

	if err := a.Publish(protocol.TypeCanvasUpdate, "canvas:e2e", map[string]any{"op": "draw"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := awaitType(t, b, protocol.TypeCanvasUpdated)
	if got.SessionID != a.SessionID() {
		t.Errorf("expected origin session %s, got %s", a.SessionID(), got.SessionID)
	}
	if got.Seq == 0 {
		t.Error("delivered envelope must carry a resumption sequence")
	}
	var p struct {
		Op string `json:"op"`
	}
	if err := got.DecodeData(&p); err != nil || p.Op != "draw" {
		t.Errorf("payload did not survive the round trip: %+v (%v)", p, err)
	}

	// The publisher must not hear its own message back.
	select {
	case env := <-a.Messages():
		t.Fatalf("publisher received an echo: %s", env.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEndToEndFirstFrameMustBeInit(t *testing.T) {
	url, _ := startRealtime(t, gateway.Config{})

	header := http.Header{}
	header.Set("Authorization", "Bearer "+signE2EToken(t, "user-a"))
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer func() { _ = conn.Close() }()

	sub, _ := protocol.New(protocol.TypeSubscribe, protocol.SubscribePayload{Channel: "canvas:e2e"})
	raw, _ := json.Marshal(sub)
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read refusal: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(reply, &env); err != nil {
		t.Fatalf("unmarshal refusal: %v", err)
	}
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error envelope, got %s", env.Type)
	}
	var p protocol.ErrorPayload
	if err := env.DecodeData(&p); err != nil || p.Code != protocol.CodeInvalidMessage {
		t.Errorf("expected %s, got %+v (%v)", protocol.CodeInvalidMessage, p, err)
	}

	// The connection is closed behind the refusal.
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection closed after the refusal")
	}
}

func TestEndToEndOversizedFrameAnsweredNotDropped(t *testing.T) {
	url, _ := startRealtime(t, gateway.Config{MaxPayload: 1024})

	c := connectClient(t, url, "user-a")
	if err := c.Publish(protocol.TypeCanvasUpdate, "canvas:e2e", map[string]any{
		"blob": strings.Repeat("x", 1300),
	}); err != nil {
		t.Fatalf("publish oversized: %v", err)
	}

	env := awaitType(t, c, protocol.TypeError)
	var p protocol.ErrorPayload
	if err := env.DecodeData(&p); err != nil || p.Code != protocol.CodeInvalidMessage {
		t.Fatalf("expected %s for an oversized frame, got %+v (%v)", protocol.CodeInvalidMessage, p, err)
	}

	// One offense is answered, not disconnected: the session still works.
	if err := c.Subscribe("canvas:e2e", false); err != nil {
		t.Fatalf("subscribe after oversize: %v", err)
	}
	awaitType(t, c, protocol.TypeSubscribed)
}
