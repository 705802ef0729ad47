package broker

import (
	"context"
	"sync"
	"testing"

	"github.com/brandcanvas/realtime/protocol"
)

type capture struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (c *capture) handler(_ string, env *protocol.Envelope) {
	c.mu.Lock()
	c.envs = append(c.envs, env)
	c.mu.Unlock()
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.envs)
}

func testEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeCanvasUpdated, map[string]string{"channel": "canvas:1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

func TestMemoryCrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, b := m.Bridge("inst-a"), m.Bridge("inst-b")

	var got capture
	if err := b.Start(ctx, got.handler); err != nil {
		t.Fatalf("start: %v", err)
	}
	_ = b.SubscribeChannel("canvas:1")

	if err := a.Publish(ctx, "canvas:1", testEnvelope(t)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got.count() != 1 {
		t.Fatalf("expected 1 delivery, got %d", got.count())
	}
}

func TestMemoryNoSelfDelivery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a := m.Bridge("inst-a")

	var got capture
	_ = a.Start(ctx, got.handler)
	_ = a.SubscribeChannel("canvas:1")

	_ = a.Publish(ctx, "canvas:1", testEnvelope(t))
	if got.count() != 0 {
		t.Errorf("publisher must not receive its own frame, got %d", got.count())
	}
}

func TestMemoryChannelFiltering(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, b := m.Bridge("inst-a"), m.Bridge("inst-b")

	var got capture
	_ = b.Start(ctx, got.handler)
	_ = b.SubscribeChannel("canvas:1")

	_ = a.Publish(ctx, "canvas:2", testEnvelope(t))
	if got.count() != 0 {
		t.Errorf("unsubscribed channel must not deliver, got %d", got.count())
	}
}

func TestMemoryOutageAndRecovery(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	a, b := m.Bridge("inst-a"), m.Bridge("inst-b")

	var got capture
	_ = b.Start(ctx, got.handler)
	_ = b.SubscribeChannel("canvas:1")

	m.SetAvailable(false)
	if a.Connected() {
		t.Error("expected bridge to report disconnected during outage")
	}
	if err := a.Publish(ctx, "canvas:1", testEnvelope(t)); err != nil {
		t.Fatalf("publish during outage must not error: %v", err)
	}
	if got.count() != 0 {
		t.Fatal("no delivery expected during outage")
	}

	m.SetAvailable(true)
	_ = a.Publish(ctx, "canvas:1", testEnvelope(t))
	if got.count() != 1 {
		t.Errorf("expected delivery after recovery, got %d", got.count())
	}
}

func TestFrameRoundTrip(t *testing.T) {
	env := testEnvelope(t).WithSession("s1").WithSeq(9)
	raw, err := encodeFrame("inst-a", "canvas:1", env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	instance, channel, got, err := decodeFrame(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if instance != "inst-a" || channel != "canvas:1" {
		t.Errorf("lost routing fields: %s %s", instance, channel)
	}
	if got.SessionID != "s1" || got.Seq != 9 || got.Type != protocol.TypeCanvasUpdated {
		t.Errorf("lost envelope fields: %+v", got)
	}
}

func TestFrameDecodeGarbage(t *testing.T) {
	if _, _, _, err := decodeFrame([]byte("not msgpack")); err == nil {
		t.Error("expected error decoding garbage frame")
	}
}
