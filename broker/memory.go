package broker

import (
	"context"
	"sync"

	"github.com/brandcanvas/realtime/protocol"
)

// Memory is an in-process broker for single-process deployments and tests.
// Multiple bridges attach to one Memory to emulate multiple server
// instances sharing a broker.
type Memory struct {
	mu        sync.RWMutex
	bridges   []*MemoryBridge
	available bool
}

// NewMemory creates an available in-memory broker.
func NewMemory() *Memory {
	return &Memory{available: true}
}

// SetAvailable toggles simulated broker reachability. While unavailable,
// publishes are dropped and every bridge reports disconnected; delivery
// resumes as soon as availability returns, without any bridge restart.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	m.available = ok
	m.mu.Unlock()
}

// Bridge attaches a new instance to the broker.
func (m *Memory) Bridge(instanceID string) *MemoryBridge {
	b := &MemoryBridge{
		broker:   m,
		instance: instanceID,
		subs:     make(map[string]struct{}),
	}
	m.mu.Lock()
	m.bridges = append(m.bridges, b)
	m.mu.Unlock()
	return b
}

// MemoryBridge implements Bridge against an in-process Memory broker.
type MemoryBridge struct {
	broker   *Memory
	instance string

	mu      sync.RWMutex
	subs    map[string]struct{}
	handler Handler
	closed  bool
}

// Start implements Bridge.
func (b *MemoryBridge) Start(_ context.Context, h Handler) error {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
	return nil
}

// Publish implements Bridge. Delivery is synchronous: the receiving side's
// fan-out is non-blocking, so no cycle can stall the publisher.
func (b *MemoryBridge) Publish(_ context.Context, channel string, env *protocol.Envelope) error {
	b.broker.mu.RLock()
	available := b.broker.available
	peers := append([]*MemoryBridge(nil), b.broker.bridges...)
	b.broker.mu.RUnlock()
	if !available {
		return nil
	}

	for _, peer := range peers {
		if peer == b {
			continue
		}
		peer.deliver(channel, env)
	}
	return nil
}

func (b *MemoryBridge) deliver(channel string, env *protocol.Envelope) {
	b.mu.RLock()
	_, subscribed := b.subs[channel]
	h := b.handler
	closed := b.closed
	b.mu.RUnlock()
	if closed || !subscribed || h == nil {
		return
	}
	h(channel, env)
}

// SubscribeChannel implements Bridge.
func (b *MemoryBridge) SubscribeChannel(channel string) error {
	b.mu.Lock()
	b.subs[channel] = struct{}{}
	b.mu.Unlock()
	return nil
}

// UnsubscribeChannel implements Bridge.
func (b *MemoryBridge) UnsubscribeChannel(channel string) error {
	b.mu.Lock()
	delete(b.subs, channel)
	b.mu.Unlock()
	return nil
}

// Connected implements Bridge.
func (b *MemoryBridge) Connected() bool {
	b.broker.mu.RLock()
	defer b.broker.mu.RUnlock()
	return b.broker.available
}

// Close implements Bridge.
func (b *MemoryBridge) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
