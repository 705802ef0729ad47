package gateway

import (
	"context"
	"sync"
	"time"
)

// heartbeatState is the per-session liveness state.
type heartbeatState int

const (
	stateAlive heartbeatState = iota
	stateAwaitingAck
	stateEvicted
)

// heartbeatMonitor drives the ping cycle for one connection: a heartbeat
// envelope goes out every interval, and maxMisses consecutive unanswered
// heartbeats evict the connection through the same cleanup path as an
// explicit client close.
type heartbeatMonitor struct {
	interval  time.Duration
	maxMisses int
	send      func() bool
	evict     func()

	mu     sync.Mutex
	state  heartbeatState
	missed int
}

func newHeartbeatMonitor(interval time.Duration, maxMisses int, send func() bool, evict func()) *heartbeatMonitor {
	return &heartbeatMonitor{
		interval:  interval,
		maxMisses: maxMisses,
		send:      send,
		evict:     evict,
		state:     stateAlive,
	}
}

// run blocks until the connection's context ends or the session is
// evicted.
func (m *heartbeatMonitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.tick() {
				return
			}
		}
	}
}

// tick advances the state machine, reporting false once evicted.
func (m *heartbeatMonitor) tick() bool {
	m.mu.Lock()
	if m.state == stateAwaitingAck {
		m.missed++
		if m.missed >= m.maxMisses {
			m.state = stateEvicted
			m.mu.Unlock()
			m.evict()
			return false
		}
	}
	m.state = stateAwaitingAck
	m.mu.Unlock()

	m.send()
	return true
}

// ack records a timely heartbeat_ack from the client.
func (m *heartbeatMonitor) ack() {
	m.mu.Lock()
	if m.state == stateAwaitingAck {
		m.state = stateAlive
		m.missed = 0
	}
	m.mu.Unlock()
}

// currentState is used by tests.
func (m *heartbeatMonitor) currentState() heartbeatState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}
