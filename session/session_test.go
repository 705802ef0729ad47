package session

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/brandcanvas/realtime/auth"
	"github.com/brandcanvas/realtime/protocol"
)

func testEnvelope(t *testing.T, typ string) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(typ, map[string]string{"channel": "canvas:1"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

// recorder collects persisted envelopes; persistence is asynchronous, so
// assertions go through waitFor.
type recorder struct {
	mu   sync.Mutex
	envs []*protocol.Envelope
}

func (r *recorder) record(env *protocol.Envelope) {
	r.mu.Lock()
	r.envs = append(r.envs, env)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func (r *recorder) waitFor(t *testing.T, n int) []*protocol.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for r.len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d persisted envelopes, got %d", n, r.len())
		}
		time.Sleep(time.Millisecond)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.Envelope(nil), r.envs...)
}

func TestEnqueueSequencesAndDeliversInOrder(t *testing.T) {
	s := New("s1", auth.Identity{UserID: "u1"}, 8, nil)

	for i := 0; i < 3; i++ {
		env, _ := protocol.New(protocol.TypeCanvasUpdated, map[string]int{"n": i})
		if !s.Enqueue(env) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	out := s.Out()
	for i := 0; i < 3; i++ {
		env := <-out
		if env.Seq != uint64(i+1) {
			t.Errorf("expected seq %d, got %d", i+1, env.Seq)
		}
		var payload struct {
			N int `json:"n"`
		}
		if err := env.DecodeData(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if payload.N != i {
			t.Errorf("expected message %d, got %d", i, payload.N)
		}
	}
}

func TestEnqueueReportsFullQueue(t *testing.T) {
	s := New("s1", auth.Identity{}, 2, nil)
	env := testEnvelope(t, protocol.TypeCanvasUpdated)

	if !s.Enqueue(env) || !s.Enqueue(env) {
		t.Fatal("queue should accept up to its depth")
	}
	if s.Enqueue(env) {
		t.Error("expected enqueue to report overflow")
	}
}

func TestDetachedSessionKeepsPersisting(t *testing.T) {
	rec := &recorder{}
	s := New("s1", auth.Identity{}, 16, rec.record)
	defer s.Close()
	s.Detach()

	// A detached session accepts any number of envelopes without
	// overflowing; they land in the replay buffer and reach the store.
	for i := 0; i < 10; i++ {
		if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
			t.Fatalf("detached enqueue %d failed", i)
		}
	}
	persisted := rec.waitFor(t, 10)
	for i, env := range persisted {
		if env.Seq != uint64(i+1) {
			t.Errorf("persisted position %d carries seq %d", i, env.Seq)
		}
	}
}

func TestSlowPersistenceDoesNotBlockDelivery(t *testing.T) {
	release := make(chan struct{})
	s := New("s1", auth.Identity{}, 8, func(*protocol.Envelope) { <-release })
	defer close(release)
	defer s.Close()

	// The first envelope parks the persister inside store I/O.
	if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
		t.Fatal("enqueue failed")
	}

	done := make(chan struct{})
	go func() {
		s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated))
		s.EnqueueControl(testEnvelope(t, protocol.TypeHeartbeat))
		s.Out()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("delivery path blocked behind store I/O")
	}

	out := s.Out()
	for want := uint64(1); want <= 2; want++ {
		select {
		case env := <-out:
			if env.Seq != want {
				t.Errorf("expected seq %d, got %d", want, env.Seq)
			}
		case <-time.After(time.Second):
			t.Fatalf("envelope %d never delivered", want)
		}
	}
}

func TestAttachReplaysBufferedAfterCursor(t *testing.T) {
	s := New("s1", auth.Identity{}, 4, nil)
	s.Detach()

	for i := 0; i < 3; i++ {
		if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
			t.Fatalf("detached enqueue %d failed", i)
		}
	}
	n, err := s.Attach(1)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if n != 2 {
		t.Errorf("expected replay count 2 past the cursor, got %d", n)
	}

	if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
		t.Fatal("live enqueue after attach failed")
	}
	out := s.Out()
	for want := uint64(2); want <= 4; want++ {
		env := <-out
		if env.Seq != want {
			t.Errorf("expected seq %d, got %d", want, env.Seq)
		}
	}
}

func TestAttachWhileAttached(t *testing.T) {
	s := New("s1", auth.Identity{}, 4, nil)
	if _, err := s.Attach(0); !errors.Is(err, ErrAlreadyAttached) {
		t.Errorf("expected ErrAlreadyAttached, got %v", err)
	}
}

func TestAttachGrowsQueueForLargeReplay(t *testing.T) {
	s := New("s1", auth.Identity{}, 2, nil)
	s.Detach()

	for i := 0; i < 8; i++ {
		s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated))
	}
	n, err := s.Attach(0)
	if err != nil {
		t.Fatalf("attach with replay larger than queue depth: %v", err)
	}
	if n != 8 {
		t.Errorf("expected all 8 buffered envelopes replayed, got %d", n)
	}
}

func TestReplayBufferCapped(t *testing.T) {
	s := New("s1", auth.Identity{}, 4, nil)
	s.Detach()

	for i := 0; i < maxBufferEntries+5; i++ {
		s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated))
	}
	n, err := s.Attach(0)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if n != maxBufferEntries {
		t.Errorf("expected buffer capped at %d, got %d", maxBufferEntries, n)
	}
	if env := <-s.Out(); env.Seq != 6 {
		t.Errorf("expected oldest entries dropped, replay starts at seq %d", env.Seq)
	}
}

func TestRestoreSeedsSequenceAndQueues(t *testing.T) {
	s := New("s1", auth.Identity{}, 8, nil)
	restored := []*protocol.Envelope{
		testEnvelope(t, protocol.TypeCanvasUpdated).WithSeq(4),
		testEnvelope(t, protocol.TypeCanvasUpdated).WithSeq(5),
	}
	s.SeedSequence(3)
	s.Restore(restored)

	if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
		t.Fatal("enqueue after restore failed")
	}
	out := s.Out()
	for want := uint64(4); want <= 6; want++ {
		env := <-out
		if env.Seq != want {
			t.Errorf("expected seq %d, got %d", want, env.Seq)
		}
	}
}

func TestControlFramesSkipPersistence(t *testing.T) {
	rec := &recorder{}
	s := New("s1", auth.Identity{}, 4, rec.record)
	defer s.Close()

	s.EnqueueControl(protocol.NewError(protocol.CodeRateLimited, "slow down", ""))
	time.Sleep(10 * time.Millisecond)
	if rec.len() != 0 {
		t.Errorf("control frames must not be persisted, got %d", rec.len())
	}
	if env := <-s.Out(); env.Seq != 0 {
		t.Errorf("control frames must not be sequenced, got seq %d", env.Seq)
	}
}

func TestEnqueueAfterCloseStillDelivers(t *testing.T) {
	rec := &recorder{}
	s := New("s1", auth.Identity{}, 4, rec.record)
	s.Close()
	s.Close()

	if !s.Enqueue(testEnvelope(t, protocol.TypeCanvasUpdated)) {
		t.Fatal("enqueue after close failed")
	}
	select {
	case env := <-s.Out():
		if env.Seq != 1 {
			t.Errorf("expected seq 1, got %d", env.Seq)
		}
	case <-time.After(time.Second):
		t.Fatal("delivery must survive persister shutdown")
	}
}

func TestKickIsIdempotent(t *testing.T) {
	s := New("s1", auth.Identity{}, 4, nil)
	s.Kick()
	s.Kick()
	select {
	case <-s.Done():
	default:
		t.Error("expected done channel to be closed after kick")
	}
}

func TestChannelSet(t *testing.T) {
	s := New("s1", auth.Identity{}, 4, nil)
	if !s.AddChannel("canvas:1") {
		t.Fatal("first add should succeed")
	}
	if s.AddChannel("canvas:1") {
		t.Error("second add should report existing subscription")
	}
	if !s.Subscribed("canvas:1") {
		t.Error("expected subscription present")
	}
	if !s.RemoveChannel("canvas:1") {
		t.Error("remove should report existing subscription")
	}
	if s.RemoveChannel("canvas:1") {
		t.Error("second remove should be a no-op")
	}
}

type fakeReleaser struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeReleaser) ReleaseAll(s *Session) {
	f.mu.Lock()
	f.released = append(f.released, s.ID())
	f.mu.Unlock()
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	rel := &fakeReleaser{}
	r.Bind(rel)

	s := New("s1", auth.Identity{UserID: "u1"}, 4, nil)
	if err := r.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register(s); !errors.Is(err, ErrDuplicateSession) {
		t.Errorf("expected ErrDuplicateSession, got %v", err)
	}

	got, ok := r.Get("s1")
	if !ok || got != s {
		t.Fatal("expected to find registered session")
	}
	if !r.Touch("s1") {
		t.Error("touch should find the session")
	}

	if !r.Unregister("s1") {
		t.Fatal("unregister should report removal")
	}
	if len(rel.released) != 1 || rel.released[0] != "s1" {
		t.Errorf("expected channel release before removal, got %v", rel.released)
	}
	if r.Unregister("s1") {
		t.Error("second unregister should be a no-op")
	}
	if _, ok := r.Get("s1"); ok {
		t.Error("session should be gone after unregister")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	r.Bind(&fakeReleaser{})

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s := New(id, auth.Identity{}, 4, nil)
			if err := r.Register(s); err != nil {
				t.Errorf("register %s: %v", id, err)
				return
			}
			r.Touch(id)
			if _, ok := r.Get(id); !ok {
				t.Errorf("get %s failed", id)
			}
		}(i)
	}
	wg.Wait()

	if r.Len() != 32 {
		t.Errorf("expected 32 sessions, got %d", r.Len())
	}

	seen := 0
	r.Range(func(*Session) bool {
		seen++
		return true
	})
	if seen != 32 {
		t.Errorf("range visited %d sessions, want 32", seen)
	}
}
