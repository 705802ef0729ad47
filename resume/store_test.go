package resume

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/brandcanvas/realtime/protocol"
)

// storeUnderTest lets the same behavioral suite run against both
// implementations.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	mem := NewMemory(MemoryOptions{Window: time.Minute, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = mem.Close() })

	return map[string]Store{
		"memory": mem,
		"redis":  NewRedis(RedisOptions{Client: client, Window: time.Minute}),
	}
}

func envOf(t *testing.T, n int) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(protocol.TypeCanvasUpdated, map[string]int{"n": n})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	return env
}

// seqEnv builds a sequenced envelope the way a session hands it to the
// store.
func seqEnv(t *testing.T, n int) *protocol.Envelope {
	t.Helper()
	return envOf(t, n).WithSeq(uint64(n))
}

func payloadN(t *testing.T, env *protocol.Envelope) int {
	t.Helper()
	var p struct {
		N int `json:"n"`
	}
	if err := env.DecodeData(&p); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	return p.N
}

func TestReplayAfterSequence(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				if err := store.Record(ctx, "s1", seqEnv(t, i)); err != nil {
					t.Fatalf("record %d: %v", i, err)
				}
			}

			replay, err := store.Replay(ctx, "s1", 2)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if len(replay) != 3 {
				t.Fatalf("expected 3 envelopes after seq 2, got %d", len(replay))
			}
			for i, env := range replay {
				wantSeq := uint64(i + 3)
				if env.Seq != wantSeq {
					t.Errorf("position %d: expected seq %d, got %d", i, wantSeq, env.Seq)
				}
				if payloadN(t, env) != i+3 {
					t.Errorf("position %d: payload out of order", i)
				}
			}
		})
	}
}

func TestBuffersAreSessionScoped(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Record(ctx, "s1", seqEnv(t, 1)); err != nil {
				t.Fatalf("record: %v", err)
			}
			replay, err := store.Replay(ctx, "s2", 0)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if len(replay) != 0 {
				t.Errorf("expected empty replay for another session, got %d", len(replay))
			}
		})
	}
}

func TestReplayUnknownSessionIsEmpty(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			replay, err := store.Replay(context.Background(), "nobody", 0)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if len(replay) != 0 {
				t.Errorf("expected empty replay, got %d", len(replay))
			}
		})
	}
}

func TestDropEndsWindow(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := store.Record(ctx, "s1", seqEnv(t, 1)); err != nil {
				t.Fatalf("record: %v", err)
			}
			if err := store.Drop(ctx, "s1"); err != nil {
				t.Fatalf("drop: %v", err)
			}
			replay, err := store.Replay(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if len(replay) != 0 {
				t.Errorf("expected nothing after drop, got %d", len(replay))
			}
		})
	}
}

func TestBufferTrimmedAtCap(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= maxBufferEntries+10; i++ {
				if err := store.Record(ctx, "s1", seqEnv(t, i)); err != nil {
					t.Fatalf("record %d: %v", i, err)
				}
			}
			replay, err := store.Replay(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("replay: %v", err)
			}
			if len(replay) != maxBufferEntries {
				t.Fatalf("expected buffer trimmed to %d, got %d", maxBufferEntries, len(replay))
			}
			if replay[0].Seq != 11 {
				t.Errorf("expected oldest entries trimmed, replay starts at seq %d", replay[0].Seq)
			}
		})
	}
}

func TestChannelHistory(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 5; i++ {
				if err := store.RecordHistory(ctx, "canvas:1", envOf(t, i)); err != nil {
					t.Fatalf("record history: %v", err)
				}
			}

			got, err := store.History(ctx, "canvas:1", 3)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("expected last 3 envelopes, got %d", len(got))
			}
			for i, env := range got {
				if payloadN(t, env) != i+3 {
					t.Errorf("position %d: expected payload %d, got %d", i, i+3, payloadN(t, env))
				}
			}

			other, err := store.History(ctx, "canvas:2", 10)
			if err != nil {
				t.Fatalf("history other: %v", err)
			}
			if len(other) != 0 {
				t.Errorf("history must be per-channel, got %d", len(other))
			}
		})
	}
}

func TestSessionStateRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if state, err := store.State(ctx, "s1"); err != nil || state != nil {
				t.Fatalf("expected no snapshot yet, got %+v (%v)", state, err)
			}

			want := SessionState{Owner: "user-1", Channels: []string{"canvas:1", "mesh:agent"}}
			if err := store.SaveState(ctx, "s1", want); err != nil {
				t.Fatalf("save state: %v", err)
			}
			got, err := store.State(ctx, "s1")
			if err != nil {
				t.Fatalf("state: %v", err)
			}
			if got == nil || got.Owner != "user-1" || len(got.Channels) != 2 {
				t.Fatalf("unexpected snapshot %+v", got)
			}

			if err := store.Drop(ctx, "s1"); err != nil {
				t.Fatalf("drop: %v", err)
			}
			if got, err := store.State(ctx, "s1"); err != nil || got != nil {
				t.Errorf("expected snapshot gone after drop, got %+v (%v)", got, err)
			}
		})
	}
}

func TestMemoryWindowExpiry(t *testing.T) {
	store := NewMemory(MemoryOptions{Window: 10 * time.Millisecond, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	if err := store.Record(ctx, "s1", seqEnv(t, 1)); err != nil {
		t.Fatalf("record: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	replay, err := store.Replay(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(replay) != 0 {
		t.Errorf("expected expired entries excluded from replay, got %d", len(replay))
	}
}

func TestMemorySweepPrunes(t *testing.T) {
	store := NewMemory(MemoryOptions{Window: time.Millisecond, SweepInterval: time.Hour})
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	_ = store.Record(ctx, "s1", seqEnv(t, 1))
	_ = store.RecordHistory(ctx, "canvas:1", envOf(t, 1))
	time.Sleep(5 * time.Millisecond)
	store.pruneExpired()

	sh := store.shard("s1")
	sh.mu.Lock()
	remaining := len(sh.sessions["s1"].entries)
	sh.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected swept buffer, %d entries remain", remaining)
	}

	store.histMu.Lock()
	_, ok := store.history["canvas:1"]
	store.histMu.Unlock()
	if ok {
		t.Error("expected swept channel history to be deleted")
	}
}
