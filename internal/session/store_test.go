package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
)

// setupTestStore creates a Store against a test Redis instance with a fake
// clock. Requires Redis on localhost:6379; tests are skipped if unavailable.
func setupTestStore(t *testing.T) (*Store, *clock.Fake, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // use DB 15 for tests to avoid conflicts
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}

	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	return NewStore(rdb, clk), clk, ctx
}

func TestOpenAndGet(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}

	d, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if d.A != "alice" || d.B != "bob" {
		t.Errorf("participants = %s/%s, want alice/bob", d.A, d.B)
	}
	if d.State != StateActive {
		t.Errorf("state = %s, want %s", d.State, StateActive)
	}
	if d.Partner("alice") != "bob" || d.Partner("bob") != "alice" {
		t.Errorf("partner lookup broken: %+v", d)
	}
	if d.Partner("mallory") != "" {
		t.Errorf("non-participant has a partner")
	}

	id, err := s.ActiveID(ctx, "alice")
	if err != nil {
		t.Fatalf("active id: %v", err)
	}
	if id != "d1" {
		t.Errorf("active id = %q, want d1", id)
	}
}

func TestOpenRejectsBusyParticipant(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Open(ctx, "d2", "bob", "carol"); !errors.Is(err, ErrParticipantBusy) {
		t.Fatalf("expected ErrParticipantBusy, got %v", err)
	}
	// carol must not have been touched by the rejected open
	if id, _ := s.ActiveID(ctx, "carol"); id != "" {
		t.Errorf("carol has active dialog %q after rejected open", id)
	}
}

func TestOpenMatchedRequiresWaitingEntry(t *testing.T) {
	s, _, ctx := setupTestStore(t)
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	defer rdb.Close()

	const aliceEntry = "queue:entry:alice"
	const bobEntry = "queue:entry:bob"
	rdb.HSet(ctx, bobEntry,
		"user", "bob", "queue", "queue:global", "scope", "global", "tier", "standard")
	rdb.ZAdd(ctx, "queue:global", redis.Z{Score: 1, Member: "bob"})

	// Counterpart entry present: the open goes through and cleans it up.
	if err := s.OpenMatched(ctx, "d1", "alice", "bob", aliceEntry, bobEntry); err != nil {
		t.Fatalf("open matched: %v", err)
	}
	if n, _ := rdb.Exists(ctx, bobEntry).Result(); n != 0 {
		t.Error("counterpart entry survived the open")
	}
	if n, _ := rdb.ZCard(ctx, "queue:global").Result(); n != 0 {
		t.Error("counterpart left in the queue after the open")
	}

	// Counterpart entry already removed (their cancel won): no dialog, no
	// pointers.
	err := s.OpenMatched(ctx, "d2", "carol", "dave", "queue:entry:carol", "queue:entry:dave")
	if !errors.Is(err, ErrCounterpartGone) {
		t.Fatalf("expected ErrCounterpartGone, got %v", err)
	}
	if _, err := s.Get(ctx, "d2"); !errors.Is(err, ErrNoSession) {
		t.Error("dialog created for a cancelled counterpart")
	}
	if id, _ := s.ActiveID(ctx, "dave"); id != "" {
		t.Errorf("cancelled user has active dialog %q", id)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}

	first, err := s.Terminate(ctx, "d1", ReasonComplaint, 0)
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !first.First || first.Reason != ReasonComplaint {
		t.Fatalf("first terminate = %+v, want First=true reason=complaint", first)
	}

	// A racing timeout sweep fires a moment later: no error, and the
	// recorded outcome stays complaint.
	second, err := s.Terminate(ctx, "d1", ReasonTimeout, 0)
	if err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if second.First {
		t.Errorf("second terminate reported First=true")
	}
	if second.Reason != ReasonComplaint {
		t.Errorf("second terminate reason = %s, want complaint", second.Reason)
	}

	if id, _ := s.ActiveID(ctx, "alice"); id != "" {
		t.Errorf("alice still has active pointer after terminate")
	}
	d, err := s.Get(ctx, "d1")
	if err != nil {
		t.Fatalf("get after terminate: %v", err)
	}
	if d.State != StateEnded || d.EndReason != ReasonComplaint {
		t.Errorf("dialog after terminate = %+v", d)
	}
}

func TestTerminateConcurrent(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}

	const callers = 10
	var wg sync.WaitGroup
	firsts := make(chan string, callers)

	for i := 0; i < callers; i++ {
		reason := ReasonLeft
		if i%2 == 0 {
			reason = ReasonTimeout
		}
		wg.Add(1)
		go func(reason string) {
			defer wg.Done()
			res, err := s.Terminate(ctx, "d1", reason, 0)
			if err != nil {
				t.Errorf("terminate: %v", err)
				return
			}
			if res.First {
				firsts <- res.Reason
			}
		}(reason)
	}
	wg.Wait()
	close(firsts)

	count := 0
	for range firsts {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one terminate call should win, got %d", count)
	}
}

func TestTerminateSetsPartnerCooldown(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Terminate(ctx, "d1", ReasonLeft, time.Minute); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	last, err := s.client.Get(ctx, LastPartnerPrefix+"alice").Result()
	if err != nil {
		t.Fatalf("cooldown key: %v", err)
	}
	if last != "bob" {
		t.Errorf("alice's last partner = %q, want bob", last)
	}
	ttl, err := s.client.PTTL(ctx, LastPartnerPrefix+"bob").Result()
	if err != nil || ttl <= 0 {
		t.Errorf("bob's cooldown has no TTL: ttl=%v err=%v", ttl, err)
	}
}

func TestTerminateMissingDialog(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if _, err := s.Terminate(ctx, "nope", ReasonLeft, 0); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestRelayAuthorized(t *testing.T) {
	s, clk, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}

	clk.Advance(30 * time.Second)
	id, partner, err := s.RelayAuthorized(ctx, "alice")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if id != "d1" || partner != "bob" {
		t.Errorf("relay = (%q, %q), want (d1, bob)", id, partner)
	}

	// The relay refreshed activity: the dialog is no longer idle.
	idle, err := s.IdleCandidates(ctx, 20*time.Second)
	if err != nil {
		t.Fatalf("idle candidates: %v", err)
	}
	if len(idle) != 0 {
		t.Errorf("dialog reported idle right after a relay: %v", idle)
	}

	// Outsiders are not authorized.
	if id, _, _ := s.RelayAuthorized(ctx, "mallory"); id != "" {
		t.Errorf("outsider authorized to relay into %q", id)
	}
}

func TestRelayDeniedAfterTerminate(t *testing.T) {
	s, _, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.Terminate(ctx, "d1", ReasonLeft, 0); err != nil {
		t.Fatalf("terminate: %v", err)
	}

	id, partner, err := s.RelayAuthorized(ctx, "alice")
	if err != nil {
		t.Fatalf("relay: %v", err)
	}
	if id != "" || partner != "" {
		t.Errorf("relay authorized into ended dialog: (%q, %q)", id, partner)
	}
}

func TestIdleCandidates(t *testing.T) {
	s, clk, ctx := setupTestStore(t)

	if err := s.Open(ctx, "d1", "alice", "bob"); err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(10 * time.Minute)
	if err := s.Open(ctx, "d2", "carol", "dave"); err != nil {
		t.Fatalf("open: %v", err)
	}
	clk.Advance(5 * time.Minute)

	// d1 is 15m idle, d2 is 5m idle.
	idle, err := s.IdleCandidates(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("idle candidates: %v", err)
	}
	if len(idle) != 1 || idle[0] != "d1" {
		t.Errorf("idle candidates = %v, want [d1]", idle)
	}
}
