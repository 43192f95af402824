package matching

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/session"
)

// fakeDirectory serves profiles and block relations from memory.
type fakeDirectory struct {
	mu       sync.Mutex
	profiles map[string]*Profile
	blocks   map[string]bool // "a|b" and "b|a"
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		profiles: make(map[string]*Profile),
		blocks:   make(map[string]bool),
	}
}

func (d *fakeDirectory) add(id string, rating float64, premium bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[id] = &Profile{Rating: rating, Premium: premium}
}

func (d *fakeDirectory) deactivate(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[id] = &Profile{Deactivated: true}
}

func (d *fakeDirectory) block(a, b string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.blocks[a+"|"+b] = true
}

func (d *fakeDirectory) Lookup(_ context.Context, id string) (*Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.profiles[id]; ok {
		return p, nil
	}
	return &Profile{Rating: 5}, nil
}

func (d *fakeDirectory) Blocked(_ context.Context, a, b string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blocks[a+"|"+b] || d.blocks[b+"|"+a], nil
}

type matchFixture struct {
	matcher  *Matcher
	queue    *Queue
	sessions *session.Store
	dir      *fakeDirectory
	rdb      *redis.Client
	ctx      context.Context
}

// setupMatcher wires a Matcher against a test Redis instance. Requires Redis
// on localhost:6379; tests are skipped if unavailable.
func setupMatcher(t *testing.T, cfg Config) *matchFixture {
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
	queue := NewQueue(rdb, clk)
	sessions := session.NewStore(rdb, clk)
	dir := newFakeDirectory()

	return &matchFixture{
		matcher:  NewMatcher(rdb, queue, sessions, dir, clk, cfg),
		queue:    queue,
		sessions: sessions,
		dir:      dir,
		rdb:      rdb,
		ctx:      ctx,
	}
}

func standardReq(user string) Request {
	return Request{UserID: user, Scope: ScopeGlobal, Tier: TierStandard, Rating: 5}
}

func TestMatchPairsWaitingUser(t *testing.T) {
	f := setupMatcher(t, Config{})

	// Standard user waits; a premium requester arrives and must be paired
	// with the waiting user immediately, tier notwithstanding.
	f.dir.add("alice", 5, false)
	f.dir.add("bob", 5, true)
	if err := f.queue.Enqueue(f.ctx, "alice", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, Request{UserID: "bob", Scope: ScopeGlobal, Tier: TierPremium, Rating: 5})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil {
		t.Fatal("match returned none with a compatible user waiting")
	}
	if d.Partner("bob") != "alice" {
		t.Errorf("dialog = %+v, want bob paired with alice", d)
	}

	// Both users are out of the queues and into the dialog.
	if queued, _ := f.queue.IsQueued(f.ctx, "alice"); queued {
		t.Error("alice still queued after being matched")
	}
	for _, u := range []string{"alice", "bob"} {
		id, err := f.sessions.ActiveID(f.ctx, u)
		if err != nil || id != d.ID {
			t.Errorf("active id for %s = (%q, %v), want %q", u, id, err, d.ID)
		}
	}
}

func TestMatchPrefersPremiumTier(t *testing.T) {
	f := setupMatcher(t, Config{})

	// A standard user queued earlier than a premium user: the premium
	// entry is still served first.
	if err := f.queue.Enqueue(f.ctx, "std", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(f.ctx, "prem", ScopeGlobal, TierPremium, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil || d.Partner("req") != "prem" {
		t.Fatalf("dialog = %+v, want req paired with prem", d)
	}

	// The standard user keeps waiting.
	if queued, _ := f.queue.IsQueued(f.ctx, "std"); !queued {
		t.Error("standard user lost their entry")
	}
}

func TestMatchFIFOWithinTier(t *testing.T) {
	f := setupMatcher(t, Config{})

	if err := f.queue.Enqueue(f.ctx, "first", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(f.ctx, "second", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil || d.Partner("req") != "first" {
		t.Fatalf("dialog = %+v, want req paired with first", d)
	}
}

func TestMatchScopeIsolation(t *testing.T) {
	f := setupMatcher(t, Config{})

	// A global-only waiter is not reachable from a city-scoped search when
	// fallback is off.
	if err := f.queue.Enqueue(f.ctx, "globby", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, Request{UserID: "cityguy", Scope: "city-1", Tier: TierStandard, Rating: 5})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d != nil {
		t.Fatalf("city-scoped match reached global pool without fallback: %+v", d)
	}

	// The caller now enqueues the requester, who stays waiting.
	if err := f.queue.Enqueue(f.ctx, "cityguy", "city-1", TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if queued, _ := f.queue.IsQueued(f.ctx, "cityguy"); !queued {
		t.Error("requester not queued after miss")
	}
}

func TestMatchScopeFallback(t *testing.T) {
	f := setupMatcher(t, Config{ScopeFallback: true})

	if err := f.queue.Enqueue(f.ctx, "globby", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, Request{UserID: "cityguy", Scope: "city-1", Tier: TierStandard, Rating: 5})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil || d.Partner("cityguy") != "globby" {
		t.Fatalf("dialog = %+v, want cityguy paired with globby via fallback", d)
	}
}

func TestMatchLocalScopeBeforeFallback(t *testing.T) {
	f := setupMatcher(t, Config{ScopeFallback: true})

	if err := f.queue.Enqueue(f.ctx, "globby", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(f.ctx, "local", "city-1", TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, Request{UserID: "cityguy", Scope: "city-1", Tier: TierStandard, Rating: 5})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil || d.Partner("cityguy") != "local" {
		t.Fatalf("dialog = %+v, want the locality pool drained before the global one", d)
	}
}

func TestMatchRatingFilters(t *testing.T) {
	f := setupMatcher(t, Config{})

	t.Run("requester filter", func(t *testing.T) {
		f.rdb.FlushDB(f.ctx)
		f.dir.add("lowrated", 3, false)
		if err := f.queue.Enqueue(f.ctx, "lowrated", ScopeGlobal, TierStandard, 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		req := standardReq("picky")
		req.MinRating = 7
		d, err := f.matcher.Match(f.ctx, req)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if d != nil {
			t.Fatalf("matched below the requester's rating floor: %+v", d)
		}
		// The rejected candidate keeps their place in line.
		if queued, _ := f.queue.IsQueued(f.ctx, "lowrated"); !queued {
			t.Error("rejected candidate lost their entry")
		}
	})

	t.Run("candidate filter", func(t *testing.T) {
		f.rdb.FlushDB(f.ctx)
		f.dir.add("picky", 9, false)
		if err := f.queue.Enqueue(f.ctx, "picky", ScopeGlobal, TierStandard, 7); err != nil {
			t.Fatalf("enqueue: %v", err)
		}

		req := standardReq("lowrated")
		req.Rating = 3
		d, err := f.matcher.Match(f.ctx, req)
		if err != nil {
			t.Fatalf("match: %v", err)
		}
		if d != nil {
			t.Fatalf("matched against the candidate's rating floor: %+v", d)
		}
	})
}

func TestMatchSkipsBlockedPair(t *testing.T) {
	f := setupMatcher(t, Config{})

	f.dir.block("req", "enemy")
	if err := f.queue.Enqueue(f.ctx, "enemy", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(f.ctx, "friend", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d == nil || d.Partner("req") != "friend" {
		t.Fatalf("dialog = %+v, want the blocked user skipped", d)
	}
	if queued, _ := f.queue.IsQueued(f.ctx, "enemy"); !queued {
		t.Error("skipped blocked user lost their entry")
	}
}

func TestMatchSkipsRecentPartner(t *testing.T) {
	f := setupMatcher(t, Config{})

	f.rdb.Set(f.ctx, session.LastPartnerPrefix+"req", "recent", time.Minute)
	if err := f.queue.Enqueue(f.ctx, "recent", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d != nil {
		t.Fatalf("re-paired with a cooldown partner: %+v", d)
	}
}

func TestMatchPurgesDeactivated(t *testing.T) {
	f := setupMatcher(t, Config{})

	f.dir.deactivate("gone")
	if err := f.queue.Enqueue(f.ctx, "gone", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d != nil {
		t.Fatalf("matched a deactivated user: %+v", d)
	}
	if queued, _ := f.queue.IsQueued(f.ctx, "gone"); queued {
		t.Error("deactivated user kept their entry")
	}
}

func TestMatchPurgesStaleEntry(t *testing.T) {
	f := setupMatcher(t, Config{})

	// A queue member whose active pointer already exists is a leftover and
	// must be purged, not matched.
	if err := f.queue.Enqueue(f.ctx, "stale", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	f.rdb.Set(f.ctx, session.ActivePrefix+"stale", "other-dialog", 0)

	d, err := f.matcher.Match(f.ctx, standardReq("req"))
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if d != nil {
		t.Fatalf("matched a user already in a dialog: %+v", d)
	}
	if queued, _ := f.queue.IsQueued(f.ctx, "stale"); queued {
		t.Error("stale entry survived the scan")
	}
}

func TestMatchConcurrentExclusivity(t *testing.T) {
	f := setupMatcher(t, Config{})

	// Five waiting users, ten concurrent requesters: every dialog must have
	// distinct participants and no waiting user may be matched twice.
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("wait-%d", i)
		if err := f.queue.Enqueue(f.ctx, user, ScopeGlobal, TierStandard, 0); err != nil {
			t.Fatalf("enqueue %s: %v", user, err)
		}
	}

	var wg sync.WaitGroup
	dialogs := make(chan *session.Dialog, 10)
	for i := 0; i < 10; i++ {
		req := standardReq(fmt.Sprintf("req-%d", i))
		wg.Add(1)
		go func(req Request) {
			defer wg.Done()
			d, err := f.matcher.Match(f.ctx, req)
			if err != nil {
				t.Errorf("match %s: %v", req.UserID, err)
				return
			}
			if d != nil {
				dialogs <- d
			}
		}(req)
	}
	wg.Wait()
	close(dialogs)

	seen := make(map[string]bool)
	count := 0
	for d := range dialogs {
		count++
		for _, u := range []string{d.A, d.B} {
			if seen[u] {
				t.Fatalf("user %s is a participant in two dialogs", u)
			}
			seen[u] = true
		}
	}
	if count != 5 {
		t.Errorf("opened %d dialogs, want 5", count)
	}
}

func TestCancelDuringReservationWins(t *testing.T) {
	f := setupMatcher(t, Config{})

	if err := f.queue.Enqueue(f.ctx, "alice", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	req := standardReq("bob")
	cand, queueKey, score, err := f.matcher.reserve(f.ctx, "bob", f.matcher.candidateKeys(req), nil)
	if err != nil || cand != "alice" {
		t.Fatalf("reserve = (%q, %v), want alice", cand, err)
	}

	// Alice cancels while reserved. Her entry hash still exists, so the
	// cancel succeeds and is the winner of the race.
	if err := f.queue.Dequeue(f.ctx, "alice"); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// The commit must refuse to seat her.
	entry := &Entry{Scope: ScopeGlobal, Tier: TierStandard}
	if _, err := f.matcher.commit(f.ctx, req, cand, entry); !errors.Is(err, session.ErrCounterpartGone) {
		t.Fatalf("commit after cancel = %v, want ErrCounterpartGone", err)
	}
	if id, _ := f.sessions.ActiveID(f.ctx, "alice"); id != "" {
		t.Errorf("cancelled user placed in dialog %q", id)
	}

	// Releasing the reservation must not resurrect the cancelled entry.
	f.matcher.release(f.ctx, cand, queueKey, score, true)
	if n, _ := f.rdb.ZCard(f.ctx, queueKey).Result(); n != 0 {
		t.Error("cancelled user requeued by release")
	}
	if queued, _ := f.queue.IsQueued(f.ctx, "alice"); queued {
		t.Error("cancelled user has a waiting entry again")
	}
	if n, _ := f.rdb.Exists(f.ctx, LockPrefix+"alice").Result(); n != 0 {
		t.Error("reservation lock survived the release")
	}
}

func TestQueueDepthGaugeStaysBalanced(t *testing.T) {
	f := setupMatcher(t, Config{})
	gauge := metrics.QueueDepth.WithLabelValues(ScopeGlobal, TierStandard)
	base := testutil.ToFloat64(gauge)

	// A queued requester who then matches: the open script cleans both
	// entries and both must come off the gauge.
	if err := f.queue.Enqueue(f.ctx, "alice", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := f.queue.Enqueue(f.ctx, "bob", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if got := testutil.ToFloat64(gauge); got != base+2 {
		t.Fatalf("gauge after two enqueues = %v, want %v", got, base+2)
	}

	d, err := f.matcher.Match(f.ctx, standardReq("bob"))
	if err != nil || d == nil || d.Partner("bob") != "alice" {
		t.Fatalf("match = (%+v, %v), want bob paired with alice", d, err)
	}
	if got := testutil.ToFloat64(gauge); got != base {
		t.Errorf("gauge after match = %v, want %v", got, base)
	}

	// A deactivated candidate purged mid-match comes off the gauge too.
	f.dir.deactivate("ghost")
	if err := f.queue.Enqueue(f.ctx, "ghost", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if d, err := f.matcher.Match(f.ctx, standardReq("carol")); err != nil || d != nil {
		t.Fatalf("match = (%+v, %v), want a miss", d, err)
	}
	if got := testutil.ToFloat64(gauge); got != base {
		t.Errorf("gauge after purge = %v, want %v", got, base)
	}
}

func TestCancelAfterMatchReportsNotQueued(t *testing.T) {
	f := setupMatcher(t, Config{})

	if err := f.queue.Enqueue(f.ctx, "alice", ScopeGlobal, TierStandard, 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d, err := f.matcher.Match(f.ctx, standardReq("bob"))
	if err != nil || d == nil {
		t.Fatalf("match: %v, %v", d, err)
	}

	// Alice's cancel arrives after the match won the race.
	if err := f.queue.Dequeue(f.ctx, "alice"); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued after losing the race, got %v", err)
	}
}
