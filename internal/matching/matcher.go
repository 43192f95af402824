package matching

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/session"
)

// LockPrefix + user is the short-lived reservation lock the matcher takes on
// a candidate while validating it, and on the requester for the whole match
// attempt. TTL-bounded so a crashed matcher never wedges a user.
const LockPrefix = "lock:match:"

// Profile is the slice of user state the matcher needs for compatibility
// checks.
type Profile struct {
	Rating      float64
	Premium     bool
	Deactivated bool
}

// Directory resolves user profiles and block relations. Backed by the
// profile store in production, by fakes in tests.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*Profile, error)
	Blocked(ctx context.Context, a, b string) (bool, error)
}

// Request describes one match attempt.
type Request struct {
	UserID    string
	Scope     string  // locality scope, or ScopeGlobal
	Tier      string  // TierStandard or TierPremium
	MinRating float64 // 0 means no filter
	Rating    float64 // requester's own rating, checked against candidate filters
}

// Config tunes the matcher.
type Config struct {
	LockTTL       time.Duration // reservation lock lifetime
	MaxAttempts   int           // candidates examined before giving up
	ScopeFallback bool          // locality searches also scan the global pool
}

// Matcher finds and removes a compatible counterpart from the waiting pools
// in one indivisible step per candidate. Candidate selection runs server-side
// in Redis (skip, purge, lock and pop under a single script execution);
// profile-dependent checks run here between the reservation and the commit,
// with the candidate held under a TTL lock the whole time.
type Matcher struct {
	client   *redis.Client
	queue    *Queue
	sessions *session.Store
	dir      Directory
	clk      clock.Clock
	cfg      Config

	reserveScript *redis.Script
	releaseScript *redis.Script
}

// NewMatcher creates a Matcher.
func NewMatcher(client *redis.Client, queue *Queue, sessions *session.Store, dir Directory, clk clock.Clock, cfg Config) *Matcher {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 4 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 50
	}
	return &Matcher{
		client:        client,
		queue:         queue,
		sessions:      sessions,
		dir:           dir,
		clk:           clk,
		cfg:           cfg,
		reserveScript: redis.NewScript(reserveLua),
		releaseScript: redis.NewScript(releaseLua),
	}
}

// Match tries to pair the requester with the best waiting counterpart:
// premium entries before standard within a scope, locality scope before the
// global fallback, oldest entry first within a tier. On success it returns
// the opened dialog; on miss it returns (nil, nil) and the caller decides
// whether to enqueue the requester.
//
// No two concurrent Match calls can select the same counterpart, and a
// counterpart mid-validation cannot be matched, dequeued or re-enqueued by
// anyone else.
func (m *Matcher) Match(ctx context.Context, req Request) (*session.Dialog, error) {
	// One match attempt per requester at a time.
	ok, err := m.client.SetNX(ctx, LockPrefix+req.UserID, "self", m.cfg.LockTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("matching: requester lock %s: %w", req.UserID, err)
	}
	if !ok {
		return nil, nil
	}
	defer m.client.Del(ctx, LockPrefix+req.UserID)

	keys := m.candidateKeys(req)
	excluded := make([]string, 0, 4)

	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		cand, queueKey, score, err := m.reserve(ctx, req.UserID, keys, excluded)
		if err != nil {
			return nil, err
		}
		if cand == "" {
			return nil, nil
		}

		entry, reason, err := m.validate(ctx, req, cand)
		if err != nil {
			m.release(ctx, cand, queueKey, score, true)
			return nil, err
		}
		if reason != "" {
			// Put the candidate back at its original position and never
			// look at it again in this attempt.
			requeue := reason != "deactivated"
			m.release(ctx, cand, queueKey, score, requeue)
			excluded = append(excluded, cand)
			continue
		}

		d, err := m.commit(ctx, req, cand, entry)
		if err == session.ErrParticipantBusy || err == session.ErrCounterpartGone {
			// Busy: the requester picked up a dialog between lock and
			// commit, or the candidate's pointer appeared outside the queue
			// path. Gone: the candidate's cancel landed after the
			// reservation and wins; release then only drops the lock.
			m.release(ctx, cand, queueKey, score, true)
			excluded = append(excluded, cand)
			continue
		}
		if err != nil {
			m.release(ctx, cand, queueKey, score, true)
			return nil, err
		}
		return d, nil
	}

	return nil, nil
}

// candidateKeys returns the queue keys to scan, in priority order: premium
// before standard within a scope, the requester's scope before the global
// fallback.
func (m *Matcher) candidateKeys(req Request) []string {
	scopes := []string{req.Scope}
	if m.cfg.ScopeFallback && req.Scope != ScopeGlobal {
		scopes = append(scopes, ScopeGlobal)
	}
	keys := make([]string, 0, len(scopes)*2)
	for _, scope := range scopes {
		keys = append(keys, QueueKey(scope, TierPremium), QueueKey(scope, TierStandard))
	}
	return keys
}

// reserve runs the server-side scan: the first candidate that is not the
// requester, not excluded and not already locked is popped from its queue
// under a fresh reservation lock. Entries whose user already has an active
// dialog are purged on the way.
func (m *Matcher) reserve(ctx context.Context, me string, keys, excluded []string) (cand, queueKey, score string, err error) {
	argv := make([]interface{}, 0, 5+len(excluded))
	argv = append(argv, me, m.cfg.LockTTL.Milliseconds(), EntryPrefix, session.ActivePrefix, LockPrefix)
	for _, u := range excluded {
		argv = append(argv, u)
	}

	res, err := m.reserveScript.Run(ctx, m.client, keys, argv...).StringSlice()
	if err == redis.Nil {
		return "", "", "", nil
	}
	if err != nil {
		return "", "", "", fmt.Errorf("matching: reserve for %s: %w", me, err)
	}
	return res[0], res[1], res[2], nil
}

// validate applies the profile-dependent compatibility checks. A non-empty
// reason means the candidate is incompatible with this requester; an empty
// reason with a nil error means the pair is good.
func (m *Matcher) validate(ctx context.Context, req Request, cand string) (*Entry, string, error) {
	entry, err := m.queue.Entry(ctx, cand)
	if err != nil {
		return nil, "", err
	}
	if entry == nil {
		// Queue membership without an entry hash should not happen; treat
		// as a stale leftover.
		return nil, "deactivated", nil
	}

	prof, err := m.dir.Lookup(ctx, cand)
	if err != nil {
		return nil, "", fmt.Errorf("matching: lookup %s: %w", cand, err)
	}
	if prof.Deactivated {
		return nil, "deactivated", nil
	}

	// Rating filters cut both ways.
	if req.MinRating > 0 && prof.Rating < req.MinRating {
		return entry, "rating", nil
	}
	if entry.MinRating > 0 && req.Rating < entry.MinRating {
		return entry, "rating", nil
	}

	if blocked, err := m.dir.Blocked(ctx, req.UserID, cand); err != nil {
		return nil, "", fmt.Errorf("matching: block check: %w", err)
	} else if blocked {
		return entry, "blocked", nil
	}

	if cool, err := m.onCooldown(ctx, req.UserID, cand); err != nil {
		return nil, "", err
	} else if cool {
		return entry, "cooldown", nil
	}

	return entry, "", nil
}

// onCooldown reports whether either user's most recent dialog was with the
// other and the cooldown window is still open.
func (m *Matcher) onCooldown(ctx context.Context, a, b string) (bool, error) {
	last, err := m.client.MGet(ctx, session.LastPartnerPrefix+a, session.LastPartnerPrefix+b).Result()
	if err != nil {
		return false, fmt.Errorf("matching: cooldown check: %w", err)
	}
	return last[0] == b || last[1] == a, nil
}

// commit opens the dialog. The open script requires the candidate's waiting
// entry to still exist, re-checks both active pointers and clears the
// waiting-queue leftovers for both users (decrementing the depth gauge per
// entry it removes).
func (m *Matcher) commit(ctx context.Context, req Request, cand string, entry *Entry) (*session.Dialog, error) {
	id := uuid.NewString()
	if err := m.sessions.OpenMatched(ctx, id, req.UserID, cand, EntryKey(req.UserID), EntryKey(cand)); err != nil {
		return nil, err
	}
	m.client.Del(ctx, LockPrefix+cand)

	metrics.MatchesTotal.WithLabelValues(entry.Scope).Inc()
	metrics.ActiveDialogs.Inc()
	metrics.MatchWaitSeconds.Observe(m.clk.Now().Sub(time.Unix(entry.EnqueuedAt, 0)).Seconds())

	log.Printf("[matcher] opened dialog %s: %s + %s (scope=%s tier=%s)",
		id, req.UserID, cand, entry.Scope, entry.Tier)

	return m.sessions.Get(ctx, id)
}

// release returns a rejected candidate to its queue at its original score and
// drops the reservation lock. The entry hash is the source of truth: a
// candidate whose hash vanished mid-validation has cancelled and is neither
// requeued nor purged. Deactivated users are purged instead of requeued.
func (m *Matcher) release(ctx context.Context, cand, queueKey, score string, requeue bool) {
	flag := "0"
	if requeue {
		flag = "1"
	}
	keys := []string{queueKey, EntryKey(cand), LockPrefix + cand}
	res, err := m.releaseScript.Run(ctx, m.client, keys, cand, score, flag).StringSlice()
	if err != nil {
		log.Printf("[matcher] release %s: %v", cand, err)
		return
	}
	if res[0] == "purged" {
		metrics.QueueDepth.WithLabelValues(res[1], res[2]).Dec()
	}
}

// reserveLua scans the queue keys in priority order. For each rank it either
// skips (requester, excluded, locked by another matcher), purges (user
// already in a dialog) or reserves: lock NX, pop, return. The reservation
// lock makes the pop exclusive even against concurrent scripts, because the
// SET NX and the ZREM execute in the same script step.
//
//	KEYS: candidate queue zsets, highest priority first
//	ARGV[1] requester  ARGV[2] lock ttl ms
//	ARGV[3] entry prefix  ARGV[4] active prefix  ARGV[5] lock prefix
//	ARGV[6..] excluded users
const reserveLua = `
local excluded = {}
for i = 6, #ARGV do
    excluded[ARGV[i]] = true
end
for k = 1, #KEYS do
    local rank = 0
    while true do
        local item = redis.call('ZRANGE', KEYS[k], rank, rank, 'WITHSCORES')
        if #item == 0 then
            break
        end
        local cand = item[1]
        if cand == ARGV[1] or excluded[cand] then
            rank = rank + 1
        elseif redis.call('EXISTS', ARGV[4] .. cand) == 1 then
            -- stale: user entered a dialog without going through dequeue
            redis.call('ZREM', KEYS[k], cand)
            redis.call('DEL', ARGV[3] .. cand)
        elseif redis.call('SET', ARGV[5] .. cand, ARGV[1], 'NX', 'PX', ARGV[2]) then
            redis.call('ZREM', KEYS[k], cand)
            return {cand, KEYS[k], item[2]}
        else
            rank = rank + 1
        end
    end
end
return false
`

// releaseLua undoes a reservation. The entry hash decides the outcome: if it
// is gone the candidate cancelled while reserved and nothing is restored; on
// requeue the member goes back at its original score; on purge the hash is
// dropped and its {scope, tier} returned so the caller can adjust the depth
// gauge. The lock is released in every case.
//
//	KEYS[1] queue zset  KEYS[2] entry hash  KEYS[3] reservation lock
//	ARGV: candidate, original score, requeue flag ('1' or '0')
const releaseLua = `
local res
if redis.call('EXISTS', KEYS[2]) == 0 then
    res = {'gone', '', ''}
elseif ARGV[3] == '1' then
    redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
    res = {'requeued', '', ''}
else
    res = {'purged', redis.call('HGET', KEYS[2], 'scope'), redis.call('HGET', KEYS[2], 'tier')}
    redis.call('DEL', KEYS[2])
end
redis.call('DEL', KEYS[3])
return res
`
