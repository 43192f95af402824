// Package matching implements the priority-ordered waiting queues and the
// atomic pairing algorithm. Queues are Redis sorted sets, one per
// (scope, tier); the score is a monotonically increasing sequence number so
// ordering is strict first-in-first-out within a tier and deterministic under
// equal enqueue times. Every multi-key mutation runs as a Lua script.
package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/session"
)

// Priority tiers.
const (
	TierStandard = "standard"
	TierPremium  = "premium"
)

// ScopeGlobal is the scope every user can always search in. Other scopes are
// locality keys supplied by the profile (e.g. a city slug).
const ScopeGlobal = "global"

const (
	// QueuePrefix + scope (with an extra "premium:" segment for the premium
	// tier) names one waiting pool sorted set.
	QueuePrefix = "queue:"

	// EntryPrefix + user is the hash describing that user's single waiting
	// entry. Its "queue" field names the sorted set holding the user, so any
	// script handed the entry key can clean both up.
	EntryPrefix = "queue:entry:"

	// seqKey is the global insertion counter used as the sorted-set score.
	seqKey = "queue:seq"
)

var (
	// ErrAlreadyQueued is returned when the user already has a waiting entry
	// or an active dialog.
	ErrAlreadyQueued = errors.New("matching: user already queued or in a dialog")

	// ErrNotQueued is returned by Dequeue when the user has no waiting entry.
	ErrNotQueued = errors.New("matching: user not queued")
)

// Entry is a user's waiting-queue state. A user has at most one Entry across
// all scopes and tiers.
type Entry struct {
	UserID     string  `redis:"user"`
	QueueKey   string  `redis:"queue"`
	Scope      string  `redis:"scope"`
	Tier       string  `redis:"tier"`
	MinRating  float64 `redis:"min_rating"` // 0 means no filter
	EnqueuedAt int64   `redis:"enqueued_at"`
	Seq        int64   `redis:"seq"`
}

// QueueKey builds the sorted-set key for a (scope, tier) pool.
func QueueKey(scope, tier string) string {
	if tier == TierPremium {
		return QueuePrefix + "premium:" + scope
	}
	return QueuePrefix + scope
}

// EntryKey builds the waiting-entry hash key for a user.
func EntryKey(user string) string {
	return EntryPrefix + user
}

// Queue manages the waiting pools in Redis.
type Queue struct {
	client *redis.Client
	clk    clock.Clock

	enqueueScript *redis.Script
	dequeueScript *redis.Script
}

// NewQueue creates a Queue backed by the given Redis client.
func NewQueue(client *redis.Client, clk clock.Clock) *Queue {
	return &Queue{
		client:        client,
		clk:           clk,
		enqueueScript: redis.NewScript(enqueueLua),
		dequeueScript: redis.NewScript(dequeueLua),
	}
}

// Enqueue inserts the user into the (scope, tier) pool. It fails with
// ErrAlreadyQueued if the user already has a waiting entry anywhere or is in
// an active dialog; the membership check and the insertion are one atomic
// step.
func (q *Queue) Enqueue(ctx context.Context, user, scope, tier string, minRating float64) error {
	keys := []string{
		QueueKey(scope, tier),
		EntryKey(user),
		session.ActivePrefix + user,
		seqKey,
	}
	admitted, err := q.enqueueScript.Run(ctx, q.client, keys,
		user, scope, tier, minRating, q.clk.Now().Unix()).Int()
	if err != nil {
		return fmt.Errorf("matching: enqueue %s: %w", user, err)
	}
	if admitted == 0 {
		return ErrAlreadyQueued
	}
	metrics.QueueDepth.WithLabelValues(scope, tier).Inc()
	return nil
}

// Dequeue removes the user's waiting entry, wherever it lives. Returns
// ErrNotQueued if there is none: the membership check and the removal are one
// atomic step, so a dequeue racing a match has exactly one winner.
func (q *Queue) Dequeue(ctx context.Context, user string) error {
	res, err := q.dequeueScript.Run(ctx, q.client, []string{EntryKey(user)}, user).StringSlice()
	if err != nil {
		return fmt.Errorf("matching: dequeue %s: %w", user, err)
	}
	if res[0] == "" {
		return ErrNotQueued
	}
	metrics.QueueDepth.WithLabelValues(res[0], res[1]).Dec()
	return nil
}

// Entry returns the user's waiting entry, or nil if the user is not queued.
func (q *Queue) Entry(ctx context.Context, user string) (*Entry, error) {
	var e Entry
	if err := q.client.HGetAll(ctx, EntryKey(user)).Scan(&e); err != nil {
		return nil, fmt.Errorf("matching: entry %s: %w", user, err)
	}
	if e.UserID == "" {
		return nil, nil
	}
	return &e, nil
}

// IsQueued reports whether the user has a waiting entry.
func (q *Queue) IsQueued(ctx context.Context, user string) (bool, error) {
	n, err := q.client.Exists(ctx, EntryKey(user)).Result()
	if err != nil {
		return false, fmt.Errorf("matching: is queued %s: %w", user, err)
	}
	return n > 0, nil
}

// Size returns the number of waiting entries in one (scope, tier) pool.
func (q *Queue) Size(ctx context.Context, scope, tier string) (int64, error) {
	return q.client.ZCard(ctx, QueueKey(scope, tier)).Result()
}

// enqueueLua checks the single-entry invariant and inserts in one step.
//
//	KEYS[1] queue zset  KEYS[2] entry hash  KEYS[3] active pointer  KEYS[4] seq counter
//	ARGV: user, scope, tier, min_rating, now
const enqueueLua = `
if redis.call('EXISTS', KEYS[2]) == 1 then
    return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
    return 0
end
local seq = redis.call('INCR', KEYS[4])
redis.call('ZADD', KEYS[1], seq, ARGV[1])
redis.call('HSET', KEYS[2],
    'user', ARGV[1], 'queue', KEYS[1],
    'scope', ARGV[2], 'tier', ARGV[3],
    'min_rating', ARGV[4], 'enqueued_at', ARGV[5], 'seq', seq)
return 1
`

// dequeueLua removes the entry from its own queue, found via the entry hash.
// Returns {scope, tier} on removal, {} when the user was not queued.
//
//	KEYS[1] entry hash
//	ARGV: user
const dequeueLua = `
local qkey = redis.call('HGET', KEYS[1], 'queue')
if not qkey then
    return {'', ''}
end
local scope = redis.call('HGET', KEYS[1], 'scope')
local tier = redis.call('HGET', KEYS[1], 'tier')
redis.call('ZREM', qkey, ARGV[1])
redis.call('DEL', KEYS[1])
return {scope, tier}
`
