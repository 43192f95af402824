package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/metrics"
)

// Store manages dialog state in Redis. Every mutation that spans more than one
// key runs as a single Lua script, so concurrent callers always observe either
// the whole transition or none of it.
type Store struct {
	client *redis.Client
	clk    clock.Clock

	openScript      *redis.Script
	terminateScript *redis.Script
	touchScript     *redis.Script
}

// NewStore creates a dialog store backed by the given Redis client.
func NewStore(client *redis.Client, clk clock.Clock) *Store {
	return &Store{
		client:          client,
		clk:             clk,
		openScript:      redis.NewScript(openLua),
		terminateScript: redis.NewScript(terminateLua),
		touchScript:     redis.NewScript(touchLua),
	}
}

// Open creates an active dialog between a and b. It fails with
// ErrParticipantBusy if either user already has an active dialog; on success
// it sets both active pointers and removes any waiting-queue leftovers named
// by entryKeys, all in one atomic step.
func (s *Store) Open(ctx context.Context, id, a, b string, entryKeys ...string) error {
	return s.open(ctx, id, a, b, "", entryKeys)
}

// OpenMatched creates the dialog for a counterpart freshly reserved from the
// waiting queues. On top of the busy checks it verifies the counterpart's
// waiting entry still exists: a cancel that lands after the reservation wins
// the race, and the open fails with ErrCounterpartGone instead of seating a
// user who already left.
func (s *Store) OpenMatched(ctx context.Context, id, requester, counterpart, requesterEntry, counterpartEntry string) error {
	return s.open(ctx, id, requester, counterpart, counterpartEntry,
		[]string{requesterEntry, counterpartEntry})
}

func (s *Store) open(ctx context.Context, id, a, b, requiredEntry string, entryKeys []string) error {
	keys := []string{
		DialogPrefix + id,
		ActivePrefix + a,
		ActivePrefix + b,
		ActivityKey,
	}
	keys = append(keys, entryKeys...)

	res, err := s.openScript.Run(ctx, s.client, keys,
		id, a, b, s.clk.Now().Unix(), requiredEntry).StringSlice()
	if err != nil {
		return fmt.Errorf("session: open %s: %w", id, err)
	}
	switch res[0] {
	case "busy":
		return ErrParticipantBusy
	case "cancelled":
		return ErrCounterpartGone
	}
	// The script reports the (scope, tier) of every waiting entry it removed
	// so the depth gauge tracks cleanups done on its behalf.
	for i := 1; i+1 < len(res); i += 2 {
		metrics.QueueDepth.WithLabelValues(res[i], res[i+1]).Dec()
	}
	return nil
}

// Get retrieves a dialog by ID. Returns ErrNoSession if it does not exist
// (never created, or already expired from Redis).
func (s *Store) Get(ctx context.Context, id string) (*Dialog, error) {
	var d Dialog
	if err := s.client.HGetAll(ctx, DialogPrefix+id).Scan(&d); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", id, err)
	}
	if d.ID == "" {
		return nil, ErrNoSession
	}
	return &d, nil
}

// ActiveID returns the ID of the user's active dialog, or "" if the user is
// not in one.
func (s *Store) ActiveID(ctx context.Context, user string) (string, error) {
	id, err := s.client.Get(ctx, ActivePrefix+user).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: active %s: %w", user, err)
	}
	return id, nil
}

// Terminate ends the dialog with the given reason. The first call wins:
// it clears both active pointers, starts the partner cooldown and records the
// reason. Any later call is a no-op that reports the recorded outcome with
// First=false, so duplicate termination triggers (both peers leaving at once,
// a user action racing the idle sweep) are safe.
func (s *Store) Terminate(ctx context.Context, id, reason string, cooldown time.Duration) (*TerminateResult, error) {
	keys := []string{DialogPrefix + id, ActivityKey}
	res, err := s.terminateScript.Run(ctx, s.client, keys,
		reason,
		s.clk.Now().Unix(),
		cooldown.Milliseconds(),
		ActivePrefix,
		LastPartnerPrefix,
		int(DialogRetention.Seconds()),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("session: terminate %s: %w", id, err)
	}
	if res[0] == "missing" {
		return nil, ErrNoSession
	}
	return &TerminateResult{
		DialogID: id,
		Reason:   res[1],
		A:        res[2],
		B:        res[3],
		First:    res[0] == "ended",
	}, nil
}

// RelayAuthorized checks that sender is a participant of an active dialog
// and, if so, refreshes the dialog's activity timestamp and returns the
// dialog ID and the partner to relay to. Returns ("", "") when the sender has
// no active dialog.
func (s *Store) RelayAuthorized(ctx context.Context, sender string) (dialogID, partner string, err error) {
	keys := []string{ActivePrefix + sender, ActivityKey}
	res, err := s.touchScript.Run(ctx, s.client, keys,
		sender, s.clk.Now().Unix(), DialogPrefix).StringSlice()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("session: relay %s: %w", sender, err)
	}
	return res[0], res[1], nil
}

// IdleCandidates returns the IDs of active dialogs with no relayed message
// for at least idleFor.
func (s *Store) IdleCandidates(ctx context.Context, idleFor time.Duration) ([]string, error) {
	cutoff := s.clk.Now().Add(-idleFor).Unix()
	ids, err := s.client.ZRangeByScore(ctx, ActivityKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("session: idle candidates: %w", err)
	}
	return ids, nil
}

// ActiveCount returns the number of active dialogs.
func (s *Store) ActiveCount(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, ActivityKey).Result()
}

// openLua checks the required waiting entry and both active pointers, clears
// waiting-queue leftovers for both participants, then writes the dialog hash,
// the pointers and the activity entry. Returns {'cancelled'}, {'busy'}, or
// {'ok', scope, tier, ...} with one pair per entry hash it removed.
//
//	KEYS[1] dialog hash    KEYS[2] active:a    KEYS[3] active:b
//	KEYS[4] activity zset  KEYS[5..] queue entry hashes to clean
//	ARGV: id, a, b, now, required entry key ('' = none; must also be in KEYS)
const openLua = `
if ARGV[5] ~= '' and redis.call('EXISTS', ARGV[5]) == 0 then
    return {'cancelled'}
end
if redis.call('EXISTS', KEYS[2]) == 1 then
    return {'busy'}
end
if redis.call('EXISTS', KEYS[3]) == 1 then
    return {'busy'}
end
local res = {'ok'}
for i = 5, #KEYS do
    local qkey = redis.call('HGET', KEYS[i], 'queue')
    if qkey then
        redis.call('ZREM', qkey, redis.call('HGET', KEYS[i], 'user'))
        res[#res + 1] = redis.call('HGET', KEYS[i], 'scope')
        res[#res + 1] = redis.call('HGET', KEYS[i], 'tier')
        redis.call('DEL', KEYS[i])
    end
end
redis.call('HSET', KEYS[1],
    'id', ARGV[1], 'a', ARGV[2], 'b', ARGV[3],
    'started_at', ARGV[4], 'state', 'active',
    'end_reason', '', 'ended_at', 0)
redis.call('SET', KEYS[2], ARGV[1])
redis.call('SET', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1])
return res
`

// terminateLua ends the dialog exactly once. A repeat call returns the
// recorded outcome without touching anything.
//
//	KEYS[1] dialog hash  KEYS[2] activity zset
//	ARGV: reason, now, cooldown_ms, active_prefix, last_partner_prefix, retention_s
const terminateLua = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
    return {'missing', '', '', ''}
end
local a = redis.call('HGET', KEYS[1], 'a')
local b = redis.call('HGET', KEYS[1], 'b')
if state == 'ended' then
    return {'repeat', redis.call('HGET', KEYS[1], 'end_reason'), a, b}
end
redis.call('HSET', KEYS[1], 'state', 'ended', 'end_reason', ARGV[1], 'ended_at', ARGV[2])
redis.call('DEL', ARGV[4] .. a, ARGV[4] .. b)
redis.call('ZREM', KEYS[2], redis.call('HGET', KEYS[1], 'id'))
if tonumber(ARGV[3]) > 0 then
    redis.call('SET', ARGV[5] .. a, b, 'PX', ARGV[3])
    redis.call('SET', ARGV[5] .. b, a, 'PX', ARGV[3])
end
redis.call('EXPIRE', KEYS[1], ARGV[6])
return {'ended', ARGV[1], a, b}
`

// touchLua authorizes a relay through the sender's active pointer and bumps
// the dialog's activity score in the same step.
//
//	KEYS[1] active:sender  KEYS[2] activity zset
//	ARGV: sender, now, dialog_prefix
const touchLua = `
local id = redis.call('GET', KEYS[1])
if not id then
    return false
end
local dkey = ARGV[3] .. id
if redis.call('HGET', dkey, 'state') ~= 'active' then
    return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local a = redis.call('HGET', dkey, 'a')
if a == ARGV[1] then
    return {id, redis.call('HGET', dkey, 'b')}
end
return {id, a}
`
