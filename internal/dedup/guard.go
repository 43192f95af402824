// Package dedup rejects duplicate or conflicting user actions. An admitted
// action leaves a short-lived token in Redis:
//
//	Key:   dedupe:<user>:<fingerprint>
//	Value: "1"
//	TTL:   dedup window (covers double-taps and network retries)
//
// While a token is live, the same fingerprint — or any fingerprint in its
// configured conflict set — is rejected with no side effect. The existence
// check and the token write happen in a single Lua script so that two
// concurrent identical actions can never both be admitted.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for dedup tokens.
const TokenPrefix = "dedupe:"

// ErrDuplicate is returned when a live token exists for the action's
// fingerprint or for a conflicting fingerprint.
var ErrDuplicate = errors.New("dedup: duplicate or conflicting action in flight")

// Guard admits or rejects user actions against Redis.
type Guard struct {
	client    *redis.Client
	ttl       time.Duration
	conflicts map[string][]string
	script    *redis.Script
}

// NewGuard creates a Guard with the given token TTL and conflict sets.
// conflicts maps a fingerprint to the fingerprints it conflicts with.
func NewGuard(client *redis.Client, ttl time.Duration, conflicts map[string][]string) *Guard {
	return &Guard{
		client:    client,
		ttl:       ttl,
		conflicts: conflicts,
		script:    redis.NewScript(admitLua),
	}
}

// Admit checks the fingerprint and its conflict set and, if no live token
// exists, records a token for the fingerprint — all in one atomic step.
// Returns ErrDuplicate on rejection; rejection has no side effect.
func (g *Guard) Admit(ctx context.Context, userID, fingerprint string) error {
	keys := []string{g.tokenKey(userID, fingerprint)}
	for _, other := range g.conflicts[fingerprint] {
		keys = append(keys, g.tokenKey(userID, other))
	}

	admitted, err := g.script.Run(ctx, g.client, keys, g.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("dedup: admit: %w", err)
	}
	if admitted == 0 {
		return ErrDuplicate
	}
	return nil
}

func (g *Guard) tokenKey(userID, fingerprint string) string {
	return TokenPrefix + userID + ":" + fingerprint
}

// admitLua checks every token key (KEYS[1] is the action's own fingerprint,
// the rest are its conflict set) and writes the token only when all are clear.
const admitLua = `
for i = 1, #KEYS do
    if redis.call('EXISTS', KEYS[i]) == 1 then
        return 0
    end
end
redis.call('SET', KEYS[1], '1', 'PX', ARGV[1])
return 1
`
