// Package control tracks, per user, the single live UI message handle. The
// transport edits that message in place rather than appending new ones; when
// a new surface is issued, the previous handle becomes stale and must never
// be targeted again.
package control

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RefPrefix + user holds the user's live message handle.
const RefPrefix = "ui:message:"

// ErrStaleHandle is returned when an operation targets a handle that has
// been superseded.
var ErrStaleHandle = errors.New("control: stale message handle")

// Tracker manages control-message references in Redis.
type Tracker struct {
	client *redis.Client
	script *redis.Script
}

// NewTracker creates a Tracker backed by the given Redis client.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{
		client: client,
		script: redis.NewScript(issueLua),
	}
}

// Issue records handle as the user's live surface and returns the handle it
// superseded ("" if none). Swap and read are one atomic step, so rapid-fire
// actions from the same user resolve to exactly one live handle.
func (t *Tracker) Issue(ctx context.Context, user, handle string) (superseded string, err error) {
	old, err := t.script.Run(ctx, t.client, []string{RefPrefix + user}, handle).Text()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("control: issue for %s: %w", user, err)
	}
	return old, nil
}

// Current returns the user's live handle, or "" if none was ever issued.
func (t *Tracker) Current(ctx context.Context, user string) (string, error) {
	handle, err := t.client.Get(ctx, RefPrefix+user).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("control: current for %s: %w", user, err)
	}
	return handle, nil
}

// Validate returns ErrStaleHandle unless handle is the user's live surface.
func (t *Tracker) Validate(ctx context.Context, user, handle string) error {
	current, err := t.Current(ctx, user)
	if err != nil {
		return err
	}
	if current == "" || current != handle {
		return ErrStaleHandle
	}
	return nil
}

// issueLua swaps in the new handle and returns the superseded one, nil when
// this is the user's first surface.
const issueLua = `
local old = redis.call('GET', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
if old then
    return old
end
return false
`
