package matching

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/duologue/matchbot/internal/clock"
)

// StartSearchSweep expires waiting entries older than maxWait. Expired users
// are removed through the same atomic dequeue path as a user cancel, so a
// sweep racing a match has exactly one winner; onExpire fires only for
// entries the sweep actually removed. A maxWait of zero disables the sweep.
func StartSearchSweep(ctx context.Context, queue *Queue, client *redis.Client, clk clock.Clock,
	interval, maxWait time.Duration, onExpire func(userID string)) {
	if maxWait <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[matcher] search sweep stopped")
			return
		case <-ticker.C:
			sweepSearches(ctx, queue, client, clk, maxWait, onExpire)
		}
	}
}

func sweepSearches(ctx context.Context, queue *Queue, client *redis.Client, clk clock.Clock,
	maxWait time.Duration, onExpire func(userID string)) {
	cutoff := clk.Now().Add(-maxWait).Unix()
	expired := 0

	iter := client.Scan(ctx, 0, EntryPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		user := strings.TrimPrefix(iter.Val(), EntryPrefix)
		entry, err := queue.Entry(ctx, user)
		if err != nil || entry == nil || entry.EnqueuedAt > cutoff {
			continue
		}
		if err := queue.Dequeue(ctx, user); err != nil {
			// Matched or cancelled between the scan and here.
			if !errors.Is(err, ErrNotQueued) {
				log.Printf("[matcher] search sweep dequeue %s: %v", user, err)
			}
			continue
		}
		expired++
		if onExpire != nil {
			onExpire(user)
		}
	}
	if err := iter.Err(); err != nil {
		log.Printf("[matcher] search sweep scan: %v", err)
	}

	if expired > 0 {
		log.Printf("[matcher] search sweep expired %d entries", expired)
	}
}
