package session

import (
	"context"
	"errors"
	"log"
	"time"
)

// StartIdleSweep periodically terminates dialogs that carried no message for
// at least idleTimeout. The sweep goes through the same Terminate path as
// user-initiated termination, so a sweep racing a user's end_dialog or
// complaint resolves to a single recorded outcome.
func StartIdleSweep(ctx context.Context, mgr *Manager, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[session] idle sweep stopped")
			return
		case <-ticker.C:
			sweepIdle(ctx, mgr, idleTimeout)
		}
	}
}

func sweepIdle(ctx context.Context, mgr *Manager, idleTimeout time.Duration) {
	ids, err := mgr.Store().IdleCandidates(ctx, idleTimeout)
	if err != nil {
		log.Printf("[session] idle sweep: %v", err)
		return
	}

	ended := 0
	for _, id := range ids {
		res, err := mgr.Terminate(ctx, id, ReasonTimeout)
		if err != nil {
			// A dialog terminated between the candidate scan and here may
			// already be gone from Redis.
			if !errors.Is(err, ErrNoSession) {
				log.Printf("[session] idle sweep terminate %s: %v", id, err)
			}
			continue
		}
		if res.First {
			ended++
		}
	}

	if ended > 0 {
		log.Printf("[session] idle sweep ended %d dialogs", ended)
	}
}
