// Package rating validates and applies post-dialog rating submissions. A
// submission passes a chain of anti-abuse checks, becomes a durable rating
// event, and the ratee's score is recomputed as a season-weighted average.
// Anomalous swings raise a fire-and-forget alert.
package rating

import "errors"

// Rejection reasons. All are recoverable, caller-reported conditions.
var (
	ErrInvalidDelta         = errors.New("rating: score outside allowed range")
	ErrSessionNotTerminated = errors.New("rating: dialog not terminated")
	ErrNotParticipant       = errors.New("rating: rater is not a dialog participant")
	ErrRateLimited          = errors.New("rating: submission frequency cap exceeded")
	ErrDuplicateRating      = errors.New("rating: dialog already rated by this user")
)
