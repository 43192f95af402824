package rating

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/duologue/matchbot/internal/archive"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/protocol"
	"github.com/duologue/matchbot/internal/ratelimit"
)

// EventStore persists rating events and serves score aggregates.
type EventStore interface {
	Insert(ctx context.Context, e *Event) error
	SeasonalAverage(ctx context.Context, user string, season time.Duration) (float64, error)
}

// DialogArchive answers termination and pair-frequency questions from the
// durable dialog record.
type DialogArchive interface {
	Get(ctx context.Context, id string) (*archive.Dialog, error)
	CountPair(ctx context.Context, a, b string, window time.Duration) (int, error)
}

// Limiter enforces the rolling-window submission frequency cap.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// ProfileUpdater writes the recomputed score back to the user directory.
type ProfileUpdater interface {
	UpdateRating(ctx context.Context, id string, rating float64) error
}

// Notifier delivers fire-and-forget alerts.
type Notifier interface {
	Alert(category string, data []byte) error
}

// Config tunes the reconciler's anti-abuse policy.
type Config struct {
	Min        int           // lowest allowed score
	Max        int           // highest allowed score
	Season     time.Duration // relevance window for the average
	PairCap    int           // dialogs per pair within PairWindow before flagging
	PairWindow time.Duration
	SharpDrop  float64 // average drop that triggers an alert
	Rule       ratelimit.Rule
}

// Result reports an applied submission.
type Result struct {
	Ratee   string
	Flagged bool
	NewAvg  float64
}

// Reconciler runs the submission pipeline: range check, termination check,
// participant check, frequency cap, pair-frequency flagging, insert,
// seasonal recompute, alert on sharp drops.
type Reconciler struct {
	events   EventStore
	dialogs  DialogArchive
	limiter  Limiter
	profiles ProfileUpdater
	notifier Notifier
	cfg      Config
}

// NewReconciler creates a Reconciler. notifier may be nil (tests).
func NewReconciler(events EventStore, dialogs DialogArchive, limiter Limiter,
	profiles ProfileUpdater, notifier Notifier, cfg Config) *Reconciler {
	return &Reconciler{
		events:   events,
		dialogs:  dialogs,
		limiter:  limiter,
		profiles: profiles,
		notifier: notifier,
		cfg:      cfg,
	}
}

// Submit validates and applies one rating. On success the ratee's score is
// already recomputed; rejections are the package's sentinel errors.
func (r *Reconciler) Submit(ctx context.Context, rater, dialogID string, score int) (*Result, error) {
	if score < r.cfg.Min || score > r.cfg.Max {
		metrics.RatingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrInvalidDelta
	}

	// Only terminated dialogs reach the archive, so absence there means the
	// dialog is still live (or never existed).
	d, err := r.dialogs.Get(ctx, dialogID)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RatingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrSessionNotTerminated
	}
	if err != nil {
		return nil, err
	}

	var ratee string
	switch rater {
	case d.UserA:
		ratee = d.UserB
	case d.UserB:
		ratee = d.UserA
	default:
		metrics.RatingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrNotParticipant
	}

	allowed, err := r.limiter.Allow(ctx, rater, r.cfg.Rule)
	if err != nil {
		log.Printf("[rating] submission cap check for %s: %v (allowing)", rater, err)
	} else if !allowed {
		metrics.RatingsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrRateLimited
	}

	flagged := false
	if r.cfg.PairCap > 0 {
		n, err := r.dialogs.CountPair(ctx, rater, ratee, r.cfg.PairWindow)
		if err != nil {
			return nil, err
		}
		flagged = n > r.cfg.PairCap
	}

	prevAvg, err := r.events.SeasonalAverage(ctx, ratee, r.cfg.Season)
	if err != nil {
		return nil, err
	}

	if err := r.events.Insert(ctx, &Event{
		DialogID: dialogID,
		From:     rater,
		To:       ratee,
		Score:    score,
		Flagged:  flagged,
	}); err != nil {
		if errors.Is(err, ErrDuplicateRating) {
			metrics.RatingsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	newAvg, err := r.events.SeasonalAverage(ctx, ratee, r.cfg.Season)
	if err != nil {
		return nil, fmt.Errorf("rating: recompute for %s: %w", ratee, err)
	}
	if err := r.profiles.UpdateRating(ctx, ratee, newAvg); err != nil {
		return nil, err
	}

	// A sharp drop alerts the admins. Notification failure never rolls the
	// applied rating back.
	if prevAvg > 0 && prevAvg-newAvg >= r.cfg.SharpDrop {
		r.alert(ratee, prevAvg, newAvg)
	}

	outcome := "applied"
	if flagged {
		outcome = "flagged"
	}
	metrics.RatingsTotal.WithLabelValues(outcome).Inc()

	return &Result{Ratee: ratee, Flagged: flagged, NewAvg: newAvg}, nil
}

func (r *Reconciler) alert(user string, prevAvg, newAvg float64) {
	if r.notifier == nil {
		return
	}
	data, err := protocol.NewEvent("rating_drop", protocol.RatingAlertMsg{
		UserID:  user,
		PrevAvg: prevAvg,
		NewAvg:  newAvg,
	})
	if err != nil {
		log.Printf("[rating] encode alert for %s: %v", user, err)
		return
	}
	if err := r.notifier.Alert("rating", data); err != nil {
		log.Printf("[rating] alert for %s: %v", user, err)
		return
	}
	metrics.AlertsTotal.WithLabelValues("rating").Inc()
}
