// Package engine is the matchmaking facade: it wires the dedup guard, the
// queues and matcher, the session manager, the rating reconciler and the
// control-message tracker into the operations the transport edge calls.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/duologue/matchbot/internal/chatlog"
	"github.com/duologue/matchbot/internal/clock"
	"github.com/duologue/matchbot/internal/complaint"
	"github.com/duologue/matchbot/internal/control"
	"github.com/duologue/matchbot/internal/dedup"
	"github.com/duologue/matchbot/internal/matching"
	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/profile"
	"github.com/duologue/matchbot/internal/protocol"
	"github.com/duologue/matchbot/internal/ratelimit"
	"github.com/duologue/matchbot/internal/rating"
	"github.com/duologue/matchbot/internal/session"
)

var (
	// ErrNotInDialog is returned by dialog-scoped operations when the user
	// has no active dialog.
	ErrNotInDialog = errors.New("engine: user has no active dialog")

	// ErrDeactivated is returned when a deactivated user tries to search.
	ErrDeactivated = errors.New("engine: user is deactivated")

	// ErrSearchRateLimited is returned when a user exceeds the search
	// frequency cap.
	ErrSearchRateLimited = errors.New("engine: search frequency cap exceeded")
)

// Profiles is the slice of the user directory the engine needs.
type Profiles interface {
	Get(ctx context.Context, id string) (*profile.User, error)
	IsPremium(ctx context.Context, id string) (bool, error)
}

// Complaints persists complaints durably.
type Complaints interface {
	Create(ctx context.Context, c *complaint.Complaint) error
}

// Ratings applies post-dialog rating submissions.
type Ratings interface {
	Submit(ctx context.Context, rater, dialogID string, score int) (*rating.Result, error)
}

// Limiter enforces per-user frequency caps.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Transport is the engine's view of the delivery edge. Match results go out
// per user; UI payloads either create a fresh surface or edit the tracked
// one in place.
type Transport interface {
	PublishMatchFound(userID string, data []byte) error
	PublishUIDeliver(userID string, data []byte) error
	PublishUIEdit(userID string, data []byte) error
}

// Notifier delivers fire-and-forget admin alerts.
type Notifier interface {
	Alert(category string, data []byte) error
}

// Engine composes the matchmaking components behind the operations the
// transport calls.
type Engine struct {
	guard      *dedup.Guard
	queue      *matching.Queue
	matcher    *matching.Matcher
	sessions   *session.Manager
	tracker    *control.Tracker
	chatlog    *chatlog.Buffer
	profiles   Profiles
	complaints Complaints
	ratings    Ratings
	limiter    Limiter
	transport  Transport
	notifier   Notifier
	clk        clock.Clock
}

// New creates an Engine. complaints, notifier and transport may be nil in
// tests; dialog-scoped operations degrade to logging.
func New(guard *dedup.Guard, queue *matching.Queue, matcher *matching.Matcher,
	sessions *session.Manager, tracker *control.Tracker, buf *chatlog.Buffer,
	profiles Profiles, complaints Complaints, ratings Ratings, limiter Limiter,
	transport Transport, notifier Notifier, clk clock.Clock) *Engine {
	return &Engine{
		guard:      guard,
		queue:      queue,
		matcher:    matcher,
		sessions:   sessions,
		tracker:    tracker,
		chatlog:    buf,
		profiles:   profiles,
		complaints: complaints,
		ratings:    ratings,
		limiter:    limiter,
		transport:  transport,
		notifier:   notifier,
		clk:        clk,
	}
}

// StartSearch admits the action, then either pairs the user immediately or
// enqueues them. Returns the opened dialog, or nil when the user was queued.
func (e *Engine) StartSearch(ctx context.Context, userID string, minRating float64) (*session.Dialog, error) {
	if err := e.admit(ctx, userID, "search:start"); err != nil {
		return nil, err
	}

	u, err := e.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u.Deactivated {
		return nil, ErrDeactivated
	}

	allowed, err := e.limiter.Allow(ctx, userID, ratelimit.RuleSearch)
	if err != nil {
		log.Printf("[engine] search rate limit check for %s: %v (allowing)", userID, err)
	} else if !allowed {
		return nil, ErrSearchRateLimited
	}

	scope := matching.ScopeGlobal
	if u.Locality != "" {
		scope = u.Locality
	}
	tier := matching.TierStandard
	premium, err := e.profiles.IsPremium(ctx, userID)
	if err != nil {
		log.Printf("[engine] premium lookup for %s: %v (standard tier)", userID, err)
	} else if premium {
		tier = matching.TierPremium
	}

	req := matching.Request{
		UserID:    userID,
		Scope:     scope,
		Tier:      tier,
		MinRating: minRating,
		Rating:    u.Rating,
	}

	d, err := e.matcher.Match(ctx, req)
	if err != nil {
		return nil, err
	}
	if d != nil {
		e.announceMatch(d)
		return d, nil
	}

	if err := e.queue.Enqueue(ctx, userID, scope, tier, minRating); err != nil {
		// A repeat search from a user who is already waiting leaves the
		// entry untouched and reports the queued state again.
		if errors.Is(err, matching.ErrAlreadyQueued) {
			if queued, qerr := e.queue.IsQueued(ctx, userID); qerr == nil && queued {
				e.surface(ctx, userID, protocol.TypeQueued, protocol.QueuedMsg{Scope: scope})
				return nil, nil
			}
		}
		return nil, err
	}
	e.surface(ctx, userID, protocol.TypeQueued, protocol.QueuedMsg{Scope: scope})
	return nil, nil
}

// CancelSearch removes the user from the waiting queue. If a match won the
// race, the dequeue reports matching.ErrNotQueued.
func (e *Engine) CancelSearch(ctx context.Context, userID string) error {
	if err := e.admit(ctx, userID, "search:cancel"); err != nil {
		return err
	}
	return e.queue.Dequeue(ctx, userID)
}

// Relay authorizes one message from sender, records it in the dialog's
// snapshot log, and hands it to the transport for the partner. Returns the
// partner's ID.
func (e *Engine) Relay(ctx context.Context, sender, text string) (string, error) {
	dialogID, partner, err := e.sessions.Store().RelayAuthorized(ctx, sender)
	if err != nil {
		return "", err
	}
	if dialogID == "" {
		return "", ErrNotInDialog
	}

	e.chatlog.Record(dialogID, protocol.SnapshotMessage{
		From: sender,
		Text: text,
		Ts:   e.clk.Now().Unix(),
	})

	if e.transport != nil {
		data, err := protocol.NewEvent(protocol.TypeRelay, protocol.RelayMsg{
			UserID: sender,
			Text:   text,
		})
		if err != nil {
			return "", err
		}
		if err := e.transport.PublishUIDeliver(partner, data); err != nil {
			log.Printf("[engine] relay to %s: %v", partner, err)
		}
	}
	return partner, nil
}

// EndDialog terminates the sender's active dialog with reason "left".
func (e *Engine) EndDialog(ctx context.Context, userID string) error {
	if err := e.admit(ctx, userID, "end_dialog"); err != nil {
		return err
	}

	dialogID, err := e.sessions.Store().ActiveID(ctx, userID)
	if err != nil {
		return err
	}
	if dialogID == "" {
		return ErrNotInDialog
	}

	if _, err := e.sessions.Terminate(ctx, dialogID, session.ReasonLeft); err != nil {
		return err
	}
	e.chatlog.Drop(dialogID)
	return nil
}

// Complain terminates the sender's active dialog with reason "complaint",
// persists the complaint with the recent message snapshot and alerts the
// admins. Alert failure never fails the operation.
func (e *Engine) Complain(ctx context.Context, userID, reason string) error {
	if err := e.admit(ctx, userID, "complain"); err != nil {
		return err
	}

	dialogID, err := e.sessions.Store().ActiveID(ctx, userID)
	if err != nil {
		return err
	}
	if dialogID == "" {
		return ErrNotInDialog
	}

	d, err := e.sessions.Store().Get(ctx, dialogID)
	if err != nil {
		return err
	}
	about := d.Partner(userID)
	snapshot := e.chatlog.Snapshot(dialogID)

	if _, err := e.sessions.Terminate(ctx, dialogID, session.ReasonComplaint); err != nil {
		return err
	}
	e.chatlog.Drop(dialogID)

	if e.complaints != nil {
		if err := e.complaints.Create(ctx, &complaint.Complaint{
			DialogID: dialogID,
			From:     userID,
			About:    about,
			Reason:   reason,
			Messages: snapshot,
		}); err != nil {
			log.Printf("[engine] store complaint for %s: %v", dialogID, err)
		}
	}

	if e.notifier != nil {
		data, err := json.Marshal(protocol.ComplaintAlertMsg{
			DialogID: dialogID,
			FromID:   userID,
			AboutID:  about,
			Reason:   reason,
			Messages: snapshot,
		})
		if err == nil {
			if err := e.notifier.Alert("complaint", data); err != nil {
				log.Printf("[engine] complaint alert for %s: %v", dialogID, err)
			}
		}
	}

	return nil
}

// SubmitRating applies a post-dialog rating through the reconciler.
func (e *Engine) SubmitRating(ctx context.Context, rater, dialogID string, score int) (*rating.Result, error) {
	res, err := e.ratings.Submit(ctx, rater, dialogID, score)
	if err != nil {
		return nil, err
	}
	e.surface(ctx, rater, protocol.TypeRatingSaved, protocol.RatingSavedMsg{
		Flagged: res.Flagged,
		NewAvg:  res.NewAvg,
	})
	return res, nil
}

// IssueSurface records a new live control message for the user and returns
// the superseded handle, if any, so the transport can stop targeting it.
func (e *Engine) IssueSurface(ctx context.Context, userID, handle string) (string, error) {
	return e.tracker.Issue(ctx, userID, handle)
}

// ValidateSurface checks that handle is still the user's live surface.
func (e *Engine) ValidateSurface(ctx context.Context, userID, handle string) error {
	return e.tracker.Validate(ctx, userID, handle)
}

// admit runs the dedup check and counts rejections.
func (e *Engine) admit(ctx context.Context, userID, fingerprint string) error {
	err := e.guard.Admit(ctx, userID, fingerprint)
	if errors.Is(err, dedup.ErrDuplicate) {
		metrics.DedupRejectsTotal.WithLabelValues(fingerprint).Inc()
	}
	return err
}

// announceMatch publishes the match result to both participants.
func (e *Engine) announceMatch(d *session.Dialog) {
	if e.transport == nil {
		return
	}
	for _, user := range []string{d.A, d.B} {
		data, err := protocol.NewEvent(protocol.TypeMatchFound, protocol.MatchFoundMsg{
			DialogID:  d.ID,
			PartnerID: d.Partner(user),
		})
		if err != nil {
			log.Printf("[engine] encode match_found for %s: %v", user, err)
			continue
		}
		if err := e.transport.PublishMatchFound(user, data); err != nil {
			log.Printf("[engine] publish match_found to %s: %v", user, err)
		}
	}
}

// surfaceEnvelope wraps a UI event with the live control-message handle the
// transport should edit; without a handle the transport sends a fresh
// message instead.
type surfaceEnvelope struct {
	Handle string          `json:"handle,omitempty"`
	Event  json.RawMessage `json:"event"`
}

// surface routes a UI event through the control-message tracker: edit the
// live surface when one exists, deliver a fresh message otherwise.
func (e *Engine) surface(ctx context.Context, userID, msgType string, payload interface{}) {
	if e.transport == nil {
		return
	}
	event, err := protocol.NewEvent(msgType, payload)
	if err != nil {
		log.Printf("[engine] encode %s for %s: %v", msgType, userID, err)
		return
	}

	handle, err := e.tracker.Current(ctx, userID)
	if err != nil {
		log.Printf("[engine] surface lookup for %s: %v", userID, err)
		handle = ""
	}

	data, err := json.Marshal(surfaceEnvelope{Handle: handle, Event: event})
	if err != nil {
		return
	}
	if handle != "" {
		err = e.transport.PublishUIEdit(userID, data)
	} else {
		err = e.transport.PublishUIDeliver(userID, data)
	}
	if err != nil {
		log.Printf("[engine] surface %s for %s: %v", msgType, userID, err)
	}
}

// NotifySearchExpired tells a swept user their search timed out. Wired as
// the search sweep's expiry callback.
func (e *Engine) NotifySearchExpired(userID string) {
	e.surface(context.Background(), userID, protocol.TypeSearchExpiry, protocol.SearchExpiredMsg{})
}
