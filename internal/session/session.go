// Package session owns the lifecycle of paired dialogs: creation by the
// matcher, relay authorization while active, and termination by either
// participant, by complaint or by idle timeout. Live state is held in Redis;
// terminated dialogs are handed to an archiver for durable storage.
package session

import (
	"errors"
	"time"
)

const (
	// DialogPrefix is the Redis key prefix for dialog hashes.
	DialogPrefix = "dialog:"

	// ActivePrefix maps a user ID to the ID of their active dialog.
	// The pointer exists if and only if the user is in an active dialog.
	ActivePrefix = "active:"

	// LastPartnerPrefix holds, per user, the partner of their most recently
	// ended dialog. The key carries the cooldown TTL: while it lives, the
	// matcher will not pair the two users again.
	LastPartnerPrefix = "last:partner:"

	// ActivityKey is a sorted set of active dialog IDs scored by the unix
	// time of the last relayed message. The idle sweep reads it.
	ActivityKey = "dialog:activity"

	// DialogRetention keeps the terminated dialog hash around long enough
	// for rating submission before Redis expires it. The durable copy lives
	// in the archive.
	DialogRetention = 1 * time.Hour
)

// Dialog states.
const (
	StateActive = "active"
	StateEnded  = "ended"
)

// Termination reasons.
const (
	ReasonLeft      = "left"
	ReasonComplaint = "complaint"
	ReasonTimeout   = "timeout"
)

var (
	// ErrNoSession is returned when the referenced dialog does not exist.
	ErrNoSession = errors.New("session: no such dialog")

	// ErrParticipantBusy is returned by Open when one of the two users is
	// already in an active dialog.
	ErrParticipantBusy = errors.New("session: participant already in a dialog")

	// ErrCounterpartGone is returned by OpenMatched when the counterpart's
	// waiting entry vanished between the matcher's reservation and the open:
	// their cancel won the race, so no dialog is created.
	ErrCounterpartGone = errors.New("session: counterpart no longer waiting")
)

// Dialog is an active or recently terminated paired conversation.
type Dialog struct {
	ID        string `redis:"id"`
	A         string `redis:"a"`
	B         string `redis:"b"`
	StartedAt int64  `redis:"started_at"` // unix seconds
	State     string `redis:"state"`      // active | ended
	EndReason string `redis:"end_reason"` // empty while active
	EndedAt   int64  `redis:"ended_at"`   // unix seconds, 0 while active
}

// Partner returns the other participant, or "" if user is not a participant.
func (d *Dialog) Partner(user string) string {
	switch user {
	case d.A:
		return d.B
	case d.B:
		return d.A
	}
	return ""
}

// TerminateResult reports the outcome of a terminate call. First is true only
// for the call that actually ended the dialog; repeated calls see First=false
// and the reason recorded by the winning call.
type TerminateResult struct {
	DialogID string
	Reason   string
	A        string
	B        string
	First    bool
}
