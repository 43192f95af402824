// Package protocol defines the JSON payloads exchanged over NATS between the
// transport edge and the matchmaking engine. All messages carry a type
// discriminator in a consistent envelope format.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Transport -> engine action types.
const (
	TypeSearchStart  = "search_start"
	TypeSearchCancel = "search_cancel"
	TypeRelay        = "relay"
	TypeEndDialog    = "end_dialog"
	TypeComplain     = "complain"
	TypeRateDialog   = "rate_dialog"
)

// Engine -> transport event types.
const (
	TypeQueued       = "queued"
	TypeMatchFound   = "match_found"
	TypeSearchExpiry = "search_expired"
	TypeDialogEnded  = "dialog_ended"
	TypeRatingSaved  = "rating_saved"
	TypeActionError  = "error"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest of the payload can be decoded later into the
// appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Transport -> engine action structs
// ---------------------------------------------------------------------------

// SearchStartMsg asks the engine to find a dialogue partner for a user.
type SearchStartMsg struct {
	Type      string  `json:"type"`
	UserID    string  `json:"user_id"`
	MinRating float64 `json:"min_rating,omitempty"`
}

// SearchCancelMsg removes the user from the waiting queue.
type SearchCancelMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// RelayMsg carries one message from a participant of an active dialog.
type RelayMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// EndDialogMsg asks the engine to terminate the user's active dialog.
type EndDialogMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// ComplainMsg terminates the user's active dialog with a complaint and
// forwards the recent conversation snapshot to the admins.
type ComplainMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

// RateDialogMsg submits a post-dialog rating for the partner.
type RateDialogMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	DialogID string `json:"dialog_id"`
	Score    int    `json:"score"`
}

// ---------------------------------------------------------------------------
// Engine -> transport event structs
// ---------------------------------------------------------------------------

// QueuedMsg confirms the user entered the waiting queue.
type QueuedMsg struct {
	Type  string `json:"type"`
	Scope string `json:"scope"`
}

// MatchFoundMsg is published to each participant when a dialog opens.
type MatchFoundMsg struct {
	Type      string `json:"type"`
	DialogID  string `json:"dialog_id"`
	PartnerID string `json:"partner_id"`
}

// SearchExpiredMsg tells a user their search timed out without a match.
type SearchExpiredMsg struct {
	Type string `json:"type"`
}

// DialogEndedMsg is published to each participant when a dialog terminates.
type DialogEndedMsg struct {
	Type     string `json:"type"`
	DialogID string `json:"dialog_id"`
	Reason   string `json:"reason"`
}

// RatingSavedMsg confirms a rating was applied.
type RatingSavedMsg struct {
	Type    string  `json:"type"`
	Flagged bool    `json:"flagged"`
	NewAvg  float64 `json:"new_avg"`
}

// ErrorMsg reports a recoverable, caller-visible rejection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RatingAlertMsg is the alert payload for anomalous rating swings.
type RatingAlertMsg struct {
	UserID  string  `json:"user_id"`
	PrevAvg float64 `json:"prev_avg"`
	NewAvg  float64 `json:"new_avg"`
}

// ComplaintAlertMsg is the alert payload sent to admins on a complaint.
type ComplaintAlertMsg struct {
	DialogID string            `json:"dialog_id"`
	FromID   string            `json:"from_id"`
	AboutID  string            `json:"about_id"`
	Reason   string            `json:"reason"`
	Messages []SnapshotMessage `json:"messages,omitempty"`
}

// SnapshotMessage is one entry of the recent-conversation snapshot attached
// to a complaint alert.
type SnapshotMessage struct {
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseAction parses raw NATS bytes into a typed engine action. It returns
// the message type string, the decoded struct, and any error encountered
// during parsing. An error is returned for unknown or engine-only types.
func ParseAction(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSearchStart:
		var m SearchStartMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSearchCancel:
		var m SearchCancelMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRelay:
		var m RelayMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeEndDialog:
		var m EndDialogMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeComplain:
		var m ComplainMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRateDialog:
		var m RateDialogMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown action type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewEvent creates a JSON-encoded byte slice for an engine event. The
// msgType is injected into the payload under the "type" key.
func NewEvent(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}
