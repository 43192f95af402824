package session

import (
	"context"
	"log"
	"time"

	"github.com/duologue/matchbot/internal/metrics"
	"github.com/duologue/matchbot/internal/protocol"
)

// Archiver stores terminated dialogs durably.
type Archiver interface {
	Archive(ctx context.Context, d *Dialog) error
}

// EventPublisher delivers dialog lifecycle events to participants.
type EventPublisher interface {
	PublishDialogEnded(userID string, data []byte) error
}

// Manager drives dialog termination end to end: the atomic state transition
// in the store, archival, metrics and participant notification. All paths
// that end a dialog (peer leaving, complaint, idle sweep) go through it.
type Manager struct {
	store     *Store
	archiver  Archiver
	publisher EventPublisher
	cooldown  time.Duration
}

// NewManager creates a Manager. archiver and publisher may be nil (tests).
func NewManager(store *Store, archiver Archiver, publisher EventPublisher, cooldown time.Duration) *Manager {
	return &Manager{
		store:     store,
		archiver:  archiver,
		publisher: publisher,
		cooldown:  cooldown,
	}
}

// Store exposes the underlying dialog store.
func (m *Manager) Store() *Store {
	return m.store
}

// Terminate ends the dialog and, if this call is the effective one, archives
// it and notifies both participants. Repeat calls return the recorded outcome
// and do nothing else, so racing termination triggers cause exactly one
// archived dialog and one round of notifications.
func (m *Manager) Terminate(ctx context.Context, id, reason string) (*TerminateResult, error) {
	res, err := m.store.Terminate(ctx, id, reason, m.cooldown)
	if err != nil {
		return nil, err
	}
	if !res.First {
		return res, nil
	}

	metrics.TerminationsTotal.WithLabelValues(res.Reason).Inc()
	metrics.ActiveDialogs.Dec()

	if m.archiver != nil {
		d, err := m.store.Get(ctx, id)
		if err != nil {
			log.Printf("[session] read terminated dialog %s for archive: %v", id, err)
		} else if err := m.archiver.Archive(ctx, d); err != nil {
			// The Redis copy survives for DialogRetention; rating
			// submission still works, only the durable record is lost.
			log.Printf("[session] archive dialog %s: %v", id, err)
		}
	}

	if m.publisher != nil {
		data, err := protocol.NewEvent(protocol.TypeDialogEnded, protocol.DialogEndedMsg{
			DialogID: id,
			Reason:   res.Reason,
		})
		if err != nil {
			log.Printf("[session] encode dialog_ended for %s: %v", id, err)
			return res, nil
		}
		for _, user := range []string{res.A, res.B} {
			if err := m.publisher.PublishDialogEnded(user, data); err != nil {
				log.Printf("[session] publish dialog_ended to %s: %v", user, err)
			}
		}
	}

	return res, nil
}
