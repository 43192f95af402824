// Package complaint provides PostgreSQL-backed storage for complaints filed
// against a dialog partner. Each record captures who complained about whom,
// the dialog, and the recent message snapshot for admin review.
package complaint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/duologue/matchbot/internal/protocol"
)

// Store manages complaints in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Complaint is one complaint to be persisted.
type Complaint struct {
	DialogID string
	From     string
	About    string
	Reason   string
	Messages []protocol.SnapshotMessage
}

// NewStore creates a complaint store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a complaint. The message snapshot is marshalled to JSONB.
func (s *Store) Create(ctx context.Context, c *Complaint) error {
	var messagesJSON []byte
	if len(c.Messages) > 0 {
		var err error
		messagesJSON, err = json.Marshal(c.Messages)
		if err != nil {
			return fmt.Errorf("complaint: marshal messages: %w", err)
		}
	}

	const query = `
		INSERT INTO complaints (dialog_id, from_user, about_user, reason, messages)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query,
		c.DialogID, c.From, c.About, c.Reason, messagesJSON)
	if err != nil {
		return fmt.Errorf("complaint: insert: %w", err)
	}
	return nil
}

// CountRecent returns the number of complaints filed about a user within the
// window. Profile tooling uses it to decide deactivation.
func (s *Store) CountRecent(ctx context.Context, about string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM complaints
		WHERE about_user = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, about, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("complaint: count recent: %w", err)
	}
	return count, nil
}
