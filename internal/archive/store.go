// Package archive provides PostgreSQL-backed storage for terminated dialogs.
// The live copy in Redis expires shortly after termination; this is the
// durable record ratings and pair-frequency checks run against.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/duologue/matchbot/internal/session"
)

// Store manages archived dialogs in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Dialog is the durable form of a terminated dialog.
type Dialog struct {
	ID        string
	UserA     string
	UserB     string
	StartedAt time.Time
	EndedAt   time.Time
	EndReason string
}

// NewStore creates an archive store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Archive persists a terminated dialog. Re-archiving the same dialog is a
// no-op, so a retried termination cannot produce two records.
func (s *Store) Archive(ctx context.Context, d *session.Dialog) error {
	const query = `
		INSERT INTO dialogs (id, user_a, user_b, started_at, ended_at, end_reason)
		VALUES ($1, $2, $3, to_timestamp($4), to_timestamp($5), $6)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.A, d.B, d.StartedAt, d.EndedAt, d.EndReason)
	if err != nil {
		return fmt.Errorf("archive: insert dialog %s: %w", d.ID, err)
	}
	return nil
}

// Get retrieves an archived dialog. Returns sql.ErrNoRows via the wrapped
// error if the dialog was never archived.
func (s *Store) Get(ctx context.Context, id string) (*Dialog, error) {
	const query = `
		SELECT id, user_a, user_b, started_at, ended_at, end_reason
		FROM dialogs
		WHERE id = $1`

	var d Dialog
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.UserA, &d.UserB, &d.StartedAt, &d.EndedAt, &d.EndReason)
	if err != nil {
		return nil, fmt.Errorf("archive: get dialog %s: %w", id, err)
	}
	return &d, nil
}

// CountPair returns the number of archived dialogs between the two users
// that ended within the given window, in either participant order. The
// rating reconciler uses it to flag pair farming.
func (s *Store) CountPair(ctx context.Context, a, b string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM dialogs
		WHERE ((user_a = $1 AND user_b = $2) OR (user_a = $2 AND user_b = $1))
		  AND ended_at >= NOW() - $3::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, a, b, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("archive: count pair: %w", err)
	}
	return count, nil
}
