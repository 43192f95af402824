package rating

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// flaggedWeight is the weight a flagged rating carries in the seasonal
// average: still applied, but dampened against pair farming.
const flaggedWeight = 0.5

// Event is one applied rating submission.
type Event struct {
	DialogID  string
	From      string
	To        string
	Score     int
	Flagged   bool
	CreatedAt time.Time
}

// Store manages rating events in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a rating store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Insert persists a rating event. The unique index on (dialog_id, from_user)
// makes the at-most-one-rating-per-(rater, dialog) invariant a database
// guarantee; violations surface as ErrDuplicateRating.
func (s *Store) Insert(ctx context.Context, e *Event) error {
	const query = `
		INSERT INTO ratings (dialog_id, from_user, to_user, score, flagged)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.db.ExecContext(ctx, query, e.DialogID, e.From, e.To, e.Score, e.Flagged)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateRating
		}
		return fmt.Errorf("rating: insert: %w", err)
	}
	return nil
}

// SeasonalAverage computes the user's weighted average score over ratings
// received within the season window. Flagged ratings count at reduced
// weight. Returns 0 when the user has no in-season ratings.
func (s *Store) SeasonalAverage(ctx context.Context, user string, season time.Duration) (float64, error) {
	const query = `
		SELECT COALESCE(
			SUM(score * CASE WHEN flagged THEN $3::float ELSE 1 END)
			/ NULLIF(SUM(CASE WHEN flagged THEN $3::float ELSE 1 END), 0),
		0)
		FROM ratings
		WHERE to_user = $1
		  AND created_at >= NOW() - $2::interval`

	var avg float64
	err := s.db.QueryRowContext(ctx, query, user, season.String(), flaggedWeight).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("rating: seasonal average: %w", err)
	}
	return avg, nil
}
