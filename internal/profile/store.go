// Package profile provides the user directory: identity, locality, premium
// tier, rating and activation state, stored in PostgreSQL with a short-lived
// Redis cache in front of the premium flag (checked on every match request).
package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// premiumCachePrefix + user caches the premium flag as "1"/"0".
const premiumCachePrefix = "cache:premium:"

// ErrNotFound is returned when the user does not exist.
var ErrNotFound = errors.New("profile: user not found")

// User is a directory record. Users are created on first interaction and
// deactivated, never deleted.
type User struct {
	ID          string
	Locality    string // empty means no locality, global matching only
	Premium     bool
	Rating      float64
	Deactivated bool
	CreatedAt   time.Time
}

// Store manages user records.
type Store struct {
	db       *sql.DB
	cache    *redis.Client
	cacheTTL time.Duration
}

// NewStore creates a profile store. cache may be nil to disable the premium
// cache (tests).
func NewStore(db *sql.DB, cache *redis.Client, cacheTTL time.Duration) *Store {
	return &Store{db: db, cache: cache, cacheTTL: cacheTTL}
}

// Ensure creates the user on first interaction; later calls refresh the
// locality and return the existing record.
func (s *Store) Ensure(ctx context.Context, id, locality string) (*User, error) {
	const query = `
		INSERT INTO users (id, locality)
		VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET locality = EXCLUDED.locality
		RETURNING id, locality, premium, rating, deactivated, created_at`

	var u User
	err := s.db.QueryRowContext(ctx, query, id, locality).Scan(
		&u.ID, &u.Locality, &u.Premium, &u.Rating, &u.Deactivated, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("profile: ensure %s: %w", id, err)
	}
	return &u, nil
}

// Get retrieves a user record.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, locality, premium, rating, deactivated, created_at
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Locality, &u.Premium, &u.Rating, &u.Deactivated, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("profile: get %s: %w", id, err)
	}
	return &u, nil
}

// UpdateRating stores the user's recomputed rating score.
func (s *Store) UpdateRating(ctx context.Context, id string, rating float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET rating = $2 WHERE id = $1`, id, rating)
	if err != nil {
		return fmt.Errorf("profile: update rating %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPremium flips the user's premium tier and invalidates the cache entry.
func (s *Store) SetPremium(ctx context.Context, id string, premium bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET premium = $2 WHERE id = $1`, id, premium)
	if err != nil {
		return fmt.Errorf("profile: set premium %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if s.cache != nil {
		s.cache.Del(ctx, premiumCachePrefix+id)
	}
	return nil
}

// Deactivate marks the user inactive. The matcher purges deactivated users
// from the queues instead of pairing them.
func (s *Store) Deactivate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET deactivated = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("profile: deactivate %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsPremium answers the premium check via the Redis cache, falling through
// to PostgreSQL on a miss. Cache failures fall back to the database.
func (s *Store) IsPremium(ctx context.Context, id string) (bool, error) {
	if s.cache != nil {
		v, err := s.cache.Get(ctx, premiumCachePrefix+id).Result()
		if err == nil {
			return v == "1", nil
		}
	}

	u, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	if s.cache != nil {
		v := "0"
		if u.Premium {
			v = "1"
		}
		s.cache.Set(ctx, premiumCachePrefix+id, v, s.cacheTTL)
	}
	return u.Premium, nil
}

// Blocked reports whether either user has the other on their block list.
func (s *Store) Blocked(ctx context.Context, a, b string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM blocks
			WHERE (blocker = $1 AND blocked = $2)
			   OR (blocker = $2 AND blocked = $1)
		)`

	var blocked bool
	if err := s.db.QueryRowContext(ctx, query, a, b).Scan(&blocked); err != nil {
		return false, fmt.Errorf("profile: block check: %w", err)
	}
	return blocked, nil
}

// Block adds b to a's block list. Duplicate blocks are no-ops.
func (s *Store) Block(ctx context.Context, blocker, blocked string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocks (blocker, blocked)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, blocker, blocked)
	if err != nil {
		return fmt.Errorf("profile: block: %w", err)
	}
	return nil
}
