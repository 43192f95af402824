package profile

import (
	"context"
	"errors"

	"github.com/duologue/matchbot/internal/matching"
)

// Directory adapts the profile store to the matcher's lookup contract.
type Directory struct {
	store *Store
}

// NewDirectory wraps a Store for use by the matcher.
func NewDirectory(store *Store) *Directory {
	return &Directory{store: store}
}

// Lookup returns the matcher's view of a user. An unknown user is reported
// as deactivated so the matcher purges the entry instead of pairing it.
func (d *Directory) Lookup(ctx context.Context, id string) (*matching.Profile, error) {
	u, err := d.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return &matching.Profile{Deactivated: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return &matching.Profile{
		Rating:      u.Rating,
		Premium:     u.Premium,
		Deactivated: u.Deactivated,
	}, nil
}

// Blocked reports whether either user blocks the other.
func (d *Directory) Blocked(ctx context.Context, a, b string) (bool, error) {
	return d.store.Blocked(ctx, a, b)
}
