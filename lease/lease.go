// Package lease serializes turns per chat. Only the holder of a chat's lease
// may run a turn in it; a second StartTurn fails with errorx.TurnConflict
// until the lease is released or expires.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrNotHeld is returned when renewing or releasing a lease the caller does
// not own.
var ErrNotHeld = errors.New("lease is not held by this owner")

// Lease is a time bounded claim on a chat.
type Lease struct {
	ChatID  string
	Owner   string
	Expires time.Time
}

type Manager interface {
	// Acquire claims chatID for owner. An expired lease held by someone else
	// is taken over.
	Acquire(ctx context.Context, chatID, owner string, ttl time.Duration) (Lease, error)
	// Renew extends a lease held by owner.
	Renew(ctx context.Context, chatID, owner string, ttl time.Duration) (Lease, error)
	// Release drops the lease if owner still holds it. Releasing a lease
	// that is gone is not an error.
	Release(ctx context.Context, chatID, owner string) error
	// Current reports the live lease on chatID, if any.
	Current(ctx context.Context, chatID string) (Lease, bool, error)
}
