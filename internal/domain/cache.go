package domain

import (
	"context"
)

// SnapshotMedium is the persistent key/value medium shared by every
// execution context of one client.
type SnapshotMedium interface {
	// Get returns the raw value stored under key.
	// A missing key returns (nil, false, nil).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key without expiry; age is tracked in the payload.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// SelectionPurger removes app-specific "current selection" state held for a
// user outside the role caches. Used on logout and user switch.
type SelectionPurger interface {
	PurgeSelections(ctx context.Context, userID string) (int, error)
}
