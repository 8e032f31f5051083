package domain

import (
	"context"
)

// Identity is the authenticated principal of an execution context.
type Identity struct {
	UserID      string `json:"user_id"`
	AccessToken string `json:"-"`
}

// IdentityProvider reports who is currently authenticated in this context.
// ok is false when nobody is.
type IdentityProvider interface {
	CurrentIdentity(ctx context.Context) (identity Identity, ok bool)
}
