package domain

import (
	"context"
)

// RoleLookupResult is the decoded role-lookup response.
// An empty Role is a valid "no membership" answer.
type RoleLookupResult struct {
	Role           string `json:"role"`
	DepartmentID   string `json:"departmentId,omitempty"`
	MemberRecordID string `json:"memberRecordId,omitempty"`
}

// LookupOptions alters transport behaviour for a single lookup.
type LookupOptions struct {
	// SkipAuthRedirect disables the global unauthorized handling for this call
	// so the caller can present its own access-denied outcome.
	SkipAuthRedirect bool

	// UserID is the identity the lookup was issued for. When set, the client
	// only sends credentials of that user and refuses otherwise.
	UserID string
}

// RoleLookupClient fetches the current user's role in an event from the backend.
type RoleLookupClient interface {
	LookupRole(ctx context.Context, eventID string, opts LookupOptions) (RoleLookupResult, error)
}
