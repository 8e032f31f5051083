package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Logical cache names. A Namespace pairs one of these with a user id.
const (
	RoleCacheName   = "eventRoles"
	MemberCacheName = "eventMembers"

	// DefaultCacheTTL is the maximum age of a persisted snapshot.
	DefaultCacheTTL = time.Hour

	// SnapshotTimestampField is the reserved key carrying the write time in a persisted snapshot.
	SnapshotTimestampField = "_timestamp"
)

// RoleEntries maps event id to the user's role in that event.
// An empty role is a cached "no access" answer, distinct from an absent key.
type RoleEntries map[string]string

// MemberInfo is the structured membership record for one event.
type MemberInfo struct {
	Role           string `json:"role"`
	DepartmentID   string `json:"departmentId,omitempty"`
	MemberRecordID string `json:"memberRecordId,omitempty"`
}

// MemberEntries maps event id to membership details. It always has the same
// key set as the RoleEntries of the same user.
type MemberEntries map[string]MemberInfo

// Namespace scopes a logical cache to one user.
type Namespace struct {
	Name   string
	UserID string
}

// Valid reports whether the namespace may be read or written.
// A namespace without a user is inert.
func (n Namespace) Valid() bool {
	return n.Name != "" && n.UserID != ""
}

// Snapshot is the unit persisted in the durable store.
type Snapshot struct {
	Entries   map[string]json.RawMessage
	WrittenAt int64 // epoch millis
}

// Age returns how old the snapshot is at now.
func (s Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(s.WrittenAt))
}

// Expired reports whether the snapshot is older than ttl at now.
// A snapshot exactly ttl old is still valid.
func (s Snapshot) Expired(now time.Time, ttl time.Duration) bool {
	return s.Age(now) > ttl
}

// MarshalJSON writes the flat persisted schema: entries plus a _timestamp field.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	flat := make(map[string]json.RawMessage, len(s.Entries)+1)
	for k, v := range s.Entries {
		flat[k] = v
	}
	ts, err := json.Marshal(s.WrittenAt)
	if err != nil {
		return nil, err
	}
	flat[SnapshotTimestampField] = ts
	return json.Marshal(flat)
}

// UnmarshalJSON parses the flat persisted schema. A missing or non-numeric
// _timestamp is rejected with ErrCorruptSnapshot.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if flat == nil {
		return fmt.Errorf("%w: snapshot is null", ErrCorruptSnapshot)
	}
	rawTS, ok := flat[SnapshotTimestampField]
	if !ok {
		return fmt.Errorf("%w: missing %s", ErrCorruptSnapshot, SnapshotTimestampField)
	}
	var writtenAt int64
	if err := json.Unmarshal(rawTS, &writtenAt); err != nil {
		return fmt.Errorf("%w: invalid %s: %v", ErrCorruptSnapshot, SnapshotTimestampField, err)
	}
	delete(flat, SnapshotTimestampField)
	s.Entries = flat
	s.WrittenAt = writtenAt
	return nil
}

// FetchState is the per-event resolution state held by the resolver.
type FetchState int

const (
	FetchIdle FetchState = iota
	FetchInFlight
	FetchResolved
)

func (s FetchState) String() string {
	switch s {
	case FetchIdle:
		return "idle"
	case FetchInFlight:
		return "fetching"
	case FetchResolved:
		return "resolved"
	default:
		return fmt.Sprintf("FetchState(%d)", int(s))
	}
}

// RoleChange is emitted to mirror listeners whenever the visible cache changes.
type RoleChange struct {
	UserID  string        `json:"user_id"`
	Reason  string        `json:"reason"`
	Roles   RoleEntries   `json:"roles"`
	Members MemberEntries `json:"members"`
}

// Reasons carried by RoleChange.
const (
	ChangeReasonResolved    = "resolved"
	ChangeReasonInvalidated = "invalidated"
	ChangeReasonCleared     = "cleared"
	ChangeReasonRemote      = "remote_update"
	ChangeReasonLoaded      = "loaded"
	ChangeReasonExpired     = "expired"
)
