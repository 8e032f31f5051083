package domain

import "fmt"

// SessionState is the lifecycle state of the cache identity scope.
type SessionState int

const (
	SessionNoUser SessionState = iota
	SessionLoading
	SessionActive
)

func (s SessionState) String() string {
	switch s {
	case SessionNoUser:
		return "no_user"
	case SessionLoading:
		return "loading"
	case SessionActive:
		return "active"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}
