package rediskeys

import (
	"fmt"
	"strings"
)

const (
	snapshotKeyPrefix    = "eventctx:"
	syncChannelPrefix    = "eventctx_sync:"
	selectionKeyTemplate = "selection:%s:%s"
)

// SnapshotKey generates the durable key for a logical cache scoped to a user.
func SnapshotKey(name, userID string) string {
	return fmt.Sprintf("%s%s:%s", snapshotKeyPrefix, name, userID)
}

// ParseSnapshotKey splits a durable key back into its logical name and user id.
// User ids may themselves contain ':' so only the first separator after the
// name is significant.
func ParseSnapshotKey(key string) (name, userID string, ok bool) {
	rest, found := strings.CutPrefix(key, snapshotKeyPrefix)
	if !found {
		return "", "", false
	}
	name, userID, found = strings.Cut(rest, ":")
	if !found || name == "" || userID == "" {
		return "", "", false
	}
	return name, userID, true
}

// SyncChannelKey generates the pub/sub channel carrying change notifications for a user.
func SyncChannelKey(userID string) string {
	return syncChannelPrefix + userID
}

// SyncChannelPattern matches the sync channels of every user.
func SyncChannelPattern() string {
	return syncChannelPrefix + "*"
}

// SelectionKey generates the key of one app-specific selection entry for a user,
// e.g. the currently selected event or department.
func SelectionKey(userID, selection string) string {
	return fmt.Sprintf(selectionKeyTemplate, userID, selection)
}

// SelectionKeyPattern matches every selection entry of a user.
func SelectionKeyPattern(userID string) string {
	return fmt.Sprintf(selectionKeyTemplate, userID, "*")
}
