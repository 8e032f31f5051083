package domain

import (
	"context"
)

// SyncMessage is the cross-context change notification.
// NewValue is the serialized snapshot exactly as persisted.
// Origin names the execution context that wrote it so it can skip its own echo.
type SyncMessage struct {
	Key      string `json:"key"`
	NewValue string `json:"newValue"`
	Origin   string `json:"origin,omitempty"`
}

// SyncPublisher broadcasts a change notification to sibling contexts of userID.
type SyncPublisher interface {
	PublishSync(ctx context.Context, userID string, message SyncMessage) error
}

// SyncMessageHandler is invoked for every received notification.
type SyncMessageHandler func(ctx context.Context, message SyncMessage) error

// SyncSubscriber delivers notifications from all contexts of the client.
// Delivery is best-effort: messages may be dropped while a context is down.
type SyncSubscriber interface {
	// SubscribeSync starts delivery in the background and returns once the
	// subscription is confirmed.
	SubscribeSync(ctx context.Context, handler SyncMessageHandler) error
	Close() error
}
