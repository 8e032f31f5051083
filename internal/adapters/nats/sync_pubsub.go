package nats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/safego"
)

// SyncPubSubAdapter implements domain.SyncPublisher and domain.SyncSubscriber
// on core NATS subjects. Delivery is at-most-once, which is all sync needs.
type SyncPubSubAdapter struct {
	nc            *nats.Conn
	logger        domain.Logger
	subjectPrefix string

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewConnection dials NATS with the reconnect settings from config.
// The returned cleanup drains the connection.
func NewConnection(ctx context.Context, cfgProvider config.Provider, appLogger domain.Logger) (*nats.Conn, func(), error) {
	appFullCfg := cfgProvider.Get()
	natsCfg := appFullCfg.NATS

	appLogger.Info(ctx, "Attempting to connect to NATS server", "url", natsCfg.URL)

	nc, err := nats.Connect(natsCfg.URL,
		nats.Name(fmt.Sprintf("%s-sync-%s", appFullCfg.App.ServiceName, appFullCfg.Server.ContextID)),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(natsCfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(natsCfg.ReconnectWaitSeconds)*time.Second),
		nats.Timeout(5*time.Second),
		nats.ErrorHandler(func(c *nats.Conn, s *nats.Subscription, err error) {
			subject := ""
			if s != nil {
				subject = s.Subject
			}
			appLogger.Error(ctx, "NATS error", "subscription", subject, "error", err.Error())
		}),
		nats.ClosedHandler(func(c *nats.Conn) {
			appLogger.Info(ctx, "NATS connection closed")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			appLogger.Info(ctx, "NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			appLogger.Warn(ctx, "NATS disconnected", "error", err)
		}),
	)
	if err != nil {
		appLogger.Error(ctx, "Failed to connect to NATS", "url", natsCfg.URL, "error", err.Error())
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", natsCfg.URL, err)
	}
	appLogger.Info(ctx, "Connected to NATS server", "url", nc.ConnectedUrl())

	cleanup := func() {
		if nc.IsClosed() {
			return
		}
		appLogger.Info(context.Background(), "Draining NATS connection...")
		if err := nc.Drain(); err != nil {
			appLogger.Error(context.Background(), "Error draining NATS connection", "error", err.Error())
		}
	}
	return nc, cleanup, nil
}

// NewSyncPubSubAdapter creates the adapter on an established connection.
func NewSyncPubSubAdapter(nc *nats.Conn, cfgProvider config.Provider, logger domain.Logger) *SyncPubSubAdapter {
	return &SyncPubSubAdapter{
		nc:            nc,
		logger:        logger,
		subjectPrefix: cfgProvider.Get().NATS.SubjectPrefix,
	}
}

// SyncSubject returns the subject for a user. User ids are hashed because
// they may contain characters that are not valid in a subject token.
func SyncSubject(prefix, userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return prefix + "." + hex.EncodeToString(sum[:16])
}

// PublishSync publishes message on the user's subject.
func (a *SyncPubSubAdapter) PublishSync(ctx context.Context, userID string, message domain.SyncMessage) error {
	payloadBytes, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal SyncMessage: %w", err)
	}
	subject := SyncSubject(a.subjectPrefix, userID)
	if err := a.nc.Publish(subject, payloadBytes); err != nil {
		a.logger.Error(ctx, "Failed to publish sync message to NATS", "subject", subject, "error", err.Error())
		return fmt.Errorf("failed to publish to NATS subject '%s': %w", subject, err)
	}
	metrics.IncrementSyncMessage("out", "published")
	a.logger.Debug(ctx, "Published sync message", "subject", subject, "key", message.Key)
	return nil
}

// SubscribeSync subscribes to <prefix>.* and runs handler for every message.
func (a *SyncPubSubAdapter) SubscribeSync(ctx context.Context, handler domain.SyncMessageHandler) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return fmt.Errorf("already subscribed on this adapter instance")
	}

	wildcard := a.subjectPrefix + ".*"
	sub, err := a.nc.Subscribe(wildcard, func(msg *nats.Msg) {
		var syncMsg domain.SyncMessage
		if err := json.Unmarshal(msg.Data, &syncMsg); err != nil {
			metrics.IncrementSyncMessage("in", "malformed")
			a.logger.Warn(ctx, "Failed to unmarshal SyncMessage from NATS", "subject", msg.Subject, "error", err.Error())
			return
		}
		err := safego.Call(ctx, a.logger, "SyncMessageHandler", func() error {
			return handler(ctx, syncMsg)
		})
		if err != nil {
			a.logger.Error(ctx, "Error in SyncMessageHandler", "subject", msg.Subject, "key", syncMsg.Key, "error", err.Error())
		}
	})
	if err != nil {
		a.logger.Error(ctx, "Failed to subscribe to NATS subject", "subject", wildcard, "error", err.Error())
		return fmt.Errorf("failed to subscribe to '%s': %w", wildcard, err)
	}
	if err := a.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to confirm subscription to '%s': %w", wildcard, err)
	}
	a.sub = sub
	a.logger.Info(ctx, "Subscribed to NATS sync subject", "subject", wildcard)

	go func() {
		<-ctx.Done()
		_ = a.Close()
	}()
	return nil
}

// Close unsubscribes. Closing twice is a no-op.
func (a *SyncPubSubAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub == nil {
		return nil
	}
	err := a.sub.Unsubscribe()
	a.sub = nil
	if err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		a.logger.Error(context.Background(), "Error unsubscribing from NATS", "error", err.Error())
		return fmt.Errorf("error unsubscribing from NATS: %w", err)
	}
	return nil
}

// Status reports the connection state for readiness checks.
func (a *SyncPubSubAdapter) Status() nats.Status {
	return a.nc.Status()
}
