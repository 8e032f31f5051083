package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/metrics"
	"gitlab.com/timkado/api/event-context-agent/internal/application"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
	"gitlab.com/timkado/api/event-context-agent/pkg/safego"
)

const feedBufferSize = 16

// RoleFeedSource is what the feed needs from the resolver.
type RoleFeedSource interface {
	Mirror() domain.RoleChange
	Subscribe(listener application.RoleListener) func()
}

// RoleFeedHandler streams role mirror changes to local consumers so they can
// re-render without polling.
type RoleFeedHandler struct {
	logger         domain.Logger
	configProvider config.Provider
	source         RoleFeedSource
}

// NewRoleFeedHandler creates a new RoleFeedHandler.
func NewRoleFeedHandler(logger domain.Logger, cfgProvider config.Provider, source RoleFeedSource) *RoleFeedHandler {
	return &RoleFeedHandler{
		logger:         logger,
		configProvider: cfgProvider,
		source:         source,
	}
}

// ServeHTTP upgrades the request and sends "ready" followed by one
// "roles_changed" per mirror change. Slow clients lose the oldest queued
// change; every message carries the full mirror so nothing is lost by that.
func (h *RoleFeedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{Subprotocol}})
	if err != nil {
		h.logger.Error(r.Context(), "WebSocket upgrade failed", "error", err.Error(), "remote_addr", r.RemoteAddr)
		return
	}
	metrics.IncrementFeedConnections()
	defer metrics.DecrementFeedConnections()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := c.CloseRead(context.WithoutCancel(r.Context()))

	queue := make(chan domain.RoleChange, feedBufferSize)
	unsubscribe := h.source.Subscribe(func(change domain.RoleChange) {
		for {
			select {
			case queue <- change:
				return
			default:
			}
			select {
			case <-queue:
			default:
			}
		}
	})
	defer unsubscribe()

	h.logger.Info(ctx, "Role feed connection established", "remote_addr", r.RemoteAddr, "subprotocol", c.Subprotocol())

	if err := h.write(ctx, c, NewReadyMessage(h.source.Mirror())); err != nil {
		h.logger.Warn(ctx, "Failed to send 'ready' message to client", "error", err.Error())
		_ = c.Close(websocket.StatusInternalError, "ready failed")
		return
	}

	done := make(chan struct{})
	safego.Execute(ctx, h.logger, "RoleFeedWriter", func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case change := <-queue:
				if err := h.write(ctx, c, NewRolesChangedMessage(change)); err != nil {
					if !errors.Is(err, context.Canceled) {
						h.logger.Warn(ctx, "Failed to write role change to feed", "error", err.Error())
					}
					return
				}
			}
		}
	})
	<-done

	h.logger.Info(ctx, "Role feed connection closed", "remote_addr", r.RemoteAddr)
	_ = c.Close(websocket.StatusNormalClosure, "feed ended")
}

func (h *RoleFeedHandler) write(ctx context.Context, c *websocket.Conn, msg BaseMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	timeout := time.Duration(h.configProvider.Get().App.WriteTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	writeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Write(writeCtx, websocket.MessageText, payload)
}
