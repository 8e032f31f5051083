package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/logger"
	"gitlab.com/timkado/api/event-context-agent/internal/application"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

type fakeSource struct {
	mu        sync.Mutex
	mirror    domain.RoleChange
	listeners []application.RoleListener
}

func (f *fakeSource) Mirror() domain.RoleChange {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mirror
}

func (f *fakeSource) Subscribe(l application.RoleListener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {}
}

func (f *fakeSource) subscribed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeSource) emit(c domain.RoleChange) {
	f.mu.Lock()
	ls := append([]application.RoleListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range ls {
		l(c)
	}
}

type rawMessage struct {
	Type    string            `json:"type"`
	Payload domain.RoleChange `json:"payload"`
}

func TestRoleFeedHandler_ReadyThenChanges(t *testing.T) {
	source := &fakeSource{mirror: domain.RoleChange{UserID: "u1", Roles: domain.RoleEntries{"E1": "HoD"}}}
	cfg := config.NewStaticProvider(&config.Config{App: config.AppConfig{WriteTimeoutSeconds: 2}})
	srv := httptest.NewServer(NewRoleFeedHandler(logger.NewFromZap(zap.NewNop()), cfg, source))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), &websocket.DialOptions{Subprotocols: []string{Subprotocol}})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var msg rawMessage
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeReady, msg.Type)
	assert.Equal(t, "HoD", msg.Payload.Roles["E1"])

	require.Eventually(t, func() bool { return source.subscribed() == 1 }, 2*time.Second, 10*time.Millisecond)
	source.emit(domain.RoleChange{UserID: "u1", Reason: domain.ChangeReasonResolved, Roles: domain.RoleEntries{"E1": "HoD", "E2": "Member"}})

	_, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, MessageTypeRolesChanged, msg.Type)
	assert.Equal(t, domain.ChangeReasonResolved, msg.Payload.Reason)
	assert.Equal(t, "Member", msg.Payload.Roles["E2"])
}
