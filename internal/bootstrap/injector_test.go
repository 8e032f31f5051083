package bootstrap

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	"gitlab.com/timkado/api/event-context-agent/internal/application"
)

func setTestEnv(t *testing.T, redisAddr string) {
	t.Helper()
	t.Setenv("VIPER_CONFIG_PATH", t.TempDir())
	t.Setenv("VIPER_CONFIG_NAME", "absent")
	t.Setenv("EVENTCTX_REDIS_ADDRESS", redisAddr)
	t.Setenv("EVENTCTX_SERVER_CONTEXT_ID", "ctx-wire")
	t.Setenv("EVENTCTX_LOG_LEVEL", "error")
}

func initTestApp(t *testing.T) *App {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	app, cleanup, err := InitializeApp(ctx)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	app.routes(ctx)
	return app
}

func get(t *testing.T, app *App, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	app.httpServeMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestInitializeApp_RedisTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	setTestEnv(t, mr.Addr())
	t.Setenv("EVENTCTX_SYNC_TRANSPORT", config.SyncTransportRedis)

	app := initTestApp(t)

	assert.Equal(t, application.ContextID("ctx-wire"), app.contextID)
	assert.Equal(t, config.SyncTransportRedis, app.syncTransport.Name)
	assert.Equal(t, "", app.resolver.CurrentUser())

	assert.Equal(t, http.StatusOK, get(t, app, "/health").Code)
	rec := get(t, app, "/ready")
	require.Equal(t, http.StatusOK, rec.Code)
	var ready struct {
		Status       string            `json:"status"`
		Session      string            `json:"session"`
		Dependencies map[string]string `json:"dependencies"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.Equal(t, "READY", ready.Status)
	assert.Equal(t, "connected", ready.Dependencies["sync_redis"])

	rec = get(t, app, "/v1/session")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ctx-wire", rec.Header().Get("X-Context-ID"))
}

func TestInitializeApp_NATSTransport(t *testing.T) {
	mr := miniredis.RunT(t)
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	setTestEnv(t, mr.Addr())
	t.Setenv("EVENTCTX_SYNC_TRANSPORT", config.SyncTransportNATS)
	t.Setenv("EVENTCTX_NATS_URL", srv.ClientURL())

	app := initTestApp(t)

	assert.Equal(t, config.SyncTransportNATS, app.syncTransport.Name)
	status, ok := app.syncTransport.Ready(context.Background(), app.redisClient)
	assert.True(t, ok)
	assert.Equal(t, "connected", status)
	assert.Equal(t, http.StatusOK, get(t, app, "/ready").Code)
}

func TestInitializeApp_UnknownTransportFails(t *testing.T) {
	mr := miniredis.RunT(t)
	setTestEnv(t, mr.Addr())
	t.Setenv("EVENTCTX_SYNC_TRANSPORT", "carrier-pigeon")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, _, err := InitializeApp(ctx)
	assert.ErrorContains(t, err, "unknown sync transport")
}
