package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/google/wire"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/event-context-agent/internal/adapters/config"
	apphttp "gitlab.com/timkado/api/event-context-agent/internal/adapters/http"
	"gitlab.com/timkado/api/event-context-agent/internal/adapters/logger"
	appnats "gitlab.com/timkado/api/event-context-agent/internal/adapters/nats"
	appredis "gitlab.com/timkado/api/event-context-agent/internal/adapters/redis"
	wsadapter "gitlab.com/timkado/api/event-context-agent/internal/adapters/websocket"
	"gitlab.com/timkado/api/event-context-agent/internal/application"
	"gitlab.com/timkado/api/event-context-agent/internal/domain"
)

// InitialZapLoggerProvider provides a basic *zap.Logger, used until the
// configured logger exists.
func InitialZapLoggerProvider() (*zap.Logger, func(), error) {
	logger, err := zap.NewProduction()
	if err != nil {
		logger, err = zap.NewDevelopment()
		if err != nil {
			logger = zap.NewExample()
			fmt.Fprintf(os.Stderr, "Failed to create initial zap logger (production and development failed, falling back to example): %v\n", err)
		}
	}

	cleanup := func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "Failed to sync initial zap logger: %v\n", syncErr)
		}
	}
	return logger, cleanup, nil
}

// App holds everything Run needs.
type App struct {
	configProvider config.Provider
	logger         domain.Logger
	httpServeMux   *http.ServeMux
	httpServer     *http.Server
	redisClient    *redis.Client
	syncTransport  *SyncTransport
	contextID      application.ContextID
	handlers       *apphttp.Handlers
	roleFeed       *wsadapter.RoleFeedHandler
	resolver       *application.RoleResolver
	lifecycle      *application.SessionLifecycle
	identity       *application.SessionIdentity
	crossSync      *application.CrossContextSync
}

// NewApp is the constructor for App, also for Wire.
func NewApp(
	cfgProvider config.Provider,
	appLogger domain.Logger,
	mux *http.ServeMux,
	server *http.Server,
	redisClient *redis.Client,
	transport *SyncTransport,
	contextID application.ContextID,
	handlers *apphttp.Handlers,
	roleFeed *wsadapter.RoleFeedHandler,
	resolver *application.RoleResolver,
	lifecycle *application.SessionLifecycle,
	identity *application.SessionIdentity,
	crossSync *application.CrossContextSync,
) (*App, func(), error) {
	app := &App{
		configProvider: cfgProvider,
		logger:         appLogger,
		httpServeMux:   mux,
		httpServer:     server,
		redisClient:    redisClient,
		syncTransport:  transport,
		contextID:      contextID,
		handlers:       handlers,
		roleFeed:       roleFeed,
		resolver:       resolver,
		lifecycle:      lifecycle,
		identity:       identity,
		crossSync:      crossSync,
	}

	cleanup := func() {
		app.logger.Info(context.Background(), "Running app cleanup...")
		if app.crossSync != nil {
			if err := app.crossSync.Stop(); err != nil {
				app.logger.Error(context.Background(), "Failed to stop cross-context sync", "error", err.Error())
			}
		}
	}
	return app, cleanup, nil
}

// ConfigProvider provides the application configuration. appCtx bounds the reload goroutine.
func ConfigProvider(appCtx context.Context, logger *zap.Logger) (config.Provider, error) {
	return config.NewViperProvider(appCtx, logger)
}

// LoggerProvider provides the application logger.
func LoggerProvider(cfgProvider config.Provider) (domain.Logger, error) {
	return logger.NewZapAdapter(cfgProvider, cfgProvider.Get().App.ServiceName)
}

// ClockProvider provides the wall clock.
func ClockProvider() clock.Clock {
	return clock.New()
}

// ContextIDProvider names this execution context. server.context_id wins;
// otherwise a random id is generated for the lifetime of the process.
func ContextIDProvider(cfgProvider config.Provider, appLogger domain.Logger) application.ContextID {
	id := cfgProvider.Get().Server.ContextID
	if id == "" {
		id = uuid.NewString()
	}
	appLogger.Info(context.Background(), "Execution context identified", "context_id", id)
	return application.ContextID(id)
}

// HTTPServeMuxProvider provides the main HTTP multiplexer.
func HTTPServeMuxProvider() *http.ServeMux {
	return http.NewServeMux()
}

// HTTPGracefulServerProvider provides the HTTP server. WriteTimeout is left
// unset because /ws/roles connections are long-lived; feed writes carry their
// own deadline.
func HTTPGracefulServerProvider(cfgProvider config.Provider, mux *http.ServeMux) *http.Server {
	appCfg := cfgProvider.Get()
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", appCfg.Server.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// RedisClientProvider provides a Redis client and a cleanup function.
func RedisClientProvider(cfgProvider config.Provider, appLogger domain.Logger) (*redis.Client, func(), error) {
	appCfg := cfgProvider.Get()
	client := redis.NewClient(&redis.Options{
		Addr:     appCfg.Redis.Address,
		Password: appCfg.Redis.Password,
		DB:       appCfg.Redis.DB,
	})
	_, err := client.Ping(context.Background()).Result()
	if err != nil {
		appLogger.Error(context.Background(), "Failed to connect to Redis", "error", err.Error(), "address", appCfg.Redis.Address)
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", appCfg.Redis.Address, err)
	}
	cleanup := func() {
		client.Close()
		appLogger.Info(context.Background(), "Redis connection closed")
	}
	appLogger.Info(context.Background(), "Successfully connected to Redis", "address", appCfg.Redis.Address)
	return client, cleanup, nil
}

// SnapshotMediumProvider provides the Redis-backed snapshot medium.
func SnapshotMediumProvider(redisClient *redis.Client, logger domain.Logger) domain.SnapshotMedium {
	return appredis.NewSnapshotMediumAdapter(redisClient, logger)
}

// SelectionPurgerProvider provides the purger for per-user selection keys.
func SelectionPurgerProvider(redisClient *redis.Client, logger domain.Logger) domain.SelectionPurger {
	return appredis.NewSelectionPurgerAdapter(redisClient, logger)
}

// SyncTransport is the broadcast channel chosen by sync.transport.
type SyncTransport struct {
	Name       string
	Publisher  domain.SyncPublisher
	Subscriber domain.SyncSubscriber
	natsConn   *nats.Conn
}

// Ready reports whether the transport can currently deliver messages.
func (t *SyncTransport) Ready(ctx context.Context, redisClient *redis.Client) (string, bool) {
	if t.natsConn != nil {
		if t.natsConn.Status() == nats.CONNECTED {
			return "connected", true
		}
		return "disconnected", false
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return "disconnected", false
	}
	return "connected", true
}

// SyncTransportProvider builds the Redis or NATS sync adapter.
func SyncTransportProvider(ctx context.Context, cfgProvider config.Provider, redisClient *redis.Client, appLogger domain.Logger) (*SyncTransport, func(), error) {
	transport := cfgProvider.Get().Sync.Transport
	switch transport {
	case config.SyncTransportNATS:
		nc, cleanup, err := appnats.NewConnection(ctx, cfgProvider, appLogger)
		if err != nil {
			return nil, nil, err
		}
		adapter := appnats.NewSyncPubSubAdapter(nc, cfgProvider, appLogger)
		return &SyncTransport{Name: transport, Publisher: adapter, Subscriber: adapter, natsConn: nc}, cleanup, nil
	case config.SyncTransportRedis, "":
		adapter := appredis.NewSyncPubSubAdapter(redisClient, appLogger)
		cleanup := func() {
			if err := adapter.Close(); err != nil {
				appLogger.Error(context.Background(), "Failed to close Redis sync subscription", "error", err.Error())
			}
		}
		return &SyncTransport{Name: config.SyncTransportRedis, Publisher: adapter, Subscriber: adapter}, cleanup, nil
	default:
		return nil, nil, fmt.Errorf("unknown sync transport %q", transport)
	}
}

// SyncPublisherProvider exposes the transport's publisher.
func SyncPublisherProvider(t *SyncTransport) domain.SyncPublisher {
	return t.Publisher
}

// SyncSubscriberProvider exposes the transport's subscriber.
func SyncSubscriberProvider(t *SyncTransport) domain.SyncSubscriber {
	return t.Subscriber
}

// RoleLookupClientProvider provides the REST lookup client. A 401 on a
// lookup that did not opt out signs the context out.
func RoleLookupClientProvider(cfgProvider config.Provider, identity *application.SessionIdentity, logger domain.Logger) domain.RoleLookupClient {
	return apphttp.NewRoleLookupClient(cfgProvider, identity, logger, func(ctx context.Context) {
		logger.Warn(ctx, "Backend rejected credentials; signing out")
		identity.SignOut()
	})
}

// RoleFeedHandlerProvider provides the /ws/roles handler.
func RoleFeedHandlerProvider(logger domain.Logger, cfgProvider config.Provider, resolver *application.RoleResolver) *wsadapter.RoleFeedHandler {
	return wsadapter.NewRoleFeedHandler(logger, cfgProvider, resolver)
}

// ProviderSet is the Wire provider set for the entire application.
var ProviderSet = wire.NewSet(
	InitialZapLoggerProvider,
	ConfigProvider,
	LoggerProvider,
	ClockProvider,
	ContextIDProvider,
	HTTPServeMuxProvider,
	HTTPGracefulServerProvider,

	// Infrastructure Adapters
	RedisClientProvider,
	SnapshotMediumProvider,
	SelectionPurgerProvider,
	SyncTransportProvider,
	SyncPublisherProvider,
	SyncSubscriberProvider,
	RoleLookupClientProvider,

	// Application Services
	application.NewSessionIdentity,
	wire.Bind(new(domain.IdentityProvider), new(*application.SessionIdentity)),
	application.NewDurableStore,
	application.NewRoleResolver,
	application.NewCrossContextSync,
	application.NewSessionLifecycle,

	// HTTP and WebSocket
	apphttp.NewHandlers,
	RoleFeedHandlerProvider,
	NewApp,
)
