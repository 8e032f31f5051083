package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const envPrefix = "EVENTCTX"

// Sync transports.
const (
	SyncTransportRedis = "redis"
	SyncTransportNATS  = "nats"
)

// ServerConfig holds server-related configurations.
type ServerConfig struct {
	HTTPPort  int    `mapstructure:"http_port"`
	ContextID string `mapstructure:"context_id"` // Generated at startup when empty
}

// NATSConfig holds NATS-related configurations.
type NATSConfig struct {
	URL                  string `mapstructure:"url"`
	SubjectPrefix        string `mapstructure:"subject_prefix"`
	MaxReconnects        int    `mapstructure:"max_reconnects"`
	ReconnectWaitSeconds int    `mapstructure:"reconnect_wait_seconds"`
}

// RedisConfig holds Redis-related configurations.
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"` // Optional
	DB       int    `mapstructure:"db"`       // Optional
}

// LogConfig holds logging-related configurations.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// AuthConfig holds authentication-related configurations.
type AuthConfig struct {
	APIKey string `mapstructure:"api_key"` // Should come from ENV
}

// AppConfig holds application-specific configurations.
type AppConfig struct {
	ServiceName                  string `mapstructure:"service_name"`
	Version                      string `mapstructure:"version"`
	ShutdownTimeoutSeconds       int    `mapstructure:"shutdown_timeout_seconds"`
	WriteTimeoutSeconds          int    `mapstructure:"write_timeout_seconds"`
	IdentityCheckIntervalSeconds int    `mapstructure:"identity_check_interval_seconds"`
}

// CacheConfig controls the role cache.
type CacheConfig struct {
	TTLSeconds    int      `mapstructure:"ttl_seconds"`
	PurgeOnSwitch []string `mapstructure:"purge_on_switch"` // Extra logical caches cleared on logout/user switch
}

// TTL returns the configured snapshot TTL.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// SyncConfig selects the cross-context broadcast transport.
type SyncConfig struct {
	Transport string `mapstructure:"transport"`
}

// LookupConfig configures the role-lookup REST client.
type LookupConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// GuardConfig configures the navigation guard.
type GuardConfig struct {
	PrivilegedRoles []string `mapstructure:"privileged_roles"`
}

// Config holds all configuration for the application.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	NATS   NATSConfig   `mapstructure:"nats"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Log    LogConfig    `mapstructure:"log"`
	Auth   AuthConfig   `mapstructure:"auth"`
	App    AppConfig    `mapstructure:"app"`
	Cache  CacheConfig  `mapstructure:"cache"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Lookup LookupConfig `mapstructure:"lookup"`
	Guard  GuardConfig  `mapstructure:"guard"`
}

// Provider gives access to the current configuration.
// It decouples the application from Viper and is trivially faked in tests.
type Provider interface {
	Get() *Config
}

// viperProvider implements the Provider interface using Viper.
type viperProvider struct {
	mu     sync.RWMutex
	config *Config
	logger *zap.Logger // zap directly, domain.Logger is built from this config
}

// setDefaults registers the defaults every deployment starts from.
func setDefaults(v *viper.Viper) {
	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("server.http_port", 8090)
	v.SetDefault("server.context_id", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("lookup.base_url", "")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "eventctx.sync")
	v.SetDefault("nats.max_reconnects", 5)
	v.SetDefault("nats.reconnect_wait_seconds", 2)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("log.level", "info")
	v.SetDefault("app.service_name", "event-context-agent")
	v.SetDefault("app.version", "dev")
	v.SetDefault("app.shutdown_timeout_seconds", 15)
	v.SetDefault("app.write_timeout_seconds", 10)
	v.SetDefault("app.identity_check_interval_seconds", 30)
	v.SetDefault("cache.ttl_seconds", 3600)
	v.SetDefault("cache.purge_on_switch", []string{"selectedEvent", "selectedDepartment"})
	v.SetDefault("sync.transport", SyncTransportRedis)
	v.SetDefault("lookup.timeout_seconds", 10)
	v.SetDefault("guard.privileged_roles", []string{"HoOC", "HoD"})
}

// newViper builds a Viper instance reading YAML from VIPER_CONFIG_PATH/NAME and EVENTCTX_* env vars.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	configName := os.Getenv("VIPER_CONFIG_NAME")
	if configName == "" {
		configName = "config"
	}
	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if p := os.Getenv("VIPER_CONFIG_PATH"); p != "" {
		v.AddConfigPath(p)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")) // cache.ttl_seconds -> EVENTCTX_CACHE_TTL_SECONDS
	return v
}

// Load reads the configuration once without installing reload hooks.
func Load() (*Config, error) {
	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// NewViperProvider loads configuration from file and environment and installs
// SIGHUP and file-watch reloading. appCtx bounds the reload goroutine.
func NewViperProvider(appCtx context.Context, logger *zap.Logger) (Provider, error) {
	v := newViper()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Warn("Config file not found; relying on defaults and environment variables", zap.Error(err))
		} else {
			logger.Error("Failed to read config file", zap.Error(err))
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		logger.Error("Failed to unmarshal config", zap.Error(err))
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	p := &viperProvider{
		config: cfg,
		logger: logger,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sigChan)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("Panic recovered in SIGHUP handler goroutine",
					zap.String("goroutine_name", "SIGHUPConfigReloader"),
					zap.Any("panic_info", r),
					zap.String("stacktrace", string(debug.Stack())),
				)
			}
		}()
		for {
			select {
			case sig := <-sigChan:
				p.logger.Info("SIGHUP received, attempting to reload configuration...", zap.String("signal", sig.String()))
				if err := v.ReadInConfig(); err != nil {
					p.logger.Error("Failed to re-read config file on SIGHUP", zap.Error(err))
					continue
				}
				p.reload(v, "sighup")
			case <-appCtx.Done():
				p.logger.Info("SIGHUPConfigReloader goroutine shutting down due to context cancellation.")
				return
			}
		}
	}()

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			defer func() {
				if r := recover(); r != nil {
					p.logger.Error("Panic recovered in OnConfigChange callback",
						zap.String("event_name", e.Name),
						zap.Any("panic_info", r),
					)
				}
			}()
			p.logger.Info("Config file changed", zap.String("name", e.Name), zap.String("op", e.Op.String()))
			p.reload(v, "file_change")
		})
		v.WatchConfig()
	}

	p.logger.Info("Configuration loaded successfully", zap.String("config_file_used", v.ConfigFileUsed()))
	return p, nil
}

func (p *viperProvider) reload(v *viper.Viper, source string) {
	newCfg := &Config{}
	if err := v.Unmarshal(newCfg); err != nil {
		p.logger.Error("Failed to unmarshal reloaded config", zap.String("source", source), zap.Error(err))
		return
	}
	p.mu.Lock()
	p.config = newCfg
	p.mu.Unlock()
	p.logger.Info("Configuration reloaded successfully", zap.String("source", source))
}

// Get returns the current configuration.
func (p *viperProvider) Get() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// staticProvider serves a fixed configuration.
type staticProvider struct {
	config *Config
}

// NewStaticProvider wraps an already built Config, mostly for tests and tools.
func NewStaticProvider(cfg *Config) Provider {
	return &staticProvider{config: cfg}
}

func (p *staticProvider) Get() *Config {
	return p.config
}
