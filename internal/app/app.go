package app

import (
	"fmt"
	"time"

	"admission-gateway/internal/admission"
	"admission-gateway/internal/circuitbreaker"
	"admission-gateway/internal/common/logging"
	"admission-gateway/internal/config"
	"admission-gateway/internal/loadmonitor"
	"admission-gateway/internal/middleware"
	"admission-gateway/internal/redis"
	"admission-gateway/internal/store"
)

// App holds all the application dependencies
type App struct {
	Config   *config.Config
	Store    store.CounterStore
	Monitor  *loadmonitor.Monitor
	Gateway  *admission.Gateway
	Breakers *circuitbreaker.Manager
	Resolver *middleware.IdentityResolver
	Logger   logging.Logger
}

// New creates a new application instance with all dependencies. A nil
// sampler reads the host through gopsutil.
func New(cfg *config.Config, sampler loadmonitor.Sampler) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logging.GetGlobalLogger().WithFields(logging.String("component", "app")),
	}

	if sampler == nil {
		sampler = loadmonitor.NewHostSampler()
	}

	// Initialize components in order of dependency
	if err := app.initializeStore(); err != nil {
		return nil, err
	}

	monitor, err := loadmonitor.New(sampler, cfg.Load, app.Logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.Monitor = monitor

	gateway, err := admission.New(admission.Options{
		Rules:        cfg.Rules,
		Store:        app.Store,
		Load:         monitor,
		StoreTimeout: cfg.StoreTimeout,
		Tracker:      cfg.Behavior,
		Abuse:        cfg.Abuse,
		Background:   []admission.Closer{monitor},
		Logger:       app.Logger,
	})
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.Gateway = gateway

	breakers, err := circuitbreaker.NewManager(cfg.CircuitBreakerBackend, cfg.CircuitBreaker, cfg.CircuitBreakerOverrides, monitor, app.Logger)
	if err != nil {
		app.Cleanup()
		return nil, err
	}
	app.Breakers = breakers

	app.Resolver = middleware.NewIdentityResolver(cfg.JWTSecret, cfg.TrustedProxies...)
	if cfg.JWTSecret == "" {
		app.Logger.Info("JWT_SECRET not set, bearer tokens are ignored")
	}

	return app, nil
}

func (app *App) initializeStore() error {
	switch app.Config.StoreBackend {
	case config.StoreBackendRedis:
		client, err := redis.NewClient(&redis.Config{
			Address:  app.Config.RedisAddress,
			Password: app.Config.RedisPassword,
			DB:       app.Config.RedisDB,
			PoolSize: app.Config.RedisPoolSize,
		})
		if err != nil {
			return err
		}
		app.Store = store.NewRedisStore(client, app.Config.RedisKeyPrefix)
		app.Logger.Info("Counter store: Redis",
			logging.String("address", app.Config.RedisAddress),
			logging.String("key_prefix", app.Config.RedisKeyPrefix),
		)
	case config.StoreBackendMemory:
		app.Store = store.NewMemoryStore(time.Minute)
		app.Logger.Info("Counter store: in-memory (limits are per instance)")
	default:
		return fmt.Errorf("unsupported store backend: %s", app.Config.StoreBackend)
	}
	return nil
}

// Cleanup releases all resources. The gateway owns the monitor and the store
// once it exists.
func (app *App) Cleanup() {
	var err error
	switch {
	case app.Gateway != nil:
		err = app.Gateway.Close()
	case app.Store != nil:
		err = app.Store.Close()
	}
	if err != nil {
		app.Logger.Warn("Error during cleanup", logging.Err(err))
	}
}
