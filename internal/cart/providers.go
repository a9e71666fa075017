package cart

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"github.com/tair/cart-sync/internal/cart/client"
	delivery "github.com/tair/cart-sync/internal/cart/delivery/http"
	"github.com/tair/cart-sync/internal/cart/domain"
	"github.com/tair/cart-sync/internal/cart/engine"
	"github.com/tair/cart-sync/internal/cart/memremote"
	"github.com/tair/cart-sync/internal/cart/metrics"
	"github.com/tair/cart-sync/internal/cart/reconcile"
	"github.com/tair/cart-sync/internal/cart/repository"
	"github.com/tair/cart-sync/kafka"
	"github.com/tair/cart-sync/pkg/config"
	"github.com/tair/cart-sync/pkg/database"
	"github.com/tair/cart-sync/pkg/logger"
)

// App is the assembled cart service
type App struct {
	Handler  *delivery.CartHandler
	Health   *delivery.HealthChecker
	Sessions *engine.Manager
	// Consumer is nil when Kafka is not configured
	Consumer *kafka.Consumer
}

// Remote is the remote cart API together with its shipping quotes
type Remote interface {
	domain.RemoteCart
	domain.ShippingQuoter
}

// RemoteBackend keeps the HTTP client around for health reporting
type RemoteBackend struct {
	Remote
	client *client.RemoteCartClient
}

func (r *RemoteBackend) check(context.Context) error {
	if r.client == nil {
		return nil
	}
	if state := r.client.Breaker().State(); state == client.StateOpen {
		return fmt.Errorf("remote cart circuit is %s", state)
	}
	return nil
}

func ProvideMetrics(reg prometheus.Registerer) *metrics.Metrics {
	return metrics.New(reg)
}

// ProvideRemote returns the HTTP client, or the in-process remote when no
// base URL is configured
func ProvideRemote(cfg *config.Config, m *metrics.Metrics) *RemoteBackend {
	if cfg.Remote.BaseURL == "" {
		logger.Logger.Warn().Msg("No remote cart URL configured, using in-process remote cart")
		return &RemoteBackend{Remote: memremote.New()}
	}
	c := client.NewRemoteCartClient(client.Config{
		BaseURL:     cfg.Remote.BaseURL,
		Timeout:     cfg.Remote.Timeout,
		MaxFailures: cfg.Remote.MaxFailures,
		OpenTimeout: cfg.Remote.OpenTimeout,
	}, m)
	return &RemoteBackend{Remote: c, client: c}
}

func ProvideRemoteCart(r *RemoteBackend) domain.RemoteCart {
	return r
}

func ProvideShippingQuoter(r *RemoteBackend) domain.ShippingQuoter {
	return r
}

// ProvideRedisClient connects to Redis when the guest store lives there
func ProvideRedisClient(cfg *config.Config) (*redis.Client, func(), error) {
	if cfg.Store.Backend != config.StoreRedis {
		return nil, func() {}, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")
	return rdb, func() { rdb.Close() }, nil
}

// ProvideDatabase connects to PostgreSQL when the guest store lives there
func ProvideDatabase(cfg *config.Config) (*gorm.DB, func(), error) {
	if cfg.Store.Backend != config.StorePostgres {
		return nil, func() {}, nil
	}
	db, err := database.NewGormConnection(cfg.Database.DSN())
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	return db, cleanup, nil
}

// ProvideKV selects the guest cart backend
func ProvideKV(cfg *config.Config, rdb *redis.Client, db *gorm.DB) (repository.KV, error) {
	var kv repository.KV
	switch cfg.Store.Backend {
	case config.StoreRedis:
		kv = repository.NewRedisKV(rdb, cfg.Redis.TTL)
	case config.StorePostgres:
		gkv := repository.NewGormKV(db)
		if err := gkv.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		kv = gkv
	default:
		kv = repository.NewMemoryKV()
	}
	return repository.NewTracingKV(kv, cfg.Store.Backend), nil
}

func ProvideStoreFactory(kv repository.KV) engine.StoreFactory {
	return func(sessionID string) domain.GuestStore {
		return repository.NewLocalStore(kv, repository.GuestCartKey(sessionID))
	}
}

// ProvideCoordinator bounds reconciliation calls with a shared limiter
func ProvideCoordinator(cfg *config.Config, remote domain.RemoteCart, m *metrics.Metrics) (*reconcile.Coordinator, error) {
	policy, err := reconcile.ParsePolicy(cfg.Reconcile.Policy)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.Reconcile.Rate > 0 {
		burst := cfg.Reconcile.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Reconcile.Rate), burst)
	}
	return reconcile.NewCoordinator(remote, limiter, policy, m), nil
}

// ProvidePublisher returns nil when no brokers are configured
func ProvidePublisher(cfg *config.Config) (*kafka.Publisher, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}, nil
	}
	pub, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to close Kafka publisher")
		}
	}, nil
}

func ProvideEventPublisher(pub *kafka.Publisher) domain.EventPublisher {
	if pub == nil {
		return nil
	}
	return pub
}

func ProvideManager(cfg *config.Config, remote domain.RemoteCart, quoter domain.ShippingQuoter, stores engine.StoreFactory,
	coordinator *reconcile.Coordinator, publisher domain.EventPublisher, m *metrics.Metrics) (*engine.Manager, func()) {
	sessions := engine.NewManager(engine.Config{
		ShippingLocation: cfg.Shipping.Location,
		ShippingTimeout:  cfg.Shipping.Timeout,
	}, engine.ManagerDeps{
		Remote:     remote,
		Quoter:     quoter,
		Stores:     stores,
		Reconciler: coordinator,
		Publisher:  publisher,
		Metrics:    m,
	})
	return sessions, sessions.Close
}

// ProvideConsumer subscribes this replica to cart events of other replicas
func ProvideConsumer(cfg *config.Config, sessions *engine.Manager) (*kafka.Consumer, func(), error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, func() {}, nil
	}
	if cfg.Kafka.GroupID == "" {
		return nil, nil, errors.New("kafka group id is required when brokers are set")
	}
	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.Topic})
	if err != nil {
		return nil, nil, err
	}
	kafka.Subscribe(consumer, sessions)
	return consumer, func() {
		if err := consumer.Close(); err != nil {
			logger.Logger.Error().Err(err).Msg("Failed to close Kafka consumer")
		}
	}, nil
}

// ProvideLimiter shares the window through Redis when it is available
func ProvideLimiter(cfg *config.Config, rdb *redis.Client) delivery.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	if rdb != nil {
		return delivery.NewRedisLimiter(rdb, cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
	}
	return delivery.NewLocalLimiter(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window)
}

func ProvideCartHandler(sessions *engine.Manager, limiter delivery.Limiter, reg prometheus.Registerer) *delivery.CartHandler {
	return delivery.NewCartHandler(sessions, limiter, reg)
}

// ProvideHealthChecker probes whichever backends are in use
func ProvideHealthChecker(remote *RemoteBackend, rdb *redis.Client, db *gorm.DB) *delivery.HealthChecker {
	checks := map[string]delivery.Check{"remote-cart": remote.check}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}
	if db != nil {
		checks["postgres"] = func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
	}
	return delivery.NewHealthChecker("cart-sync", checks)
}

// Wire sets
var BackendSet = wire.NewSet(
	ProvideMetrics,
	ProvideRemote,
	ProvideRemoteCart,
	ProvideShippingQuoter,
	ProvideRedisClient,
	ProvideDatabase,
	ProvideKV,
	ProvideStoreFactory,
)

var EngineSet = wire.NewSet(
	ProvideCoordinator,
	ProvidePublisher,
	ProvideEventPublisher,
	ProvideManager,
	ProvideConsumer,
)

var DeliverySet = wire.NewSet(
	ProvideLimiter,
	ProvideCartHandler,
	ProvideHealthChecker,
	wire.Struct(new(App), "*"),
)
