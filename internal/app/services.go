package app

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/aledz7/df-graficas-sub014/internal/ar"
	"github.com/aledz7/df-graficas-sub014/internal/catalog"
	"github.com/aledz7/df-graficas-sub014/internal/inventory"
	"github.com/aledz7/df-graficas-sub014/internal/observability"
	"github.com/aledz7/df-graficas-sub014/internal/platform/cache"
	"github.com/aledz7/df-graficas-sub014/internal/platform/events"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/lifecycle"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/reconcile"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/remote"
	"github.com/aledz7/df-graficas-sub014/internal/serviceorder/store"
	"github.com/aledz7/df-graficas-sub014/internal/shared"
)

const cachePrefix = "os"

// Remote is everything the services need from the backing store, served by
// either the HTTP API client or PostgreSQL.
type Remote interface {
	reconcile.RemoteOrders
	inventory.RemoteProducts
	catalog.RemoteFinishes
	ar.RepositoryPort
}

// Services holds the wired domain services shared by the binaries.
type Services struct {
	Remote      Remote
	Bus         *events.Bus
	Orders      *reconcile.Service
	Catalog     *catalog.Service
	Inventory   *inventory.Service
	Receivables *ar.Service
	Lifecycle   *lifecycle.Orchestrator
}

// ServiceDeps are the infrastructure handles the services are built on.
type ServiceDeps struct {
	Config  *Config
	Logger  *slog.Logger
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics
	Queue   inventory.SyncQueue
}

// NewRemote picks the remote store from configuration. The PostgreSQL schema
// is migrated either way since audit and idempotency tables live there.
func NewRemote(ctx context.Context, cfg *Config, pool *pgxpool.Pool) (Remote, error) {
	pg := store.New(pool)
	if err := pg.Migrate(ctx); err != nil {
		return nil, err
	}
	if cfg.UsesRemoteAPI() {
		return remote.NewClient(cfg.RemoteAPIURL, cfg.RemoteAPITimeout), nil
	}
	return pg, nil
}

// BuildServices wires the domain services over the given remote.
func BuildServices(deps ServiceDeps, backing Remote) *Services {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := deps.Config
	localStore := cache.NewStore(deps.Redis, cachePrefix, cfg.CacheTTL)
	bus := events.NewBus(deps.Redis, events.DefaultChannel, logger)

	var (
		audit       *shared.AuditLogger
		idempotency *shared.IdempotencyStore
	)
	if deps.Pool != nil {
		audit = shared.NewAuditLogger(deps.Pool)
		idempotency = shared.NewIdempotencyStore(deps.Pool)
	}

	orders := reconcile.NewService(backing, localStore, reconcile.Config{
		LockTTL: cfg.OrderLockTTL,
		Bus:     bus,
		Locker:  shared.NewLocker(deps.Redis),
		Metrics: deps.Metrics,
		Logger:  logger.With(slog.String("component", "reconcile")),
	})
	finishes := catalog.NewService(backing, localStore, logger.With(slog.String("component", "catalog")))
	stockCfg := inventory.ServiceConfig{
		Policy:  cfg.StockPolicy,
		Queue:   deps.Queue,
		Metrics: deps.Metrics,
		Logger:  logger.With(slog.String("component", "inventory")),
	}
	if audit != nil {
		stockCfg.Audit = audit
		stockCfg.Idempotency = idempotency
	}
	stock := inventory.NewService(inventory.NewRepository(localStore, backing), backing, stockCfg)
	receivables := ar.NewService(backing)

	lcCfg := lifecycle.Config{
		QuoteValidity: cfg.QuoteValidity(),
		Logger:        logger.With(slog.String("component", "lifecycle")),
	}
	if audit != nil {
		lcCfg.Audit = audit
	}
	orchestrator := lifecycle.New(orders, finishes, stock, receivables, lcCfg)

	return &Services{
		Remote:      backing,
		Bus:         bus,
		Orders:      orders,
		Catalog:     finishes,
		Inventory:   stock,
		Receivables: receivables,
		Lifecycle:   orchestrator,
	}
}
