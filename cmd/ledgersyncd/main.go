// Command ledgersyncd serves the credential broker and sync API over HTTP
// and drains submitted sync jobs with an in-process worker pool.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goliatone/go-command"
	ledgersync "github.com/goliatone/go-ledgersync"
	"github.com/goliatone/go-ledgersync/adapters/gocommand"
	"github.com/goliatone/go-ledgersync/adapters/gojob"
	"github.com/goliatone/go-ledgersync/adapters/gologger"
	"github.com/goliatone/go-ledgersync/adapters/kafka"
	"github.com/goliatone/go-ledgersync/adapters/prometheus"
	"github.com/goliatone/go-ledgersync/core"
	"github.com/goliatone/go-ledgersync/httpapi"
	ledgermigrations "github.com/goliatone/go-ledgersync/migrations"
	"github.com/goliatone/go-ledgersync/ratelimit"
	"github.com/goliatone/go-ledgersync/security"
	redisstore "github.com/goliatone/go-ledgersync/store/redis"
	sqlstore "github.com/goliatone/go-ledgersync/store/sql"
	"github.com/goliatone/go-ledgersync/webhooks"
	persistence "github.com/goliatone/go-persistence-bun"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ledgersyncd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadDaemonConfig(ctx)
	if err != nil {
		return err
	}
	brokerConfig, err := loadBrokerConfig(ctx)
	if err != nil {
		return err
	}
	logger := newLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting ledgersyncd", "http_addr", cfg.HTTPAddr, "workers", cfg.Workers, "postgres", cfg.postgres())

	client, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	secrets, err := security.NewAppKeySecretProviderFromString(cfg.AppKey, secretOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("secret provider: %w", err)
	}
	cacheConfig := repositorycache.DefaultConfig()
	cacheConfig.TTL = cfg.StatusCacheTTL
	statusCache, err := repositorycache.NewCacheService(cacheConfig)
	if err != nil {
		return fmt.Errorf("status cache: %w", err)
	}
	stores, err := sqlstore.NewRepositoryFactoryFromPersistence(client, secrets, sqlstore.WithStatusCache(statusCache))
	if err != nil {
		return err
	}

	recorder := prometheus.NewRecorder()
	authorizeStates := stores.AuthorizeStateStore()
	var throttleStates ratelimit.StateStore = ratelimit.NewMemoryStateStore()
	var deliveries webhooks.DeliveryLedger = webhooks.NewMemoryDeliveryLedger()
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		if authorizeStates, err = redisstore.NewAuthorizeStateStore(redisClient); err != nil {
			return err
		}
		if throttleStates, err = redisstore.NewThrottleStateStore(redisClient, "", 0); err != nil {
			return err
		}
		if deliveries, err = redisstore.NewDeliveryLedger(redisClient, "", 0); err != nil {
			return err
		}
	}
	limiter := ratelimit.NewAdaptivePolicy(throttleStates)
	limiter.Logger = logger.GetLogger("ratelimit")

	var events core.SyncEventPublisher
	if brokers := cfg.kafkaBrokers(); len(brokers) > 0 {
		publisher, err := kafka.NewSyncEventPublisher(kafka.Config{Brokers: brokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return err
		}
		defer publisher.Close()
		events = publisher
	}

	svc, err := ledgersync.NewService(brokerConfig, ledgersync.Dependencies{
		Transport: ledgersync.ProviderTransport{
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
			Limiter:    limiter,
		},
		CredentialStore:     stores.CredentialStore(),
		AuthorizeStateStore: authorizeStates,
		SyncCursorStore:     stores.SyncCursorStore(),
		RecordStore:         stores.RecordStore(),
		SyncRunStore:        stores.SyncRunStore(),
		Events:              events,
		Metrics:             recorder,
		Logger:              logger,
		LoggerProvider:      logger,
	})
	if err != nil {
		return err
	}

	jobs := gojob.NewMemoryQueue(cfg.QueueCapacity)
	defer jobs.Close()
	var trigger core.JobTrigger = gojob.NewSyncJobTrigger(jobs)
	if cfg.Workers == 0 {
		trigger = &core.InlineJobTrigger{
			Runner:   svc.Sync(),
			Timeout:  svc.Config().Sync.RunTimeout,
			Observer: gologger.NewObserver("inline", logger, logger, recorder),
		}
	}
	facade, err := ledgersync.NewFacade(svc, ledgersync.WithJobTrigger(trigger))
	if err != nil {
		return err
	}

	bus := gocommand.NewRegistryAdapter(command.NewRegistry())
	subscriptions, err := gocommand.RegisterHandlers(bus, facade.Handlers())
	if err != nil {
		return err
	}
	defer subscriptions.Unsubscribe()
	if err := bus.Initialize(); err != nil {
		return err
	}

	services := httpapi.Services{
		Credentials: svc.Tokens(),
		Runner:      svc.Sync(),
		Trigger:     trigger,
		Runs:        svc.Sync(),
		Records:     svc.Records(),
	}
	if cfg.webhooksEnabled() {
		processor, err := newWebhookProcessor(cfg, stores.TenantLookup(), trigger, deliveries)
		if err != nil {
			return err
		}
		processor.Observer = gologger.NewObserver("webhooks", logger, logger, recorder)
		services.Webhooks = processor
		logger.Info("webhooks enabled", "providers", processor.Providers())
	}

	server, err := httpapi.New(services, httpapi.Config{
		APIKey:         cfg.InternalAPIKey,
		MetricsHandler: recorder.Handler(),
		Logger:         logger,
		LoggerProvider: logger,
		Metrics:        recorder,
	})
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		worker := gojob.NewSyncWorker(jobs, svc.Sync(),
			gojob.WithBackoff(core.ExponentialBackoffScheduler{
				Initial: svc.Config().Sync.InitialBackoff,
				Max:     svc.Config().Sync.MaxBackoff,
			}),
			gojob.WithObserver(gologger.NewObserver("worker", logger, logger, recorder)),
		)
		group.Go(func() error {
			if err := worker.Run(groupCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("sync worker: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		return server.Listen(cfg.HTTPAddr)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if dead := jobs.DeadLetters(); len(dead) > 0 {
		logger.Warn("sync jobs left in dead letter queue", "count", len(dead))
	}
	logger.Info("ledgersyncd stopped")
	return nil
}

func newWebhookProcessor(
	cfg daemonConfig,
	tenants core.TenantCredentialLookup,
	trigger core.JobTrigger,
	ledger webhooks.DeliveryLedger,
) (*webhooks.Processor, error) {
	processor := webhooks.NewProcessor(tenants, trigger, ledger)
	processor.Burst = webhooks.NewBurstController(webhooks.BurstOptions{
		Mode:   webhooks.ParseBurstMode(cfg.WebhookBurstMode),
		Window: cfg.WebhookBurstWindow,
	})
	if cfg.XeroWebhookKey != "" {
		if err := processor.Register(webhooks.NewXeroTemplate(cfg.XeroWebhookKey)); err != nil {
			return nil, err
		}
	}
	if cfg.QuickBooksWebhookToken != "" {
		if err := processor.Register(webhooks.NewQuickBooksTemplate(cfg.QuickBooksWebhookToken)); err != nil {
			return nil, err
		}
	}
	return processor, nil
}

type persistenceConfig struct {
	driver string
	server string
}

func (c persistenceConfig) GetDebug() bool                { return false }
func (c persistenceConfig) GetDriver() string             { return c.driver }
func (c persistenceConfig) GetServer() string             { return c.server }
func (c persistenceConfig) GetPingTimeout() time.Duration { return 5 * time.Second }
func (c persistenceConfig) GetOtelIdentifier() string     { return "ledgersyncd" }

// openDatabase connects to postgres or sqlite and applies the matching
// migration set.
func openDatabase(ctx context.Context, cfg daemonConfig) (*persistence.Client, error) {
	driver := "sqlite3"
	if cfg.postgres() {
		driver = "postgres"
	}
	dialectName, err := ledgermigrations.DialectForDriver(driver)
	if err != nil {
		return nil, err
	}
	sqlDB, err := sql.Open(driver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite3" {
		sqlDB.SetMaxOpenConns(1)
	}

	var client *persistence.Client
	if cfg.postgres() {
		client, err = persistence.New(persistenceConfig{driver: driver, server: cfg.DatabaseURL}, sqlDB, pgdialect.New())
	} else {
		client, err = persistence.New(persistenceConfig{driver: driver, server: cfg.DatabaseURL}, sqlDB, sqlitedialect.New())
	}
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}

	_, err = ledgermigrations.Register(ctx, func(_ context.Context, dialect string, _ string, fsys fs.FS) error {
		if dialect == dialectName {
			client.RegisterSQLMigrations(fsys)
		}
		return nil
	}, ledgermigrations.WithDialects(dialectName), ledgermigrations.WithLabel("ledgersyncd"))
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("register migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return client, nil
}

// secretOptions keeps a retired app key readable while stored tokens are
// resealed under the primary key.
func secretOptions(cfg daemonConfig) []security.Option {
	opts := []security.Option{
		security.WithKeyID(cfg.AppKeyID),
		security.WithVersion(cfg.AppKeyVersion),
	}
	if cfg.RetiredAppKey != "" {
		opts = append(opts, security.WithRetiredKey(
			[]byte(cfg.RetiredAppKey),
			cfg.RetiredAppKeyID,
			cfg.RetiredAppKeyVersion,
			cfg.RetiredAppKeyUntil,
		))
	}
	return opts
}
