package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/sheetsign/internal/core/config"
	"github.com/vietddude/sheetsign/internal/core/worker"
	"github.com/vietddude/sheetsign/internal/infra/provider"
	redisclient "github.com/vietddude/sheetsign/internal/infra/redis"
	"github.com/vietddude/sheetsign/internal/infra/storage"
	"github.com/vietddude/sheetsign/internal/infra/storage/memory"
	"github.com/vietddude/sheetsign/internal/infra/storage/sqlstore"
	"github.com/vietddude/sheetsign/internal/ingress"
	"github.com/vietddude/sheetsign/internal/queue"
	"github.com/vietddude/sheetsign/internal/signing"
)

// App is the main application struct that owns every long-lived component.
type App struct {
	cfg         *config.AppConfig
	db          *sqlstore.DB
	redisClient *redisclient.Client
	sheets      storage.SheetRepository
	jobs        storage.JobRepository
	adapter     provider.Adapter
	queue       *queue.Queue
	machine     *signing.Machine
	server      *ingress.Server
	expirer     *worker.Expirer
	drainer     *worker.Drainer
	log         *slog.Logger
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{
		cfg: cfg,
		log: slog.Default().With("component", "app"),
	}

	// 1. Storage
	if err := a.initStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	// 2. Provider + queue + state machine
	a.adapter = provider.NewHTTPAdapter(cfg.Provider)

	a.queue = queue.New(a.jobs)
	a.queue.SetClaimTimeout(cfg.Queue.ClaimTimeout)
	for jobType, p := range cfg.Queue.Policies {
		a.queue.SetPolicy(jobType, p)
	}

	gate := a.refreshGate()
	a.machine = signing.NewMachine(a.sheets, a.adapter,
		signing.WithJobs(a.queue),
		signing.WithRefreshGate(gate),
		signing.WithPendingTimeout(cfg.Sheets.SignPendingTimeout),
	)
	a.queue.RegisterDefaults(a.adapter, a.machine)

	// 3. Workers
	a.expirer = worker.NewExpirer(a.sheets, cfg.Sheets.ExpirySweepInterval)
	a.drainer = worker.NewDrainer(a.queue, cfg.Queue.DrainInterval, cfg.Queue.DrainLimit)

	// 4. HTTP ingress
	a.server = ingress.NewServer(ingress.Config{
		Port:          cfg.Server.Port,
		ReadTimeout:   cfg.Server.ReadTimeout,
		WriteTimeout:  cfg.Server.WriteTimeout,
		WebhookSecret: cfg.Webhook.Secret,
		WebhookHeader: cfg.Webhook.Header,
		DrainSecret:   cfg.Queue.DrainSecret,
		DrainHeader:   cfg.Queue.DrainHeader,
	}, a.machine, a.queue, a.healthChecks())

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Database.URL != "" {
		db, err := sqlstore.Open(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db
		if cfg.Database.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate db: %w", err)
			}
		}
		a.sheets = sqlstore.NewSheetRepo(db)
		a.log.Info("Using SQL storage", "driver", cfg.Database.Driver)
	} else {
		store := memory.NewMemoryStorage()
		a.sheets = memory.NewSheetRepo(store)
		if cfg.Queue.Backend == config.BackendMemory {
			a.jobs = memory.NewJobRepo(store)
		}
		a.log.Info("Using Memory storage")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		switch {
		case err == nil:
			a.redisClient = client
		case cfg.Queue.Backend == config.BackendRedis:
			return fmt.Errorf("failed to connect to redis: %w", err)
		default:
			a.log.Warn("Failed to connect to Redis, using local refresh gate", "error", err)
		}
	}

	switch cfg.Queue.Backend {
	case config.BackendSQL:
		if a.db == nil {
			return errors.New("queue backend sql requires a database")
		}
		a.jobs = sqlstore.NewJobRepo(a.db)
	case config.BackendRedis:
		if a.redisClient == nil {
			return errors.New("queue backend redis requires redis.url")
		}
		a.jobs = redisclient.NewJobRepo(a.redisClient)
	case config.BackendMemory:
		if a.jobs == nil {
			a.jobs = memory.NewJobRepo(memory.NewMemoryStorage())
		}
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	a.log.Info("Deferred job queue ready", "backend", cfg.Queue.Backend)
	return nil
}

func (a *App) refreshGate() signing.RefreshGate {
	cooldown := a.cfg.Sheets.RefreshCooldown
	if a.redisClient != nil {
		return redisclient.NewRefreshGate(a.redisClient, cooldown)
	}
	return signing.NewLocalGate(cooldown)
}

func (a *App) healthChecks() map[string]ingress.HealthCheck {
	checks := make(map[string]ingress.HealthCheck)
	if a.db != nil {
		checks["database"] = a.db.Health
	}
	if a.redisClient != nil {
		checks["redis"] = a.redisClient.Ping
	}
	return checks
}

// Queue exposes the deferred job queue for CLI commands.
func (a *App) Queue() *queue.Queue { return a.queue }

// Sheets exposes the sheet repository for CLI commands.
func (a *App) Sheets() storage.SheetRepository { return a.sheets }

// Machine exposes the signing state machine.
func (a *App) Machine() *signing.Machine { return a.machine }

// Run starts the HTTP server and the background workers and blocks until ctx
// is cancelled or a component fails. The server is shut down gracefully.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.db != nil {
		a.db.StartMetricsCollector(gctx)
	}

	g.Go(func() error {
		a.expirer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		a.drainer.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.server.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.server.Stop(shutdownCtx)
	})

	a.log.Info("Sheetsign started",
		"port", a.cfg.Server.Port,
		"queue", a.cfg.Queue.Backend,
		"drainInterval", a.cfg.Queue.DrainInterval,
		"expirySweepInterval", a.cfg.Sheets.ExpirySweepInterval,
	)
	return g.Wait()
}

// Close releases storage connections.
func (a *App) Close() {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}
