// Package control wires the application together and manages its lifecycle.
package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/openbtcpay/paywatch/internal/core/config"
	"github.com/openbtcpay/paywatch/internal/core/domain"
	"github.com/openbtcpay/paywatch/internal/core/events"
	"github.com/openbtcpay/paywatch/internal/explorer"
	"github.com/openbtcpay/paywatch/internal/health"
	redisclient "github.com/openbtcpay/paywatch/internal/infra/redis"
	"github.com/openbtcpay/paywatch/internal/infra/storage"
	"github.com/openbtcpay/paywatch/internal/infra/storage/memory"
	"github.com/openbtcpay/paywatch/internal/infra/storage/postgres"
	"github.com/openbtcpay/paywatch/internal/listener"
	"github.com/openbtcpay/paywatch/internal/payjoin"
	"github.com/openbtcpay/paywatch/internal/watch"
)

// Watcher is the main application struct that manages the engine lifecycle.
type Watcher struct {
	cfg           *config.AppConfig
	listeners     map[domain.CryptoCode]*listener.Listener
	pollIntervals map[domain.CryptoCode]time.Duration
	bus           *events.Bus
	locker        payjoin.OutpointLocker
	healthServer  *health.Server
	db            *postgres.DB
	redisClient   *redisclient.Client
	log           *slog.Logger
}

// NewWatcher creates a new Watcher instance with all dependencies initialized.
func NewWatcher(ctx context.Context, cfg *config.AppConfig, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}

	// 1. Initialize storage
	var (
		invoiceRepo storage.InvoiceRepository
		paymentRepo storage.PaymentRepository
		db          *postgres.DB
		pinger      health.Pinger
	)

	if cfg.Database.URL != "" {
		var err error
		db, err = postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}

		// Goose needs the raw *sql.DB that sqlx wraps. Migrations live in
		// "migrations" relative to CWD.
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}

		invoiceRepo = postgres.NewInvoiceRepo(db)
		paymentRepo = postgres.NewPaymentRepo(db)
		pinger = db
		log.Info("using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		invoiceRepo = memory.NewInvoiceRepo(store)
		paymentRepo = memory.NewPaymentRepo(store)
		log.Info("using memory storage")
	}

	// 2. Initialize the payjoin lock store
	var (
		locker      payjoin.OutpointLocker
		redisClient *redisclient.Client
	)
	switch cfg.Payjoin.LockStore {
	case "redis":
		var err error
		redisClient, err = redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to init redis lock store: %w", err)
		}
		locker = redisclient.NewLockRepo(redisClient)
		log.Info("payjoin locks on redis")
	case "postgres":
		if db == nil {
			return nil, fmt.Errorf("postgres lock store requires database.url")
		}
		locker = postgres.NewLockRepo(db)
		log.Info("payjoin locks on postgres")
	case "memory", "":
		locker = payjoin.NewMemoryLocker()
		log.Info("payjoin locks in memory")
	default:
		return nil, fmt.Errorf("unknown payjoin lock store %q", cfg.Payjoin.LockStore)
	}

	// 3. Shared components
	bus := events.NewBus(log)
	index := watch.NewIndex(invoiceRepo)
	registry := explorer.NewSessionRegistry()

	// 4. One listener per configured network
	listeners := make(map[domain.CryptoCode]*listener.Listener, len(cfg.Networks))
	pollIntervals := make(map[domain.CryptoCode]time.Duration, len(cfg.Networks))
	for _, netCfg := range cfg.Networks {
		if _, dup := listeners[netCfg.CryptoCode]; dup {
			return nil, fmt.Errorf("duplicate network %s", netCfg.CryptoCode)
		}

		client := explorer.NewHTTPClient(netCfg.CryptoCode, netCfg.ExplorerURL, 10*time.Second)
		l := listener.New(
			listener.Config{
				Network:                 netCfg.Network(),
				ReconnectDelay:          netCfg.ReconnectDelay,
				UnlockOnUnbroadcastable: cfg.Payjoin.UnlockUnbroadcastable(),
			},
			client,
			registry,
			invoiceRepo,
			paymentRepo,
			index,
			locker,
			bus,
			log,
		)
		listeners[netCfg.CryptoCode] = l
		pollIntervals[netCfg.CryptoCode] = netCfg.PollInterval
	}

	// 5. Health monitor and server
	healthMon := health.NewMonitor(listeners, invoiceRepo, pinger)
	healthServer := health.NewServer(healthMon, cfg.Server.Port)

	return &Watcher{
		cfg:           cfg,
		listeners:     listeners,
		pollIntervals: pollIntervals,
		bus:           bus,
		locker:        locker,
		healthServer:  healthServer,
		db:            db,
		redisClient:   redisClient,
		log:           log,
	}, nil
}

// Bus exposes the event bus so embedding services can subscribe to payment
// and block events.
func (w *Watcher) Bus() *events.Bus {
	return w.bus
}

// Locker exposes the payjoin lock coordinator for the negotiation endpoint.
func (w *Watcher) Locker() payjoin.OutpointLocker {
	return w.locker
}

// Listener returns the listener for one crypto code, or nil.
func (w *Watcher) Listener(code domain.CryptoCode) *listener.Listener {
	return w.listeners[code]
}

// Start starts the watcher and all its components.
func (w *Watcher) Start(ctx context.Context) error {
	go func() {
		if err := w.healthServer.Start(); err != nil {
			w.log.Error("health server failed", "error", err)
		}
	}()

	if w.db != nil {
		w.db.StartMetricsCollector(ctx)
	}

	for code, l := range w.listeners {
		w.log.Info("starting listener", "crypto", code)
		go func(code domain.CryptoCode, l *listener.Listener) {
			if err := l.Run(ctx); err != nil {
				w.log.Error("listener stopped", "crypto", code, "error", err)
			}
		}(code, l)

		if interval := w.pollIntervals[code]; interval > 0 {
			go l.PollLoop(ctx, interval)
		}
	}

	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop(ctx context.Context) error {
	w.log.Info("stopping watcher")

	if w.redisClient != nil {
		if err := w.redisClient.Close(); err != nil {
			w.log.Warn("failed to close redis", "error", err)
		}
	}
	if w.db != nil {
		if err := w.db.Close(); err != nil {
			w.log.Warn("failed to close database", "error", err)
		}
	}

	return w.healthServer.Stop(ctx)
}
