package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/samhotchkiss/threadmask/internal/api"
	"github.com/samhotchkiss/threadmask/internal/assignment"
	"github.com/samhotchkiss/threadmask/internal/automigrate"
	"github.com/samhotchkiss/threadmask/internal/classify"
	"github.com/samhotchkiss/threadmask/internal/config"
	"github.com/samhotchkiss/threadmask/internal/events"
	"github.com/samhotchkiss/threadmask/internal/logger"
	"github.com/samhotchkiss/threadmask/internal/messaging"
	"github.com/samhotchkiss/threadmask/internal/middleware"
	"github.com/samhotchkiss/threadmask/internal/numbers"
	"github.com/samhotchkiss/threadmask/internal/policy"
	"github.com/samhotchkiss/threadmask/internal/provider"
	"github.com/samhotchkiss/threadmask/internal/routing"
	"github.com/samhotchkiss/threadmask/internal/scheduler"
	"github.com/samhotchkiss/threadmask/internal/sendgate"
	"github.com/samhotchkiss/threadmask/internal/store"
	"github.com/samhotchkiss/threadmask/internal/webhook"
	"github.com/samhotchkiss/threadmask/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log *logger.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.AutoMigrate {
		if err := automigrate.Run(cfg.DatabaseURL, cfg.MigrationsDir, log); err != nil {
			return err
		}
	}

	sms, err := newProvider(cfg)
	if err != nil {
		return err
	}

	hub := ws.NewHub()
	publisher, rdb, bus, err := newPublisher(ctx, cfg, hub, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Warn("event publisher close failed", "error", err)
		}
		if rdb != nil {
			_ = rdb.Close()
		}
	}()

	service := newService(db, cfg, sms, publisher, log)
	auth := middleware.NewAuth(cfg.JWTSigningSecret, cfg.HeaderAuth)

	guard := webhook.NewMiddleware(sms, cfg.Provider.WebhookURL, cfg.Provider.SignatureReqd).WithLogger(log)
	if rdb != nil {
		guard = guard.WithReplayGuard(webhook.NewRedisNonceStore(rdb, webhook.NonceExpiry))
	} else {
		guard = guard.WithReplayGuard(webhook.NewNonceStore(webhook.NonceExpiry))
	}

	router := api.NewRouter(api.RouterDeps{
		Service:      service,
		Auth:         auth,
		Webhook:      webhook.NewHandler(service, log),
		WebhookGuard: guard,
		WebSocket: &ws.Handler{
			Hub:            hub,
			Auth:           auth,
			AllowedOrigins: cfg.AllowedOrigins,
			Log:            log,
		},
		DB:             db,
		AllowedOrigins: cfg.AllowedOrigins,
		Log:            log,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		hub.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		log.Info("threadmask listening", "port", cfg.Port, "environment", cfg.Environment, "provider", cfg.Provider.Kind)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if bus != nil {
		group.Go(func() error {
			return bus.StartForwarder(groupCtx, hub.Deliver)
		})
	}
	if cfg.RetryWorker.Enabled {
		worker, err := newRetryWorker(cfg, service, log)
		if err != nil {
			return err
		}
		group.Go(func() error {
			worker.Start(groupCtx)
			return nil
		})
	}

	return group.Wait()
}

func newProvider(cfg config.Config) (provider.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderTwilio:
		opts := []provider.Option{
			provider.WithTimeout(cfg.Provider.SendTimeout),
			provider.WithBaseURL(cfg.Provider.APIBaseURL),
		}
		if cfg.Provider.WebhookURL != "" {
			opts = append(opts, provider.WithStatusCallback(statusCallbackURL(cfg.Provider.WebhookURL)))
		}
		return provider.NewTwilioClient(cfg.Provider.AccountSID, cfg.Provider.AuthToken, opts...)
	default:
		return provider.NewMock(cfg.Provider.AuthToken), nil
	}
}

// statusCallbackURL derives the delivery callback from the public base URL.
func statusCallbackURL(publicURL string) string {
	return strings.TrimRight(publicURL, "/") + "/api/webhooks/provider/status"
}

// newPublisher fans events out to the websocket hub and, when configured, to
// AMQP and Redis. With Redis the hub is fed by the forwarder instead of
// directly, so every instance sees every event once.
func newPublisher(ctx context.Context, cfg config.Config, hub *ws.Hub, log *logger.Logger) (events.Publisher, *redis.Client, *events.RedisBus, error) {
	var (
		publishers events.Multi
		rdb        *redis.Client
		bus        *events.RedisBus
	)

	if cfg.RedisURL != "" {
		client, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		rdb = client
		bus = events.NewRedisBus(rdb, events.DefaultRedisChannel, log)
		publishers = append(publishers, bus)
	} else {
		publishers = append(publishers, hub)
	}

	if cfg.AMQPURL != "" {
		amqpPublisher, err := events.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			if rdb != nil {
				_ = rdb.Close()
			}
			return nil, nil, nil, err
		}
		publishers = append(publishers, amqpPublisher)
	}

	return publishers, rdb, bus, nil
}

func newService(db *sql.DB, cfg config.Config, sms provider.Provider, publisher events.Publisher, log *logger.Logger) *messaging.Service {
	threads := store.NewThreadStore(db)
	messages := store.NewMessageStore(db)
	windowStore := store.NewWindowStore(db)
	numberStore := store.NewNumberStore(db)
	bookings := store.NewBookingStore(db)
	audit := store.NewAuditStore(db)

	serviceCfg := messaging.DefaultConfig()
	serviceCfg.MaxAttempts = cfg.RetryWorker.MaxAttempts
	serviceCfg.PoolMismatchReply = cfg.PoolMismatchReply
	serviceCfg.BookingLink = cfg.BookingLink

	return messaging.NewService(messaging.Deps{
		Threads:    threads,
		Messages:   messages,
		Numbers:    numberStore,
		Bookings:   bookings,
		Windows:    assignment.NewManager(windowStore, audit, log),
		Router:     routing.NewResolver(windowStore),
		Gate:       sendgate.New(windowStore),
		Assigner:   numbers.NewAssigner(numberStore, threads, audit, log),
		Policy:     policy.NewEngine(),
		Classifier: classify.NewStoreClassifier(bookings),
		Provider:   sms,
		Audit:      audit,
		Events:     publisher,
		Log:        log,
	}, serviceCfg)
}

func newRetryWorker(cfg config.Config, service *messaging.Service, log *logger.Logger) (*scheduler.RetryWorker, error) {
	schedule, err := scheduler.ParseSchedule(cfg.RetryWorker.Schedule, "UTC")
	if err != nil {
		return nil, fmt.Errorf("invalid RETRY_WORKER_SCHEDULE: %w", err)
	}
	worker := scheduler.NewRetryWorker(service, scheduler.RetryWorkerConfig{Schedule: schedule})
	worker.Logf = log.Logf
	return worker, nil
}
