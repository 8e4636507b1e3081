package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/valkey-io/valkey-go"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"dm-service/internal/cache"
	"dm-service/internal/config"
	"dm-service/internal/db"
	"dm-service/internal/feed"
	grpcclient "dm-service/internal/grpc"
	"dm-service/internal/handlers"
	"dm-service/internal/inbox"
	"dm-service/internal/logger"
	"dm-service/internal/messaging"
	"dm-service/internal/middleware"
	"dm-service/internal/observability"
	"dm-service/internal/rabbitmq"
	"dm-service/internal/ratelimit"
	"dm-service/internal/repositories"
	"dm-service/internal/storage/memory"
	"dm-service/internal/telemetry"
	"dm-service/internal/ws"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Log, cfg.Telemetry.ServiceName)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("service stopped")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.AuditExchange, log)
	defer auditPublisher.Close()
	observability.SetPublisher(auditPublisher)
	log.Info().Str("mode", rabbitmq.PublisherMode(auditPublisher)).Msg("audit publisher ready")
	audit := telemetry.NewAuditEmitter(auditPublisher, cfg.AMQP.AuditRoutingKey, cfg.Telemetry.ServiceName, cfg.Server.Environment, log)

	broker, closeBroker, err := newBroker(cfg, log)
	if err != nil {
		return err
	}
	defer closeBroker()

	conversations, messages, closeStore, err := newStore(ctx, cfg, broker, log)
	if err != nil {
		return err
	}
	defer closeStore()

	cacheBackend, bucketStore, closeValkey, err := newSharedState(cfg)
	if err != nil {
		return err
	}
	defer closeValkey()

	var remote ratelimit.RemoteChecker
	if cfg.RateLimit.RemoteAddr != "" {
		conn, err := grpcclient.Dial(cfg.RateLimit.RemoteAddr)
		if err != nil {
			return fmt.Errorf("dial remote rate limiter: %w", err)
		}
		defer conn.Close()
		remote = grpcclient.NewRateLimitClient(conn, 2*time.Second)
	}
	limiter := ratelimit.New(bucketStore, log, ratelimit.Options{Remote: remote})
	sweeper, err := ratelimit.NewSweeper(limiter, cfg.RateLimit.SweepInterval, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer sweeper.Stop()

	responseCache := cache.New(cacheBackend, cfg.Cache.TTL, log)
	aggregator := inbox.NewAggregator(conversations, messages, responseCache, log, inbox.Options{
		Concurrency: cfg.Messaging.EnrichmentConcurrency,
	})
	channel := messaging.NewChannel(conversations, messages, responseCache, log, messaging.Options{
		TTL:         cfg.Messaging.TTL,
		SendRetries: cfg.Messaging.SendRetries,
		RetryDelay:  cfg.Messaging.SendRetryDelay,
	})

	verifier := middleware.NewTokenVerifier(cfg.Auth.JWTSecret)
	hub := ws.NewHub()
	syncHandler := ws.NewSyncHandler(hub, verifier, broker, aggregator, channel, log)

	router, err := handlers.NewRouter(handlers.RouterDeps{
		Conversations:  handlers.NewConversationHandler(aggregator, channel),
		Messages:       handlers.NewMessageHandler(channel, audit),
		RateLimits:     handlers.NewRateLimitHandler(limiter),
		Sync:           syncHandler.Handle,
		Verifier:       verifier,
		Gate:           limiter,
		Audit:          audit,
		DebugRoutes:    cfg.Server.DebugRoutes,
		TrustedProxies: cfg.Server.TrustedProxies,
		Middleware: []gin.HandlerFunc{
			otelgin.Middleware(cfg.Telemetry.ServiceName),
			observability.HTTPMetricsMiddleware(),
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newBroker(cfg *config.Config, log zerolog.Logger) (feed.Broker, func(), error) {
	if cfg.AMQP.URL == "" {
		log.Info().Msg("change feed using in-process broker")
		return feed.NewMemoryBroker(log), func() {}, nil
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.ChangeExchange, log)
	if rabbitmq.PublisherMode(publisher) == "noop" {
		return nil, nil, fmt.Errorf("change feed exchange unavailable: %s", rabbitmq.PublisherNoopReason(publisher))
	}
	broker, err := feed.NewAMQPBroker(cfg.AMQP.URL, cfg.AMQP.ChangeExchange, publisher, log)
	if err != nil {
		_ = publisher.Close()
		return nil, nil, err
	}
	return broker, func() {
		_ = broker.Close()
		_ = publisher.Close()
	}, nil
}

func newStore(ctx context.Context, cfg *config.Config, broker feed.Publisher, log zerolog.Logger) (repositories.ConversationRepository, repositories.MessageRepository, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("using in-memory conversation store")
		store := memory.New(memory.Options{Feed: broker, Logger: log})
		return store, store, func() {}, nil
	case "postgres":
		database, err := db.Connect(ctx, cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, nil, err
		}
		relay := feed.NewRelay(cfg.Store.DSN, db.ChangeChannel, broker, log)
		go func() {
			if err := relay.Run(ctx); err != nil {
				log.Error().Err(err).Msg("change feed relay stopped")
			}
		}()
		return repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), func() { _ = database.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func newSharedState(cfg *config.Config) (cache.Backend, ratelimit.BucketStore, func(), error) {
	if cfg.Valkey.Addr == "" {
		return cache.NewMemoryBackend(time.Now), ratelimit.NewMemoryStore(), func() {}, nil
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{cfg.Valkey.Addr}})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect valkey: %w", err)
	}
	return cache.NewValkeyBackend(client), ratelimit.NewValkeyStore(client), client.Close, nil
}
