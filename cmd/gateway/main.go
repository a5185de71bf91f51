package main

import (
	"context"
	"crypto/tls"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/zapdesk/zapdesk-platform/cmd/mainconfig"
	"github.com/zapdesk/zapdesk-platform/internal/api/router"
	"github.com/zapdesk/zapdesk-platform/internal/batching"
	appconfig "github.com/zapdesk/zapdesk-platform/internal/config"
	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/http/handlers"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/observability/metrics"
	"github.com/zapdesk/zapdesk-platform/internal/pipeline"
	"github.com/zapdesk/zapdesk-platform/internal/store"
	"github.com/zapdesk/zapdesk-platform/internal/token"
	"github.com/zapdesk/zapdesk-platform/internal/transport"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

func main() {
	// Load .env file if present
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger.Info("starting zapdesk gateway",
		"env", cfg.Env,
		"port", cfg.Port,
	)

	if cfg.GatewayBaseURL == "" || cfg.GatewayAPIKey == "" {
		logger.Error("gateway requires GATEWAY_BASE_URL and GATEWAY_API_KEY")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	pipelineMetrics := metrics.NewPipelineMetrics(reg)

	gatewayClient, err := evoclient.New(evoclient.Config{
		BaseURL:       cfg.GatewayBaseURL,
		APIKey:        cfg.GatewayAPIKey,
		WebhookSecret: cfg.GatewayWebhookSecret,
		Timeout:       10 * time.Second,
		Logger:        logger.Logger,
	})
	if err != nil {
		logger.Error("failed to create gateway client", "error", err)
		os.Exit(1)
	}

	redisClient := buildRedis(ctx, cfg, logger)
	tokens := token.NewProvider(gatewayClient, token.NewStore(redisClient), logger).
		WithSlack(cfg.CredentialSlack)

	// Events can arrive on both the socket and the webhook; drop repeats.
	var dedupe transport.Deduper = transport.NewMemoryDeduper(2048)
	if redisClient != nil {
		dedupe = transport.NewRedisDeduper(redisClient, 24*time.Hour)
	}

	var messageLog *store.MessageLog
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect postgres", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		messageLog = store.NewMessageLog(pool)
	} else {
		logger.Warn("DATABASE_URL not set; outbound ledger disabled")
	}

	// Batch jobs flow through SQS in production and an in-process queue in
	// local development, where this binary also consumes them itself.
	var (
		publisher *pipeline.Publisher
		memQueue  *pipeline.MemoryQueue
	)
	if cfg.UseMemoryQueue {
		memQueue = pipeline.NewMemoryQueue(64)
		publisher = pipeline.NewPublisher(memQueue, logger)
	} else {
		awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
		if err != nil {
			logger.Error("failed to load AWS config", "error", err)
			os.Exit(1)
		}
		publisher = pipeline.NewPublisher(pipeline.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.BatchQueueURL), logger)
	}

	scheduler := batching.NewScheduler(batching.SchedulerConfig{
		Policy: batching.Policy{
			TextWait:      cfg.BatchTextWait,
			MediaWait:     cfg.BatchMediaWait,
			MixedWait:     cfg.BatchMixedWait,
			FutureRefWait: cfg.BatchFutureRefWait,
			QuickWindow:   cfg.BatchQuickWindow,
			ExtendedWait:  cfg.BatchExtendedWait,
			MaxBatchSize:  cfg.BatchMaxSize,
		},
		SweepInterval: cfg.BatchSweepInterval,
		Retention:     cfg.BatchRetention,
		Logger:        logger,
		Metrics:       pipelineMetrics,
	}, publisher.HandleBatch)
	go scheduler.Run(ctx)

	var manager *transport.Manager
	if cfg.GatewayInstanceID != "" && cfg.GatewaySocketURL != "" {
		manager = transport.NewManager(transport.ManagerConfig{
			InstanceID:           cfg.GatewayInstanceID,
			SocketURL:            cfg.GatewaySocketURL,
			HandshakeTimeout:     cfg.HandshakeTimeout,
			HeartbeatInterval:    cfg.HeartbeatInterval,
			ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
			ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
			ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
			Breaker:              transport.NewCircuitBreaker(cfg.BreakerFailureThreshold, cfg.BreakerCooldown, cfg.BreakerRegisteredCooldown),
			Deduper:              dedupe,
			Logger:               logger,
			Metrics:              pipelineMetrics,
		}, tokens, gatewayClient)
		manager.SetHandlers(transport.Handlers{
			OnEvent: func(evt events.InboundEvent) {
				scheduler.AddEvent(evt.Key, evt)
			},
			OnConnectionUpdate: func(u events.ConnectionUpdate) {
				logger.Info("transport state changed",
					"instance_id", u.InstanceID,
					"state", u.State,
					"reason", u.Reason,
				)
			},
			OnCredentialError: func(instanceID string, _ events.InboundEvent) {
				// The manager already invalidated the cached credential.
				logger.Warn("gateway rejected credential", "instance_id", instanceID)
			},
		})
		go manager.Connect(ctx)
	} else {
		logger.Warn("GATEWAY_INSTANCE_ID or GATEWAY_SOCKET_URL not set; real-time transport disabled")
	}

	resolver := dispatch.NewStaticResolver(cfg.InstanceMap)
	if cfg.GatewayInstanceID != "" {
		resolver.Set(cfg.GatewayInstanceID, cfg.GatewayInstanceID)
	}

	dispatchCfg := dispatch.ServiceConfig{
		Resolver: resolver,
		Tokens:   tokens,
		Fallback: gatewayClient,
		Logger:   logger,
		Metrics:  pipelineMetrics,
	}
	if manager != nil {
		dispatchCfg.Transport = manager
	}
	if messageLog != nil {
		dispatchCfg.Recorder = messageLog
	}
	dispatcher := dispatch.NewService(dispatchCfg)

	pacerCfg := dispatch.PacerConfig{
		MaxChunkLen:    cfg.PaceMaxChunkLen,
		TypingPerChar:  cfg.PaceTypingPerChar,
		MinTypingDelay: cfg.PaceMinTypingDelay,
		MaxTypingDelay: cfg.PaceMaxTypingDelay,
		InterMessage:   cfg.PaceInterMessage,
	}
	var pacer *dispatch.Pacer
	if manager != nil {
		pacer = dispatch.NewPacer(dispatcher, manager, pacerCfg, logger)
	} else {
		pacer = dispatch.NewPacer(dispatcher, nil, pacerCfg, logger)
	}
	pacer.WithMetrics(pipelineMetrics)

	var worker *pipeline.Worker
	if memQueue != nil {
		worker = pipeline.NewWorker(memQueue, pipeline.NewStubResponder(), pacer, logger,
			pipeline.WithWorkerCount(cfg.WorkerCount),
		)
		worker.Start(ctx)
	}

	webhookCfg := handlers.GatewayWebhookConfig{Logger: logger}
	if cfg.GatewayWebhookSecret != "" {
		webhookCfg.Verifier = gatewayClient
	}
	if manager != nil {
		webhookCfg.Ingestor = manager
	}
	webhookHandler := handlers.NewGatewayWebhookHandler(webhookCfg)

	consoleCfg := handlers.AdminConsoleConfig{
		Batches:  scheduler,
		Dispatch: dispatcher,
		Logger:   logger,
	}
	if manager != nil {
		consoleCfg.Transport = manager
	}
	if messageLog != nil {
		consoleCfg.Ledger = messageLog
	}
	consoleHandler := handlers.NewAdminConsoleHandler(consoleCfg)

	r := router.New(&router.Config{
		Logger:          logger,
		GatewayWebhooks: webhookHandler,
		AdminConsole:    consoleHandler,
		MetricsHandler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		AdminAuthSecret: cfg.AdminToken,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down gateway...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	if manager != nil {
		manager.Disconnect()
	}
	cancel()

	if worker != nil {
		waitCh := make(chan struct{})
		go func() {
			worker.Wait()
			close(waitCh)
		}()
		select {
		case <-waitCh:
		case <-shutdownCtx.Done():
			logger.Error("worker shutdown timed out", "error", shutdownCtx.Err())
		}
	}

	logger.Info("gateway stopped")
}

// buildRedis connects the credential cache; returns nil when Redis is not
// configured or unreachable, which the token store tolerates.
func buildRedis(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) *redis.Client {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil
	}
	opts := &redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis not available, credential cache disabled", "error", err)
		return nil
	}
	return client
}
