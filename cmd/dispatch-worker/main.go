package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/zapdesk/zapdesk-platform/cmd/mainconfig"
	appconfig "github.com/zapdesk/zapdesk-platform/internal/config"
	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/pipeline"
	"github.com/zapdesk/zapdesk-platform/internal/store"
	dispatchworker "github.com/zapdesk/zapdesk-platform/internal/worker/dispatch"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// The dispatch worker consumes sealed batch jobs from SQS and drives the
// outbound retry loop. It sends over the gateway REST API only; the socket
// lives in the gateway process.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := appconfig.Load()
	logger := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" || cfg.GatewayAPIKey == "" {
		logger.Error("dispatch worker requires DATABASE_URL and GATEWAY_API_KEY")
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

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

	messageLog := store.NewMessageLog(pool)

	retry := dispatchworker.NewRetrySender(messageLog, gatewayClient, logger).
		WithMaxAttempts(cfg.RetryMaxAttempts).
		WithBaseDelay(cfg.RetryBaseDelay).
		WithInterval(cfg.RetryInterval)
	go retry.Run(ctx)

	resolver := dispatch.NewStaticResolver(cfg.InstanceMap)
	if cfg.GatewayInstanceID != "" {
		resolver.Set(cfg.GatewayInstanceID, cfg.GatewayInstanceID)
	}
	dispatcher := dispatch.NewService(dispatch.ServiceConfig{
		Resolver: resolver,
		Fallback: gatewayClient,
		Recorder: messageLog,
		Logger:   logger,
	})
	pacer := dispatch.NewPacer(dispatcher, nil, dispatch.PacerConfig{
		MaxChunkLen:    cfg.PaceMaxChunkLen,
		TypingPerChar:  cfg.PaceTypingPerChar,
		MinTypingDelay: cfg.PaceMinTypingDelay,
		MaxTypingDelay: cfg.PaceMaxTypingDelay,
		InterMessage:   cfg.PaceInterMessage,
	}, logger)

	awsCfg, err := mainconfig.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}
	queue := pipeline.NewSQSQueue(sqs.NewFromConfig(awsCfg), cfg.BatchQueueURL)

	worker := pipeline.NewWorker(queue, pipeline.NewStubResponder(), pacer, logger,
		pipeline.WithWorkerCount(cfg.WorkerCount),
	)
	worker.Start(ctx)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down dispatch worker...")
	cancel()

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer doneCancel()

	waitCh := make(chan struct{})
	go func() {
		worker.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		logger.Info("dispatch worker stopped")
	case <-doneCtx.Done():
		logger.Error("dispatch worker shutdown timed out", "error", doneCtx.Err())
	}
}
