package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/tenancy"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// Responder turns a sealed batch into a reply. An empty reply with a nil
// error means the batch needs no response.
type Responder interface {
	Respond(ctx context.Context, job BatchJob) (string, error)
}

type pacedSender interface {
	SendPaced(ctx context.Context, req dispatch.Request) []dispatch.Result
}

const (
	defaultWorkerCount  = 2
	defaultWaitSeconds  = 2
	defaultBatchSize    = 5
	maxWaitSeconds      = 20
	maxReceiveBatchSize = 10
	deleteTimeout       = 5 * time.Second
)

type workerConfig struct {
	workers          int
	receiveWaitSecs  int
	receiveBatchSize int
}

// WorkerOption customizes worker behavior.
type WorkerOption func(*workerConfig)

// WithWorkerCount sets the number of concurrent consumer goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(cfg *workerConfig) {
		if count > 0 {
			cfg.workers = count
		}
	}
}

// WithReceiveWaitSeconds sets the long-poll wait duration.
func WithReceiveWaitSeconds(seconds int) WorkerOption {
	return func(cfg *workerConfig) {
		if seconds < 0 {
			return
		}
		if seconds > maxWaitSeconds {
			seconds = maxWaitSeconds
		}
		cfg.receiveWaitSecs = seconds
	}
}

// WithReceiveBatchSize sets how many messages to fetch per poll.
func WithReceiveBatchSize(size int) WorkerOption {
	return func(cfg *workerConfig) {
		if size <= 0 {
			return
		}
		if size > maxReceiveBatchSize {
			size = maxReceiveBatchSize
		}
		cfg.receiveBatchSize = size
	}
}

// Worker consumes batch jobs from the queue, asks the responder for a reply
// and dispatches the reply through the pacing layer.
type Worker struct {
	queue     queueClient
	responder Responder
	sender    pacedSender
	logger    *logging.Logger

	cfg workerConfig
	wg  sync.WaitGroup
}

func NewWorker(queue queueClient, responder Responder, sender pacedSender, logger *logging.Logger, opts ...WorkerOption) *Worker {
	if queue == nil {
		panic("pipeline: queue cannot be nil")
	}
	if responder == nil {
		panic("pipeline: responder cannot be nil")
	}
	if sender == nil {
		panic("pipeline: sender cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}

	cfg := workerConfig{
		workers:          defaultWorkerCount,
		receiveWaitSecs:  defaultWaitSeconds,
		receiveBatchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Worker{
		queue:     queue,
		responder: responder,
		sender:    sender,
		logger:    logger.Component("pipeline-worker"),
		cfg:       cfg,
	}
}

func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.workers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i+1)
	}
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()
	w.logger.Debug("batch worker started", "worker_id", workerID)

	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			w.logger.Debug("batch worker stopping", "worker_id", workerID)
			return
		default:
		}

		messages, err := w.queue.Receive(ctx, w.cfg.receiveBatchSize, w.cfg.receiveWaitSecs)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error("failed to receive batch jobs", "error", err, "worker_id", workerID)
			time.Sleep(backoff)
			if backoff < 5*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, msg := range messages {
			w.handleMessage(ctx, msg)
		}
	}
}

func (w *Worker) handleMessage(ctx context.Context, msg queueMessage) {
	var job BatchJob
	if err := json.Unmarshal([]byte(msg.Body), &job); err != nil {
		w.logger.Error("failed to decode batch job", "error", err, "msg_id", msg.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}
	if job.Kind != jobTypeBatch {
		w.logger.Warn("skipping unknown job kind", "kind", job.Kind, "job_id", job.ID)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	key := events.ConversationKey(job.ConversationKey)
	ctx = tenancy.WithInstanceID(ctx, job.InstanceID)

	reply, err := w.responder.Respond(ctx, job)
	if err != nil {
		// Leave the message for redelivery; the responder may be
		// transiently unavailable.
		w.logger.Error("responder failed",
			"job_id", job.ID,
			"conversation", key,
			"error", err,
		)
		return
	}
	if strings.TrimSpace(reply) == "" {
		w.logger.Debug("batch needs no reply", "job_id", job.ID, "conversation", key)
		w.deleteMessage(context.Background(), msg.ReceiptHandle)
		return
	}

	results := w.sender.SendPaced(ctx, dispatch.Request{
		InstanceID: job.InstanceID,
		Key:        key,
		Text:       reply,
		Source:     dispatch.SourceAutomated,
		Humanized:  true,
	})
	for _, res := range results {
		if !res.Success {
			w.logger.Error("paced dispatch failed",
				"job_id", job.ID,
				"conversation", key,
				"reason", res.Reason,
				"detail", res.Detail,
			)
			break
		}
	}

	w.deleteMessage(context.Background(), msg.ReceiptHandle)
}

func (w *Worker) deleteMessage(ctx context.Context, receiptHandle string) {
	if receiptHandle == "" {
		return
	}

	deleteCtx, cancel := context.WithTimeout(ctx, deleteTimeout)
	defer cancel()

	if err := w.queue.Delete(deleteCtx, receiptHandle); err != nil {
		w.logger.Error("failed to delete batch job", "error", err)
	}
}
