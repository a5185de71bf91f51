package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// Publisher enqueues sealed conversation batches for asynchronous processing.
type Publisher struct {
	queue   queueClient
	logger  *logging.Logger
	timeout time.Duration
}

func NewPublisher(queue queueClient, logger *logging.Logger) *Publisher {
	if queue == nil {
		panic("pipeline: queue cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		queue:   queue,
		logger:  logger.Component("pipeline"),
		timeout: 10 * time.Second,
	}
}

// PublishBatch enqueues one sealed batch.
func (p *Publisher) PublishBatch(ctx context.Context, key events.ConversationKey, batch []events.InboundEvent) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if len(batch) == 0 {
		return nil
	}

	job, body, err := encodeJob(BatchJob{
		InstanceID:      key.InstanceID(),
		ConversationKey: string(key),
		Events:          batch,
	})
	if err != nil {
		return err
	}

	if err := p.queue.Send(ctx, body); err != nil {
		return fmt.Errorf("pipeline: enqueue batch: %w", err)
	}

	p.logger.Debug("batch enqueued",
		"job_id", job.ID,
		"conversation", key,
		"events", len(batch),
	)
	return nil
}

// HandleBatch adapts PublishBatch to the batch scheduler's callback shape.
// Enqueue failures are logged; the scheduler has already sealed the batch and
// retrying there would reorder conversations.
func (p *Publisher) HandleBatch(key events.ConversationKey, batch []events.InboundEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.PublishBatch(ctx, key, batch); err != nil {
		p.logger.Error("batch publish failed",
			"conversation", key,
			"events", len(batch),
			"error", err,
		)
	}
}
