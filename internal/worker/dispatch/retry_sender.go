package dispatchworker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/store"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

type retryStore interface {
	ListRetryCandidates(ctx context.Context, limit int, maxAttempts int) ([]store.OutboundMessage, error)
	ScheduleRetry(ctx context.Context, q store.Querier, id uuid.UUID, status string, nextRetry time.Time) error
	UpdateMessageStatusByID(ctx context.Context, msgID uuid.UUID, status string, deliveredAt, failedAt *time.Time) error
	UpdateMessageProviderID(ctx context.Context, msgID uuid.UUID, providerMessageID string) error
}

type gatewaySender interface {
	SendText(ctx context.Context, req evoclient.SendTextRequest) (*evoclient.SendTextResponse, error)
}

// RetrySender re-sends failed outbound messages through the gateway REST API
// until max attempts. Retries always take the fallback path: a message only
// lands here after the live dispatch already failed.
type RetrySender struct {
	store       retryStore
	gateway     gatewaySender
	logger      *logging.Logger
	maxAttempts int
	baseDelay   time.Duration
	interval    time.Duration
	batchSize   int
}

func NewRetrySender(store retryStore, gateway gatewaySender, logger *logging.Logger) *RetrySender {
	if logger == nil {
		logger = logging.Default()
	}
	return &RetrySender{
		store:       store,
		gateway:     gateway,
		logger:      logger.Component("retry-sender"),
		maxAttempts: 5,
		baseDelay:   5 * time.Minute,
		interval:    1 * time.Minute,
		batchSize:   25,
	}
}

func (r *RetrySender) WithMaxAttempts(n int) *RetrySender {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *RetrySender) WithBaseDelay(d time.Duration) *RetrySender {
	if d > 0 {
		r.baseDelay = d
	}
	return r
}

func (r *RetrySender) WithInterval(d time.Duration) *RetrySender {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *RetrySender) WithBatchSize(n int) *RetrySender {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

func (r *RetrySender) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.drain(ctx)
		}
	}
}

func (r *RetrySender) drain(ctx context.Context) {
	if r.store == nil || r.gateway == nil {
		return
	}
	msgs, err := r.store.ListRetryCandidates(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		r.logger.Error("retry fetch failed", "error", err)
		return
	}
	for _, m := range msgs {
		key := events.ConversationKey(m.ConversationKey)
		resp, err := r.gateway.SendText(ctx, evoclient.SendTextRequest{
			InstanceID: key.InstanceID(),
			Number:     key.RemoteJID(),
			Text:       m.Body,
			Source:     m.Source,
			Humanized:  m.Humanized,
		})
		if err != nil {
			next := r.nextDelay(m.SendAttempts)
			if err := r.store.ScheduleRetry(ctx, nil, m.ID, "retry_pending", time.Now().Add(next)); err != nil {
				r.logger.Error("schedule retry failed", "error", err, "message_id", m.ID)
			}
			continue
		}
		if err := r.store.UpdateMessageProviderID(ctx, m.ID, resp.MessageID); err != nil {
			r.logger.Error("update provider message id failed", "error", err, "message_id", m.ID)
		}
		status := strings.ToLower(resp.Status)
		if status == "" {
			status = "sent"
		}
		if err := r.store.UpdateMessageStatusByID(ctx, m.ID, status, nil, nil); err != nil {
			r.logger.Error("update message status failed", "error", err, "message_id", m.ID)
		}
	}
}

func (r *RetrySender) nextDelay(attempts int) time.Duration {
	delay := r.baseDelay * time.Duration(1<<attempts)
	if delay > 24*time.Hour {
		delay = 24 * time.Hour
	}
	return delay
}
