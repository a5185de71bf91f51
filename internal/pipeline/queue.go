package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zapdesk/zapdesk-platform/internal/events"
)

type queueClient interface {
	Send(ctx context.Context, body string) error
	Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error)
	Delete(ctx context.Context, receiptHandle string) error
}

type queueMessage struct {
	ID            string
	Body          string
	ReceiptHandle string
}

type jobType string

const jobTypeBatch jobType = "batch.ready"

// BatchJob is the queue payload for one sealed conversation batch.
type BatchJob struct {
	ID              string                `json:"id"`
	Kind            jobType               `json:"kind"`
	InstanceID      string                `json:"instance_id"`
	ConversationKey string                `json:"conversation_key"`
	Events          []events.InboundEvent `json:"events"`
	SealedAt        time.Time             `json:"sealed_at"`
}

func encodeJob(job BatchJob) (BatchJob, string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Kind == "" {
		job.Kind = jobTypeBatch
	}
	if job.SealedAt.IsZero() {
		job.SealedAt = time.Now().UTC()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return BatchJob{}, "", fmt.Errorf("pipeline: encode batch job: %w", err)
	}
	return job, string(body), nil
}
