package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultVisibility = 30 * time.Second

// MemoryQueue is a queueClient backed by an in-memory buffered channel,
// used for single-process deployments and tests. Received messages stay in
// flight until deleted; unacknowledged ones are redelivered after the
// visibility window, mirroring SQS semantics.
type MemoryQueue struct {
	ch         chan queueMessage
	visibility time.Duration

	mu       sync.Mutex
	inflight map[string]queueMessage
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 128
	}
	return &MemoryQueue{
		ch:         make(chan queueMessage, buffer),
		visibility: defaultVisibility,
		inflight:   make(map[string]queueMessage),
	}
}

// Send enqueues a payload or blocks until ctx is done.
func (q *MemoryQueue) Send(ctx context.Context, body string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	msg := queueMessage{
		ID:            uuid.NewString(),
		Body:          body,
		ReceiptHandle: uuid.NewString(),
	}

	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a message is available, ctx is done, or waitSeconds
// elapses.
func (q *MemoryQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]queueMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxMessages <= 0 {
		maxMessages = 1
	}

	var timer *time.Timer
	if waitSeconds > 0 {
		timer = time.NewTimer(time.Duration(waitSeconds) * time.Second)
		defer timer.Stop()
	}

	if timer == nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-q.ch:
			return q.lease(q.collect(ctx, msg, maxMessages)), nil
		}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case msg := <-q.ch:
		return q.lease(q.collect(ctx, msg, maxMessages)), nil
	}
}

// Delete acknowledges a message so it is never redelivered.
func (q *MemoryQueue) Delete(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	delete(q.inflight, receiptHandle)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) collect(ctx context.Context, first queueMessage, max int) []queueMessage {
	messages := make([]queueMessage, 0, max)
	messages = append(messages, first)

	for len(messages) < max {
		select {
		case <-ctx.Done():
			return messages
		case msg := <-q.ch:
			messages = append(messages, msg)
		default:
			return messages
		}
	}
	return messages
}

// lease marks messages in flight and arms their redelivery timers.
func (q *MemoryQueue) lease(messages []queueMessage) []queueMessage {
	q.mu.Lock()
	for _, msg := range messages {
		q.inflight[msg.ReceiptHandle] = msg
	}
	q.mu.Unlock()
	for _, msg := range messages {
		handle := msg.ReceiptHandle
		time.AfterFunc(q.visibility, func() { q.redeliver(handle) })
	}
	return messages
}

// redeliver returns a still-unacknowledged message to the channel.
func (q *MemoryQueue) redeliver(receiptHandle string) {
	q.mu.Lock()
	msg, ok := q.inflight[receiptHandle]
	if ok {
		delete(q.inflight, receiptHandle)
	}
	q.mu.Unlock()
	if !ok {
		return
	}
	select {
	case q.ch <- msg:
	default:
		// Buffer full; keep it in flight for the next window.
		q.lease([]queueMessage{msg})
	}
}
