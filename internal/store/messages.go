package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
)

type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgxPool is the subset of pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// MessageLog persists the outbound dispatch ledger in Postgres.
type MessageLog struct {
	pool PgxPool
}

func NewMessageLog(pool PgxPool) *MessageLog {
	if pool == nil {
		return nil
	}
	return &MessageLog{pool: pool}
}

func (s *MessageLog) Begin(ctx context.Context) (pgx.Tx, error) {
	return s.pool.Begin(ctx)
}

// OutboundMessage is one row of the dispatch ledger.
type OutboundMessage struct {
	ID                uuid.UUID
	InstanceID        string
	ConversationKey   string
	Body              string
	Transport         string
	ProviderMessageID string
	Source            string
	Humanized         bool
	Status            string
	FailureReason     string
	SendAttempts      int
	LastAttemptAt     *time.Time
	NextRetryAt       *time.Time
	SentAt            time.Time
}

// RecordOutbound satisfies dispatch.Recorder.
func (s *MessageLog) RecordOutbound(ctx context.Context, rec dispatch.OutboundRecord) error {
	if s == nil {
		return nil
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	query := `
		INSERT INTO outbound_messages (
			id, instance_id, conversation_key, body, transport,
			provider_message_id, source, humanized, status, failure_reason, sent_at
		)
		VALUES ($1,$2,$3,$4,NULLIF($5,''),NULLIF($6,''),$7,$8,$9,NULLIF($10,''),$11)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.InstanceID, rec.ConversationKey, rec.Body, rec.Transport,
		rec.ProviderMessageID, rec.Source, rec.Humanized, rec.Status, rec.FailureReason, rec.SentAt,
	)
	if err != nil {
		return fmt.Errorf("store: record outbound: %w", err)
	}
	return nil
}

func (s *MessageLog) UpdateMessageStatus(ctx context.Context, providerMessageID, status string, deliveredAt, failedAt *time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = $2,
			delivered_at = COALESCE($3, delivered_at),
			failed_at = COALESCE($4, failed_at),
			next_retry_at = NULL
		WHERE provider_message_id = $1
	`
	_, err := s.pool.Exec(ctx, query, providerMessageID, status, deliveredAt, failedAt)
	if err != nil {
		return fmt.Errorf("store: update message status: %w", err)
	}
	return nil
}

// UpdateMessageStatusByID updates a row that never got a provider id.
func (s *MessageLog) UpdateMessageStatusByID(ctx context.Context, msgID uuid.UUID, status string, deliveredAt, failedAt *time.Time) error {
	query := `
		UPDATE outbound_messages
		SET status = $2,
			delivered_at = COALESCE($3, delivered_at),
			failed_at = COALESCE($4, failed_at),
			next_retry_at = NULL
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, msgID, status, deliveredAt, failedAt)
	if err != nil {
		return fmt.Errorf("store: update message status by id: %w", err)
	}
	return nil
}

// UpdateMessageProviderID stores the provider message id once the gateway
// acknowledges a retried send.
func (s *MessageLog) UpdateMessageProviderID(ctx context.Context, msgID uuid.UUID, providerMessageID string) error {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return nil
	}
	query := `
		UPDATE outbound_messages
		SET provider_message_id = $2
		WHERE id = $1
	`
	_, err := s.pool.Exec(ctx, query, msgID, providerMessageID)
	if err != nil {
		return fmt.Errorf("store: update provider message id: %w", err)
	}
	return nil
}

func (s *MessageLog) HasProviderMessage(ctx context.Context, providerMessageID string) (bool, error) {
	providerMessageID = strings.TrimSpace(providerMessageID)
	if providerMessageID == "" {
		return false, nil
	}
	query := `
		SELECT 1 FROM outbound_messages
		WHERE provider_message_id = $1
		LIMIT 1
	`
	var exists int
	if err := s.pool.QueryRow(ctx, query, providerMessageID).Scan(&exists); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("store: check provider message: %w", err)
	}
	return true, nil
}

func (s *MessageLog) ScheduleRetry(ctx context.Context, q Querier, id uuid.UUID, status string, nextRetry time.Time) error {
	if q == nil {
		q = s.pool
	}
	query := `
		UPDATE outbound_messages
		SET send_attempts = send_attempts + 1,
			status = $2,
			last_attempt_at = now(),
			next_retry_at = $3
		WHERE id = $1
	`
	if _, err := q.Exec(ctx, query, id, status, nextRetry); err != nil {
		return fmt.Errorf("store: schedule retry: %w", err)
	}
	return nil
}

func (s *MessageLog) ListRetryCandidates(ctx context.Context, limit int, maxAttempts int) ([]OutboundMessage, error) {
	query := `
		SELECT id, instance_id, conversation_key, body,
			COALESCE(transport, ''), COALESCE(provider_message_id, ''),
			source, humanized, status, COALESCE(failure_reason, ''),
			send_attempts, next_retry_at, sent_at
		FROM outbound_messages
		WHERE send_attempts < $1
			AND (next_retry_at IS NULL OR next_retry_at <= now())
			AND status IN ('failed', 'retry_pending')
		ORDER BY next_retry_at NULLS FIRST, sent_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list retry candidates: %w", err)
	}
	defer rows.Close()
	var results []OutboundMessage
	for rows.Next() {
		var rec OutboundMessage
		var nextRetry sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.ConversationKey, &rec.Body,
			&rec.Transport, &rec.ProviderMessageID,
			&rec.Source, &rec.Humanized, &rec.Status, &rec.FailureReason,
			&rec.SendAttempts, &nextRetry, &rec.SentAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan retry candidate: %w", err)
		}
		if nextRetry.Valid {
			value := nextRetry.Time
			rec.NextRetryAt = &value
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// ConversationHistory lists the most recent ledger rows for one conversation,
// newest first.
func (s *MessageLog) ConversationHistory(ctx context.Context, conversationKey string, limit int) ([]OutboundMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, instance_id, conversation_key, body,
			COALESCE(transport, ''), COALESCE(provider_message_id, ''),
			source, humanized, status, COALESCE(failure_reason, ''),
			send_attempts, next_retry_at, sent_at
		FROM outbound_messages
		WHERE conversation_key = $1
		ORDER BY sent_at DESC
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("store: conversation history: %w", err)
	}
	defer rows.Close()
	var results []OutboundMessage
	for rows.Next() {
		var rec OutboundMessage
		var nextRetry sql.NullTime
		if err := rows.Scan(
			&rec.ID, &rec.InstanceID, &rec.ConversationKey, &rec.Body,
			&rec.Transport, &rec.ProviderMessageID,
			&rec.Source, &rec.Humanized, &rec.Status, &rec.FailureReason,
			&rec.SendAttempts, &nextRetry, &rec.SentAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		if nextRetry.Valid {
			value := nextRetry.Time
			rec.NextRetryAt = &value
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}
