package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
)

func TestRecordOutbound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}
	id := uuid.New()
	sentAt := time.Now().UTC()
	mock.ExpectExec("INSERT INTO outbound_messages").
		WithArgs(id, "clinic-a", "inst-a:5511999@s.whatsapp.net", "oi", "fallback", "msg_1", "automated", true, "sent", "", sentAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := log.RecordOutbound(context.Background(), dispatch.OutboundRecord{
		ID:                id,
		InstanceID:        "clinic-a",
		ConversationKey:   "inst-a:5511999@s.whatsapp.net",
		Body:              "oi",
		Transport:         "fallback",
		ProviderMessageID: "msg_1",
		Source:            "automated",
		Humanized:         true,
		Status:            "sent",
		SentAt:            sentAt,
	}); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
}

func TestRecordOutboundAssignsID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}
	mock.ExpectExec("INSERT INTO outbound_messages").
		WithArgs(pgxmock.AnyArg(), "clinic-a", "inst-a:x", "oi", "", "", "manual", false, "failed", "fallback_send_failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	if err := log.RecordOutbound(context.Background(), dispatch.OutboundRecord{
		InstanceID:      "clinic-a",
		ConversationKey: "inst-a:x",
		Body:            "oi",
		Source:          "manual",
		Status:          "failed",
		FailureReason:   "fallback_send_failed",
		SentAt:          time.Now(),
	}); err != nil {
		t.Fatalf("record outbound: %v", err)
	}
}

func TestUpdateMessageStatus(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}
	now := time.Now()
	mock.ExpectExec("UPDATE outbound_messages").
		WithArgs("msg_1", "delivered", &now, (*time.Time)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := log.UpdateMessageStatus(context.Background(), "msg_1", "delivered", &now, nil); err != nil {
		t.Fatalf("update status: %v", err)
	}
}

func TestScheduleRetryAndListCandidates(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}
	msgID := uuid.New()
	mock.ExpectExec("UPDATE outbound_messages").
		WithArgs(msgID, "retry_pending", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	if err := log.ScheduleRetry(context.Background(), nil, msgID, "retry_pending", time.Now()); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	sentAt := time.Now().Add(-time.Minute)
	mock.ExpectQuery("SELECT (.+) FROM outbound_messages").
		WithArgs(5, 10).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "instance_id", "conversation_key", "body",
			"transport", "provider_message_id",
			"source", "humanized", "status", "failure_reason",
			"send_attempts", "next_retry_at", "sent_at",
		}).AddRow(msgID, "clinic-a", "inst-a:x", "oi", "", "", "automated", true, "retry_pending", "fallback_send_failed", 1, nil, sentAt))

	got, err := log.ListRetryCandidates(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("list retry candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(got))
	}
	if got[0].ID != msgID || got[0].SendAttempts != 1 || got[0].NextRetryAt != nil {
		t.Fatalf("unexpected candidate: %+v", got[0])
	}
}

func TestHasProviderMessage(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}

	if ok, err := log.HasProviderMessage(context.Background(), "  "); err != nil || ok {
		t.Fatalf("blank id must short-circuit, got %v err=%v", ok, err)
	}

	mock.ExpectQuery("SELECT 1 FROM outbound_messages").
		WithArgs("msg_1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(1))
	if ok, err := log.HasProviderMessage(context.Background(), "msg_1"); err != nil || !ok {
		t.Fatalf("expected exists, got %v err=%v", ok, err)
	}
}

func TestConversationHistory(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	defer mock.Close()

	log := &MessageLog{pool: mock}
	sentAt := time.Now()
	mock.ExpectQuery("SELECT (.+) FROM outbound_messages").
		WithArgs("inst-a:x", 50).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "instance_id", "conversation_key", "body",
			"transport", "provider_message_id",
			"source", "humanized", "status", "failure_reason",
			"send_attempts", "next_retry_at", "sent_at",
		}).AddRow(uuid.New(), "clinic-a", "inst-a:x", "oi", "socket", "msg_1", "manual", false, "sent", "", 0, nil, sentAt))

	got, err := log.ConversationHistory(context.Background(), "inst-a:x", 0)
	if err != nil {
		t.Fatalf("conversation history: %v", err)
	}
	if len(got) != 1 || got[0].Transport != "socket" {
		t.Fatalf("unexpected history: %+v", got)
	}
}
