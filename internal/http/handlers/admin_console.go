package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zapdesk/zapdesk-platform/internal/batching"
	"github.com/zapdesk/zapdesk-platform/internal/dispatch"
	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/store"
	"github.com/zapdesk/zapdesk-platform/internal/transport"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

type transportInspector interface {
	State() events.ConnectionState
	IsConnected() bool
	BreakerSnapshot() transport.BreakerSnapshot
	Connect(ctx context.Context) bool
}

type batchInspector interface {
	Keys() []events.ConversationKey
	PendingInfo(key events.ConversationKey) batching.PendingInfo
	ForceFlush(key events.ConversationKey)
	Clear(key events.ConversationKey)
}

type messageDispatcher interface {
	Send(ctx context.Context, req dispatch.Request) dispatch.Result
}

type ledgerReader interface {
	ConversationHistory(ctx context.Context, conversationKey string, limit int) ([]store.OutboundMessage, error)
}

// AdminConsoleHandler hosts privileged operational endpoints: transport
// diagnostics, pending batch inspection, and manual sends.
type AdminConsoleHandler struct {
	transport transportInspector
	batches   batchInspector
	dispatch  messageDispatcher
	ledger    ledgerReader
	logger    *logging.Logger
}

type AdminConsoleConfig struct {
	Transport transportInspector
	Batches   batchInspector
	Dispatch  messageDispatcher
	Ledger    ledgerReader
	Logger    *logging.Logger
}

func NewAdminConsoleHandler(cfg AdminConsoleConfig) *AdminConsoleHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &AdminConsoleHandler{
		transport: cfg.Transport,
		batches:   cfg.Batches,
		dispatch:  cfg.Dispatch,
		ledger:    cfg.Ledger,
		logger:    cfg.Logger.Component("admin-console"),
	}
}

// GetTransportStatus reports the socket lifecycle state and breaker snapshot.
func (h *AdminConsoleHandler) GetTransportStatus(w http.ResponseWriter, r *http.Request) {
	if h.transport == nil {
		http.Error(w, "transport not configured", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     h.transport.State(),
		"connected": h.transport.IsConnected(),
		"breaker":   h.transport.BreakerSnapshot(),
	})
}

// TriggerReconnect attempts a fresh connection cycle.
func (h *AdminConsoleHandler) TriggerReconnect(w http.ResponseWriter, r *http.Request) {
	if h.transport == nil {
		http.Error(w, "transport not configured", http.StatusServiceUnavailable)
		return
	}
	ok := h.transport.Connect(r.Context())
	h.logger.Info("manual reconnect requested", "connected", ok)
	writeJSON(w, http.StatusOK, map[string]any{
		"connected": ok,
		"state":     h.transport.State(),
	})
}

type pendingBatchView struct {
	ConversationKey string               `json:"conversation_key"`
	Pending         batching.PendingInfo `json:"pending"`
}

// ListPendingBatches lists every conversation with buffered events.
func (h *AdminConsoleHandler) ListPendingBatches(w http.ResponseWriter, r *http.Request) {
	if h.batches == nil {
		http.Error(w, "batching not configured", http.StatusServiceUnavailable)
		return
	}
	keys := h.batches.Keys()
	views := make([]pendingBatchView, 0, len(keys))
	for _, key := range keys {
		views = append(views, pendingBatchView{
			ConversationKey: string(key),
			Pending:         h.batches.PendingInfo(key),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": views})
}

// FlushBatch forces a pending batch to seal immediately.
func (h *AdminConsoleHandler) FlushBatch(w http.ResponseWriter, r *http.Request) {
	if h.batches == nil {
		http.Error(w, "batching not configured", http.StatusServiceUnavailable)
		return
	}
	key := events.ConversationKey(chi.URLParam(r, "key"))
	if key == "" {
		http.Error(w, "missing conversation key", http.StatusBadRequest)
		return
	}
	h.batches.ForceFlush(key)
	w.WriteHeader(http.StatusAccepted)
}

// DiscardBatch drops buffered events without processing them.
func (h *AdminConsoleHandler) DiscardBatch(w http.ResponseWriter, r *http.Request) {
	if h.batches == nil {
		http.Error(w, "batching not configured", http.StatusServiceUnavailable)
		return
	}
	key := events.ConversationKey(chi.URLParam(r, "key"))
	if key == "" {
		http.Error(w, "missing conversation key", http.StatusBadRequest)
		return
	}
	h.batches.Clear(key)
	w.WriteHeader(http.StatusNoContent)
}

type sendMessageRequest struct {
	InstanceID string `json:"instance_id"`
	RemoteJID  string `json:"remote_jid"`
	Text       string `json:"text"`
}

// SendMessage dispatches one message on behalf of an operator.
func (h *AdminConsoleHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	if h.dispatch == nil {
		http.Error(w, "dispatch not configured", http.StatusServiceUnavailable)
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.InstanceID = strings.TrimSpace(req.InstanceID)
	req.RemoteJID = strings.TrimSpace(req.RemoteJID)
	if req.InstanceID == "" || req.RemoteJID == "" || strings.TrimSpace(req.Text) == "" {
		http.Error(w, "instance_id, remote_jid and text are required", http.StatusBadRequest)
		return
	}

	res := h.dispatch.Send(r.Context(), dispatch.Request{
		InstanceID: req.InstanceID,
		Key:        events.NewConversationKey(req.InstanceID, req.RemoteJID),
		Text:       req.Text,
		Source:     dispatch.SourceManual,
	})
	status := http.StatusAccepted
	if !res.Success {
		status = statusForFailure(res.Reason)
	}
	writeJSON(w, status, res)
}

// GetConversationHistory returns the outbound ledger for one conversation.
func (h *AdminConsoleHandler) GetConversationHistory(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		http.Error(w, "message ledger not configured", http.StatusServiceUnavailable)
		return
	}
	key := chi.URLParam(r, "key")
	if key == "" {
		http.Error(w, "missing conversation key", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := h.ledger.ConversationHistory(r.Context(), key, limit)
	if err != nil {
		h.logger.Error("conversation history lookup failed", "error", err, "conversation", key)
		http.Error(w, "server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func statusForFailure(reason dispatch.FailureReason) int {
	switch reason {
	case dispatch.ReasonUnresolvedInstance:
		return http.StatusNotFound
	case dispatch.ReasonInvalidCredential:
		return http.StatusUnauthorized
	case dispatch.ReasonFallbackSendFailed, dispatch.ReasonTransportSendFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
