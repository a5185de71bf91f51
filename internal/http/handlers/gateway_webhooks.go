package handlers

import (
	"io"
	"net/http"

	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

type signatureVerifier interface {
	VerifyWebhookSignature(timestamp, signature string, payload []byte) error
}

type webhookIngestor interface {
	HandleWebhookPayload(raw []byte) error
}

// GatewayWebhookHandler receives event pushes from the WhatsApp gateway.
// The webhook is the durable delivery path: the same events may also arrive
// over the socket, and downstream consumers dedupe by event id.
type GatewayWebhookHandler struct {
	verifier signatureVerifier
	ingestor webhookIngestor
	logger   *logging.Logger
}

type GatewayWebhookConfig struct {
	Verifier signatureVerifier
	Ingestor webhookIngestor
	Logger   *logging.Logger
}

func NewGatewayWebhookHandler(cfg GatewayWebhookConfig) *GatewayWebhookHandler {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &GatewayWebhookHandler{
		verifier: cfg.Verifier,
		ingestor: cfg.Ingestor,
		logger:   cfg.Logger.Component("gateway-webhook"),
	}
}

// HandleEvents processes gateway event webhooks.
func (h *GatewayWebhookHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if h.ingestor == nil {
		http.Error(w, "ingest not configured", http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if h.verifier != nil {
		if err := h.verifier.VerifyWebhookSignature(
			r.Header.Get("X-Webhook-Timestamp"),
			r.Header.Get("X-Webhook-Signature"),
			body,
		); err != nil {
			h.logger.Warn("invalid gateway webhook signature", "error", err)
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}
	if err := h.ingestor.HandleWebhookPayload(body); err != nil {
		h.logger.Error("gateway webhook handling failed", "error", err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}
