package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/observability/metrics"
	"github.com/zapdesk/zapdesk-platform/internal/token"
	"github.com/zapdesk/zapdesk-platform/internal/transport"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

var dispatchTracer = otel.Tracer("zapdesk.internal.dispatch")

// Source tags how an outbound message was produced.
type Source string

const (
	SourceManual    Source = "manual"
	SourceAutomated Source = "automated"
	SourceSystem    Source = "system"
)

// FailureReason is the dispatch error taxonomy. Exactly one reason, or
// success, is present on a Result; never both.
type FailureReason string

const (
	ReasonUnresolvedInstance  FailureReason = "unresolved_instance"
	ReasonInvalidCredential   FailureReason = "invalid_credential"
	ReasonTransportSendFailed FailureReason = "transport_send_failed"
	ReasonFallbackSendFailed  FailureReason = "fallback_send_failed"
	ReasonUnknown             FailureReason = "unknown_error"
)

// Request is one outbound send. Consumed exactly once.
type Request struct {
	InstanceID string
	Key        events.ConversationKey
	Text       string
	Source     Source
	Humanized  bool

	// Pacing hints forwarded to the provider.
	DelayMs  int
	Presence string
	QuotedID string
}

// Result is the normalized outcome of a dispatch attempt.
type Result struct {
	Success   bool          `json:"success"`
	Transport string        `json:"transport,omitempty"` // "socket" or "fallback"
	MessageID string        `json:"message_id,omitempty"`
	Reason    FailureReason `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
}

// OutboundRecord is the provenance row handed to the recorder.
type OutboundRecord struct {
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
	SentAt            time.Time
}

// Recorder persists outbound provenance for later inspection. Best effort;
// recording failures never affect delivery semantics.
type Recorder interface {
	RecordOutbound(ctx context.Context, rec OutboundRecord) error
}

// InstanceResolver maps a logical instance id to the transport-level one.
type InstanceResolver interface {
	Resolve(ctx context.Context, logicalID string) (string, error)
}

type transportSender interface {
	IsConnected() bool
	Send(ctx context.Context, key events.ConversationKey, text string, opts transport.SendOptions) (string, error)
}

type fallbackSender interface {
	SendText(ctx context.Context, req evoclient.SendTextRequest) (*evoclient.SendTextResponse, error)
}

type credentialSource interface {
	Get(ctx context.Context, instanceID string) (token.Credential, error)
}

// Service is the single outbound entry point. It prefers the real-time
// channel and transparently falls back to the request/response API.
type Service struct {
	resolver  InstanceResolver
	tokens    credentialSource
	transport transportSender
	fallback  fallbackSender
	recorder  Recorder
	logger    *logging.Logger
	metrics   *metrics.PipelineMetrics
}

// ServiceConfig wires the dispatch service. Resolver and fallback are
// required; transport, tokens and recorder are optional.
type ServiceConfig struct {
	Resolver  InstanceResolver
	Tokens    credentialSource
	Transport transportSender
	Fallback  fallbackSender
	Recorder  Recorder
	Logger    *logging.Logger
	Metrics   *metrics.PipelineMetrics
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Resolver == nil {
		panic("dispatch: instance resolver required")
	}
	if cfg.Fallback == nil {
		panic("dispatch: fallback sender required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		resolver:  cfg.Resolver,
		tokens:    cfg.Tokens,
		transport: cfg.Transport,
		fallback:  cfg.Fallback,
		recorder:  cfg.Recorder,
		logger:    logger.Component("dispatch"),
		metrics:   cfg.Metrics,
	}
}

// Send dispatches one request. All failures are represented in the Result;
// Send itself never returns an error.
func (s *Service) Send(ctx context.Context, req Request) Result {
	ctx, span := dispatchTracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("zapdesk.instance_id", req.InstanceID),
		attribute.String("zapdesk.conversation", string(req.Key)),
		attribute.String("zapdesk.source", string(req.Source)),
	)

	now := time.Now().UTC()
	if strings.TrimSpace(req.Text) == "" || req.Key == "" {
		return s.finish(ctx, req, Result{
			Reason: ReasonUnknown,
			Detail: "empty text or conversation key",
			SentAt: now,
		})
	}

	transportID, err := s.resolver.Resolve(ctx, req.InstanceID)
	if err != nil {
		s.metrics.ObserveDispatch("none", "unresolved")
		return s.finish(ctx, req, Result{
			Reason: ReasonUnresolvedInstance,
			Detail: err.Error(),
			SentAt: now,
		})
	}

	if s.tokens != nil {
		if _, err := s.tokens.Get(ctx, transportID); err != nil {
			s.metrics.ObserveDispatch("none", "invalid_credential")
			return s.finish(ctx, req, Result{
				Reason: ReasonInvalidCredential,
				Detail: err.Error(),
				SentAt: now,
			})
		}
	}

	// Preferred path: the real-time channel, only when it reports
	// connected. Any failure here is soft; the fallback still runs.
	if s.transport != nil && s.transport.IsConnected() {
		id, err := s.transport.Send(ctx, req.Key, req.Text, transport.SendOptions{
			DelayMs:  req.DelayMs,
			Presence: req.Presence,
			QuotedID: req.QuotedID,
		})
		if err == nil {
			s.metrics.ObserveDispatch("socket", "success")
			return s.finish(ctx, req, Result{
				Success:   true,
				Transport: "socket",
				MessageID: id,
				SentAt:    now,
			})
		}
		if !errors.Is(err, transport.ErrNotConnected) {
			s.logger.Warn("transport send failed; using fallback",
				"conversation", req.Key,
				"error", err,
			)
			s.metrics.ObserveDispatch("socket", "soft_failure")
		}
	}

	resp, err := s.fallback.SendText(ctx, evoclient.SendTextRequest{
		InstanceID: transportID,
		Number:     req.Key.RemoteJID(),
		Text:       req.Text,
		DelayMs:    req.DelayMs,
		Presence:   req.Presence,
		QuotedID:   req.QuotedID,
		Source:     string(req.Source),
		Humanized:  req.Humanized,
	})
	if err != nil {
		s.logger.Error("fallback send failed",
			"conversation", req.Key,
			"error", err,
		)
		s.metrics.ObserveDispatch("fallback", "failure")
		return s.finish(ctx, req, Result{
			Reason: ReasonFallbackSendFailed,
			Detail: err.Error(),
			SentAt: now,
		})
	}

	s.metrics.ObserveDispatch("fallback", "success")
	return s.finish(ctx, req, Result{
		Success:   true,
		Transport: "fallback",
		MessageID: resp.MessageID,
		SentAt:    now,
	})
}

// finish records provenance and returns the result untouched.
func (s *Service) finish(ctx context.Context, req Request, res Result) Result {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Bool("zapdesk.success", res.Success),
		attribute.String("zapdesk.transport", res.Transport),
	)
	if s.recorder == nil {
		return res
	}
	status := "sent"
	if !res.Success {
		status = "failed"
	}
	rec := OutboundRecord{
		ID:                uuid.New(),
		InstanceID:        req.InstanceID,
		ConversationKey:   string(req.Key),
		Body:              req.Text,
		Transport:         res.Transport,
		ProviderMessageID: res.MessageID,
		Source:            string(req.Source),
		Humanized:         req.Humanized,
		Status:            status,
		FailureReason:     string(res.Reason),
		SentAt:            res.SentAt,
	}
	if err := s.recorder.RecordOutbound(ctx, rec); err != nil {
		s.logger.Warn("outbound record failed", "error", err)
	}
	return res
}

// StaticResolver is an in-memory InstanceResolver for deployments where the
// logical-to-transport mapping is configured up front.
type StaticResolver struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewStaticResolver(mapping map[string]string) *StaticResolver {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	return &StaticResolver{m: m}
}

// Set adds or replaces one mapping.
func (r *StaticResolver) Set(logicalID, transportID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[logicalID] = transportID
}

func (r *StaticResolver) Resolve(_ context.Context, logicalID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.m[logicalID]
	if !ok {
		return "", fmt.Errorf("dispatch: unknown instance %q", logicalID)
	}
	return id, nil
}
