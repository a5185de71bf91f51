package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/observability/metrics"
	"github.com/zapdesk/zapdesk-platform/internal/token"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

// ErrNotConnected signals a send was not attempted; callers use the
// fallback path.
var ErrNotConnected = errors.New("transport: not connected")

type credentialSource interface {
	Get(ctx context.Context, instanceID string) (token.Credential, error)
	Invalidate(ctx context.Context, instanceID string) error
}

type configurator interface {
	SetSocketSubscription(ctx context.Context, instanceID string, req evoclient.SubscriptionRequest) error
}

// Handlers receive normalized traffic from the manager. They are invoked
// from the socket read goroutine and must not block.
type Handlers struct {
	OnEvent            func(events.InboundEvent)
	OnConnectionUpdate func(events.ConnectionUpdate)
	OnCredentialError  func(instanceID string, evt events.InboundEvent)
}

// ManagerConfig wires one manager to one tenant instance.
type ManagerConfig struct {
	InstanceID string
	SocketURL  string

	HandshakeTimeout     time.Duration
	HeartbeatInterval    time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int

	Breaker *CircuitBreaker
	Deduper Deduper
	Logger  *logging.Logger
	Metrics *metrics.PipelineMetrics
}

// Manager owns the single persistent connection for a tenant instance:
// connect/authenticate/configure, heartbeats, reconnection, and the circuit
// breaker that stops connection attempts after repeated failure.
type Manager struct {
	instanceID string
	socketURL  string

	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	baseDelay         time.Duration
	maxDelay          time.Duration
	maxAttempts       int

	tokens       credentialSource
	configurator configurator
	breaker      *CircuitBreaker
	dedupe       Deduper
	normalizer   *Normalizer
	logger       *logging.Logger
	metrics      *metrics.PipelineMetrics

	mu           sync.Mutex
	state        events.ConnectionState
	sess         *session
	connecting   bool
	reconnecting bool
	handlers     Handlers
}

// NewManager builds a transport manager. Tokens and configurator are
// required; the breaker defaults when nil.
func NewManager(cfg ManagerConfig, tokens credentialSource, conf configurator) *Manager {
	if cfg.InstanceID == "" {
		panic("transport: instance id required")
	}
	if cfg.SocketURL == "" {
		panic("transport: socket url required")
	}
	if tokens == nil {
		panic("transport: credential source required")
	}
	if conf == nil {
		panic("transport: configurator required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	breaker := cfg.Breaker
	if breaker == nil {
		breaker = NewCircuitBreaker(0, 0, 0)
	}
	handshake := cfg.HandshakeTimeout
	if handshake <= 0 {
		handshake = 3 * time.Second
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	baseDelay := cfg.ReconnectBaseDelay
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	maxDelay := cfg.ReconnectMaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Minute
	}
	maxAttempts := cfg.ReconnectMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Manager{
		instanceID:        cfg.InstanceID,
		socketURL:         cfg.SocketURL,
		handshakeTimeout:  handshake,
		heartbeatInterval: heartbeat,
		baseDelay:         baseDelay,
		maxDelay:          maxDelay,
		maxAttempts:       maxAttempts,
		tokens:            tokens,
		configurator:      conf,
		breaker:           breaker,
		dedupe:            cfg.Deduper,
		normalizer:        NewNormalizer(),
		logger:            logger.Component("transport"),
		metrics:           cfg.Metrics,
		state:             events.StateDisconnected,
	}
}

// SetHandlers registers the consumer callbacks. Call before Connect.
func (m *Manager) SetHandlers(h Handlers) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = h
}

// Connect runs the full handshake: credential, configuration, socket dial.
// Returns false without I/O while the circuit breaker is open. At most one
// handshake runs at a time, and a live session is never replaced: calling
// Connect while already connected returns true without touching it.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.sess != nil && m.state == events.StateConnected {
		m.mu.Unlock()
		return true
	}
	if m.connecting {
		m.mu.Unlock()
		return false
	}
	m.connecting = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.connecting = false
		m.mu.Unlock()
	}()

	if !m.breaker.TryAcquire() {
		m.logger.Warn("connect blocked by circuit breaker",
			"instance_id", m.instanceID,
			"breaker", m.breaker.Snapshot(),
		)
		return false
	}

	m.setState(events.StateConfiguring, "")

	cred, err := m.tokens.Get(ctx, m.instanceID)
	if err != nil {
		m.recordFailure("credential", err)
		return false
	}

	err = m.configurator.SetSocketSubscription(ctx, m.instanceID, evoclient.SubscriptionRequest{
		Enabled: true,
		Events:  evoclient.DefaultEventClasses(),
	})
	if err != nil {
		if errors.Is(err, evoclient.ErrAlreadyRegistered) {
			m.breaker.RecordConfigRejected()
			m.metrics.ObserveBreakerOpen("long")
			m.logger.Error("socket subscription already registered; backing off",
				"instance_id", m.instanceID,
			)
			m.setState(events.StateDisconnected, "configuration rejected")
			return false
		}
		m.recordFailure("configure", err)
		return false
	}

	m.setState(events.StateConnecting, "")

	dialer := websocket.Dialer{HandshakeTimeout: m.handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	conn, resp, err := dialer.DialContext(ctx, m.socketURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		m.recordFailure("handshake", err)
		return false
	}

	m.breaker.RecordSuccess()

	// The close callback carries the session identity so a close from a
	// session that is no longer current cannot tear down its successor.
	var sess *session
	sess = newSession(conn, m.heartbeatInterval, m.handleSocketMessage, func(closeErr error) {
		m.handleSocketClose(sess, closeErr)
	}, m.logger)
	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	sess.start()

	m.setState(events.StateConnected, "")
	m.logger.Info("socket connected", "instance_id", m.instanceID)
	return true
}

// Disconnect closes the session deliberately; no reconnect is scheduled.
// The session is detached before closing, so its close callback sees a
// stale identity and does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	sess := m.sess
	m.sess = nil
	m.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	m.setState(events.StateDisconnected, "local disconnect")
}

// IsConnected reports whether the real-time channel is usable for sends.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == events.StateConnected && m.sess != nil
}

// State returns the current session state.
func (m *Manager) State() events.ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// BreakerSnapshot exposes breaker state for diagnostics.
func (m *Manager) BreakerSnapshot() BreakerSnapshot {
	return m.breaker.Snapshot()
}

// SendOptions carry pacing hints onto the wire frame.
type SendOptions struct {
	DelayMs  int
	Presence string
	QuotedID string
}

type socketSendFrame struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	To       string `json:"to"`
	Text     string `json:"text,omitempty"`
	DelayMs  int    `json:"delay,omitempty"`
	Presence string `json:"presence,omitempty"`
	QuotedID string `json:"quoted,omitempty"`
}

// Send attempts delivery over the real-time channel. ErrNotConnected means
// the send was not attempted and the caller should use the fallback path;
// any other error is a soft transport failure.
func (m *Manager) Send(ctx context.Context, key events.ConversationKey, text string, opts SendOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	sess := m.sess
	state := m.state
	m.mu.Unlock()

	if state != events.StateConnected || sess == nil {
		return "", ErrNotConnected
	}

	id := uuid.NewString()
	frame, err := json.Marshal(socketSendFrame{
		Type:     "message.send",
		ID:       id,
		To:       key.RemoteJID(),
		Text:     text,
		DelayMs:  opts.DelayMs,
		Presence: opts.Presence,
		QuotedID: opts.QuotedID,
	})
	if err != nil {
		return "", fmt.Errorf("transport: marshal send frame: %w", err)
	}
	if err := sess.write(frame); err != nil {
		return "", fmt.Errorf("transport: socket send: %w", err)
	}
	return id, nil
}

// SendPresence surfaces a typing indicator on the real-time channel. Best
// effort: not connected is not an error worth surfacing to the pacer.
func (m *Manager) SendPresence(ctx context.Context, key events.ConversationKey, presence string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	sess := m.sess
	state := m.state
	m.mu.Unlock()

	if state != events.StateConnected || sess == nil {
		return ErrNotConnected
	}
	frame, err := json.Marshal(socketSendFrame{
		Type:     "presence.set",
		To:       key.RemoteJID(),
		Presence: presence,
	})
	if err != nil {
		return fmt.Errorf("transport: marshal presence frame: %w", err)
	}
	return sess.write(frame)
}

func (m *Manager) handleSocketMessage(raw []byte) {
	evts, err := m.normalizer.Normalize(raw, events.SourceSocket)
	if err != nil {
		m.logger.Warn("dropping unparseable socket payload", "error", err)
		return
	}
	m.dispatchEvents(evts)
}

// HandleWebhookPayload feeds events from the HTTP ingest path through the
// same normalization and fan-out as socket traffic.
func (m *Manager) HandleWebhookPayload(raw []byte) error {
	evts, err := m.normalizer.Normalize(raw, events.SourceWebhook)
	if err != nil {
		return err
	}
	m.dispatchEvents(evts)
	return nil
}

func (m *Manager) dispatchEvents(evts []events.InboundEvent) {
	m.mu.Lock()
	handlers := m.handlers
	m.mu.Unlock()

	for _, evt := range evts {
		if m.dedupe != nil && m.dedupe.Seen(context.Background(), evt.ID) {
			m.logger.Debug("duplicate event dropped",
				"instance_id", m.instanceID,
				"event_id", evt.ID,
			)
			continue
		}
		m.metrics.ObserveInbound(string(evt.Kind), string(evt.Transport))
		switch evt.Kind {
		case events.KindCredentialError:
			if err := m.tokens.Invalidate(context.Background(), m.instanceID); err != nil {
				m.logger.Warn("credential invalidation failed", "error", err)
			}
			m.logger.Error("credential error from upstream", "instance_id", m.instanceID)
			if handlers.OnCredentialError != nil {
				handlers.OnCredentialError(m.instanceID, evt)
			}
		case events.KindConnectionUpdate:
			if handlers.OnConnectionUpdate != nil {
				handlers.OnConnectionUpdate(events.ConnectionUpdate{
					InstanceID: m.instanceID,
					State:      m.State(),
					Reason:     "upstream update",
					OccurredAt: evt.ReceivedAt,
				})
			}
		default:
			if handlers.OnEvent != nil {
				handlers.OnEvent(evt)
			}
		}
	}
}

// handleSocketClose reacts to a session dying on its own. Deliberate
// disconnects and replaced sessions never reach the reconnect path because
// the manager detaches a session before closing it.
func (m *Manager) handleSocketClose(sess *session, err error) {
	m.mu.Lock()
	if m.sess != sess {
		m.mu.Unlock()
		return
	}
	m.sess = nil
	alreadyReconnecting := m.reconnecting
	if !alreadyReconnecting {
		m.reconnecting = true
	}
	m.mu.Unlock()

	m.logger.Warn("socket closed unexpectedly",
		"instance_id", m.instanceID,
		"error", err,
	)
	m.setState(events.StateDegraded, "connection lost")

	if !alreadyReconnecting {
		go m.reconnectLoop()
	}
}

// reconnectLoop retries with capped exponential backoff. After max attempts
// the manager reports Disconnected and waits for an explicit Connect call.
func (m *Manager) reconnectLoop() {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		delay := m.backoffDelay(attempt)
		m.logger.Info("scheduling reconnect",
			"instance_id", m.instanceID,
			"attempt", attempt,
			"delay", delay,
		)
		time.Sleep(delay)

		m.metrics.ObserveReconnectAttempt()
		if m.Connect(context.Background()) {
			return
		}
		if snap := m.breaker.Snapshot(); snap.Blocked {
			m.logger.Warn("reconnect halted by circuit breaker", "instance_id", m.instanceID)
			break
		}
	}
	m.setState(events.StateDisconnected, "reconnect attempts exhausted")
}

func (m *Manager) backoffDelay(attempt int) time.Duration {
	delay := m.baseDelay * time.Duration(1<<(attempt-1))
	if delay > m.maxDelay {
		delay = m.maxDelay
	}
	return delay
}

func (m *Manager) recordFailure(stage string, err error) {
	if m.breaker.RecordFailure() {
		m.metrics.ObserveBreakerOpen("short")
	}
	m.logger.Error("connect failed",
		"instance_id", m.instanceID,
		"stage", stage,
		"error", err,
	)
	m.setState(events.StateDisconnected, stage+" failed")
}

func (m *Manager) setState(state events.ConnectionState, reason string) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	handlers := m.handlers
	m.mu.Unlock()

	m.metrics.ObserveTransportState(string(state))
	m.logger.Info("transport state changed",
		"instance_id", m.instanceID,
		"state", state,
		"reason", reason,
	)
	if handlers.OnConnectionUpdate != nil {
		handlers.OnConnectionUpdate(events.ConnectionUpdate{
			InstanceID: m.instanceID,
			State:      state,
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		})
	}
}
