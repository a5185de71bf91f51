package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zapdesk/zapdesk-platform/internal/events"
	"github.com/zapdesk/zapdesk-platform/internal/messaging/evoclient"
	"github.com/zapdesk/zapdesk-platform/internal/token"
	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

type fakeTokens struct {
	err         error
	invalidated atomic.Int32
}

func (f *fakeTokens) Get(_ context.Context, _ string) (token.Credential, error) {
	if f.err != nil {
		return token.Credential{}, f.err
	}
	return token.Credential{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) Invalidate(_ context.Context, _ string) error {
	f.invalidated.Add(1)
	return nil
}

type fakeConfigurator struct {
	err   error
	calls atomic.Int32
}

func (f *fakeConfigurator) SetSocketSubscription(_ context.Context, _ string, _ evoclient.SubscriptionRequest) error {
	f.calls.Add(1)
	return f.err
}

// socketServer upgrades incoming requests and hands the conn to onConn.
func socketServer(t *testing.T, onConn func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		onConn(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestManager(t *testing.T, socketURL string, tokens *fakeTokens, conf *fakeConfigurator) *Manager {
	t.Helper()
	if tokens == nil {
		tokens = &fakeTokens{}
	}
	if conf == nil {
		conf = &fakeConfigurator{}
	}
	m := NewManager(ManagerConfig{
		InstanceID:           "clinic-main",
		SocketURL:            socketURL,
		HandshakeTimeout:     time.Second,
		HeartbeatInterval:    100 * time.Millisecond,
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    50 * time.Millisecond,
		ReconnectMaxAttempts: 2,
		Logger:               logging.New("error"),
	}, tokens, conf)
	t.Cleanup(m.Disconnect)
	return m
}

func readLoop(conn *websocket.Conn, frames chan<- []byte) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if frames != nil {
			frames <- msg
		}
	}
}

func TestConnectAndSend(t *testing.T) {
	frames := make(chan []byte, 8)
	var authHeader atomic.Value
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader.Store(r.Header.Get("Authorization"))
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go readLoop(conn, frames)
	}))
	t.Cleanup(srv.Close)

	conf := &fakeConfigurator{}
	m := newTestManager(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, conf)

	require.True(t, m.Connect(context.Background()))
	assert.True(t, m.IsConnected())
	assert.Equal(t, events.StateConnected, m.State())
	assert.Equal(t, "Bearer tok", authHeader.Load())
	assert.Equal(t, int32(1), conf.calls.Load())

	key := events.NewConversationKey("clinic-main", "5511@s.whatsapp.net")
	id, err := m.Send(context.Background(), key, "oi", SendOptions{DelayMs: 1200, Presence: "composing"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	select {
	case raw := <-frames:
		var frame map[string]any
		require.NoError(t, json.Unmarshal(raw, &frame))
		assert.Equal(t, "message.send", frame["type"])
		assert.Equal(t, "5511@s.whatsapp.net", frame["to"])
		assert.Equal(t, "oi", frame["text"])
		assert.Equal(t, float64(1200), frame["delay"])
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the send frame")
	}
}

func TestSendWhenDisconnected(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/socket", nil, nil)
	_, err := m.Send(context.Background(), "i:remote", "x", SendOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectCredentialFailure(t *testing.T) {
	tokens := &fakeTokens{err: errors.New("no token")}
	m := newTestManager(t, "ws://127.0.0.1:1/socket", tokens, nil)

	assert.False(t, m.Connect(context.Background()))
	assert.Equal(t, events.StateDisconnected, m.State())
	assert.Equal(t, 1, m.BreakerSnapshot().ConsecutiveFailures)
}

func TestConnectBreakerShortCircuits(t *testing.T) {
	conf := &fakeConfigurator{err: errors.New("gateway unavailable")}
	m := newTestManager(t, "ws://127.0.0.1:1/socket", nil, conf)

	for i := 0; i < 3; i++ {
		assert.False(t, m.Connect(context.Background()))
	}
	snap := m.BreakerSnapshot()
	require.True(t, snap.Blocked, "three consecutive failures open the breaker")

	before := conf.calls.Load()
	assert.False(t, m.Connect(context.Background()))
	assert.Equal(t, before, conf.calls.Load(), "open breaker must skip all I/O")
}

func TestConnectConfigRejectedLongCooldown(t *testing.T) {
	conf := &fakeConfigurator{err: evoclient.ErrAlreadyRegistered}
	m := newTestManager(t, "ws://127.0.0.1:1/socket", nil, conf)

	assert.False(t, m.Connect(context.Background()))
	snap := m.BreakerSnapshot()
	assert.True(t, snap.Blocked, "duplicate registration opens immediately")
	assert.Equal(t, "long", snap.CooldownClass)
}

func TestConnectHandshakeFailure(t *testing.T) {
	// Plain HTTP server rejects the upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	assert.False(t, m.Connect(context.Background()))
	assert.Equal(t, 1, m.BreakerSnapshot().ConsecutiveFailures)
}

func TestInboundEventsReachHandler(t *testing.T) {
	payload := `{"event":"messages.upsert","instance":"clinic-main","data":{"from":"5511@s.whatsapp.net","body":"oi"}}`
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		go readLoop(conn, nil)
	})

	got := make(chan events.InboundEvent, 1)
	m := newTestManager(t, socketURL, nil, nil)
	m.SetHandlers(Handlers{OnEvent: func(evt events.InboundEvent) { got <- evt }})

	require.True(t, m.Connect(context.Background()))
	select {
	case evt := <-got:
		assert.Equal(t, events.KindText, evt.Kind)
		assert.Equal(t, "oi", evt.Text)
		assert.Equal(t, events.SourceSocket, evt.Transport)
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event never reached the handler")
	}
}

func TestCredentialErrorInvalidatesToken(t *testing.T) {
	payload := `{"event":"connection.update","instance":"clinic-main","data":{"state":"close","statusReason":401}}`
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		go readLoop(conn, nil)
	})

	tokens := &fakeTokens{}
	credErrs := make(chan string, 1)
	m := newTestManager(t, socketURL, tokens, nil)
	m.SetHandlers(Handlers{OnCredentialError: func(instanceID string, _ events.InboundEvent) {
		credErrs <- instanceID
	}})

	require.True(t, m.Connect(context.Background()))
	select {
	case id := <-credErrs:
		assert.Equal(t, "clinic-main", id)
	case <-time.After(2 * time.Second):
		t.Fatal("credential error never surfaced")
	}
	assert.Eventually(t, func() bool { return tokens.invalidated.Load() == 1 },
		time.Second, 10*time.Millisecond)
}

func TestWebhookPayloadSharesNormalization(t *testing.T) {
	m := newTestManager(t, "ws://127.0.0.1:1/socket", nil, nil)
	got := make(chan events.InboundEvent, 1)
	m.SetHandlers(Handlers{OnEvent: func(evt events.InboundEvent) { got <- evt }})

	err := m.HandleWebhookPayload([]byte(`{"event":"messages.upsert","instance":"i","data":{"from":"55@x","body":"via webhook"}}`))
	require.NoError(t, err)

	select {
	case evt := <-got:
		assert.Equal(t, events.SourceWebhook, evt.Transport)
		assert.Equal(t, "via webhook", evt.Text)
	default:
		t.Fatal("webhook event not delivered")
	}

	assert.Error(t, m.HandleWebhookPayload([]byte(`garbage`)))
}

func TestDeliberateDisconnectDoesNotReconnect(t *testing.T) {
	connCount := atomic.Int32{}
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		connCount.Add(1)
		go readLoop(conn, nil)
	})

	m := newTestManager(t, socketURL, nil, nil)
	require.True(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.Equal(t, events.StateDisconnected, m.State())
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), connCount.Load(), "no reconnect after deliberate disconnect")
}

func TestUnexpectedCloseTriggersReconnect(t *testing.T) {
	connCount := atomic.Int32{}
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		n := connCount.Add(1)
		if n == 1 {
			// Kill the first connection to provoke a reconnect.
			conn.Close()
			return
		}
		go readLoop(conn, nil)
	})

	m := newTestManager(t, socketURL, nil, nil)
	require.True(t, m.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		return connCount.Load() >= 2 && m.IsConnected()
	}, 3*time.Second, 20*time.Millisecond, "manager should reconnect after an unexpected close")
}

func TestConnectWhileConnectedKeepsSingleSession(t *testing.T) {
	var live, total atomic.Int32
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		live.Add(1)
		total.Add(1)
		readLoop(conn, nil)
		live.Add(-1)
	})

	m := newTestManager(t, socketURL, nil, nil)
	require.True(t, m.Connect(context.Background()))
	require.True(t, m.Connect(context.Background()),
		"connect while connected reports success without a new handshake")

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), total.Load(), "a live session must never be replaced")
	assert.Equal(t, int32(1), live.Load())
	assert.True(t, m.IsConnected())
}

func TestStaleSessionCloseDoesNotAffectSuccessor(t *testing.T) {
	connCount := atomic.Int32{}
	socketURL := socketServer(t, func(conn *websocket.Conn) {
		connCount.Add(1)
		go readLoop(conn, nil)
	})

	m := newTestManager(t, socketURL, nil, nil)
	require.True(t, m.Connect(context.Background()))
	m.Disconnect()
	require.True(t, m.Connect(context.Background()))

	// The first session's close callback has already fired; it must not
	// tear down the session that replaced it.
	time.Sleep(150 * time.Millisecond)
	assert.True(t, m.IsConnected())
	assert.Equal(t, events.StateConnected, m.State())
	assert.Equal(t, int32(2), connCount.Load(), "no reconnect storm from the stale close")
}

func TestHeartbeatLossTearsDownAndReconnects(t *testing.T) {
	var accepted atomic.Int32
	sawDegraded := atomic.Bool{}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if accepted.Add(1) == 1 {
			// Hold the first connection open without ever reading, so
			// pings are never answered and the pong deadline trips.
			time.Sleep(2 * time.Second)
			conn.Close()
			return
		}
		go readLoop(conn, nil)
	}))
	t.Cleanup(srv.Close)

	m := newTestManager(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	m.SetHandlers(Handlers{OnConnectionUpdate: func(u events.ConnectionUpdate) {
		if u.State == events.StateDegraded {
			sawDegraded.Store(true)
		}
	}})

	require.True(t, m.Connect(context.Background()))

	// pongWait is 1.5x the heartbeat interval; with no pongs the manager
	// must notice the dead peer and recover on its own.
	assert.Eventually(t, func() bool {
		return accepted.Load() >= 2 && m.IsConnected()
	}, 3*time.Second, 20*time.Millisecond, "heartbeat loss must tear down and reconnect")
	assert.True(t, sawDegraded.Load(), "heartbeat loss surfaces as a degraded transition")
}
