package transport

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zapdesk/zapdesk-platform/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20 // 1MB
	sendBufferSize = 64
)

var errSessionClosed = errors.New("transport: session closed")

// session owns one websocket connection exclusively. No other component
// touches the conn; the manager talks to it through write/close and the
// two callbacks.
type session struct {
	conn      *websocket.Conn
	send      chan []byte
	heartbeat time.Duration
	logger    *logging.Logger

	onMessage func([]byte)
	onClose   func(error)

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newSession(conn *websocket.Conn, heartbeat time.Duration, onMessage func([]byte), onClose func(error), logger *logging.Logger) *session {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &session{
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		heartbeat: heartbeat,
		logger:    logger,
		onMessage: onMessage,
		onClose:   onClose,
		closed:    make(chan struct{}),
	}
}

func (s *session) start() {
	go s.readPump()
	go s.writePump()
}

// write queues an outbound frame. It never blocks the caller; a full buffer
// counts as a send failure so the dispatcher can fall back.
func (s *session) write(data []byte) error {
	select {
	case <-s.closed:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errors.New("transport: send buffer full")
	}
}

func (s *session) close() {
	s.teardown(nil)
}

// pongWait gives the upstream one missed heartbeat of grace before the read
// deadline trips.
func (s *session) pongWait() time.Duration {
	return s.heartbeat + s.heartbeat/2
}

func (s *session) readPump() {
	defer s.teardown(errors.New("transport: read pump exited"))

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Info("socket closed", "error", err)
			}
			s.teardown(err)
			return
		}
		if s.onMessage != nil {
			s.onMessage(message)
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.heartbeat)
	defer func() {
		ticker.Stop()
		s.teardown(errors.New("transport: write pump exited"))
	}()

	for {
		select {
		case <-s.closed:
			return
		case message := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.teardown(err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.teardown(err)
				return
			}
		}
	}
}

func (s *session) teardown(err error) {
	s.closeOnce.Do(func() {
		s.closeErr = err
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
		close(s.closed)
		if s.onClose != nil {
			s.onClose(err)
		}
	})
}
