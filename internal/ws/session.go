package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Session owns one upgraded WebSocket connection. Its read loop runs in
// Serve; all writes go through the send queue drained by writePump, so the
// connection has a single writer.
type Session struct {
	id       string
	conn     *websocket.Conn
	registry *Registry
	log      *zap.Logger

	writeTimeout time.Duration

	state    atomic.Int32
	evicting atomic.Bool

	mu         sync.Mutex
	closed     bool
	closeCode  int
	closeText  string
	send       chan []byte
	done       chan struct{}
	pumpOnce   sync.Once
	detachOnce sync.Once
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	for {
		cur := s.state.Load()
		// CLOSED is terminal.
		if State(cur) == StateClosed {
			return
		}
		if s.state.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

func newSession(conn *websocket.Conn, r *Registry) *Session {
	id := uuid.NewString()
	s := &Session{
		id:           id,
		conn:         conn,
		registry:     r,
		log:          r.log.With(zap.String("session", id), zap.String("remote", conn.RemoteAddr().String())),
		writeTimeout: r.opts.WriteTimeout,
		closeCode:    websocket.CloseNormalClosure,
		send:         make(chan []byte, r.opts.SendBuffer),
		done:         make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))
	return s
}

// trySend queues msg without blocking. It reports false once the session has
// been shut down or its queue is full.
func (s *Session) trySend(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue; writePump then flushes what is queued and
// finishes the close handshake. Safe to call more than once.
func (s *Session) shutdown(code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeText = text
	s.setState(StateClosing)
	close(s.send)
}

func (s *Session) startPump() {
	s.pumpOnce.Do(func() { go s.writePump() })
}

func (s *Session) writePump() {
	defer func() {
		s.conn.Close()
		s.setState(StateClosed)
		close(s.done)
	}()

	for msg := range s.send {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			s.log.Warn("ws write failed", zap.Error(err))
			s.registry.Remove(s)
			return
		}
		s.log.Debug("ws frame sent", zap.ByteString("payload", msg))
	}

	s.mu.Lock()
	code, text := s.closeCode, s.closeText
	s.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout)); err != nil && err != websocket.ErrCloseSent {
		s.log.Debug("ws close frame not sent", zap.Error(err))
	}
}

// Serve runs the receive loop until the peer disconnects, sends the close
// directive, or the stream fails. It returns after the session has been
// removed from its registry and the connection is torn down.
func (s *Session) Serve() {
	s.startPump()
	defer func() {
		s.detach()
		<-s.done
		s.log.Info("ws session closed")
	}()

	if s.registry.opts.MaxMessageSize > 0 {
		s.conn.SetReadLimit(s.registry.opts.MaxMessageSize)
	}

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.log.Warn("ws connection closed with error", zap.Error(err))
			} else {
				s.log.Debug("ws connection closed", zap.Error(err))
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			payload := string(data)
			s.log.Debug("ws frame received", zap.String("payload", payload))
			if payload == CloseDirective {
				s.log.Info("ws close requested by client")
				return
			}
			if !s.trySend([]byte(payload + AnswerSuffix)) {
				s.log.Warn("ws reply dropped", zap.String("payload", payload))
			}
		default:
			s.log.Info("unsupported ws message type ignored", zap.Int("type", msgType))
		}
	}
}

// detach removes the session from its registry exactly once.
func (s *Session) detach() {
	s.detachOnce.Do(func() {
		s.setState(StateClosing)
		s.registry.Remove(s)
		s.shutdown(websocket.CloseNormalClosure, "")
	})
}

// reject closes a session that could not be registered.
func (s *Session) reject(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	s.conn.Close()
	s.setState(StateClosed)
}
