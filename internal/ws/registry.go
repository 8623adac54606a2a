package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/temscope/eventgw/internal/logging"
	"github.com/temscope/eventgw/internal/metrics"
)

var (
	ErrDuplicateRegistration = errors.New("ws: session already registered")
	ErrTooManyConnections    = errors.New("ws: too many connections")
	ErrRegistryClosed        = errors.New("ws: registry closed")
)

const (
	defaultSendBuffer   = 64
	defaultWriteTimeout = 10 * time.Second
)

type Options struct {
	// MaxConnections caps registered sessions; 0 means unlimited.
	MaxConnections int
	// SendBuffer is the per-session outbound queue length.
	SendBuffer int
	// WriteTimeout bounds every frame write.
	WriteTimeout time.Duration
	// MaxMessageSize limits inbound frames; 0 means no limit.
	MaxMessageSize int64

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Registry is the set of live sessions. Add, Remove and Broadcast share one
// lock, so a broadcast never reaches a session whose removal has returned.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewRegistry(opts Options) *Registry {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Registry{
		sessions: make(map[string]*Session),
		opts:     opts,
		log:      logging.OrNop(opts.Logger),
		metrics:  opts.Metrics,
	}
}

// NewSession wraps an upgraded connection. The session is not registered
// until Add succeeds.
func (r *Registry) NewSession(conn *websocket.Conn) *Session {
	return newSession(conn, r)
}

func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, ok := r.sessions[s.id]; ok {
		return ErrDuplicateRegistration
	}
	if r.opts.MaxConnections > 0 && len(r.sessions) >= r.opts.MaxConnections {
		return ErrTooManyConnections
	}

	before := len(r.sessions)
	r.sessions[s.id] = s
	s.setState(StateOpen)
	r.metrics.SessionAdded()
	r.log.Info("ws client added",
		zap.String("session", s.id),
		zap.Int("clients_before", before),
		zap.Int("clients_after", len(r.sessions)))
	return nil
}

// Remove deregisters s and starts its close handshake. Removing a session
// that is not registered is a no-op.
func (r *Registry) Remove(s *Session) {
	r.remove(s, websocket.CloseNormalClosure, "")
}

func (r *Registry) remove(s *Session, code int, text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.id]; !ok {
		return false
	}
	before := len(r.sessions)
	delete(r.sessions, s.id)
	s.shutdown(code, text)
	r.metrics.SessionRemoved()
	r.log.Info("ws client removed",
		zap.String("session", s.id),
		zap.Int("clients_before", before),
		zap.Int("clients_after", len(r.sessions)))
	return true
}

// Broadcast queues msg on every registered session without blocking and
// returns the number of sessions it was queued for. A session whose queue
// is full is evicted asynchronously; the others are unaffected.
func (r *Registry) Broadcast(msg []byte) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	queued := 0
	for _, s := range r.sessions {
		if s.trySend(msg) {
			queued++
			r.metrics.DeliveryQueued()
			continue
		}
		r.metrics.DeliveryDropped()
		if s.evicting.CompareAndSwap(false, true) {
			r.log.Warn("ws client too slow, evicting", zap.String("session", s.id))
			go r.evict(s)
		}
	}
	return queued
}

func (r *Registry) evict(s *Session) {
	if r.remove(s, websocket.CloseTryAgainLater, "slow consumer") {
		r.metrics.SessionEvicted()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Contains(s *Session) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[s.id]
	return ok
}

// CloseAll removes every session with a going-away close frame and rejects
// further registrations.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for id, s := range r.sessions {
		delete(r.sessions, id)
		s.shutdown(websocket.CloseGoingAway, "server shutting down")
		r.metrics.SessionRemoved()
	}
	r.log.Info("ws registry closed")
}
