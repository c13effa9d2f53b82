package server

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NicolasHaas/chatrelay/pkg/protocol"
)

// SessionState is a step of the per-connection lifecycle.
type SessionState int32

const (
	StateHandshaking SessionState = iota
	StateActive
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one admitted client connection. The connection is owned by the
// session and closed exactly once.
type Session struct {
	ID          uuid.UUID
	Username    string
	RemoteAddr  string
	ConnectedAt time.Time

	conn         net.Conn
	writeTimeout time.Duration
	limiter      *rate.Limiter // nil when flood control is off

	writeMu    sync.Mutex
	state      atomic.Int32
	closeOnce  sync.Once // connection close
	finishOnce sync.Once // Closing -> Closed transition
}

// SessionOptions are applied to every session a Registry admits.
type SessionOptions struct {
	WriteTimeout time.Duration
	RateLimit    RateLimitConfig
}

func newSession(username string, conn net.Conn, opts SessionOptions) *Session {
	s := &Session{
		ID:           uuid.New(),
		Username:     username,
		ConnectedAt:  time.Now(),
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		limiter:      newLimiter(opts.RateLimit),
	}
	if addr := conn.RemoteAddr(); addr != nil {
		s.RemoteAddr = addr.String()
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

func (s *Session) setState(st SessionState) {
	s.state.Store(int32(st))
}

// Send writes one frame to the client. Concurrent senders never interleave
// within a frame.
func (s *Session) Send(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := protocol.WriteFrame(s.conn, frame); err != nil {
		return fmt.Errorf("server: send to %s: %w", s.Username, err)
	}
	return nil
}

// allow reports whether the session may run another command now.
func (s *Session) allow() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// close closes the connection once and reports whether this call did it.
func (s *Session) close() (closed bool, err error) {
	s.closeOnce.Do(func() {
		closed = true
		err = s.conn.Close()
	})
	return closed, err
}
