package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/NicolasHaas/chatrelay/pkg/event"
	"github.com/NicolasHaas/chatrelay/pkg/model"
	"github.com/NicolasHaas/chatrelay/pkg/protocol"
)

// Serve runs the accept loop on the listener bound by Listen until ctx is
// cancelled or Shutdown is called. Each connection is admitted synchronously
// and then handed to its own goroutine. Accept errors are retried with
// backoff; Serve returns nil on shutdown.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	switch {
	case s.closing:
		s.mu.Unlock()
		return nil
	case ln == nil:
		s.mu.Unlock()
		return ErrNotListening
	case s.serving:
		s.mu.Unlock()
		return errors.New("server: already serving")
	}
	s.serving = true
	s.mu.Unlock()

	defer close(s.acceptDone)
	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()

	backoff := 5 * time.Millisecond
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosing() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("server: accept: %w", err)
			}
			// EMFILE, ECONNABORTED and friends clear up on their own.
			s.metrics.AcceptErrors.Add(1)
			s.log.Warn("accept error, retrying", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			if backoff < time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = 5 * time.Millisecond
		s.metrics.TotalConnections.Add(1)

		// Shutdown closes the connection being admitted so it never waits
		// out the handshake timeout.
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.handshaking = conn
		s.mu.Unlock()

		sess, lines, err := s.handshake(conn)

		s.mu.Lock()
		s.handshaking = nil
		s.mu.Unlock()

		if err != nil {
			_ = conn.Close()
			continue
		}

		s.sessions.Add(1)
		go s.runSession(sess, lines)
	}
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// handshake reads the username with one bounded read and admits it. On any
// failure the caller closes conn; rejections have already been answered.
func (s *Server) handshake(conn net.Conn) (*Session, *protocol.LineReader, error) {
	remote := conn.RemoteAddr().String()

	if s.cfg.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	}
	buf := make([]byte, protocol.MaxUsernameFrame)
	n, err := conn.Read(buf)
	if n == 0 {
		s.metrics.HandshakeFailures.Add(1)
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		s.log.Debug("handshake read failed", "remote", remote, "err", err)
		return nil, nil, fmt.Errorf("server: handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	username, rest := protocol.SplitHandshake(buf[:n])
	if err := model.ValidateUsername(username); err != nil {
		s.metrics.HandshakeFailures.Add(1)
		s.log.Warn("handshake rejected invalid username", "remote", remote, "err", err)
		return nil, nil, fmt.Errorf("server: handshake: %w", err)
	}

	sess, err := s.registry.TryAdmit(username, conn)
	if err != nil {
		s.reject(conn, username, remote, err)
		return nil, nil, err
	}

	sess.setState(StateActive)
	s.metrics.Admitted.Add(1)
	s.metrics.ActiveSessions.Add(1)
	s.events.Emit(event.New(event.Join, username))
	s.log.Info("client joined", "user", username, "session", sess.ID, "remote", remote)

	// Bytes read past the username belong to the first command lines.
	pending := bytes.Clone(rest)
	lines := protocol.NewLineReader(io.MultiReader(bytes.NewReader(pending), conn), s.cfg.MaxLineBytes)
	return sess, lines, nil
}

// reject answers a refused admission.
func (s *Server) reject(conn net.Conn, username, remote string, err error) {
	var reply string
	switch {
	case errors.Is(err, ErrServerFull):
		reply = protocol.ReplyServerFull
		s.metrics.RejectedFull.Add(1)
		s.events.Emit(event.New(event.RejectedFull, username))
	case errors.Is(err, ErrNameTaken):
		reply = protocol.ReplyUsernameUnavailable
		s.metrics.RejectedNameTaken.Add(1)
		s.events.Emit(event.New(event.RejectedNameTaken, username))
	default:
		s.log.Debug("admission refused", "user", username, "remote", remote, "err", err)
		return
	}

	s.log.Info("client rejected", "user", username, "remote", remote, "reason", err)
	if s.cfg.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if werr := protocol.WriteFrame(conn, reply); werr != nil {
		s.log.Debug("rejection write failed", "remote", remote, "err", werr)
		return
	}
	// Half-close so the reply is followed by FIN rather than lost to a reset.
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
}
