package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/NicolasHaas/chatrelay/pkg/event"
	"github.com/NicolasHaas/chatrelay/pkg/protocol"
)

// runSession is the Active-state loop of one admitted session. It returns
// after quit, peer close or a read error, having closed the session.
func (s *Server) runSession(sess *Session, lines *protocol.LineReader) {
	defer s.sessions.Done()
	defer s.closeSession(sess)

	log := s.log.With("user", sess.Username, "session", sess.ID)
	for {
		line, err := lines.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF), isClosedErr(err):
				log.Debug("peer closed connection")
			case errors.Is(err, protocol.ErrLineTooLong):
				s.metrics.ProtocolErrors.Add(1)
				log.Warn("closing session: line exceeds limit", "max_line_bytes", s.cfg.MaxLineBytes)
			default:
				log.Warn("read error", "err", err)
			}
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}

		cmd := protocol.Decode(line)
		if cmd.Kind == protocol.KindQuit {
			log.Debug("client quit")
			return
		}
		if !sess.allow() {
			s.metrics.RateLimited.Add(1)
			log.Debug("command dropped by rate limit", "kind", cmd.Kind)
			continue
		}
		s.dispatch(sess, cmd)
	}
}

// dispatch runs one decoded command for sess.
func (s *Server) dispatch(sess *Session, cmd protocol.Command) {
	switch cmd.Kind {
	case protocol.KindList:
		s.metrics.ListRequests.Add(1)
		s.events.Emit(event.New(event.ListRequest, sess.Username))
		if err := sess.Send(protocol.EncodeList(s.registry.Usernames())); err != nil {
			s.log.Debug("list reply failed", "user", sess.Username, "err", err)
		}

	case protocol.KindMessage:
		s.metrics.MessagesRelayed.Add(1)
		s.events.Emit(event.New(event.Message, sess.Username))
		s.router.Deliver(sess.Username, cmd.Recipients, protocol.EncodeMessage(sess.Username, cmd.Body), false)

	case protocol.KindFile:
		s.metrics.FilesRelayed.Add(1)
		s.events.Emit(event.New(event.File, sess.Username))
		s.router.Deliver(sess.Username, cmd.Recipients, protocol.EncodeFile(sess.Username, cmd.Filename, cmd.Payload), true)

	default:
		s.metrics.MalformedCommands.Add(1)
		s.events.Emit(event.New(event.Malformed, sess.Username))
		s.log.Debug("malformed command", "user", sess.Username, "reason", cmd.Reason, "policy", s.cfg.MalformedPolicy)
		if s.cfg.MalformedPolicy == MalformedReply {
			if err := sess.Send(protocol.ReplyIncorrectFormat); err != nil {
				s.log.Debug("malformed reply failed", "user", sess.Username, "err", err)
			}
		}
	}
}

// closeSession performs Closing -> Closed exactly once: emit the disconnect
// event, unregister, close the connection. The event precedes Remove so a
// reconnect under the same name always logs its join after it.
func (s *Server) closeSession(sess *Session) {
	sess.finishOnce.Do(func() {
		sess.setState(StateClosing)
		s.events.Emit(event.New(event.Disconnected, sess.Username))
		s.registry.Remove(sess)
		if _, err := sess.close(); err != nil && !isClosedErr(err) {
			s.log.Debug("close connection", "user", sess.Username, "err", err)
		}
		sess.setState(StateClosed)

		s.metrics.ActiveSessions.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		s.log.Info("client disconnected", "user", sess.Username, "session", sess.ID)
	})
}

func isClosedErr(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
