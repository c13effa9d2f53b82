package server

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run binds the relay, serves until ctx is cancelled and then shuts down,
// waiting for every session to close. The metrics HTTP endpoint runs
// alongside when configured.
func (s *Server) Run(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A direct Shutdown ends Serve without an error; stop the rest too.
		defer cancel()
		return s.Serve(gctx)
	})
	if s.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return s.serveMetricsHTTP(gctx)
		})
	}
	s.metrics.StartPeriodicLog(s.log, s.cfg.MetricsLogEvery, gctx.Done())

	err := g.Wait()
	s.Shutdown()
	return err
}

// Shutdown stops accepting, closes every session and waits for their loops
// to finish. It is safe to call more than once and from several goroutines.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		start := time.Now()

		s.mu.Lock()
		s.closing = true
		ln, pending, serving := s.listener, s.handshaking, s.serving
		s.mu.Unlock()

		if ln != nil {
			_ = ln.Close()
		}
		if pending != nil {
			_ = pending.Close()
		}
		if serving {
			<-s.acceptDone
		}

		s.registry.CloseAll()
		s.sessions.Wait()
		s.log.Info("relay stopped", "took", time.Since(start).Truncate(time.Millisecond))
		close(s.stopped)
	})
	<-s.stopped
}
