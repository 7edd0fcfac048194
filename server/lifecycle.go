// ABOUTME: Process lifecycle: serve HTTP, run the background syncer, and shut down gracefully.
// ABOUTME: On signal-driven cancellation every session flushes under a 5 second deadline.

package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"
)

const shutdownDeadline = 5 * time.Second

// ListenAndServe runs the HTTP server and the background syncer until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Routes(),
	}

	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	go s.syncer.Run(syncCtx)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", s.cfg.Addr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Printf("[server] shutting down")
	s.Shutdown()

	httpCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := httpSrv.Shutdown(httpCtx); err != nil {
		log.Printf("[server] http shutdown: %v", err)
	}
	return nil
}

// Shutdown broadcasts shutdown to all live sessions, waits for their loops
// to flush, then forces a final persistence flush. Failures are logged, never
// fatal: dirty rows survive in the index for the next start.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()
	if err := s.manager.Shutdown(ctx); err != nil {
		log.Printf("[server] session shutdown incomplete: %v", err)
	}
	s.syncer.FinalFlush(context.Background(), shutdownDeadline)
}
