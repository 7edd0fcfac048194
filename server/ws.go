// ABOUTME: WebSocket transport: inbound Operations, outbound Events, strictly forwarding.
// ABOUTME: Resumes persisted sessions on connect; disconnect leaves the session live.

package server

import (
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/2389-research/mahout/agent"
	"github.com/2389-research/mahout/store"
)

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := requestUserID(r)

	session, ok := s.manager.Get(sessionID)
	if !ok {
		restored, status := s.resumeSession(sessionID, userID)
		if status != http.StatusOK {
			httpError(w, status, http.StatusText(status))
			return
		}
		session = restored
	}
	if session.UserID != userID {
		httpError(w, http.StatusForbidden, "not your session")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		return
	}

	events, ok := s.manager.Subscribe(sessionID)
	if !ok {
		conn.Close()
		return
	}

	// Writer: event channel to socket. Ends when the emitter closes or the
	// write fails.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	// Reader: socket to submission loop.
	for {
		var op agent.Operation
		if err := conn.ReadJSON(&op); err != nil {
			break
		}
		if !s.manager.Submit(sessionID, op) {
			break
		}
	}

	s.manager.Unsubscribe(sessionID, events)
	conn.Close()
	<-writeDone
	log.Printf("[server] ws detached from session %s; session stays live", sessionID)
}

// resumeSession rebuilds a persisted session and hands it to the manager.
// Returns an HTTP status for the failure cases.
func (s *Server) resumeSession(sessionID, userID string) (*agent.Session, int) {
	rec, found, err := s.index.Get(sessionID)
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	if !found || rec.Status == store.StatusDeleted {
		return nil, http.StatusNotFound
	}
	if rec.UserID != userID {
		return nil, http.StatusForbidden
	}

	router, err := s.routers()
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	session, err := RestoreSession(rec, s.sessionConfig(), router)
	if err != nil {
		return nil, http.StatusInternalServerError
	}
	return s.manager.Adopt(session), http.StatusOK
}
