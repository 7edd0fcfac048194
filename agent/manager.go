// ABOUTME: Session manager owning all live sessions and their submission loops.
// ABOUTME: Creates sessions on demand, routes operations by session id, and shuts everything down.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/2389-research/mahout/tools"
)

// RouterFactory builds a fresh per-session tool router.
type RouterFactory func() (*tools.Router, error)

// Manager owns the registry of live sessions. A single mutex suffices because
// everything inside a session is serialized behind its own loop.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managedSession

	engine     *Engine
	newRouter  RouterFactory
	queueSize  int
	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup
}

type managedSession struct {
	session *Session
	loop    *Loop
	cancel  context.CancelFunc
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithRouterFactory sets how per-session tool routers are built.
func WithRouterFactory(f RouterFactory) ManagerOption {
	return func(m *Manager) { m.newRouter = f }
}

// WithQueueSize sets the per-session command queue depth.
func WithQueueSize(n int) ManagerOption {
	return func(m *Manager) { m.queueSize = n }
}

// NewManager creates a session manager around a shared turn engine.
func NewManager(engine *Engine, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:   make(map[string]*managedSession),
		engine:     engine,
		queueSize:  64,
		baseCtx:    ctx,
		cancelBase: cancel,
		newRouter: func() (*tools.Router, error) {
			r := tools.NewRouter()
			if err := tools.RegisterBuiltins(r); err != nil {
				return nil, err
			}
			return r, nil
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateSession builds a session for the user, spawns its loop, and returns
// the server-generated session id.
func (m *Manager) CreateSession(userID string, cfg Config) (string, error) {
	router, err := m.newRouter()
	if err != nil {
		return "", fmt.Errorf("build tool router: %w", err)
	}

	id := uuid.NewString()
	session := NewSession(id, userID, cfg, router)
	loop := NewLoop(session, m.engine, m.queueSize)
	ctx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	m.sessions[id] = &managedSession{session: session, loop: loop, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.Run(ctx)
	}()

	return id, nil
}

// Adopt registers an already-built session (typically restored from storage)
// and spawns its loop. When the id is already live, as with two transports
// racing to resume the same session, the existing session wins and is
// returned; the caller's copy is discarded without a loop.
func (m *Manager) Adopt(session *Session) *Session {
	loop := NewLoop(session, m.engine, m.queueSize)
	ctx, cancel := context.WithCancel(m.baseCtx)

	m.mu.Lock()
	if existing, ok := m.sessions[session.ID]; ok {
		m.mu.Unlock()
		cancel()
		return existing.session
	}
	m.sessions[session.ID] = &managedSession{session: session, loop: loop, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		loop.Run(ctx)
	}()
	return session
}

// Get returns the live session with the given id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return ms.session, true
}

// Subscribe returns an event channel for the session, or false if unknown.
func (m *Manager) Subscribe(sessionID string) (<-chan Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[sessionID]
	if !ok {
		return nil, false
	}
	return ms.session.Events.Subscribe(), true
}

// Unsubscribe detaches a previously subscribed event channel.
func (m *Manager) Unsubscribe(sessionID string, ch <-chan Event) {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if ok {
		ms.session.Events.Unsubscribe(ch)
	}
}

// Submit routes an operation to the session's loop. Returns false when the
// session is unknown or its loop has exited.
func (m *Manager) Submit(sessionID string, op Operation) bool {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return ms.loop.Submit(op)
}

// SubmitUserInput is a convenience wrapper for the user_input operation.
func (m *Manager) SubmitUserInput(sessionID, text string) bool {
	data, _ := json.Marshal(UserInputData{Text: text})
	return m.Submit(sessionID, Operation{Type: OpUserInput, Data: data})
}

// SubmitApproval is a convenience wrapper for the exec_approval operation.
func (m *Manager) SubmitApproval(sessionID string, approvals []ApprovalDecision) bool {
	data, _ := json.Marshal(ExecApprovalData{Approvals: approvals})
	return m.Submit(sessionID, Operation{Type: OpExecApproval, Data: data})
}

// Interrupt cancels the session's running turn, if any.
func (m *Manager) Interrupt(sessionID string) bool {
	return m.Submit(sessionID, Operation{Type: OpInterrupt})
}

// Undo removes the session's last exchange.
func (m *Manager) Undo(sessionID string) bool {
	return m.Submit(sessionID, Operation{Type: OpUndo})
}

// Compact forces a compaction pass on the session.
func (m *Manager) Compact(sessionID string) bool {
	return m.Submit(sessionID, Operation{Type: OpCompact})
}

// ShutdownSession asks the session's loop to flush and exit.
func (m *Manager) ShutdownSession(sessionID string) bool {
	return m.Submit(sessionID, Operation{Type: OpShutdown})
}

// DeleteSession shuts the session's loop down and removes it from the
// registry. Waits for the loop's final flush.
func (m *Manager) DeleteSession(sessionID string) bool {
	m.mu.Lock()
	ms, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if !ms.loop.Submit(Operation{Type: OpShutdown}) {
		ms.cancel()
	}
	<-ms.loop.Done()
	ms.cancel()
	return true
}

// SessionIDs returns the ids of all live sessions.
func (m *Manager) SessionIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown broadcasts shutdown to every session and waits for all loops to
// flush, bounded by the context deadline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*managedSession, 0, len(m.sessions))
	for _, ms := range m.sessions {
		live = append(live, ms)
	}
	m.sessions = make(map[string]*managedSession)
	m.mu.Unlock()

	for _, ms := range live {
		if !ms.loop.Submit(Operation{Type: OpShutdown}) {
			ms.cancel()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.cancelBase()
		return ctx.Err()
	}
	m.cancelBase()
	return nil
}
