// ABOUTME: Submission loop: the single-consumer state machine draining a session's command queue.
// ABOUTME: Serializes all turn work, supports mid-turn interrupt, and guarantees a final flush.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
)

// OpType tags an operator command.
type OpType string

const (
	OpUserInput    OpType = "user_input"
	OpExecApproval OpType = "exec_approval"
	OpInterrupt    OpType = "interrupt"
	OpUndo         OpType = "undo"
	OpCompact      OpType = "compact"
	OpShutdown     OpType = "shutdown"
)

// Operation is an operator command as it arrives from the transport.
type Operation struct {
	Type OpType          `json:"op_type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UserInputData is the payload of a user_input operation.
type UserInputData struct {
	Text string `json:"text"`
}

// ExecApprovalData is the payload of an exec_approval operation.
type ExecApprovalData struct {
	Approvals []ApprovalDecision `json:"approvals"`
}

// ApprovalDecision is the operator's verdict on one pending tool call.
type ApprovalDecision struct {
	ToolCallID   string `json:"tool_call_id"`
	Approved     bool   `json:"approved"`
	Feedback     string `json:"feedback,omitempty"`
	EditedScript string `json:"edited_script,omitempty"`
}

// Loop is the per-session submission loop. It is the only writer to the
// session's message log and pending approval.
type Loop struct {
	session *Session
	engine  *Engine
	ops     chan Operation
	done    chan struct{}
	flushed bool
}

// NewLoop creates a submission loop with a bounded command queue.
func NewLoop(session *Session, engine *Engine, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Loop{
		session: session,
		engine:  engine,
		ops:     make(chan Operation, queueSize),
		done:    make(chan struct{}),
	}
}

// Submit enqueues an operation. Returns false when the loop has exited or
// the queue is full.
func (l *Loop) Submit(op Operation) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.ops <- op:
		return true
	case <-l.done:
		return false
	default:
		return false
	}
}

// Done is closed when the loop has exited and its final flush has run.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run drains the command queue until shutdown or context cancellation.
// Handler errors become error events; the loop itself keeps going.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	defer l.finalFlush()
	defer func() {
		if err := l.session.Router.Exit(); err != nil {
			log.Printf("[loop] session %s: router exit: %v", l.session.ID, err)
		}
	}()

	if err := l.session.Router.Enter(ctx); err != nil {
		// Built-ins still work without the external client.
		l.session.emit(EventError, map[string]any{
			"message": fmt.Sprintf("external tool discovery failed: %s", err),
		})
	}
	l.session.emit(EventReady, nil)

	var queue []Operation
	for l.session.Running {
		var op Operation
		if len(queue) > 0 {
			op = queue[0]
			queue = queue[1:]
		} else {
			select {
			case <-ctx.Done():
				l.session.Running = false
				continue
			case op = <-l.ops:
			}
		}
		l.handle(ctx, &queue, op)
	}
}

func (l *Loop) handle(ctx context.Context, queue *[]Operation, op Operation) {
	s := l.session
	switch op.Type {
	case OpUserInput:
		var data UserInputData
		if err := json.Unmarshal(op.Data, &data); err != nil {
			s.emit(EventError, map[string]any{"message": "malformed user_input payload"})
			return
		}
		if s.Pending != nil {
			l.engine.AbandonPending(s)
		}
		if s.Title() == "" {
			s.SetTitle(deriveTitle(data.Text))
		}
		s.emit(EventProcessing, nil)
		l.runTurn(ctx, queue, func(turnCtx context.Context) error {
			return l.engine.RunTurn(turnCtx, s, data.Text)
		})

	case OpExecApproval:
		var data ExecApprovalData
		if err := json.Unmarshal(op.Data, &data); err != nil {
			s.emit(EventError, map[string]any{"message": "malformed exec_approval payload"})
			return
		}
		s.emit(EventProcessing, nil)
		l.runTurn(ctx, queue, func(turnCtx context.Context) error {
			return l.engine.ResumeApproval(turnCtx, s, data.Approvals)
		})

	case OpInterrupt:
		// No turn is running when the loop itself sees this; nothing to cancel.

	case OpUndo:
		if s.Pending != nil {
			l.engine.AbandonPending(s)
		}
		if s.Context.Undo() {
			s.emit(EventSystemMessage, map[string]any{"text": "Removed the last exchange."})
			l.engine.fireSave(s)
		}

	case OpCompact:
		l.engine.Compact(ctx, s, true)

	case OpShutdown:
		s.Running = false

	default:
		s.emit(EventError, map[string]any{"message": fmt.Sprintf("unknown operation %q", op.Type)})
	}
}

// runTurn executes a turn in its own goroutine so interrupt and shutdown stay
// responsive. All other operations received mid-turn are queued for after the
// turn finishes.
func (l *Loop) runTurn(ctx context.Context, queue *[]Operation, run func(context.Context) error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(turnCtx) }()

	interrupted := false
	for {
		select {
		case err := <-errCh:
			switch {
			case err == nil:
			case errors.Is(err, context.Canceled):
				l.session.emit(EventInterrupted, nil)
			default:
				l.session.emit(EventError, map[string]any{"message": err.Error()})
			}
			return

		case op := <-l.ops:
			switch op.Type {
			case OpInterrupt:
				if !interrupted {
					interrupted = true
					cancel()
				}
			case OpShutdown:
				cancel()
				*queue = append(*queue, op)
			default:
				*queue = append(*queue, op)
			}

		case <-ctx.Done():
			cancel()
			if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
				l.session.emit(EventError, map[string]any{"message": err.Error()})
			}
			l.session.Running = false
			return
		}
	}
}

// finalFlush emits shutdown and fires the save hook exactly once. Runs in the
// loop's deferred path so a crashing handler still flushes.
func (l *Loop) finalFlush() {
	if l.flushed {
		return
	}
	l.flushed = true
	l.session.Running = false
	l.session.emit(EventShutdown, nil)
	if l.engine.SaveHook != nil {
		l.engine.SaveHook(l.session)
	}
	l.session.Events.Close()
}
