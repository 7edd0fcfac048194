// ABOUTME: Turn engine running bounded LLM-call-then-tool-execute cycles for a session.
// ABOUTME: Handles streaming, concurrent tool execution, the approval gate, and approval resume.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/2389-research/mahout/llm"
)

const compactionPrompt = "You summarize agent conversations. Produce a compact natural-language " +
	"summary of the transcript below. Preserve the user's goals and intent, decisions made, " +
	"tool outcomes, and any unresolved threads. Respond with the summary only."

// SaveHook is invoked in the background whenever a turn changes session state.
type SaveHook func(s *Session)

// Engine drives turns for sessions. It is shared across sessions and holds no
// per-session state.
type Engine struct {
	client *llm.Client
	policy *Policy

	// SaveHook, when set, fires after state-changing operations.
	SaveHook SaveHook
}

// NewEngine creates a turn engine.
func NewEngine(client *llm.Client, policy *Policy) *Engine {
	if policy == nil {
		policy = NewPolicy(false, DefaultRules())
	}
	return &Engine{client: client, policy: policy}
}

// execCall is a tool call with its already-parsed arguments.
type execCall struct {
	call llm.ToolCallData
	args map[string]any
}

// RunTurn appends the user input (when non-empty) and runs the iteration loop
// until the model answers without tool calls, an approval pause is reached,
// the iteration cap is hit, or an error occurs. Cancellation is returned as
// ctx.Err; the in-flight assistant message is discarded.
func (e *Engine) RunTurn(ctx context.Context, s *Session, userText string) error {
	if userText != "" {
		s.Context.Append(llm.UserMessage(userText))
	}
	s.resetLoopDetection()
	return e.runLoop(ctx, s)
}

func (e *Engine) runLoop(ctx context.Context, s *Session) error {
	for iter := 0; iter < s.Config.MaxIterations; iter++ {
		req := llm.Request{
			Model:    s.Config.Model,
			Provider: s.Config.Provider,
			Messages: s.Context.Messages(),
			Tools:    s.Router.Definitions(),
		}

		stream, err := e.client.Stream(ctx, req)
		if err != nil {
			return fmt.Errorf("start completion stream: %w", err)
		}
		resp, err := consumeStream(ctx, stream, s)
		if err != nil {
			return err
		}

		// Provider usage is the exact size of the context after this response;
		// prefer it over the local estimate when it is ahead.
		if estimate := s.Context.TokenCount(); resp.Usage.TotalTokens > estimate {
			s.Context.AppendWithCount(resp.Message, resp.Usage.TotalTokens-estimate)
		} else {
			s.Context.Append(resp.Message)
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			s.emit(EventAssistantMessage, map[string]any{"text": resp.TextContent()})
			e.finishTurn(ctx, s)
			return nil
		}
		if text := resp.TextContent(); text != "" {
			s.emit(EventAssistantMessage, map[string]any{"text": text})
		}

		if s.noteToolCalls(calls) {
			steer := "You have repeated the same tool call several times with identical " +
				"arguments. Stop, reconsider your approach, and answer the user with what " +
				"you have."
			s.Context.Append(llm.SystemMessage(steer))
			s.emit(EventSystemMessage, map[string]any{"text": steer})
		}

		var auto, pending []execCall
		for _, call := range calls {
			args, parseErr := call.ArgumentsMap()
			if parseErr != nil {
				// Malformed arguments skip the approval gate and surface
				// directly as a failed result.
				msg := fmt.Sprintf("Tool error (%s): invalid arguments: %s", call.Name, parseErr)
				s.Context.Append(llm.ToolResultMessage(call.ID, call.Name, msg, true))
				s.emit(EventToolOutput, map[string]any{
					"tool_call_id": call.ID,
					"name":         call.Name,
					"output":       msg,
					"success":      false,
				})
				continue
			}
			ec := execCall{call: call, args: args}
			if s.Config.YOLO || !e.policy.RequiresApproval(call.Name, args) {
				auto = append(auto, ec)
			} else {
				pending = append(pending, ec)
			}
		}

		e.executeCalls(ctx, s, auto)

		if len(pending) > 0 {
			batch := make([]map[string]any, len(pending))
			pendingCalls := make([]llm.ToolCallData, len(pending))
			for i, ec := range pending {
				pendingCalls[i] = ec.call
				batch[i] = map[string]any{
					"tool_call_id": ec.call.ID,
					"name":         ec.call.Name,
					"arguments":    json.RawMessage(ec.call.Arguments),
				}
			}
			s.Pending = &PendingApproval{Calls: pendingCalls}
			s.emit(EventApprovalRequired, map[string]any{"tool_calls": batch})
			// Paused: the turn resumes through ResumeApproval.
			return nil
		}

		if err := ctx.Err(); err != nil {
			return err
		}
	}

	notice := "Reached the maximum number of tool iterations for this turn."
	s.emit(EventSystemMessage, map[string]any{"text": notice})
	e.finishTurn(ctx, s)
	return nil
}

// executeCalls emits tool_call events upfront in declared order, runs all
// calls concurrently, then appends results and emits tool_output in the same
// declared order.
func (e *Engine) executeCalls(ctx context.Context, s *Session, calls []execCall) {
	if len(calls) == 0 {
		return
	}

	for _, ec := range calls {
		s.emit(EventToolCall, map[string]any{
			"tool_call_id": ec.call.ID,
			"name":         ec.call.Name,
			"arguments":    json.RawMessage(ec.call.Arguments),
		})
	}

	type result struct {
		output string
		ok     bool
	}
	results := make([]result, len(calls))

	var wg sync.WaitGroup
	for i, ec := range calls {
		wg.Add(1)
		go func(i int, ec execCall) {
			defer wg.Done()
			out, ok := s.Router.Call(ctx, ec.call.Name, ec.args)
			results[i] = result{output: out, ok: ok}
		}(i, ec)
	}
	wg.Wait()

	for i, ec := range calls {
		res := results[i]
		s.emit(EventToolOutput, map[string]any{
			"tool_call_id": ec.call.ID,
			"name":         ec.call.Name,
			"output":       res.output,
			"success":      res.ok,
		})
		truncated := s.truncateOutput(ec.call.Name, res.output)
		s.Context.Append(llm.ToolResultMessage(ec.call.ID, ec.call.Name, truncated, !res.ok))
	}
}

// ResumeApproval applies the operator's decisions to the pending batch,
// executes approved calls, records rejections, and re-enters the iteration
// loop with empty input so the model sees the results.
func (e *Engine) ResumeApproval(ctx context.Context, s *Session, decisions []ApprovalDecision) error {
	if s.Pending == nil {
		return fmt.Errorf("no approval pending for session %s", s.ID)
	}

	byID := make(map[string]ApprovalDecision, len(decisions))
	for _, d := range decisions {
		byID[d.ToolCallID] = d
	}

	var approved []execCall
	for _, call := range s.Pending.Calls {
		decision, found := byID[call.ID]
		if !found || !decision.Approved {
			s.emit(EventToolStateChange, map[string]any{
				"tool_call_id": call.ID,
				"name":         call.Name,
				"state":        "rejected",
			})
			msg := "cancelled by user"
			if decision.Feedback != "" {
				msg += ". User feedback: " + SanitizeFeedback(decision.Feedback)
			}
			s.Context.Append(llm.ToolResultMessage(call.ID, call.Name, msg, false))
			continue
		}

		s.emit(EventToolStateChange, map[string]any{
			"tool_call_id": call.ID,
			"name":         call.Name,
			"state":        "approved",
		})

		args, parseErr := call.ArgumentsMap()
		if parseErr != nil {
			msg := fmt.Sprintf("Tool error (%s): invalid arguments: %s", call.Name, parseErr)
			s.Context.Append(llm.ToolResultMessage(call.ID, call.Name, msg, true))
			s.emit(EventToolOutput, map[string]any{
				"tool_call_id": call.ID,
				"name":         call.Name,
				"output":       msg,
				"success":      false,
			})
			continue
		}
		if decision.EditedScript != "" {
			args["script"] = decision.EditedScript
		}
		approved = append(approved, execCall{call: call, args: args})
	}

	e.executeCalls(ctx, s, approved)
	s.Pending = nil

	return e.runLoop(ctx, s)
}

// AbandonPending synthesizes a tool result for every still-pending call so
// the history stays well-formed, then clears the batch. Called when the
// operator moves on without deciding.
func (e *Engine) AbandonPending(s *Session) {
	if s.Pending == nil {
		return
	}
	for _, call := range s.Pending.Calls {
		s.Context.Append(llm.ToolResultMessage(call.ID, call.Name,
			"Task abandoned: user continued the conversation.", false))
		s.emit(EventToolStateChange, map[string]any{
			"tool_call_id": call.ID,
			"name":         call.Name,
			"state":        "abandoned",
		})
	}
	s.Pending = nil
}

// Compact runs compaction outside a turn, bypassing the threshold gate when
// force is set. Emits compacted or error, and fires the save hook on change.
func (e *Engine) Compact(ctx context.Context, s *Session, force bool) {
	oldTokens, newTokens, changed, err := s.Context.Compact(ctx, e.summarizer(s), force)
	if err != nil {
		s.emit(EventError, map[string]any{"message": fmt.Sprintf("compaction failed: %s", err)})
		return
	}
	if changed {
		s.emit(EventCompacted, map[string]any{
			"old_tokens": oldTokens,
			"new_tokens": newTokens,
		})
		e.fireSave(s)
	}
}

// finishTurn runs post-loop compaction, emits turn_complete, and fires the
// save hook.
func (e *Engine) finishTurn(ctx context.Context, s *Session) {
	oldTokens, newTokens, changed, err := s.Context.Compact(ctx, e.summarizer(s), false)
	if err != nil {
		s.emit(EventError, map[string]any{"message": fmt.Sprintf("compaction failed: %s", err)})
	} else if changed {
		s.emit(EventCompacted, map[string]any{
			"old_tokens": oldTokens,
			"new_tokens": newTokens,
		})
	}
	s.emit(EventTurnComplete, nil)
	e.fireSave(s)
}

func (e *Engine) fireSave(s *Session) {
	if e.SaveHook != nil {
		go e.SaveHook(s)
	}
}

// summarizer renders the head of the log as a transcript and asks the model
// for a summary via a blocking completion.
func (e *Engine) summarizer(s *Session) Summarizer {
	return func(ctx context.Context, head []llm.Message) (string, error) {
		var b strings.Builder
		for _, msg := range head {
			if text := msg.TextContent(); text != "" {
				fmt.Fprintf(&b, "[%s] %s\n", msg.Role, text)
			}
			for _, call := range msg.ToolCalls() {
				fmt.Fprintf(&b, "[%s] called %s(%s)\n", msg.Role, call.Name, string(call.Arguments))
			}
		}

		resp, err := e.client.Complete(ctx, llm.Request{
			Model:    s.Config.Model,
			Provider: s.Config.Provider,
			Messages: []llm.Message{
				llm.SystemMessage(compactionPrompt),
				llm.UserMessage(b.String()),
			},
		})
		if err != nil {
			return "", err
		}
		return resp.TextContent(), nil
	}
}
