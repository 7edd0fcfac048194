// ABOUTME: OpenAI Chat Completions provider adapter built on the official openai-go SDK.
// ABOUTME: Supports custom base URLs for compatible providers and streaming with indexed tool-call deltas.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIAdapter implements ProviderAdapter using the OpenAI Chat Completions
// API. A custom base URL enables OpenAI-compatible providers (hub inference
// endpoints, router services) to be used through the same adapter.
type OpenAIAdapter struct {
	client openai.Client
	model  string
}

// OpenAIOption is a functional option for configuring an OpenAIAdapter.
type OpenAIOption func(*openAIConfig)

type openAIConfig struct {
	baseURL string
	model   string
}

// WithBaseURL sets the base URL for API requests.
func WithBaseURL(url string) OpenAIOption {
	return func(c *openAIConfig) { c.baseURL = url }
}

// WithModel sets the default model used when a Request leaves Model empty.
func WithModel(model string) OpenAIOption {
	return func(c *openAIConfig) { c.model = model }
}

// NewOpenAIAdapter creates a Chat Completions adapter with the given API key.
func NewOpenAIAdapter(apiKey string, opts ...OpenAIOption) *OpenAIAdapter {
	cfg := openAIConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &OpenAIAdapter{
		client: openai.NewClient(reqOpts...),
		model:  cfg.model,
	}
}

// Name returns the provider name for this adapter.
func (a *OpenAIAdapter) Name() string { return "openai" }

// Close releases resources held by the adapter.
func (a *OpenAIAdapter) Close() error { return nil }

// Complete sends a blocking completion request.
func (a *OpenAIAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	params := a.buildParams(req)
	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	return convertCompletion(resp), nil
}

// Stream sends a streaming request and returns a channel of unified stream
// events. Tool-call argument fragments are accumulated per provider index and
// emitted as complete tool calls only once the stream finishes.
func (a *OpenAIAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	params := a.buildParams(req)
	stream := a.client.Chat.Completions.NewStreaming(ctx, params)

	events := make(chan StreamEvent, 100)

	go func() {
		defer close(events)

		var acc openai.ChatCompletionAccumulator
		// Partial tool calls keyed by the provider's per-call index.
		partial := make(map[int]*ToolCallData)
		started := make(map[int]bool)

		events <- StreamEvent{Type: StreamStart}

		for stream.Next() {
			chunk := stream.Current()
			acc.AddChunk(chunk)

			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if delta.Content != "" {
				events <- StreamEvent{Type: StreamTextDelta, Delta: delta.Content}
			}

			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				entry, ok := partial[idx]
				if !ok {
					entry = &ToolCallData{}
					partial[idx] = entry
				}
				if tc.ID != "" {
					entry.ID = tc.ID
				}
				if tc.Function.Name != "" {
					entry.Name = tc.Function.Name
				}
				// Never announce a tool call whose name is still empty.
				if !started[idx] && entry.Name != "" {
					started[idx] = true
					events <- StreamEvent{
						Type:     StreamToolStart,
						Index:    idx,
						ToolCall: &ToolCallData{ID: entry.ID, Name: entry.Name},
					}
				}
				if tc.Function.Arguments != "" {
					entry.Arguments = append(entry.Arguments, []byte(tc.Function.Arguments)...)
					events <- StreamEvent{Type: StreamToolDelta, Index: idx, Delta: tc.Function.Arguments}
				}
			}
		}

		if err := stream.Err(); err != nil {
			events <- StreamEvent{Type: StreamErrorEvt, Error: classifyOpenAIError(err)}
			return
		}

		// Emit completed tool calls in provider index order.
		indexes := make([]int, 0, len(partial))
		for idx := range partial {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			entry := partial[idx]
			if entry.Name == "" {
				continue
			}
			if len(entry.Arguments) == 0 {
				entry.Arguments = json.RawMessage("{}")
			}
			events <- StreamEvent{Type: StreamToolEnd, Index: idx, ToolCall: entry}
		}

		final := convertCompletion(&acc.ChatCompletion)
		events <- StreamEvent{
			Type:         StreamFinish,
			FinishReason: &final.FinishReason,
			Usage:        &final.Usage,
			Response:     final,
		}
	}()

	return events, nil
}

// buildParams translates a unified Request into Chat Completions parameters.
func (a *OpenAIAdapter) buildParams(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = a.model
	}
	params := openai.ChatCompletionNewParams{Model: model}

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Int(int64(*req.MaxTokens))
	}

	var messages []openai.ChatCompletionMessageParamUnion
	for _, msg := range req.Messages {
		messages = append(messages, convertMessage(msg)...)
	}
	params.Messages = messages

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, tool := range req.Tools {
			var schema map[string]any
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				schema = map[string]any{"type": "object"}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params
}

// convertMessage converts a unified Message into Chat Completions message params.
// An assistant message carrying tool calls maps to a single assistant param with
// a tool_calls array; a tool message maps to one tool param per result part.
func convertMessage(msg Message) []openai.ChatCompletionMessageParamUnion {
	switch msg.Role {
	case RoleSystem:
		return []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(msg.TextContent())}

	case RoleUser:
		return []openai.ChatCompletionMessageParamUnion{openai.UserMessage(msg.TextContent())}

	case RoleAssistant:
		text := msg.TextContent()
		var toolCalls []openai.ChatCompletionMessageToolCallParam
		for _, tc := range msg.ToolCalls() {
			toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
				ID:   tc.ID,
				Type: "function",
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		if len(toolCalls) > 0 {
			asst := openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: toolCalls,
			}
			if text != "" {
				asst.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text),
				}
			}
			return []openai.ChatCompletionMessageParamUnion{{OfAssistant: &asst}}
		}
		return []openai.ChatCompletionMessageParamUnion{openai.AssistantMessage(text)}

	case RoleTool:
		var out []openai.ChatCompletionMessageParamUnion
		for _, part := range msg.Content {
			if part.Kind == ContentToolResult && part.ToolResult != nil {
				out = append(out, openai.ToolMessage(part.ToolResult.Content, part.ToolResult.ToolCallID))
			}
		}
		return out
	}

	return nil
}

// convertCompletion converts an OpenAI ChatCompletion to a unified Response.
func convertCompletion(resp *openai.ChatCompletion) *Response {
	result := &Response{
		ID:       resp.ID,
		Model:    resp.Model,
		Provider: "openai",
		Message:  Message{Role: RoleAssistant},
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}

	if len(resp.Choices) == 0 {
		return result
	}
	choice := resp.Choices[0]

	switch choice.FinishReason {
	case "stop":
		result.FinishReason = FinishReason{Reason: FinishStop, Raw: "stop"}
	case "tool_calls":
		result.FinishReason = FinishReason{Reason: FinishToolCalls, Raw: "tool_calls"}
	case "length":
		result.FinishReason = FinishReason{Reason: FinishLength, Raw: "length"}
	default:
		result.FinishReason = FinishReason{Reason: FinishOther, Raw: string(choice.FinishReason)}
	}

	if choice.Message.Content != "" {
		result.Message.Content = append(result.Message.Content, TextPart(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		result.Message.Content = append(result.Message.Content,
			ToolCallPart(tc.ID, tc.Function.Name, json.RawMessage(tc.Function.Arguments)))
	}

	return result
}

// classifyOpenAIError maps SDK errors onto the unified error taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return NewProviderError("openai", apiErr.StatusCode, apiErr.Message, err)
	}
	return &SDKError{Message: "openai request failed", Cause: err}
}
