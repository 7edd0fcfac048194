// ABOUTME: Tool router unifying built-in in-process tools and externally discovered tools.
// ABOUTME: Provides ToolSpec registration, bounded enter/exit lifecycle, and error-swallowing dispatch.

package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/2389-research/mahout/llm"
)

// Handler executes an in-process tool. Arguments arrive pre-parsed; handlers
// validate their own fields and return a string error message on mismatch.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// ToolSpec describes a tool registered with the router. Tools without a
// Handler are dispatched to the external client.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []byte // JSON Schema, root type "object"
	Handler     Handler
}

// Definition returns the LLM-facing tool definition.
func (s *ToolSpec) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  s.Parameters,
	}
}

// ExternalClient is the external tool-protocol contract the router depends on.
type ExternalClient interface {
	// Connect opens the protocol session.
	Connect(ctx context.Context) error

	// ListTools returns the specs of all tools the server exposes.
	ListTools(ctx context.Context) ([]ToolSpec, error)

	// CallTool invokes a remote tool and returns its output as text.
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)

	// Close tears the session down.
	Close() error
}

// Router is the uniform tool registry for a session. Mutations happen only
// during Enter/Exit; dispatch reads are lock-free in the steady state.
type Router struct {
	mu          sync.RWMutex
	specs       map[string]*ToolSpec
	external    ExternalClient
	disallowed  map[string]bool
	initialized bool
}

// Option configures a Router.
type Option func(*Router)

// WithExternalClient attaches an external tool-protocol client whose tools
// are discovered during Enter.
func WithExternalClient(client ExternalClient) Option {
	return func(r *Router) { r.external = client }
}

// WithDisallowed filters the given tool names out of external discovery.
func WithDisallowed(names ...string) Option {
	return func(r *Router) {
		for _, n := range names {
			r.disallowed[n] = true
		}
	}
}

// NewRouter creates a Router with the given options applied.
func NewRouter(opts ...Option) *Router {
	r := &Router{
		specs:      make(map[string]*ToolSpec),
		disallowed: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool. Returns an error for an empty name.
func (r *Router) Register(spec *ToolSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	return nil
}

// Enter opens the external client (if any), discovers its tools, filters the
// disallowed set, and registers the remainder. Safe to call once per session.
func (r *Router) Enter(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.initialized {
		return nil
	}

	if r.external != nil {
		if err := r.external.Connect(ctx); err != nil {
			return fmt.Errorf("connect external tool client: %w", err)
		}
		discovered, err := r.external.ListTools(ctx)
		if err != nil {
			_ = r.external.Close()
			return fmt.Errorf("list external tools: %w", err)
		}
		for i := range discovered {
			spec := discovered[i]
			if r.disallowed[spec.Name] {
				continue
			}
			// Built-in tools take precedence over same-named external ones.
			if _, exists := r.specs[spec.Name]; exists {
				continue
			}
			r.specs[spec.Name] = &spec
		}
	}

	r.initialized = true
	return nil
}

// Exit closes the external client. The registry stays queryable afterwards.
func (r *Router) Exit() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.initialized = false
	if r.external != nil {
		return r.external.Close()
	}
	return nil
}

// Has reports whether a tool with the given name is registered.
func (r *Router) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.specs[name]
	return ok
}

// Definitions returns all tool definitions in name order.
func (r *Router) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(r.specs))
	for _, spec := range r.specs {
		defs = append(defs, spec.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call dispatches a tool call and returns (output, ok). Tool failures are
// returned as (error text, false), never as a Go error; a missing tool is
// itself a tool error rather than a router fault.
func (r *Router) Call(ctx context.Context, name string, args map[string]any) (string, bool) {
	r.mu.RLock()
	spec, ok := r.specs[name]
	external := r.external
	r.mu.RUnlock()

	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name), false
	}

	if spec.Handler != nil {
		output, err := spec.Handler(ctx, args)
		if err != nil {
			return fmt.Sprintf("Tool error (%s): %s", name, err), false
		}
		return output, true
	}

	if external == nil {
		return fmt.Sprintf("Tool error (%s): no external client configured", name), false
	}
	output, err := external.CallTool(ctx, name, args)
	if err != nil {
		return fmt.Sprintf("Tool error (%s): %s", name, err), false
	}
	return output, true
}
