// ABOUTME: Client infrastructure for the unified LLM client with provider routing and middleware.
// ABOUTME: Provides NewClient with functional options and middleware chain execution.

package llm

import (
	"context"
	"fmt"
)

// ProviderAdapter is implemented by each LLM provider backend.
type ProviderAdapter interface {
	// Name returns the provider identifier used for routing.
	Name() string

	// Complete sends a blocking completion request.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream sends a streaming request. The returned channel is closed when
	// the stream ends; errors arrive as StreamErrorEvt events.
	Stream(ctx context.Context, req Request) (<-chan StreamEvent, error)

	// Close releases any resources held by the adapter.
	Close() error
}

// Middleware wraps an LLM call, enabling request/response transformation,
// logging, and other cross-cutting concerns. Middleware executes in
// registration order for requests and reverse order for responses.
type Middleware func(ctx context.Context, req Request, next NextFunc) (*Response, error)

// NextFunc is the function signature passed to middleware to continue the chain.
type NextFunc func(ctx context.Context, req Request) (*Response, error)

// Client is the primary entry point for LLM API calls. It manages provider
// adapters, routes requests to the correct provider, and applies middleware.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
	middleware      []Middleware
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*Client)

// WithProvider registers a ProviderAdapter under the given name. The first
// provider registered becomes the default unless one is set explicitly.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
		if c.defaultProvider == "" {
			c.defaultProvider = name
		}
	}
}

// WithDefaultProvider sets the provider used when a Request does not specify one.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends middleware functions to the client's chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient creates a new Client with the given options applied.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// resolveProvider determines which ProviderAdapter should handle the request.
func (c *Client) resolveProvider(req Request) (ProviderAdapter, error) {
	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: "no provider specified and no default provider configured",
		}}
	}
	adapter, ok := c.providers[name]
	if !ok {
		return nil, &ConfigurationError{SDKError: SDKError{
			Message: fmt.Sprintf("provider %q not registered", name),
		}}
	}
	return adapter, nil
}

// Complete sends a completion request through the middleware chain and then to
// the appropriate provider adapter.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	handler := func(ctx context.Context, req Request) (*Response, error) {
		adapter, err := c.resolveProvider(req)
		if err != nil {
			return nil, err
		}
		return adapter.Complete(ctx, req)
	}

	// Wrap in reverse order so the first middleware registered is outermost.
	chain := handler
	for i := len(c.middleware) - 1; i >= 0; i-- {
		mw := c.middleware[i]
		next := chain
		chain = func(ctx context.Context, req Request) (*Response, error) {
			return mw(ctx, req, next)
		}
	}

	return chain(ctx, req)
}

// Stream sends a streaming request to the appropriate provider adapter.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	adapter, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	return adapter.Stream(ctx, req)
}

// Close shuts down all registered provider adapters.
func (c *Client) Close() error {
	var combined error
	for name, adapter := range c.providers {
		if err := adapter.Close(); err != nil {
			if combined == nil {
				combined = fmt.Errorf("closing provider %q: %w", name, err)
			} else {
				combined = fmt.Errorf("%w; closing provider %q: %v", combined, name, err)
			}
		}
	}
	return combined
}
