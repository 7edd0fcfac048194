// ABOUTME: External tool-protocol client backed by the official MCP Go SDK.
// ABOUTME: Handles session lifecycle, tool discovery, and content-block-to-text conversion.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// MCPClient implements ExternalClient over the Model Context Protocol.
// It supports stdio servers (spawned commands) and streamable HTTP endpoints.
type MCPClient struct {
	name     string
	command  []string
	endpoint string

	client  *mcp.Client
	session *mcp.ClientSession
}

// NewMCPCommandClient creates a client that spawns the given command and
// speaks MCP over its stdio.
func NewMCPCommandClient(name string, command ...string) *MCPClient {
	return &MCPClient{name: name, command: command}
}

// NewMCPHTTPClient creates a client for a streamable HTTP MCP endpoint.
func NewMCPHTTPClient(name, endpoint string) *MCPClient {
	return &MCPClient{name: name, endpoint: endpoint}
}

// Connect opens the MCP session.
func (c *MCPClient) Connect(ctx context.Context) error {
	if c.session != nil {
		return nil
	}

	c.client = mcp.NewClient(&mcp.Implementation{Name: c.name, Version: "1.0.0"}, nil)

	var transport mcp.Transport
	switch {
	case len(c.command) > 0:
		transport = &mcp.CommandTransport{Command: exec.CommandContext(ctx, c.command[0], c.command[1:]...)}
	case c.endpoint != "":
		transport = &mcp.StreamableClientTransport{Endpoint: c.endpoint}
	default:
		return fmt.Errorf("mcp client %q has neither command nor endpoint", c.name)
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp connect: %w", err)
	}
	c.session = session
	return nil
}

// ListTools returns the specs of all tools the server exposes.
func (c *MCPClient) ListTools(ctx context.Context) ([]ToolSpec, error) {
	if c.session == nil {
		return nil, fmt.Errorf("mcp session not connected")
	}

	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp list tools: %w", err)
	}

	specs := make([]ToolSpec, 0, len(result.Tools))
	for _, tool := range result.Tools {
		params, err := json.Marshal(tool.InputSchema)
		if err != nil {
			params = []byte(`{"type":"object"}`)
		}
		specs = append(specs, ToolSpec{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  params,
			// No handler: dispatched back through CallTool.
		})
	}
	return specs, nil
}

// CallTool invokes a remote tool and flattens its content blocks to text.
func (c *MCPClient) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if c.session == nil {
		return "", fmt.Errorf("mcp session not connected")
	}

	result, err := c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("mcp call tool: %w", err)
	}

	text := flattenContent(result.Content)
	if result.IsError {
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

// Close tears the MCP session down.
func (c *MCPClient) Close() error {
	if c.session == nil {
		return nil
	}
	err := c.session.Close()
	c.session = nil
	return err
}

// flattenContent converts MCP content blocks to a single text blob: text
// verbatim, images and binary resources as bracketed MIME placeholders,
// textual resources as their text.
func flattenContent(blocks []mcp.Content) string {
	var parts []string
	for _, block := range blocks {
		switch b := block.(type) {
		case *mcp.TextContent:
			parts = append(parts, b.Text)
		case *mcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[Image: %s]", b.MIMEType))
		case *mcp.EmbeddedResource:
			if b.Resource == nil {
				continue
			}
			if b.Resource.Text != "" {
				parts = append(parts, b.Resource.Text)
			} else {
				parts = append(parts, fmt.Sprintf("[Binary data: %s]", b.Resource.MIMEType))
			}
		}
	}
	return strings.Join(parts, "\n")
}
