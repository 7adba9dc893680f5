// Package prompt builds the system prompt pinned at the start of every
// conversation from the configured text and from prompts advertised by MCP
// servers.
package prompt

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/comigor/relay-go/internal/config"
	"github.com/comigor/relay-go/internal/logger"
)

// Source defines the methods we expect from an MCP client.
type Source interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListPrompts(ctx context.Context, req mcp.ListPromptsRequest) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error)
	Close() error
}

// Dialer opens a Source for one configured server.
type Dialer func(ctx context.Context, cfg config.MCPServerConfig) (Source, error)

// Resolve returns base followed by the prompt discovered on each server,
// separated by blank lines. Servers that cannot be reached or offer nothing
// are skipped with a log entry.
func Resolve(ctx context.Context, base string, servers []config.MCPServerConfig, dial Dialer) string {
	var parts []string
	if s := strings.TrimSpace(base); s != "" {
		parts = append(parts, s)
	}

	for _, serverCfg := range servers {
		src, err := dial(ctx, serverCfg)
		if err != nil {
			logger.L.Error("Failed to create MCP client", "name", serverCfg.Name, "error", err)
			continue
		}
		found := discover(ctx, src, serverCfg.Name)
		if cerr := src.Close(); cerr != nil {
			logger.L.Warn("MCP client close error", "name", serverCfg.Name, "error", cerr)
		}
		if found != "" {
			logger.L.Info("Discovered system prompt from MCP server", "name", serverCfg.Name)
			parts = append(parts, found)
		}
	}

	return strings.Join(parts, "\n\n")
}

// discover returns the text of the first assistant message of the first
// argument-less prompt the server advertises.
func discover(ctx context.Context, src Source, name string) string {
	initReq := mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcp.Implementation{Name: "relay-go", Version: "1.0.0"},
			Capabilities:    mcp.ClientCapabilities{},
		},
	}
	initResult, err := src.Initialize(ctx, initReq)
	if err != nil {
		logger.L.Error("Failed to initialize MCP client", "name", name, "error", err)
		return ""
	}
	if initResult == nil || initResult.Capabilities.Prompts == nil {
		logger.L.Debug("Server does not list prompt support via Capabilities.Prompts.", "name", name)
		return ""
	}

	prompts, err := src.ListPrompts(ctx, mcp.ListPromptsRequest{})
	if err != nil || prompts == nil {
		logger.L.Warn("Failed to list prompts", "name", name, "error", err)
		return ""
	}
	indexFirst := slices.IndexFunc(prompts.Prompts, func(p mcp.Prompt) bool {
		return len(p.Arguments) == 0
	})
	if indexFirst == -1 {
		logger.L.Debug("Server has no argument-less prompt.", "name", name)
		return ""
	}

	getPromptReq := mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: prompts.Prompts[indexFirst].Name},
	}
	firstPrompt, err := src.GetPrompt(ctx, getPromptReq)
	if err != nil || firstPrompt == nil {
		logger.L.Warn("Failed to get prompt", "name", name, "error", err)
		return ""
	}
	for _, m := range firstPrompt.Messages {
		if m.Role != "assistant" {
			continue
		}
		switch content := m.Content.(type) {
		case mcp.TextContent:
			return content.Text
		case *mcp.TextContent:
			return content.Text
		}
	}
	return ""
}

// Connect is the Dialer backed by mcp-go clients.
func Connect(ctx context.Context, serverCfg config.MCPServerConfig) (Source, error) {
	var (
		mcpC *client.Client
		err  error
	)
	switch serverCfg.Type {
	case config.ClientTypeSSE:
		var sseOpts []transport.ClientOption
		if len(serverCfg.Headers) > 0 {
			sseOpts = append(sseOpts, transport.WithHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewSSEMCPClient(serverCfg.URL, sseOpts...)
	case config.ClientTypeStreamableHTTP:
		var httpOpts []transport.StreamableHTTPCOption
		if len(serverCfg.Headers) > 0 {
			httpOpts = append(httpOpts, transport.WithHTTPHeaders(serverCfg.Headers))
		}
		mcpC, err = client.NewStreamableHttpClient(serverCfg.URL, httpOpts...)
	case config.ClientTypeStdio:
		var env []string
		for k, v := range serverCfg.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		// stdio clients are started by the constructor
		mcpC, err = client.NewStdioMCPClient(serverCfg.Command, env, serverCfg.Args...)
		if err != nil {
			return nil, err
		}
		return mcpC, nil
	default:
		return nil, fmt.Errorf("unsupported MCP server type %q (want sse, streamable_http or stdio)", serverCfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := mcpC.Start(ctx); err != nil {
		if cerr := mcpC.Close(); cerr != nil {
			logger.L.Warn("MCP client close error after start failure", "error", cerr)
		}
		return nil, fmt.Errorf("start MCP transport: %w", err)
	}
	return mcpC, nil
}
