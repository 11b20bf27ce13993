// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/conductor/pkg/agent"
	"github.com/kadirpekel/conductor/pkg/logger"
)

// MCPConfig configures one MCP server connection over stdio.
type MCPConfig struct {
	// Name identifies this toolset in logs.
	Name string `yaml:"name"`

	// Command is the server executable to spawn.
	Command string `yaml:"command"`

	// Args are passed to the command.
	Args []string `yaml:"args,omitempty"`

	// Env is additional environment for the subprocess.
	Env map[string]string `yaml:"env,omitempty"`

	// Filter limits which of the server's tools are exposed. Empty
	// means all.
	Filter []string `yaml:"filter,omitempty"`
}

// MCPToolset exposes an MCP server's tools as agent tools. The
// subprocess connection is established lazily on the first Tools call.
type MCPToolset struct {
	cfg       MCPConfig
	filterSet map[string]bool

	mu        sync.Mutex
	client    *client.Client
	tools     []agent.Tool
	connected bool
}

// NewMCPToolset creates a toolset for a stdio MCP server.
func NewMCPToolset(cfg MCPConfig) (*MCPToolset, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp toolset %q: command is required", cfg.Name)
	}

	var filterSet map[string]bool
	if len(cfg.Filter) > 0 {
		filterSet = make(map[string]bool, len(cfg.Filter))
		for _, name := range cfg.Filter {
			filterSet[name] = true
		}
	}
	return &MCPToolset{cfg: cfg, filterSet: filterSet}, nil
}

// Tools returns the server's tools, connecting on first use.
func (t *MCPToolset) Tools(ctx context.Context) ([]agent.Tool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %q: %w", t.cfg.Name, err)
		}
		t.connected = true
	}
	return t.tools, nil
}

func (t *MCPToolset) connect(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, envList(t.cfg.Env), t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "conductor",
		Version: "1.0.0",
	}
	initReq.Params.ProtocolVersion = "2024-11-05"

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP session: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	var tools []agent.Tool
	for _, remote := range listResp.Tools {
		if t.filterSet != nil && !t.filterSet[remote.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			toolset:     t,
			name:        remote.Name,
			description: remote.Description,
			schema:      convertSchema(remote.InputSchema),
		})
	}

	logger.GetLogger().Info("connected to MCP server",
		"name", t.cfg.Name, "command", t.cfg.Command, "tools", len(tools))

	t.client = mcpClient
	t.tools = tools
	return nil
}

// Close shuts down the subprocess connection.
func (t *MCPToolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil {
		return nil
	}
	err := t.client.Close()
	t.client = nil
	t.connected = false
	t.tools = nil
	return err
}

// mcpTool is one remote tool surfaced through the toolset.
type mcpTool struct {
	toolset     *MCPToolset
	name        string
	description string
	schema      map[string]any
}

func (m *mcpTool) Name() string                { return m.name }
func (m *mcpTool) Description() string         { return m.description }
func (m *mcpTool) InputSchema() map[string]any { return m.schema }

// Execute forwards the call to the MCP server and flattens text content.
func (m *mcpTool) Execute(ctx context.Context, ac *agent.Context, input map[string]any) (string, error) {
	m.toolset.mu.Lock()
	mcpClient := m.toolset.client
	m.toolset.mu.Unlock()

	if mcpClient == nil {
		return "", fmt.Errorf("MCP server %q is not connected", m.toolset.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = m.name
	req.Params.Arguments = input

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}

	text := collectText(resp)
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("MCP tool %q failed: %s", m.name, text)
	}
	return text, nil
}

func collectText(resp *mcp.CallToolResult) string {
	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func convertSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
