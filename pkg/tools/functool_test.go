package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/conductor/pkg/agent"
)

type searchInput struct {
	Query string `json:"query" jsonschema:"description=Search query"`
	Limit int    `json:"limit,omitempty"`
}

func TestFuncToolSchemaAndExecute(t *testing.T) {
	tool, err := NewFunc("search", "Searches the knowledge base",
		func(ctx context.Context, ac *agent.Context, input searchInput) (string, error) {
			return input.Query, nil
		})
	require.NoError(t, err)

	assert.Equal(t, "search", tool.Name())
	assert.Equal(t, "Searches the knowledge base", tool.Description())

	schema := tool.InputSchema()
	assert.Equal(t, "object", schema["type"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "query")
	assert.Contains(t, props, "limit")
	assert.NotContains(t, schema, "$schema")

	out, err := tool.Execute(context.Background(), nil, map[string]any{"query": "hello", "limit": 3})
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestFuncToolWeakTyping(t *testing.T) {
	tool, err := NewFunc("count", "",
		func(ctx context.Context, ac *agent.Context, input searchInput) (string, error) {
			if input.Limit != 5 {
				return "", assert.AnError
			}
			return "ok", nil
		})
	require.NoError(t, err)

	// Models frequently send numbers as strings.
	out, err := tool.Execute(context.Background(), nil, map[string]any{"query": "q", "limit": "5"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestFuncToolRejectsBadInput(t *testing.T) {
	tool, err := NewFunc("strict", "",
		func(ctx context.Context, ac *agent.Context, input searchInput) (string, error) {
			return "never", nil
		})
	require.NoError(t, err)

	_, err = tool.Execute(context.Background(), nil, map[string]any{"limit": map[string]any{"nested": true}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid input")
}

func TestNewFuncRequiresName(t *testing.T) {
	_, err := NewFunc("", "",
		func(ctx context.Context, ac *agent.Context, input searchInput) (string, error) {
			return "", nil
		})
	assert.Error(t, err)
}

func TestMCPToolsetRequiresCommand(t *testing.T) {
	_, err := NewMCPToolset(MCPConfig{Name: "broken"})
	assert.Error(t, err)
}
