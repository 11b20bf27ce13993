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

// Package tools provides agent tool implementations: typed function
// tools with reflected JSON schemas, and tools backed by external MCP
// servers.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/kadirpekel/conductor/pkg/agent"
)

// FuncTool adapts a typed Go function into an agent tool. The input
// schema is reflected from T's json tags; inputs from the model are
// validated by decode before the function ever sees them.
type FuncTool[T any] struct {
	name        string
	description string
	schema      map[string]any
	fn          func(ctx context.Context, ac *agent.Context, input T) (string, error)
}

// NewFunc builds a FuncTool from a function over a typed input struct.
func NewFunc[T any](name, description string, fn func(ctx context.Context, ac *agent.Context, input T) (string, error)) (*FuncTool[T], error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	var zero T
	schema, err := reflectSchema(zero)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect schema for tool %q: %w", name, err)
	}
	return &FuncTool[T]{
		name:        name,
		description: description,
		schema:      schema,
		fn:          fn,
	}, nil
}

// Name implements agent.Tool.
func (t *FuncTool[T]) Name() string { return t.name }

// Description implements agent.Tool.
func (t *FuncTool[T]) Description() string { return t.description }

// InputSchema implements agent.Tool.
func (t *FuncTool[T]) InputSchema() map[string]any { return t.schema }

// Execute decodes the raw input into T and invokes the function.
func (t *FuncTool[T]) Execute(ctx context.Context, ac *agent.Context, input map[string]any) (string, error) {
	var typed T
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &typed,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build input decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return "", fmt.Errorf("invalid input for tool %q: %w", t.name, err)
	}
	return t.fn(ctx, ac, typed)
}

// reflectSchema derives a JSON schema map from a value's type.
func reflectSchema(v any) (map[string]any, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := reflector.Reflect(v)

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	// The reasoning side only needs the object shape.
	delete(out, "$schema")
	delete(out, "$id")
	return out, nil
}
