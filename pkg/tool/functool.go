// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// FuncConfig defines a function tool.
type FuncConfig struct {
	// Name is the unique identifier for this tool (required).
	Name string

	// Description explains what the tool does (required).
	Description string
}

// NewFunc creates a Tool from a typed function. The Args struct's json
// and jsonschema tags define the argument schema:
//
//	type AddArgs struct {
//	    A float64 `json:"a" jsonschema:"required,description=First operand"`
//	    B float64 `json:"b" jsonschema:"required,description=Second operand"`
//	}
//
//	addTool, err := tool.NewFunc(
//	    tool.FuncConfig{Name: "add", Description: "Add two numbers"},
//	    func(ctx context.Context, inv *tool.Invocation, args AddArgs) (string, error) {
//	        return strconv.FormatFloat(args.A+args.B, 'f', -1, 64), nil
//	    },
//	)
func NewFunc[Args any](cfg FuncConfig, fn func(context.Context, *Invocation, Args) (string, error)) (Tool, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("tool name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("tool description is required")
	}
	if fn == nil {
		return nil, fmt.Errorf("tool function is required")
	}

	schema, err := generateSchema[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to generate schema for %s: %w", cfg.Name, err)
	}

	return &funcTool[Args]{cfg: cfg, fn: fn, schema: schema}, nil
}

type funcTool[Args any] struct {
	cfg    FuncConfig
	fn     func(context.Context, *Invocation, Args) (string, error)
	schema map[string]any
}

func (t *funcTool[Args]) Name() string           { return t.cfg.Name }
func (t *funcTool[Args]) Description() string    { return t.cfg.Description }
func (t *funcTool[Args]) Schema() map[string]any { return t.schema }

func (t *funcTool[Args]) Call(ctx context.Context, inv *Invocation, args map[string]any) (string, error) {
	// JSON round-trip converts the generic map into the typed struct.
	raw, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments: %w", err)
	}
	var typed Args
	if err := json.Unmarshal(raw, &typed); err != nil {
		return "", fmt.Errorf("failed to decode arguments: %w", err)
	}
	return t.fn(ctx, inv, typed)
}

// generateSchema creates a JSON schema from a Go type using struct tags.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	delete(result, "$schema")
	delete(result, "$id")

	// Providers expect a bare object schema: type, properties, required.
	if result["type"] == "object" {
		out := map[string]any{"type": "object"}
		if properties, ok := result["properties"]; ok && properties != nil {
			out["properties"] = properties
		} else {
			out["properties"] = map[string]any{}
		}
		if required, ok := result["required"]; ok {
			out["required"] = required
		}
		if addProps, ok := result["additionalProperties"]; ok {
			out["additionalProperties"] = addProps
		}
		return out, nil
	}
	return result, nil
}
