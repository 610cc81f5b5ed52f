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
	"fmt"
	"strconv"
	"time"
)

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

type calcArgs struct {
	A  float64 `json:"a" jsonschema:"required,description=First operand"`
	B  float64 `json:"b" jsonschema:"required,description=Second operand"`
	Op string  `json:"op" jsonschema:"required,description=Operation,enum=add,enum=sub,enum=mul,enum=div"`
}

type nowArgs struct{}

// Builtins returns the built-in tools registered by the default server
// and CLI configuration.
func Builtins() ([]Tool, error) {
	echo, err := NewFunc(
		FuncConfig{Name: "echo", Description: "Echo the given text back verbatim"},
		func(ctx context.Context, inv *Invocation, args echoArgs) (string, error) {
			return args.Text, nil
		},
	)
	if err != nil {
		return nil, err
	}

	calc, err := NewFunc(
		FuncConfig{Name: "calc", Description: "Perform basic arithmetic on two numbers"},
		func(ctx context.Context, inv *Invocation, args calcArgs) (string, error) {
			var out float64
			switch args.Op {
			case "add":
				out = args.A + args.B
			case "sub":
				out = args.A - args.B
			case "mul":
				out = args.A * args.B
			case "div":
				if args.B == 0 {
					return "", fmt.Errorf("division by zero")
				}
				out = args.A / args.B
			default:
				return "", fmt.Errorf("unknown operation: %s", args.Op)
			}
			return strconv.FormatFloat(out, 'f', -1, 64), nil
		},
	)
	if err != nil {
		return nil, err
	}

	now, err := NewFunc(
		FuncConfig{Name: "now", Description: "Return the current time in RFC 3339 format"},
		func(ctx context.Context, inv *Invocation, args nowArgs) (string, error) {
			return time.Now().Format(time.RFC3339), nil
		},
	)
	if err != nil {
		return nil, err
	}

	return []Tool{echo, calc, now}, nil
}
