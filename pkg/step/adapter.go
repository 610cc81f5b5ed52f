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

package step

import (
	"errors"
	"fmt"

	"github.com/kadirpekel/agio/pkg/model"
)

// ErrMalformedMessage is returned when a wire message cannot be converted to
// a step: unknown role, or a tool message without a tool_call_id.
var ErrMalformedMessage = errors.New("malformed message")

// ToMessage converts a canonical step into the provider wire shape. Pure;
// arguments pass through as their original JSON-encoded strings.
func ToMessage(s *Step) model.Message {
	msg := model.Message{
		Role:    string(s.Role),
		Content: s.Content,
	}
	if s.Role == RoleAssistant && len(s.ToolCalls) > 0 {
		msg.ToolCalls = make([]model.ToolCall, len(s.ToolCalls))
		for i, tc := range s.ToolCalls {
			msg.ToolCalls[i] = model.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
	}
	if s.Role == RoleTool {
		msg.ToolCallID = s.ToolCallID
		msg.Name = s.ToolName
	}
	return msg
}

// FromMessage converts a wire message back into a step bound to the given
// session and sequence. Inverse of ToMessage for well-formed steps.
func FromMessage(msg model.Message, sessionID string, sequence int64) (*Step, error) {
	role := Role(msg.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrMalformedMessage, msg.Role)
	}
	if role == RoleTool && msg.ToolCallID == "" {
		return nil, fmt.Errorf("%w: tool message without tool_call_id", ErrMalformedMessage)
	}

	s := &Step{
		SessionID: sessionID,
		Sequence:  sequence,
		Role:      role,
		Content:   msg.Content,
	}
	if role == RoleAssistant && len(msg.ToolCalls) > 0 {
		s.ToolCalls = make([]ToolCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			s.ToolCalls[i] = ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
	}
	if role == RoleTool {
		s.ToolCallID = msg.ToolCallID
		s.ToolName = msg.Name
	}
	return s, nil
}
