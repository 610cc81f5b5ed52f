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

package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kadirpekel/agio/pkg/session"
)

// WaterfallRow is one line of the flattened trace view. Offsets are
// milliseconds relative to the root span's start.
type WaterfallRow struct {
	SpanID     string           `json:"span_id"`
	Kind       session.SpanKind `json:"kind"`
	Name       string           `json:"name"`
	Depth      int              `json:"depth"`
	OffsetMS   int64            `json:"offset_ms"`
	DurationMS int64            `json:"duration_ms"`
	IsError    bool             `json:"is_error,omitempty"`
}

// Waterfall flattens a trace into depth-first rows, children ordered by
// start time under their parent.
func Waterfall(tr *session.Trace) []WaterfallRow {
	if tr == nil || len(tr.Spans) == 0 {
		return nil
	}

	children := make(map[string][]*session.Span)
	byID := make(map[string]*session.Span, len(tr.Spans))
	for _, sp := range tr.Spans {
		byID[sp.ID] = sp
	}
	var roots []*session.Span
	for _, sp := range tr.Spans {
		if sp.ParentID == "" || byID[sp.ParentID] == nil {
			roots = append(roots, sp)
			continue
		}
		children[sp.ParentID] = append(children[sp.ParentID], sp)
	}
	for id := range children {
		sort.SliceStable(children[id], func(i, j int) bool {
			return children[id][i].StartTime < children[id][j].StartTime
		})
	}
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].StartTime < roots[j].StartTime })

	var base int64
	if len(roots) > 0 {
		base = roots[0].StartTime
	}

	var rows []WaterfallRow
	var walk func(sp *session.Span, depth int)
	walk = func(sp *session.Span, depth int) {
		rows = append(rows, WaterfallRow{
			SpanID:     sp.ID,
			Kind:       sp.Kind,
			Name:       sp.Name,
			Depth:      depth,
			OffsetMS:   sp.StartTime - base,
			DurationMS: sp.Duration(),
			IsError:    sp.IsError,
		})
		for _, child := range children[sp.ID] {
			walk(child, depth+1)
		}
	}
	for _, root := range roots {
		walk(root, 0)
	}
	return rows
}

// RenderWaterfall formats rows as an indented text timeline.
func RenderWaterfall(rows []WaterfallRow) string {
	var b strings.Builder
	for _, row := range rows {
		status := ""
		if row.IsError {
			status = " [error]"
		}
		fmt.Fprintf(&b, "%s%-16s %s  +%dms %dms%s\n",
			strings.Repeat("  ", row.Depth),
			row.Kind, row.Name, row.OffsetMS, row.DurationMS, status)
	}
	return b.String()
}
