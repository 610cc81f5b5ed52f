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

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kadirpekel/agio/pkg/event"
)

// sseWriter frames engine events for a text/event-stream response. One
// event per frame: an "event:" line with the kind, a "data:" line with
// the JSON payload, a blank line.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, nil
}

// WriteEvent emits one frame and flushes it.
func (s *sseWriter) WriteEvent(ev *event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writeFrame(string(ev.Kind), payload)
}

// WriteErrorFrame emits an error frame for failures that produced no
// terminal engine event.
func (s *sseWriter) WriteErrorFrame(runID, msg string) {
	payload, err := json.Marshal(map[string]string{"run_id": runID, "error": msg})
	if err != nil {
		return
	}
	_ = s.writeFrame(string(event.KindError), payload)
}

func (s *sseWriter) writeFrame(kind string, payload []byte) error {
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", kind, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
