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

package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agio/pkg/agent"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Address())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 1024, cfg.Bus.EventQueueSize)
	assert.Equal(t, "none", cfg.Tracing.Exporter)
}

func TestParseAgentDefinition(t *testing.T) {
	cfg, err := Parse([]byte(`
agents:
  helper:
    provider: echo
    system_prompt: be nice
    tools: [add, now]
    max_steps: 5
    parallel_tool_calls: false
    timeout_per_tool_ms: 1500
    timeout_per_run_ms: 90000
    checkpoint_strategy: every_step
    max_retries: 2
`))
	require.NoError(t, err)

	def, ok := cfg.Agents["helper"]
	require.True(t, ok)
	assert.Equal(t, "helper", def.Name)
	assert.Equal(t, []string{"add", "now"}, def.Tools)

	ac := def.AgentConfig()
	assert.Equal(t, 5, ac.MaxSteps)
	assert.False(t, ac.ParallelToolCalls)
	assert.Equal(t, 1500*time.Millisecond, ac.TimeoutPerTool)
	assert.Equal(t, 90*time.Second, ac.TimeoutPerRun)
	assert.Equal(t, agent.CheckpointEveryStep, ac.CheckpointStrategy)
	assert.Equal(t, 2, ac.MaxRetries)
	assert.Equal(t, "be nice", ac.SystemPrompt)

	// Omitted knobs keep the engine defaults.
	assert.Equal(t, 8, ac.MaxParallelToolCalls)
	assert.Equal(t, 120*time.Second, ac.TimeoutPerStep)
	assert.True(t, ac.Stream)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("AGIO_TEST_DSN", "postgres://db/agio")
	t.Setenv("AGIO_TEST_PORT", "9999")

	cfg, err := Parse([]byte(`
server:
  port: ${AGIO_TEST_PORT}
store:
  backend: postgres
  dsn: ${AGIO_TEST_DSN}
tracing:
  exporter: otlp
  endpoint: ${AGIO_TEST_OTLP:-localhost:4317}
`))
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "postgres://db/agio", cfg.Store.DSN)
	assert.Equal(t, "localhost:4317", cfg.Tracing.Endpoint)
}

func TestParseRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		field string
	}{
		{"bad level", "logging:\n  level: loud\n", "logging.level"},
		{"bad format", "logging:\n  format: xml\n", "logging.format"},
		{"bad exporter", "tracing:\n  exporter: jaeger\n", "tracing.exporter"},
		{"otlp without endpoint", "tracing:\n  exporter: otlp\n", "tracing.endpoint"},
		{"agent without provider", "agents:\n  a: {}\n", "agents.a.provider"},
		{"bad strategy", "agents:\n  a:\n    provider: echo\n    checkpoint_strategy: hourly\n", "agents.a.checkpoint_strategy"},
		{"negative retries", "agents:\n  a:\n    provider: echo\n    max_retries: -1\n", "agents.a.max_retries"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestLoaderReadsFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7070\n")

	l, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := l.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)

	l2, err := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	_, err = l2.Load(context.Background())
	require.Error(t, err)
}

func TestLoaderWatchReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 7070\n")

	var reloads atomic.Int32
	var lastPort atomic.Int32
	l, err := NewLoader(path, WithOnChange(func(cfg *Config) {
		lastPort.Store(int32(cfg.Server.Port))
		reloads.Add(1)
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watchDone := make(chan error, 1)
	go func() { watchDone <- l.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7171\n"), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() > 0 && lastPort.Load() == 7171
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-watchDone, context.Canceled)
}
