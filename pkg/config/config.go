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

// Package config loads the runtime configuration from YAML, expands
// environment variables and validates the result. A Loader can also watch
// the file and hand reloaded configs to a callback.
package config

import (
	"fmt"

	"github.com/kadirpekel/agio/pkg/event"
	"github.com/kadirpekel/agio/pkg/session"
)

// ValidationError reports a rejected configuration value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Message)
}

// Config is the full runtime configuration.
type Config struct {
	Server  ServerConfig                `yaml:"server"`
	Logging LoggingConfig               `yaml:"logging"`
	Store   session.StoreOptions        `yaml:"store"`
	Bus     BusConfig                   `yaml:"bus"`
	Metrics MetricsConfig               `yaml:"metrics"`
	Tracing TracingConfig               `yaml:"tracing"`
	Agents  map[string]*AgentDefinition `yaml:"agents"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig configures the slog setup.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`

	// File redirects log output when set; empty logs to stderr.
	File string `yaml:"file"`
}

// BusConfig configures the event bus.
type BusConfig struct {
	// EventQueueSize is the per-subscriber queue depth.
	EventQueueSize int `yaml:"event_queue_size"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig selects the trace export target.
type TracingConfig struct {
	// Exporter is one of none, otlp, stdout.
	Exporter string `yaml:"exporter"`

	// Endpoint is the OTLP gRPC target, host:port.
	Endpoint string `yaml:"endpoint"`

	ServiceName string `yaml:"service_name"`
}

// SetDefaults fills unset fields with the documented defaults.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Bus.EventQueueSize == 0 {
		c.Bus.EventQueueSize = event.DefaultQueueSize
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "none"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agio"
	}
	for name, def := range c.Agents {
		if def == nil {
			continue
		}
		def.setDefaults(name)
	}
}

// Validate rejects out-of-range or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: fmt.Sprintf("out of range: %d", c.Server.Port)}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return &ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", c.Logging.Format)}
	}
	switch c.Tracing.Exporter {
	case "none", "otlp", "stdout":
	default:
		return &ValidationError{Field: "tracing.exporter", Message: fmt.Sprintf("unknown exporter %q", c.Tracing.Exporter)}
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return &ValidationError{Field: "tracing.endpoint", Message: "required for the otlp exporter"}
	}
	if c.Bus.EventQueueSize < 0 {
		return &ValidationError{Field: "bus.event_queue_size", Message: "must not be negative"}
	}
	for name, def := range c.Agents {
		if def == nil {
			return &ValidationError{Field: "agents." + name, Message: "empty definition"}
		}
		if err := def.validate(name); err != nil {
			return err
		}
	}
	return nil
}
