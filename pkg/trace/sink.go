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
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/agio/pkg/session"
)

const tracerName = "github.com/kadirpekel/agio"

// OTelSink replays collected traces through an OpenTelemetry exporter.
// Span timestamps are preserved, so exported traces mirror the original
// execution timeline.
type OTelSink struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

var _ Sink = (*OTelSink)(nil)

func newSink(exp sdktrace.SpanExporter, serviceName string) *OTelSink {
	if serviceName == "" {
		serviceName = "agio"
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
		)),
	)
	return &OTelSink{
		provider: provider,
		tracer:   provider.Tracer(tracerName),
	}
}

// NewOTLPSink exports traces over OTLP/gRPC to the given endpoint.
func NewOTLPSink(ctx context.Context, endpoint, serviceName string) (*OTelSink, error) {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}
	return newSink(exp, serviceName), nil
}

// NewStdoutSink pretty-prints exported traces, for local debugging.
func NewStdoutSink(serviceName string) (*OTelSink, error) {
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	return newSink(exp, serviceName), nil
}

// Export replays the trace's spans with their recorded timestamps. Spans
// arrive parent-before-child, so the context chain is rebuilt in one pass.
func (s *OTelSink) Export(ctx context.Context, tr *session.Trace) error {
	contexts := map[string]context.Context{"": ctx}
	for _, sp := range tr.Spans {
		parent, ok := contexts[sp.ParentID]
		if !ok {
			parent = ctx
		}
		end := sp.EndTime
		if end == 0 {
			end = sp.StartTime
		}

		spanCtx, span := s.tracer.Start(parent, sp.Name,
			oteltrace.WithTimestamp(time.UnixMilli(sp.StartTime)))
		span.SetAttributes(
			attribute.String("agio.kind", string(sp.Kind)),
			attribute.String("agio.run_id", sp.RunID),
		)
		for k, v := range sp.Attributes {
			span.SetAttributes(attribute.String("agio."+k, v))
		}
		if sp.IsError {
			span.SetStatus(codes.Error, "")
		}
		span.End(oteltrace.WithTimestamp(time.UnixMilli(end)))
		contexts[sp.ID] = spanCtx
	}
	return nil
}

// Shutdown flushes and stops the underlying provider.
func (s *OTelSink) Shutdown(ctx context.Context) error {
	return s.provider.Shutdown(ctx)
}
