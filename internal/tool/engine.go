package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"basegraph.app/parley/common/logger"
	"basegraph.app/parley/internal/metrics"
	"basegraph.app/parley/internal/protocol"
	"go.opentelemetry.io/otel/attribute"
)

// Engine executes tool calls against a Registry. A failing, panicking or
// unknown tool always yields a failure Result, never an error.
type Engine struct {
	registry *Registry
}

func NewEngine(registry *Registry) *Engine {
	return &Engine{registry: registry}
}

func (e *Engine) Registry() *Registry {
	return e.registry
}

func (e *Engine) Execute(ctx context.Context, call protocol.ToolCall, tc Context) Result {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		ToolName:  logger.Ptr(call.ToolName),
		Component: "parley.tool.engine",
	})

	sc := logger.StartSpan(ctx, "tool.execute")
	defer sc.End()
	ctx = sc.Context()
	sc.SetAttributes(attribute.String("tool.name", call.ToolName))

	def, ok := e.registry.Lookup(call.ToolName)
	if !ok {
		slog.WarnContext(ctx, "model called unknown tool", "call", logger.Truncate(call.RawSpan, 200))
		metrics.ToolExecutions.WithLabelValues("unknown", metrics.OutcomeError).Inc()
		return Failure("%s", ErrToolNotFound.Error())
	}

	params, err := NormalizeParams(call.Params, def.Parameters)
	if err != nil {
		slog.WarnContext(ctx, "tool call rejected", "error", err)
		metrics.ToolExecutions.WithLabelValues(def.Name, metrics.OutcomeError).Inc()
		return Failure("%s", err.Error())
	}

	start := time.Now()
	result := e.run(ctx, def, params, tc)
	elapsed := time.Since(start)
	metrics.ToolDuration.WithLabelValues(def.Name).Observe(elapsed.Seconds())

	if !result.Success {
		if result.Error == "" {
			result.Error = "tool failed"
		}
		sc.Fail(errors.New(result.Error))
		slog.WarnContext(ctx, "tool execution failed",
			"error", result.Error,
			"duration_ms", elapsed.Milliseconds())
		metrics.ToolExecutions.WithLabelValues(def.Name, metrics.OutcomeError).Inc()
		return result
	}

	result.Artifacts = append(result.Artifacts, DetectArtifacts(ctx, result.Data)...)
	result.Delivered = e.deliver(ctx, tc.Deliverer, result.Artifacts)

	slog.InfoContext(ctx, "tool executed",
		"duration_ms", elapsed.Milliseconds(),
		"artifacts", len(result.Artifacts),
		"delivered", len(result.Delivered))
	metrics.ToolExecutions.WithLabelValues(def.Name, metrics.OutcomeOK).Inc()
	return result
}

// run invokes the tool and converts errors and panics into failure results.
func (e *Engine) run(ctx context.Context, def Definition, params map[string]any, tc Context) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "tool panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			result = Failure("tool panicked: %v", r)
		}
	}()

	res, err := def.Execute(ctx, params, tc)
	if err != nil {
		return Failure("%s", err.Error())
	}
	return res
}

// deliver hands artifacts to the platform. Failures are logged and skipped.
func (e *Engine) deliver(ctx context.Context, d Deliverer, artifacts []Artifact) []Artifact {
	if len(artifacts) == 0 {
		return nil
	}
	if d == nil {
		slog.WarnContext(ctx, "tool produced artifacts but no deliverer is configured", "artifacts", len(artifacts))
		return nil
	}

	var delivered []Artifact
	for _, a := range artifacts {
		if err := d.DeliverArtifact(ctx, a); err != nil {
			slog.WarnContext(ctx, "artifact delivery failed",
				"kind", a.Kind,
				"name", a.Name,
				"error", fmt.Errorf("deliver artifact: %w", err))
			metrics.ArtifactDeliveries.WithLabelValues(string(a.Kind), metrics.OutcomeError).Inc()
			continue
		}
		metrics.ArtifactDeliveries.WithLabelValues(string(a.Kind), metrics.OutcomeOK).Inc()
		delivered = append(delivered, a)
	}
	return delivered
}
