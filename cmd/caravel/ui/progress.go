package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"caravel/internal/telemetry"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TelemetryOutput turns the coordinator's trace spans into terminal
// progress lines. The plan event on the root span announces every stage
// up front; child spans mark stages running, done, or failed.
type TelemetryOutput struct {
	provider *sdktrace.TracerProvider
}

func NewTelemetryOutput() *TelemetryOutput {
	printer := &stagePrinter{seen: make(map[string]string)}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(&stageSpanProcessor{printer: printer}),
	)
	return &TelemetryOutput{provider: provider}
}

func (o *TelemetryOutput) Tracer(name string) trace.Tracer {
	if o == nil || o.provider == nil {
		return otel.Tracer(name)
	}
	return o.provider.Tracer(name)
}

func (o *TelemetryOutput) Close() {
	if o == nil || o.provider == nil {
		return
	}
	_ = o.provider.Shutdown(context.Background())
}

type stagePrinter struct {
	mu   sync.Mutex
	seen map[string]string // stage id -> last printed state
}

func (p *stagePrinter) announce(plan telemetry.Plan) {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		names = append(names, step.ID)
	}
	fmt.Fprintln(os.Stderr, InfoMsg("pipeline: %s", strings.Join(names, ", ")))
}

func (p *stagePrinter) transition(stage, state, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[stage] == state {
		return
	}
	p.seen[stage] = state

	var line string
	switch state {
	case "running":
		line = "  " + MutedStyle.Render("->") + " " + stage
	case "done":
		line = "  " + SuccessMsg("%s", stage)
	case "failed":
		line = "  " + ErrorMsg("%s", stage)
		if message != "" {
			line += Muted(" (" + message + ")")
		}
	default:
		return
	}
	fmt.Fprintln(os.Stderr, line)
}

type stageSpanProcessor struct {
	printer *stagePrinter
}

func (sp *stageSpanProcessor) OnStart(_ context.Context, span sdktrace.ReadWriteSpan) {
	if sp == nil || sp.printer == nil {
		return
	}

	if span.Parent().IsValid() {
		sp.printer.transition(span.Name(), "running", "")
		return
	}

	planJSON := attributeValue(span.Attributes(), telemetry.PlanJSONKey)
	if strings.TrimSpace(planJSON) == "" {
		return
	}
	var plan telemetry.Plan
	if err := json.Unmarshal([]byte(planJSON), &plan); err != nil {
		return
	}
	sp.printer.announce(plan)
}

func (sp *stageSpanProcessor) OnEnd(span sdktrace.ReadOnlySpan) {
	if sp == nil || sp.printer == nil || !span.Parent().IsValid() {
		return
	}

	status := span.Status()
	if status.Code == codes.Error {
		sp.printer.transition(span.Name(), "failed", strings.TrimSpace(status.Description))
		return
	}
	sp.printer.transition(span.Name(), "done", "")
}

func (sp *stageSpanProcessor) Shutdown(context.Context) error   { return nil }
func (sp *stageSpanProcessor) ForceFlush(context.Context) error { return nil }

func attributeValue(attrs []attribute.KeyValue, key string) string {
	for _, attr := range attrs {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}
