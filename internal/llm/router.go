package llm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/ideaheist/internal/budget"
)

// Target is the backend and model serving a tier.
type Target struct {
	Provider string
	Model    string
	// JSONMode drives the model through the JSON reply contract instead of
	// native tool definitions.
	JSONMode bool
	Pricing  budget.Pricing
}

// Router maps tiers to targets. The table is fixed at construction and the
// router is safe for concurrent use by many runs.
type Router struct {
	targets  map[Tier]Target
	backends map[string]Backend
	logger   *slog.Logger
}

var (
	llmTracer = otel.Tracer("ideaheist/llm")
	llmMeter  = otel.GetMeterProvider().Meter("ideaheist/llm")
)

// NewRouter validates that every target's provider has a backend.
func NewRouter(targets map[Tier]Target, backends []Backend, logger *slog.Logger) (*Router, error) {
	byName := make(map[string]Backend, len(backends))
	for _, b := range backends {
		byName[b.Name()] = b
	}
	for tier, t := range targets {
		if _, ok := byName[t.Provider]; !ok {
			return nil, fmt.Errorf("llm: tier %s: no backend for provider %q", tier, t.Provider)
		}
		if t.Model == "" {
			return nil, fmt.Errorf("llm: tier %s: model is required", tier)
		}
	}
	if _, ok := targets[TierDeep]; !ok {
		return nil, fmt.Errorf("llm: no target for tier %s", TierDeep)
	}
	return &Router{targets: targets, backends: byName, logger: logger}, nil
}

// Target returns the target serving tier. Tiers without their own target
// are served by the deep tier.
func (r *Router) Target(tier Tier) Target {
	if t, ok := r.targets[tier]; ok {
		return t
	}
	return r.targets[TierDeep]
}

// Cost estimates the USD cost of usage on tier's target.
func (r *Router) Cost(tier Tier, u Usage) float64 {
	return r.Target(tier).Pricing.Cost(u.InputTokens, u.OutputTokens)
}

// Complete sends req to the target for req.Tier. If the target is in JSON
// mode, or the provider rejects native tool definitions, the request is
// rewritten per the JSON reply contract and the reply parsed back into
// tool calls. Errors are returned unretried; callers wrap this in
// recovery.ExecuteWithRetry.
func (r *Router) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Tier == "" {
		req.Tier = TierDeep
	}
	target := r.Target(req.Tier)
	backend := r.backends[target.Provider]

	ctx, span := llmTracer.Start(ctx, "llm.call",
		trace.WithAttributes(
			attribute.String("llm.tier", string(req.Tier)),
			attribute.String("llm.provider", target.Provider),
			attribute.String("llm.model", target.Model),
		),
	)
	defer span.End()

	start := time.Now()
	jsonMode := target.JSONMode && len(req.Tools) > 0
	resp, err := r.call(ctx, backend, target.Model, req, jsonMode)
	if err != nil && !jsonMode && len(req.Tools) > 0 && isToolsUnsupported(err) {
		r.logger.Warn("llm: model rejected tool definitions, retrying in json mode",
			"provider", target.Provider, "model", target.Model, "error", err)
		jsonMode = true
		resp, err = r.call(ctx, backend, target.Model, req, jsonMode)
	}
	elapsed := time.Since(start)

	attrs := []attribute.KeyValue{
		attribute.String("tier", string(req.Tier)),
		attribute.String("provider", target.Provider),
		attribute.String("model", target.Model),
		attribute.Bool("json_mode", jsonMode),
	}
	if hist, herr := llmMeter.Float64Histogram("ideaheist.llm.duration", otelmetric.WithUnit("ms")); herr == nil {
		hist.Record(ctx, float64(elapsed.Milliseconds()), otelmetric.WithAttributes(attrs...))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	if counter, cerr := llmMeter.Int64Counter("ideaheist.llm.tokens"); cerr == nil {
		counter.Add(ctx, int64(resp.Usage.Total()), otelmetric.WithAttributes(attrs...))
	}
	span.SetAttributes(
		attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
		attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func (r *Router) call(ctx context.Context, backend Backend, model string, req Request, jsonMode bool) (Response, error) {
	if !jsonMode {
		resp, err := backend.Complete(ctx, model, req)
		if err != nil {
			return Response{}, err
		}
		resp.Provider = backend.Name()
		if resp.Model == "" {
			resp.Model = model
		}
		return resp, nil
	}

	resp, err := backend.Complete(ctx, model, toJSONMode(req))
	if err != nil {
		return Response{}, err
	}
	text, calls, err := parseJSONReply(resp.Text)
	if err != nil {
		return Response{}, err
	}
	allowed := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		allowed[i] = t.Name
	}
	for _, c := range calls {
		if !slices.Contains(allowed, c.Name) {
			r.logger.Warn("llm: json mode reply names an unknown tool", "tool", c.Name, "model", model)
		}
	}
	resp.Text = text
	resp.ToolCalls = calls
	resp.JSONMode = true
	resp.Provider = backend.Name()
	if resp.Model == "" {
		resp.Model = model
	}
	return resp, nil
}

// JSONModeModels marks targets whose model appears in models as JSON-mode.
func JSONModeModels(targets map[Tier]Target, models []string) map[Tier]Target {
	out := make(map[Tier]Target, len(targets))
	for tier, t := range targets {
		if slices.Contains(models, t.Model) {
			t.JSONMode = true
		}
		out[tier] = t
	}
	return out
}
