// Package orchestrator runs the agentic analysis loop for one target video.
//
// A run moves through a fixed set of states:
//
//	initializing -> running -> {completing, budget_exhausted, fatal_error} -> completed | fallback | failed
//
// Each turn asks the model for its next step and dispatches the tool calls it
// returns, sequentially and in emission order, folding every result back
// into the transcript before the next model call. Tool failures are
// contained to the turn; a model failure after retries is fatal to the run.
// Whatever happens, a run ends in exactly one terminal state and emits
// exactly one complete event.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/budget"
	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/runlog"
	"github.com/ashita-ai/ideaheist/internal/telemetry"
	"github.com/ashita-ai/ideaheist/internal/tools"
)

var tracer = otel.Tracer("ideaheist/orchestrator")

// maxToolResultBytes bounds a tool result folded back into the transcript.
const maxToolResultBytes = 16 << 10

// Config holds run defaults. Budget limits and fallbackToClassic may be
// overridden per run.
type Config struct {
	Limits              budget.Limits
	MaxTurns            int
	CompletionThreshold float64
	MinConfidenceFloor  float64
	BaselineSize        int
	ValidationSize      int
	FallbackToClassic   bool
	ModelCallTimeout    time.Duration
	ToolCallTimeout     time.Duration
	Retry               recovery.Policy
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Limits: budget.Limits{
			MaxTokens:    60_000,
			MaxToolCalls: 20,
			MaxFanouts:   10,
			MaxDuration:  90 * time.Second,
		},
		MaxTurns:            12,
		CompletionThreshold: 0.8,
		MinConfidenceFloor:  0.5,
		BaselineSize:        10,
		ValidationSize:      5,
		FallbackToClassic:   true,
		ModelCallTimeout:    60 * time.Second,
		ToolCallTimeout:     15 * time.Second,
		Retry:               recovery.DefaultPolicy(),
	}
}

// Model is the Model Router as the orchestrator uses it.
type Model interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
	Cost(tier llm.Tier, u llm.Usage) float64
}

// RunStore persists run state. Terminal runs must not be overwritten.
type RunStore interface {
	SaveRun(ctx context.Context, run model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
}

// Deps are the collaborators shared by every run. They must all be safe for
// concurrent use. Runs is optional.
type Deps struct {
	Registry *tools.Registry
	Videos   tools.VideoStore
	Model    Model
	Sink     runlog.Sink
	Runs     RunStore
}

// Orchestrator executes runs. It holds no per-run state.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	retryOpts   []recovery.Option
	budgetClock func() budget.Clock
	now         func() time.Time

	runsCounter otelmetric.Int64Counter
	logCounter  otelmetric.Int64Counter
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryOptions adds recovery options (for example a fake sleep) to every
// retried call. Used by tests.
func WithRetryOptions(opts ...recovery.Option) Option {
	return func(o *Orchestrator) { o.retryOpts = append(o.retryOpts, opts...) }
}

// WithBudgetClock makes every run's budget use a clock from fn. Used by tests.
func WithBudgetClock(fn func() budget.Clock) Option {
	return func(o *Orchestrator) { o.budgetClock = fn }
}

// New creates an Orchestrator.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) (*Orchestrator, error) {
	if deps.Registry == nil || deps.Videos == nil || deps.Model == nil {
		return nil, errors.New("orchestrator: registry, video store and model are required")
	}
	if deps.Sink == nil {
		deps.Sink = runlog.Discard
	}
	if cfg.ValidationSize <= 0 {
		cfg.ValidationSize = 5
	}
	if cfg.BaselineSize <= 0 {
		cfg.BaselineSize = 10
	}

	o := &Orchestrator{cfg: cfg, deps: deps, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	meter := telemetry.Meter("ideaheist/orchestrator")
	o.runsCounter, _ = meter.Int64Counter("ideaheist.runs",
		otelmetric.WithDescription("Finished runs by terminal state"))
	o.logCounter, _ = meter.Int64Counter("ideaheist.runlog.records",
		otelmetric.WithDescription("Run log records written, by category"))
	return o, nil
}

// Config returns the orchestrator's defaults.
func (o *Orchestrator) Config() Config { return o.cfg }

// Execute runs the state machine for run to a terminal state and returns the
// result. It never returns without a result: panics inside the run are
// turned into a failed result. Cancelling ctx ends the run early as budget
// exhaustion.
func (o *Orchestrator) Execute(ctx context.Context, run *Run, opts *model.AnalyzeOptions, emit Emitter) (result model.Result) {
	r := o.newRunner(run, opts, emit)

	ctx, span := tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run.id", run.ID().String()),
		attribute.String("video.id", run.VideoID()),
	))
	defer span.End()

	if r.limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.limits.MaxDuration)
		defer cancel()
	}

	defer func() {
		if p := recover(); p != nil {
			o.logger.Error("orchestrator: run panicked", "run_id", run.ID(), "panic", p)
			if r.finished {
				result = r.settle()
			} else {
				result = r.finish(ctx, model.Result{Success: false, Mode: model.ModeAgentic, Error: "internal error"}, model.RunStateFailed)
			}
		}
		span.SetAttributes(attribute.String("run.state", string(run.State())))
	}()

	res, state := r.execute(ctx)
	return r.finish(ctx, res, state)
}

func (o *Orchestrator) newRunner(run *Run, opts *model.AnalyzeOptions, emit Emitter) *runner {
	limits := o.cfg.Limits
	fallback := o.cfg.FallbackToClassic
	if opts != nil {
		if opts.MaxTokens > 0 {
			limits.MaxTokens = opts.MaxTokens
		}
		if opts.MaxToolCalls > 0 {
			limits.MaxToolCalls = opts.MaxToolCalls
		}
		if opts.MaxFanouts > 0 {
			limits.MaxFanouts = opts.MaxFanouts
		}
		if opts.MaxDurationMs > 0 {
			limits.MaxDuration = time.Duration(opts.MaxDurationMs) * time.Millisecond
		}
		if opts.FallbackToClassic != nil {
			fallback = *opts.FallbackToClassic
		}
	}

	tracker := budget.New(limits)
	if o.budgetClock != nil {
		tracker = budget.NewWithClock(limits, o.budgetClock())
	}
	if emit == nil {
		emit = EmitterFunc(func(model.Event) {})
	}

	r := &runner{
		o:        o,
		run:      run,
		limits:   limits,
		fallback: fallback,
		budget:   tracker,
		events:   &eventSeq{out: emit, now: o.now},
		logger:   o.logger.With("run_id", run.ID()),
		tasks: []model.Task{
			{ID: "load", Title: "Load target video and channel baseline", Status: "active"},
			{ID: "explore", Title: "Search for similar high performers", Status: "pending"},
			{ID: "hypothesize", Title: "Form a pattern hypothesis", Status: "pending"},
			{ID: "validate", Title: "Validate against held-out videos", Status: "pending"},
		},
		validated: make(map[string]int),
		queries:   make(map[string]bool),
	}
	r.log = runlog.New(run.ID(), o.deps.Sink, o.logger, runlog.WithObserver(func(rec runlog.Record) {
		category := "summary"
		if rec.Entry != nil {
			category = string(rec.Entry.Category)
		}
		o.logCounter.Add(context.Background(), 1, otelmetric.WithAttributes(attribute.String("category", category)))
	}))
	return r
}

// runner is the state of one run. It is only touched by the goroutine
// executing the run.
type runner struct {
	o        *Orchestrator
	run      *Run
	limits   budget.Limits
	fallback bool
	budget   *budget.Tracker
	log      *runlog.Logger
	events   *eventSeq
	logger   *slog.Logger
	tasks    []model.Task

	target   model.VideoBundle
	baseline []model.Video
	system   string
	messages []llm.Message
	turns    int

	hypothesis  *model.Hypothesis
	hits        []model.SearchHit
	validations []model.PatternMatch
	validated   map[string]int  // video ID -> index in validations
	queries     map[string]bool // search query keys already charged as fan-outs

	finished   bool
	final      model.Result
	finalState model.RunState
}

type outcomeKind int

const (
	outcomeCompleting outcomeKind = iota
	outcomeExhausted
	outcomeFatal
)

type loopOutcome struct {
	kind   outcomeKind
	reason string
	err    error
}

func (r *runner) execute(ctx context.Context) (model.Result, model.RunState) {
	r.status("initializing", "")
	r.persist(ctx)
	r.emitTasks()

	if err := r.initialize(ctx); err != nil {
		msg := fmt.Sprintf("initialization failed: %v", err)
		if errors.Is(err, errTargetNotFound) {
			msg = fmt.Sprintf("target video %s not found", r.run.VideoID())
		}
		r.status("fatal_error", msg)
		r.log.Error(model.CategoryError, "run cannot start without its target video", map[string]any{"error": err.Error()})
		return model.Result{Success: false, Mode: model.ModeAgentic, Error: msg}, model.RunStateFailed
	}

	r.setTask("load", "done")
	r.setTask("explore", "active")
	r.status("running", "")

	out := r.loop(ctx)
	switch out.kind {
	case outcomeCompleting:
		return r.complete(ctx)
	case outcomeExhausted:
		return r.exhausted(ctx, out.reason)
	default:
		return r.fatal(out.err)
	}
}

var errTargetNotFound = errors.New("orchestrator: target video not found")

// initialize fetches the target through the registry and the baseline
// directly from the store. Only the target is required.
func (r *runner) initialize(ctx context.Context) error {
	args, _ := json.Marshal(map[string]string{"video_id": r.run.VideoID()})
	tr := r.runTool(ctx, 0, llm.ToolCall{ID: "init_bundle", Name: tools.GetVideoBundle, Arguments: args})
	if tr.err != nil {
		if isNotFound(tr.err) {
			return errTargetNotFound
		}
		return tr.err
	}
	bundle, ok := tr.out.(model.VideoBundle)
	if !ok {
		return fmt.Errorf("orchestrator: unexpected %s result %T", tools.GetVideoBundle, tr.out)
	}
	r.target = bundle

	baseline, _, err := recovery.ExecuteWithRetry(ctx, "channel_baseline", r.policy(r.o.cfg.ToolCallTimeout),
		func(ctx context.Context) ([]model.Video, error) {
			return r.o.deps.Videos.ChannelBaseline(ctx, bundle.ChannelID, bundle.VideoID, r.o.cfg.BaselineSize)
		}, r.retryOptions(model.CategoryToolCall, 0)...)
	if err != nil {
		r.log.Warn(model.CategoryToolCall, "channel baseline unavailable, continuing without it", map[string]any{
			"channelId": bundle.ChannelID, "error": err.Error(),
		})
	}
	r.baseline = baseline

	r.system = buildSystemPrompt(r.o.cfg.CompletionThreshold)
	r.messages = []llm.Message{{Role: llm.RoleUser, Content: buildUserPrompt(bundle, baseline)}}

	r.log.Info(model.CategoryStatus, "target video loaded", map[string]any{
		"video": bundle, "baselineCount": len(baseline),
	})
	r.events.emit(model.EventVideoFound, VideoFoundData{
		Video:         bundle,
		BaselineCount: len(baseline),
		BaselineRatio: medianRatio(baseline),
	})
	return nil
}

func (r *runner) loop(ctx context.Context) loopOutcome {
	for {
		if ctx.Err() != nil {
			return loopOutcome{kind: outcomeExhausted, reason: r.cancelReason(ctx)}
		}
		if r.o.cfg.MaxTurns > 0 && r.turns >= r.o.cfg.MaxTurns {
			return loopOutcome{kind: outcomeExhausted, reason: "max turns"}
		}
		if !r.budget.Reserve(budget.Duration, 1) || !r.budget.Reserve(budget.Tokens, 1) {
			return loopOutcome{kind: outcomeExhausted, reason: r.exhaustedReason(budget.Tokens)}
		}

		r.turns++
		turn := r.turns
		resp, err := r.callModel(ctx, turn)
		if err != nil {
			if ctx.Err() != nil {
				return loopOutcome{kind: outcomeExhausted, reason: r.cancelReason(ctx)}
			}
			return loopOutcome{kind: outcomeFatal, err: err}
		}
		r.messages = append(r.messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: resp.ToolCalls})

		hyp, hasHyp := ParseHypothesis(resp.Text)
		if hasHyp {
			r.adopt(hyp)
		}
		if resp.Text != "" || hasHyp {
			data := ReasoningData{Turn: turn, Text: resp.Text}
			payload := map[string]any{"turn": turn, "text": resp.Text}
			if hasHyp {
				h := *r.hypothesis
				data.Hypothesis = &h
				payload["hypothesis"] = h
			}
			r.log.Info(model.CategoryReasoning, "model reasoning", payload)
			r.events.emit(model.EventReasoning, data)
		}

		if len(resp.ToolCalls) == 0 {
			r.metricsFooter(turn)
			if hasHyp && hyp.Confidence >= r.o.cfg.CompletionThreshold {
				return loopOutcome{kind: outcomeCompleting}
			}
			r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, Content: nudgePrompt})
			continue
		}

		results, stop := r.dispatch(ctx, turn, resp.ToolCalls)
		if len(results) > 0 {
			r.messages = append(r.messages, llm.Message{Role: llm.RoleUser, ToolResults: results})
		}
		r.metricsFooter(turn)
		if stop != "" {
			return loopOutcome{kind: outcomeExhausted, reason: stop}
		}
	}
}

// dispatch runs a turn's tool calls one at a time in the order the model
// emitted them. A search is charged a fan-out only for a query it has not
// seen before. It stops early, returning a reason, when the budget denies
// the next call or the run's context ends.
func (r *runner) dispatch(ctx context.Context, turn int, calls []llm.ToolCall) ([]llm.ToolResult, string) {
	results := make([]llm.ToolResult, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			return results, r.cancelReason(ctx)
		}
		if !r.budget.Reserve(budget.ToolCalls, 1) {
			return results, r.exhaustedReason(budget.ToolCalls)
		}
		key := tools.QueryKey(call.Name, call.Arguments)
		fanout := key != "" && !r.queries[key]
		if fanout && !r.budget.Reserve(budget.Fanouts, 1) {
			r.budget.Release(budget.ToolCalls, 1)
			return results, r.exhaustedReason(budget.Fanouts)
		}
		if call.Name != tools.GetVideoBundle && call.Name != tools.ValidatePattern {
			r.setTask("explore", "active")
		}

		tr := r.runTool(ctx, turn, call)
		if fanout {
			r.queries[key] = true
			r.budget.Record(budget.Fanouts, 1)
		}
		results = append(results, toolResult(call, tr))
	}
	return results, ""
}

func (r *runner) callModel(ctx context.Context, turn int) (llm.Response, error) {
	req := llm.Request{
		System:   r.system,
		Messages: append([]llm.Message(nil), r.messages...),
		Tools:    r.o.deps.Registry.Definitions(),
		Tier:     llm.TierDeep,
	}

	ctx, span := tracer.Start(ctx, "turn", trace.WithAttributes(attribute.Int("turn", turn)))
	defer span.End()

	start := time.Now()
	resp, outcome, err := recovery.ExecuteWithRetry(ctx, "model_call", r.policy(r.o.cfg.ModelCallTimeout),
		func(ctx context.Context) (llm.Response, error) {
			return r.o.deps.Model.Complete(ctx, req)
		}, r.retryOptions(model.CategoryModelCall, turn)...)
	elapsed := time.Since(start)

	data := ModelCallData{Turn: turn, Tier: llm.TierDeep, Attempts: outcome.Attempts, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		kind := recovery.Classify(err)
		r.log.Error(model.CategoryModelCall, "model call failed", map[string]any{
			"turn": turn, "kind": string(kind), "attempts": outcome.Attempts, "error": err.Error(),
		})
		data.Error = err.Error()
		r.events.emit(model.EventModelCall, data)
		span.RecordError(err)
		return llm.Response{}, err
	}

	r.budget.Record(budget.Tokens, resp.Usage.Total())
	cost := r.o.deps.Model.Cost(llm.TierDeep, resp.Usage)
	r.budget.RecordCost(cost)

	data.Provider = resp.Provider
	data.Model = resp.Model
	data.Usage = resp.Usage
	data.ToolCalls = len(resp.ToolCalls)
	data.JSONMode = resp.JSONMode
	names := make([]string, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		names[i] = c.Name
	}
	r.log.Info(model.CategoryModelCall, "model call completed", map[string]any{
		"turn":         turn,
		"provider":     resp.Provider,
		"model":        resp.Model,
		"inputTokens":  resp.Usage.InputTokens,
		"outputTokens": resp.Usage.OutputTokens,
		"costUsd":      cost,
		"stopReason":   resp.StopReason,
		"toolCalls":    names,
		"attempts":     outcome.Attempts,
		"durationMs":   elapsed.Milliseconds(),
		"jsonMode":     resp.JSONMode,
	})
	r.events.emit(model.EventModelCall, data)
	return resp, nil
}

// toolRun is the outcome of one tool call.
type toolRun struct {
	out      any
	err      error
	attempts int
}

// runTool executes one tool call with retries, charges it to the budget,
// and records it in the log and the event stream.
func (r *runner) runTool(ctx context.Context, turn int, call llm.ToolCall) toolRun {
	r.log.Info(model.CategoryToolCall, "calling "+call.Name, map[string]any{
		"turn": turn, "callId": call.ID, "tool": call.Name, "arguments": json.RawMessage(normalizeArgs(call.Arguments)),
	})

	start := time.Now()
	out, outcome, err := recovery.ExecuteWithRetry(ctx, call.Name, r.policy(r.o.cfg.ToolCallTimeout),
		func(ctx context.Context) (any, error) {
			return r.o.deps.Registry.Execute(ctx, call.Name, call.Arguments)
		}, r.retryOptions(model.CategoryToolCall, turn)...)
	elapsed := time.Since(start)

	r.budget.Record(budget.ToolCalls, 1)

	data := ToolCallData{
		Turn:       turn,
		CallID:     call.ID,
		Tool:       call.Name,
		Attempts:   outcome.Attempts,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		kind := recovery.Classify(err)
		r.log.Error(model.CategoryToolCall, call.Name+" failed", map[string]any{
			"turn": turn, "callId": call.ID, "tool": call.Name, "kind": string(kind),
			"attempts": outcome.Attempts, "durationMs": elapsed.Milliseconds(), "error": err.Error(),
		})
		data.Status = "error"
		data.Error = err.Error()
		data.ErrorKind = string(kind)
		r.events.emit(model.EventToolCall, data)
		return toolRun{err: err, attempts: outcome.Attempts}
	}

	data.Status = "ok"
	data.Results = r.absorb(out)
	r.log.Info(model.CategoryToolCall, call.Name+" succeeded", map[string]any{
		"turn": turn, "callId": call.ID, "tool": call.Name, "attempts": outcome.Attempts,
		"durationMs": elapsed.Milliseconds(), "result": out,
	})
	r.events.emit(model.EventToolCall, data)
	return toolRun{out: out, attempts: outcome.Attempts}
}

// absorb keeps what the run needs from a tool result and returns the number
// of items it carried.
func (r *runner) absorb(out any) int {
	switch v := out.(type) {
	case []model.SearchHit:
		for _, hit := range v {
			r.addHit(hit)
		}
		return len(v)
	case tools.ValidationReport:
		if v.Usage.Total() > 0 {
			r.budget.Record(budget.Tokens, v.Usage.Total())
			r.budget.RecordCost(r.o.deps.Model.Cost(llm.TierCheap, v.Usage))
		}
		for _, m := range v.Results {
			if i, ok := r.validated[m.VideoID]; ok {
				r.validations[i] = m
				continue
			}
			r.validated[m.VideoID] = len(r.validations)
			r.validations = append(r.validations, m)
		}
		return len(v.Results)
	case model.VideoBundle:
		return 1
	default:
		return 0
	}
}

func (r *runner) addHit(hit model.SearchHit) {
	if hit.VideoID == r.target.VideoID {
		return
	}
	for i, h := range r.hits {
		if h.VideoID == hit.VideoID {
			if hit.Score > h.Score {
				r.hits[i].Score = hit.Score
			}
			return
		}
	}
	r.hits = append(r.hits, hit)
}

// adopt makes h the current hypothesis, filling evidence titles and scores
// from search results the model did not repeat.
func (r *runner) adopt(h model.Hypothesis) {
	for i, ev := range h.Evidence {
		for _, hit := range r.hits {
			if hit.VideoID != ev.VideoID {
				continue
			}
			if ev.Title == "" {
				h.Evidence[i].Title = hit.Title
			}
			if ev.Score == 0 {
				h.Evidence[i].Score = hit.Score
			}
		}
	}
	r.hypothesis = &h
	r.setTask("hypothesize", "active")
}

func (r *runner) complete(ctx context.Context) (model.Result, model.RunState) {
	r.setTask("explore", "done")
	r.setTask("hypothesize", "done")
	r.status("completing", "")
	pattern := r.hypothesis.Freeze()

	candidates := r.validationCandidates(pattern)
	switch {
	case len(candidates) == 0:
		r.log.Info(model.CategoryStatus, "no held-out candidates to validate against", nil)
		r.setTask("validate", "skipped")
	case ctx.Err() != nil || !r.budget.Reserve(budget.ToolCalls, 1):
		r.log.Warn(model.CategoryStatus, "skipping validation, no tool-call budget left", map[string]any{
			"candidates": candidates,
		})
		r.setTask("validate", "skipped")
	default:
		r.setTask("validate", "active")
		args, _ := json.Marshal(map[string]any{
			"pattern_statement":   pattern.Statement,
			"candidate_video_ids": candidates,
		})
		tr := r.runTool(ctx, r.turns, llm.ToolCall{ID: "final_validation", Name: tools.ValidatePattern, Arguments: args})
		if tr.err != nil {
			r.setTask("validate", "skipped")
		} else {
			r.setTask("validate", "done")
		}
	}

	pattern.Evidence = r.withValidations(pattern.Evidence)
	r.fillTitles(ctx, pattern.Evidence)
	return model.Result{Success: true, Mode: model.ModeAgentic, Pattern: pattern}, model.RunStateCompleted
}

// fillTitles looks up titles for evidence that neither the model nor a
// search hit named. Lookup failures leave the titles empty.
func (r *runner) fillTitles(ctx context.Context, evidence []model.Evidence) {
	var ids []string
	for _, ev := range evidence {
		if ev.Title == "" && ev.VideoID != "" {
			ids = append(ids, ev.VideoID)
		}
	}
	if len(ids) == 0 {
		return
	}
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	videos, err := r.o.deps.Videos.GetVideos(lookupCtx, ids)
	if err != nil {
		r.log.Warn(model.CategoryToolCall, "evidence titles unavailable", map[string]any{"videoIds": ids, "error": err.Error()})
		return
	}
	titles := make(map[string]string, len(videos))
	for _, v := range videos {
		titles[v.ID] = v.Title
	}
	for i := range evidence {
		if evidence[i].Title == "" {
			evidence[i].Title = titles[evidence[i].VideoID]
		}
	}
}

// validationCandidates picks held-out videos for the final check: the best
// search hits, then the baseline. Cited evidence, the target, and videos
// already validated are never picked.
func (r *runner) validationCandidates(p *model.Pattern) []string {
	skip := map[string]bool{r.target.VideoID: true}
	for _, ev := range p.Evidence {
		skip[ev.VideoID] = true
	}
	for id := range r.validated {
		skip[id] = true
	}

	var out []string
	add := func(id string) bool {
		if id == "" || skip[id] {
			return false
		}
		skip[id] = true
		out = append(out, id)
		return len(out) == r.o.cfg.ValidationSize
	}
	for _, h := range r.hits {
		if add(h.VideoID) {
			return out
		}
	}
	for _, v := range r.baseline {
		if add(v.ID) {
			return out
		}
	}
	return out
}

// withValidations merges validation verdicts into evidence; validated
// videos not already cited are appended.
func (r *runner) withValidations(evidence []model.Evidence) []model.Evidence {
	out := append([]model.Evidence{}, evidence...)
	index := make(map[string]int, len(out))
	for i, ev := range out {
		index[ev.VideoID] = i
	}
	for _, m := range r.validations {
		matches := m.Matches
		if i, ok := index[m.VideoID]; ok {
			out[i].Matches = &matches
			out[i].Rationale = m.Rationale
			if out[i].Title == "" {
				out[i].Title = m.Title
			}
			continue
		}
		index[m.VideoID] = len(out)
		out = append(out, model.Evidence{
			VideoID:   m.VideoID,
			Title:     m.Title,
			Source:    "validation",
			Matches:   &matches,
			Rationale: m.Rationale,
		})
	}
	return out
}

func (r *runner) exhausted(ctx context.Context, reason string) (model.Result, model.RunState) {
	r.status("budget_exhausted", reason)
	r.log.Warn(model.CategoryStatus, "budget exhausted", map[string]any{
		"reason": reason, "usage": r.budget.Snapshot(), "turns": r.turns,
	})

	if h := r.hypothesis; h != nil && h.Confidence >= r.o.cfg.MinConfidenceFloor {
		r.log.Info(model.CategoryStatus, "returning partial hypothesis as best effort", map[string]any{
			"confidence": h.Confidence,
		})
		pattern := h.Freeze()
		pattern.Evidence = r.withValidations(pattern.Evidence)
		r.fillTitles(ctx, pattern.Evidence)
		return model.Result{
			Success:         true,
			Mode:            model.ModeAgentic,
			Pattern:         pattern,
			Degraded:        true,
			BudgetExhausted: true,
		}, model.RunStateCompleted
	}

	if r.fallback {
		res, state := r.classic("budget exhausted: " + reason)
		res.BudgetExhausted = true
		return res, state
	}
	return model.Result{
		Success:         false,
		Mode:            model.ModeFallback,
		Error:           fmt.Sprintf("budget exhausted (%s) before a hypothesis reached confidence %.2f", reason, r.o.cfg.MinConfidenceFloor),
		BudgetExhausted: true,
	}, model.RunStateFallback
}

func (r *runner) fatal(err error) (model.Result, model.RunState) {
	kind := recovery.Classify(err)
	r.status("fatal_error", err.Error())
	r.log.Error(model.CategoryError, "model call failed after retries", map[string]any{
		"kind": string(kind), "error": err.Error(),
	})
	if r.fallback {
		return r.classic("model failure: " + err.Error())
	}
	return model.Result{Success: false, Mode: model.ModeAgentic, Error: err.Error()}, model.RunStateFailed
}

// classic produces the non-agentic heuristic result.
func (r *runner) classic(reason string) (model.Result, model.RunState) {
	r.log.Warn(model.CategoryStatus, "falling back to classic heuristic", map[string]any{"reason": reason})
	r.logger.Warn("orchestrator: falling back to classic heuristic", "reason", reason)
	return model.Result{
		Success:      true,
		Mode:         model.ModeFallback,
		Pattern:      Classic(r.target, r.baseline),
		FallbackUsed: true,
		Degraded:     true,
	}, model.RunStateFallback
}

// finish records the terminal state everywhere exactly once.
func (r *runner) finish(ctx context.Context, result model.Result, state model.RunState) model.Result {
	if r.finished {
		return result
	}
	r.finished = true

	usage := r.budget.Snapshot()
	result.RunID = r.run.ID()
	result.Metrics = model.Metrics{
		TokensUsed: usage.Tokens,
		ToolCalls:  usage.ToolCalls,
		DurationMs: usage.DurationMs,
		Turns:      r.turns,
		CostUSD:    usage.CostUSD,
	}

	r.final, r.finalState = result, state

	r.finalizeTasks(state)
	r.status(string(state), result.Error)
	r.metricsFooter(r.turns)
	r.events.emit(model.EventComplete, result)

	details := map[string]any{
		"state":           state,
		"mode":            result.Mode,
		"turns":           r.turns,
		"degraded":        result.Degraded,
		"fallbackUsed":    result.FallbackUsed,
		"budgetExhausted": result.BudgetExhausted,
	}
	if result.Error != "" {
		details["error"] = result.Error
	}
	if result.Pattern != nil {
		details["statement"] = result.Pattern.Statement
		details["confidence"] = result.Pattern.Confidence
	}
	r.log.Complete(result.Success, runlog.Summary{
		TotalTokens: usage.Tokens,
		TotalCost:   usage.CostUSD,
		ToolCalls:   usage.ToolCalls,
		Duration:    time.Duration(usage.DurationMs) * time.Millisecond,
		Details:     details,
	})

	r.run.finish(state, result, usage, r.o.now())
	r.persist(ctx)
	r.o.runsCounter.Add(context.WithoutCancel(ctx), 1, otelmetric.WithAttributes(
		attribute.String("state", string(state)),
		attribute.String("mode", string(result.Mode)),
	))
	r.logger.Info("orchestrator: run finished",
		"state", state, "success", result.Success, "turns", r.turns,
		"tokens", usage.Tokens, "tool_calls", usage.ToolCalls, "duration_ms", usage.DurationMs)
	return result
}

// settle closes out a run whose finish panicked part way, with the result
// finish was delivering. The complete event, the log summary and the
// terminal transition each take effect at most once, so whatever finish
// already did stands.
func (r *runner) settle() model.Result {
	result, state := r.final, r.finalState
	if state == "" {
		result = model.Result{RunID: r.run.ID(), Success: false, Mode: model.ModeAgentic, Error: "internal error"}
		state = model.RunStateFailed
	}
	usage := r.budget.Snapshot()
	defer r.run.finish(state, result, usage, r.o.now())
	r.events.emit(model.EventComplete, result)
	r.log.Complete(result.Success, runlog.Summary{
		TotalTokens: usage.Tokens,
		TotalCost:   usage.CostUSD,
		ToolCalls:   usage.ToolCalls,
		Details:     map[string]any{"state": state, "error": "panic while finishing"},
	})
	return result
}

// persist writes the run's current snapshot. Failures are logged; the run
// log remains the system of record.
func (r *runner) persist(ctx context.Context) {
	if r.o.deps.Runs == nil {
		return
	}
	snap := r.run.Snapshot()
	snap.Usage = r.budget.Snapshot()
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.o.deps.Runs.SaveRun(saveCtx, snap); err != nil {
		r.logger.Error("orchestrator: persist run", "state", snap.State, "error", err)
	}
}

func (r *runner) status(state, message string) {
	payload := map[string]any{"state": state}
	if message != "" {
		payload["message"] = message
	}
	r.log.Info(model.CategoryStatus, "state "+state, payload)
	r.events.emit(model.EventStatus, StatusData{State: state, Message: message})
}

func (r *runner) metricsFooter(turn int) {
	r.run.setUsage(r.budget.Snapshot())
	r.events.emit(model.EventMetricsFooter, MetricsData{
		Turn:          turn,
		Usage:         r.budget.Snapshot(),
		MaxTokens:     r.limits.MaxTokens,
		MaxToolCalls:  r.limits.MaxToolCalls,
		MaxDurationMs: r.limits.MaxDuration.Milliseconds(),
	})
}

func (r *runner) emitTasks() {
	r.events.emit(model.EventTaskBoard, TaskBoardData{Tasks: append([]model.Task(nil), r.tasks...)})
}

// setTask updates one task and re-sends the board when it changed.
func (r *runner) setTask(id, status string) {
	for i := range r.tasks {
		if r.tasks[i].ID == id {
			if r.tasks[i].Status == status {
				return
			}
			r.tasks[i].Status = status
			r.emitTasks()
			return
		}
	}
}

func (r *runner) finalizeTasks(state model.RunState) {
	changed := false
	for i := range r.tasks {
		switch r.tasks[i].Status {
		case "pending", "active":
			if state == model.RunStateCompleted && r.tasks[i].Status == "active" {
				r.tasks[i].Status = "done"
			} else {
				r.tasks[i].Status = "skipped"
			}
			changed = true
		}
	}
	if changed {
		r.emitTasks()
	}
}

func (r *runner) policy(timeout time.Duration) recovery.Policy {
	p := r.o.cfg.Retry
	p.AttemptTimeout = timeout
	return p
}

// retryOptions wires every retry into the run log so none is silent.
func (r *runner) retryOptions(category model.LogCategory, turn int) []recovery.Option {
	opts := append([]recovery.Option(nil), r.o.retryOpts...)
	return append(opts, recovery.OnRetry(func(ev recovery.RetryEvent) {
		r.log.Warn(category, "retrying "+ev.Op, map[string]any{
			"turn":    turn,
			"op":      ev.Op,
			"attempt": ev.Attempt,
			"delayMs": ev.Delay.Milliseconds(),
			"kind":    string(ev.Kind),
			"error":   ev.Err.Error(),
		})
		r.logger.Warn("orchestrator: retrying", "op", ev.Op, "attempt", ev.Attempt, "kind", ev.Kind, "error", ev.Err)
	}))
}

func (r *runner) exhaustedReason(denied budget.Kind) string {
	if kind, ok := r.budget.Exhausted(); ok {
		return string(kind)
	}
	return string(denied)
}

func (r *runner) cancelReason(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return string(budget.Duration)
	}
	return "cancelled"
}

func toolResult(call llm.ToolCall, tr toolRun) llm.ToolResult {
	if tr.err != nil {
		return llm.ToolResult{
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    fmt.Sprintf("error (%s): %v", recovery.Classify(tr.err), tr.err),
			IsError:    true,
		}
	}
	raw, err := json.Marshal(tr.out)
	if err != nil {
		return llm.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: "error: unencodable result", IsError: true}
	}
	content := string(raw)
	if len(content) > maxToolResultBytes {
		content = content[:maxToolResultBytes] + "...(truncated)"
	}
	return llm.ToolResult{ToolCallID: call.ID, Name: call.Name, Content: content}
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 || !json.Valid(args) {
		return json.RawMessage(`{}`)
	}
	return args
}
