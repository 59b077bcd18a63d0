// Package tools is the fixed set of operations the orchestrator lets a model
// call: fetch a video bundle, search three embedding spaces, and validate a
// pattern against candidate videos.
//
// Every tool declares its input schema with mcp-go. The registry compiles
// each schema once and validates raw arguments against it before the tool
// sees them, so a tool's Execute only ever decodes well-formed input.
// Validation failures and unknown tool names are recovery.KindInvalidInput
// and are never retried.
//
// Tools are read-only with respect to the run: they return data and leave
// budget accounting and transcript updates to the caller.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/recovery"
)

// Tool names.
const (
	GetVideoBundle  = "get_video_bundle"
	SearchTitles    = "search_titles"
	SearchSummaries = "search_summaries"
	SearchThumbnail = "search_thumbnails"
	ValidatePattern = "validate_pattern"
)

// VideoStore is the read-only video data source.
type VideoStore interface {
	// GetVideo returns the video or an error wrapping storage.ErrNotFound.
	GetVideo(ctx context.Context, id string) (model.Video, error)
	// GetVideos returns the videos that exist, in request order.
	GetVideos(ctx context.Context, ids []string) ([]model.Video, error)
	// ChannelBaseline returns up to n recent sibling videos from a channel.
	ChannelBaseline(ctx context.Context, channelID, excludeID string, n int) ([]model.Video, error)
}

// Tool is one callable operation.
type Tool interface {
	Name() string
	// Definition is the MCP tool declaration, including the input schema.
	Definition() mcplib.Tool
	// Execute runs the tool on arguments that already passed schema validation.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// IsSearch reports whether name is one of the semantic search tools.
func IsSearch(name string) bool {
	switch name {
	case SearchTitles, SearchSummaries, SearchThumbnail:
		return true
	default:
		return false
	}
}

// QueryKey identifies a search call's semantic query: the tool name plus the
// query text with case and spacing folded. Each distinct key is one fan-out.
// It returns "" for tools that are not searches.
func QueryKey(name string, args json.RawMessage) string {
	if !IsSearch(name) {
		return ""
	}
	var in struct {
		Query       string `json:"query"`
		VisualQuery string `json:"visual_query"`
	}
	q := string(args)
	if err := json.Unmarshal(args, &in); err == nil {
		q = in.Query + " " + in.VisualQuery
	}
	return name + ":" + strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

type entry struct {
	tool   Tool
	schema *jsonschema.Schema
	spec   llm.ToolSpec
}

// Registry holds the tools available to a run. It is immutable after
// construction and safe for concurrent use.
type Registry struct {
	entries map[string]entry
	order   []string
	logger  *slog.Logger
}

var tracer = otel.Tracer("ideaheist/tools")

// NewRegistry compiles every tool's input schema. Duplicate names are an error.
func NewRegistry(logger *slog.Logger, tools ...Tool) (*Registry, error) {
	r := &Registry{entries: make(map[string]entry, len(tools)), logger: logger}
	for _, t := range tools {
		name := t.Name()
		if _, dup := r.entries[name]; dup {
			return nil, fmt.Errorf("tools: duplicate tool %q", name)
		}
		def := t.Definition()
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tools: marshal %s schema: %w", name, err)
		}
		schema, err := jsonschema.CompileString(name+".schema.json", string(raw))
		if err != nil {
			return nil, fmt.Errorf("tools: compile %s schema: %w", name, err)
		}
		r.entries[name] = entry{
			tool:   t,
			schema: schema,
			spec:   llm.ToolSpec{Name: name, Description: def.Description, InputSchema: raw},
		}
		r.order = append(r.order, name)
	}
	return r, nil
}

// Names returns the registered tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].tool)
	}
	return out
}

// Definitions returns the tool schemas in the Model Router's format.
func (r *Registry) Definitions() []llm.ToolSpec {
	out := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].spec)
	}
	return out
}

// Validate checks args against the named tool's schema without running it.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	e, ok := r.entries[name]
	if !ok {
		return recovery.InvalidInput("tools: unknown tool %q", name)
	}
	return validate(e, args)
}

// Execute validates args and runs the named tool.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (any, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, recovery.InvalidInput("tools: unknown tool %q", name)
	}
	if err := validate(e, args); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "tool."+name)
	defer span.End()
	span.SetAttributes(attribute.String("tool.name", name))

	out, err := e.tool.Execute(ctx, normalizeArgs(args))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return out, nil
}

func validate(e entry, args json.RawMessage) error {
	var decoded any
	if err := json.Unmarshal(normalizeArgs(args), &decoded); err != nil {
		return recovery.InvalidInput("tools: %s: arguments are not valid JSON: %v", e.spec.Name, err)
	}
	if err := e.schema.Validate(decoded); err != nil {
		return recovery.InvalidInput("tools: %s: %s", e.spec.Name, schemaMessage(err))
	}
	return nil
}

// schemaMessage flattens a jsonschema validation error into one line naming
// the offending fields.
func schemaMessage(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return "invalid arguments: " + strings.Join(parts, "; ")
}

func normalizeArgs(args json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(args))) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

// decode unmarshals validated args into v. A type mismatch the schema could
// not express (e.g. a fractional limit) is still invalid input.
func decode(name string, args json.RawMessage, v any) error {
	if err := json.Unmarshal(args, v); err != nil {
		return recovery.InvalidInput("tools: %s: %v", name, err)
	}
	return nil
}
