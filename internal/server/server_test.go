package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/ideaheist/internal/auth"
	"github.com/ashita-ai/ideaheist/internal/budget"
	"github.com/ashita-ai/ideaheist/internal/llm"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/orchestrator"
	"github.com/ashita-ai/ideaheist/internal/ratelimit"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/runlog"
	"github.com/ashita-ai/ideaheist/internal/search"
	"github.com/ashita-ai/ideaheist/internal/testutil"
	"github.com/ashita-ai/ideaheist/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	srv     *Server
	ts      *httptest.Server
	backend *llm.ScriptedBackend
	manager *orchestrator.Manager
}

func fixtureVideos() *testutil.MemVideos {
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	videos := []model.Video{
		{ID: "tgt", Title: "I Tried 7 Budget Knives for 30 Days", ChannelID: "chan", PublishedAt: base, PerformanceRatio: 6.0, TopicTags: []string{"knives"}},
		{ID: "o1", Title: "Budget Knives Tested for 30 Days", ChannelID: "other", PublishedAt: base, PerformanceRatio: 5.1},
		{ID: "o2", Title: "7 Knives You Need", ChannelID: "other", PublishedAt: base, PerformanceRatio: 3.3},
	}
	for i := 0; i < 5; i++ {
		videos = append(videos, model.Video{
			ID:               fmt.Sprintf("b%d", i),
			Title:            fmt.Sprintf("Kitchen vlog episode %d", i),
			ChannelID:        "chan",
			PublishedAt:      base.AddDate(0, 0, -i-1),
			PerformanceRatio: 1.0,
		})
	}
	return testutil.NewMemVideos(videos...)
}

// newTestEnv serves a real orchestrator backed by in-memory stores and a
// scripted model that falls back to DevResponder once steps run out.
func newTestEnv(t *testing.T, mutate func(*ServerConfig), steps ...llm.Step) *testEnv {
	t.Helper()
	logger := discardLogger()
	videos := fixtureVideos()
	searcher := &testutil.StaticSearcher{Results: map[search.Space][]search.Result{
		search.SpaceTitles: {{VideoID: "o1", Score: 0.91}, {VideoID: "o2", Score: 0.74}},
	}}

	all := []tools.Tool{tools.NewVideoBundleTool(videos)}
	for _, st := range tools.NewSearchTools(testutil.ConstEmbedder{Dims: 4}, searcher, videos) {
		all = append(all, st)
	}
	all = append(all, tools.NewValidatePatternTool(videos, tools.HeuristicJudge{MinShared: 1}, 2))
	registry, err := tools.NewRegistry(logger, all...)
	require.NoError(t, err)

	backend := llm.NewScriptedBackend("scripted", steps...)
	backend.SetFallback(llm.DevResponder)
	router, err := llm.NewRouter(map[llm.Tier]llm.Target{
		llm.TierDeep: {Provider: "scripted", Model: "test-deep", Pricing: budget.Pricing{InputPerMillion: 3, OutputPerMillion: 15}},
	}, []llm.Backend{backend}, logger)
	require.NoError(t, err)

	sink, err := runlog.NewFileSink(t.TempDir(), false)
	require.NoError(t, err)

	cfg := orchestrator.DefaultConfig()
	cfg.Retry = recovery.Policy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Registry: registry,
		Videos:   videos,
		Model:    router,
		Sink:     sink,
	}, logger)
	require.NoError(t, err)
	mgr := orchestrator.NewManager(orch, logger)

	scfg := ServerConfig{
		Manager:             mgr,
		Logger:              logger,
		Searcher:            searcher,
		Version:             "test",
		MaxRequestBodyBytes: 1 << 16,
		EventBuffer:         64,
		StreamRetention:     time.Minute,
	}
	if mutate != nil {
		mutate(&scfg)
	}
	srv := New(scfg)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
		_ = sink.Close()
	})
	return &testEnv{srv: srv, ts: ts, backend: backend, manager: mgr}
}

type envelope[T any] struct {
	Data T                  `json:"data"`
	Meta model.ResponseMeta `json:"meta"`
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, e.ts.URL+path, rdr)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func decodeError(t *testing.T, resp *http.Response) model.ErrorDetail {
	t.Helper()
	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	return apiErr.Error
}

type sseFrame struct {
	ID    int64
	Event string
	Data  string
}

// readSSE reads frames until the server ends the stream. Comment lines are
// skipped.
func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.Event != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			assert.NoError(t, err)
			cur.ID = id
		case strings.HasPrefix(line, "event: "):
			cur.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.Data = strings.TrimPrefix(line, "data: ")
		}
	}
	return frames
}

func assertCompleteStream(t *testing.T, frames []sseFrame) model.Result {
	t.Helper()
	require.NotEmpty(t, frames)
	completes := 0
	for i, f := range frames {
		assert.Equal(t, int64(i+1), f.ID, "ids are contiguous from 1")
		if f.Event == string(model.EventComplete) {
			completes++
		}
	}
	assert.Equal(t, 1, completes)
	last := frames[len(frames)-1]
	require.Equal(t, string(model.EventComplete), last.Event)

	var res model.Result
	require.NoError(t, json.Unmarshal([]byte(last.Data), &res))
	return res
}

func TestAnalyzeReturnsJSONResult(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	res := decode[model.Result](t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, model.ModeAgentic, res.Mode)
	assert.NotEqual(t, uuid.Nil, res.RunID)
	require.NotNil(t, res.Pattern)
	assert.Positive(t, res.Metrics.TokensUsed)
}

func TestAnalyzeStreamsEventsInOrder(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt","options":{"maxToolCalls":5}}`,
		map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	runID, err := uuid.Parse(resp.Header.Get("X-Run-ID"))
	require.NoError(t, err)

	frames := readSSE(t, resp.Body)
	res := assertCompleteStream(t, frames)
	assert.Equal(t, runID, res.RunID)
	assert.True(t, res.Success)

	var types []string
	for _, f := range frames {
		types = append(types, f.Event)
	}
	assert.Contains(t, types, string(model.EventToolCall))
	assert.Contains(t, types, string(model.EventModelCall))
	assert.Contains(t, types, string(model.EventMetricsFooter))
}

func TestAnalyzeRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"missing video", `{"videoId":"  "}`, http.StatusBadRequest},
		{"negative budget", `{"videoId":"tgt","options":{"maxTokens":-1}}`, http.StatusBadRequest},
		{"unknown field", `{"videoId":"tgt","extra":true}`, http.StatusBadRequest},
		{"malformed", `{"videoId":`, http.StatusBadRequest},
		{"trailing data", `{"videoId":"tgt"} {}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, "POST", "/v1/analyze", tt.body, nil)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, model.ErrCodeInvalidInput, decodeError(t, resp).Code)
		})
	}
	assert.Equal(t, 0, env.manager.ActiveRuns())
}

func TestDecodeJSONTooLarge(t *testing.T) {
	body := `{"videoId":"` + strings.Repeat("x", 512) + `"}`
	r := httptest.NewRequest("POST", "/v1/analyze", strings.NewReader(body))
	w := httptest.NewRecorder()

	var req model.AnalyzeRequest
	err := decodeJSON(w, r, &req, 64)
	require.ErrorIs(t, err, errBodyTooLarge)

	handleDecodeError(w, r, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, nil)
	res := decode[model.Result](t, env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil))

	resp := env.do(t, "GET", "/v1/runs/"+res.RunID.String(), "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := decode[model.Run](t, resp)
	assert.Equal(t, res.RunID, run.ID)
	assert.Equal(t, "tgt", run.VideoID)
	assert.True(t, run.State.Terminal())
	require.NotNil(t, run.Result)
	assert.Equal(t, res.Success, run.Result.Success)

	t.Run("invalid id", func(t *testing.T) {
		resp := env.do(t, "GET", "/v1/runs/not-a-uuid", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
	t.Run("unknown id", func(t *testing.T) {
		resp := env.do(t, "GET", "/v1/runs/"+uuid.NewString(), "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, model.ErrCodeNotFound, decodeError(t, resp).Code)
	})
}

func TestRunEventsReplaysFinishedRun(t *testing.T) {
	env := newTestEnv(t, nil)
	res := decode[model.Result](t, env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil))

	resp := env.do(t, "GET", "/v1/runs/"+res.RunID.String()+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readSSE(t, resp.Body)
	got := assertCompleteStream(t, frames)
	assert.Equal(t, res.RunID, got.RunID)
	assert.Greater(t, len(frames), 1, "the whole history is replayed")
}

func TestRunEventsAfterRetentionSynthesizesComplete(t *testing.T) {
	env := newTestEnv(t, func(c *ServerConfig) { c.StreamRetention = 10 * time.Millisecond })
	res := decode[model.Result](t, env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil))
	require.Eventually(t, func() bool { return env.srv.ActiveStreams() == 0 }, 2*time.Second, 5*time.Millisecond)

	resp := env.do(t, "GET", "/v1/runs/"+res.RunID.String()+"/events", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readSSE(t, resp.Body)
	require.Len(t, frames, 1)
	got := assertCompleteStream(t, frames)
	assert.Equal(t, res.RunID, got.RunID)

	missing := env.do(t, "GET", "/v1/runs/"+uuid.NewString()+"/events", "", nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestClientDisconnectDoesNotStopRun(t *testing.T) {
	slow := llm.Step{
		Response: llm.Response{
			Text:      "Searching.",
			ToolCalls: []llm.ToolCall{{ID: "c1", Name: "search_titles", Arguments: json.RawMessage(`{"query":"budget knives"}`)}},
			Usage:     llm.Usage{InputTokens: 500, OutputTokens: 40},
		},
		Delay: 200 * time.Millisecond,
	}
	env := newTestEnv(t, nil, slow)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, "POST", env.ts.URL+"/v1/analyze", strings.NewReader(`{"videoId":"tgt"}`))
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	runID, err := uuid.Parse(resp.Header.Get("X-Run-ID"))
	require.NoError(t, err)

	// Read one frame, then hang up.
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "id: "))
	cancel()
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		run, err := env.manager.GetRun(context.Background(), runID)
		return err == nil && run.State.Terminal()
	}, 5*time.Second, 20*time.Millisecond)

	run := decode[model.Run](t, env.do(t, "GET", "/v1/runs/"+runID.String(), "", nil))
	require.NotNil(t, run.Result)
	assert.True(t, run.Result.Success)
}

func TestAuthFlow(t *testing.T) {
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	hash, err := auth.HashAPIKey("s3cret")
	require.NoError(t, err)
	env := newTestEnv(t, func(c *ServerConfig) {
		c.JWTMgr = jwtMgr
		c.APIKeyHash = hash
	})

	resp := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeError(t, resp).Code)

	resp = env.do(t, "GET", "/v1/runs/"+uuid.NewString(), "", map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, "POST", "/auth/token", `{"api_key":"wrong"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = env.do(t, "POST", "/auth/token", `{"api_key":"s3cret","client_id":"dashboard"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tok := decode[model.TokenResponse](t, resp)
	require.NotEmpty(t, tok.Token)
	assert.True(t, tok.ExpiresAt.After(time.Now()))

	claims, err := jwtMgr.ValidateToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "dashboard", claims.ClientID)

	resp = env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, map[string]string{"Authorization": "Bearer " + tok.Token})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode[model.Result](t, resp).Success)
}

func TestAuthTokenDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	resp := env.do(t, "POST", "/auth/token", `{"api_key":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAnalyzeRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	t.Cleanup(func() { _ = limiter.Close() })
	env := newTestEnv(t, func(c *ServerConfig) { c.Limiter = limiter })

	first := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil)
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	assert.Equal(t, model.ErrCodeRateLimited, decodeError(t, second).Code)

	// Reads are not limited.
	got := env.do(t, "GET", "/v1/runs/"+uuid.NewString(), "", nil)
	assert.Equal(t, http.StatusNotFound, got.StatusCode)
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		env := newTestEnv(t, nil)
		resp := env.do(t, "GET", "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		h := decode[model.HealthResponse](t, resp)
		assert.Equal(t, "healthy", h.Status)
		assert.Equal(t, "test", h.Version)
		assert.Equal(t, "connected", h.Qdrant)
		assert.Equal(t, 0, h.ActiveRuns)
	})
	t.Run("store down", func(t *testing.T) {
		env := newTestEnv(t, func(c *ServerConfig) { c.DB = failingPinger{} })
		resp := env.do(t, "GET", "/health", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		h := decode[model.HealthResponse](t, resp)
		assert.Equal(t, "unhealthy", h.Status)
		assert.Equal(t, "disconnected", h.Postgres)
	})
}

func TestResponseHeaders(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.do(t, "GET", "/health", "", map[string]string{"X-Request-ID": "req-123"})
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))

	var env2 envelope[model.HealthResponse]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env2))
	assert.Equal(t, "req-123", env2.Meta.RequestID)

	resp = env.do(t, "GET", "/health", "", nil)
	_, err := uuid.Parse(resp.Header.Get("X-Request-ID"))
	assert.NoError(t, err, "a request ID is generated when none is sent")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(discardLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var apiErr model.APIError
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(&apiErr))
	assert.Equal(t, model.ErrCodeInternalError, apiErr.Error.Code)
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	blocked := llm.Step{
		Response: llm.Response{Text: "thinking", Usage: llm.Usage{InputTokens: 10, OutputTokens: 1}},
		Delay:    2 * time.Second,
	}
	env := newTestEnv(t, nil, blocked)

	resp := env.do(t, "POST", "/v1/analyze", `{"videoId":"tgt"}`, map[string]string{"Accept": "text/event-stream"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	env.srv.handlers.closeStreams()
	done := make(chan []sseFrame, 1)
	go func() { done <- readSSE(t, resp.Body) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("stream stayed open after shutdown")
	}
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/v1/analyze", "/v1/analyze"},
		{"/v1/runs/" + uuid.NewString(), "/v1/runs/{run_id}"},
		{"/v1/runs/" + uuid.NewString() + "/events", "/v1/runs/{run_id}/events"},
		{"/health", "/health"},
		{"/wp-admin", "unmatched"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, routeLabel(tt.path), tt.path)
	}
}
