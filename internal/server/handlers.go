package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/ideaheist/internal/auth"
	"github.com/ashita-ai/ideaheist/internal/ctxutil"
	"github.com/ashita-ai/ideaheist/internal/model"
	"github.com/ashita-ai/ideaheist/internal/orchestrator"
	"github.com/ashita-ai/ideaheist/internal/recovery"
	"github.com/ashita-ai/ideaheist/internal/search"
	"github.com/ashita-ai/ideaheist/internal/storage"
)

// sseKeepalive is how often an idle stream gets a comment line so proxies
// do not close it.
const sseKeepalive = 15 * time.Second

// RunManager starts and tracks analysis runs.
type RunManager interface {
	Start(req model.AnalyzeRequest, emit orchestrator.Emitter) (*orchestrator.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ActiveRuns() int
}

// Pinger is a dependency whose reachability /health reports.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	manager     RunManager
	jwtMgr      *auth.JWTManager
	apiKeyHash  string
	db          Pinger
	searcher    search.Searcher
	logger      *slog.Logger
	version     string
	maxBody     int64
	eventBuffer int
	streams     *streams
	startedAt   time.Time

	closeOnce sync.Once
	closing   chan struct{}
}

// HandlersDeps holds the dependencies for NewHandlers.
type HandlersDeps struct {
	Manager         RunManager
	JWTMgr          *auth.JWTManager
	APIKeyHash      string
	DB              Pinger
	Searcher        search.Searcher
	Logger          *slog.Logger
	Version         string
	MaxBody         int64
	EventBuffer     int
	StreamRetention time.Duration
}

// NewHandlers creates Handlers.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxBody <= 0 {
		d.MaxBody = 1 << 20
	}
	if d.StreamRetention <= 0 {
		d.StreamRetention = time.Minute
	}
	return &Handlers{
		manager:     d.Manager,
		jwtMgr:      d.JWTMgr,
		apiKeyHash:  d.APIKeyHash,
		db:          d.DB,
		searcher:    d.Searcher,
		logger:      d.Logger,
		version:     d.Version,
		maxBody:     d.MaxBody,
		eventBuffer: d.EventBuffer,
		streams:     newStreams(d.StreamRetention),
		startedAt:   time.Now(),
		closing:     make(chan struct{}),
	}
}

// closeStreams ends every open event stream. Runs are unaffected.
func (h *Handlers) closeStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// HandleAnalyze handles POST /v1/analyze. With Accept: text/event-stream the
// run's events are streamed as they happen; otherwise the handler waits for
// the result. Either way the run outlives the request.
func (h *Handlers) HandleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req model.AnalyzeRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	// The broker needs the run ID, which Start assigns, so the run's first
	// emit waits until the broker exists.
	var broker *Broker
	ready := make(chan struct{})
	emit := orchestrator.EmitterFunc(func(ev model.Event) {
		<-ready
		broker.Emit(ev)
	})

	run, err := h.manager.Start(req, emit)
	if err != nil {
		close(ready)
		switch {
		case errors.Is(err, orchestrator.ErrShuttingDown):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
		case recovery.Classify(err) == recovery.KindInvalidInput:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, strings.TrimPrefix(err.Error(), "orchestrator: "))
		default:
			h.writeInternalError(w, r, "start run", err)
		}
		return
	}
	broker = NewBroker(run.ID(), h.eventBuffer)
	h.streams.add(broker)
	close(ready)

	h.logger.Info("analysis started",
		"run_id", run.ID(),
		"video_id", run.VideoID(),
		"client", ctxutil.ClientID(r.Context()),
		"stream", wantsEventStream(r))

	if wantsEventStream(r) {
		w.Header().Set("X-Run-ID", run.ID().String())
		h.streamSSE(w, r, broker.Subscribe())
		return
	}

	res, err := run.Wait(r.Context())
	if err != nil {
		// Client went away; the run carries on.
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	run, err := h.manager.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "get run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleRunEvents handles GET /v1/runs/{run_id}/events: the full event
// stream of a run, replayed from the start. A finished run whose stream has
// expired gets a single complete event carrying its result.
func (h *Handlers) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := parseRunID(w, r)
	if !ok {
		return
	}
	if b, ok := h.streams.get(id); ok {
		h.streamSSE(w, r, b.Subscribe())
		return
	}

	run, err := h.manager.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
			return
		}
		h.writeInternalError(w, r, "get run", err)
		return
	}
	if !run.State.Terminal() || run.Result == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run has no event stream")
		return
	}

	b := NewBroker(id, 1)
	b.Emit(model.Event{Seq: 1, Type: model.EventComplete, Time: derefTime(run.CompletedAt), Data: *run.Result})
	h.streamSSE(w, r, b.Subscribe())
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil || h.apiKeyHash == "" {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is not enabled")
		return
	}
	var req model.TokenRequest
	if err := decodeJSON(w, r, &req, h.maxBody); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "api_key is required")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, h.apiKeyHash)
	if err != nil {
		h.writeInternalError(w, r, "verify api key", err)
		return
	}
	if !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid api key")
		return
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		clientID = "api"
	}
	token, expiresAt, err := h.jwtMgr.IssueToken(clientID)
	if err != nil {
		h.writeInternalError(w, r, "issue token", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.TokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /health. It returns 503 when a configured
// dependency is unreachable.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:     "healthy",
		Version:    h.version,
		ActiveRuns: h.manager.ActiveRuns(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	if h.db != nil {
		resp.Postgres = "connected"
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warn("health: store unreachable", "error", err)
			resp.Postgres = "disconnected"
			resp.Status = "unhealthy"
		}
	}
	if h.searcher != nil {
		resp.Qdrant = "connected"
		if err := h.searcher.Healthy(ctx); err != nil {
			h.logger.Warn("health: search index unreachable", "error", err)
			resp.Qdrant = "disconnected"
			resp.Status = "unhealthy"
		}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// streamSSE writes sub's events as server-sent events until the complete
// event, the subscriber falling behind, or the client leaving.
func (h *Handlers) streamSSE(w http.ResponseWriter, r *http.Request, sub *Subscription) {
	defer sub.Close()

	rc := http.NewResponseController(w)
	// Streams outlive the server's write timeout.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("sse: cannot clear write deadline", "error", err)
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.logger.Warn("sse: flush unsupported", "error", err)
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.closing:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ":keepalive\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Lagged() {
					h.logger.Warn("sse: subscriber fell behind, disconnecting",
						"run_id", sub.broker.RunID(),
						"request_id", RequestIDFromContext(r.Context()))
					_, _ = fmt.Fprint(w, "event: error\ndata: {\"error\":\"stream lagged; reattach to replay\"}\n\n")
					_ = rc.Flush()
				}
				return
			}
			if err := writeSSEEvent(w, ev); err != nil {
				h.logger.Warn("sse: write failed", "error", err, "run_id", sub.broker.RunID())
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev model.Event) error {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("server: marshal %s event: %w", ev.Type, err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	h.logger.Error("http: "+op+" failed",
		"error", err,
		"request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}

func parseRunID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid run_id")
		return uuid.Nil, false
	}
	return id, true
}

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Now().UTC()
	}
	return *t
}
