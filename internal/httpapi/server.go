package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/storyvoice/internal/config"
	"github.com/ent0n29/storyvoice/internal/observability"
	"github.com/ent0n29/storyvoice/internal/realtime"
	"github.com/ent0n29/storyvoice/internal/session"
	"github.com/ent0n29/storyvoice/internal/story"
	"github.com/ent0n29/storyvoice/internal/voice"
)

const startTimeout = 2 * time.Minute

type Server struct {
	cfg      config.Config
	sessions *session.Manager
	library  story.Library
	manifest story.Manifest
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, library story.Library, manifest story.Manifest, metrics *observability.Metrics) *Server {
	if cfg.AudioSampleRate <= 0 {
		cfg.AudioSampleRate = 24000
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		library:  library,
		manifest: manifest,
		metrics:  metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a story session's microphone.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	r.Get("/v1/stories/voices", s.handleListVoices)
	r.Get("/v1/stories/{name}/scene", s.handleGetScene)
	r.Get("/v1/stories/{name}/directives", s.handleGetDirectives)

	r.Post("/v1/story/session", s.handleCreateSession)
	r.Get("/v1/story/session/ws", s.handleSessionWS)
	r.Get("/v1/story/session/{id}", s.handleGetSession)
	r.Post("/v1/story/session/{id}/start", s.handleStartSession)
	r.Post("/v1/story/session/{id}/stop", s.handleStopSession)
	r.Post("/v1/story/session/{id}/end", s.handleEndSession)
	r.Get("/v1/story/session/{id}/log", s.handleDownloadLog)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"realtime_mode": s.realtimeMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type startRequest struct {
	Scenes []string `json:"scenes"`
}

type sessionResponse struct {
	*session.Session
	Snapshot voice.Snapshot `json:"snapshot"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Story) == "" {
		req.Story = s.manifest.Title
	}

	sess, err := s.sessions.Create(req.Story)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("created").Inc()

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		Story:           sess.Story,
		Status:          sess.Status,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse{Session: sess, Snapshot: sess.Orchestrator.Snapshot()})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := s.startStory(r.Context(), sess, req.Scenes); err != nil {
		status, code := classifyError(err)
		respondError(w, status, code, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Orchestrator.Snapshot())
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if err := sess.Orchestrator.Stop(r.Context()); err != nil {
		if errors.Is(err, voice.ErrNotActive) {
			respondError(w, http.StatusConflict, "session_not_active", err.Error())
			return
		}
		// Teardown is best-effort: the session is closed even when a step failed.
		respondJSON(w, http.StatusOK, map[string]any{
			"snapshot":       sess.Orchestrator.Snapshot(),
			"teardown_error": err.Error(),
		})
		return
	}
	s.metrics.SessionEvents.WithLabelValues("stopped").Inc()
	respondJSON(w, http.StatusOK, map[string]any{"snapshot": sess.Orchestrator.Snapshot()})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(r.Context(), id)
	if err != nil {
		status, code := classifyError(err)
		respondError(w, status, code, err.Error())
		return
	}
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

// startStory compiles the requested scenes and runs the orchestrator start.
// The start outlives the request context so a dropped client cannot leave a
// half-sent plan behind.
func (s *Server) startStory(ctx context.Context, sess *session.Session, scenes []string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), startTimeout)
	defer cancel()

	plan, err := s.plan(ctx, scenes)
	if err != nil {
		sess.Audit.Error(ctx, "story.load_failed", err, map[string]any{"scenes": scenes})
		return err
	}
	_ = s.sessions.Touch(sess.ID)
	return sess.Orchestrator.Start(ctx, plan)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, false
	}
	sess, err := s.sessions.Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, false
	}
	_ = s.sessions.Touch(id)
	return sess, true
}

func (s *Server) realtimeMode() string {
	if s.cfg.UseMockRealtime() {
		return "mock"
	}
	return "openai"
}

func classifyError(err error) (int, string) {
	var connErr *voice.ConnectionError
	var loadErr *story.ScriptLoadError
	var transportErr *realtime.TransportError
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, story.ErrScriptNotFound):
		return http.StatusNotFound, "script_not_found"
	case errors.Is(err, voice.ErrSessionBusy):
		return http.StatusConflict, "session_busy"
	case errors.Is(err, voice.ErrTeardownPending):
		return http.StatusConflict, "teardown_pending"
	case errors.Is(err, voice.ErrNotActive):
		return http.StatusConflict, "session_not_active"
	case errors.As(err, &connErr):
		return http.StatusBadGateway, "connect_failed"
	case errors.As(err, &transportErr):
		return http.StatusBadGateway, "transport_error"
	case errors.As(err, &loadErr):
		return http.StatusBadGateway, "script_load_failed"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// isRetryable reports whether the client may repeat the failed request.
func isRetryable(err error) bool {
	var connErr *voice.ConnectionError
	var transportErr *realtime.TransportError
	switch {
	case errors.As(err, &transportErr):
		return transportErr.Retryable
	case errors.As(err, &connErr):
		return true
	case errors.Is(err, voice.ErrSessionBusy), errors.Is(err, voice.ErrTeardownPending):
		return true
	default:
		return false
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
