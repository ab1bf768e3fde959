// Package httpapi exposes the orchestrator over HTTP and websockets.
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
	"github.com/fpr1m3/pai-orchestrator/internal/metrics"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/server"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
)

// maxBodyBytes caps request bodies; run inputs are prompts, not uploads.
const maxBodyBytes = 1 << 20

// responseWriteWait is the write budget granted once a run has finished, so
// runs longer than server.write_timeout still deliver their report.
const responseWriteWait = 30 * time.Second

// APIHandler serves the /api/v1 endpoints:
//
//	GET  /api/v1/skills
//	POST /api/v1/resolve
//	POST /api/v1/runs
//	GET  /api/v1/runs
//	GET  /api/v1/runs/{id}
type APIHandler struct {
	svc     *server.Service
	authMW  *auth.Middleware
	limiter *RateLimiter
	logger  *zap.Logger
}

// NewAPIHandler constructs the handler. limiter may be nil.
func NewAPIHandler(svc *server.Service, authMW *auth.Middleware, limiter *RateLimiter, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{svc: svc, authMW: authMW, limiter: limiter, logger: logger}
}

// RegisterRoutes registers API endpoints on the given mux.
func (h *APIHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/skills", h.wrap("skills", auth.ScopeSkillsRead, h.handleSkills))
	mux.Handle("POST /api/v1/resolve", h.wrap("resolve", auth.ScopeSkillsRead, h.handleResolve))
	mux.Handle("POST /api/v1/runs", h.wrap("runs_create", auth.ScopeRunsWrite, h.handleCreateRun))
	mux.Handle("GET /api/v1/runs", h.wrap("runs_list", auth.ScopeRunsRead, h.handleListRuns))
	mux.Handle("GET /api/v1/runs/{id}", h.wrap("runs_get", auth.ScopeRunsRead, h.handleGetRun))
}

// wrap applies auth, rate limiting, the scope check and request metrics.
func (h *APIHandler) wrap(route, scope string, fn http.HandlerFunc) http.Handler {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireScopes(r.Context(), scope); err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		fn(w, r)
	})
	handler = h.limiter.Middleware(handler)
	if h.authMW != nil {
		handler = h.authMW.HTTPMiddleware(handler)
	}
	return instrument(route, handler)
}

func (h *APIHandler) handleSkills(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"skills": h.svc.Skills()})
}

type resolveRequest struct {
	Text string `json:"text"`
}

type workflowView struct {
	SkillID     string   `json:"skill_id"`
	WorkflowID  string   `json:"workflow_id"`
	DefaultMode string   `json:"default_mode"`
	Modes       []string `json:"modes"`
}

func newWorkflowView(wf *skills.WorkflowDescriptor) workflowView {
	return workflowView{
		SkillID:     wf.SkillID,
		WorkflowID:  wf.ID,
		DefaultMode: wf.DefaultMode,
		Modes:       wf.ModeNames(),
	}
}

func (h *APIHandler) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	wf, err := h.svc.Resolve(req.Text)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workflow": newWorkflowView(wf)})
}

type runRequest struct {
	Text       string `json:"text"`
	SkillID    string `json:"skill_id"`
	WorkflowID string `json:"workflow_id"`
	Input      string `json:"input"`
	Mode       string `json:"mode"`
	// RunID lets the client open a stream for the run before posting it.
	// It must be a UUID.
	RunID string `json:"run_id"`
	// Format "markdown" returns the rendered report as text/markdown.
	Format string `json:"format"`
}

func (h *APIHandler) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.SkillID == "" && strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "text or skill_id is required")
		return
	}
	if req.RunID != "" {
		if _, err := uuid.Parse(req.RunID); err != nil {
			writeError(w, http.StatusBadRequest, "run_id must be a UUID")
			return
		}
	}

	rreq := router.Request{
		Text:       req.Text,
		SkillID:    req.SkillID,
		WorkflowID: req.WorkflowID,
		Input:      req.Input,
		Mode:       req.Mode,
		RunID:      req.RunID,
	}
	if u, err := auth.GetUserContext(r.Context()); err == nil {
		rreq.UserID = u.UserID
	}

	resp, err := h.svc.Run(r.Context(), rreq)
	// The run may have outlived the deadline the server set when the request arrived.
	extendWriteDeadline(w, responseWriteWait)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if req.Format == "markdown" || strings.Contains(r.Header.Get("Accept"), "text/markdown") {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.Header().Set("X-Run-ID", resp.Record.RunID)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(resp.Record.Markdown))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	runs, err := h.svc.RecentRuns(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (h *APIHandler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, err := h.svc.GetRun(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type candidateView struct {
	SkillID    string  `json:"skill_id"`
	WorkflowID string  `json:"workflow_id"`
	Score      float64 `json:"score"`
	Trigger    string  `json:"trigger"`
}

// writeServiceError maps routing and lookup errors to status codes.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error) {
	var ambiguous *router.AmbiguousIntentError
	var denied *router.PolicyDeniedError
	switch {
	case errors.As(err, &ambiguous):
		candidates := make([]candidateView, 0, len(ambiguous.Candidates))
		for _, c := range ambiguous.Candidates {
			candidates = append(candidates, candidateView{
				SkillID:    c.Workflow.SkillID,
				WorkflowID: c.Workflow.ID,
				Score:      c.Score,
				Trigger:    c.Trigger,
			})
		}
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "ambiguous intent",
			"candidates": candidates,
		})
	case errors.Is(err, server.ErrRunExists):
		writeError(w, http.StatusConflict, sanitizeErr(err.Error()))
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, sanitizeErr(err.Error()))
	case errors.Is(err, router.ErrNoMatch),
		errors.Is(err, router.ErrUnknownWorkflow),
		errors.Is(err, runstore.ErrNotFound):
		writeError(w, http.StatusNotFound, sanitizeErr(err.Error()))
	case errors.Is(err, router.ErrUnknownMode):
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		h.logger.Error("Request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// extendWriteDeadline moves the connection write deadline to d from now.
// Writers that cannot set deadlines, such as test recorders, are left alone.
func extendWriteDeadline(w http.ResponseWriter, d time.Duration) {
	_ = http.NewResponseController(w).SetWriteDeadline(time.Now().Add(d))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// statusRecorder captures the response code for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades pass through the recorder.
func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacking not supported")
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
