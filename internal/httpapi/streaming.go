package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/streaming"
)

// sseWriteWait bounds each SSE write.
const sseWriteWait = 10 * time.Second

// StreamingHandler serves run events over SSE and websockets.
type StreamingHandler struct {
	mgr    *streaming.Manager
	authMW *auth.Middleware
	logger *zap.Logger
}

// NewStreamingHandler constructs the handler. authMW may be nil.
func NewStreamingHandler(mgr *streaming.Manager, authMW *auth.Middleware, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, authMW: authMW, logger: logger}
}

// RegisterRoutes registers the stream routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /api/v1/stream/sse", h.protect("stream_sse", h.handleSSE))
	mux.Handle("GET /api/v1/stream/ws", h.protect("stream_ws", h.handleWS))
}

func (h *StreamingHandler) protect(route string, fn http.HandlerFunc) http.Handler {
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.RequireScopes(r.Context(), auth.ScopeRunsRead); err != nil {
			writeError(w, http.StatusForbidden, err.Error())
			return
		}
		fn(w, r)
	})
	if h.authMW != nil {
		handler = h.authMW.HTTPMiddleware(handler)
	}
	return instrument(route, handler)
}

// streamParams are the query parameters shared by both transports.
type streamParams struct {
	runID  string
	lastID uint64
	types  map[string]struct{}
}

func parseStreamParams(r *http.Request) (streamParams, error) {
	p := streamParams{runID: r.URL.Query().Get("run_id"), types: map[string]struct{}{}}
	if p.runID == "" {
		return p, fmt.Errorf("run_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				p.types[t] = struct{}{}
			}
		}
	}
	// Last-Event-ID header wins over the query parameter
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastID = n
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastID == 0 {
		n, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			return p, fmt.Errorf("last_event_id must be a sequence number")
		}
		p.lastID = n
	}
	return p, nil
}

func (p streamParams) wants(evt execution.Event) bool {
	if len(p.types) == 0 {
		return true
	}
	_, ok := p.types[evt.Type]
	return ok
}

// handleSSE streams events for a run via Server-Sent Events.
// GET /api/v1/stream/sse?run_id=<id>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	params, err := parseStreamParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before replaying so nothing published in between is lost.
	ch := h.mgr.Subscribe(params.runID, 256)
	defer h.mgr.Unsubscribe(params.runID, ch)

	// Streams outlive server.write_timeout; each write renews the deadline.
	extendWriteDeadline(w, sseWriteWait)
	fmt.Fprintf(w, ": connected to run %s\n\n", params.runID)
	lastSent := params.lastID
	for _, ev := range h.mgr.ReplaySince(params.runID, params.lastID) {
		if params.wants(ev) {
			writeSSE(w, ev)
		}
		lastSent = ev.Seq
		if ev.Type == execution.EventReportReady {
			flusher.Flush()
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", params.runID))
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Seq <= lastSent {
				continue
			}
			lastSent = evt.Seq
			if params.wants(evt) {
				extendWriteDeadline(w, sseWriteWait)
				writeSSE(w, evt)
				flusher.Flush()
			}
			if evt.Type == execution.EventReportReady {
				return
			}
		case <-hb.C:
			extendWriteDeadline(w, sseWriteWait)
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, evt execution.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if evt.Seq > 0 {
		fmt.Fprintf(w, "id: %d\n", evt.Seq)
	}
	if evt.Type != "" {
		fmt.Fprintf(w, "event: %s\n", evt.Type)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
