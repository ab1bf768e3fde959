// Package server runs routed requests and fans finished reports out to the
// configured sinks.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fpr1m3/pai-orchestrator/internal/db"
	"github.com/fpr1m3/pai-orchestrator/internal/delivery"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/metrics"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/tracing"
)

// defaultSinkTimeout bounds each sink write after the run itself finished.
const defaultSinkTimeout = 5 * time.Second

// ErrRunExists is returned when a caller-chosen run id is running or recorded.
var ErrRunExists = errors.New("run id already in use")

// Cache stores recent reports. Implemented by runstore.Store.
type Cache interface {
	Save(ctx context.Context, rec *runstore.Record) error
	Get(ctx context.Context, runID string) (*runstore.Record, error)
	Recent(ctx context.Context, limit int64) ([]string, error)
}

// History is the durable run log. Implemented by db.Client.
type History interface {
	QueueRun(rec *runstore.Record, outcomes []execution.TaskOutcome, callback func(error))
	GetRun(ctx context.Context, runID string) (*runstore.Record, error)
	ListRuns(ctx context.Context, limit int) ([]db.RunRow, error)
}

// Handler resolves and runs a request. Implemented by router.Router.
type Handler interface {
	Handle(ctx context.Context, req router.Request) (*router.Outcome, error)
	Resolve(text string) (*skills.WorkflowDescriptor, error)
	Registry() *skills.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithCache enables the report cache.
func WithCache(c Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithHistory enables durable run history.
func WithHistory(h History) Option {
	return func(s *Service) { s.history = h }
}

// WithPublisher enables report delivery.
func WithPublisher(p delivery.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithEvents publishes a report_ready event carrying the report summary.
func WithEvents(sink execution.EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithSinkTimeout overrides the per-sink write timeout.
func WithSinkTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.sinkTimeout = d
		}
	}
}

// Service is the entry point shared by the HTTP API and the CLI.
type Service struct {
	handler     Handler
	cache       Cache
	history     History
	publisher   delivery.Publisher
	events      execution.EventSink
	sinkTimeout time.Duration
	logger      *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// NewService wraps handler with the given sinks.
func NewService(handler Handler, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		handler:     handler,
		sinkTimeout: defaultSinkTimeout,
		logger:      logger,
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunResponse is the result of Run.
type RunResponse struct {
	Record   *runstore.Record        `json:"run"`
	Outcomes []execution.TaskOutcome `json:"outcomes"`
	// Match is set when the workflow was resolved from text.
	Match *MatchView `json:"match,omitempty"`
}

// MatchView is the API shape of a resolved trigger match.
type MatchView struct {
	SkillID    string  `json:"skill_id"`
	WorkflowID string  `json:"workflow_id"`
	Score      float64 `json:"score"`
	Trigger    string  `json:"trigger"`
}

// NewMatchView converts m; nil stays nil.
func NewMatchView(m *skills.Match) *MatchView {
	if m == nil {
		return nil
	}
	return &MatchView{
		SkillID:    m.Workflow.SkillID,
		WorkflowID: m.Workflow.ID,
		Score:      m.Score,
		Trigger:    m.Trigger,
	}
}

// Run handles req end to end and records the result. Sink failures are
// logged and counted; they never fail the run.
//
// req.RunID may be chosen by the caller so it can subscribe to the run's
// events before the run starts; ErrRunExists is returned when that id is
// already running or recorded.
func (s *Service) Run(ctx context.Context, req router.Request) (*RunResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "service.run")
	defer span.End()

	if err := s.reserve(ctx, &req); err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer s.release(req.RunID)

	out, err := s.handler.Handle(ctx, req)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String("pai.run_id", out.Result.RunID),
		attribute.String("pai.status", string(out.Result.Status)),
	)

	input := req.Input
	if input == "" {
		input = req.Text
	}
	rec := runstore.NewRecord(out.Result, out.Report, out.Markdown, input, req.UserID)
	s.record(ctx, rec, out.Result)

	return &RunResponse{Record: rec, Outcomes: out.Result.Outcomes, Match: NewMatchView(out.Match)}, nil
}

// reserve claims req.RunID, generating one when empty. Caller-chosen ids are
// also checked against stored runs.
func (s *Service) reserve(ctx context.Context, req *router.Request) error {
	chosen := req.RunID != ""
	if !chosen {
		req.RunID = uuid.New().String()
	}

	s.mu.Lock()
	if _, busy := s.inflight[req.RunID]; busy {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
	}
	s.inflight[req.RunID] = struct{}{}
	s.mu.Unlock()

	if chosen {
		if _, err := s.GetRun(ctx, req.RunID); err == nil {
			s.release(req.RunID)
			return fmt.Errorf("%w: %s", ErrRunExists, req.RunID)
		}
	}
	return nil
}

func (s *Service) release(runID string) {
	s.mu.Lock()
	delete(s.inflight, runID)
	s.mu.Unlock()
}

func (s *Service) record(ctx context.Context, rec *runstore.Record, result *execution.RunResult) {
	// Sinks outlive a client that disconnects right after the run.
	base := context.WithoutCancel(ctx)
	logger := s.logger.With(zap.String("run_id", rec.RunID))

	if s.cache != nil {
		sinkCtx, cancel := context.WithTimeout(base, s.sinkTimeout)
		if err := s.cache.Save(sinkCtx, rec); err != nil {
			s.sinkFailed(logger, "cache", err)
		}
		cancel()
	}

	if s.history != nil {
		s.history.QueueRun(rec, result.Outcomes, func(err error) {
			if err != nil {
				s.sinkFailed(logger, "history", err)
			}
		})
	}

	if s.publisher != nil {
		sinkCtx, cancel := context.WithTimeout(base, s.sinkTimeout)
		if err := s.publisher.Publish(sinkCtx, rec); err != nil {
			s.sinkFailed(logger, "delivery", err)
		}
		cancel()
	}

	if s.events != nil {
		sections, missing := 0, 0
		if rec.Report != nil {
			sections, missing = len(rec.Report.Sections), len(rec.Report.Missing)
		}
		s.events.Publish(execution.Event{
			Type:    execution.EventReportReady,
			RunID:   rec.RunID,
			Status:  string(rec.Status),
			Message: "report ready",
			Payload: map[string]interface{}{
				"skill_id":    rec.SkillID,
				"workflow_id": rec.WorkflowID,
				"mode":        rec.Mode,
				"duration_ms": rec.DurationMS,
				"sections":    sections,
				"missing":     missing,
			},
			Timestamp: time.Now(),
		})
	}
}

func (s *Service) sinkFailed(logger *zap.Logger, sink string, err error) {
	metrics.SinkErrors.WithLabelValues(sink).Inc()
	logger.Warn("Failed to record run", zap.String("sink", sink), zap.Error(err))
}

// Resolve maps text to a workflow without running it.
func (s *Service) Resolve(text string) (*skills.WorkflowDescriptor, error) {
	return s.handler.Resolve(text)
}

// Skills lists registered skills.
func (s *Service) Skills() []skills.SkillSummary {
	return s.handler.Registry().List()
}

// GetRun returns a finished run from the cache, falling back to history.
func (s *Service) GetRun(ctx context.Context, runID string) (*runstore.Record, error) {
	if s.cache != nil {
		rec, err := s.cache.Get(ctx, runID)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, runstore.ErrNotFound) {
			s.logger.Warn("Run cache lookup failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
	if s.history != nil {
		return s.history.GetRun(ctx, runID)
	}
	return nil, runstore.ErrNotFound
}

// RunSummary is one entry of RecentRuns.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	SkillID    string    `json:"skill_id"`
	WorkflowID string    `json:"workflow_id"`
	Mode       string    `json:"mode"`
	Status     string    `json:"status"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
}

// RecentRuns lists the newest runs, preferring history when it is enabled.
func (s *Service) RecentRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	if s.history != nil {
		rows, err := s.history.ListRuns(ctx, limit)
		if err != nil {
			return nil, err
		}
		out := make([]RunSummary, 0, len(rows))
		for _, r := range rows {
			out = append(out, RunSummary{
				RunID: r.RunID, SkillID: r.SkillID, WorkflowID: r.WorkflowID, Mode: r.Mode,
				Status: r.Status, StartedAt: r.StartedAt, DurationMS: r.DurationMS,
			})
		}
		return out, nil
	}
	if s.cache == nil {
		return []RunSummary{}, nil
	}

	ids, err := s.cache.Recent(ctx, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		rec, err := s.cache.Get(ctx, id)
		if err != nil {
			// expired between Recent and Get
			continue
		}
		out = append(out, RunSummary{
			RunID: rec.RunID, SkillID: rec.SkillID, WorkflowID: rec.WorkflowID, Mode: rec.Mode,
			Status: string(rec.Status), StartedAt: rec.StartedAt, DurationMS: rec.DurationMS,
		})
	}
	return out, nil
}
