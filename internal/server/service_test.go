package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fpr1m3/pai-orchestrator/internal/db"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/streaming"
)

type fakeHistory struct {
	mu      sync.Mutex
	records map[string]*runstore.Record
	queued  chan string
	err     error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{records: make(map[string]*runstore.Record), queued: make(chan string, 8)}
}

func (h *fakeHistory) QueueRun(rec *runstore.Record, _ []execution.TaskOutcome, callback func(error)) {
	h.mu.Lock()
	if h.err == nil {
		h.records[rec.RunID] = rec
	}
	err := h.err
	h.mu.Unlock()
	if callback != nil {
		callback(err)
	}
	h.queued <- rec.RunID
}

func (h *fakeHistory) GetRun(_ context.Context, runID string) (*runstore.Record, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[runID]
	if !ok {
		return nil, runstore.ErrNotFound
	}
	return rec, nil
}

func (h *fakeHistory) ListRuns(_ context.Context, limit int) ([]db.RunRow, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var rows []db.RunRow
	for _, r := range h.records {
		rows = append(rows, db.RunRow{RunID: r.RunID, SkillID: r.SkillID, WorkflowID: r.WorkflowID, Status: string(r.Status)})
		if len(rows) == limit {
			break
		}
	}
	return rows, nil
}

type fakePublisher struct {
	published []*runstore.Record
	err       error
}

func (p *fakePublisher) Publish(_ context.Context, rec *runstore.Record) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, rec)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newRouter(t *testing.T) *router.Router {
	t.Helper()
	reg := skills.NewRegistry(skills.WithScorer(skills.ContainmentScorer{}))
	require.NoError(t, reg.Register(&skills.SkillDescriptor{
		ID:       "research",
		Triggers: []string{"do research"},
		Workflows: []*skills.WorkflowDescriptor{{
			ID:          "conduct",
			DefaultMode: "quick",
			Modes: map[string]skills.ModePolicy{
				"quick": {WorkerCount: 2, PerWorkerTimeout: time.Second, OverallTimeout: 2 * time.Second},
			},
		}},
	}))
	logger := zaptest.NewLogger(t)
	dispatcher := execution.NewDispatcher(execution.ExecutorFunc(func(_ context.Context, task execution.TaskSpec) (string, error) {
		return "finding from " + task.TaskID, nil
	}), logger)
	return router.New(reg, dispatcher, router.Thresholds{MinScore: 0.5}, logger)
}

func newCache(t *testing.T) *runstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return runstore.New(client, runstore.Config{Enabled: true}, zaptest.NewLogger(t))
}

func TestRunRecordsToEverySink(t *testing.T) {
	cache := newCache(t)
	history := newFakeHistory()
	publisher := &fakePublisher{}
	events := streaming.NewManager(0, 0, zaptest.NewLogger(t))

	svc := NewService(newRouter(t), zaptest.NewLogger(t),
		WithCache(cache), WithHistory(history), WithPublisher(publisher), WithEvents(events))

	resp, err := svc.Run(context.Background(), router.Request{Text: "please do research on tides", RunID: "run-1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.Record.RunID)
	assert.Equal(t, execution.RunComplete, resp.Record.Status)
	assert.Equal(t, "please do research on tides", resp.Record.Input)
	assert.Len(t, resp.Outcomes, 2)
	require.NotNil(t, resp.Match)
	assert.Equal(t, "research", resp.Match.SkillID)
	assert.Contains(t, resp.Record.Markdown, "finding from")

	cached, err := cache.Get(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", cached.UserID)

	assert.Equal(t, "run-1", <-history.queued)
	require.Len(t, publisher.published, 1)

	replay := events.ReplaySince("run-1", 0)
	require.NotEmpty(t, replay)
	last := replay[len(replay)-1]
	assert.Equal(t, execution.EventReportReady, last.Type)
	assert.Equal(t, "report ready", last.Message)
	assert.Equal(t, 2, last.Payload["sections"])
}

func TestSinkFailuresDoNotFailRun(t *testing.T) {
	history := newFakeHistory()
	history.err = errors.New("disk full")
	publisher := &fakePublisher{err: errors.New("broker down")}

	svc := NewService(newRouter(t), zaptest.NewLogger(t), WithHistory(history), WithPublisher(publisher))
	resp, err := svc.Run(context.Background(), router.Request{SkillID: "research", Input: "tides"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Record.RunID)
	assert.Nil(t, resp.Match)
	<-history.queued
}

func TestRunPropagatesRoutingErrors(t *testing.T) {
	svc := NewService(newRouter(t), nil)

	_, err := svc.Run(context.Background(), router.Request{Text: "bake bread"})
	assert.ErrorIs(t, err, router.ErrNoMatch)

	_, err = svc.Run(context.Background(), router.Request{SkillID: "research", Mode: "deep"})
	assert.ErrorIs(t, err, router.ErrUnknownMode)
}

func TestGetRunFallsBackToHistory(t *testing.T) {
	cache := newCache(t)
	history := newFakeHistory()
	history.records["old"] = &runstore.Record{RunID: "old", Status: execution.RunFailed}

	svc := NewService(newRouter(t), zaptest.NewLogger(t), WithCache(cache), WithHistory(history))

	rec, err := svc.GetRun(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, execution.RunFailed, rec.Status)

	_, err = svc.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, runstore.ErrNotFound)

	_, err = NewService(newRouter(t), nil).GetRun(context.Background(), "old")
	assert.ErrorIs(t, err, runstore.ErrNotFound)
}

func TestRecentRuns(t *testing.T) {
	cache := newCache(t)
	svc := NewService(newRouter(t), zaptest.NewLogger(t), WithCache(cache))
	for _, id := range []string{"a", "b"} {
		_, err := svc.Run(context.Background(), router.Request{SkillID: "research", Input: "x", RunID: id})
		require.NoError(t, err)
	}

	runs, err := svc.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "b", runs[0].RunID)
	assert.Equal(t, "complete", runs[0].Status)

	history := newFakeHistory()
	history.records["h"] = &runstore.Record{RunID: "h", Status: execution.RunComplete}
	runs, err = NewService(newRouter(t), nil, WithCache(cache), WithHistory(history)).RecentRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "h", runs[0].RunID)

	runs, err = NewService(newRouter(t), nil).RecentRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestSkillsAndResolve(t *testing.T) {
	svc := NewService(newRouter(t), nil)
	list := svc.Skills()
	require.Len(t, list, 1)
	assert.Equal(t, "research", list[0].ID)

	wf, err := svc.Resolve("do research now")
	require.NoError(t, err)
	assert.Equal(t, "research/conduct", wf.Key())
}

// blockingHandler holds every run until release is closed.
type blockingHandler struct {
	*router.Router
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (h *blockingHandler) Handle(ctx context.Context, req router.Request) (*router.Outcome, error) {
	h.once.Do(func() { close(h.entered) })
	<-h.release
	return h.Router.Handle(ctx, req)
}

func TestRunRejectsRunIDInUse(t *testing.T) {
	h := &blockingHandler{Router: newRouter(t), entered: make(chan struct{}), release: make(chan struct{})}
	svc := NewService(h, zaptest.NewLogger(t), WithCache(newCache(t)))
	req := router.Request{SkillID: "research", Input: "tides", RunID: "shared"}

	errc := make(chan error, 1)
	go func() {
		_, err := svc.Run(context.Background(), req)
		errc <- err
	}()
	<-h.entered

	_, err := svc.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrRunExists)

	close(h.release)
	require.NoError(t, <-errc)

	// A recorded run keeps its id as well.
	_, err = svc.Run(context.Background(), req)
	assert.ErrorIs(t, err, ErrRunExists)

	resp, err := svc.Run(context.Background(), router.Request{SkillID: "research", Input: "tides"})
	require.NoError(t, err)
	assert.NotEqual(t, "shared", resp.Record.RunID)
	assert.NotEmpty(t, resp.Record.RunID)
}
