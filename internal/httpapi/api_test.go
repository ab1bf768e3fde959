package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fpr1m3/pai-orchestrator/internal/auth"
	"github.com/fpr1m3/pai-orchestrator/internal/execution"
	"github.com/fpr1m3/pai-orchestrator/internal/policy"
	"github.com/fpr1m3/pai-orchestrator/internal/router"
	"github.com/fpr1m3/pai-orchestrator/internal/runstore"
	"github.com/fpr1m3/pai-orchestrator/internal/server"
	"github.com/fpr1m3/pai-orchestrator/internal/skills"
	"github.com/fpr1m3/pai-orchestrator/internal/streaming"
)

// denyDeep rejects every run in the "deep" mode.
type denyDeep struct{}

func (denyDeep) Evaluate(_ context.Context, in *policy.RunInput) (*policy.Decision, error) {
	if in.Mode == "deep" {
		return &policy.Decision{Allow: false, Reason: "deep mode is disabled"}, nil
	}
	return &policy.Decision{Allow: true}, nil
}
func (denyDeep) IsEnabled() bool   { return true }
func (denyDeep) Mode() policy.Mode { return policy.ModeEnforce }

type testEnv struct {
	mux    *http.ServeMux
	events *streaming.Manager
}

func workflow(id string, modes map[string]skills.ModePolicy) *skills.WorkflowDescriptor {
	return &skills.WorkflowDescriptor{ID: id, DefaultMode: "quick", Modes: modes}
}

type envOptions struct {
	authCfg  auth.Config
	limiter  *RateLimiter
	executor execution.Executor
}

func newTestEnv(t *testing.T, authCfg auth.Config, limiter *RateLimiter) *testEnv {
	t.Helper()
	return newTestEnvWith(t, envOptions{authCfg: authCfg, limiter: limiter})
}

func newTestEnvWith(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	reg := skills.NewRegistry(skills.WithScorer(skills.ContainmentScorer{}))
	quick := skills.ModePolicy{WorkerCount: 2, PerWorkerTimeout: time.Second}
	deep := skills.ModePolicy{WorkerCount: 3, PerWorkerTimeout: time.Second}
	slow := skills.ModePolicy{WorkerCount: 2, PerWorkerTimeout: 400 * time.Millisecond, OverallTimeout: 400 * time.Millisecond, RequiredSuccesses: 1}
	require.NoError(t, reg.Register(&skills.SkillDescriptor{
		ID:       "research",
		Triggers: []string{"do research", "write summary"},
		Workflows: []*skills.WorkflowDescriptor{
			workflow("conduct", map[string]skills.ModePolicy{"quick": quick, "deep": deep, "slow": slow}),
		},
	}))
	require.NoError(t, reg.Register(&skills.SkillDescriptor{
		ID:        "writing",
		Triggers:  []string{"write summary"},
		Workflows: []*skills.WorkflowDescriptor{workflow("draft", map[string]skills.ModePolicy{"quick": quick})},
	}))

	events := streaming.NewManager(0, 0, logger)
	exec := opts.executor
	if exec == nil {
		exec = execution.ExecutorFunc(func(_ context.Context, task execution.TaskSpec) (string, error) {
			return "note from " + task.TaskID, nil
		})
	}
	dispatcher := execution.NewDispatcher(exec, logger, execution.WithEventSink(events))
	rt := router.New(reg, dispatcher, router.Thresholds{MinScore: 0.5, AmbiguityMargin: 0.05}, logger,
		router.WithPolicy(denyDeep{}))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := runstore.New(client, runstore.Config{}, logger)

	svc := server.NewService(rt, logger, server.WithCache(cache), server.WithEvents(events))
	authMW := auth.NewMiddleware(opts.authCfg)

	mux := http.NewServeMux()
	NewAPIHandler(svc, authMW, opts.limiter, logger).RegisterRoutes(mux)
	NewAuthHTTPHandler(authMW, logger).RegisterRoutes(mux)
	NewStreamingHandler(events, authMW, logger).RegisterRoutes(mux)
	return &testEnv{mux: mux, events: events}
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestListSkills(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	rec := env.do(t, http.MethodGet, "/api/v1/skills", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["skills"], 2)
}

func TestResolve(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"match", `{"text":"please do research"}`, http.StatusOK},
		{"no match", `{"text":"bake bread"}`, http.StatusNotFound},
		{"ambiguous", `{"text":"write summary of it"}`, http.StatusConflict},
		{"empty text", `{"text":"  "}`, http.StatusBadRequest},
		{"bad json", `{"text":`, http.StatusBadRequest},
		{"unknown field", `{"query":"x"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/resolve", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}

	body := decode(t, env.do(t, http.MethodPost, "/api/v1/resolve", `{"text":"write summary of it"}`))
	candidates, ok := body["candidates"].([]interface{})
	require.True(t, ok)
	assert.Len(t, candidates, 2)

	body = decode(t, env.do(t, http.MethodPost, "/api/v1/resolve", `{"text":"please do research"}`))
	wf := body["workflow"].(map[string]interface{})
	assert.Equal(t, "research", wf["skill_id"])
	assert.Equal(t, "conduct", wf["workflow_id"])
}

func TestCreateAndGetRun(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"text":"do research","input":"tides"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	run := body["run"].(map[string]interface{})
	runID := run["run_id"].(string)
	assert.Equal(t, "complete", run["status"])
	assert.Equal(t, "local", run["user_id"])
	assert.Len(t, body["outcomes"], 2)

	rec = env.do(t, http.MethodGet, "/api/v1/runs/"+runID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, runID, decode(t, rec)["run_id"])

	rec = env.do(t, http.MethodGet, "/api/v1/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["runs"], 1)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/v1/runs/nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/runs?limit=0", "").Code)
}

func TestCreateRunErrors(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"unknown mode", `{"skill_id":"research","mode":"exhaustive"}`, http.StatusBadRequest},
		{"policy denied", `{"skill_id":"research","mode":"deep"}`, http.StatusForbidden},
		{"unknown workflow", `{"skill_id":"cooking"}`, http.StatusNotFound},
		{"no match", `{"text":"bake bread"}`, http.StatusNotFound},
		{"ambiguous", `{"text":"write summary"}`, http.StatusConflict},
		{"nothing to route", `{"input":"x"}`, http.StatusBadRequest},
		{"run id not a uuid", `{"skill_id":"research","input":"x","run_id":"client-chosen"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/runs", tt.body)
			assert.Equal(t, tt.code, rec.Code, rec.Body.String())
		})
	}
}

func TestCreateRunMarkdown(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"skill_id":"research","workflow_id":"conduct","input":"tides","format":"markdown"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/markdown"))
	assert.NotEmpty(t, rec.Header().Get("X-Run-ID"))
	assert.Contains(t, rec.Body.String(), "# research / conduct (quick)")
}

func TestAuthRequired(t *testing.T) {
	cfg := auth.Config{Enabled: true, JWTSecret: "test-secret", APIKeys: []string{"key-1"}}
	env := newTestEnv(t, cfg, nil)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/v1/skills", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/api/v1/skills", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/skills", "", "X-API-Key", "key-1").Code)

	rec := env.do(t, http.MethodPost, "/api/v1/auth/token", "", "X-API-Key", "key-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token := decode(t, rec)["access_token"].(string)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/skills", "", "Authorization", "Bearer "+token).Code)

	// A JWT cannot mint further tokens.
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/v1/auth/token", "", "Authorization", "Bearer "+token).Code)

	// Role user lacks runs:write.
	userToken, err := auth.NewJWTManager(cfg.JWTSecret, "", 0).GenerateToken("u2", "reader", auth.RoleUser)
	require.NoError(t, err)
	rec = env.do(t, http.MethodPost, "/api/v1/runs", `{"skill_id":"research"}`, "Authorization", "Bearer "+userToken.AccessToken)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestTokenEndpointDisabled(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, "/api/v1/auth/token", "").Code)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, NewRateLimiter(1, 2))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, env.do(t, http.MethodGet, "/api/v1/skills", "").Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestRateLimiterPerClient(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 5))

	l := NewRateLimiter(1, 1)
	now := time.Unix(1000, 0)
	l.now = func() time.Time { return now }
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))

	now = now.Add(time.Hour)
	assert.True(t, l.Allow("c"))
	assert.Len(t, l.clients, 1, "idle clients are evicted")
}

func publishFinishedRun(events *streaming.Manager, runID string) {
	for _, typ := range []string{execution.EventRunStarted, execution.EventTaskSettled, execution.EventRunCompleted, execution.EventReportReady} {
		events.Publish(execution.Event{Type: typ, RunID: runID, Timestamp: time.Now()})
	}
}

func TestSSEReplaysFinishedRun(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	publishFinishedRun(env.events, "r1")

	rec := env.do(t, http.MethodGet, "/api/v1/stream/sse?run_id=r1&last_event_id=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var ids []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimPrefix(line, "id: "))
		}
	}
	assert.Equal(t, []string{"2", "3", "4"}, ids)
	assert.Contains(t, rec.Body.String(), "event: report_ready")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/stream/sse", "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/stream/sse?run_id=r1&last_event_id=x", "").Code)
}

func TestWebSocketStreamsLiveRun(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/ws?run_id=r2&types=run_completed,report_ready"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Events published before the handler subscribes arrive through replay.
	publishFinishedRun(env.events, "r2")

	var got []string
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var evt execution.Event
		if err := conn.ReadJSON(&evt); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error %v", err)
			break
		}
		got = append(got, evt.Type)
	}
	assert.Equal(t, []string{execution.EventRunCompleted, execution.EventReportReady}, got)
}

func TestWebSocketAuthViaQueryToken(t *testing.T) {
	cfg := auth.Config{Enabled: true, JWTSecret: "test-secret", APIKeys: []string{"key-1"}}
	env := newTestEnv(t, cfg, nil)
	publishFinishedRun(env.events, "r3")
	srv := httptest.NewServer(env.mux)
	defer srv.Close()

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/stream/ws?run_id=r3"
	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(base+"&api_key=key-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	var evt execution.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, execution.EventRunStarted, evt.Type)
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestCreateRunOutlivesServerWriteTimeout(t *testing.T) {
	// One worker answers, the other hangs until the run times out.
	exec := execution.ExecutorFunc(func(ctx context.Context, task execution.TaskSpec) (string, error) {
		if task.Index == 0 {
			return "fast finding", nil
		}
		<-ctx.Done()
		return "", ctx.Err()
	})
	env := newTestEnvWith(t, envOptions{executor: exec})
	srv := httptest.NewUnstartedServer(env.mux)
	srv.Config.WriteTimeout = 200 * time.Millisecond
	srv.Start()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/v1/runs", "application/json",
		strings.NewReader(`{"skill_id":"research","input":"tides","mode":"slow"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Run runstore.Record `json:"run"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, execution.RunPartialSuccess, body.Run.Status)
	assert.Contains(t, body.Run.Markdown, "fast finding")
}

func TestSSEOutlivesServerWriteTimeout(t *testing.T) {
	env := newTestEnv(t, auth.Config{}, nil)
	srv := httptest.NewUnstartedServer(env.mux)
	srv.Config.WriteTimeout = 100 * time.Millisecond
	srv.Start()
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	stream, err := client.Get(srv.URL + "/api/v1/stream/sse?run_id=r3")
	require.NoError(t, err)
	defer stream.Body.Close()
	lines := bufio.NewScanner(stream.Body)
	require.True(t, lines.Scan())

	time.Sleep(300 * time.Millisecond)
	publishFinishedRun(env.events, "r3")

	var events []string
	for lines.Scan() {
		if line := lines.Text(); strings.HasPrefix(line, "event: ") {
			events = append(events, strings.TrimPrefix(line, "event: "))
		}
	}
	require.NoError(t, lines.Err())
	require.NotEmpty(t, events)
	assert.Equal(t, execution.EventReportReady, events[len(events)-1])
}

func TestStreamLiveRunWithClientRunID(t *testing.T) {
	release := make(chan struct{})
	exec := execution.ExecutorFunc(func(ctx context.Context, task execution.TaskSpec) (string, error) {
		select {
		case <-release:
			return "note from " + task.TaskID, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	env := newTestEnvWith(t, envOptions{executor: exec})
	srv := httptest.NewServer(env.mux)
	defer srv.Close()
	client := &http.Client{Timeout: 5 * time.Second}

	runID := uuid.New().String()
	stream, err := client.Get(srv.URL + "/api/v1/stream/sse?run_id=" + runID)
	require.NoError(t, err)
	defer stream.Body.Close()
	lines := bufio.NewScanner(stream.Body)
	require.True(t, lines.Scan())
	require.Equal(t, ": connected to run "+runID, lines.Text())

	type result struct {
		code int
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := client.Post(srv.URL+"/api/v1/runs", "application/json",
			strings.NewReader(`{"skill_id":"research","input":"tides","run_id":"`+runID+`"}`))
		if err != nil {
			done <- result{err: err}
			return
		}
		resp.Body.Close()
		done <- result{code: resp.StatusCode}
	}()

	waitFor := func(eventType string) {
		t.Helper()
		for lines.Scan() {
			if lines.Text() == "event: "+eventType {
				return
			}
		}
		t.Fatalf("stream ended before %s", eventType)
	}

	waitFor(execution.EventTaskStarted)
	select {
	case <-done:
		t.Fatal("run finished before its events were streamed")
	default:
	}

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, http.StatusOK, res.code)
	waitFor(execution.EventReportReady)

	rec := env.do(t, http.MethodPost, "/api/v1/runs", `{"skill_id":"research","input":"again","run_id":"`+runID+`"}`)
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}
