package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedCount int

func (c fixedCount) Count() int { return int(c) }

func ok(context.Context) error { return nil }

func TestManagerAggregation(t *testing.T) {
	tests := []struct {
		name   string
		redis  error
		skills int
		status CheckStatus
		ready  bool
	}{
		{"all healthy", nil, 2, StatusHealthy, true},
		{"optional dependency down", errors.New("refused"), 2, StatusDegraded, true},
		{"no skills", nil, 0, StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(zaptest.NewLogger(t))
			redisErr := tt.redis
			require.NoError(t, m.RegisterChecker(NewPingChecker("redis", pingFunc(func(context.Context) error { return redisErr }), false)))
			require.NoError(t, m.RegisterChecker(NewRegistryChecker(fixedCount(tt.skills))))

			detailed := m.GetDetailedHealth(context.Background())
			assert.Equal(t, tt.status, detailed.Overall.Status)
			assert.Equal(t, tt.ready, detailed.Overall.Ready)
			assert.True(t, detailed.Overall.Live)
			assert.Equal(t, 2, detailed.Summary.Total)
			assert.Equal(t, 1, detailed.Summary.Critical)
		})
	}
}

func TestManagerRejectsDuplicates(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(NewPingChecker("db", pingFunc(ok), true)))
	assert.Error(t, m.RegisterChecker(NewPingChecker("db", pingFunc(ok), true)))
	assert.Error(t, m.RegisterChecker(nil))
}

func TestManagerNoCheckers(t *testing.T) {
	overall := NewManager(nil).GetOverallHealth(context.Background())
	assert.Equal(t, StatusUnknown, overall.Status)
	assert.False(t, overall.Ready)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	m := NewManager(nil)
	slow := NewCustomHealthChecker("slow", true, 20*time.Millisecond, func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return CheckResult{Status: StatusUnhealthy, Error: ctx.Err().Error()}
	})
	boom := NewCustomHealthChecker("boom", false, time.Second, func(context.Context) CheckResult {
		panic("bad checker")
	})
	require.NoError(t, m.RegisterChecker(slow))
	require.NoError(t, m.RegisterChecker(boom))

	detailed := m.GetDetailedHealth(context.Background())
	assert.Equal(t, StatusUnhealthy, detailed.Components["slow"].Status)
	assert.Contains(t, detailed.Components["slow"].Error, "deadline")
	assert.Equal(t, StatusUnhealthy, detailed.Components["boom"].Status)
	assert.Contains(t, detailed.Components["boom"].Error, "panicked")
	assert.False(t, detailed.Overall.Ready)
}

func TestHTTPHandler(t *testing.T) {
	m := NewManager(nil)
	require.NoError(t, m.RegisterChecker(NewRegistryChecker(fixedCount(1))))
	mux := http.NewServeMux()
	NewHTTPHandler(m, zaptest.NewLogger(t)).RegisterRoutes(mux)

	for _, path := range []string{"/health", "/ready", "/health/detailed"} {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])

	empty := http.NewServeMux()
	NewHTTPHandler(NewManager(nil), nil).RegisterRoutes(empty)
	rec = httptest.NewRecorder()
	empty.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
