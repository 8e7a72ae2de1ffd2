package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry("test")
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should be healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected 0 statuses, got %d", len(statuses))
	}
}

func TestRegistryOneUnhealthy(t *testing.T) {
	r := NewRegistry("test")
	r.Register("postgres", PingChecker("postgres", PingFunc(func(context.Context) error { return nil })))
	r.Register("redis", PingChecker("redis", PingFunc(func(context.Context) error {
		return errors.New("connection refused")
	})))

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Fatal("registry with unhealthy checker should report unhealthy")
	}
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "redis", statuses[1].Name)
	assert.Equal(t, "connection refused", statuses[1].Detail)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry("test")
	r.Register("custom", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	assert.Equal(t, "custom", statuses[0].Name)
}

func TestRegistryCheckTimeout(t *testing.T) {
	r := NewRegistry("test").WithTimeout(20 * time.Millisecond)
	r.Register("slow", PingChecker("slow", PingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, statuses[0].Detail, "deadline exceeded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry("test")
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("checker", func(_ context.Context) Status {
				return Status{Name: "checker", Healthy: true}
			})
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}

func serve(r *Registry, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	r.RegisterRoutes(router)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	r := NewRegistry("1.2.3")
	down := false
	r.Register("postgres", PingChecker("postgres", PingFunc(func(context.Context) error {
		if down {
			return errors.New("gone")
		}
		return nil
	})))

	w := serve(r, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
	assert.Contains(t, w.Body.String(), `"version":"1.2.3"`)

	down = true
	w = serve(r, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestLivenessAndReadiness(t *testing.T) {
	r := NewRegistry("test")

	assert.Equal(t, http.StatusOK, serve(r, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, "/health/ready").Code)

	r.SetReady(true)
	assert.Equal(t, http.StatusOK, serve(r, "/health/ready").Code)

	r.Register("postgres", func(context.Context) Status { return Status{Name: "postgres"} })
	w := serve(r, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "postgres")

	r.SetLive(false)
	assert.Equal(t, http.StatusServiceUnavailable, serve(r, "/health/live").Code)
}
