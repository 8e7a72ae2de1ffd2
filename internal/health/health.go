// Package health runs named dependency checks for the liveness and
// readiness endpoints.
package health

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Status represents the health of a single dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// Checker is a function that checks the health of a dependency.
type Checker func(ctx context.Context) Status

// Pinger is satisfied by *sql.DB and wrapped Redis clients.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc adapts a plain ping function to Pinger.
type PingFunc func(ctx context.Context) error

// PingContext implements Pinger.
func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }

// PingChecker reports name as healthy when p answers a ping.
func PingChecker(name string, p Pinger) Checker {
	return func(ctx context.Context) Status {
		start := time.Now()
		err := p.PingContext(ctx)
		st := Status{Name: name, Healthy: err == nil, Latency: time.Since(start).Round(time.Microsecond).String()}
		if err != nil {
			st.Detail = err.Error()
		}
		return st
	}
}

// DefaultTimeout bounds each individual check.
const DefaultTimeout = 2 * time.Second

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
	timeout  time.Duration
	version  string
	live     atomic.Bool
	ready    atomic.Bool
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry. The process starts live
// but not ready.
func NewRegistry(version string) *Registry {
	r := &Registry{timeout: DefaultTimeout, version: version}
	r.live.Store(true)
	return r
}

// WithTimeout overrides the per-check timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// SetReady flips the readiness flag (true after startup, false on drain).
func (r *Registry) SetReady(v bool) { r.ready.Store(v) }

// SetLive flips the liveness flag.
func (r *Registry) SetLive(v bool) { r.live.Store(v) }

// CheckAll runs all registered checkers concurrently and returns the
// aggregate health plus individual results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))
	var wg sync.WaitGroup
	for i, nc := range checkers {
		wg.Add(1)
		go func(i int, nc namedChecker) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			st := nc.check(cctx)
			if st.Name == "" {
				st.Name = nc.name
			}
			statuses[i] = st
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, st := range statuses {
		if !st.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

// Response is the body of GET /health.
type Response struct {
	Status    string   `json:"status"`
	Version   string   `json:"version"`
	Checks    []Status `json:"checks"`
	Timestamp string   `json:"timestamp"`
}

// RegisterRoutes mounts /health, /health/live and /health/ready.
func (r *Registry) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", r.healthHandler)
	router.GET("/health/live", r.livenessHandler)
	router.GET("/health/ready", r.readinessHandler)
}

func (r *Registry) healthHandler(c *gin.Context) {
	healthy, statuses := r.CheckAll(c.Request.Context())

	status, code := "healthy", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	c.JSON(code, Response{
		Status:    status,
		Version:   r.version,
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (r *Registry) livenessHandler(c *gin.Context) {
	if !r.live.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

// readinessHandler requires both the ready flag and passing checks, so a
// lost database takes the instance out of rotation.
func (r *Registry) readinessHandler(c *gin.Context) {
	if !r.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	if healthy, statuses := r.CheckAll(c.Request.Context()); !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
