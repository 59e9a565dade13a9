package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ErrDegraded marks a probe failure that leaves the dependency usable
var ErrDegraded = errors.New("degraded")

// Probe checks one dependency. Returning an error wrapping ErrDegraded
// reports the dependency as degraded rather than unhealthy.
type Probe func(ctx context.Context) error

type dependency struct {
	name     string
	critical bool
	probe    Probe
}

// HealthChecker reports liveness and readiness over a set of named probes.
// A failing critical probe makes the service unhealthy; any other failure
// only degrades it.
type HealthChecker struct {
	version string
	deps    []dependency
	timeout time.Duration
}

// HealthOption registers dependencies on a HealthChecker
type HealthOption func(*HealthChecker)

// WithDependency registers a probe under name
func WithDependency(name string, critical bool, probe Probe) HealthOption {
	return func(h *HealthChecker) {
		h.deps = append(h.deps, dependency{name: name, critical: critical, probe: probe})
	}
}

// WithDatabase registers the relational store as a critical dependency.
// A nil db is ignored.
func WithDatabase(db *sql.DB) HealthOption {
	if db == nil {
		return func(*HealthChecker) {}
	}
	return WithDependency("database", true, DatabaseProbe(db))
}

// WithRedis registers Redis as an optional dependency. A nil client is ignored.
func WithRedis(client *redis.Client) HealthOption {
	if client == nil {
		return func(*HealthChecker) {}
	}
	return WithDependency("redis", false, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// WithProbeTimeout bounds each readiness check. The default is 5s.
func WithProbeTimeout(d time.Duration) HealthOption {
	return func(h *HealthChecker) { h.timeout = d }
}

// NewHealthChecker creates a health checker reporting version
func NewHealthChecker(version string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{version: version, timeout: 5 * time.Second}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status   string `json:"status"`
	Critical bool   `json:"critical"`
	Message  string `json:"message,omitempty"`
	// LatencyMS is the probe duration in milliseconds
	LatencyMS int64 `json:"latency_ms"`
}

// DatabaseProbe pings db and runs a trivial query. A saturated pool is
// reported as degraded.
func DatabaseProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			return err
		}
		var one int
		if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
			return err
		}
		if stats := db.Stats(); stats.MaxOpenConnections > 0 && stats.InUse >= stats.MaxOpenConnections {
			return fmt.Errorf("%w: connection pool exhausted", ErrDegraded)
		}
		return nil
	}
}

// Check runs every probe concurrently and folds the results
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.deps)),
	}

	results := make([]DependencyStatus, len(h.deps))
	var wg sync.WaitGroup
	for i, dep := range h.deps {
		wg.Add(1)
		go func(i int, dep dependency) {
			defer wg.Done()
			results[i] = runProbe(ctx, dep)
		}(i, dep)
	}
	wg.Wait()

	for i, dep := range h.deps {
		res := results[i]
		status.Dependencies[dep.name] = res
		status.Status = worse(status.Status, effective(res))
	}
	return status
}

func runProbe(ctx context.Context, dep dependency) DependencyStatus {
	start := time.Now()
	err := dep.probe(ctx)
	res := DependencyStatus{
		Status:    StatusHealthy,
		Critical:  dep.critical,
		LatencyMS: time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrDegraded):
		res.Status = StatusDegraded
		res.Message = err.Error()
	default:
		res.Status = StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// effective is the contribution of one dependency to the overall status
func effective(res DependencyStatus) string {
	if res.Status == StatusUnhealthy && !res.Critical {
		return StatusDegraded
	}
	return res.Status
}

var severity = map[string]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}

func worse(a, b string) string {
	if severity[b] > severity[a] {
		return b
	}
	return a
}

// Names returns the registered dependency names, sorted
func (h *HealthChecker) Names() []string {
	names := make([]string, 0, len(h.deps))
	for _, d := range h.deps {
		names = append(names, d.name)
	}
	sort.Strings(names)
	return names
}

// Liveness returns 200 while the process is serving
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthStatus{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Version:   h.version,
	})
}

// Readiness runs the probes and answers 503 when a critical one fails
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeHealth(w, code, status)
}

func writeHealth(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}
