package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/flowmusic/flow/pkg/cluster"
)

// Overall health of the manager, derived from its clusters.
const (
	StatusStarting  = "starting"
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	StatusReady    = "ready"
	StatusNotReady = "not_ready"
)

var (
	startTime = time.Now()

	versionMu sync.RWMutex
	version   string
)

// SetVersion sets the version reported by the probes.
func SetVersion(v string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	version = v
}

func currentVersion() string {
	versionMu.RLock()
	defer versionMu.RUnlock()
	return version
}

// HealthSource is the manager view the probes judge.
type HealthSource interface {
	ClusterInfos() []cluster.Info
	TotalClusters() int
}

// ClusterHealth describes a cluster that is not ready.
type ClusterHealth struct {
	ID       int    `json:"id"`
	State    string `json:"state"`
	Restarts int    `json:"restarts"`
}

// HealthReport is the body of /health and /ready.
type HealthReport struct {
	Status    string            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Ready     int               `json:"ready"`
	Expected  int               `json:"expected"`
	Pending   []ClusterHealth   `json:"pending,omitempty"`
	Dead      []ClusterHealth   `json:"dead,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime"`
	Timestamp time.Time         `json:"timestamp"`
}

// Checker answers the health probes from live cluster state plus any
// dependency checks registered with AddCheck.
type Checker struct {
	source HealthSource

	mu     sync.RWMutex
	checks map[string]func() error
}

// NewChecker creates a checker over source.
func NewChecker(source HealthSource) *Checker {
	return &Checker{
		source: source,
		checks: make(map[string]func() error),
	}
}

// AddCheck registers a dependency probe. A non-nil error makes the manager
// unhealthy and not ready.
func (h *Checker) AddCheck(name string, check func() error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = check
}

// Health classifies the manager:
//   - starting until the first cluster is created
//   - unhealthy when a cluster is dead or a check fails
//   - degraded while some clusters are not ready
//   - healthy otherwise
func (h *Checker) Health() HealthReport {
	r := h.report()

	switch {
	case len(r.Dead) > 0:
		r.Status = StatusUnhealthy
		r.Message = fmt.Sprintf("%d cluster(s) dead", len(r.Dead))
	case r.Message != "":
		r.Status = StatusUnhealthy
	case r.Expected == 0:
		r.Status = StatusStarting
	case r.Ready < r.Expected:
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%d of %d clusters ready", r.Ready, r.Expected)
	default:
		r.Status = StatusHealthy
	}
	return r
}

// Readiness is ready once every expected cluster is ready and every check
// passes.
func (h *Checker) Readiness() HealthReport {
	r := h.report()

	r.Status = StatusNotReady
	switch {
	case r.Message != "":
	case r.Expected == 0:
		r.Message = "clusters not spawned"
	case r.Ready < r.Expected:
		r.Message = fmt.Sprintf("waiting for %d of %d clusters", r.Expected-r.Ready, r.Expected)
	default:
		r.Status = StatusReady
	}
	return r
}

// report fills everything but the status. Message carries the first
// failed check.
func (h *Checker) report() HealthReport {
	r := HealthReport{
		Expected:  h.source.TotalClusters(),
		Version:   currentVersion(),
		Uptime:    time.Since(startTime).Round(time.Second).String(),
		Timestamp: time.Now(),
	}

	for _, info := range h.source.ClusterInfos() {
		switch info.State {
		case cluster.StateReady.String():
			r.Ready++
		case cluster.StateDead.String():
			r.Dead = append(r.Dead, ClusterHealth{ID: info.ID, State: info.State, Restarts: info.Restarts})
		default:
			r.Pending = append(r.Pending, ClusterHealth{ID: info.ID, State: info.State, Restarts: info.Restarts})
		}
	}
	sort.Slice(r.Dead, func(i, j int) bool { return r.Dead[i].ID < r.Dead[j].ID })
	sort.Slice(r.Pending, func(i, j int) bool { return r.Pending[i].ID < r.Pending[j].ID })

	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]func() error, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	sort.Strings(names)
	if len(names) > 0 {
		r.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := checks[name](); err != nil {
			r.Checks[name] = err.Error()
			if r.Message == "" {
				r.Message = name + ": " + err.Error()
			}
			continue
		}
		r.Checks[name] = "ok"
	}
	return r
}

// HealthHandler serves /health. Only an unhealthy manager answers 503.
func (h *Checker) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Health()
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// ReadyHandler serves /ready.
func (h *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := h.Readiness()
		code := http.StatusOK
		if report.Status != StatusReady {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, report)
	}
}

// LivenessHandler answers 200 while the process runs.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(startTime).Round(time.Second).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
