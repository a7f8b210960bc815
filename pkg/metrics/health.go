package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON document served by the probe endpoints.
// Status carries "healthy"/"unhealthy" on /health and
// "ready"/"not_ready" on /ready.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
	StartTime  time.Time         `json:"-"`
}

// ComponentHealth tracks the state of a single subsystem. Critical
// components (store, temporal, runtime) gate readiness; the rest only
// color the /health report.
type ComponentHealth struct {
	Name     string
	Critical bool
	Healthy  bool
	Message  string
	Updated  time.Time
}

// HealthChecker aggregates the component states that servers report at
// boot and during operation.
type HealthChecker struct {
	mu         sync.RWMutex
	components map[string]ComponentHealth
	startTime  time.Time
	version    string
}

var healthChecker = &HealthChecker{
	components: make(map[string]ComponentHealth),
	startTime:  time.Now(),
}

// SetVersion records the build version included in probe responses.
func SetVersion(version string) {
	healthChecker.mu.Lock()
	defer healthChecker.mu.Unlock()
	healthChecker.version = version
}

// RegisterComponent adds a component to the health registry. Servers
// register every expected component at boot, typically unhealthy with
// an "initializing" message, and flip them with UpdateComponent once
// the backing connection is established.
func RegisterComponent(name string, critical bool, healthy bool, message string) {
	hc := healthChecker
	hc.mu.Lock()
	defer hc.mu.Unlock()

	hc.components[name] = ComponentHealth{
		Name:     name,
		Critical: critical,
		Healthy:  healthy,
		Message:  message,
		Updated:  time.Now(),
	}
}

// UpdateComponent flips a component's health while preserving its
// criticality. Updating a name that was never registered records it as
// non-critical.
func UpdateComponent(name string, healthy bool, message string) {
	hc := healthChecker
	hc.mu.Lock()
	defer hc.mu.Unlock()

	prev := hc.components[name]
	hc.components[name] = ComponentHealth{
		Name:     name,
		Critical: prev.Critical,
		Healthy:  healthy,
		Message:  message,
		Updated:  time.Now(),
	}
}

// report must be called with at least a read lock held.
func (hc *HealthChecker) report(status string) HealthStatus {
	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]string),
		Version:    hc.version,
		Uptime:     time.Since(hc.startTime).String(),
		StartTime:  hc.startTime,
	}
}

// GetHealth reports every registered component. A single unhealthy
// component, critical or not, marks the whole report unhealthy.
func GetHealth() HealthStatus {
	hc := healthChecker
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := hc.report("healthy")
	for name, comp := range hc.components {
		if comp.Healthy {
			out.Components[name] = "healthy"
			continue
		}
		out.Status = "unhealthy"
		out.Components[name] = "unhealthy: " + comp.Message
	}
	return out
}

// GetReadiness reports whether every critical component is healthy. A
// process with no critical components registered is still booting and
// therefore not ready.
func GetReadiness() HealthStatus {
	hc := healthChecker
	hc.mu.RLock()
	defer hc.mu.RUnlock()

	out := hc.report("ready")
	critical := 0
	for name, comp := range hc.components {
		if !comp.Critical {
			continue
		}
		critical++
		if comp.Healthy {
			out.Components[name] = "ready"
			continue
		}
		out.Status = "not_ready"
		out.Message = "waiting for " + name
		out.Components[name] = "not ready: " + comp.Message
	}
	if critical == 0 {
		out.Status = "not_ready"
		out.Message = "no critical components registered"
	}
	return out
}

// HealthHandler serves the full component report on /health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := GetHealth()
		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health)
	}
}

// ReadyHandler serves the readiness gate on /ready. Orchestrators
// should route traffic to the server only while this returns 200.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		code := http.StatusOK
		if readiness.Status != "ready" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, readiness)
	}
}

// LivenessHandler answers 200 whenever the process can serve HTTP at
// all; it consults no component state.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(healthChecker.startTime).String(),
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
