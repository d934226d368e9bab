package server

import (
	"sort"
	"sync"
	"time"
)

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// ComponentHealth is the last observed state of one checked component.
type ComponentHealth struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message"`
	LastCheck time.Time     `json:"last_check"`
	Latency   time.Duration `json:"latency,omitempty"`
}

type SystemHealth struct {
	OverallStatus HealthStatus      `json:"overall_status"`
	Timestamp     time.Time         `json:"timestamp"`
	Components    []ComponentHealth `json:"components"`
	Uptime        time.Duration     `json:"uptime"`
	Version       string            `json:"version"`
}

// Check returns nil when healthy. A *DegradedError marks the component degraded
// instead of unhealthy.
type Check func() error

// DegradedError reports a component that works but not fully.
type DegradedError struct{ Reason string }

func (e *DegradedError) Error() string { return e.Reason }

// HealthChecker runs registered component checks on demand.
type HealthChecker struct {
	mu         sync.Mutex
	components map[string]*ComponentHealth
	checkers   map[string]Check
	startTime  time.Time
	version    string
}

func NewHealthChecker(version string) *HealthChecker {
	return &HealthChecker{
		components: make(map[string]*ComponentHealth),
		checkers:   make(map[string]Check),
		startTime:  time.Now(),
		version:    version,
	}
}

func (hc *HealthChecker) RegisterComponent(name string, check Check) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.components[name] = &ComponentHealth{
		Name:      name,
		Status:    Healthy,
		Message:   "registered",
		LastCheck: time.Now(),
	}
	hc.checkers[name] = check
}

// CheckHealth runs every check and aggregates the worst status.
func (hc *HealthChecker) CheckHealth() *SystemHealth {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	overall := Healthy
	components := make([]ComponentHealth, 0, len(hc.components))
	for name, component := range hc.components {
		if check := hc.checkers[name]; check != nil {
			start := time.Now()
			err := check()
			component.Latency = time.Since(start)
			component.LastCheck = time.Now()

			switch err.(type) {
			case nil:
				component.Status, component.Message = Healthy, "OK"
			case *DegradedError:
				component.Status, component.Message = Degraded, err.Error()
			default:
				component.Status, component.Message = Unhealthy, err.Error()
			}
		}

		if component.Status == Unhealthy {
			overall = Unhealthy
		} else if component.Status == Degraded && overall == Healthy {
			overall = Degraded
		}
		components = append(components, *component)
	}
	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })

	return &SystemHealth{
		OverallStatus: overall,
		Timestamp:     time.Now(),
		Components:    components,
		Uptime:        time.Since(hc.startTime),
		Version:       hc.version,
	}
}
