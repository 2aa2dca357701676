// Package health aggregates component health for the admin surface.
package health

import (
	"sync"
	"time"
)

// Status is the health state of one component or the whole system.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// Healthy builds a healthy status.
func Healthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: "healthy", Message: message, Timestamp: time.Now()}
}

// Degraded builds a degraded status. The system keeps serving but
// something needs attention.
func Degraded(component, message string) Status {
	return Status{Component: component, Status: "degraded", Message: message, Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status.
func Unhealthy(component, message string) Status {
	return Status{Component: component, Status: "unhealthy", Message: message, Timestamp: time.Now()}
}

// Checker reports one component's health on demand.
type Checker interface {
	Name() string
	Health() Status
}

// CheckFunc adapts a function to the Checker interface.
type CheckFunc struct {
	Component string
	Fn        func() Status
}

// Name returns the component name.
func (c CheckFunc) Name() string { return c.Component }

// Health invokes the check.
func (c CheckFunc) Health() Status { return c.Fn() }

// Monitor aggregates registered checkers into one system status.
type Monitor struct {
	mu       sync.RWMutex
	checkers []Checker
	started  time.Time
}

// NewMonitor creates a monitor; uptime counts from now.
func NewMonitor() *Monitor {
	return &Monitor{started: time.Now()}
}

// Register adds a checker.
func (m *Monitor) Register(c Checker) {
	m.mu.Lock()
	m.checkers = append(m.checkers, c)
	m.mu.Unlock()
}

// Uptime reports time since the monitor was created.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.started)
}

// Overall runs every checker. The system is unhealthy when any
// component is, degraded when any component is degraded, healthy
// otherwise.
func (m *Monitor) Overall() Status {
	m.mu.RLock()
	checkers := append([]Checker(nil), m.checkers...)
	m.mu.RUnlock()

	out := Healthy("gateway", "")
	for _, c := range checkers {
		sub := c.Health()
		out.SubStatuses = append(out.SubStatuses, sub)

		switch sub.Status {
		case "unhealthy":
			out.Status = "unhealthy"
			out.Healthy = false
		case "degraded":
			if out.Status != "unhealthy" {
				out.Status = "degraded"
				out.Healthy = false
			}
		}
	}
	return out
}
