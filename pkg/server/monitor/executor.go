package monitor

import (
	"sync"
	"time"
)

// MaxConsecutiveErrors is how many engine failures in a row mark the
// executor unhealthy.
const MaxConsecutiveErrors = 3

// ExecutorMonitor tracks the outcome of engine queries. It implements
// executor.HealthRecorder.
type ExecutorMonitor struct {
	mu                sync.RWMutex
	now               func() time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	totalErrors       int64
	lastError         string
}

// NewExecutorMonitor creates a monitor.
func NewExecutorMonitor() *ExecutorMonitor {
	return &ExecutorMonitor{now: time.Now}
}

// RecordSuccess records a successful query.
func (m *ExecutorMonitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.lastSuccess = now
	m.lastAttempt = now
	m.consecutiveErrors = 0
	m.lastError = ""
}

// RecordFailure records a failed query.
func (m *ExecutorMonitor) RecordFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastAttempt = m.now()
	m.consecutiveErrors++
	m.totalErrors++
	if err != nil {
		m.lastError = err.Error()
	}
}

// IsHealthy returns false once more than MaxConsecutiveErrors queries in a
// row have failed. An executor that has not been used yet is healthy.
func (m *ExecutorMonitor) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked()
}

func (m *ExecutorMonitor) healthyLocked() bool {
	return m.consecutiveErrors <= MaxConsecutiveErrors
}

// ExecutorStatus is the executor section of the health response.
type ExecutorStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	TotalErrors       int64  `json:"total_errors"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns the current executor status for health checks.
func (m *ExecutorMonitor) Status() ExecutorStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := ExecutorStatus{
		Healthy:     m.healthyLocked(),
		TotalErrors: m.totalErrors,
	}
	if !m.lastSuccess.IsZero() {
		status.LastSuccess = m.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = m.now().Sub(m.lastSuccess).String()
	}
	if !m.lastAttempt.IsZero() {
		status.LastAttempt = m.lastAttempt.Format(time.RFC3339)
	}
	if m.consecutiveErrors > 0 {
		status.ConsecutiveErrors = m.consecutiveErrors
		status.LastError = m.lastError
	}
	return status
}
