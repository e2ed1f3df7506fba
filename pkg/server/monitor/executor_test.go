package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/plotpurr/pkg/executor"
)

var _ executor.HealthRecorder = (*ExecutorMonitor)(nil)

func TestExecutorMonitor_RecordSuccess(t *testing.T) {
	m := NewExecutorMonitor()
	m.RecordFailure(errors.New("connection refused"))
	m.RecordSuccess()

	status := m.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.ConsecutiveErrors != 0 {
		t.Errorf("ConsecutiveErrors = %d, want 0", status.ConsecutiveErrors)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.TotalErrors != 1 {
		t.Errorf("TotalErrors = %d, want 1", status.TotalErrors)
	}
}

func TestExecutorMonitor_RecordFailure(t *testing.T) {
	m := NewExecutorMonitor()
	m.RecordFailure(errors.New("Code: 60. Unknown table"))

	status := m.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "Code: 60. Unknown table" {
		t.Errorf("LastError = %q, want %q", status.LastError, "Code: 60. Unknown table")
	}
}

func TestExecutorMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		expected bool
	}{
		{name: "never used", failures: 0, expected: true},
		{name: "at the limit", failures: MaxConsecutiveErrors, expected: true},
		{name: "past the limit", failures: MaxConsecutiveErrors + 1, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewExecutorMonitor()
			for i := 0; i < tt.failures; i++ {
				m.RecordFailure(errors.New("boom"))
			}
			if got := m.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestExecutorMonitor_StatusTimes(t *testing.T) {
	now := time.Date(2025, 11, 19, 12, 0, 0, 0, time.UTC)
	m := NewExecutorMonitor()
	m.now = func() time.Time { return now }
	m.RecordSuccess()
	now = now.Add(90 * time.Second)

	status := m.Status()
	if status.LastSuccess != "2025-11-19T12:00:00Z" {
		t.Errorf("LastSuccess = %q", status.LastSuccess)
	}
	if status.TimeSinceSuccess != "1m30s" {
		t.Errorf("TimeSinceSuccess = %q, want 1m30s", status.TimeSinceSuccess)
	}
}
