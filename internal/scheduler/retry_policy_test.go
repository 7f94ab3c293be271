package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/taskflow/orchestrator/internal/config"
)

func TestRetryPolicyClassify(t *testing.T) {
	policy := DefaultRetryPolicy()

	tests := []struct {
		name       string
		msg        string
		retryCount int
		want       Decision
	}{
		{"transient", "Connection timeout", 0, DecisionRetry},
		{"transient last attempt", "Connection timeout", 2, DecisionRetry},
		{"retries exhausted", "Connection timeout", 3, DecisionTerminal},
		{"validation", "Validation failed: bad field", 0, DecisionTerminal},
		{"authentication", "AUTHENTICATION required", 0, DecisionTerminal},
		{"not found", "model Not Found", 1, DecisionTerminal},
		{"invalid upper", "INVALID token", 0, DecisionTerminal},
		{"invalid mixed", "got an InVaLiD response", 0, DecisionTerminal},
		{"permission", "open /etc/x: permission denied", 0, DecisionTerminal},
		{"empty", "", 0, DecisionRetry},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Classify(tt.msg, tt.retryCount))
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, 60, policy.BackoffSeconds(0))
	assert.Equal(t, 120, policy.BackoffSeconds(1))
	assert.Equal(t, 240, policy.BackoffSeconds(2))
	assert.Equal(t, 480, policy.BackoffSeconds(3))

	for n := 0; n < 10; n++ {
		assert.Equal(t, 2*policy.BackoffSeconds(n), policy.BackoffSeconds(n+1), "n=%d", n)
	}

	assert.Equal(t, time.Minute, policy.Backoff(0))
	assert.Equal(t, time.Minute, policy.Backoff(-1))
}

func TestRetryPolicyPenalty(t *testing.T) {
	policy := DefaultRetryPolicy()

	assert.Equal(t, 4, policy.PenalizedPriority(5))
	assert.Equal(t, 1, policy.PenalizedPriority(2))
	assert.Equal(t, 1, policy.PenalizedPriority(1))
	assert.Equal(t, 1, policy.PenalizedPriority(0))
}

func TestRetryPolicyFromConfig(t *testing.T) {
	policy := NewRetryPolicy(config.RetryConfig{
		MaxRetries:      1,
		BaseDelay:       10 * time.Second,
		ExponentialBase: 3,
	})

	assert.Equal(t, 10, policy.BackoffSeconds(0))
	assert.Equal(t, 90, policy.BackoffSeconds(2))
	assert.Equal(t, DecisionTerminal, policy.Classify("timeout", 1))

	fallback := NewRetryPolicy(config.RetryConfig{MaxRetries: 3})
	assert.Equal(t, 60, fallback.BackoffSeconds(0))
}
