package scheduler

import (
	"math"
	"strings"
	"time"

	"github.com/taskflow/orchestrator/internal/config"
)

// Decision is the outcome of classifying an execution failure
type Decision int

const (
	DecisionRetry Decision = iota
	DecisionTerminal
)

func (d Decision) String() string {
	if d == DecisionTerminal {
		return "terminal"
	}
	return "retry"
}

// nonRetryableKeywords mark failures that will not go away on their own
var nonRetryableKeywords = []string{
	"validation",
	"authentication",
	"not found",
	"invalid",
	"permission denied",
}

// RetryPolicy classifies failures and computes backoff delays
type RetryPolicy struct {
	MaxRetries      int
	BaseDelay       time.Duration
	ExponentialBase float64
}

// NewRetryPolicy creates a retry policy from configuration
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	defaults := config.DefaultRetryConfig()
	p := &RetryPolicy{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       cfg.BaseDelay,
		ExponentialBase: cfg.ExponentialBase,
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaults.BaseDelay
	}
	if p.ExponentialBase < 1 {
		p.ExponentialBase = defaults.ExponentialBase
	}
	return p
}

// DefaultRetryPolicy returns a policy with three retries and 60s * 2^n backoff
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(config.DefaultRetryConfig())
}

// Classify decides whether a failure with the given message is worth retrying
func (p *RetryPolicy) Classify(errMsg string, retryCount int) Decision {
	if retryCount >= p.MaxRetries {
		return DecisionTerminal
	}
	lower := strings.ToLower(errMsg)
	for _, keyword := range nonRetryableKeywords {
		if strings.Contains(lower, keyword) {
			return DecisionTerminal
		}
	}
	return DecisionRetry
}

// BackoffSeconds returns BaseDelay * ExponentialBase^retryCount in seconds
func (p *RetryPolicy) BackoffSeconds(retryCount int) int {
	return int(p.Backoff(retryCount) / time.Second)
}

// Backoff returns the delay before a task that failed retryCount times may run again
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.ExponentialBase, float64(retryCount)))
}

// PenalizedPriority lowers a retried task's priority by one, floored at 1
func (p *RetryPolicy) PenalizedPriority(priority int) int {
	if priority-1 < 1 {
		return 1
	}
	return priority - 1
}
