package llm

import "time"

// RetryConfig holds retry configuration for LLM requests.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BackoffUnit is the linear backoff step: after failed attempt n the
	// client waits n units before trying again.
	BackoffUnit time.Duration
}

// DefaultRetryConfig returns the default of three attempts one second apart,
// growing linearly.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BackoffUnit: time.Second,
	}
}

// Backoff returns the wait after the given failed attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return time.Duration(attempt) * c.BackoffUnit
}
