package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a Policy.
func FromRetryConfig(maxAttempts, baseDelayMs int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if baseDelayMs > 0 {
		p.BaseDelay = time.Duration(baseDelayMs) * time.Millisecond
	}
	return p
}

// FromCircuitConfig converts config values to a CircuitConfig.
func FromCircuitConfig(failureThreshold, resetTimeoutSecs int) CircuitConfig {
	cfg := DefaultCircuitConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if resetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(resetTimeoutSecs) * time.Second
	}
	return cfg
}
