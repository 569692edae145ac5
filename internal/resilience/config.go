package resilience

import (
	"time"

	"github.com/sells-group/listing-analytics/internal/config"
)

// SourceRetry builds the retry policy for event-source page fetches.
func SourceRetry(cfg config.SourceConfig) RetryConfig {
	rc := DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		rc.MaxAttempts = cfg.MaxRetries + 1
	}
	return rc
}

// SourceCircuit builds the circuit breaker config for the event source.
func SourceCircuit(cfg config.SourceConfig) CircuitBreakerConfig {
	cc := DefaultCircuitBreakerConfig()
	if cfg.CircuitThreshold > 0 {
		cc.FailureThreshold = cfg.CircuitThreshold
	}
	if cfg.CircuitResetSecs > 0 {
		cc.ResetTimeout = time.Duration(cfg.CircuitResetSecs) * time.Second
	}
	return cc
}

// RollupRetry builds the retry policy for per-entity rollup updates. Only
// errors matched by isConflict are retried.
func RollupRetry(cfg config.RollupConfig, isConflict func(error) bool) RetryConfig {
	rc := RetryConfig{
		MaxAttempts:    cfg.MaxRetries + 1,
		InitialBackoff: time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Jitter:         0.5,
		ShouldRetry:    isConflict,
	}
	if cfg.MaxRetries <= 0 {
		rc.MaxAttempts = 1
	}
	return rc
}
