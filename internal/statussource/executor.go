package statussource

import (
	"context"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// ExecutorConfig configures retries and the circuit breaker wrapped around
// every platform request.
type ExecutorConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// BreakerFailures out of BreakerWindow executions open the breaker for
	// BreakerDelay. BreakerWindow of 0 disables the breaker.
	BreakerFailures uint
	BreakerWindow   uint
	BreakerDelay    time.Duration

	// ShouldRetry determines if a response should trigger a retry.
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultExecutorConfig returns the settings used by NewClient.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		MaxRetries:      2,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        time.Second,
		BreakerFailures: 5,
		BreakerWindow:   10,
		BreakerDelay:    15 * time.Second,
		ShouldRetry:     DefaultShouldRetry,
	}
}

// DefaultShouldRetry retries on transport errors, 5xx and 429.
func DefaultShouldRetry(resp *http.Response, err error) bool {
	if err != nil || resp == nil {
		return true
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

func normalizeExecutorConfig(cfg ExecutorConfig) ExecutorConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.BreakerWindow > 0 {
		if cfg.BreakerFailures == 0 || cfg.BreakerFailures > cfg.BreakerWindow {
			cfg.BreakerFailures = cfg.BreakerWindow
		}
		if cfg.BreakerDelay <= 0 {
			cfg.BreakerDelay = 15 * time.Second
		}
	}
	if cfg.ShouldRetry == nil {
		cfg.ShouldRetry = DefaultShouldRetry
	}
	return cfg
}

// NewExecutor builds a failsafe executor with a retry policy and, when
// configured, a circuit breaker that counts errors and 5xx responses.
//
//nolint:bodyclose // *http.Response is a type parameter here, not a live response
func NewExecutor(cfg ExecutorConfig) failsafe.Executor[*http.Response] {
	cfg = normalizeExecutorConfig(cfg)

	retry := retrypolicy.NewBuilder[*http.Response]().
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(resp *http.Response, err error) bool {
			return cfg.ShouldRetry(resp, err)
		}).
		Build()

	if cfg.BreakerWindow == 0 {
		return failsafe.With[*http.Response](retry)
	}

	breaker := circuitbreaker.NewBuilder[*http.Response]().
		WithFailureThresholdRatio(cfg.BreakerFailures, cfg.BreakerWindow).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(resp *http.Response, err error) bool {
			if err != nil {
				return true
			}
			return resp != nil && resp.StatusCode >= http.StatusInternalServerError
		}).
		Build()

	return failsafe.With[*http.Response](retry, breaker)
}

func execute(ctx context.Context, executor failsafe.Executor[*http.Response], fn func() (*http.Response, error)) (*http.Response, error) {
	return executor.WithContext(ctx).Get(fn)
}
