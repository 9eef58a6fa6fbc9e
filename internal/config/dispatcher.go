package config

import (
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
	"github.com/example/ttsworkerd/internal/dispatcher"
)

// ToDispatcherConfig translates the process-wide Config into the
// Dispatcher's own configuration surface. It lives here, rather than on
// dispatcher.Config itself, so internal/dispatcher need not import the
// CLI/viper-facing internal/config package.
func (c Config) ToDispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		MinWorkers: c.MinWorkers,
		MaxWorkers: c.MaxWorkers,

		Model:    c.Model,
		CacheDir: c.CacheDir,

		MaxQueueSize:        c.MaxQueueSize,
		HealthCheckInterval: c.HealthCheckInterval(),
		RestartOnFailure:    c.RestartOnFailure,

		ExecutablePath: c.ExecutablePath,
		ExecutableArgs: c.ExecutableArgs,

		CircuitBreaker: breaker.Config{
			FailureThreshold:  c.CircuitBreaker.FailureThreshold,
			Timeout:           time.Duration(c.CircuitBreaker.TimeoutMs) * time.Millisecond,
			ResetTimeout:      time.Duration(c.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
			SuccessThreshold:  c.CircuitBreaker.SuccessThreshold,
			SlidingWindowSize: c.CircuitBreaker.SlidingWindowSize,
		},
		LoadBalancer: dispatcher.LoadBalancerConfig{
			Algorithm:           balancer.Policy(c.LoadBalancer.Algorithm),
			ScaleUpThreshold:    c.LoadBalancer.ScaleUpThreshold,
			ScaleUpResponseTime: time.Duration(c.LoadBalancer.ScaleUpResponseTimeMs) * time.Millisecond,
			ScaleDownThreshold:  time.Duration(c.LoadBalancer.ScaleDownThresholdMs) * time.Millisecond,
			ModelAffinity:       c.LoadBalancer.ModelAffinity,
		},

		AutoscaleInterval: c.AutoscaleCadence(),
		MaxReselections:   c.MaxReselections,
		MaxTextLength:     c.MaxTextLength,
		RequestDeadline:   c.RequestTimeout(),
	}
}
