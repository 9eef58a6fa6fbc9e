package dispatcher

import (
	"time"

	"github.com/example/ttsworkerd/internal/balancer"
	"github.com/example/ttsworkerd/internal/breaker"
)

// Config is the Dispatcher's caller-facing configuration surface, per
// spec.md §6.
type Config struct {
	MinWorkers int
	MaxWorkers int

	Model    string
	CacheDir string

	MaxQueueSize        int
	HealthCheckInterval time.Duration
	RestartOnFailure    bool

	ExecutablePath string
	ExecutableArgs []string

	CircuitBreaker breaker.Config
	LoadBalancer   LoadBalancerConfig

	AutoscaleInterval time.Duration
	MaxReselections   int
	MaxTextLength     int
	RequestDeadline   time.Duration
}

// LoadBalancerConfig mirrors spec.md §6's `loadBalancer` config block.
type LoadBalancerConfig struct {
	Algorithm           balancer.Policy
	ScaleUpThreshold    float64
	ScaleUpResponseTime time.Duration
	ScaleDownThreshold  time.Duration
	ModelAffinity       map[string]string // workerId -> voice, applied at Initialize
}

// DefaultConfig returns the defaults spec.md documents throughout §4.
func DefaultConfig() Config {
	return Config{
		MinWorkers:          1,
		MaxWorkers:          4,
		MaxQueueSize:        32,
		HealthCheckInterval: 5 * time.Second,
		RestartOnFailure:    true,
		CircuitBreaker:      breaker.DefaultConfig(),
		LoadBalancer: LoadBalancerConfig{
			Algorithm:           balancer.PolicyWeighted,
			ScaleUpThreshold:    2,
			ScaleUpResponseTime: 300 * time.Millisecond,
			ScaleDownThreshold: 30 * time.Second,
		},
		AutoscaleInterval: 5 * time.Second,
		MaxReselections:   2,
		MaxTextLength:     4096,
		RequestDeadline:   20 * time.Second,
	}
}
