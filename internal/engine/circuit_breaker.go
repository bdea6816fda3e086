package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/rendis/lockflow/pkg/schema"
)

// CircuitBreakerConfig configures the per-collaborator breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration `json:"cooldown" yaml:"cooldown"`
	// HalfOpenMax is the number of trial calls allowed while half-open.
	HalfOpenMax int `json:"half_open_max" yaml:"half_open_max"`
}

// DefaultCircuitBreakerConfig returns the default breaker settings.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// CircuitBreakerRegistry hands out one breaker per external collaborator
// (loan context, pricing, compliance, notifications).
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	config   CircuitBreakerConfig
	logger   *slog.Logger
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		config:   config,
		logger:   logger,
	}
}

// Execute runs fn through the named breaker. An open breaker rejects the
// call with CIRCUIT_OPEN, which the runner treats as transient.
func (r *CircuitBreakerRegistry) Execute(name string, fn func() (any, error)) (any, error) {
	out, err := r.get(name).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, schema.NewErrorf(schema.ErrCodeCircuitOpen, "collaborator %s unavailable: circuit %s", name, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"collaborator": name})
	}
	return out, err
}

// State returns the breaker state for name ("closed", "open", "half-open").
func (r *CircuitBreakerRegistry) State(name string) string {
	return r.get(name).State().String()
}

func (r *CircuitBreakerRegistry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	threshold := uint32(r.config.FailureThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(r.config.HalfOpenMax),
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Business rejections (validation, not found) say nothing about
		// the collaborator's health.
		IsSuccessful: func(err error) bool {
			return err == nil || !IsRetryableError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("collaborator circuit changed",
				slog.String("collaborator", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	r.breakers[name] = cb
	return cb
}
