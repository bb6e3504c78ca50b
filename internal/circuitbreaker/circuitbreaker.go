package circuitbreaker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
	"github.com/lalithlochan/classpush/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When consecutive failures >= threshold
//	Open -> HalfOpen:    After recovery timeout expires
//	HalfOpen -> Closed:  When the probe requests succeed
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow limited requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// ErrCircuitOpen is reported when the breaker short-circuits a send.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this circuit breaker (e.g., "fcm").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int
}

// DefaultConfig returns the defaults used for the push transport.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker guards the push transport. A run of transient failures
// (FCM unavailable, quota, network) opens it so a fan-out to hundreds of
// tokens does not wait out one timeout per token.
type CircuitBreaker struct {
	config Config
	logger *zap.Logger
	cb     *gobreaker.CircuitBreaker[liveactivity.DeliveryResult]
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	b := &CircuitBreaker{config: cfg, logger: logger}

	b.cb = gobreaker.NewCircuitBreaker[liveactivity.DeliveryResult](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: uint32(cfg.HalfOpenMaxRequests),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
		IsSuccessful: func(err error) bool {
			// A malformed payload says nothing about transport health.
			return err == nil || errors.Is(err, liveactivity.ErrMalformedPayload)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.SetBreakerState(name, int(fromGobreaker(to)))
			if to == gobreaker.StateOpen {
				logger.Warn("circuit breaker OPENED - too many failures",
					zap.String("name", name),
					zap.Int("threshold", cfg.MaxFailures),
				)
				return
			}
			logger.Info("circuit breaker state transition",
				zap.String("name", name),
				zap.String("from", fromGobreaker(from).String()),
				zap.String("to", fromGobreaker(to).String()),
			)
		},
	})

	metrics.SetBreakerState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Int("max_failures", cfg.MaxFailures),
		zap.Duration("recovery_timeout", cfg.RecoveryTimeout),
	)

	return b
}

// GetState returns the current state of the circuit breaker.
func (b *CircuitBreaker) GetState() State {
	return fromGobreaker(b.cb.State())
}

// Stats is a snapshot for monitoring. Counters cover the current generation,
// which starts over on every state change.
type Stats struct {
	Name                string `json:"name"`
	State               string `json:"state"`
	Requests            uint32 `json:"requests"`
	TotalSuccesses      uint32 `json:"total_successes"`
	TotalFailures       uint32 `json:"total_failures"`
	ConsecutiveFailures uint32 `json:"consecutive_failures"`
}

// Stats returns current circuit breaker statistics.
func (b *CircuitBreaker) Stats() Stats {
	counts := b.cb.Counts()
	return Stats{
		Name:                b.config.Name,
		State:               b.GetState().String(),
		Requests:            counts.Requests,
		TotalSuccesses:      counts.TotalSuccesses,
		TotalFailures:       counts.TotalFailures,
		ConsecutiveFailures: counts.ConsecutiveFailures,
	}
}

// String returns a human-readable representation.
func (b *CircuitBreaker) String() string {
	return fmt.Sprintf("CircuitBreaker[%s] state=%s failures=%d/%d",
		b.config.Name, b.GetState(), b.cb.Counts().ConsecutiveFailures, b.config.MaxFailures)
}
