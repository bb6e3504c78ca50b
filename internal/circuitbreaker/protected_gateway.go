package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// Gateway mirrors push.Gateway to avoid circular imports.
type Gateway interface {
	Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error)
}

// errTransientDelivery marks a transient outcome as a breaker failure without
// surfacing it to the caller.
var errTransientDelivery = errors.New("transient delivery failure")

// ProtectedGateway wraps a Gateway with a CircuitBreaker.
// While the circuit is open every send is reported as a transient failure
// immediately; the next scheduled cycle retries.
type ProtectedGateway struct {
	gateway Gateway
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedGateway wraps a gateway with circuit breaker protection.
func NewProtectedGateway(gateway Gateway, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedGateway {
	return &ProtectedGateway{
		gateway: gateway,
		breaker: breaker,
		logger:  logger,
	}
}

// Send forwards to the wrapped gateway unless the circuit is open.
// Invalid tokens count as transport successes: FCM answered.
func (p *ProtectedGateway) Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error) {
	res, err := p.breaker.cb.Execute(func() (liveactivity.DeliveryResult, error) {
		res, err := p.gateway.Send(ctx, token, payload)
		if err != nil {
			return res, err
		}
		if res.Outcome == liveactivity.OutcomeTransientFailure {
			return res, errTransientDelivery
		}
		return res, nil
	})

	switch {
	case err == nil:
		return res, nil
	case errors.Is(err, errTransientDelivery):
		return res, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		p.logger.Debug("circuit breaker rejected push - failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("key", token.Key().String()),
			zap.String("state", p.breaker.GetState().String()),
		)
		return liveactivity.DeliveryResult{
			Key:       token.Key(),
			Outcome:   liveactivity.OutcomeTransientFailure,
			Timestamp: time.Now(),
			Err:       fmt.Errorf("%w: %s gateway unavailable", ErrCircuitOpen, p.breaker.config.Name),
		}, nil
	default:
		return res, err
	}
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedGateway) Breaker() *CircuitBreaker {
	return p.breaker
}
