package push

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// LogGateway is a simple gateway that logs pushes (for development)
type LogGateway struct {
	logger *zap.Logger
}

func NewLogGateway(logger *zap.Logger) *LogGateway {
	return &LogGateway{logger: logger}
}

func (g *LogGateway) Send(ctx context.Context, token liveactivity.PushToken, payload liveactivity.Payload) (liveactivity.DeliveryResult, error) {
	if err := payload.Validate(); err != nil {
		return liveactivity.DeliveryResult{}, err
	}

	g.logger.Info("logging push (development mode)",
		zap.String("key", token.Key().String()),
		zap.String("event", string(payload.Event)),
		zap.Any("data", payload.Data),
		zap.String("title", payload.Title),
	)

	return liveactivity.DeliveryResult{
		Key:       token.Key(),
		Outcome:   liveactivity.OutcomeDelivered,
		Timestamp: time.Now(),
	}, nil
}
