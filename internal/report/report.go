// Package report delivers fan-out summaries to operators. The scheduler
// hands every completed cycle to a Reporter; failures never affect pushes.
package report

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/classpush/internal/liveactivity"
)

// Reporter receives the aggregate of one fan-out cycle.
type Reporter interface {
	Report(ctx context.Context, result liveactivity.FanOutResult) error
}

// Multi forwards each cycle to every underlying reporter. One failing
// reporter does not stop the others.
type Multi struct {
	reporters []Reporter
	logger    *zap.Logger
}

// NewMulti creates a reporter that fans out to reporters.
func NewMulti(logger *zap.Logger, reporters ...Reporter) *Multi {
	return &Multi{
		reporters: reporters,
		logger:    logger,
	}
}

func (m *Multi) Report(ctx context.Context, result liveactivity.FanOutResult) error {
	var errs []error
	for _, r := range m.reporters {
		if err := r.Report(ctx, result); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		m.logger.Debug("cycle report partially failed",
			zap.String("cycle_id", result.CycleID),
			zap.Int("failed", len(errs)),
			zap.Int("reporters", len(m.reporters)),
		)
	}
	return errors.Join(errs...)
}

// Len returns the number of wrapped reporters.
func (m *Multi) Len() int {
	return len(m.reporters)
}
