package alert

import (
	"context"

	"go.uber.org/zap"

	"adwatch/internal/domain"
)

// Dispatcher is the sink the evaluators hand alerts to. Delivery guarantees
// (templating, email, retry) belong to the implementation, not the callers.
type Dispatcher interface {
	Dispatch(ctx context.Context, a domain.Alert) error
}

type Multi []Dispatcher

func (m Multi) Dispatch(ctx context.Context, a domain.Alert) error {
	var firstErr error
	for _, d := range m {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// LogDispatcher writes every alert to the structured log. Useful on its own
// in small deployments and as a tee next to the webhook dispatcher.
type LogDispatcher struct {
	Log *zap.Logger
}

func (d *LogDispatcher) Dispatch(ctx context.Context, a domain.Alert) error {
	d.Log.Info("alert",
		zap.String("kind", string(a.Kind)),
		zap.String("level", a.Level.String()),
		zap.String("entity", a.EntityRef),
		zap.String("message", a.Message),
		zap.Any("metrics", a.Metrics),
	)
	return nil
}
