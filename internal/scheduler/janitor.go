package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/config"
	"adwatch/internal/repo"
)

// Janitor applies the retention policy: mark old probe outcomes expired, and
// hard-delete expired ones past the second, longer age when purging is
// enabled. Both steps are idempotent; finding nothing to do is not an error.
type Janitor struct {
	Logger   *zap.Logger
	Outcomes repo.ProbeStore
	Events   repo.EventStore
	Config   *config.Provider
}

func NewJanitor(logger *zap.Logger, outcomes repo.ProbeStore, events repo.EventStore, provider *config.Provider) *Janitor {
	return &Janitor{Logger: logger, Outcomes: outcomes, Events: events, Config: provider}
}

func (j *Janitor) RunOnce(ctx context.Context) error {
	cfg, err := j.Config.Current()
	if err != nil {
		j.Logger.Warn("janitor_config_error", zap.Error(err))
		if cfg == nil {
			return err
		}
	}
	now := time.Now().UTC()

	expired, err := j.Outcomes.Expire(ctx, now.Add(-cfg.Retention.ExpireAfter.D()))
	if err != nil {
		return err
	}
	if expired > 0 {
		j.Logger.Info("janitor_expired", zap.Int64("outcomes", expired))
	}

	if j.Events != nil {
		dropped, err := j.Events.ExpireEvents(ctx, now.Add(-cfg.Retention.ExpireAfter.D()))
		if err != nil {
			return err
		}
		if dropped > 0 {
			j.Logger.Info("janitor_expired_events", zap.Int64("events", dropped))
		}
	}

	if !cfg.Retention.PurgeEnabled {
		return nil
	}
	purged, err := j.Outcomes.Purge(ctx, now.Add(-cfg.Retention.PurgeAfter.D()))
	if err != nil {
		return err
	}
	if purged > 0 {
		j.Logger.Info("janitor_purged", zap.Int64("outcomes", purged))
	}
	return nil
}
