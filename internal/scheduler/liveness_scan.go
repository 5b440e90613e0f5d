package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/alert"
	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/evaluate"
	"adwatch/internal/repo"
)

// LivenessScan runs the liveness evaluator across every monitored entity
// kind and dispatches staleness alerts. Repeats at the same level inside the
// cooldown window are suppressed; an escalation to a worse level is sent
// immediately.
type LivenessScan struct {
	Logger     *zap.Logger
	Entities   repo.EntityStore
	States     repo.AlertStateStore
	Evaluator  *evaluate.Liveness
	Dispatcher alert.Dispatcher
	Config     *config.Provider
}

func NewLivenessScan(
	logger *zap.Logger,
	entities repo.EntityStore,
	states repo.AlertStateStore,
	evaluator *evaluate.Liveness,
	dispatcher alert.Dispatcher,
	provider *config.Provider,
) *LivenessScan {
	return &LivenessScan{
		Logger:     logger,
		Entities:   entities,
		States:     states,
		Evaluator:  evaluator,
		Dispatcher: dispatcher,
		Config:     provider,
	}
}

var leafKinds = []domain.EntityKind{
	domain.KindAgent,
	domain.KindServer,
	domain.KindDatabase,
	domain.KindDomainPair,
}

func (s *LivenessScan) ScanOnce(ctx context.Context) error {
	cfg, err := s.Config.Current()
	if err != nil {
		s.Logger.Warn("liveness_config_error", zap.Error(err))
		if cfg == nil {
			return err
		}
	}
	now := time.Now().UTC()

	for _, kind := range leafKinds {
		entities, err := s.Entities.ListEntities(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s entities: %w", kind, err)
		}
		for _, e := range entities {
			v, err := s.Evaluator.EvaluateEntity(ctx, e, cfg, now)
			if err != nil {
				// Absence of data must never read as a verdict; skip the
				// window instead.
				s.Logger.Error("liveness_evaluate_error", zap.String("entity", string(e.ID)), zap.Error(err))
				continue
			}
			s.settle(ctx, cfg, v, now)
		}
	}

	sites, err := s.Entities.ListEntities(ctx, domain.KindSite)
	if err != nil {
		return fmt.Errorf("list sites: %w", err)
	}
	for _, site := range sites {
		v, _, err := s.Evaluator.EvaluateSite(ctx, site, cfg, now)
		if err != nil {
			s.Logger.Error("liveness_evaluate_error", zap.String("entity", string(site.ID)), zap.Error(err))
			continue
		}
		s.settle(ctx, cfg, v, now)
	}
	return nil
}

// settle compares a verdict against the recorded alert state and decides
// whether to dispatch.
func (s *LivenessScan) settle(ctx context.Context, cfg *config.Config, v evaluate.Verdict, now time.Time) {
	if v.Skipped {
		return
	}
	key := string(v.Entity.Kind) + ":" + string(v.Entity.ID)

	state, err := s.States.GetState(ctx, key)
	if err != nil {
		s.Logger.Warn("liveness_state_error", zap.String("key", key), zap.Error(err))
		return
	}

	if v.Alive {
		if state != nil && !state.LastAlive {
			// Recovered. Record the new state; good-news alerts are the
			// dispatcher implementation's call, not ours.
			_ = s.States.SetState(ctx, key, v.Level, true, time.Time{})
		}
		return
	}

	escalated := state == nil || state.LastAlive || v.Level > state.LastLevel
	cooled := state == nil || state.LastSentAt == nil ||
		now.Sub(*state.LastSentAt) >= cfg.Liveness.Cooldown.D()

	if !escalated && !cooled {
		return
	}

	a := domain.Alert{
		Kind:      domain.AlertLiveness,
		Level:     v.Level,
		EntityRef: fmt.Sprintf("%s/%s", v.Entity.Kind, v.Entity.Name),
		Message: fmt.Sprintf("%s %s not seen for %s (last seen %s)",
			v.Entity.Kind, v.Entity.Name, v.Stale.Round(time.Second), v.LastSeen.Format(time.RFC3339)),
		Metrics: map[string]float64{
			"stale_seconds": v.Stale.Seconds(),
		},
		WindowStart: v.LastSeen,
		WindowEnd:   now,
	}
	if err := s.Dispatcher.Dispatch(ctx, a); err != nil {
		s.Logger.Warn("liveness_dispatch_error", zap.String("key", key), zap.Error(err))
		return
	}
	_ = s.States.SetState(ctx, key, v.Level, false, now)
}
