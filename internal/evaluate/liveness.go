package evaluate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

// Verdict is the liveness decision for one entity at one instant. Skipped
// verdicts carry no alerting meaning: the entity is disabled or its kind has
// no threshold configuration.
type Verdict struct {
	Entity   domain.Entity
	Alive    bool
	Skipped  bool
	Level    domain.AlertLevel
	LastSeen time.Time
	Stale    time.Duration
}

// Liveness computes staleness verdicts. It holds no mutable evaluation
// state: every verdict is a pure function of the event store, the config
// passed in, and now. The only retained state is the one-time-notice guard
// for kinds with no threshold configuration.
type Liveness struct {
	Entities repo.EntityStore
	Events   repo.EventStore
	Log      *zap.Logger

	noticed sync.Map // entity kind -> struct{}
}

func NewLiveness(entities repo.EntityStore, events repo.EventStore, log *zap.Logger) *Liveness {
	return &Liveness{Entities: entities, Events: events, Log: log}
}

// EvaluateEntity decides whether a leaf entity is alive as of now. An
// entity with no events is stale since its creation time, not since epoch.
func (l *Liveness) EvaluateEntity(ctx context.Context, e domain.Entity, cfg *config.Config, now time.Time) (Verdict, error) {
	v := Verdict{Entity: e, Alive: true}
	if !e.Enabled {
		v.Skipped = true
		return v, nil
	}

	ladder, ok := cfg.StaleLadder(e.Kind)
	if !ok {
		l.noticeOnce(e.Kind, "no staleness thresholds configured")
		v.Skipped = true
		return v, nil
	}
	eventType, ok := cfg.EventTypeFor(e.Kind)
	if !ok {
		l.noticeOnce(e.Kind, "no liveness event type configured")
		v.Skipped = true
		return v, nil
	}

	last, err := l.Events.Last(ctx, e.ID, eventType)
	if err != nil {
		// A storage error must not read as a verdict either way.
		return Verdict{}, fmt.Errorf("last event for %s: %w", e.ID, err)
	}
	lastSeen := e.CreatedAt
	if last != nil && last.At.After(lastSeen) {
		lastSeen = last.At
	}
	v.LastSeen = lastSeen
	v.Stale = now.Sub(lastSeen)

	for _, th := range ladder {
		if v.Stale > th.After {
			v.Alive = false
			v.Level = th.Level
		}
	}
	return v, nil
}

// EvaluateSite decides group liveness over the site's enabled members. The
// site is alive if at least one enabled member is alive; it alerts only
// when every enabled member is independently down, at the minimum level all
// of them reached. An empty site is alive: there is no basis to declare it
// down.
func (l *Liveness) EvaluateSite(ctx context.Context, site domain.Entity, cfg *config.Config, now time.Time) (Verdict, []Verdict, error) {
	v := Verdict{Entity: site, Alive: true}
	if !site.Enabled {
		v.Skipped = true
		return v, nil, nil
	}

	members, err := l.Entities.Members(ctx, site.ID)
	if err != nil {
		return Verdict{}, nil, fmt.Errorf("members of %s: %w", site.ID, err)
	}

	var verdicts []Verdict
	allDown := true
	minLevel := domain.LevelCritical
	for _, member := range members {
		if !member.Enabled {
			continue
		}
		mv, err := l.EvaluateEntity(ctx, member, cfg, now)
		if err != nil {
			return Verdict{}, nil, err
		}
		verdicts = append(verdicts, mv)
		if mv.Alive || mv.Skipped {
			allDown = false
			continue
		}
		if mv.Level < minLevel {
			minLevel = mv.Level
		}
		if mv.LastSeen.After(v.LastSeen) {
			v.LastSeen = mv.LastSeen
		}
	}

	if len(verdicts) == 0 {
		return v, verdicts, nil
	}
	if allDown {
		v.Alive = false
		v.Level = minLevel
		v.Stale = now.Sub(v.LastSeen)
	}
	return v, verdicts, nil
}

func (l *Liveness) noticeOnce(kind domain.EntityKind, what string) {
	if _, loaded := l.noticed.LoadOrStore(kind, struct{}{}); loaded {
		return
	}
	if l.Log != nil {
		l.Log.Warn("liveness_alerting_disabled",
			zap.String("entity_kind", string(kind)),
			zap.String("reason", what),
		)
	}
}
