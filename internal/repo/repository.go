package repo

import (
	"context"
	"time"

	"adwatch/internal/domain"
)

// Ports (interfaces) — swap in any DB adapter later.

// Window is a half-open time interval [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.From) && t.Before(w.To)
}

// ProbeFilter narrows a probe outcome query. Zero-value fields are ignored.
type ProbeFilter struct {
	NodeID      domain.NodeID
	Kind        domain.OutcomeKind
	Source      domain.NodeSource
	Bucket      string
	EnabledOnly bool
}

// ProbeStore is the append-only record of probe outcomes. Query returns
// outcomes oldest first and never includes expired records; an empty result
// is valid, not an error. Expire and Purge are idempotent and Purge only
// touches records that are both expired and older than its cutoff.
type ProbeStore interface {
	Record(ctx context.Context, o *domain.ProbeOutcome) error
	Query(ctx context.Context, w Window, f ProbeFilter) ([]domain.ProbeOutcome, error)
	Expire(ctx context.Context, olderThan time.Time) (int64, error)
	Purge(ctx context.Context, olderThan time.Time) (int64, error)
}

// NodeStore holds the directory node definitions from both sources. The
// inventory side is refreshed externally; RemoveFallback is the only
// destructive operation the core performs on it and applies to fallback
// entries only.
type NodeStore interface {
	UpsertNode(ctx context.Context, n *domain.DirectoryNode) error
	ListNodes(ctx context.Context, source domain.NodeSource) ([]domain.DirectoryNode, error)
	RemoveFallback(ctx context.Context, id domain.NodeID) error
}

// EntityStore holds the monitored entities for liveness evaluation.
type EntityStore interface {
	UpsertEntity(ctx context.Context, e *domain.Entity) error
	ListEntities(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error)
	Members(ctx context.Context, site domain.EntityID) ([]domain.Entity, error)
}

// EventStore records liveness signals. Last returns nil, nil when the
// entity has never produced an event of the given type.
type EventStore interface {
	Append(ctx context.Context, e *domain.Event) error
	Last(ctx context.Context, id domain.EntityID, t domain.EventType) (*domain.Event, error)
	ExpireEvents(ctx context.Context, olderThan time.Time) (int64, error)
}
