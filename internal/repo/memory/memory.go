package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

var (
	_ repo.ProbeStore      = (*Store)(nil)
	_ repo.NodeStore       = (*Store)(nil)
	_ repo.EntityStore     = (*Store)(nil)
	_ repo.EventStore      = (*Store)(nil)
	_ repo.AlertStateStore = (*Store)(nil)
)

// Store is the in-memory adapter for all the repo ports. Queries return
// copies, so readers see a consistent snapshot even while a purge runs.
type Store struct {
	mu       sync.RWMutex
	nodes    map[domain.NodeID]*domain.DirectoryNode
	entities map[domain.EntityID]*domain.Entity
	outcomes []*domain.ProbeOutcome
	events   []*domain.Event
	alerts   map[string]repo.AlertState
}

func New() *Store {
	return &Store{
		nodes:    make(map[domain.NodeID]*domain.DirectoryNode),
		entities: make(map[domain.EntityID]*domain.Entity),
		outcomes: make([]*domain.ProbeOutcome, 0, 256),
		events:   make([]*domain.Event, 0, 256),
		alerts:   make(map[string]repo.AlertState),
	}
}

// ---- ProbeStore ----

func (m *Store) Record(ctx context.Context, o *domain.ProbeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.ProbedAt.IsZero() {
		o.ProbedAt = time.Now().UTC()
	}
	cp := *o
	m.outcomes = append(m.outcomes, &cp)
	return nil
}

func (m *Store) Query(ctx context.Context, w repo.Window, f repo.ProbeFilter) ([]domain.ProbeOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.ProbeOutcome, 0, 32)
	for _, o := range m.outcomes {
		if o.Expired || !w.Contains(o.ProbedAt) {
			continue
		}
		if f.NodeID != "" && o.NodeID != f.NodeID {
			continue
		}
		if f.Kind != "" && o.Kind != f.Kind {
			continue
		}
		if f.Source != "" || f.Bucket != "" || f.EnabledOnly {
			n := m.nodes[o.NodeID]
			if n == nil {
				continue
			}
			if f.Source != "" && n.Source != f.Source {
				continue
			}
			if f.Bucket != "" && n.Bucket != f.Bucket {
				continue
			}
			if f.EnabledOnly && !n.Enabled {
				continue
			}
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProbedAt.Before(out[j].ProbedAt) })
	return out, nil
}

func (m *Store) Expire(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, o := range m.outcomes {
		if !o.Expired && o.ProbedAt.Before(olderThan) {
			o.Expired = true
			n++
		}
	}
	return n, nil
}

func (m *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.outcomes[:0]
	var n int64
	for _, o := range m.outcomes {
		if o.Expired && o.ProbedAt.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, o)
	}
	m.outcomes = kept
	return n, nil
}

// ---- NodeStore ----

func (m *Store) UpsertNode(ctx context.Context, n *domain.DirectoryNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.ID == "" {
		n.ID = domain.NodeID(uuid.NewString())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	cp := *n
	m.nodes[n.ID] = &cp
	return nil
}

func (m *Store) ListNodes(ctx context.Context, source domain.NodeSource) ([]domain.DirectoryNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.DirectoryNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		if source != "" && n.Source != source {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) RemoveFallback(ctx context.Context, id domain.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok || n.Source != domain.SourceFallback {
		return nil
	}
	delete(m.nodes, id)
	return nil
}

// ---- EntityStore ----

func (m *Store) UpsertEntity(ctx context.Context, e *domain.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = domain.EntityID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	m.entities[e.ID] = &cp
	return nil
}

func (m *Store) ListEntities(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Entity, 0, len(m.entities))
	for _, e := range m.entities {
		if kind != "" && e.Kind != kind {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Store) Members(ctx context.Context, site domain.EntityID) ([]domain.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Entity, 0, 8)
	for _, e := range m.entities {
		if e.Site == site {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---- EventStore ----

func (m *Store) Append(ctx context.Context, e *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	cp := *e
	m.events = append(m.events, &cp)
	return nil
}

func (m *Store) Last(ctx context.Context, id domain.EntityID, t domain.EventType) (*domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last *domain.Event
	for _, e := range m.events {
		if e.EntityID != id || e.Type != t {
			continue
		}
		if last == nil || e.At.After(last.At) {
			last = e
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (m *Store) ExpireEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var n int64
	for _, e := range m.events {
		if e.At.Before(olderThan) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}

// ---- AlertStateStore ----

func (m *Store) GetState(ctx context.Context, key string) (*repo.AlertState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.alerts[key]
	if !ok {
		return nil, nil
	}
	cp := s
	return &cp, nil
}

func (m *Store) SetState(ctx context.Context, key string, level domain.AlertLevel, alive bool, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ts *time.Time
	if !sentAt.IsZero() {
		ts = &sentAt
	}
	m.alerts[key] = repo.AlertState{Key: key, LastLevel: level, LastAlive: alive, LastSentAt: ts}
	return nil
}
