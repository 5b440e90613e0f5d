package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

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

type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func New(ctx context.Context, dsn string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctxPing); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{pool: pool, log: log}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			name TEXT NOT NULL,
			dns_name TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			enabled BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS probe_outcomes (
			uuid TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			connect_elapsed_ns BIGINT NOT NULL,
			search_elapsed_ns BIGINT,
			diagnostic TEXT NOT NULL DEFAULT '',
			probed_at TIMESTAMPTZ NOT NULL,
			expired BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_node_time ON probe_outcomes(node_id, probed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_expired ON probe_outcomes(expired, probed_at)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT true,
			site TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGSERIAL PRIMARY KEY,
			entity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id, type, at)`,
		`CREATE TABLE IF NOT EXISTS alert_states (
			key TEXT PRIMARY KEY,
			last_level INTEGER NOT NULL,
			last_alive BOOLEAN NOT NULL,
			last_sent_at TIMESTAMPTZ
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// ---- ProbeStore ----

func (s *Store) Record(ctx context.Context, o *domain.ProbeOutcome) error {
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	if o.ProbedAt.IsZero() {
		o.ProbedAt = time.Now().UTC()
	}
	var searchNS *int64
	if o.SearchElapsed != nil {
		v := int64(*o.SearchElapsed)
		searchNS = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO probe_outcomes
		   (uuid, node_id, kind, connect_elapsed_ns, search_elapsed_ns, diagnostic, probed_at, expired)
		 VALUES
		   ($1, $2, $3, $4, $5, $6, $7, false)`,
		o.UUID.String(), string(o.NodeID), string(o.Kind),
		int64(o.ConnectElapsed), searchNS, o.Diagnostic, o.ProbedAt,
	)
	if err != nil {
		return fmt.Errorf("insert probe outcome: %w", err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, w repo.Window, f repo.ProbeFilter) ([]domain.ProbeOutcome, error) {
	q := `SELECT o.uuid, o.node_id, o.kind, o.connect_elapsed_ns, o.search_elapsed_ns,
	             o.diagnostic, o.probed_at
	        FROM probe_outcomes o
	        JOIN nodes n ON n.id = o.node_id
	       WHERE NOT o.expired
	         AND o.probed_at >= $1 AND o.probed_at < $2`
	args := []any{w.From, w.To}

	if f.NodeID != "" {
		args = append(args, string(f.NodeID))
		q += fmt.Sprintf(" AND o.node_id = $%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		q += fmt.Sprintf(" AND o.kind = $%d", len(args))
	}
	if f.Source != "" {
		args = append(args, string(f.Source))
		q += fmt.Sprintf(" AND n.source = $%d", len(args))
	}
	if f.Bucket != "" {
		args = append(args, f.Bucket)
		q += fmt.Sprintf(" AND n.bucket = $%d", len(args))
	}
	if f.EnabledOnly {
		q += " AND n.enabled"
	}
	q += " ORDER BY o.probed_at ASC"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query probe outcomes: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ProbeOutcome, 0, 32)
	for rows.Next() {
		var (
			id        string
			nodeID    string
			kind      string
			connectNS int64
			searchNS  *int64
			diag      string
			probedAt  time.Time
		)
		if err := rows.Scan(&id, &nodeID, &kind, &connectNS, &searchNS, &diag, &probedAt); err != nil {
			return nil, fmt.Errorf("scan probe outcome: %w", err)
		}
		o := domain.ProbeOutcome{
			NodeID:         domain.NodeID(nodeID),
			Kind:           domain.OutcomeKind(kind),
			ConnectElapsed: time.Duration(connectNS),
			Diagnostic:     diag,
			ProbedAt:       probedAt,
		}
		if parsed, err := uuid.Parse(id); err == nil {
			o.UUID = parsed
		}
		if searchNS != nil {
			d := time.Duration(*searchNS)
			o.SearchElapsed = &d
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *Store) Expire(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE probe_outcomes SET expired = true WHERE NOT expired AND probed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("expire probe outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM probe_outcomes WHERE expired AND probed_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("purge probe outcomes: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ---- NodeStore ----

func (s *Store) UpsertNode(ctx context.Context, n *domain.DirectoryNode) error {
	if n.ID == "" {
		n.ID = domain.NodeID(uuid.NewString())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO nodes (id, source, name, dns_name, ip_address, bucket, enabled, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id)
		 DO UPDATE SET source=EXCLUDED.source, name=EXCLUDED.name, dns_name=EXCLUDED.dns_name,
		               ip_address=EXCLUDED.ip_address, bucket=EXCLUDED.bucket, enabled=EXCLUDED.enabled`,
		string(n.ID), string(n.Source), n.Name, n.DNSName, n.IPAddress, n.Bucket, n.Enabled, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

func (s *Store) ListNodes(ctx context.Context, source domain.NodeSource) ([]domain.DirectoryNode, error) {
	q := `SELECT id, source, name, dns_name, ip_address, bucket, enabled, created_at FROM nodes`
	args := []any{}
	if source != "" {
		q += ` WHERE source = $1`
		args = append(args, string(source))
	}
	q += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.DirectoryNode
	for rows.Next() {
		var n domain.DirectoryNode
		var id, src string
		if err := rows.Scan(&id, &src, &n.Name, &n.DNSName, &n.IPAddress, &n.Bucket, &n.Enabled, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.ID = domain.NodeID(id)
		n.Source = domain.NodeSource(src)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) RemoveFallback(ctx context.Context, id domain.NodeID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM nodes WHERE id = $1 AND source = $2`,
		string(id), string(domain.SourceFallback),
	)
	if err != nil {
		return fmt.Errorf("remove fallback node: %w", err)
	}
	return nil
}

// ---- EntityStore ----

func (s *Store) UpsertEntity(ctx context.Context, e *domain.Entity) error {
	if e.ID == "" {
		e.ID = domain.EntityID(uuid.NewString())
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, kind, name, enabled, site, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id)
		 DO UPDATE SET kind=EXCLUDED.kind, name=EXCLUDED.name, enabled=EXCLUDED.enabled, site=EXCLUDED.site`,
		string(e.ID), string(e.Kind), e.Name, e.Enabled, string(e.Site), e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

func (s *Store) ListEntities(ctx context.Context, kind domain.EntityKind) ([]domain.Entity, error) {
	q := `SELECT id, kind, name, enabled, site, created_at FROM entities`
	args := []any{}
	if kind != "" {
		q += ` WHERE kind = $1`
		args = append(args, string(kind))
	}
	q += ` ORDER BY id`
	return s.scanEntities(ctx, q, args...)
}

func (s *Store) Members(ctx context.Context, site domain.EntityID) ([]domain.Entity, error) {
	return s.scanEntities(ctx,
		`SELECT id, kind, name, enabled, site, created_at FROM entities WHERE site = $1 ORDER BY id`,
		string(site),
	)
}

func (s *Store) scanEntities(ctx context.Context, q string, args ...any) ([]domain.Entity, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		var e domain.Entity
		var id, kind, site string
		if err := rows.Scan(&id, &kind, &e.Name, &e.Enabled, &site, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.ID = domain.EntityID(id)
		e.Kind = domain.EntityKind(kind)
		e.Site = domain.EntityID(site)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- EventStore ----

func (s *Store) Append(ctx context.Context, e *domain.Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (entity_id, type, at) VALUES ($1, $2, $3)`,
		string(e.EntityID), string(e.Type), e.At,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context, id domain.EntityID, t domain.EventType) (*domain.Event, error) {
	var at time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT at FROM events WHERE entity_id = $1 AND type = $2 ORDER BY at DESC LIMIT 1`,
		string(id), string(t),
	).Scan(&at)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last event: %w", err)
	}
	return &domain.Event{EntityID: id, Type: t, At: at}, nil
}

func (s *Store) ExpireEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM events WHERE at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	return tag.RowsAffected(), nil
}
