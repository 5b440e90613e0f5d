package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

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

// Store is the embedded adapter for deployments without a database server.
// Timestamps are stored as unix nanoseconds so range comparisons stay
// integer comparisons.
type Store struct {
	db *sql.DB
}

func New(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:adwatch.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// Concurrent writers from the prober pool serialize on one connection.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			name TEXT NOT NULL,
			dns_name TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			bucket TEXT NOT NULL DEFAULT '',
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS probe_outcomes (
			uuid TEXT PRIMARY KEY,
			node_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			connect_elapsed_ns INTEGER NOT NULL,
			search_elapsed_ns INTEGER,
			diagnostic TEXT NOT NULL DEFAULT '',
			probed_at INTEGER NOT NULL,
			expired INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_node_time ON probe_outcomes(node_id, probed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_outcomes_expired ON probe_outcomes(expired, probed_at)`,
		`CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			name TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			site TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_id TEXT NOT NULL,
			type TEXT NOT NULL,
			at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(entity_id, type, at)`,
		`CREATE TABLE IF NOT EXISTS alert_states (
			key TEXT PRIMARY KEY,
			last_level INTEGER NOT NULL,
			last_alive INTEGER NOT NULL,
			last_sent_at INTEGER
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func fromNS(ns int64) time.Time { return time.Unix(0, ns).UTC() }

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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO probe_outcomes
		   (uuid, node_id, kind, connect_elapsed_ns, search_elapsed_ns, diagnostic, probed_at, expired)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		o.UUID.String(), string(o.NodeID), string(o.Kind),
		int64(o.ConnectElapsed), searchNS, o.Diagnostic, o.ProbedAt.UnixNano(),
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
	       WHERE o.expired = 0
	         AND o.probed_at >= ? AND o.probed_at < ?`
	args := []any{w.From.UnixNano(), w.To.UnixNano()}

	if f.NodeID != "" {
		q += " AND o.node_id = ?"
		args = append(args, string(f.NodeID))
	}
	if f.Kind != "" {
		q += " AND o.kind = ?"
		args = append(args, string(f.Kind))
	}
	if f.Source != "" {
		q += " AND n.source = ?"
		args = append(args, string(f.Source))
	}
	if f.Bucket != "" {
		q += " AND n.bucket = ?"
		args = append(args, f.Bucket)
	}
	if f.EnabledOnly {
		q += " AND n.enabled = 1"
	}
	q += " ORDER BY o.probed_at ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
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
			probedNS  int64
		)
		if err := rows.Scan(&id, &nodeID, &kind, &connectNS, &searchNS, &diag, &probedNS); err != nil {
			return nil, fmt.Errorf("scan probe outcome: %w", err)
		}
		o := domain.ProbeOutcome{
			NodeID:         domain.NodeID(nodeID),
			Kind:           domain.OutcomeKind(kind),
			ConnectElapsed: time.Duration(connectNS),
			Diagnostic:     diag,
			ProbedAt:       fromNS(probedNS),
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE probe_outcomes SET expired = 1 WHERE expired = 0 AND probed_at < ?`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("expire probe outcomes: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM probe_outcomes WHERE expired = 1 AND probed_at < ?`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge probe outcomes: %w", err)
	}
	return res.RowsAffected()
}

// ---- NodeStore ----

func (s *Store) UpsertNode(ctx context.Context, n *domain.DirectoryNode) error {
	if n.ID == "" {
		n.ID = domain.NodeID(uuid.NewString())
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (id, source, name, dns_name, ip_address, bucket, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id)
		 DO UPDATE SET source=excluded.source, name=excluded.name, dns_name=excluded.dns_name,
		               ip_address=excluded.ip_address, bucket=excluded.bucket, enabled=excluded.enabled`,
		string(n.ID), string(n.Source), n.Name, n.DNSName, n.IPAddress, n.Bucket, n.Enabled, n.CreatedAt.UnixNano(),
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
		q += ` WHERE source = ?`
		args = append(args, string(source))
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var out []domain.DirectoryNode
	for rows.Next() {
		var n domain.DirectoryNode
		var id, src string
		var createdNS int64
		if err := rows.Scan(&id, &src, &n.Name, &n.DNSName, &n.IPAddress, &n.Bucket, &n.Enabled, &createdNS); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.ID = domain.NodeID(id)
		n.Source = domain.NodeSource(src)
		n.CreatedAt = fromNS(createdNS)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) RemoveFallback(ctx context.Context, id domain.NodeID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM nodes WHERE id = ? AND source = ?`,
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
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, kind, name, enabled, site, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id)
		 DO UPDATE SET kind=excluded.kind, name=excluded.name, enabled=excluded.enabled, site=excluded.site`,
		string(e.ID), string(e.Kind), e.Name, e.Enabled, string(e.Site), e.CreatedAt.UnixNano(),
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
		q += ` WHERE kind = ?`
		args = append(args, string(kind))
	}
	q += ` ORDER BY id`
	return s.scanEntities(ctx, q, args...)
}

func (s *Store) Members(ctx context.Context, site domain.EntityID) ([]domain.Entity, error) {
	return s.scanEntities(ctx,
		`SELECT id, kind, name, enabled, site, created_at FROM entities WHERE site = ? ORDER BY id`,
		string(site),
	)
}

func (s *Store) scanEntities(ctx context.Context, q string, args ...any) ([]domain.Entity, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		var e domain.Entity
		var id, kind, site string
		var createdNS int64
		if err := rows.Scan(&id, &kind, &e.Name, &e.Enabled, &site, &createdNS); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.ID = domain.EntityID(id)
		e.Kind = domain.EntityKind(kind)
		e.Site = domain.EntityID(site)
		e.CreatedAt = fromNS(createdNS)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- EventStore ----

func (s *Store) Append(ctx context.Context, e *domain.Event) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (entity_id, type, at) VALUES (?, ?, ?)`,
		string(e.EntityID), string(e.Type), e.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *Store) Last(ctx context.Context, id domain.EntityID, t domain.EventType) (*domain.Event, error) {
	var atNS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT at FROM events WHERE entity_id = ? AND type = ? ORDER BY at DESC LIMIT 1`,
		string(id), string(t),
	).Scan(&atNS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("last event: %w", err)
	}
	return &domain.Event{EntityID: id, Type: t, At: fromNS(atNS)}, nil
}

func (s *Store) ExpireEvents(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE at < ?`, olderThan.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire events: %w", err)
	}
	return res.RowsAffected()
}

// ---- AlertStateStore ----

func (s *Store) GetState(ctx context.Context, key string) (*repo.AlertState, error) {
	var level, alive int
	var sentNS *int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_level, last_alive, last_sent_at FROM alert_states WHERE key = ?`,
		key,
	).Scan(&level, &alive, &sentNS)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert state: %w", err)
	}
	st := &repo.AlertState{
		Key:       key,
		LastLevel: domain.AlertLevel(level),
		LastAlive: alive != 0,
	}
	if sentNS != nil {
		ts := fromNS(*sentNS)
		st.LastSentAt = &ts
	}
	return st, nil
}

func (s *Store) SetState(ctx context.Context, key string, level domain.AlertLevel, alive bool, sentAt time.Time) error {
	var sentNS *int64
	if !sentAt.IsZero() {
		v := sentAt.UnixNano()
		sentNS = &v
	}
	aliveInt := 0
	if alive {
		aliveInt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alert_states (key, last_level, last_alive, last_sent_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key)
		 DO UPDATE SET last_level=excluded.last_level, last_alive=excluded.last_alive,
		               last_sent_at=excluded.last_sent_at`,
		key, int(level), aliveInt, sentNS,
	)
	if err != nil {
		return fmt.Errorf("set alert state: %w", err)
	}
	return nil
}
