package memory

import (
	"context"
	"testing"
	"time"

	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

func seedNode(t *testing.T, m *Store, id string, source domain.NodeSource, bucket string, enabled bool) {
	t.Helper()
	err := m.UpsertNode(context.Background(), &domain.DirectoryNode{
		ID:      domain.NodeID(id),
		Source:  source,
		Name:    id,
		DNSName: id + ".corp.example.com",
		Bucket:  bucket,
		Enabled: enabled,
	})
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func recordAt(t *testing.T, m *Store, node string, kind domain.OutcomeKind, at time.Time) {
	t.Helper()
	err := m.Record(context.Background(), &domain.ProbeOutcome{
		NodeID:         domain.NodeID(node),
		Kind:           kind,
		ConnectElapsed: 10 * time.Millisecond,
		ProbedAt:       at,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestQuery_OrderAndWindow(t *testing.T) {
	m := New()
	seedNode(t, m, "dc01", domain.SourceInventory, "", true)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// Recorded out of order on purpose.
	recordAt(t, m, "dc01", domain.FullBind, base.Add(2*time.Minute))
	recordAt(t, m, "dc01", domain.FullBind, base)
	recordAt(t, m, "dc01", domain.FullBind, base.Add(time.Minute))

	// Half-open window: the To bound is excluded.
	got, err := m.Query(context.Background(), repo.Window{From: base, To: base.Add(2 * time.Minute)}, repo.ProbeFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 outcomes inside window, got %d", len(got))
	}
	if !got[0].ProbedAt.Before(got[1].ProbedAt) {
		t.Fatalf("want oldest first, got %v then %v", got[0].ProbedAt, got[1].ProbedAt)
	}
}

func TestQuery_Filters(t *testing.T) {
	m := New()
	seedNode(t, m, "dc01", domain.SourceInventory, "hq", true)
	seedNode(t, m, "dc02", domain.SourceFallback, "branch", true)
	seedNode(t, m, "dc03", domain.SourceInventory, "hq", false)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	recordAt(t, m, "dc01", domain.FullBind, base)
	recordAt(t, m, "dc02", domain.AnonymousBind, base)
	recordAt(t, m, "dc03", domain.Failed, base)

	win := repo.Window{From: base.Add(-time.Hour), To: base.Add(time.Hour)}

	got, _ := m.Query(context.Background(), win, repo.ProbeFilter{Source: domain.SourceFallback})
	if len(got) != 1 || got[0].NodeID != "dc02" {
		t.Fatalf("source filter: want only dc02, got %+v", got)
	}

	got, _ = m.Query(context.Background(), win, repo.ProbeFilter{Bucket: "hq", EnabledOnly: true})
	if len(got) != 1 || got[0].NodeID != "dc01" {
		t.Fatalf("bucket+enabled filter: want only dc01, got %+v", got)
	}

	got, _ = m.Query(context.Background(), win, repo.ProbeFilter{Kind: domain.Failed})
	if len(got) != 1 || got[0].NodeID != "dc03" {
		t.Fatalf("kind filter: want only dc03, got %+v", got)
	}
}

func TestExpireHidesWithoutDeleting(t *testing.T) {
	m := New()
	seedNode(t, m, "dc01", domain.SourceInventory, "", true)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recordAt(t, m, "dc01", domain.FullBind, base)
	recordAt(t, m, "dc01", domain.FullBind, base.Add(time.Hour))

	n, err := m.Expire(context.Background(), base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("want 1 expired, got %d err=%v", n, err)
	}

	win := repo.Window{From: base.Add(-time.Hour), To: base.Add(2 * time.Hour)}
	got, _ := m.Query(context.Background(), win, repo.ProbeFilter{})
	if len(got) != 1 {
		t.Fatalf("expired outcome must be hidden from queries, got %d", len(got))
	}

	// Expire is idempotent.
	n, _ = m.Expire(context.Background(), base.Add(time.Minute))
	if n != 0 {
		t.Fatalf("second expire must be a no-op, got %d", n)
	}
}

func TestPurgeOnlyRemovesExpired(t *testing.T) {
	m := New()
	seedNode(t, m, "dc01", domain.SourceInventory, "", true)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recordAt(t, m, "dc01", domain.FullBind, base)
	recordAt(t, m, "dc01", domain.FullBind, base.Add(time.Hour))

	// Nothing is expired yet, so nothing purges regardless of age.
	n, err := m.Purge(context.Background(), base.Add(2*time.Hour))
	if err != nil || n != 0 {
		t.Fatalf("purge before expire must remove nothing, got %d err=%v", n, err)
	}

	if _, err := m.Expire(context.Background(), base.Add(time.Minute)); err != nil {
		t.Fatalf("expire: %v", err)
	}
	n, _ = m.Purge(context.Background(), base.Add(2*time.Hour))
	if n != 1 {
		t.Fatalf("want 1 purged, got %d", n)
	}
	n, _ = m.Purge(context.Background(), base.Add(2*time.Hour))
	if n != 0 {
		t.Fatalf("second purge must be a no-op, got %d", n)
	}
}

func TestRemoveFallbackLeavesInventoryAlone(t *testing.T) {
	m := New()
	seedNode(t, m, "dc01", domain.SourceInventory, "", true)
	seedNode(t, m, "dc02", domain.SourceFallback, "", true)

	if err := m.RemoveFallback(context.Background(), "dc01"); err != nil {
		t.Fatalf("remove on inventory node: %v", err)
	}
	if err := m.RemoveFallback(context.Background(), "dc02"); err != nil {
		t.Fatalf("remove fallback: %v", err)
	}
	if err := m.RemoveFallback(context.Background(), "ghost"); err != nil {
		t.Fatalf("remove unknown must not error: %v", err)
	}

	all, _ := m.ListNodes(context.Background(), "")
	if len(all) != 1 || all[0].ID != "dc01" {
		t.Fatalf("want inventory node untouched and fallback gone, got %+v", all)
	}
}

func TestEventLast(t *testing.T) {
	m := New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	got, err := m.Last(context.Background(), "bot-1", domain.EventConnected)
	if err != nil || got != nil {
		t.Fatalf("want nil, nil for no events, got %+v err=%v", got, err)
	}

	m.Append(context.Background(), &domain.Event{EntityID: "bot-1", Type: domain.EventConnected, At: base})
	m.Append(context.Background(), &domain.Event{EntityID: "bot-1", Type: domain.EventConnected, At: base.Add(time.Hour)})
	m.Append(context.Background(), &domain.Event{EntityID: "bot-1", Type: domain.EventSent, At: base.Add(2 * time.Hour)})

	got, _ = m.Last(context.Background(), "bot-1", domain.EventConnected)
	if got == nil || !got.At.Equal(base.Add(time.Hour)) {
		t.Fatalf("want latest connected event, got %+v", got)
	}
}

func TestAlertStateRoundTrip(t *testing.T) {
	m := New()
	ctx := context.Background()

	st, err := m.GetState(ctx, "bot:bot-1")
	if err != nil || st != nil {
		t.Fatalf("want nil, nil for unknown key, got %+v err=%v", st, err)
	}

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := m.SetState(ctx, "bot:bot-1", domain.LevelWarning, false, now); err != nil {
		t.Fatalf("set state: %v", err)
	}
	st, _ = m.GetState(ctx, "bot:bot-1")
	if st == nil || st.LastLevel != domain.LevelWarning || st.LastAlive || st.LastSentAt == nil {
		t.Fatalf("state round trip mismatch: %+v", st)
	}

	// A zero sentAt clears the send timestamp on recovery.
	if err := m.SetState(ctx, "bot:bot-1", domain.LevelInfo, true, time.Time{}); err != nil {
		t.Fatalf("set recovered state: %v", err)
	}
	st, _ = m.GetState(ctx, "bot:bot-1")
	if st == nil || !st.LastAlive || st.LastSentAt != nil {
		t.Fatalf("recovered state mismatch: %+v", st)
	}
}

func TestMembers(t *testing.T) {
	m := New()
	ctx := context.Background()
	m.UpsertEntity(ctx, &domain.Entity{ID: "site-1", Kind: domain.KindSite, Name: "HQ", Enabled: true})
	m.UpsertEntity(ctx, &domain.Entity{ID: "bot-1", Kind: domain.KindAgent, Name: "b1", Enabled: true, Site: "site-1"})
	m.UpsertEntity(ctx, &domain.Entity{ID: "bot-2", Kind: domain.KindAgent, Name: "b2", Enabled: true, Site: "site-1"})
	m.UpsertEntity(ctx, &domain.Entity{ID: "bot-3", Kind: domain.KindAgent, Name: "b3", Enabled: true, Site: "site-2"})

	members, err := m.Members(ctx, "site-1")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("want 2 members of site-1, got %d", len(members))
	}
}
