package evaluate

import (
	"context"
	"testing"
	"time"

	"adwatch/internal/domain"
	"adwatch/internal/repo"
	"adwatch/internal/repo/memory"
)

func TestFailedProbes_SummarizesPerNode(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m.UpsertNode(ctx, &domain.DirectoryNode{ID: "dc01", Source: domain.SourceInventory, Name: "dc01", Enabled: true})
	m.UpsertNode(ctx, &domain.DirectoryNode{ID: "dc02", Source: domain.SourceInventory, Name: "dc02", Enabled: true})

	record := func(node string, kind domain.OutcomeKind, diag string, at time.Time) {
		m.Record(ctx, &domain.ProbeOutcome{
			NodeID:     domain.NodeID(node),
			Kind:       kind,
			Diagnostic: diag,
			ProbedAt:   at,
		})
	}
	record("dc01", domain.Failed, "timeout connecting", now.Add(-40*time.Minute))
	record("dc01", domain.Failed, "connection refused", now.Add(-10*time.Minute))
	record("dc02", domain.FullBind, "", now.Add(-10*time.Minute))

	window := repo.Window{From: now.Add(-time.Hour), To: now}
	summaries, err := FailedProbes(ctx, m, m, window)
	if err != nil {
		t.Fatalf("failed probes: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("want a summary for dc01 only, got %+v", summaries)
	}
	s := summaries[0]
	if s.Count != 2 {
		t.Fatalf("want 2 failures, got %d", s.Count)
	}
	if s.LastDiagnostic != "connection refused" {
		t.Fatalf("want the most recent diagnostic, got %q", s.LastDiagnostic)
	}
	if !s.LastAt.Equal(now.Add(-10 * time.Minute)) {
		t.Fatalf("want the most recent failure time, got %v", s.LastAt)
	}
}

func TestFailedProbes_DisabledNodesExcluded(t *testing.T) {
	m := memory.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	m.UpsertNode(ctx, &domain.DirectoryNode{ID: "dc01", Source: domain.SourceInventory, Name: "dc01", Enabled: false})
	m.Record(ctx, &domain.ProbeOutcome{NodeID: "dc01", Kind: domain.Failed, ProbedAt: now.Add(-10 * time.Minute)})

	window := repo.Window{From: now.Add(-time.Hour), To: now}
	summaries, err := FailedProbes(ctx, m, m, window)
	if err != nil {
		t.Fatalf("failed probes: %v", err)
	}
	if len(summaries) != 0 {
		t.Fatalf("disabled nodes must not be reported, got %+v", summaries)
	}
}
