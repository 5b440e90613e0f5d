package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"

	"adwatch/internal/domain"
	"adwatch/internal/repo/memory"
)

type captureDispatcher struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (c *captureDispatcher) Dispatch(ctx context.Context, a domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.alerts = append(c.alerts, a)
	return nil
}

func staticResolve(table map[string][]string) ResolveFunc {
	return func(ctx context.Context, host string) ([]string, error) {
		ips, ok := table[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		return ips, nil
	}
}

func seedNode(t *testing.T, m *memory.Store, id string, source domain.NodeSource, dns, ip string) {
	t.Helper()
	err := m.UpsertNode(context.Background(), &domain.DirectoryNode{
		ID:        domain.NodeID(id),
		Source:    source,
		Name:      id,
		DNSName:   dns,
		IPAddress: ip,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("seed node: %v", err)
	}
}

func TestRun_RemovesFallbackCoveredByInventory(t *testing.T) {
	m := memory.New()
	sink := &captureDispatcher{}
	seedNode(t, m, "inv-1", domain.SourceInventory, "dc01.corp.example.com", "10.0.0.5")
	seedNode(t, m, "fb-1", domain.SourceFallback, "dc01-old.corp.example.com", "")
	seedNode(t, m, "fb-2", domain.SourceFallback, "dc99.corp.example.com", "")

	r := New(m, sink, zap.NewNop())
	r.Resolve = staticResolve(map[string][]string{
		"dc01-old.corp.example.com": {"10.0.0.5"},
		"dc99.corp.example.com":     {"10.0.9.9"},
	})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.RemovedFallback) != 1 || report.RemovedFallback[0].ID != "fb-1" {
		t.Fatalf("want fb-1 removed, got %+v", report.RemovedFallback)
	}

	inventory, _ := m.ListNodes(context.Background(), domain.SourceInventory)
	if len(inventory) != 1 {
		t.Fatalf("inventory must never shrink, got %d nodes", len(inventory))
	}
	fallback, _ := m.ListNodes(context.Background(), domain.SourceFallback)
	if len(fallback) != 1 || fallback[0].ID != "fb-2" {
		t.Fatalf("uncovered fallback node must survive, got %+v", fallback)
	}
}

func TestRun_RemovesUnresolvableFallback(t *testing.T) {
	m := memory.New()
	sink := &captureDispatcher{}
	seedNode(t, m, "fb-dead", domain.SourceFallback, "gone.corp.example.com", "")

	r := New(m, sink, zap.NewNop())
	r.Resolve = staticResolve(map[string][]string{})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.Unresolvable) != 1 || report.Unresolvable[0].ID != "fb-dead" {
		t.Fatalf("want fb-dead reported unresolvable, got %+v", report.Unresolvable)
	}
	fallback, _ := m.ListNodes(context.Background(), domain.SourceFallback)
	if len(fallback) != 0 {
		t.Fatalf("unresolvable fallback must be removed, got %+v", fallback)
	}
}

func TestRun_ReportsMissingDNSAndDuplicateIPs(t *testing.T) {
	m := memory.New()
	sink := &captureDispatcher{}
	seedNode(t, m, "inv-1", domain.SourceInventory, "", "10.0.0.5")
	seedNode(t, m, "inv-2", domain.SourceInventory, "dc02.corp.example.com", "10.0.0.7")
	seedNode(t, m, "inv-3", domain.SourceInventory, "dc03.corp.example.com", "10.0.0.7")

	r := New(m, sink, zap.NewNop())
	r.Resolve = staticResolve(map[string][]string{})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.MissingDNS) != 1 || report.MissingDNS[0].ID != "inv-1" {
		t.Fatalf("want inv-1 reported without DNS, got %+v", report.MissingDNS)
	}
	if len(report.DuplicateIPs["10.0.0.7"]) != 2 {
		t.Fatalf("want duplicate IP report for 10.0.0.7, got %+v", report.DuplicateIPs)
	}

	// Reports only: nothing in the inventory is touched.
	inventory, _ := m.ListNodes(context.Background(), domain.SourceInventory)
	if len(inventory) != 3 {
		t.Fatalf("inventory must be untouched, got %d nodes", len(inventory))
	}

	var warnings int
	for _, a := range sink.alerts {
		if a.Kind == domain.AlertReconciliation && a.Level == domain.LevelWarning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("want 2 warning alerts (missing DNS, duplicate IP), got %d", warnings)
	}
}

func TestRun_FallbackWithOnlyIPUsesIt(t *testing.T) {
	m := memory.New()
	sink := &captureDispatcher{}
	seedNode(t, m, "inv-1", domain.SourceInventory, "dc01.corp.example.com", "10.0.0.5")
	seedNode(t, m, "fb-ip", domain.SourceFallback, "", "10.0.0.5")

	r := New(m, sink, zap.NewNop())
	r.Resolve = staticResolve(map[string][]string{})

	report, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(report.RemovedFallback) != 1 || report.RemovedFallback[0].ID != "fb-ip" {
		t.Fatalf("IP-only fallback covered by inventory must be removed, got %+v", report.RemovedFallback)
	}
}
