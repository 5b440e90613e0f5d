package reconcile

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/alert"
	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

// Report is what one reconciliation pass found and did.
type Report struct {
	RemovedFallback []domain.DirectoryNode // covered by an inventory node at the same IP
	Unresolvable    []domain.DirectoryNode // fallback names that no longer resolve, removed
	MissingDNS      []domain.DirectoryNode // inventory nodes with no resolvable name, reported only
	DuplicateIPs    map[string][]domain.DirectoryNode
}

// ResolveFunc looks a host name up. Injected so tests run without DNS.
type ResolveFunc func(ctx context.Context, host string) ([]string, error)

// Reconciler cross-validates the authoritative inventory against the
// manually maintained fallback list. Removing a redundant fallback entry is
// the only destructive action, and only when its IP exactly matches an
// inventory node; everything ambiguous is reported for a human.
type Reconciler struct {
	Nodes      repo.NodeStore
	Dispatcher alert.Dispatcher
	Resolve    ResolveFunc
	Log        *zap.Logger
}

func New(nodes repo.NodeStore, dispatcher alert.Dispatcher, log *zap.Logger) *Reconciler {
	resolver := &net.Resolver{}
	return &Reconciler{
		Nodes:      nodes,
		Dispatcher: dispatcher,
		Log:        log,
		Resolve: func(ctx context.Context, host string) ([]string, error) {
			addrs, err := resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, err
			}
			ips := make([]string, 0, len(addrs))
			for _, a := range addrs {
				ips = append(ips, a.IP.String())
			}
			return ips, nil
		},
	}
}

// Run executes one reconciliation pass and dispatches the resulting reports.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	report := Report{DuplicateIPs: map[string][]domain.DirectoryNode{}}

	inventory, err := r.Nodes.ListNodes(ctx, domain.SourceInventory)
	if err != nil {
		return report, fmt.Errorf("list inventory nodes: %w", err)
	}
	fallback, err := r.Nodes.ListNodes(ctx, domain.SourceFallback)
	if err != nil {
		return report, fmt.Errorf("list fallback nodes: %w", err)
	}

	byIP := make(map[string][]domain.DirectoryNode, len(inventory))
	for _, n := range inventory {
		if n.IPAddress != "" {
			byIP[n.IPAddress] = append(byIP[n.IPAddress], n)
		}
		if n.DNSName == "" {
			report.MissingDNS = append(report.MissingDNS, n)
		}
	}

	for _, n := range fallback {
		ips, err := r.resolveFallback(ctx, n)
		if err != nil {
			// Dead name: nothing to probe and nothing the inventory could
			// reconstruct is lost by dropping it.
			if removeErr := r.Nodes.RemoveFallback(ctx, n.ID); removeErr != nil {
				return report, fmt.Errorf("remove unresolvable fallback node %s: %w", n.ID, removeErr)
			}
			r.Log.Info("reconcile_removed_unresolvable", zap.String("node", n.Address()))
			report.Unresolvable = append(report.Unresolvable, n)
			continue
		}
		if !coveredByInventory(byIP, ips) {
			continue
		}
		if err := r.Nodes.RemoveFallback(ctx, n.ID); err != nil {
			return report, fmt.Errorf("remove fallback node %s: %w", n.ID, err)
		}
		r.Log.Info("reconcile_removed_duplicate", zap.String("node", n.Address()))
		report.RemovedFallback = append(report.RemovedFallback, n)
	}

	for ip, nodes := range byIP {
		if len(nodes) > 1 {
			report.DuplicateIPs[ip] = nodes
		}
	}

	r.dispatch(ctx, report)
	return report, nil
}

func (r *Reconciler) resolveFallback(ctx context.Context, n domain.DirectoryNode) ([]string, error) {
	if n.DNSName == "" {
		if n.IPAddress == "" {
			return nil, fmt.Errorf("fallback node %s has no address", n.ID)
		}
		return []string{n.IPAddress}, nil
	}
	return r.Resolve(ctx, n.DNSName)
}

func coveredByInventory(byIP map[string][]domain.DirectoryNode, ips []string) bool {
	for _, ip := range ips {
		if len(byIP[ip]) > 0 {
			return true
		}
	}
	return false
}

func (r *Reconciler) dispatch(ctx context.Context, report Report) {
	now := time.Now().UTC()

	for _, n := range report.MissingDNS {
		r.send(ctx, domain.Alert{
			Kind:      domain.AlertReconciliation,
			Level:     domain.LevelWarning,
			EntityRef: string(n.ID),
			Message:   fmt.Sprintf("inventory node %s (%s) has no DNS name; fix it upstream", n.Name, n.IPAddress),
			WindowEnd: now,
		})
	}

	ips := make([]string, 0, len(report.DuplicateIPs))
	for ip := range report.DuplicateIPs {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		nodes := report.DuplicateIPs[ip]
		names := make([]string, 0, len(nodes))
		for _, n := range nodes {
			names = append(names, n.Name)
		}
		r.send(ctx, domain.Alert{
			Kind:      domain.AlertReconciliation,
			Level:     domain.LevelWarning,
			EntityRef: ip,
			Message: fmt.Sprintf("inventory nodes share IP %s under different identities: %s; not merged",
				ip, strings.Join(names, ", ")),
			WindowEnd: now,
		})
	}

	for _, n := range report.RemovedFallback {
		r.send(ctx, domain.Alert{
			Kind:      domain.AlertReconciliation,
			Level:     domain.LevelInfo,
			EntityRef: string(n.ID),
			Message:   fmt.Sprintf("fallback node %s removed: covered by the inventory at the same IP", n.Address()),
			WindowEnd: now,
		})
	}
	for _, n := range report.Unresolvable {
		r.send(ctx, domain.Alert{
			Kind:      domain.AlertReconciliation,
			Level:     domain.LevelInfo,
			EntityRef: string(n.ID),
			Message:   fmt.Sprintf("fallback node %s removed: name no longer resolves", n.Address()),
			WindowEnd: now,
		})
	}
}

func (r *Reconciler) send(ctx context.Context, a domain.Alert) {
	if err := r.Dispatcher.Dispatch(ctx, a); err != nil {
		r.Log.Warn("reconcile_dispatch_error", zap.Error(err))
	}
}
