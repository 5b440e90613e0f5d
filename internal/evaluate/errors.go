package evaluate

import (
	"context"
	"fmt"
	"time"

	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

// FailureSummary aggregates the failed probes against one node over a
// window, for the periodic error report.
type FailureSummary struct {
	Node           domain.DirectoryNode
	Count          int
	LastDiagnostic string
	LastAt         time.Time
}

// FailedProbes summarizes FAILED outcomes per enabled node over the window.
// Nodes with no failures produce no entry.
func FailedProbes(ctx context.Context, nodes repo.NodeStore, outcomes repo.ProbeStore, window repo.Window) ([]FailureSummary, error) {
	var summaries []FailureSummary
	for _, source := range []domain.NodeSource{domain.SourceInventory, domain.SourceFallback} {
		list, err := nodes.ListNodes(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("list %s nodes: %w", source, err)
		}
		for _, node := range list {
			if !node.Enabled {
				continue
			}
			failed, err := outcomes.Query(ctx, window, repo.ProbeFilter{NodeID: node.ID, Kind: domain.Failed})
			if err != nil {
				return nil, fmt.Errorf("query failures for %s: %w", node.ID, err)
			}
			if len(failed) == 0 {
				continue
			}
			last := failed[len(failed)-1]
			summaries = append(summaries, FailureSummary{
				Node:           node,
				Count:          len(failed),
				LastDiagnostic: last.Diagnostic,
				LastAt:         last.ProbedAt,
			})
		}
	}
	return summaries, nil
}
