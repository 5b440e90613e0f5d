package evaluate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/repo"
)

// Finding is one qualifying degradation level for one node over one window.
// A node can yield several findings at once: the mean and max checks are
// independent.
type Finding struct {
	Node      domain.DirectoryNode
	Anonymous bool
	Level     domain.AlertLevel
	Mean      time.Duration
	Max       time.Duration
	Samples   int
	Bucket    domain.PerfBucket
	Window    repo.Window
}

// Channel names the report channel a finding belongs to, for logging and
// for the per-channel toggles.
func (f Finding) Channel() string {
	bind := "full"
	if f.Anonymous {
		bind = "anonymous"
	}
	return fmt.Sprintf("%s_%s_%s", f.Node.Source, bind, strings.ToLower(f.Level.String()))
}

// Performance classifies latency samples against per-location buckets.
// Full-bind and anonymous-bind samples are never mixed in one aggregate:
// the two operations have different costs and the latencies are not
// comparable.
type Performance struct {
	Nodes    repo.NodeStore
	Outcomes repo.ProbeStore
	Log      *zap.Logger
}

func NewPerformance(nodes repo.NodeStore, outcomes repo.ProbeStore, log *zap.Logger) *Performance {
	return &Performance{Nodes: nodes, Outcomes: outcomes, Log: log}
}

// Evaluate produces degradation findings for every enabled node, segregated
// by node source and bind case, honoring the per-channel toggles.
func (p *Performance) Evaluate(ctx context.Context, cfg *config.Config, now time.Time) ([]Finding, error) {
	window := repo.Window{From: now.Add(-cfg.Performance.Window.D()), To: now}

	var findings []Finding
	for _, source := range []domain.NodeSource{domain.SourceInventory, domain.SourceFallback} {
		nodes, err := p.Nodes.ListNodes(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("list %s nodes: %w", source, err)
		}
		for _, node := range nodes {
			if !node.Enabled {
				continue
			}
			for _, kind := range []domain.OutcomeKind{domain.FullBind, domain.AnonymousBind} {
				fs, err := p.evaluateNode(ctx, cfg, node, kind, window)
				if err != nil {
					return nil, err
				}
				findings = append(findings, fs...)
			}
		}
	}
	return findings, nil
}

func (p *Performance) evaluateNode(ctx context.Context, cfg *config.Config, node domain.DirectoryNode, kind domain.OutcomeKind, window repo.Window) ([]Finding, error) {
	outcomes, err := p.Outcomes.Query(ctx, window, repo.ProbeFilter{NodeID: node.ID, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("query outcomes for %s: %w", node.ID, err)
	}

	mean, max, samples := aggregate(outcomes)
	if samples == 0 {
		return nil, nil
	}

	bucket := cfg.Bucket(node.Bucket)
	anonymous := kind == domain.AnonymousBind

	var findings []Finding
	add := func(level domain.AlertLevel) {
		if !cfg.ChannelEnabled(node.Source, anonymous, level) {
			return
		}
		findings = append(findings, Finding{
			Node:      node,
			Anonymous: anonymous,
			Level:     level,
			Mean:      mean,
			Max:       max,
			Samples:   samples,
			Bucket:    bucket,
			Window:    window,
		})
	}

	// Each check stands alone: a node can be INFO by mean and ERROR by max
	// in the same window.
	if mean > bucket.AvgWarn {
		add(domain.LevelInfo)
	}
	if mean > bucket.AvgErr {
		add(domain.LevelWarning)
	}
	if max > bucket.Alert {
		add(domain.LevelError)
	}
	return findings, nil
}

// aggregate computes the mean and maximum of the query-phase elapsed time
// over successful outcomes only. Outcomes without a query phase are skipped.
func aggregate(outcomes []domain.ProbeOutcome) (mean, max time.Duration, samples int) {
	var sum time.Duration
	for _, o := range outcomes {
		if !o.Succeeded() || o.SearchElapsed == nil {
			continue
		}
		d := *o.SearchElapsed
		sum += d
		if d > max {
			max = d
		}
		samples++
	}
	if samples == 0 {
		return 0, 0, 0
	}
	return sum / time.Duration(samples), max, samples
}
