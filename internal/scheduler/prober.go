package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/probe"
	"adwatch/internal/repo"
)

// Prober drives the classifier across every enabled node from both
// definition sources. Probes run concurrently under a worker-pool limit;
// each has its own timeout and an unreachable node cannot stall or fail the
// rest of the batch.
type Prober struct {
	Logger     *zap.Logger
	Nodes      repo.NodeStore
	Outcomes   repo.ProbeStore
	Classifier probe.Classifier
	Config     *config.Provider
	Interval   time.Duration
}

func NewProber(
	logger *zap.Logger,
	nodes repo.NodeStore,
	outcomes repo.ProbeStore,
	classifier probe.Classifier,
	provider *config.Provider,
	interval time.Duration,
) *Prober {
	if interval < 0 {
		interval = 0
	}
	return &Prober{
		Logger:     logger,
		Nodes:      nodes,
		Outcomes:   outcomes,
		Classifier: classifier,
		Config:     provider,
		Interval:   interval,
	}
}

// Run starts the loop. It does an immediate pass, then runs each tick.
// Stops when ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	if p.Interval == 0 {
		// disabled
		p.Logger.Info("prober_disabled")
		return
	}
	t := time.NewTicker(p.Interval)
	defer t.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			p.Logger.Info("prober_stopped")
			return
		case <-t.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	cfg, err := p.Config.Current()
	if err != nil {
		p.Logger.Warn("prober_config_error", zap.Error(err))
		if cfg == nil {
			return
		}
	}

	nodes := p.enabledNodes(ctx)
	if len(nodes) == 0 {
		return
	}

	creds := probe.Credentials{
		Domain:   cfg.Bind.Domain,
		Username: cfg.Bind.Username,
		Password: cfg.Bind.Password,
	}
	search := probe.SearchConfig{BaseDN: cfg.Bind.SearchBase}
	timeout := cfg.Probe.Timeout.D()

	sem := make(chan struct{}, cfg.Probe.Concurrency)
	var wg sync.WaitGroup

	for _, node := range nodes {
		n := node
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() { <-sem }()
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			out := p.Classifier.Probe(cctx, n.Address(), creds, search)

			rec := &domain.ProbeOutcome{
				UUID:           uuid.New(),
				NodeID:         n.ID,
				Kind:           out.Kind,
				ConnectElapsed: out.ConnectElapsed,
				SearchElapsed:  out.SearchElapsed,
				Diagnostic:     out.Diagnostic,
				ProbedAt:       time.Now().UTC(),
			}
			if err := p.Outcomes.Record(ctx, rec); err != nil {
				p.Logger.Error("prober_record_error",
					zap.String("node_id", string(n.ID)),
					zap.String("address", n.Address()),
					zap.Error(err),
				)
			} else {
				p.Logger.Debug("prober_probed",
					zap.String("node_id", string(n.ID)),
					zap.String("address", n.Address()),
					zap.String("kind", string(out.Kind)),
					zap.Duration("connect_elapsed", out.ConnectElapsed),
					zap.String("diagnostic", out.Diagnostic),
				)
			}
		}()
	}

	wg.Wait()
}

func (p *Prober) enabledNodes(ctx context.Context) []domain.DirectoryNode {
	var nodes []domain.DirectoryNode
	for _, source := range []domain.NodeSource{domain.SourceInventory, domain.SourceFallback} {
		list, err := p.Nodes.ListNodes(ctx, source)
		if err != nil {
			p.Logger.Warn("prober_list_error", zap.String("source", string(source)), zap.Error(err))
			continue
		}
		for _, n := range list {
			if n.Enabled {
				nodes = append(nodes, n)
			}
		}
	}
	return nodes
}
