package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"adwatch/internal/alert"
	"adwatch/internal/config"
	"adwatch/internal/domain"
	"adwatch/internal/evaluate"
	"adwatch/internal/repo"
)

// PerfScan runs the performance evaluator and dispatches one alert per
// qualifying finding. Channel toggles are applied inside the evaluator, so
// everything that comes back is meant to be sent.
type PerfScan struct {
	Logger     *zap.Logger
	Evaluator  *evaluate.Performance
	Dispatcher alert.Dispatcher
	Config     *config.Provider
}

func NewPerfScan(logger *zap.Logger, evaluator *evaluate.Performance, dispatcher alert.Dispatcher, provider *config.Provider) *PerfScan {
	return &PerfScan{Logger: logger, Evaluator: evaluator, Dispatcher: dispatcher, Config: provider}
}

func (s *PerfScan) ScanOnce(ctx context.Context) error {
	cfg, err := s.Config.Current()
	if err != nil {
		s.Logger.Warn("perf_config_error", zap.Error(err))
		if cfg == nil {
			return err
		}
	}
	now := time.Now().UTC()

	findings, err := s.Evaluator.Evaluate(ctx, cfg, now)
	if err != nil {
		return err
	}

	for _, f := range findings {
		bind := "full bind"
		if f.Anonymous {
			bind = "anonymous bind"
		}
		a := domain.Alert{
			Kind:      domain.AlertPerformance,
			Level:     f.Level,
			EntityRef: fmt.Sprintf("node/%s", f.Node.Name),
			Message: fmt.Sprintf("%s %s latency degraded in bucket %s: mean %s, max %s over %d probes",
				f.Node.Address(), bind, f.Bucket.Name, f.Mean, f.Max, f.Samples),
			Metrics: map[string]float64{
				"mean_seconds": f.Mean.Seconds(),
				"max_seconds":  f.Max.Seconds(),
				"samples":      float64(f.Samples),
			},
			WindowStart: f.Window.From,
			WindowEnd:   f.Window.To,
		}
		if err := s.Dispatcher.Dispatch(ctx, a); err != nil {
			s.Logger.Warn("perf_dispatch_error",
				zap.String("channel", f.Channel()),
				zap.String("node", string(f.Node.ID)),
				zap.Error(err),
			)
		}
	}
	return nil
}

// ErrorReport summarizes failed probes per node over the report window and
// dispatches them on the probe-error channel.
type ErrorReport struct {
	Logger     *zap.Logger
	Nodes      repo.NodeStore
	Outcomes   repo.ProbeStore
	Dispatcher alert.Dispatcher
	Config     *config.Provider
}

func NewErrorReport(logger *zap.Logger, nodes repo.NodeStore, outcomes repo.ProbeStore, dispatcher alert.Dispatcher, provider *config.Provider) *ErrorReport {
	return &ErrorReport{Logger: logger, Nodes: nodes, Outcomes: outcomes, Dispatcher: dispatcher, Config: provider}
}

func (r *ErrorReport) ScanOnce(ctx context.Context) error {
	cfg, err := r.Config.Current()
	if err != nil {
		r.Logger.Warn("error_report_config_error", zap.Error(err))
		if cfg == nil {
			return err
		}
	}
	now := time.Now().UTC()
	window := repo.Window{From: now.Add(-cfg.Performance.Window.D()), To: now}

	summaries, err := evaluate.FailedProbes(ctx, r.Nodes, r.Outcomes, window)
	if err != nil {
		return err
	}

	for _, s := range summaries {
		a := domain.Alert{
			Kind:      domain.AlertProbeError,
			Level:     domain.LevelError,
			EntityRef: fmt.Sprintf("node/%s", s.Node.Name),
			Message: fmt.Sprintf("%d failed probes against %s; last at %s: %s",
				s.Count, s.Node.Address(), s.LastAt.Format(time.RFC3339), s.LastDiagnostic),
			Metrics: map[string]float64{
				"failed_probes": float64(s.Count),
			},
			WindowStart: window.From,
			WindowEnd:   window.To,
		}
		if err := r.Dispatcher.Dispatch(ctx, a); err != nil {
			r.Logger.Warn("error_report_dispatch_error", zap.String("node", string(s.Node.ID)), zap.Error(err))
		}
	}
	return nil
}
