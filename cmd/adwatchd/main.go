package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"adwatch/internal/alert"
	"adwatch/internal/config"
	"adwatch/internal/evaluate"
	"adwatch/internal/httpapi"
	"adwatch/internal/logging"
	"adwatch/internal/probe"
	"adwatch/internal/reconcile"
	"adwatch/internal/repo"
	"adwatch/internal/repo/memory"
	"adwatch/internal/repo/postgres"
	"adwatch/internal/repo/sqlite"
	"adwatch/internal/scheduler"
)

// stores bundles the five persistence ports. All three drivers implement
// every port on one store type.
type stores struct {
	outcomes repo.ProbeStore
	nodes    repo.NodeStore
	entities repo.EntityStore
	events   repo.EventStore
	states   repo.AlertStateStore
	close    func()
}

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	provider, err := config.NewProvider(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	cfg, _ := provider.Current()

	logger, err := logging.NewLogger(cfg.LogDir, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("storage_open_failed", zap.Error(err))
	}
	defer st.close()

	classifier := probe.NewLDAPClassifier(cfg.Probe.Timeout.D())

	dispatcher := alert.Multi{&alert.LogDispatcher{Log: logger}}
	if wh := alert.NewWebhook(os.Getenv("ALERT_WEBHOOK_URL")); wh != nil {
		dispatcher = append(dispatcher, wh)
	}

	liveness := evaluate.NewLiveness(st.entities, st.events, logger)
	performance := evaluate.NewPerformance(st.nodes, st.outcomes, logger)

	prober := scheduler.NewProber(logger, st.nodes, st.outcomes, classifier, provider, cfg.Probe.Interval.D())
	go prober.Run(ctx)

	livenessScan := scheduler.NewLivenessScan(logger, st.entities, st.states, liveness, dispatcher, provider)
	perfScan := scheduler.NewPerfScan(logger, performance, dispatcher, provider)
	errorReport := scheduler.NewErrorReport(logger, st.nodes, st.outcomes, dispatcher, provider)
	janitor := scheduler.NewJanitor(logger, st.outcomes, st.events, provider)
	reconciler := reconcile.New(st.nodes, dispatcher, logger)

	c := cron.New()
	mustSchedule(c, logger, "liveness", cfg.Jobs.Liveness, func() {
		if err := livenessScan.ScanOnce(ctx); err != nil {
			logger.Error("liveness_scan_error", zap.Error(err))
		}
	})
	mustSchedule(c, logger, "performance", cfg.Jobs.Performance, func() {
		if err := perfScan.ScanOnce(ctx); err != nil {
			logger.Error("perf_scan_error", zap.Error(err))
		}
	})
	mustSchedule(c, logger, "error_report", cfg.Jobs.ErrorReport, func() {
		if err := errorReport.ScanOnce(ctx); err != nil {
			logger.Error("error_report_error", zap.Error(err))
		}
	})
	mustSchedule(c, logger, "janitor", cfg.Jobs.Janitor, func() {
		if err := janitor.RunOnce(ctx); err != nil {
			logger.Error("janitor_error", zap.Error(err))
		}
	})
	mustSchedule(c, logger, "reconcile", cfg.Jobs.Reconcile, func() {
		if _, err := reconciler.Run(ctx); err != nil {
			logger.Error("reconcile_error", zap.Error(err))
		}
	})
	c.Start()
	defer c.Stop()

	api := httpapi.NewServer(logger, st.nodes, st.outcomes, st.entities, liveness, classifier, provider)
	srv := &http.Server{Addr: cfg.APIAddr, Handler: api.Router()}

	go func() {
		logger.Info("api_listen", zap.String("addr", cfg.APIAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("api_error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting_down")

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn("api_shutdown_error", zap.Error(err))
	}
}

func openStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Storage.Driver {
	case "sqlite":
		s, err := sqlite.New(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return &stores{
			outcomes: s, nodes: s, entities: s, events: s, states: s,
			close: func() { s.Close() },
		}, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return &stores{
			outcomes: s, nodes: s, entities: s, events: s, states: s,
			close: s.Close,
		}, nil
	default:
		s := memory.New()
		return &stores{
			outcomes: s, nodes: s, entities: s, events: s, states: s,
			close: func() {},
		}, nil
	}
}

func mustSchedule(c *cron.Cron, logger *zap.Logger, name, spec string, fn func()) {
	if _, err := c.AddFunc(spec, fn); err != nil {
		logger.Fatal("bad_job_schedule", zap.String("job", name), zap.String("spec", spec), zap.Error(err))
	}
}
