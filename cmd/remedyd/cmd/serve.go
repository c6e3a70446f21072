package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maftabmirza/remediation-engine-sub000/internal/approval"
	"github.com/maftabmirza/remediation-engine-sub000/internal/config"
	"github.com/maftabmirza/remediation-engine-sub000/internal/engine"
	"github.com/maftabmirza/remediation-engine-sub000/internal/events"
	"github.com/maftabmirza/remediation-engine-sub000/internal/executor"
	"github.com/maftabmirza/remediation-engine-sub000/internal/logging"
	"github.com/maftabmirza/remediation-engine-sub000/internal/metrics"
	"github.com/maftabmirza/remediation-engine-sub000/internal/runbook"
	"github.com/maftabmirza/remediation-engine-sub000/internal/safety"
	"github.com/maftabmirza/remediation-engine-sub000/internal/scheduler"
	"github.com/maftabmirza/remediation-engine-sub000/internal/store"
	"github.com/maftabmirza/remediation-engine-sub000/internal/transport"
	"github.com/maftabmirza/remediation-engine-sub000/internal/web"
	"github.com/maftabmirza/remediation-engine-sub000/internal/web/api"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remediation engine daemon",
	RunE: func(_ *cobra.Command, _ []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "remedyd.db")
	st, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	log.WithField("path", dbPath).Info("store opened")

	registry, err := rehydrateRunbooks(context.Background(), log, st, cfg.RunbooksDir)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mets := metrics.New(promReg)

	drivers := transport.NewRegistry(log, cfg.Targets)
	log.WithField("targets", len(cfg.Targets)).Info("transport registry ready")

	gate := safety.NewGate(log, safety.BreakerPolicy{
		OpenDuration:    config.Duration(cfg.Breaker.OpenDuration, 5*time.Minute),
		BackoffFactor:   cfg.Breaker.BackoffFactor,
		MaxOpenDuration: config.Duration(cfg.Breaker.MaxOpenDuration, time.Hour),
	})
	approvals := approval.NewManager(log, st, config.Duration(cfg.Approval.TTL, time.Hour))
	broker := events.NewBroker()

	eng := engine.New(engine.Options{
		Log:       log,
		Store:     st,
		Registry:  registry,
		Gate:      gate,
		Approvals: approvals,
		Executor:  executor.New(log, drivers),
		Broker:    broker,
		Metrics:   mets,
	})
	if err := eng.SeedGate(context.Background()); err != nil {
		return fmt.Errorf("seed safety gate: %w", err)
	}
	if err := eng.Recover(context.Background()); err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	eng.Start(cfg.Workers)
	approvals.Start(config.Duration(cfg.Approval.SweepInterval, 30*time.Second))

	sched := scheduler.NewScheduler(func(runbookID string) {
		_, err := eng.Trigger(context.Background(), engine.TriggerRequest{
			RunbookID: runbookID,
			Source:    store.TriggerSchedule,
		})
		if err != nil {
			log.WithError(err).WithField("runbook_id", runbookID).Warn("scheduled trigger failed")
		}
	})
	for _, def := range registry.List() {
		scheduleRunbook(log, sched, def)
	}
	sched.Start()

	a := &api.API{
		Log:         log,
		Store:       st,
		Registry:    registry,
		Engine:      eng,
		Events:      broker,
		NextRunTime: sched.NextRunTime,
		OnRunbookChanged: func(def *runbook.Definition) {
			scheduleRunbook(log, sched, def)
		},
		OnRunbookDeleted: sched.RemoveRunbook,
	}
	server := web.NewServer(log, cfg.Listen, a, promReg)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	sched.Stop()
	approvals.Stop()
	eng.Stop()
	log.Info("stopped")
	return nil
}

// rehydrateRunbooks rebuilds the in-memory registry. Persisted documents are
// the source of truth; definitions found on disk are upserted on top, so a
// runbooks directory can be used for GitOps-style delivery.
func rehydrateRunbooks(ctx context.Context, log logrus.FieldLogger, st store.Store, dir string) (*runbook.Registry, error) {
	registry := runbook.NewRegistry()

	recs, err := st.ListRunbooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runbooks: %w", err)
	}
	for _, rec := range recs {
		def, err := runbook.Parse([]byte(rec.Document))
		if err != nil {
			log.WithError(err).WithField("runbook_id", rec.ID).Warn("skipping unparseable stored runbook")
			continue
		}
		def.ID = rec.ID
		def.Version = rec.Version
		registry.Put(def)
	}
	log.WithField("count", len(recs)).Info("runbooks rehydrated from store")

	defs, err := runbook.LoadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load runbooks from %s: %w", dir, err)
	}
	for _, def := range defs {
		applied, err := upsertDefinition(registry, def)
		if err != nil {
			return nil, fmt.Errorf("runbook %s: %w", def.Name, err)
		}
		if applied == nil {
			continue // unchanged on disk
		}
		doc, err := runbook.Marshal(applied)
		if err != nil {
			return nil, err
		}
		if err := st.SaveRunbook(ctx, &store.RunbookRecord{
			ID:       applied.ID,
			Name:     applied.Name,
			Version:  applied.Version,
			Document: string(doc),
		}); err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"runbook_id": applied.ID,
			"name":       applied.Name,
			"version":    applied.Version,
		}).Info("runbook loaded from disk")
	}
	return registry, nil
}

// upsertDefinition applies a disk definition to the registry. Returns nil when
// the stored copy is already identical, so restarts do not churn versions.
func upsertDefinition(registry *runbook.Registry, def *runbook.Definition) (*runbook.Definition, error) {
	existing, err := registry.Get(def.ID)
	if err != nil {
		return registry.Create(def)
	}

	oldDoc, err := runbook.Marshal(existing)
	if err != nil {
		return nil, err
	}
	newDoc, err := runbook.Marshal(def)
	if err != nil {
		return nil, err
	}
	if string(oldDoc) == string(newDoc) {
		return nil, nil
	}
	return registry.Update(def.ID, def)
}

func scheduleRunbook(log logrus.FieldLogger, sched *scheduler.Scheduler, def *runbook.Definition) {
	if def.Schedule == "" {
		sched.RemoveRunbook(def.ID)
		return
	}
	schedule, err := runbook.ParseSchedule(def.Schedule)
	if err != nil {
		// Validation rejects bad expressions before they get here, but a
		// stored document predating a parser change could still fail.
		log.WithError(err).WithFields(logrus.Fields{
			"runbook_id": def.ID,
			"schedule":   def.Schedule,
		}).Warn("unschedulable runbook")
		return
	}
	sched.AddRunbook(def.ID, schedule)
}
