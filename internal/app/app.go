// Package app assembles the lifecycle manager and its collaborators from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/craftnest/control-plane/internal/catalog"
	"github.com/craftnest/control-plane/internal/config"
	"github.com/craftnest/control-plane/internal/jobs"
	"github.com/craftnest/control-plane/internal/lifecycle"
	"github.com/craftnest/control-plane/internal/model"
	"github.com/craftnest/control-plane/internal/ports"
	"github.com/craftnest/control-plane/internal/provision"
	"github.com/craftnest/control-plane/internal/scheduler"
	"github.com/craftnest/control-plane/internal/store"
)

const (
	connectAttempts = 5
	connectInterval = time.Second
)

// Backend is the persistence the manager runs against. Both store implementations satisfy it.
type Backend interface {
	lifecycle.Store
	UpsertPlans(ctx context.Context, plans []model.Plan) error
}

type App struct {
	Manager *lifecycle.Manager
	Runner  *jobs.Runner

	log     *slog.Logger
	timer   *scheduler.Timer
	closers []func()
}

// Build connects to the configured backends, seeds the plan catalog, and wires the manager.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{log: log}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	plans, err := LoadPlans(cfg)
	if err != nil {
		return nil, err
	}

	backend, err := a.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := backend.UpsertPlans(ctx, plans); err != nil {
		return nil, fmt.Errorf("seed plan catalog: %w", err)
	}
	log.Info("event=plan_catalog_loaded", "plans", len(plans))

	alloc, err := NewAllocator(cfg)
	if err != nil {
		return nil, err
	}

	prov := provision.WithRetry(provision.NewSimulated(cfg.PlaceholderAddress), provision.RetryOptions{
		Provider: "simulated",
		Logger:   log,
	})

	var (
		sched scheduler.Scheduler
		queue *scheduler.Redis
	)
	switch cfg.SchedulerBackend {
	case "redis":
		client, err := scheduler.Connect(ctx, cfg.RedisURL, connectAttempts, connectInterval)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		queue = scheduler.NewRedis(client, scheduler.RedisOptions{Key: cfg.SchedulerQueueKey, Logger: log})
		sched = queue
	default:
		a.timer = scheduler.NewTimer(log)
		sched = a.timer
	}

	mgr, err := lifecycle.New(lifecycle.Options{
		Store:          backend,
		Allocator:      alloc,
		Scheduler:      sched,
		Provisioner:    prov,
		Logger:         log,
		ProvisionDelay: cfg.ProvisionDelay,
		TrialPeriod:    cfg.TrialPeriod,
		ReconcileAfter: cfg.ReconcileAfter,
		FailAfter:      cfg.ReconcileFailAfter,
	})
	if err != nil {
		return nil, err
	}
	if a.timer != nil {
		a.timer.Bind(mgr.HandleTask)
	}

	runnerOpts := jobs.Options{
		Reconciler:        mgr,
		ReconcileInterval: cfg.ReconcileInterval,
		QueueInterval:     cfg.SchedulerPollInterval,
		Logger:            log,
	}
	if queue != nil {
		runnerOpts.Queue = queue
		runnerOpts.Handler = mgr.HandleTask
	}

	a.Manager = mgr
	a.Runner = jobs.NewRunner(runnerOpts)
	ok = true
	return a, nil
}

func (a *App) openStore(ctx context.Context, cfg config.Config) (Backend, error) {
	if cfg.StoreBackend == "memory" {
		a.log.Warn("event=store_in_memory", "msg", "state is lost on restart")
		return store.NewMemory(), nil
	}
	pool, err := store.Connect(ctx, cfg.DatabaseURL, connectAttempts, connectInterval)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	a.closers = append(a.closers, pool.Close)
	if cfg.AutoMigrate {
		if err := store.Migrate(ctx, pool, a.log); err != nil {
			return nil, err
		}
	}
	return store.New(pool), nil
}

// LoadPlans reads the catalog override file when configured, else the built-in catalog.
func LoadPlans(cfg config.Config) ([]model.Plan, error) {
	if cfg.PlanCatalogPath == "" {
		return catalog.Default()
	}
	plans, err := catalog.Load(cfg.PlanCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("load plan catalog %s: %w", cfg.PlanCatalogPath, err)
	}
	return plans, nil
}

func NewAllocator(cfg config.Config) (*ports.Allocator, error) {
	alloc, err := ports.New(ports.Options{
		Min:         cfg.PortMin,
		Max:         cfg.PortMax,
		MaxAttempts: cfg.PortProbeAttempts,
		Draw:        ports.NewSeededDraw(cfg.PortSeed),
	})
	if err != nil {
		return nil, errors.Join(errors.New("build port allocator"), err)
	}
	return alloc, nil
}

// Close waits for in-flight timer tasks, then releases connections.
func (a *App) Close() {
	if a.timer != nil {
		a.timer.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
