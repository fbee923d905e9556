package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/craftnest/control-plane/internal/lifecycle"
	"github.com/craftnest/control-plane/internal/metrics"
	"github.com/craftnest/control-plane/internal/scheduler"
)

const (
	JobProvisioningReconcile = "provisioning_reconcile"
	JobProvisioningQueue     = "provisioning_queue_drain"

	queueBatch = 50
)

type Reconciler interface {
	ReconcileProvisioning(ctx context.Context) (lifecycle.ReconcileReport, error)
}

type Queue interface {
	Poll(ctx context.Context, h scheduler.Handler, limit int64) (int, error)
}

type Options struct {
	Reconciler        Reconciler
	ReconcileInterval time.Duration

	// Queue and Handler are set together when deferred tasks live in Redis.
	Queue         Queue
	Handler       scheduler.Handler
	QueueInterval time.Duration

	Logger *slog.Logger
}

type Runner struct {
	opts Options
	log  *slog.Logger
	wg   sync.WaitGroup
}

func NewRunner(opts Options) *Runner {
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = time.Minute
	}
	if opts.QueueInterval <= 0 {
		opts.QueueInterval = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{opts: opts, log: log}
}

// Start launches every configured loop. Loops stop when ctx is cancelled; Wait blocks
// until they have.
func (r *Runner) Start(ctx context.Context) {
	if r.opts.Reconciler != nil {
		r.spawn(ctx, JobProvisioningReconcile, r.opts.ReconcileInterval, func(c context.Context) error {
			report, err := r.opts.Reconciler.ReconcileProvisioning(c)
			if report.Retried > 0 || report.Failed > 0 {
				r.log.Info("event=provisioning_reconciled",
					"retried", report.Retried, "completed", report.Completed, "failed", report.Failed)
			}
			return err
		})
	}
	if r.opts.Queue != nil && r.opts.Handler != nil {
		r.spawn(ctx, JobProvisioningQueue, r.opts.QueueInterval, func(c context.Context) error {
			_, err := r.opts.Queue.Poll(c, r.opts.Handler, queueBatch)
			return err
		})
	}
}

func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) spawn(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runEvery(ctx, name, interval, fn)
	}()
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	err := safeRun(ctx, fn)
	durMs := float64(time.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		r.log.Error("metric=job_run", "name", name, "status", "error", "duration_ms", int64(durMs), "err", err)
		labels["status"] = "error"
		metrics.Default().IncCounter(metrics.JobRunsTotal, labels)
		metrics.Default().ObserveHistogram(metrics.JobDurationMs, durMs, map[string]string{"job": name})
		return
	}
	r.log.Debug("metric=job_run", "name", name, "status", "ok", "duration_ms", int64(durMs))
	labels["status"] = "ok"
	metrics.Default().IncCounter(metrics.JobRunsTotal, labels)
	metrics.Default().ObserveHistogram(metrics.JobDurationMs, durMs, map[string]string{"job": name})
}

func safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panicked: %v\n%s", rec, debug.Stack())
		}
	}()
	return fn(ctx)
}
