package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/craftnest/control-plane/internal/lifecycle"
	"github.com/craftnest/control-plane/internal/metrics"
	"github.com/craftnest/control-plane/internal/scheduler"
)

type fakeReconciler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeReconciler) ReconcileProvisioning(context.Context) (lifecycle.ReconcileReport, error) {
	f.calls.Add(1)
	return lifecycle.ReconcileReport{Retried: 1, Completed: 1}, f.err
}

type fakeQueue struct {
	polls atomic.Int32
}

func (f *fakeQueue) Poll(ctx context.Context, h scheduler.Handler, limit int64) (int, error) {
	f.polls.Add(1)
	if limit != queueBatch {
		return 0, errors.New("unexpected batch size")
	}
	return 1, h(ctx, scheduler.Task{Kind: scheduler.KindCompleteProvisioning, ServerID: "srv_1"})
}

func TestRunner_RunsLoopsUntilCancelled(t *testing.T) {
	metrics.ResetDefaultForTest()
	rec := &fakeReconciler{}
	q := &fakeQueue{}
	var handled atomic.Int32

	r := NewRunner(Options{
		Reconciler:        rec,
		ReconcileInterval: 10 * time.Millisecond,
		Queue:             q,
		Handler: func(context.Context, scheduler.Task) error {
			handled.Add(1)
			return nil
		},
		QueueInterval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for rec.calls.Load() < 2 || q.polls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("loops did not tick: reconcile=%d poll=%d", rec.calls.Load(), q.polls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	r.Wait()

	if handled.Load() < 2 {
		t.Fatalf("expected queued tasks to reach handler, got %d", handled.Load())
	}
	ok := metrics.Default().CounterValue(metrics.JobRunsTotal, map[string]string{"job": JobProvisioningReconcile, "status": "ok"})
	if ok < 2 {
		t.Fatalf("expected ok job runs to be counted, got %d", ok)
	}
}

func TestRunner_QueueLoopNeedsHandler(t *testing.T) {
	q := &fakeQueue{}
	r := NewRunner(Options{Queue: q})
	ctx, cancel := context.WithCancel(context.Background())
	r.Start(ctx)
	cancel()
	r.Wait()
	if q.polls.Load() != 0 {
		t.Fatalf("queue polled without a handler")
	}
}

func TestRunOnce_RecordsErrorsAndPanics(t *testing.T) {
	metrics.ResetDefaultForTest()
	r := NewRunner(Options{})

	r.runOnce(context.Background(), "failing", func(context.Context) error { return errors.New("boom") })
	r.runOnce(context.Background(), "failing", func(context.Context) error { panic("kaboom") })

	got := metrics.Default().CounterValue(metrics.JobRunsTotal, map[string]string{"job": "failing", "status": "error"})
	if got != 2 {
		t.Fatalf("expected 2 error runs, got %d", got)
	}
	if n := metrics.Default().HistogramCount(metrics.JobDurationMs, map[string]string{"job": "failing"}); n != 2 {
		t.Fatalf("expected 2 duration observations, got %d", n)
	}
}
