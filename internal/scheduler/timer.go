package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/craftnest/control-plane/internal/metrics"
)

const taskTimeout = 30 * time.Second

// Timer fires tasks from process-local timers. Pending tasks are lost on restart; the
// provisioning reconciliation job picks those servers up.
type Timer struct {
	mu      sync.RWMutex
	handler Handler
	log     *slog.Logger
	wg      sync.WaitGroup
}

func NewTimer(log *slog.Logger) *Timer {
	if log == nil {
		log = slog.Default()
	}
	return &Timer{log: log}
}

func (t *Timer) Bind(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Schedule arms a timer for task. The task runs detached from ctx.
func (t *Timer) Schedule(_ context.Context, task Task, delay time.Duration) error {
	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		return ErrNoHandler
	}
	t.wg.Add(1)
	time.AfterFunc(delay, func() {
		defer t.wg.Done()
		t.run(h, task)
	})
	return nil
}

func (t *Timer) run(h Handler, task Task) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("event=scheduler_task_panicked",
				"kind", task.Kind, "server_id", task.ServerID,
				"panic", fmt.Sprintf("%v", r), "stack", string(debug.Stack()))
			recordTask("timer", task.Kind, "panic")
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := h(ctx, task); err != nil {
		t.log.Error("event=scheduler_task_failed", "kind", task.Kind, "server_id", task.ServerID, "err", err)
		recordTask("timer", task.Kind, "error")
		return
	}
	recordTask("timer", task.Kind, "ok")
}

// Wait blocks until every armed task has run.
func (t *Timer) Wait() {
	t.wg.Wait()
}

func recordTask(backend string, kind Kind, status string) {
	metrics.Default().IncCounter(metrics.SchedulerTasksTotal, map[string]string{
		"backend": backend,
		"kind":    string(kind),
		"status":  status,
	})
}
