package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/craftnest/control-plane/internal/metrics"
	"github.com/craftnest/control-plane/internal/model"
	"github.com/craftnest/control-plane/internal/provision"
	"github.com/craftnest/control-plane/internal/scheduler"
	"github.com/craftnest/control-plane/internal/store"
)

// HandleTask is the scheduler callback.
func (m *Manager) HandleTask(ctx context.Context, task scheduler.Task) error {
	switch task.Kind {
	case scheduler.KindCompleteProvisioning:
		_, err := m.completeProvisioning(ctx, task.OwnerID, task.ServerID)
		return err
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// completeProvisioning moves a creating server to running. Servers deleted or already
// moved on in the meantime are left alone. It reports whether a transition happened.
func (m *Manager) completeProvisioning(ctx context.Context, ownerID, serverID string) (bool, error) {
	srv, err := m.store.GetServer(ctx, ownerID, serverID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Info("event=provision_skipped", "server_id", serverID, "reason", "not_found")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load server %s: %w", serverID, err)
	}
	if srv.Status != model.ServerCreating {
		m.log.Info("event=provision_skipped", "server_id", serverID, "reason", string(srv.Status))
		return false, nil
	}

	res, err := m.provisioner.Provision(ctx, provision.Request{ServerID: srv.ID, OwnerID: ownerID, Port: srv.Port})
	if err != nil {
		return false, fmt.Errorf("provision server %s: %w", serverID, err)
	}

	now := m.now()
	moved := false
	_, err = m.store.UpdateServer(ctx, ownerID, serverID, func(s *model.Server) error {
		if s.Status != model.ServerCreating {
			return store.ErrNoChange
		}
		s.Status = model.ServerRunning
		s.IPAddress = res.IPAddress
		s.LastStarted = &now
		s.UpdatedAt = now
		moved = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark server %s running: %w", serverID, err)
	}
	if !moved {
		return false, nil
	}

	metrics.Default().ObserveHistogram(metrics.ProvisionLatencyMs, float64(now.Sub(srv.CreatedAt).Milliseconds()), nil)
	m.recordTransition(ownerID, serverID, model.ServerCreating, model.ServerRunning)
	return true, nil
}

type ReconcileReport struct {
	Completed int
	Retried   int
	Failed    int
}

// ReconcileProvisioning sweeps servers stuck in creating. Those stuck past the fail
// threshold are marked error; the rest get another provisioning attempt.
func (m *Manager) ReconcileProvisioning(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	now := m.now()
	stale, err := m.store.ListStaleServers(ctx, model.ServerCreating, now.Add(-m.reconcileAfter), reconcileBatch)
	if err != nil {
		return report, fmt.Errorf("list stale servers: %w", err)
	}

	var errs []error
	for _, srv := range stale {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if now.Sub(srv.CreatedAt) >= m.failAfter {
			ok, err := m.failProvisioning(ctx, srv, now)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				report.Failed++
			}
			continue
		}
		report.Retried++
		ok, err := m.completeProvisioning(ctx, srv.OwnerID, srv.ID)
		if err != nil {
			m.log.Warn("event=provision_retry_failed", "server_id", srv.ID, "err", err)
			continue
		}
		if ok {
			report.Completed++
		}
	}
	return report, errors.Join(errs...)
}

func (m *Manager) failProvisioning(ctx context.Context, srv model.Server, now time.Time) (bool, error) {
	moved := false
	_, err := m.store.UpdateServer(ctx, srv.OwnerID, srv.ID, func(s *model.Server) error {
		if s.Status != model.ServerCreating {
			return store.ErrNoChange
		}
		s.Status = model.ServerError
		s.UpdatedAt = now
		moved = true
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("mark server %s error: %w", srv.ID, err)
	}
	if moved {
		m.recordTransition(srv.OwnerID, srv.ID, model.ServerCreating, model.ServerError)
	}
	return moved, nil
}
