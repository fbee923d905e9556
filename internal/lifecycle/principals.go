package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/craftnest/control-plane/internal/model"
	"github.com/craftnest/control-plane/internal/store"
)

func (m *Manager) ListPlans(ctx context.Context) ([]model.Plan, error) {
	return m.store.ListPlans(ctx, true)
}

func (m *Manager) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	plan, err := m.store.GetPlan(ctx, planID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !plan.IsActive) {
		return nil, newError(ErrPlanNotFound, nil, "plan %q not found", planID)
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	return plan, nil
}

// FreePlanAvailability reports whether the principal may still claim the free plan.
// A principal never seen before has not used it.
func (m *Manager) FreePlanAvailability(ctx context.Context, principalID string) (bool, error) {
	p, err := m.store.GetPrincipal(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("load principal: %w", err)
	}
	return !p.HasUsedFreeTrial, nil
}

func (m *Manager) GetPrincipal(ctx context.Context, principalID string) (*model.Principal, error) {
	p, err := m.store.GetPrincipal(ctx, principalID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(ErrPrincipalNotFound, nil, "principal %q not found", principalID)
	}
	if err != nil {
		return nil, fmt.Errorf("load principal: %w", err)
	}
	return p, nil
}

// SetSubscription records billing state pushed by the payments side.
func (m *Manager) SetSubscription(ctx context.Context, principalID string, status model.SubscriptionStatus, currentPlanID *string) (*model.Principal, error) {
	if strings.TrimSpace(principalID) == "" {
		return nil, newError(ErrValidation, nil, "principal id is required")
	}
	if !status.Valid() {
		return nil, newError(ErrValidation, nil, "status must be one of [active inactive cancelled suspended expired]")
	}
	if currentPlanID != nil {
		if _, err := m.store.GetPlan(ctx, *currentPlanID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, newError(ErrPlanNotFound, nil, "plan %q not found", *currentPlanID)
			}
			return nil, fmt.Errorf("load plan: %w", err)
		}
	}
	p, err := m.store.SetSubscription(ctx, principalID, status, currentPlanID)
	if err != nil {
		return nil, fmt.Errorf("set subscription: %w", err)
	}
	m.log.Info("event=subscription_updated", "principal_id", principalID, "status", string(status))
	return p, nil
}

// SuspendPrincipal suspends the principal and every running server it owns.
func (m *Manager) SuspendPrincipal(ctx context.Context, principalID string) (int, error) {
	n, err := m.store.SuspendPrincipal(ctx, principalID, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return 0, newError(ErrPrincipalNotFound, nil, "principal %q not found", principalID)
	}
	if err != nil {
		return 0, fmt.Errorf("suspend principal: %w", err)
	}
	m.log.Info("event=principal_suspended", "principal_id", principalID, "servers", n)
	return n, nil
}

// UnsuspendPrincipal lifts a suspension. Suspended servers come back stopped.
func (m *Manager) UnsuspendPrincipal(ctx context.Context, principalID string) (int, error) {
	n, err := m.store.UnsuspendPrincipal(ctx, principalID, m.now())
	if errors.Is(err, store.ErrNotFound) {
		return 0, newError(ErrPrincipalNotFound, nil, "principal %q not found", principalID)
	}
	if err != nil {
		return 0, fmt.Errorf("unsuspend principal: %w", err)
	}
	m.log.Info("event=principal_unsuspended", "principal_id", principalID, "servers", n)
	return n, nil
}
