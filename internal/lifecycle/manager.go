// Package lifecycle owns server records from creation to soft deletion: quota checks,
// port assignment, state transitions, and the deferred provisioning step.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/craftnest/control-plane/internal/metrics"
	"github.com/craftnest/control-plane/internal/model"
	"github.com/craftnest/control-plane/internal/ports"
	"github.com/craftnest/control-plane/internal/provision"
	"github.com/craftnest/control-plane/internal/quota"
	"github.com/craftnest/control-plane/internal/scheduler"
	"github.com/craftnest/control-plane/internal/store"
)

const (
	DefaultProvisionDelay = 5 * time.Second
	DefaultTrialPeriod    = 7 * 24 * time.Hour
	DefaultReconcileAfter = 2 * time.Minute
	DefaultFailAfter      = 30 * time.Minute

	reconcileBatch = 100
)

type Store interface {
	ListPlans(ctx context.Context, activeOnly bool) ([]model.Plan, error)
	GetPlan(ctx context.Context, planID string) (*model.Plan, error)
	GetPrincipal(ctx context.Context, principalID string) (*model.Principal, error)
	WithPrincipalLock(ctx context.Context, principalID string, fn func(context.Context, store.PrincipalTx) error) error
	GetServer(ctx context.Context, ownerID, serverID string) (*model.Server, error)
	ListServers(ctx context.Context, ownerID string) ([]model.Server, error)
	ListStaleServers(ctx context.Context, status model.ServerStatus, before time.Time, limit int) ([]model.Server, error)
	UpdateServer(ctx context.Context, ownerID, serverID string, fn func(*model.Server) error) (*model.Server, error)
	DeleteServer(ctx context.Context, ownerID, serverID string, at time.Time) (model.ServerStatus, error)
	SetSubscription(ctx context.Context, principalID string, status model.SubscriptionStatus, currentPlanID *string) (*model.Principal, error)
	SuspendPrincipal(ctx context.Context, principalID string, at time.Time) (int, error)
	UnsuspendPrincipal(ctx context.Context, principalID string, at time.Time) (int, error)
}

type Options struct {
	Store       Store
	Allocator   *ports.Allocator
	Scheduler   scheduler.Scheduler
	Provisioner provision.Provisioner
	Logger      *slog.Logger
	Now         func() time.Time
	NewID       func() string

	ProvisionDelay time.Duration
	TrialPeriod    time.Duration
	ReconcileAfter time.Duration
	FailAfter      time.Duration
}

type Manager struct {
	store       Store
	allocator   *ports.Allocator
	scheduler   scheduler.Scheduler
	provisioner provision.Provisioner
	log         *slog.Logger
	now         func() time.Time
	newID       func() string

	provisionDelay time.Duration
	trialPeriod    time.Duration
	reconcileAfter time.Duration
	failAfter      time.Duration
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Allocator == nil || opts.Scheduler == nil {
		return nil, errors.New("lifecycle: store, allocator, and scheduler are required")
	}
	m := &Manager{
		store:          opts.Store,
		allocator:      opts.Allocator,
		scheduler:      opts.Scheduler,
		provisioner:    opts.Provisioner,
		log:            opts.Logger,
		now:            opts.Now,
		newID:          opts.NewID,
		provisionDelay: opts.ProvisionDelay,
		trialPeriod:    opts.TrialPeriod,
		reconcileAfter: opts.ReconcileAfter,
		failAfter:      opts.FailAfter,
	}
	if m.provisioner == nil {
		m.provisioner = provision.NewSimulated("")
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}
	if m.newID == nil {
		m.newID = func() string { return "srv_" + uuid.NewString() }
	}
	if m.provisionDelay <= 0 {
		m.provisionDelay = DefaultProvisionDelay
	}
	if m.trialPeriod <= 0 {
		m.trialPeriod = DefaultTrialPeriod
	}
	if m.reconcileAfter <= 0 {
		m.reconcileAfter = DefaultReconcileAfter
	}
	if m.failAfter <= m.reconcileAfter {
		m.failAfter = max(DefaultFailAfter, 2*m.reconcileAfter)
	}
	return m, nil
}

type CreateRequest struct {
	Name             string            `json:"name" validate:"required,max=50"`
	Description      string            `json:"description" validate:"max=200"`
	PlanID           string            `json:"plan_id" validate:"required"`
	MinecraftVersion string            `json:"minecraft_version" validate:"omitempty,max=32"`
	ServerType       model.ServerType  `json:"server_type" validate:"omitempty,oneof=vanilla bukkit spigot paper forge fabric"`
	Config           model.ConfigPatch `json:"config"`
}

// Create admits a new server for principalID. The quota decision, port reservation,
// insert, and principal bookkeeping commit together; provisioning is then deferred.
func (m *Manager) Create(ctx context.Context, principalID string, req CreateRequest) (*model.Server, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if strings.TrimSpace(principalID) == "" {
		return nil, newError(ErrValidation, nil, "principal id is required")
	}
	if err := validateStruct(req); err != nil {
		m.recordCreate(req.PlanID, "invalid")
		return nil, err
	}
	if req.MinecraftVersion == "" {
		req.MinecraftVersion = model.DefaultMinecraftVersion
	}
	if req.ServerType == "" {
		req.ServerType = model.ServerVanilla
	}

	var created *model.Server
	err := m.store.WithPrincipalLock(ctx, principalID, func(ctx context.Context, tx store.PrincipalTx) error {
		plan, err := tx.GetPlan(ctx, req.PlanID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !plan.IsActive) {
			return newError(ErrPlanNotFound, nil, "plan %q not found", req.PlanID)
		}
		if err != nil {
			return fmt.Errorf("load plan: %w", err)
		}

		p := tx.Principal()
		var current *model.Plan
		if p.CurrentPlanID != nil {
			current, err = tx.GetPlan(ctx, *p.CurrentPlanID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("load current plan: %w", err)
			}
		}
		active, err := tx.CountLiveServers(ctx)
		if err != nil {
			return fmt.Errorf("count servers: %w", err)
		}
		if d := quota.CanCreate(p, *plan, current, active); !d.Allowed {
			metrics.Default().IncCounter(metrics.QuotaDenialsTotal, map[string]string{"reason": string(d.Reason)})
			return denial(d)
		}

		now := m.now()
		srv := &model.Server{
			ID:               m.newID(),
			OwnerID:          principalID,
			PlanID:           plan.ID,
			Name:             req.Name,
			Description:      req.Description,
			MinecraftVersion: req.MinecraftVersion,
			ServerType:       req.ServerType,
			Status:           model.ServerCreating,
			Config:           initialConfig(req.Config, *plan),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if plan.IsFree {
			exp := now.Add(m.trialPeriod)
			srv.ExpiresAt = &exp
		}
		if err := m.insertWithPort(ctx, tx, srv); err != nil {
			return err
		}
		if err := tx.AttachServer(ctx, srv.ID); err != nil {
			return fmt.Errorf("attach server: %w", err)
		}
		if plan.IsFree {
			if err := tx.ClaimFreeTrial(ctx); err != nil {
				return fmt.Errorf("claim free trial: %w", err)
			}
		}
		created = srv
		return nil
	})
	if err != nil {
		m.recordCreate(req.PlanID, createStatus(err))
		return nil, err
	}

	m.recordCreate(created.PlanID, "ok")
	m.log.Info("event=server_created",
		"server_id", created.ID, "principal_id", principalID, "plan", created.PlanID, "port", created.Port)

	task := scheduler.Task{
		Kind:      scheduler.KindCompleteProvisioning,
		OwnerID:   principalID,
		ServerID:  created.ID,
		CreatedAt: created.CreatedAt,
	}
	if err := m.scheduler.Schedule(context.WithoutCancel(ctx), task, m.provisionDelay); err != nil {
		// Left in creating; the reconciliation job retries it.
		m.log.Warn("event=provision_schedule_failed", "server_id", created.ID, "err", err)
	}
	return created, nil
}

// insertWithPort draws ports until the conditional insert wins, within the allocator's
// attempt budget.
func (m *Manager) insertWithPort(ctx context.Context, tx store.PrincipalTx, srv *model.Server) error {
	probes := 0
	inUse := func(ctx context.Context, port int) (bool, error) {
		probes++
		return tx.PortInUse(ctx, port)
	}
	defer func() {
		metrics.Default().ObserveHistogram(metrics.PortAllocationAttempts, float64(probes), nil)
	}()

	for range m.allocator.MaxAttempts() {
		port, err := m.allocator.Allocate(ctx, inUse)
		if errors.Is(err, ports.ErrExhaustedRange) {
			return newError(ErrPortRangeExhausted, err, "no free port available, try again later")
		}
		if err != nil {
			return fmt.Errorf("allocate port: %w", err)
		}
		srv.Port = port
		err = tx.InsertServer(ctx, srv)
		if errors.Is(err, store.ErrPortTaken) {
			continue
		}
		if err != nil {
			return fmt.Errorf("insert server: %w", err)
		}
		return nil
	}
	return newError(ErrPortRangeExhausted, m.allocator.Exhausted(), "no free port available, try again later")
}

func initialConfig(patch model.ConfigPatch, plan model.Plan) model.ServerConfig {
	cfg := model.DefaultServerConfig().Merge(patch)
	cfg.MaxPlayers = min(cfg.MaxPlayers, plan.PlayerSlotLimit())
	return cfg
}

func denial(d quota.Decision) error {
	switch d.Reason {
	case quota.ReasonFreeTrialAlreadyUsed:
		return newError(ErrFreeTrialAlreadyUsed, nil, "free plan already used")
	case quota.ReasonSubscriptionRequired:
		return newError(ErrSubscriptionRequired, nil, "an active subscription is required for paid plans")
	default:
		return newError(ErrQuotaExceeded, nil, "server limit reached for your plan (%d of %d in use)", d.Active, d.Limit)
	}
}

func createStatus(err error) string {
	switch KindOf(err) {
	case KindPolicyDenied:
		return "denied"
	case KindNotFound:
		return "plan_not_found"
	case KindResourceExhaustion:
		return "exhausted"
	default:
		return "error"
	}
}

// Start runs a server. Expiry is checked first, so an expired free server cannot be
// started whatever its stored status.
func (m *Manager) Start(ctx context.Context, principalID, serverID string) (*model.Server, error) {
	now := m.now()
	var from model.ServerStatus
	out, err := m.store.UpdateServer(ctx, principalID, serverID, func(s *model.Server) error {
		if IsExpired(*s, now) {
			return newError(ErrExpired, nil, "server has expired")
		}
		if s.Status == model.ServerRunning {
			return newError(ErrAlreadyRunning, nil, "server is already running")
		}
		from = s.Status
		s.Status = model.ServerRunning
		s.LastStarted = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	m.recordTransition(principalID, serverID, from, model.ServerRunning)
	return out, nil
}

func (m *Manager) Stop(ctx context.Context, principalID, serverID string) (*model.Server, error) {
	now := m.now()
	var from model.ServerStatus
	out, err := m.store.UpdateServer(ctx, principalID, serverID, func(s *model.Server) error {
		if s.Status == model.ServerStopped {
			return newError(ErrAlreadyStopped, nil, "server is already stopped")
		}
		from = s.Status
		s.Status = model.ServerStopped
		s.LastStopped = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	m.recordTransition(principalID, serverID, from, model.ServerStopped)
	return out, nil
}

// Delete soft-deletes a server, which releases its port and detaches it from the owner.
// A pending provisioning task is left to find the record deleted.
func (m *Manager) Delete(ctx context.Context, principalID, serverID string) error {
	prev, err := m.store.DeleteServer(ctx, principalID, serverID, m.now())
	if err != nil {
		return mapStoreErr(err)
	}
	m.recordTransition(principalID, serverID, prev, model.ServerDeleted)
	if err := m.provisioner.Deprovision(ctx, provision.Request{ServerID: serverID, OwnerID: principalID}); err != nil {
		m.log.Warn("event=deprovision_failed", "server_id", serverID, "err", err)
	}
	return nil
}

// UpdateConfiguration merges patch into the stored configuration. A max_players above the
// plan's slot limit is refused without touching the record.
func (m *Manager) UpdateConfiguration(ctx context.Context, principalID, serverID string, patch model.ConfigPatch) (*model.Server, error) {
	if err := validateStruct(patch); err != nil {
		return nil, err
	}
	curr, err := m.store.GetServer(ctx, principalID, serverID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	plan, err := m.store.GetPlan(ctx, curr.PlanID)
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", curr.PlanID, err)
	}
	if patch.MaxPlayers != nil && *patch.MaxPlayers > plan.PlayerSlotLimit() {
		return nil, newError(ErrPlayerLimitExceeded, nil, "max players cannot exceed %d for your plan", plan.PlayerSlotLimit())
	}

	now := m.now()
	out, err := m.store.UpdateServer(ctx, principalID, serverID, func(s *model.Server) error {
		merged := s.Config.Merge(patch)
		if merged == s.Config {
			return store.ErrNoChange
		}
		s.Config = merged
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	m.log.Info("event=server_config_updated", "server_id", serverID, "principal_id", principalID)
	return out, nil
}

// IsExpired is true iff the server carries an expiry strictly before now.
func IsExpired(s model.Server, now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

func (m *Manager) IsExpired(s model.Server) bool {
	return IsExpired(s, m.now())
}

func (m *Manager) List(ctx context.Context, principalID string) ([]model.Server, error) {
	return m.store.ListServers(ctx, principalID)
}

func (m *Manager) Get(ctx context.Context, principalID, serverID string) (*model.Server, error) {
	srv, err := m.store.GetServer(ctx, principalID, serverID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	return srv, nil
}

func mapStoreErr(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(ErrNotFound, nil, "server not found")
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return err
	}
	return fmt.Errorf("store: %w", err)
}

func (m *Manager) recordCreate(plan, status string) {
	if plan == "" {
		plan = "unknown"
	}
	metrics.Default().IncCounter(metrics.ServerCreateTotal, map[string]string{"plan": plan, "status": status})
}

func (m *Manager) recordTransition(principalID, serverID string, from, to model.ServerStatus) {
	metrics.Default().IncCounter(metrics.ServerTransitionsTotal, map[string]string{"from": string(from), "to": string(to)})
	m.log.Info("event=server_transition",
		"server_id", serverID, "principal_id", principalID, "from", string(from), "to", string(to))
}
