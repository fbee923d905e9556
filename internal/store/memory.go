package store

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/craftnest/control-plane/internal/model"
)

// Memory is a process-local store with the same semantics as Store. Units of work for one
// principal are serialized by a per-principal mutex; row data sits behind a single mutex
// and failed units of work are undone before the principal lock is released.
type Memory struct {
	mu         sync.Mutex
	plans      map[string]model.Plan
	principals map[string]*model.Principal
	servers    map[string]*model.Server

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewMemory() *Memory {
	return &Memory{
		plans:      make(map[string]model.Plan),
		principals: make(map[string]*model.Principal),
		servers:    make(map[string]*model.Server),
		locks:      make(map[string]*sync.Mutex),
	}
}

func (m *Memory) principalLock(id string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

func clonePrincipal(p *model.Principal) *model.Principal {
	out := *p
	out.ServerIDs = slices.Clone(p.ServerIDs)
	if out.ServerIDs == nil {
		out.ServerIDs = []string{}
	}
	if p.CurrentPlanID != nil {
		id := *p.CurrentPlanID
		out.CurrentPlanID = &id
	}
	return &out
}

func cloneServer(s *model.Server) *model.Server {
	out := *s
	return &out
}

func (m *Memory) UpsertPlans(_ context.Context, plans []model.Plan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range plans {
		for id, existing := range m.plans {
			if id == p.ID {
				continue
			}
			if existing.Name == p.Name || (existing.IsFree && p.IsFree) {
				return ErrConflict
			}
		}
	}
	for _, p := range plans {
		p.UpdatedAt = time.Now().UTC()
		m.plans[p.ID] = p
	}
	return nil
}

func (m *Memory) ListPlans(_ context.Context, activeOnly bool) ([]model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Plan, 0, len(m.plans))
	for _, p := range m.plans {
		if activeOnly && !p.IsActive {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) GetPlan(_ context.Context, planID string) (*model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[planID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) GetPrincipal(_ context.Context, principalID string) (*model.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return nil, ErrNotFound
	}
	return clonePrincipal(p), nil
}

func (m *Memory) WithPrincipalLock(ctx context.Context, principalID string, fn func(context.Context, PrincipalTx) error) error {
	l := m.principalLock(principalID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	p, ok := m.principals[principalID]
	if !ok {
		p = &model.Principal{ID: principalID, SubscriptionStatus: model.SubscriptionInactive, ServerIDs: []string{}}
		m.principals[principalID] = p
	}
	tx := &memoryPrincipalTx{m: m, principal: *clonePrincipal(p)}
	m.mu.Unlock()

	if err := fn(ctx, tx); err != nil {
		m.mu.Lock()
		tx.undoLocked()
		m.mu.Unlock()
		return err
	}
	return nil
}

type memoryPrincipalTx struct {
	m         *Memory
	principal model.Principal
	inserted  []string
	attached  []string
	claimed   bool
}

// undoLocked reverts only what this unit of work wrote, so principal updates committed
// by other writers in the meantime survive.
func (t *memoryPrincipalTx) undoLocked() {
	for _, id := range t.inserted {
		delete(t.m.servers, id)
	}
	p, ok := t.m.principals[t.principal.ID]
	if !ok {
		return
	}
	for _, id := range t.attached {
		if i := slices.Index(p.ServerIDs, id); i >= 0 {
			p.ServerIDs = slices.Delete(p.ServerIDs, i, i+1)
		}
	}
	if t.claimed {
		p.HasUsedFreeTrial = false
	}
}

func (t *memoryPrincipalTx) Principal() model.Principal {
	return t.principal
}

func (t *memoryPrincipalTx) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return t.m.GetPlan(ctx, planID)
}

func (t *memoryPrincipalTx) CountLiveServers(_ context.Context) (int, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	n := 0
	for _, s := range t.m.servers {
		if s.OwnerID == t.principal.ID && s.Status.Live() {
			n++
		}
	}
	return n, nil
}

func (t *memoryPrincipalTx) PortInUse(_ context.Context, port int) (bool, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.m.portHeldLocked(port), nil
}

func (m *Memory) portHeldLocked(port int) bool {
	for _, s := range m.servers {
		if s.Port == port && s.Status.Live() {
			return true
		}
	}
	return false
}

func (t *memoryPrincipalTx) InsertServer(_ context.Context, srv *model.Server) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.m.portHeldLocked(srv.Port) {
		return ErrPortTaken
	}
	if _, exists := t.m.servers[srv.ID]; exists {
		return ErrConflict
	}
	row := cloneServer(srv)
	row.OwnerID = t.principal.ID
	row.UpdatedAt = row.CreatedAt
	t.m.servers[row.ID] = row
	t.inserted = append(t.inserted, row.ID)
	return nil
}

func (t *memoryPrincipalTx) AttachServer(_ context.Context, serverID string) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p := t.m.principals[t.principal.ID]
	p.ServerIDs = append(p.ServerIDs, serverID)
	t.principal.ServerIDs = append(t.principal.ServerIDs, serverID)
	t.attached = append(t.attached, serverID)
	return nil
}

func (t *memoryPrincipalTx) ClaimFreeTrial(_ context.Context) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	p := t.m.principals[t.principal.ID]
	if !p.HasUsedFreeTrial {
		p.HasUsedFreeTrial = true
		t.claimed = true
	}
	t.principal.HasUsedFreeTrial = true
	return nil
}

func (m *Memory) GetServer(_ context.Context, ownerID, serverID string) (*model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok || s.OwnerID != ownerID || !s.Status.Live() {
		return nil, ErrNotFound
	}
	return cloneServer(s), nil
}

func (m *Memory) ListServers(_ context.Context, ownerID string) ([]model.Server, error) {
	return m.filterServers(func(s *model.Server) bool {
		return s.OwnerID == ownerID && s.Status.Live()
	}, 0, func(a, b model.Server) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (m *Memory) ListStaleServers(_ context.Context, status model.ServerStatus, before time.Time, limit int) ([]model.Server, error) {
	return m.filterServers(func(s *model.Server) bool {
		return s.Status == status && s.UpdatedAt.Before(before)
	}, limit, func(a, b model.Server) bool {
		return a.UpdatedAt.Before(b.UpdatedAt)
	})
}

func (m *Memory) filterServers(keep func(*model.Server) bool, limit int, less func(a, b model.Server) bool) ([]model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Server, 0)
	for _, s := range m.servers {
		if keep(s) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) UpdateServer(_ context.Context, ownerID, serverID string, fn func(*model.Server) error) (*model.Server, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	curr, ok := m.servers[serverID]
	if !ok || curr.OwnerID != ownerID || !curr.Status.Live() {
		return nil, ErrNotFound
	}
	next := cloneServer(curr)
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return cloneServer(curr), nil
		}
		return nil, err
	}
	curr.Status = next.Status
	curr.IPAddress = next.IPAddress
	curr.Config = next.Config
	curr.LastStarted = next.LastStarted
	curr.LastStopped = next.LastStopped
	curr.UpdatedAt = next.UpdatedAt
	return cloneServer(curr), nil
}

func (m *Memory) DeleteServer(_ context.Context, ownerID, serverID string, at time.Time) (model.ServerStatus, error) {
	l := m.principalLock(ownerID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[serverID]
	if !ok || s.OwnerID != ownerID || !s.Status.Live() {
		return "", ErrNotFound
	}
	prev := s.Status
	s.Status = model.ServerDeleted
	s.UpdatedAt = at
	if p, ok := m.principals[ownerID]; ok {
		p.ServerIDs = slices.DeleteFunc(p.ServerIDs, func(id string) bool { return id == serverID })
	}
	return prev, nil
}

func (m *Memory) SetSubscription(_ context.Context, principalID string, status model.SubscriptionStatus, currentPlanID *string) (*model.Principal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		p = &model.Principal{ID: principalID, ServerIDs: []string{}}
		m.principals[principalID] = p
	}
	p.SubscriptionStatus = status
	p.CurrentPlanID = nil
	if currentPlanID != nil {
		id := *currentPlanID
		p.CurrentPlanID = &id
	}
	return clonePrincipal(p), nil
}

func (m *Memory) SuspendPrincipal(_ context.Context, principalID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return 0, ErrNotFound
	}
	p.SubscriptionStatus = model.SubscriptionSuspended
	return m.moveServersLocked(principalID, model.ServerRunning, model.ServerSuspended, at), nil
}

func (m *Memory) UnsuspendPrincipal(_ context.Context, principalID string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.principals[principalID]
	if !ok {
		return 0, ErrNotFound
	}
	if p.CurrentPlanID != nil {
		p.SubscriptionStatus = model.SubscriptionActive
	} else {
		p.SubscriptionStatus = model.SubscriptionInactive
	}
	return m.moveServersLocked(principalID, model.ServerSuspended, model.ServerStopped, at), nil
}

func (m *Memory) moveServersLocked(ownerID string, from, to model.ServerStatus, at time.Time) int {
	n := 0
	for _, s := range m.servers {
		if s.OwnerID == ownerID && s.Status == from {
			s.Status = to
			s.UpdatedAt = at
			n++
		}
	}
	return n
}
