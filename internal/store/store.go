package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/craftnest/control-plane/internal/model"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrPortTaken = errors.New("port already held by a live server")
	ErrConflict  = errors.New("conflicts with an existing row")
	// ErrNoChange lets an UpdateServer mutator skip the write without failing.
	ErrNoChange = errors.New("no change")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PrincipalTx is the unit of work handed to WithPrincipalLock. Everything done through it
// commits or rolls back together, and no other unit of work for the same principal runs
// concurrently.
type PrincipalTx interface {
	Principal() model.Principal
	GetPlan(ctx context.Context, planID string) (*model.Plan, error)
	CountLiveServers(ctx context.Context) (int, error)
	PortInUse(ctx context.Context, port int) (bool, error)
	InsertServer(ctx context.Context, srv *model.Server) error
	AttachServer(ctx context.Context, serverID string) error
	ClaimFreeTrial(ctx context.Context) error
}

func New(db DB) *Store {
	return &Store{db: db}
}

// IsDuplicateKeyError reports a unique constraint violation (SQLSTATE 23505).
func IsDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

const planColumns = `id, name, display_name, description, price, currency, billing_cycle, features, is_free, is_active, max_servers, updated_at`

const principalColumns = `id, has_used_free_trial, subscription_status, current_plan_id, server_ids`

const serverColumns = `id, owner_id, plan_id, name, description, minecraft_version, server_type, port, coalesce(ip_address, ''),
       status, config, expires_at, created_at, updated_at, last_started_at, last_stopped_at`

func scanPlan(row pgx.Row) (*model.Plan, error) {
	var out model.Plan
	var features []byte
	if err := row.Scan(
		&out.ID, &out.Name, &out.DisplayName, &out.Description, &out.Price, &out.Currency, &out.BillingCycle,
		&features, &out.IsFree, &out.IsActive, &out.MaxServers, &out.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(features, &out.Features); err != nil {
		return nil, fmt.Errorf("decode plan %s features: %w", out.ID, err)
	}
	return &out, nil
}

func scanPrincipal(row pgx.Row) (*model.Principal, error) {
	var out model.Principal
	if err := row.Scan(&out.ID, &out.HasUsedFreeTrial, &out.SubscriptionStatus, &out.CurrentPlanID, &out.ServerIDs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if out.ServerIDs == nil {
		out.ServerIDs = []string{}
	}
	return &out, nil
}

func scanServer(row pgx.Row) (*model.Server, error) {
	var out model.Server
	var cfg []byte
	if err := row.Scan(
		&out.ID, &out.OwnerID, &out.PlanID, &out.Name, &out.Description, &out.MinecraftVersion, &out.ServerType, &out.Port, &out.IPAddress,
		&out.Status, &cfg, &out.ExpiresAt, &out.CreatedAt, &out.UpdatedAt, &out.LastStarted, &out.LastStopped,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(cfg, &out.Config); err != nil {
		return nil, fmt.Errorf("decode server %s config: %w", out.ID, err)
	}
	return &out, nil
}

func (s *Store) UpsertPlans(ctx context.Context, plans []model.Plan) error {
	if len(plans) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	const q = `
insert into plans (id, name, display_name, description, price, currency, billing_cycle, features, is_free, is_active, max_servers, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now())
on conflict (id)
do update set
  name = excluded.name,
  display_name = excluded.display_name,
  description = excluded.description,
  price = excluded.price,
  currency = excluded.currency,
  billing_cycle = excluded.billing_cycle,
  features = excluded.features,
  is_free = excluded.is_free,
  is_active = excluded.is_active,
  max_servers = excluded.max_servers,
  updated_at = now()`
	for _, p := range plans {
		features, err := json.Marshal(p.Features)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, q,
			p.ID, p.Name, p.DisplayName, p.Description, p.Price, p.Currency, string(p.BillingCycle), features, p.IsFree, p.IsActive, p.MaxServers,
		); err != nil {
			if IsDuplicateKeyError(err) {
				return fmt.Errorf("upsert plan %s: %w", p.ID, ErrConflict)
			}
			return fmt.Errorf("upsert plan %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListPlans(ctx context.Context, activeOnly bool) ([]model.Plan, error) {
	q := `select ` + planColumns + ` from plans where ($1::boolean = false or is_active) order by price asc, id asc`
	rows, err := s.db.Query(ctx, q, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Plan, 0)
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return scanPlan(s.db.QueryRow(ctx, `select `+planColumns+` from plans where id = $1`, planID))
}

func (s *Store) GetPrincipal(ctx context.Context, principalID string) (*model.Principal, error) {
	return scanPrincipal(s.db.QueryRow(ctx, `select `+principalColumns+` from principals where id = $1`, principalID))
}

// WithPrincipalLock runs fn inside one transaction holding the principal's row lock. The
// principal row is created on first use.
func (s *Store) WithPrincipalLock(ctx context.Context, principalID string, fn func(context.Context, PrincipalTx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	p, err := lockPrincipalTx(ctx, tx, principalID, true)
	if err != nil {
		return err
	}
	if err := fn(ctx, &pgPrincipalTx{tx: tx, principal: *p}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockPrincipalTx(ctx context.Context, tx pgx.Tx, principalID string, create bool) (*model.Principal, error) {
	if create {
		const ensure = `
insert into principals (id, subscription_status, created_at, updated_at)
values ($1, 'inactive', now(), now())
on conflict (id) do nothing`
		if _, err := tx.Exec(ctx, ensure, principalID); err != nil {
			return nil, err
		}
	}
	return scanPrincipal(tx.QueryRow(ctx, `select `+principalColumns+` from principals where id = $1 for update`, principalID))
}

type pgPrincipalTx struct {
	tx        pgx.Tx
	principal model.Principal
}

func (t *pgPrincipalTx) Principal() model.Principal {
	return t.principal
}

func (t *pgPrincipalTx) GetPlan(ctx context.Context, planID string) (*model.Plan, error) {
	return scanPlan(t.tx.QueryRow(ctx, `select `+planColumns+` from plans where id = $1`, planID))
}

func (t *pgPrincipalTx) CountLiveServers(ctx context.Context) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx, `select count(*) from servers where owner_id = $1 and status <> 'deleted'`, t.principal.ID).Scan(&n)
	return n, err
}

func (t *pgPrincipalTx) PortInUse(ctx context.Context, port int) (bool, error) {
	var inUse bool
	err := t.tx.QueryRow(ctx, `select exists (select 1 from servers where port = $1 and status <> 'deleted')`, port).Scan(&inUse)
	return inUse, err
}

// InsertServer relies on servers_live_port_uidx: a concurrent holder of the port turns the
// insert into a no-op, reported as ErrPortTaken.
func (t *pgPrincipalTx) InsertServer(ctx context.Context, srv *model.Server) error {
	cfg, err := json.Marshal(srv.Config)
	if err != nil {
		return err
	}
	const q = `
insert into servers
  (id, owner_id, plan_id, name, description, minecraft_version, server_type, port, ip_address, status, config, expires_at, created_at, updated_at)
values
  ($1, $2, $3, $4, $5, $6, $7, $8, nullif($9, ''), $10, $11, $12, $13, $13)
on conflict (port) where status <> 'deleted' do nothing`
	tag, err := t.tx.Exec(ctx, q,
		srv.ID, t.principal.ID, srv.PlanID, srv.Name, srv.Description, srv.MinecraftVersion, string(srv.ServerType), srv.Port,
		srv.IPAddress, string(srv.Status), cfg, srv.ExpiresAt, srv.CreatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPortTaken
	}
	return nil
}

func (t *pgPrincipalTx) AttachServer(ctx context.Context, serverID string) error {
	const q = `
update principals
set server_ids = array_append(server_ids, $2), updated_at = now()
where id = $1`
	if _, err := t.tx.Exec(ctx, q, t.principal.ID, serverID); err != nil {
		return err
	}
	t.principal.ServerIDs = append(t.principal.ServerIDs, serverID)
	return nil
}

func (t *pgPrincipalTx) ClaimFreeTrial(ctx context.Context) error {
	if _, err := t.tx.Exec(ctx, `update principals set has_used_free_trial = true, updated_at = now() where id = $1`, t.principal.ID); err != nil {
		return err
	}
	t.principal.HasUsedFreeTrial = true
	return nil
}

func (s *Store) GetServer(ctx context.Context, ownerID, serverID string) (*model.Server, error) {
	q := `select ` + serverColumns + ` from servers where owner_id = $1 and id = $2 and status <> 'deleted'`
	return scanServer(s.db.QueryRow(ctx, q, ownerID, serverID))
}

func (s *Store) ListServers(ctx context.Context, ownerID string) ([]model.Server, error) {
	q := `select ` + serverColumns + ` from servers where owner_id = $1 and status <> 'deleted' order by created_at asc, id asc`
	return s.queryServers(ctx, q, ownerID)
}

// ListStaleServers returns live servers sitting in status since before the cutoff.
func (s *Store) ListStaleServers(ctx context.Context, status model.ServerStatus, before time.Time, limit int) ([]model.Server, error) {
	q := `select ` + serverColumns + ` from servers where status = $1 and updated_at < $2 order by updated_at asc limit $3`
	return s.queryServers(ctx, q, string(status), before, limit)
}

func (s *Store) queryServers(ctx context.Context, q string, args ...any) ([]model.Server, error) {
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Server, 0)
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *srv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateServer locks a live server row, lets fn mutate a copy, and persists the mutable
// columns. When fn returns ErrNoChange the stored row is returned untouched.
func (s *Store) UpdateServer(ctx context.Context, ownerID, serverID string, fn func(*model.Server) error) (*model.Server, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	curr, err := scanServer(tx.QueryRow(ctx,
		`select `+serverColumns+` from servers where owner_id = $1 and id = $2 and status <> 'deleted' for update`,
		ownerID, serverID,
	))
	if err != nil {
		return nil, err
	}

	next := *curr
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrNoChange) {
			if err := tx.Commit(ctx); err != nil {
				return nil, err
			}
			return curr, nil
		}
		return nil, err
	}

	cfg, err := json.Marshal(next.Config)
	if err != nil {
		return nil, err
	}
	const q = `
update servers
set status = $3,
    ip_address = nullif($4, ''),
    config = $5,
    last_started_at = $6,
    last_stopped_at = $7,
    updated_at = $8
where owner_id = $1 and id = $2 and status <> 'deleted'`
	tag, err := tx.Exec(ctx, q, ownerID, serverID, string(next.Status), next.IPAddress, cfg, next.LastStarted, next.LastStopped, next.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &next, nil
}

// DeleteServer soft-deletes a live server and detaches it from its owner in one
// transaction. The principal lock is taken first, matching the create path.
func (s *Store) DeleteServer(ctx context.Context, ownerID, serverID string, at time.Time) (model.ServerStatus, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)

	if _, err := lockPrincipalTx(ctx, tx, ownerID, false); err != nil {
		return "", err
	}

	var prev model.ServerStatus
	err = tx.QueryRow(ctx,
		`select status from servers where owner_id = $1 and id = $2 and status <> 'deleted' for update`,
		ownerID, serverID,
	).Scan(&prev)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}

	if _, err := tx.Exec(ctx, `update servers set status = 'deleted', updated_at = $3 where owner_id = $1 and id = $2`, ownerID, serverID, at); err != nil {
		return "", err
	}
	const detach = `
update principals
set server_ids = array_remove(server_ids, $2), updated_at = now()
where id = $1`
	if _, err := tx.Exec(ctx, detach, ownerID, serverID); err != nil {
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return prev, nil
}

// SetSubscription records the principal's billing standing, creating the row if needed.
func (s *Store) SetSubscription(ctx context.Context, principalID string, status model.SubscriptionStatus, currentPlanID *string) (*model.Principal, error) {
	const q = `
insert into principals (id, subscription_status, current_plan_id, created_at, updated_at)
values ($1, $2, $3, now(), now())
on conflict (id)
do update set
  subscription_status = excluded.subscription_status,
  current_plan_id = excluded.current_plan_id,
  updated_at = now()
returning ` + principalColumns
	return scanPrincipal(s.db.QueryRow(ctx, q, principalID, string(status), currentPlanID))
}

// SuspendPrincipal marks the principal suspended and suspends its running servers. It
// returns the number of servers affected.
func (s *Store) SuspendPrincipal(ctx context.Context, principalID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `update principals set subscription_status = 'suspended', updated_at = $2 where id = $1`, principalID, at)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	tag, err = tx.Exec(ctx, `update servers set status = 'suspended', updated_at = $2 where owner_id = $1 and status = 'running'`, principalID, at)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// UnsuspendPrincipal restores active standing when a current plan is held, inactive
// otherwise, and stops the servers the suspension froze.
func (s *Store) UnsuspendPrincipal(ctx context.Context, principalID string, at time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const restore = `
update principals
set subscription_status = case when current_plan_id is not null then 'active' else 'inactive' end,
    updated_at = $2
where id = $1`
	tag, err := tx.Exec(ctx, restore, principalID, at)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrNotFound
	}
	tag, err = tx.Exec(ctx, `update servers set status = 'stopped', updated_at = $2 where owner_id = $1 and status = 'suspended'`, principalID, at)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
