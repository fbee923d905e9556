package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"

	"github.com/craftnest/control-plane/internal/model"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock
}

func principalRow(id string, usedTrial bool, status model.SubscriptionStatus, currentPlanID *string, serverIDs []string) *pgxmock.Rows {
	cols := []string{"id", "has_used_free_trial", "subscription_status", "current_plan_id", "server_ids"}
	return pgxmock.NewRows(cols).AddRow(id, usedTrial, string(status), currentPlanID, serverIDs)
}

func serverRow(id, ownerID string, status model.ServerStatus, port int) *pgxmock.Rows {
	cols := []string{
		"id", "owner_id", "plan_id", "name", "description", "minecraft_version", "server_type", "port", "ip_address",
		"status", "config", "expires_at", "created_at", "updated_at", "last_started_at", "last_stopped_at",
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return pgxmock.NewRows(cols).AddRow(
		id, ownerID, "basic", "survival", "", "1.20.1", "paper", port, "",
		string(status), []byte(`{"max_players":20,"difficulty":"normal","game_mode":"survival","pvp":true,"whitelist":false,"motd":"A Minecraft Server"}`),
		(*time.Time)(nil), created, created, (*time.Time)(nil), (*time.Time)(nil),
	)
}

func anyArgs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = pgxmock.AnyArg()
	}
	return out
}

func expectPrincipalLock(mock pgxmock.PgxPoolIface, id string) {
	mock.ExpectExec(regexp.QuoteMeta("insert into principals (id, subscription_status, created_at, updated_at)")).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectQuery(regexp.QuoteMeta("from principals where id = $1 for update")).
		WithArgs(id).
		WillReturnRows(principalRow(id, false, model.SubscriptionInactive, nil, []string{}))
}

func TestWithPrincipalLock_CreatesFreeServer(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	expectPrincipalLock(mock, "usr_1")
	mock.ExpectQuery(regexp.QuoteMeta("select count(*) from servers where owner_id = $1 and status <> 'deleted'")).
		WithArgs("usr_1").
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(regexp.QuoteMeta("insert into servers")).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(regexp.QuoteMeta("set server_ids = array_append(server_ids, $2)")).
		WithArgs("usr_1", "srv_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("update principals set has_used_free_trial = true")).
		WithArgs("usr_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s := New(mock)
	err := s.WithPrincipalLock(context.Background(), "usr_1", func(ctx context.Context, tx PrincipalTx) error {
		n, err := tx.CountLiveServers(ctx)
		if err != nil {
			return err
		}
		if n != 0 {
			t.Fatalf("expected 0 live servers, got %d", n)
		}
		srv := &model.Server{ID: "srv_1", PlanID: "free", Name: "a", Port: 25565, Status: model.ServerCreating, Config: model.DefaultServerConfig()}
		if err := tx.InsertServer(ctx, srv); err != nil {
			return err
		}
		if err := tx.AttachServer(ctx, srv.ID); err != nil {
			return err
		}
		if err := tx.ClaimFreeTrial(ctx); err != nil {
			return err
		}
		p := tx.Principal()
		if !p.HasUsedFreeTrial || len(p.ServerIDs) != 1 {
			t.Fatalf("principal view not updated: %+v", p)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithPrincipalLock returned err: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithPrincipalLock_PortConflictRollsBack(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	expectPrincipalLock(mock, "usr_1")
	mock.ExpectExec(regexp.QuoteMeta("on conflict (port) where status <> 'deleted' do nothing")).
		WithArgs(anyArgs(13)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	s := New(mock)
	err := s.WithPrincipalLock(context.Background(), "usr_1", func(ctx context.Context, tx PrincipalTx) error {
		return tx.InsertServer(ctx, &model.Server{ID: "srv_1", PlanID: "basic", Port: 25570, Status: model.ServerCreating})
	})
	if !errors.Is(err, ErrPortTaken) {
		t.Fatalf("expected ErrPortTaken, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateServer_NoChangeSkipsWrite(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("and status <> 'deleted' for update")).
		WithArgs("usr_1", "srv_1").
		WillReturnRows(serverRow("srv_1", "usr_1", model.ServerStopped, 25600))
	mock.ExpectCommit()

	s := New(mock)
	out, err := s.UpdateServer(context.Background(), "usr_1", "srv_1", func(*model.Server) error { return ErrNoChange })
	if err != nil {
		t.Fatalf("UpdateServer returned err: %v", err)
	}
	if out.Status != model.ServerStopped || out.Config.MaxPlayers != 20 {
		t.Fatalf("unexpected server: %+v", out)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateServer_PersistsMutation(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("and status <> 'deleted' for update")).
		WithArgs("usr_1", "srv_1").
		WillReturnRows(serverRow("srv_1", "usr_1", model.ServerStopped, 25600))
	mock.ExpectExec(regexp.QuoteMeta("update servers")).
		WithArgs("usr_1", "srv_1", "running", "", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	now := time.Now().UTC()
	s := New(mock)
	out, err := s.UpdateServer(context.Background(), "usr_1", "srv_1", func(srv *model.Server) error {
		srv.Status = model.ServerRunning
		srv.LastStarted = &now
		srv.UpdatedAt = now
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateServer returned err: %v", err)
	}
	if out.Status != model.ServerRunning {
		t.Fatalf("expected running status, got %s", out.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateServer_MissingRow(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("and status <> 'deleted' for update")).
		WithArgs("usr_1", "srv_gone").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	s := New(mock)
	_, err := s.UpdateServer(context.Background(), "usr_1", "srv_gone", func(*model.Server) error {
		t.Fatalf("mutator must not run for a missing server")
		return nil
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteServer_SoftDeletesAndDetaches(t *testing.T) {
	mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("from principals where id = $1 for update")).
		WithArgs("usr_1").
		WillReturnRows(principalRow("usr_1", true, model.SubscriptionActive, nil, []string{"srv_1"}))
	mock.ExpectQuery(regexp.QuoteMeta("select status from servers where owner_id = $1 and id = $2 and status <> 'deleted' for update")).
		WithArgs("usr_1", "srv_1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("creating"))
	mock.ExpectExec(regexp.QuoteMeta("update servers set status = 'deleted'")).
		WithArgs("usr_1", "srv_1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("set server_ids = array_remove(server_ids, $2)")).
		WithArgs("usr_1", "srv_1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	s := New(mock)
	prev, err := s.DeleteServer(context.Background(), "usr_1", "srv_1", at)
	if err != nil {
		t.Fatalf("DeleteServer returned err: %v", err)
	}
	if prev != model.ServerCreating {
		t.Fatalf("expected previous status creating, got %s", prev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSuspendPrincipal_UnknownPrincipal(t *testing.T) {
	mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("update principals set subscription_status = 'suspended'")).
		WithArgs("usr_404", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	s := New(mock)
	if _, err := s.SuspendPrincipal(context.Background(), "usr_404", at); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUnsuspendPrincipal_StopsFrozenServers(t *testing.T) {
	mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("set subscription_status = case when current_plan_id is not null then 'active' else 'inactive' end")).
		WithArgs("usr_1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta("update servers set status = 'stopped'")).
		WithArgs("usr_1", at).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	s := New(mock)
	n, err := s.UnsuspendPrincipal(context.Background(), "usr_1", at)
	if err != nil {
		t.Fatalf("UnsuspendPrincipal returned err: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 servers restored, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListPlans_DecodesFeatures(t *testing.T) {
	mock := newMock(t)

	cols := []string{"id", "name", "display_name", "description", "price", "currency", "billing_cycle", "features", "is_free", "is_active", "max_servers", "updated_at"}
	mock.ExpectQuery(regexp.QuoteMeta("from plans where ($1::boolean = false or is_active)")).
		WithArgs(true).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow("free", "free", "Free Plan", "", int64(0), "INR", "one-time", []byte(`{"player_slots":5,"ram_gb":1}`), true, true, 1, time.Now().UTC()).
			AddRow("basic", "basic", "Basic", "", int64(250), "INR", "monthly", []byte(`{"player_slots":20,"ddos_protection":true}`), false, true, 2, time.Now().UTC()))

	s := New(mock)
	plans, err := s.ListPlans(context.Background(), true)
	if err != nil {
		t.Fatalf("ListPlans returned err: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	if plans[0].PlayerSlotLimit() != 5 || !plans[0].IsFree {
		t.Fatalf("unexpected free plan: %+v", plans[0])
	}
	if !plans[1].Features.DDoSProtection || plans[1].MaxServers != 2 {
		t.Fatalf("unexpected basic plan: %+v", plans[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpsertPlans_DuplicateKeyIsConflict(t *testing.T) {
	mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("insert into plans")).
		WithArgs(anyArgs(11)...).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	s := New(mock)
	err := s.UpsertPlans(context.Background(), []model.Plan{{ID: "free2", Name: "free2", IsFree: true, BillingCycle: model.BillingOneTime}})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
