package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"authplane.org/internal/audit"
	"authplane.org/internal/authz"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func requestColumns() []string {
	return []string{"id", "organization_id", "requester_id", "requested_role_id", "requested_permission",
		"resource_id", "justification", "duration_hours", "status", "deadline", "resolved_at", "expires_at",
		"created_at", "updated_at"}
}

func TestResolveApprovesWithGrantAtomically(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	expires := now.Add(8 * time.Hour)

	res := authz.Resolution{
		OrganizationID: "org1",
		RequestID:      "req1",
		NewStatus:      authz.StatusApproved,
		Action: authz.ApprovalAction{
			ID: "act1", RequestID: "req1", ApproverID: "u-admin", Action: "approve", CreatedAt: now,
		},
		ResolvedAt: now,
		ExpiresAt:  &expires,
		Grant: &authz.UserRole{
			UserID: "u1", RoleID: "r1", OrganizationID: "org1",
			AssignedBy: "u-admin", AssignedAt: now, ExpiresAt: &expires,
		},
		Events: []*audit.Event{
			{ID: "e1", OrganizationID: "org1", Action: audit.ActionApproveRequest, ResourceType: "access_request", ResourceID: "req1", CreatedAt: now},
			{ID: "e2", OrganizationID: "org1", Action: audit.ActionAssignRole, ResourceType: "user_role", ResourceID: "u1", CreatedAt: now},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec("update access_requests").
		WithArgs("approved", now, &expires, "org1", "req1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into approval_actions").
		WithArgs("act1", "req1", "u-admin", "approve", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into user_roles").
		WithArgs("u1", "r1", "org1", sqlmock.AnyArg(), now, &expires).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_logs").
		WithArgs("e1", "org1", "", "", "approve_request", "access_request", "req1", sqlmock.AnyArg(), "", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into audit_logs").
		WithArgs("e2", "org1", "", "", "assign_role", "user_role", "u1", sqlmock.AnyArg(), "", "", now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery("select id, organization_id, requester_id").
		WithArgs("org1", "req1").
		WillReturnRows(sqlmock.NewRows(requestColumns()).
			AddRow("req1", "org1", "u1", "r1", "", "", "prod incident", 8, "approved", now.Add(72*time.Hour), now, expires, now.Add(-time.Hour), now))
	mock.ExpectQuery("select id, request_id, approver_id").
		WithArgs("req1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "request_id", "approver_id", "action", "comment", "created_at"}).
			AddRow("act1", "req1", "u-admin", "approve", "", now))

	req, err := store.Resolve(context.Background(), res)
	if err != nil {
		t.Fatal(err)
	}
	if req.Status != authz.StatusApproved {
		t.Fatalf("status = %s", req.Status)
	}
	if len(req.Actions) != 1 || req.Actions[0].Action != "approve" {
		t.Fatalf("actions = %+v", req.Actions)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveRaceReturnsAlreadyResolved(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update access_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from access_requests").
		WithArgs("org1", "req1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("denied"))
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), authz.Resolution{
		OrganizationID: "org1",
		RequestID:      "req1",
		NewStatus:      authz.StatusApproved,
		Action:         authz.ApprovalAction{ID: "act1", RequestID: "req1", ApproverID: "u-admin", Action: "approve", CreatedAt: now},
		ResolvedAt:     now,
	})
	if !errors.Is(err, authz.ErrAlreadyResolved) {
		t.Fatalf("got %v, want ErrAlreadyResolved", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestResolveMissingRequest(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update access_requests").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from access_requests").
		WithArgs("org1", "req-missing").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectRollback()

	_, err := store.Resolve(context.Background(), authz.Resolution{
		OrganizationID: "org1",
		RequestID:      "req-missing",
		NewStatus:      authz.StatusDenied,
		Action:         authz.ApprovalAction{ID: "act1", RequestID: "req-missing", ApproverID: "u-admin", Action: "deny", CreatedAt: now},
		ResolvedAt:     now,
	})
	if !errors.Is(err, authz.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestExpireDueSweepsEachRequest(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select id, organization_id from access_requests").
		WithArgs("pending", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id"}).
			AddRow("req1", "org1").
			AddRow("req2", "org1"))
	for _, id := range []string{"req1", "req2"} {
		mock.ExpectExec("update access_requests set status").
			WithArgs("expired", now, id).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("insert into approval_actions").
			WithArgs(sqlmock.AnyArg(), id, authz.SystemActor, "expire", now).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("insert into audit_logs").
			WithArgs(sqlmock.AnyArg(), "org1", "", "", "expire_request", "access_request", id, sqlmock.AnyArg(), "", "", now).
			WillReturnResult(sqlmock.NewResult(1, 1))
	}
	mock.ExpectCommit()

	n, err := store.ExpireDue(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("swept %d, want 2", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestExpireDueNothingPending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id, organization_id from access_requests").
		WithArgs("pending", now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "organization_id"}))
	mock.ExpectRollback()

	n, err := store.ExpireDue(context.Background(), now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("swept %d, want 0", n)
	}
}
