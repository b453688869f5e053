package pg

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"authplane.org/internal/audit"
)

func auditColumns() []string {
	return []string{"id", "organization_id", "actor_id", "actor_email", "action", "resource_type",
		"resource_id", "details", "ip_address", "user_agent", "created_at"}
}

func TestAppendWritesEvent(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectExec("insert into audit_logs").
		WithArgs("e1", "org1", "u1", "u@acme.test", "authorize", "authorization", "doc:1",
			[]byte(`{"allowed":true}`), "10.0.0.9", "curl/8.5", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.Append(context.Background(), &audit.Event{
		ID: "e1", OrganizationID: "org1", ActorID: "u1", ActorEmail: "u@acme.test",
		Action: "authorize", ResourceType: "authorization", ResourceID: "doc:1",
		Details:   map[string]any{"allowed": true},
		IPAddress: "10.0.0.9", UserAgent: "curl/8.5", CreatedAt: now,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestQueryAppliesFiltersAndPaging(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`select count\(\*\) from audit_logs`).
		WithArgs("org1", "assign_role", "u-admin").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("from audit_logs").
		WithArgs("org1", "assign_role", "u-admin", 5, 10).
		WillReturnRows(sqlmock.NewRows(auditColumns()).
			AddRow("e1", "org1", "u-admin", "", "assign_role", "user_role", "u1", []byte(`{"role_id":"r1"}`), "", "", now))

	events, total, err := store.Query(context.Background(), audit.Filter{
		OrganizationID: "org1", Action: "assign_role", ActorID: "u-admin",
	}, audit.Page{Limit: 5, Offset: 10})
	if err != nil {
		t.Fatal(err)
	}
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Details["role_id"] != "r1" {
		t.Fatalf("details = %+v", events[0].Details)
	}
}

func TestQueryDecodesEmptyDetails(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`select count\(\*\) from audit_logs`).
		WithArgs("org1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("from audit_logs").
		WithArgs("org1", 50, 0).
		WillReturnRows(sqlmock.NewRows(auditColumns()).
			AddRow("e1", "org1", "", "", "expire_request", "access_request", "req1", []byte(`{}`), "", "", now))

	events, _, err := store.Query(context.Background(), audit.Filter{OrganizationID: "org1"}, audit.Page{Limit: 50})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].ActorID != "" {
		t.Fatalf("actor = %q, want empty for system events", events[0].ActorID)
	}
}
