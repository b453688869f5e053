package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"authplane.org/internal/audit"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

// Store implements the RBAC, policy, request and audit stores over one
// Postgres pool.
type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. Used by tests.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// insertEvent writes one audit event inside the caller's transaction so the
// event commits or rolls back with the mutation it describes.
func insertEvent(ctx context.Context, tx execer, evt *audit.Event) error {
	if evt == nil {
		return nil
	}
	details := []byte("{}")
	if len(evt.Details) > 0 {
		raw, err := json.Marshal(evt.Details)
		if err != nil {
			return fmt.Errorf("marshal event details: %w", err)
		}
		details = raw
	}
	_, err := tx.ExecContext(ctx, `
		insert into audit_logs (id, organization_id, actor_id, actor_email, action, resource_type, resource_id, details, ip_address, user_agent, created_at)
		values ($1, $2, nullif($3,''), nullif($4,''), $5, $6, nullif($7,''), $8, nullif($9,''), nullif($10,''), $11)
	`, evt.ID, evt.OrganizationID, evt.ActorID, evt.ActorEmail, evt.Action, evt.ResourceType, evt.ResourceID, details, evt.IPAddress, evt.UserAgent, evt.CreatedAt)
	return err
}

func insertEvents(ctx context.Context, tx execer, evts []*audit.Event) error {
	for _, evt := range evts {
		if err := insertEvent(ctx, tx, evt); err != nil {
			return err
		}
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
