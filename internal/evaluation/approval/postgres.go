package approval

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"evalbus/internal/evaluation/models"
)

// Schema creates the approval table used by PostgresApprover.
const Schema = `
	CREATE TABLE IF NOT EXISTS approved_subscribers (
		format        TEXT NOT NULL,
		subscriber_id TEXT NOT NULL,
		granted_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (format, subscriber_id)
	)
`

// PostgresApprover reads the allow-list from the approved_subscribers table.
type PostgresApprover struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresApprover {
	return &PostgresApprover{db: db}
}

// EnsureSchema creates the approval table when missing.
func (a *PostgresApprover) EnsureSchema(ctx context.Context) error {
	if _, err := a.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create approval schema: %w", err)
	}
	return nil
}

func (a *PostgresApprover) Approve(ctx context.Context, format models.Format, subscriberID string) (bool, error) {
	if subscriberID == "" {
		return false, nil
	}
	var ok bool
	err := a.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM approved_subscribers WHERE format = $1 AND subscriber_id = $2)`,
		string(format), subscriberID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check approval: %w", err)
	}
	return ok, nil
}

// Grant approves subscriberIDs for format in one round trip.
func (a *PostgresApprover) Grant(ctx context.Context, format models.Format, subscriberIDs ...string) error {
	if len(subscriberIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO approved_subscribers (format, subscriber_id)
		SELECT $1, unnest($2::text[])
		ON CONFLICT (format, subscriber_id) DO NOTHING
	`
	if _, err := a.db.ExecContext(ctx, query, string(format), pq.Array(subscriberIDs)); err != nil {
		return fmt.Errorf("grant approval: %w", err)
	}
	return nil
}

// Revoke withdraws approval of subscriberID for format.
func (a *PostgresApprover) Revoke(ctx context.Context, format models.Format, subscriberID string) error {
	_, err := a.db.ExecContext(ctx,
		`DELETE FROM approved_subscribers WHERE format = $1 AND subscriber_id = $2`,
		string(format), subscriberID)
	if err != nil {
		return fmt.Errorf("revoke approval: %w", err)
	}
	return nil
}
