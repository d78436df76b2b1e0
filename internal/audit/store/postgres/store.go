package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"nfaudit/internal/audit"
	"nfaudit/internal/audit/store"
	"nfaudit/pkg/platform/sentinel"
)

var _ store.Store = (*Store)(nil)

// uniqueViolation is the Postgres SQLSTATE for duplicate keys.
const uniqueViolation = "23505"

// Schema creates the decision table. Applied by EnsureSchema at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_decisions (
	id          UUID PRIMARY KEY,
	invoice_key TEXT NOT NULL,
	verdict     TEXT NOT NULL,
	stage       TEXT NOT NULL,
	payload     JSONB NOT NULL,
	decided_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_decisions_invoice_key_idx ON audit_decisions (invoice_key);
`

// Store implements store.Store on PostgreSQL. The full result is kept as
// JSONB; the indexed columns exist for operational queries.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL decision store.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create audit_decisions: %w", err)
	}
	return nil
}

// Save inserts res. Saving an existing ID returns sentinel.ErrConflict.
func (s *Store) Save(ctx context.Context, res audit.Result) error {
	id := res.AuditID()
	if id == uuid.Nil {
		return errors.New("save audit result: missing audit id")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal audit result: %w", err)
	}

	decidedAt := decidedAt(res)
	query := `
		INSERT INTO audit_decisions (id, invoice_key, verdict, stage, payload, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.db.ExecContext(ctx, query,
		id,
		res.InvoiceKey(),
		string(res.Verdict),
		string(res.StageReached()),
		payload,
		decidedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
			return fmt.Errorf("audit %s: %w", id, sentinel.ErrConflict)
		}
		return fmt.Errorf("insert audit decision: %w", err)
	}
	return nil
}

// FindByID loads a result by audit ID.
func (s *Store) FindByID(ctx context.Context, id uuid.UUID) (*audit.Result, error) {
	query := `SELECT payload FROM audit_decisions WHERE id = $1`

	var payload []byte
	if err := s.db.QueryRowContext(ctx, query, id).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit %s: %w", id, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("query audit decision: %w", err)
	}

	var res audit.Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode audit decision %s: %w", id, err)
	}
	return &res, nil
}

// FindByInvoiceKey lists the audits of one invoice, oldest first. Served by
// audit_decisions_invoice_key_idx.
func (s *Store) FindByInvoiceKey(ctx context.Context, key string) ([]audit.Result, error) {
	query := `SELECT payload FROM audit_decisions WHERE invoice_key = $1 ORDER BY decided_at, id`

	rows, err := s.db.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("query audits for invoice: %w", err)
	}
	defer rows.Close()

	out := []audit.Result{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan audit decision: %w", err)
		}
		var res audit.Result
		if err := json.Unmarshal(payload, &res); err != nil {
			return nil, fmt.Errorf("decode audit decision for invoice %s: %w", key, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audits for invoice: %w", err)
	}
	return out, nil
}

func decidedAt(res audit.Result) any {
	switch {
	case res.Decision != nil:
		return res.Decision.DecidedAt
	case res.Inconclusive != nil:
		return res.Inconclusive.DecidedAt
	}
	return nil
}
