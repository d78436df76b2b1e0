// Package store persists audit results so they can be fetched by ID.
package store

import (
	"context"

	"github.com/google/uuid"

	"nfaudit/internal/audit"
)

// Store saves and loads audit results. Implementations return
// sentinel.ErrNotFound for unknown IDs and sentinel.ErrConflict when an ID is
// saved twice.
type Store interface {
	Save(ctx context.Context, res audit.Result) error
	FindByID(ctx context.Context, id uuid.UUID) (*audit.Result, error)
	// FindByInvoiceKey lists every audit of one invoice, oldest first. An
	// invoice never audited yields an empty slice.
	FindByInvoiceKey(ctx context.Context, key string) ([]audit.Result, error)
}
