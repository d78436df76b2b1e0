package audit

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"nfaudit/internal/invoice"
)

// DefaultBatchParallelism bounds concurrent audits when callers pass <= 0.
const DefaultBatchParallelism = 4

// AuditBatch audits invoices concurrently, at most parallelism at a time.
// Results are index-aligned with invoices. If ctx ends before every invoice
// was started, the remaining slots are zero Results and ctx's error is returned.
func (c *Coordinator) AuditBatch(ctx context.Context, invoices []invoice.Record, parallelism int) ([]Result, error) {
	if parallelism <= 0 {
		parallelism = DefaultBatchParallelism
	}
	results := make([]Result, len(invoices))

	var g errgroup.Group
	g.SetLimit(parallelism)
	var scheduleErr error
	for i := range invoices {
		if err := ctx.Err(); err != nil {
			scheduleErr = err
			break
		}
		g.Go(func() error {
			results[i] = c.Audit(ctx, invoices[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	if scheduleErr != nil {
		return results, errors.Join(errors.New("batch interrupted"), scheduleErr)
	}
	return results, nil
}
