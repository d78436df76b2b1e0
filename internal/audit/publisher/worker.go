package publisher

import (
	"context"
	"errors"
	"io"
	"log/slog"
)

// ErrBufferFull is returned when the async queue cannot take another event.
var ErrBufferFull = errors.New("event buffer full")

// Async queues events and delivers them from a background worker so request
// latency does not include broker round-trips.
type Async struct {
	next   Publisher
	inbox  chan Event
	logger *slog.Logger
}

// NewAsync wraps next with a queue of size buffer. Call Run to start delivery.
func NewAsync(next Publisher, buffer int, logger *slog.Logger) *Async {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Async{next: next, inbox: make(chan Event, buffer), logger: logger}
}

// Publish enqueues ev without blocking.
func (a *Async) Publish(_ context.Context, ev Event) error {
	select {
	case a.inbox <- ev:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run delivers queued events until ctx ends. Delivery failures are logged and
// the worker keeps going.
func (a *Async) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.drain()
			return ctx.Err()
		case ev := <-a.inbox:
			a.deliver(ctx, ev)
		}
	}
}

// drain flushes what is already queued on shutdown.
func (a *Async) drain() {
	for {
		select {
		case ev := <-a.inbox:
			a.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (a *Async) deliver(ctx context.Context, ev Event) {
	if err := a.next.Publish(ctx, ev); err != nil {
		a.logger.ErrorContext(ctx, "failed to publish audit event",
			"audit_id", ev.AuditID,
			"invoice_key", ev.InvoiceKey,
			"error", err,
		)
	}
}

// Close closes the wrapped publisher. Call after Run returned.
func (a *Async) Close() {
	a.next.Close()
}
