// Package publisher emits audit_decided events for downstream consumers.
package publisher

import (
	"context"
	"time"

	"nfaudit/internal/audit"
)

// EventAuditDecided is the only event type emitted.
const EventAuditDecided = "audit_decided"

// Event is the transport-agnostic payload of a decided audit.
type Event struct {
	Type           string    `json:"type"`
	AuditID        string    `json:"audit_id"`
	InvoiceKey     string    `json:"invoice_key"`
	Verdict        string    `json:"verdict"`
	StageReached   string    `json:"stage_reached"`
	Confidence     *float64  `json:"confidence,omitempty"`
	Irregularities []string  `json:"irregularities"`
	Provider       string    `json:"provider,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	DecidedAt      time.Time `json:"decided_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

// EventFromResult summarises res as an event.
func EventFromResult(res audit.Result, requestID string) Event {
	ev := Event{
		Type:           EventAuditDecided,
		AuditID:        res.AuditID().String(),
		InvoiceKey:     res.InvoiceKey(),
		Verdict:        string(res.Verdict),
		StageReached:   string(res.StageReached()),
		Irregularities: []string{},
		RequestID:      requestID,
	}
	switch {
	case res.Decision != nil:
		d := res.Decision
		conf := d.Confidence
		ev.Confidence = &conf
		ev.Provider = d.Provider
		ev.DecidedAt = d.DecidedAt
		for _, it := range d.Irregularities {
			ev.Irregularities = append(ev.Irregularities, it.Code)
		}
	case res.Inconclusive != nil:
		inc := res.Inconclusive
		ev.Reason = inc.Reason
		ev.DecidedAt = inc.DecidedAt
		for _, it := range inc.Irregularities {
			ev.Irregularities = append(ev.Irregularities, it.Code)
		}
	}
	return ev
}

// Noop drops every event. Used when no brokers are configured.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() {}
