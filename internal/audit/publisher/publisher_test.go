package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"nfaudit/internal/audit"
	"nfaudit/internal/invoice"
)

type fakeProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	err     error
	closed  bool
}

func (f *fakeProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		if f.err == nil {
			f.records = append(f.records, r)
		}
		out = append(out, kgo.ProduceResult{Record: r, Err: f.err})
	}
	return out
}

func (f *fakeProducer) Close() { f.closed = true }

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func rejected() audit.Result {
	return audit.Result{
		Verdict: audit.VerdictRejected,
		Decision: &audit.Decision{
			AuditID:    uuid.MustParse("6f1c2d9e-0000-4000-8000-000000000001"),
			InvoiceKey: "35240312345678000195550010000012341123456782",
			Confidence: 1.0,
			Irregularities: []invoice.Irregularity{
				{Code: "TOTAL_MISMATCH", Severity: invoice.SeverityBlocking, Stage: invoice.StageConsistency},
			},
			StageReached: invoice.StageConsistency,
			DecidedAt:    time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestEventFromResult(t *testing.T) {
	t.Run("decision", func(t *testing.T) {
		ev := EventFromResult(rejected(), "req-1")
		assert.Equal(t, EventAuditDecided, ev.Type)
		assert.Equal(t, "rejected", ev.Verdict)
		assert.Equal(t, "consistency", ev.StageReached)
		assert.Equal(t, []string{"TOTAL_MISMATCH"}, ev.Irregularities)
		require.NotNil(t, ev.Confidence)
		assert.InDelta(t, 1.0, *ev.Confidence, 1e-9)
		assert.Equal(t, "req-1", ev.RequestID)
	})

	t.Run("inconclusive carries reason and no confidence", func(t *testing.T) {
		res := audit.Result{
			Verdict: audit.VerdictInconclusive,
			Inconclusive: &audit.Inconclusive{
				AuditID:      uuid.New(),
				InvoiceKey:   "k",
				Reason:       "reasoning providers timed out",
				StageReached: invoice.StageReasoning,
			},
		}
		ev := EventFromResult(res, "")
		assert.Nil(t, ev.Confidence)
		assert.Equal(t, "reasoning providers timed out", ev.Reason)
		assert.Empty(t, ev.Irregularities)
	})
}

func TestKafkaPublish(t *testing.T) {
	ctx := context.Background()

	t.Run("record keyed by invoice key", func(t *testing.T) {
		fp := &fakeProducer{}
		k := &Kafka{client: fp, topic: "audit.decided"}
		ev := EventFromResult(rejected(), "")

		require.NoError(t, k.Publish(ctx, ev))
		require.Len(t, fp.records, 1)
		rec := fp.records[0]
		assert.Equal(t, "audit.decided", rec.Topic)
		assert.Equal(t, ev.InvoiceKey, string(rec.Key))
		assert.Equal(t, "event_type", rec.Headers[0].Key)
		assert.Equal(t, EventAuditDecided, string(rec.Headers[0].Value))

		var decoded Event
		require.NoError(t, json.Unmarshal(rec.Value, &decoded))
		assert.Equal(t, ev.AuditID, decoded.AuditID)
	})

	t.Run("produce error wrapped", func(t *testing.T) {
		broker := errors.New("broker down")
		k := &Kafka{client: &fakeProducer{err: broker}, topic: "t"}
		err := k.Publish(ctx, EventFromResult(rejected(), ""))
		assert.ErrorIs(t, err, broker)
	})

	t.Run("close closes client", func(t *testing.T) {
		fp := &fakeProducer{}
		(&Kafka{client: fp}).Close()
		assert.True(t, fp.closed)
	})
}

func TestNewKafkaValidation(t *testing.T) {
	_, err := NewKafka(nil, "t")
	assert.Error(t, err)
	_, err = NewKafka([]string{"localhost:9092"}, "")
	assert.Error(t, err)
}

func TestAsync(t *testing.T) {
	t.Run("full buffer rejects", func(t *testing.T) {
		a := NewAsync(Noop{}, 1, nil)
		require.NoError(t, a.Publish(context.Background(), Event{}))
		assert.ErrorIs(t, a.Publish(context.Background(), Event{}), ErrBufferFull)
	})

	t.Run("run delivers and drains on shutdown", func(t *testing.T) {
		fp := &fakeProducer{}
		a := NewAsync(&Kafka{client: fp, topic: "t"}, 8, nil)
		for range 3 {
			require.NoError(t, a.Publish(context.Background(), EventFromResult(rejected(), "")))
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()

		assert.Eventually(t, func() bool { return fp.count() == 3 }, time.Second, 5*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		a.Close()
		assert.True(t, fp.closed)
	})

	t.Run("delivery failure does not stop worker", func(t *testing.T) {
		fp := &fakeProducer{err: errors.New("nope")}
		a := NewAsync(&Kafka{client: fp, topic: "t"}, 4, nil)
		require.NoError(t, a.Publish(context.Background(), Event{AuditID: "a"}))
		require.NoError(t, a.Publish(context.Background(), Event{AuditID: "b"}))

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- a.Run(ctx) }()
		assert.Eventually(t, func() bool { return len(a.inbox) == 0 }, time.Second, 5*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}
