package dlq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ontology-platform/request-control/infrastructure/kvstore/memory"
)

func TestEnqueueAndRetryBatchToPoison(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	q := New("orders", cfg, store, nil, nil)

	msg, err := q.Enqueue(context.Background(), "orders", map[string]any{"order_id": "1"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Status != StatusPending {
		t.Fatalf("status=%s, want pending", msg.Status)
	}

	failAlways := func(ctx context.Context, m *Message) error { return errors.New("boom: handler failed") }

	for i := 0; i < 4; i++ {
		n, err := q.RetryBatch(context.Background(), failAlways)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Fatalf("iteration %d: processed=%d, want 1", i, n)
		}
		// force next_retry_at into the past so the next sweep picks it up
		current, err := q.get(context.Background(), msg.ID)
		if err != nil {
			t.Fatal(err)
		}
		if current.Status == StatusPoison {
			break
		}
		current.NextRetryAt = time.Now().Add(-time.Millisecond)
		if err := q.persist(context.Background(), current, current.Status); err != nil {
			t.Fatal(err)
		}
	}

	final, err := q.get(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != StatusPoison {
		t.Fatalf("status=%s, want poison after exceeding poison_threshold", final.Status)
	}
	if final.RetryCount < cfg.PoisonThreshold {
		t.Fatalf("retry_count=%d, want >= %d", final.RetryCount, cfg.PoisonThreshold)
	}
}

func TestEnqueueRejectsDuplicate(t *testing.T) {
	store := memory.New()
	q := New("dedup-test", DefaultConfig(), store, nil, nil)

	content := map[string]any{"a": 1}
	if _, err := q.Enqueue(context.Background(), "q", content, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Enqueue(context.Background(), "q", content, nil, nil); err == nil {
		t.Fatal("expected the second identical enqueue to be rejected as a duplicate")
	}
}

func TestRequeueResetsToPending(t *testing.T) {
	store := memory.New()
	q := New("requeue-test", DefaultConfig(), store, nil, nil)

	msg, err := q.Enqueue(context.Background(), "q", map[string]any{"x": 1}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := q.MarkPoison(context.Background(), msg.ID, "manual test"); err != nil {
		t.Fatal(err)
	}
	if err := q.Requeue(context.Background(), msg.ID); err != nil {
		t.Fatal(err)
	}
	got, err := q.get(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status=%s, want pending after requeue", got.Status)
	}
}
