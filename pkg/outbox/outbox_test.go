package outbox_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/outbox"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

type fakeIndexer struct {
	name       string
	indexed    []string
	failFirstN int
	calls      int
	committed  int
}

func (f *fakeIndexer) Name() string { return f.name }

func (f *fakeIndexer) IndexTocNode(_ context.Context, nodeID string) error {
	f.calls++
	if f.calls <= f.failFirstN {
		return errors.New("transient failure")
	}
	f.indexed = append(f.indexed, nodeID)
	return nil
}

func (f *fakeIndexer) IndexGrip(_ context.Context, gripID string) error {
	f.indexed = append(f.indexed, gripID)
	return nil
}

func (f *fakeIndexer) Commit(_ context.Context) error {
	f.committed++
	return nil
}

func TestConsumerProcessesBatchAndAdvancesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })

	for i := 0; i < 3; i++ {
		_, err := store.AppendOutboxEntry(ctx, types.OutboxEntry{Action: types.ActionUpdateToc, NodeID: "toc:segment:x"})
		if err != nil {
			t.Fatalf("AppendOutboxEntry: %v", err)
		}
	}

	idx := &fakeIndexer{name: "bm25"}
	c := outbox.NewConsumer(store, idx)
	n, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 entries processed, got %d", n)
	}
	if idx.committed != 1 {
		t.Fatalf("expected exactly one commit per batch, got %d", idx.committed)
	}

	n2, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce (2nd): %v", err)
	}
	if n2 != 0 {
		t.Fatalf("expected no new entries on second run, got %d", n2)
	}
}

func TestConsumerRetriesThenAbandons(t *testing.T) {
	ctx := context.Background()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })

	_, err := store.AppendOutboxEntry(ctx, types.OutboxEntry{Action: types.ActionUpdateToc, NodeID: "toc:segment:x"})
	if err != nil {
		t.Fatalf("AppendOutboxEntry: %v", err)
	}

	idx := &fakeIndexer{name: "bm25", failFirstN: 100}
	c := outbox.NewConsumer(store, idx)
	c.MaxRetries = 1

	n, err := c.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce should not error even when an entry is abandoned: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the batch to be marked processed even after abandoning the entry, got %d", n)
	}
	if c.FailureCount() != 1 {
		t.Fatalf("expected FailureCount=1, got %d", c.FailureCount())
	}
}

func TestReapDeletesUpToMinCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })

	for i := 0; i < 3; i++ {
		_, err := store.AppendOutboxEntry(ctx, types.OutboxEntry{Action: types.ActionUpdateToc, NodeID: "toc:segment:x"})
		if err != nil {
			t.Fatalf("AppendOutboxEntry: %v", err)
		}
	}

	fast := &fakeIndexer{name: "bm25"}
	if _, err := outbox.NewConsumer(store, fast).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce(bm25): %v", err)
	}

	slow := &fakeIndexer{name: "vector"}
	slowConsumer := outbox.NewConsumer(store, slow)
	slowConsumer.BatchSize = 1
	if _, err := slowConsumer.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce(vector): %v", err)
	}

	if err := outbox.Reap(ctx, store, []string{"bm25", "vector"}); err != nil {
		t.Fatalf("Reap: %v", err)
	}

	remaining, err := store.GetOutboxEntries(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 entries remaining (only the slowest consumer's progress reaped past), got %d", len(remaining))
	}
}
