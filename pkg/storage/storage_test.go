package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutEventIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ev := types.Event{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: 1000}

	created, err := s.PutEvent(ctx, ev)
	if err != nil {
		t.Fatalf("PutEvent: %v", err)
	}
	if !created {
		t.Fatalf("expected created=true on first write")
	}

	created, err = s.PutEvent(ctx, ev)
	if err != nil {
		t.Fatalf("PutEvent (dup): %v", err)
	}
	if created {
		t.Fatalf("expected created=false on duplicate write")
	}

	entries, err := s.GetOutboxEntries(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one outbox entry after duplicate ingest, got %d", len(entries))
	}

	got, err := s.GetEvent(ctx, "e1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.SessionID != "s1" {
		t.Fatalf("GetEvent = %+v, want SessionID=s1", got)
	}
}

func TestPutEventConcurrentDuplicatesProduceOneOutboxEntry(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	ev := types.Event{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: 1000}

	const goroutines = 20
	var wg sync.WaitGroup
	var createdCount int32
	var mu sync.Mutex
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			created, err := s.PutEvent(ctx, ev)
			if err != nil {
				t.Errorf("PutEvent: %v", err)
				return
			}
			if created {
				mu.Lock()
				createdCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Fatalf("expected exactly one goroutine to win the race, got %d", createdCount)
	}

	entries, err := s.GetOutboxEntries(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one outbox entry despite concurrent duplicate ingests, got %d", len(entries))
	}
}

func TestGetEventsInRangeOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	ids := []string{}
	for i, ts := range []int64{3000, 1000, 2000} {
		id := eventIDFor(ts, i)
		ids = append(ids, id)
		_, err := s.PutEvent(ctx, types.Event{EventID: id, SessionID: "s1", Kind: types.EventUserMessage, TimestampMs: ts})
		if err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}

	got, err := s.GetEventsInRange(ctx, 0, 5000)
	if err != nil {
		t.Fatalf("GetEventsInRange: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].TimestampMs > got[i].TimestampMs {
			t.Fatalf("events not in non-decreasing timestamp order: %+v", got)
		}
	}
}

func TestPutTocNodeVersioning(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	n1, err := s.PutTocNode(ctx, types.TocNode{NodeID: "toc:day:2026-01-01", Level: types.LevelDay, Title: "v1"})
	if err != nil {
		t.Fatalf("PutTocNode: %v", err)
	}
	if n1.Version != 1 {
		t.Fatalf("expected version 1, got %d", n1.Version)
	}

	n2, err := s.PutTocNode(ctx, types.TocNode{NodeID: "toc:day:2026-01-01", Level: types.LevelDay, Title: "v2"})
	if err != nil {
		t.Fatalf("PutTocNode: %v", err)
	}
	if n2.Version != 2 {
		t.Fatalf("expected version 2, got %d", n2.Version)
	}

	latest, err := s.GetLatestTocNode(ctx, "toc:day:2026-01-01")
	if err != nil {
		t.Fatalf("GetLatestTocNode: %v", err)
	}
	if latest.Title != "v2" {
		t.Fatalf("latest.Title = %q, want v2", latest.Title)
	}

	old, err := s.GetTocNodeVersion(ctx, "toc:day:2026-01-01", 1)
	if err != nil {
		t.Fatalf("GetTocNodeVersion(1): %v", err)
	}
	if old.Title != "v1" {
		t.Fatalf("old version was overwritten: %+v", old)
	}
}

func TestGripEmptyExcerptRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	err := s.PutGrip(ctx, types.Grip{GripID: "g1", Excerpt: ""})
	if err == nil {
		t.Fatalf("expected error for empty-excerpt grip")
	}
}

func TestOutboxDeleteUpTo(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	for i := 0; i < 3; i++ {
		_, err := s.PutEvent(ctx, types.Event{EventID: eventIDFor(int64(i), i), SessionID: "s1", Kind: types.EventUserMessage, TimestampMs: int64(i)})
		if err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}

	if err := s.DeleteOutboxEntries(ctx, 2); err != nil {
		t.Fatalf("DeleteOutboxEntries: %v", err)
	}

	remaining, err := s.GetOutboxEntries(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Sequence != 3 {
		t.Fatalf("expected only sequence 3 remaining, got %+v", remaining)
	}
}

func TestGetEventNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.GetEvent(ctx, "missing")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// eventIDFor builds a deterministic, sortable fake event id for tests
// without depending on wall-clock time: 16 bytes hex, timestamp then index.
func eventIDFor(ts int64, idx int) string {
	return hexPad(ts) + hexPad(int64(idx))
}

func hexPad(v int64) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexdigits[v&0xf]
		v >>= 4
	}
	return string(b)
}
