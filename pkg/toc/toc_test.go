package toc_test

import (
	"context"
	"testing"
	"time"

	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/segmenter"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/summarizer"
	"github.com/tocmemory/engine/pkg/toc"
	"github.com/tocmemory/engine/pkg/types"
)

func newBuilder(t *testing.T) (*toc.Builder, *storage.Storage) {
	t.Helper()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })
	return toc.NewBuilder(store, summarizer.Stub{}, summarizer.Stub{}), store
}

func dayMs(day string) int64 {
	tm, err := time.Parse("2006-01-02T15:04:05Z", day+"T12:00:00Z")
	if err != nil {
		panic(err)
	}
	return tm.UnixMilli()
}

func TestIngestSegmentCreatesDayParent(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t)

	seg := segmenter.Segment{
		SessionID: "s1",
		Events: []types.Event{
			{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: dayMs("2026-01-30"), Text: "let's use JWT for auth"},
			{EventID: "e2", SessionID: "s1", Agent: "claude", Kind: types.EventAssistantMessage, TimestampMs: dayMs("2026-01-30") + 1000, Text: "agreed, JWT with refresh tokens"},
		},
	}

	node, err := b.IngestSegment(ctx, seg)
	if err != nil {
		t.Fatalf("IngestSegment: %v", err)
	}
	if node.Level != types.LevelSegment {
		t.Fatalf("expected Segment level, got %s", node.Level)
	}
	if node.EventRange.FirstEventID != "e1" || node.EventRange.LastEventID != "e2" {
		t.Fatalf("unexpected event range: %+v", node.EventRange)
	}

	day, err := store.GetLatestTocNode(ctx, "toc:day:2026-01-30")
	if err != nil {
		t.Fatalf("GetLatestTocNode(day): %v", err)
	}
	if len(day.ChildrenIDs) != 1 || day.ChildrenIDs[0] != node.NodeID {
		t.Fatalf("expected day node to list the segment as a child, got %+v", day.ChildrenIDs)
	}

	entries, err := store.GetOutboxEntries(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == types.ActionUpdateToc && e.NodeID == node.NodeID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an UpdateToc outbox entry for the new segment, got %+v", entries)
	}
}

func TestRollupLevelNeverTouchesOpenPeriod(t *testing.T) {
	ctx := context.Background()
	b, _ := newBuilder(t)

	seg := segmenter.Segment{
		SessionID: "s1",
		Events: []types.Event{
			{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: dayMs("2026-01-30"), Text: "today's discussion"},
		},
	}
	if _, err := b.IngestSegment(ctx, seg); err != nil {
		t.Fatalf("IngestSegment: %v", err)
	}

	// "now" is still within 2026-01-30, so the day is not yet closed.
	now := time.UnixMilli(dayMs("2026-01-30") + 3600_000)
	processed, err := b.RollupLevel(ctx, types.LevelWeek, now)
	if err != nil {
		t.Fatalf("RollupLevel: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 periods processed for an open day, got %d", processed)
	}
}

func TestRollupLevelSummarizesClosedPeriod(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t)

	seg := segmenter.Segment{
		SessionID: "s1",
		Events: []types.Event{
			{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: dayMs("2026-01-30"), Text: "today's discussion about caching"},
		},
	}
	if _, err := b.IngestSegment(ctx, seg); err != nil {
		t.Fatalf("IngestSegment: %v", err)
	}

	// "now" is well past the day, so it is closed and eligible for rollup.
	now := time.UnixMilli(dayMs("2026-02-05"))
	processed, err := b.RollupLevel(ctx, types.LevelWeek, now)
	if err != nil {
		t.Fatalf("RollupLevel: %v", err)
	}
	if processed == 0 {
		t.Fatalf("expected at least one closed day to roll up into a week")
	}

	weeks, err := store.ListTocNodesByLevel(ctx, types.LevelWeek)
	if err != nil {
		t.Fatalf("ListTocNodesByLevel: %v", err)
	}
	if len(weeks) != 1 {
		t.Fatalf("expected exactly one week node, got %d", len(weeks))
	}
}

func TestRollupLevelAppendsOutboxEntryForRolledUpNode(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t)

	seg := segmenter.Segment{
		SessionID: "s1",
		Events: []types.Event{
			{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: dayMs("2026-01-30"), Text: "today's discussion about caching"},
		},
	}
	if _, err := b.IngestSegment(ctx, seg); err != nil {
		t.Fatalf("IngestSegment: %v", err)
	}

	now := time.UnixMilli(dayMs("2026-02-05"))
	if _, err := b.RollupLevel(ctx, types.LevelWeek, now); err != nil {
		t.Fatalf("RollupLevel: %v", err)
	}

	weeks, err := store.ListTocNodesByLevel(ctx, types.LevelWeek)
	if err != nil {
		t.Fatalf("ListTocNodesByLevel: %v", err)
	}
	if len(weeks) != 1 {
		t.Fatalf("expected exactly one week node, got %d", len(weeks))
	}

	entries, err := store.GetOutboxEntries(ctx, 0, 100)
	if err != nil {
		t.Fatalf("GetOutboxEntries: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == types.ActionUpdateToc && e.NodeID == weeks[0].NodeID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an UpdateToc outbox entry for the rolled-up week node, got %+v", entries)
	}
}

func TestRunSegmentationLeavesQuietTailPendingUntilIdleTimeoutElapses(t *testing.T) {
	ctx := context.Background()
	b, store := newBuilder(t)
	policy := segmenter.DefaultPolicy()

	t1 := int64(1_000_000)
	t2 := t1 + 1_000
	t3 := t2 + 2_000_000 // ~33 minutes later: exceeds the 30-minute TimeGap, forcing a new segment

	events := []types.Event{
		{EventID: "e1", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: t1, Text: "let's use JWT for auth"},
		{EventID: "e2", SessionID: "s1", Agent: "claude", Kind: types.EventAssistantMessage, TimestampMs: t2, Text: "agreed, JWT with refresh tokens"},
		{EventID: "e3", SessionID: "s1", Agent: "claude", Kind: types.EventUserMessage, TimestampMs: t3, Text: "now let's talk about caching"},
	}
	for _, e := range events {
		if _, err := store.PutEvent(ctx, e); err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}

	// Only 5 minutes have passed since e3: the trailing segment hasn't gone
	// quiet yet, so only the first (already-closed-by-gap) segment ingests.
	ingested, err := b.RunSegmentation(ctx, policy, time.UnixMilli(t3+5*60*1000))
	if err != nil {
		t.Fatalf("RunSegmentation: %v", err)
	}
	if ingested != 1 {
		t.Fatalf("expected 1 segment ingested on the first pass, got %d", ingested)
	}
	segments, err := store.ListTocNodesByLevel(ctx, types.LevelSegment)
	if err != nil {
		t.Fatalf("ListTocNodesByLevel: %v", err)
	}
	if len(segments) != 1 {
		t.Fatalf("expected exactly one segment node after the first pass, got %d", len(segments))
	}

	// 31 minutes have now passed since e3: the tail has gone quiet and ingests.
	ingested, err = b.RunSegmentation(ctx, policy, time.UnixMilli(t3+31*60*1000))
	if err != nil {
		t.Fatalf("RunSegmentation: %v", err)
	}
	if ingested != 1 {
		t.Fatalf("expected 1 segment ingested on the second pass, got %d", ingested)
	}
	segments, err = store.ListTocNodesByLevel(ctx, types.LevelSegment)
	if err != nil {
		t.Fatalf("ListTocNodesByLevel: %v", err)
	}
	if len(segments) != 2 {
		t.Fatalf("expected exactly two segment nodes after the tail goes quiet, got %d", len(segments))
	}

	// Running again with no new events and no quiet tail left should be a no-op.
	ingested, err = b.RunSegmentation(ctx, policy, time.UnixMilli(t3+32*60*1000))
	if err != nil {
		t.Fatalf("RunSegmentation: %v", err)
	}
	if ingested != 0 {
		t.Fatalf("expected no further segments once everything is ingested, got %d", ingested)
	}
}
