package grip_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tocmemory/engine/pkg/eventid"
	"github.com/tocmemory/engine/pkg/grip"
	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

func TestExpandGripIncludesIntervalAndContext(t *testing.T) {
	ctx := context.Background()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })

	ids := make([]string, 5)
	for i := range ids {
		ts := int64((i + 1) * 1000)
		ids[i] = eventid.NewAt(ts)
		ev := types.Event{EventID: ids[i], SessionID: "s1", Kind: types.EventUserMessage, TimestampMs: ts, Text: "msg"}
		if _, err := store.PutEvent(ctx, ev); err != nil {
			t.Fatalf("PutEvent: %v", err)
		}
	}

	g := types.Grip{GripID: "g1", Excerpt: "the middle part", EventIDStart: ids[1], EventIDEnd: ids[2], TimestampMs: 2000, SourceNodeID: "toc:segment:" + ids[0]}
	if err := store.PutGrip(ctx, g); err != nil {
		t.Fatalf("PutGrip: %v", err)
	}

	x := grip.NewExpander(store)
	exp, err := x.Expand(ctx, "g1", 1, 1)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if len(exp.Events) != 2 || exp.Events[0].EventID != ids[1] || exp.Events[1].EventID != ids[2] {
		t.Fatalf("unexpected interval events: %+v", exp.Events)
	}
	if len(exp.Before) != 1 || exp.Before[0].EventID != ids[0] {
		t.Fatalf("unexpected before context: %+v", exp.Before)
	}
	if len(exp.After) != 1 || exp.After[0].EventID != ids[3] {
		t.Fatalf("unexpected after context: %+v", exp.After)
	}
	if exp.SourceNodeID != "toc:segment:"+ids[0] {
		t.Fatalf("unexpected source node id: %s", exp.SourceNodeID)
	}
}

func TestExpandGripNotFound(t *testing.T) {
	ctx := context.Background()
	store := storage.New(kv.NewMemory(nil))
	t.Cleanup(func() { store.Close() })

	x := grip.NewExpander(store)
	_, err := x.Expand(ctx, "missing", 0, 0)
	if !errors.Is(err, grip.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
