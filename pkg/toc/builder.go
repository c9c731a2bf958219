// Package toc builds and rolls up the hierarchical Table of Contents:
// Segment nodes are created directly from a closed event segment; Day,
// Week, Month and Year nodes are produced by scheduled rollup jobs that
// summarize child node summaries (never raw events).
package toc

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tocmemory/engine/pkg/eventid"
	"github.com/tocmemory/engine/pkg/segmenter"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/summarizer"
	"github.com/tocmemory/engine/pkg/types"
)

// Builder creates Segment nodes from closed segments and rolls finer nodes
// up into coarser ones.
type Builder struct {
	Store      *storage.Storage
	Summarizer summarizer.Summarizer
	Rollup     summarizer.RollupSummarizer
}

// NewBuilder constructs a Builder. summ is used for fresh Segment creation;
// rollup is used for Day/Week/Month/Year rollup jobs. Both may be the same
// implementation (e.g. summarizer.Stub{} satisfies both interfaces).
func NewBuilder(store *storage.Storage, summ summarizer.Summarizer, rollup summarizer.RollupSummarizer) *Builder {
	return &Builder{Store: store, Summarizer: summ, Rollup: rollup}
}

// IngestSegment turns a closed segment into a persisted Segment TocNode,
// per the per-segment creation steps: summarize, persist grips, resolve or
// create the parent Day node, write the Segment node, and append an
// UpdateToc outbox entry.
func (b *Builder) IngestSegment(ctx context.Context, seg segmenter.Segment) (types.TocNode, error) {
	if len(seg.Events) == 0 {
		return types.TocNode{}, fmt.Errorf("toc: cannot ingest an empty segment")
	}

	summary, err := b.Summarizer.Summarize(ctx, seg.InputEvents())
	if err != nil {
		return types.TocNode{}, fmt.Errorf("toc: summarize segment: %w", err)
	}

	gripIDs := make([]string, len(summary.Grips))
	for i, g := range summary.Grips {
		id := eventid.NewAt(g.TimestampMs)
		gripIDs[i] = id
		grip := types.Grip{
			GripID:       id,
			Excerpt:      g.Excerpt,
			EventIDStart: g.EventIDStart,
			EventIDEnd:   g.EventIDEnd,
			TimestampMs:  g.TimestampMs,
		}
		if err := b.Store.PutGrip(ctx, grip); err != nil {
			return types.TocNode{}, fmt.Errorf("toc: persist grip: %w", err)
		}
	}

	bullets := make([]types.Bullet, len(summary.Bullets))
	for i, bi := range summary.Bullets {
		ids := make([]string, 0, len(bi.GripIdxs))
		for _, idx := range bi.GripIdxs {
			if idx >= 0 && idx < len(gripIDs) {
				ids = append(ids, gripIDs[idx])
			}
		}
		bullets[i] = types.Bullet{Text: bi.Text, GripIDs: ids}
	}

	eventRange := seg.EventRange()
	timeRange := types.TimeRange{StartMs: seg.Events[0].TimestampMs, EndMs: seg.Events[len(seg.Events)-1].TimestampMs}
	segmentID := fmt.Sprintf("toc:segment:%s", eventRange.FirstEventID)

	node := types.TocNode{
		NodeID:             segmentID,
		Level:              types.LevelSegment,
		Title:              summary.Title,
		Bullets:            bullets,
		Keywords:           summary.Keywords,
		ContributingAgents: agentsOf(seg.Events),
		TimeRange:          timeRange,
		EventRange:         eventRange,
	}

	dayKey := periodKey(types.LevelDay, timeRange.StartMs)
	dayID := nodeID(types.LevelDay, dayKey)
	node.ParentID = dayID

	written, err := b.Store.PutTocNode(ctx, node)
	if err != nil {
		return types.TocNode{}, fmt.Errorf("toc: write segment node: %w", err)
	}

	if err := b.appendChild(ctx, types.LevelDay, dayKey, timeRange, written.NodeID, written.ContributingAgents); err != nil {
		return types.TocNode{}, fmt.Errorf("toc: link segment into day node: %w", err)
	}

	entry := types.OutboxEntry{
		TimestampMs: timeRange.EndMs,
		Action:      types.ActionUpdateToc,
		NodeID:      written.NodeID,
	}
	if _, err := b.Store.AppendOutboxEntry(ctx, entry); err != nil {
		return types.TocNode{}, fmt.Errorf("toc: append outbox entry: %w", err)
	}

	return written, nil
}

// appendChild resolves or creates the parent node at level for periodKey,
// appending childID to its ChildrenIDs (without yet producing a rolled-up
// summary — that happens when the scheduled rollup job runs) and widening
// its TimeRange and ContributingAgents to cover the new child.
func (b *Builder) appendChild(ctx context.Context, level types.TocLevel, key string, childRange types.TimeRange, childID string, childAgents []string) error {
	id := nodeID(level, key)
	parent, err := b.Store.GetLatestTocNode(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if errors.Is(err, storage.ErrNotFound) {
		parent = types.TocNode{NodeID: id, Level: level, TimeRange: childRange}
	}

	parent.ChildrenIDs = appendIfMissing(parent.ChildrenIDs, childID)
	parent.TimeRange = union(parent.TimeRange, childRange)
	parent.ContributingAgents = unionStrings(parent.ContributingAgents, childAgents)

	_, err = b.Store.PutTocNode(ctx, parent)
	return err
}

func appendIfMissing(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

func union(a, b types.TimeRange) types.TimeRange {
	if a.StartMs == 0 && a.EndMs == 0 {
		return b
	}
	out := a
	if b.StartMs < out.StartMs {
		out.StartMs = b.StartMs
	}
	if b.EndMs > out.EndMs {
		out.EndMs = b.EndMs
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	for _, s := range a {
		seen[s] = true
	}
	out := append([]string{}, a...)
	for _, s := range b {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func agentsOf(events []types.Event) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range events {
		if e.Agent == "" || seen[e.Agent] {
			continue
		}
		seen[e.Agent] = true
		out = append(out, e.Agent)
	}
	sort.Strings(out)
	return out
}
