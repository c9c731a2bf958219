package toc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

func checkpointKey(level types.TocLevel) string {
	return fmt.Sprintf("rollup_%s", level)
}

// RollupLevel summarizes every closed period at level that is newer than
// the level's checkpoint, producing a new version of each period's node
// from its children's summaries (never from raw events). The checkpoint
// advances after each period's write, so a crash mid-run only replays
// already-applied, idempotent period writes.
func (b *Builder) RollupLevel(ctx context.Context, level types.TocLevel, now time.Time) (int, error) {
	child := childLevel(level)
	if child == "" {
		return 0, fmt.Errorf("toc: level %s has no finer level to roll up from", level)
	}

	cp, err := b.Store.GetCheckpoint(ctx, checkpointKey(level))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	lastPeriod := cp.LastKey

	periods, err := b.closedPeriodsSince(ctx, level, child, lastPeriod, now)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, period := range periods {
		if err := b.rollupPeriod(ctx, level, child, period); err != nil {
			return processed, fmt.Errorf("toc: rollup %s %s: %w", level, period, err)
		}
		cp = types.Checkpoint{
			Key:            checkpointKey(level),
			LastKey:        period,
			ProcessedCount: cp.ProcessedCount + 1,
			UpdatedAtMs:    now.UnixMilli(),
		}
		if err := b.Store.PutCheckpoint(ctx, cp); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// closedPeriodsSince finds the distinct parent period keys (at level)
// implied by existing child-level nodes, restricted to periods strictly
// newer than lastPeriod and strictly closed relative to now.
func (b *Builder) closedPeriodsSince(ctx context.Context, level, child types.TocLevel, lastPeriod string, now time.Time) ([]string, error) {
	children, err := b.Store.ListTocNodesByLevel(ctx, child)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	for _, c := range children {
		key := periodKey(level, c.TimeRange.StartMs)
		if key <= lastPeriod || !isClosed(level, key, now) {
			continue
		}
		seen[key] = true
	}

	periods := make([]string, 0, len(seen))
	for k := range seen {
		periods = append(periods, k)
	}
	sort.Strings(periods)
	return periods, nil
}

// rollupPeriod summarizes every child-level node belonging to period and
// writes the level node for period as a new version.
func (b *Builder) rollupPeriod(ctx context.Context, level, child types.TocLevel, period string) error {
	children, err := b.Store.ListTocNodesByLevel(ctx, child)
	if err != nil {
		return err
	}

	var members []types.TocNode
	for _, c := range children {
		if periodKey(level, c.TimeRange.StartMs) == period {
			members = append(members, c)
		}
	}
	if len(members) == 0 {
		return nil
	}
	sort.Slice(members, func(i, j int) bool { return members[i].TimeRange.StartMs < members[j].TimeRange.StartMs })

	summary, err := b.Rollup.Rollup(ctx, members)
	if err != nil {
		return fmt.Errorf("rollup summarizer: %w", err)
	}

	id := nodeID(level, period)
	existing, err := b.Store.GetLatestTocNode(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	node := types.TocNode{
		NodeID:   id,
		Level:    level,
		Title:    summary.Title,
		Keywords: summary.Keywords,
	}
	node.ParentID = existing.ParentID
	node.ChildrenIDs = existing.ChildrenIDs
	if node.ChildrenIDs == nil {
		for _, m := range members {
			node.ChildrenIDs = appendIfMissing(node.ChildrenIDs, m.NodeID)
		}
	}

	node.Bullets = make([]types.Bullet, len(summary.Bullets))
	for i, bi := range summary.Bullets {
		node.Bullets[i] = types.Bullet{Text: bi.Text}
	}

	var agents []string
	var timeRange types.TimeRange
	for i, m := range members {
		agents = unionStrings(agents, m.ContributingAgents)
		if i == 0 {
			timeRange = m.TimeRange
		} else {
			timeRange = union(timeRange, m.TimeRange)
		}
	}
	node.ContributingAgents = agents
	node.TimeRange = timeRange

	parentLevel := parentOf(level)
	var parentKey string
	if parentLevel != "" {
		parentKey = periodKey(parentLevel, timeRange.StartMs)
		node.ParentID = nodeID(parentLevel, parentKey)
	}

	written, err := b.Store.PutTocNode(ctx, node)
	if err != nil {
		return err
	}

	entry := types.OutboxEntry{
		TimestampMs: timeRange.EndMs,
		Action:      types.ActionUpdateToc,
		NodeID:      written.NodeID,
	}
	if _, err := b.Store.AppendOutboxEntry(ctx, entry); err != nil {
		return fmt.Errorf("append outbox entry: %w", err)
	}

	if parentLevel != "" {
		if err := b.appendChild(ctx, parentLevel, parentKey, timeRange, written.NodeID, agents); err != nil {
			return fmt.Errorf("link %s into %s node: %w", level, parentLevel, err)
		}
	}
	return nil
}

// parentOf returns the next-coarser level above level, or "" for Year.
func parentOf(level types.TocLevel) types.TocLevel {
	for i, l := range types.AllLevels {
		if l == level && i+1 < len(types.AllLevels) {
			return types.AllLevels[i+1]
		}
	}
	return ""
}
