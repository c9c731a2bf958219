package toc

import (
	"fmt"
	"time"

	"github.com/tocmemory/engine/pkg/types"
)

// periodKey returns the lexicographically-sortable key a timestamp belongs
// to at the given level, e.g. day→"2026-01-30", week→"2026-W05",
// month→"2026-01", year→"2026". These keys double as the coarser level's
// node id suffix and sort in period order, which the rollup job relies on
// to find "closed periods strictly newer than the checkpoint".
func periodKey(level types.TocLevel, tsMs int64) string {
	t := time.UnixMilli(tsMs).UTC()
	switch level {
	case types.LevelDay:
		return t.Format("2006-01-02")
	case types.LevelWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case types.LevelMonth:
		return t.Format("2006-01")
	case types.LevelYear:
		return t.Format("2006")
	default:
		return t.Format("2006-01-02T15:04:05.000")
	}
}

// nodeID returns the node id for a level and period key, e.g.
// "toc:day:2026-01-30".
func nodeID(level types.TocLevel, key string) string {
	return fmt.Sprintf("toc:%s:%s", level, key)
}

// childLevel returns the next-finer level that rolls up into level, or ""
// if level is already the finest (Segment).
func childLevel(level types.TocLevel) types.TocLevel {
	for i, l := range types.AllLevels {
		if l == level && i > 0 {
			return types.AllLevels[i-1]
		}
	}
	return ""
}

// isClosed reports whether the period identified by key at level is
// strictly in the past relative to now — rollup jobs never summarize the
// current, still-open period.
func isClosed(level types.TocLevel, key string, now time.Time) bool {
	return key < periodKey(level, now.UnixMilli())
}
