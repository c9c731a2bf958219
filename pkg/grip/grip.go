// Package grip implements expansion of a grip (a verbatim excerpt anchored
// to an event-id interval) into its excerpt, the events within the
// interval, and surrounding context events.
package grip

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

// ErrNotFound is returned when the requested grip id is unknown.
var ErrNotFound = errors.New("grip: not found")

// Expansion is the result of expanding a grip.
type Expansion struct {
	Grip         types.Grip
	Events       []types.Event // events within [EventIDStart, EventIDEnd]
	Before       []types.Event // up to N preceding events
	After        []types.Event // up to M following events
	SourceNodeID string        // the hosting node id; may no longer exist
}

// Expander expands grips by id. The host node named by a grip need not
// still exist — grips outlive re-summarization of their source node.
type Expander struct {
	Store *storage.Storage
}

// NewExpander wraps a Storage engine for grip expansion.
func NewExpander(store *storage.Storage) *Expander {
	return &Expander{Store: store}
}

// Expand returns the grip's excerpt, the events inside its interval, and up
// to before/after surrounding events by event order.
func (x *Expander) Expand(ctx context.Context, gripID string, before, after int) (Expansion, error) {
	g, err := x.Store.GetGrip(ctx, gripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Expansion{}, fmt.Errorf("%w: %s", ErrNotFound, gripID)
		}
		return Expansion{}, err
	}

	// Widen the scan window generously around the grip's own timestamp;
	// event ids are time-sortable so this bounds the candidate set without
	// needing a session index.
	const windowMs = 24 * 60 * 60 * 1000
	candidates, err := x.Store.GetEventsInRange(ctx, g.TimestampMs-windowMs, g.TimestampMs+windowMs)
	if err != nil {
		return Expansion{}, err
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].EventID < candidates[j].EventID })

	startIdx, endIdx := -1, -1
	for i, e := range candidates {
		if e.EventID == g.EventIDStart {
			startIdx = i
		}
		if e.EventID == g.EventIDEnd {
			endIdx = i
		}
	}

	exp := Expansion{Grip: g, SourceNodeID: g.SourceNodeID}
	if startIdx >= 0 && endIdx >= startIdx {
		exp.Events = append(exp.Events, candidates[startIdx:endIdx+1]...)
	}
	if startIdx > 0 {
		from := startIdx - before
		if from < 0 {
			from = 0
		}
		exp.Before = append(exp.Before, candidates[from:startIdx]...)
	}
	if endIdx >= 0 && endIdx+1 < len(candidates) {
		to := endIdx + 1 + after
		if to > len(candidates) {
			to = len(candidates)
		}
		exp.After = append(exp.After, candidates[endIdx+1:to]...)
	}

	return exp, nil
}
