// Package summarizer abstracts title/bullets/keywords/grip generation over
// a list of events. It is a single narrow interface so provider-specific
// types (LLM request/response shapes) never leak into the TOC builder.
//
// Implementations are selected by configuration and registered on a [Mux]
// keyed by pattern (e.g. "openai:gpt-4o-mini", "rollup:default"), mirroring
// the registration-by-pattern design used elsewhere in this codebase for
// pluggable processors.
package summarizer

import (
	"context"
	"fmt"

	"github.com/tocmemory/engine/pkg/trie"
	"github.com/tocmemory/engine/pkg/types"
)

// GripInput is a candidate excerpt proposed by a Summarizer; the caller
// (the TOC builder) is responsible for allocating grip ids and persisting
// them.
type GripInput struct {
	Excerpt      string
	EventIDStart string
	EventIDEnd   string
	TimestampMs  int64
}

// Summary is the structured output of summarizing a set of events, or of
// rolling up a set of child node summaries.
type Summary struct {
	Title    string
	Bullets  []BulletInput
	Keywords []string
	Grips    []GripInput
}

// BulletInput is a bullet proposed by the summarizer before grip ids are
// attached (the caller fills GripIDs once grips are persisted).
type BulletInput struct {
	Text       string
	GripIdxs   []int // indexes into Summary.Grips this bullet should reference
}

// Summarizer turns an ordered event list into a structured Summary. It is
// used both for fresh Segment creation (events) and, via RollupSummarizer,
// for rolling children up into a parent (summaries of summaries).
type Summarizer interface {
	Summarize(ctx context.Context, events []types.Event) (Summary, error)
}

// RollupSummarizer produces a parent summary from child node summaries
// (titles + bullets + keywords), never from raw events.
type RollupSummarizer interface {
	Rollup(ctx context.Context, children []types.TocNode) (Summary, error)
}

// Mux routes Summarize/Rollup calls to a registered implementation by
// pattern, using the same trie-based pattern matching used for other
// pluggable processors in this codebase.
type Mux struct {
	summarizers *trie.Trie[Summarizer]
	rollups     *trie.Trie[RollupSummarizer]
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{
		summarizers: trie.New[Summarizer](),
		rollups:     trie.New[RollupSummarizer](),
	}
}

// Handle registers a Summarizer for the given pattern.
func (m *Mux) Handle(pattern string, s Summarizer) error {
	return m.summarizers.Set(pattern, func(ptr *Summarizer, existed bool) error {
		if existed {
			return fmt.Errorf("summarizer: already registered for %s", pattern)
		}
		*ptr = s
		return nil
	})
}

// HandleRollup registers a RollupSummarizer for the given pattern.
func (m *Mux) HandleRollup(pattern string, r RollupSummarizer) error {
	return m.rollups.Set(pattern, func(ptr *RollupSummarizer, existed bool) error {
		if existed {
			return fmt.Errorf("summarizer: rollup already registered for %s", pattern)
		}
		*ptr = r
		return nil
	})
}

// Summarize dispatches to the Summarizer registered for pattern.
func (m *Mux) Summarize(ctx context.Context, pattern string, events []types.Event) (Summary, error) {
	ptr, ok := m.summarizers.Get(pattern)
	if !ok || *ptr == nil {
		return Summary{}, fmt.Errorf("summarizer: not found for %s", pattern)
	}
	return (*ptr).Summarize(ctx, events)
}

// Rollup dispatches to the RollupSummarizer registered for pattern.
func (m *Mux) Rollup(ctx context.Context, pattern string, children []types.TocNode) (Summary, error) {
	ptr, ok := m.rollups.Get(pattern)
	if !ok || *ptr == nil {
		return Summary{}, fmt.Errorf("summarizer: rollup not found for %s", pattern)
	}
	return (*ptr).Rollup(ctx, children)
}
