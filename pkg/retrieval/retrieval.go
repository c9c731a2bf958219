// Package retrieval implements the query routing control plane:
// deterministic intent classification, a live capability tier snapshot, and
// an intent-keyed fallback chain across the topic/vector/BM25/TOC/event
// layers with an explainability payload recording what was tried.
package retrieval

import (
	"context"
	"sort"
	"strings"

	"github.com/tocmemory/engine/pkg/bm25"
	"github.com/tocmemory/engine/pkg/embed"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/topics"
	"github.com/tocmemory/engine/pkg/types"
	"github.com/tocmemory/engine/pkg/vectorindex"
)

// Intent is the classified purpose of a query.
type Intent string

const (
	IntentExplore   Intent = "explore"
	IntentAnswer    Intent = "answer"
	IntentLocate    Intent = "locate"
	IntentTimeBoxed Intent = "time_boxed"
)

var locateKeywords = []string{
	"when did", "when was", "when ", "what time", "which day", "which week",
	"did we discuss", "did we talk about", "did we work on", "what did we",
}
var answerKeywords = []string{"what is", "what did", "who ", "which ", "how many", "how much"}
var timeBoxKeywords = []string{"yesterday", "today", "last week", "last month", "this week", "this month"}

// ClassifyIntent deterministically maps a query to an Intent using lexical
// heuristics (keywords, question words, query length) and an explicit
// caller-supplied time range hint, returning a confidence in [0,1].
// Classification never depends on external state, so it is reproducible.
// locateKeywords is checked ahead of timeBoxKeywords: a recall question that
// happens to carry a loose time reference ("what did we discuss yesterday
// about JWT") is a request to locate a specific past discussion, not a
// request to scan a caller-bounded time window.
func ClassifyIntent(query string, hasTimeRangeHint bool) (Intent, float64) {
	lower := strings.ToLower(strings.TrimSpace(query))

	if hasTimeRangeHint {
		return IntentTimeBoxed, 0.9
	}
	if containsAny(lower, locateKeywords) {
		return IntentLocate, 0.8
	}
	if containsAny(lower, timeBoxKeywords) {
		return IntentTimeBoxed, 0.8
	}
	if containsAny(lower, answerKeywords) && wordCount(lower) <= 14 {
		return IntentAnswer, 0.7
	}
	return IntentExplore, 0.5
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// Capabilities is a live snapshot of which search layers are ready.
type Capabilities struct {
	Topics bool
	Vector bool
	Bm25   bool
	Toc    bool
}

// Tier maps a Capabilities snapshot to a numbered capability tier: 1 means
// only raw events are available, 5 means every layer is ready.
func (c Capabilities) Tier() int {
	switch {
	case !c.Toc:
		return 1
	case c.Topics && c.Vector && c.Bm25:
		return 5
	case c.Vector && c.Bm25:
		return 4
	case c.Bm25:
		return 3
	default:
		return 2
	}
}

// fallbackOrder is the preferred per-intent layer ordering.
var fallbackOrder = map[Intent][]string{
	IntentExplore:   {"topic", "vector", "bm25", "toc"},
	IntentAnswer:    {"bm25", "vector", "toc"},
	IntentLocate:    {"toc", "bm25", "vector"},
	IntentTimeBoxed: {"events", "toc", "bm25"},
}

// Hit is a layer-agnostic search result surfaced by RouteQuery.
type Hit struct {
	Source string // which layer produced this hit: topic, vector, bm25, toc, events
	DocID  string
	Score  float64
	Title  string
}

// Hints carries optional caller-supplied routing signals.
type Hints struct {
	Intent      *Intent
	AgentFilter string
	TimeRange   *types.TimeRange
}

// Explainability records what the router decided.
type Explainability struct {
	Intent      Intent
	Confidence  float64
	Tier        int
	LayerUsed   string
	LayersTried []string
}

// Result is RouteQuery's output.
type Result struct {
	Hits           []Hit
	Explainability Explainability
}

// Router wires the search layers together. Any layer may be nil, in which
// case Capabilities for it must be false and it is skipped.
type Router struct {
	Store    *storage.Storage
	BmIdx    *bm25.Index
	VecIdx   *vectorindex.Index
	Embedder embed.Embedder
	Caps     func() Capabilities
}

// RouteQuery classifies intent, detects the live capability tier, and walks
// the intent's fallback chain, stopping at the first layer that returns a
// non-empty result. The response always carries the full explainability
// payload regardless of outcome.
func (r *Router) RouteQuery(ctx context.Context, query string, hints Hints) (Result, error) {
	caps := r.Caps()
	intent, confidence := IntentExplore, 0.5
	if hints.Intent != nil {
		intent, confidence = *hints.Intent, 1.0
	} else {
		intent, confidence = ClassifyIntent(query, hints.TimeRange != nil)
	}

	expl := Explainability{Intent: intent, Confidence: confidence, Tier: caps.Tier()}

	for _, layer := range fallbackOrder[intent] {
		if !r.layerAvailable(layer, caps) {
			continue
		}
		expl.LayersTried = append(expl.LayersTried, layer)
		hits, err := r.runLayer(ctx, layer, query, hints)
		if err != nil {
			continue // layer error: fall through to the next layer in the chain
		}
		if len(hits) > 0 {
			expl.LayerUsed = layer
			return Result{Hits: hits, Explainability: expl}, nil
		}
	}

	return Result{Explainability: expl}, nil
}

func (r *Router) layerAvailable(layer string, caps Capabilities) bool {
	switch layer {
	case "topic":
		return caps.Topics
	case "vector":
		return caps.Vector
	case "bm25":
		return caps.Bm25
	case "toc", "events":
		return caps.Toc
	default:
		return false
	}
}

func (r *Router) runLayer(ctx context.Context, layer, query string, hints Hints) ([]Hit, error) {
	switch layer {
	case "topic":
		return r.topicLayer(ctx, query, hints)
	case "vector":
		return r.vectorLayer(ctx, query, hints)
	case "bm25":
		return r.bm25Layer(ctx, query, hints)
	case "toc":
		return r.tocLayer(ctx, query, hints)
	case "events":
		return r.eventsLayer(ctx, hints)
	default:
		return nil, nil
	}
}

func (r *Router) topicLayer(ctx context.Context, query string, hints Hints) ([]Hit, error) {
	ts, err := topics.GetTopicsByQuery(ctx, r.Store, r.Embedder, query, 10)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(ts))
	for i, t := range ts {
		hits[i] = Hit{Source: "topic", DocID: t.TopicID, Title: t.Label, Score: t.ImportanceScore}
	}
	return hits, nil
}

func (r *Router) vectorLayer(ctx context.Context, query string, hints Hints) ([]Hit, error) {
	matches, err := r.VecIdx.Search(ctx, query, 10, 0, "", true)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{Source: "vector", DocID: m.DocID, Score: m.Similarity}
	}
	return hits, nil
}

func (r *Router) bm25Layer(ctx context.Context, query string, hints Hints) ([]Hit, error) {
	matches, err := r.BmIdx.Search(ctx, query, "", "", hints.AgentFilter, 10)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(matches))
	for i, m := range matches {
		hits[i] = Hit{Source: "bm25", DocID: m.DocID, Score: m.Score}
	}
	return hits, nil
}

// tocLayer ranks Day-level nodes by lexical term overlap with the query,
// optionally restricted to a caller time range — the "TOC (time-filter)"
// preferred layer for Locate intent.
func (r *Router) tocLayer(ctx context.Context, query string, hints Hints) ([]Hit, error) {
	nodes, err := r.Store.ListTocNodesByLevel(ctx, types.LevelDay)
	if err != nil {
		return nil, err
	}
	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		node  types.TocNode
		score float64
	}
	var scoredList []scored
	for _, n := range nodes {
		if hints.TimeRange != nil && (n.TimeRange.EndMs < hints.TimeRange.StartMs || n.TimeRange.StartMs > hints.TimeRange.EndMs) {
			continue
		}
		text := strings.ToLower(n.Title)
		for _, b := range n.Bullets {
			text += " " + strings.ToLower(b.Text)
		}
		overlap := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				overlap++
			}
		}
		if overlap == 0 {
			continue
		}
		scoredList = append(scoredList, scored{n, float64(overlap)})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })

	hits := make([]Hit, len(scoredList))
	for i, s := range scoredList {
		hits[i] = Hit{Source: "toc", DocID: s.node.NodeID, Title: s.node.Title, Score: s.score}
	}
	return hits, nil
}

// eventsLayer returns raw events in the hinted time range, used for
// TimeBoxed intent and as the Tier-1 fallback when TOC has not been built.
func (r *Router) eventsLayer(ctx context.Context, hints Hints) ([]Hit, error) {
	if hints.TimeRange == nil {
		return nil, nil
	}
	events, err := r.Store.GetEventsInRange(ctx, hints.TimeRange.StartMs, hints.TimeRange.EndMs)
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, len(events))
	for i, e := range events {
		hits[i] = Hit{Source: "events", DocID: e.EventID, Title: e.Text}
	}
	return hits, nil
}
