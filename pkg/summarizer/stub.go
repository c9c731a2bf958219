package summarizer

import (
	"context"
	"sort"
	"strings"

	"github.com/tocmemory/engine/pkg/types"
)

// Stub is a deterministic Summarizer/RollupSummarizer with no external
// dependencies, for tests and for engines run without a configured LLM
// provider. Title is derived from the first non-empty event text, bullets
// are one per event, keywords are the most frequent words.
type Stub struct{}

var (
	_ Summarizer       = Stub{}
	_ RollupSummarizer = Stub{}
)

func (Stub) Summarize(_ context.Context, events []types.Event) (Summary, error) {
	var bullets []BulletInput
	var grips []GripInput
	title := ""

	for _, e := range events {
		if e.Text == "" {
			continue
		}
		if title == "" {
			title = truncate(e.Text, 60)
		}
		grips = append(grips, GripInput{
			Excerpt:      truncate(e.Text, 240),
			EventIDStart: e.EventID,
			EventIDEnd:   e.EventID,
			TimestampMs:  e.TimestampMs,
		})
		bullets = append(bullets, BulletInput{
			Text:     truncate(e.Text, 120),
			GripIdxs: []int{len(grips) - 1},
		})
	}
	if title == "" {
		title = "(empty segment)"
	}

	return Summary{
		Title:    title,
		Bullets:  bullets,
		Keywords: topKeywords(events, 8),
		Grips:    grips,
	}, nil
}

func (s Stub) Rollup(_ context.Context, children []types.TocNode) (Summary, error) {
	if len(children) == 0 {
		return Summary{}, nil
	}
	bullets := make([]BulletInput, 0, len(children))
	keywordCounts := map[string]int{}
	for _, c := range children {
		bullets = append(bullets, BulletInput{Text: c.Title})
		for _, kw := range c.Keywords {
			keywordCounts[kw]++
		}
	}
	return Summary{
		Title:    children[0].Title + " and related",
		Bullets:  bullets,
		Keywords: rankKeywords(keywordCounts, 8),
	}, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

func topKeywords(events []types.Event, limit int) []string {
	counts := map[string]int{}
	for _, e := range events {
		for _, w := range strings.Fields(strings.ToLower(e.Text)) {
			w = strings.Trim(w, ".,!?;:\"'()[]{}")
			if len(w) < 4 {
				continue
			}
			counts[w]++
		}
	}
	return rankKeywords(counts, limit)
}

func rankKeywords(counts map[string]int, limit int) []string {
	type kc struct {
		word  string
		count int
	}
	list := make([]kc, 0, len(counts))
	for w, c := range counts {
		list = append(list, kc{w, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].count != list[j].count {
			return list[i].count > list[j].count
		}
		return list[i].word < list[j].word
	})
	if len(list) > limit {
		list = list[:limit]
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.word
	}
	return out
}
