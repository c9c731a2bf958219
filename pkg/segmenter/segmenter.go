// Package segmenter cuts a session's event stream into Segment boundaries
// by time-gap and token-count thresholds, replaying a fixed overlap window
// into each new segment so summarization has continuity across the cut.
package segmenter

import (
	"time"

	"github.com/tocmemory/engine/pkg/types"
)

// Policy configures segmentation thresholds. Zero-valued fields fall back
// to DefaultPolicy's values.
type Policy struct {
	// TimeGap is the minimum gap between consecutive events that forces a
	// new segment to start. Default 30 minutes.
	TimeGap time.Duration

	// TokenThreshold is the running token estimate (since the segment's
	// start) that forces a new segment to start. Default 4096.
	TokenThreshold int

	// OverlapTime bounds the overlap window by wall-clock time.
	// Default 5 minutes.
	OverlapTime time.Duration

	// OverlapTokens bounds the overlap window by token estimate.
	// Default 500.
	OverlapTokens int
}

// DefaultPolicy returns the default segmentation policy.
func DefaultPolicy() Policy {
	return Policy{
		TimeGap:        30 * time.Minute,
		TokenThreshold: 4096,
		OverlapTime:    5 * time.Minute,
		OverlapTokens:  500,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.TimeGap <= 0 {
		p.TimeGap = d.TimeGap
	}
	if p.TokenThreshold <= 0 {
		p.TokenThreshold = d.TokenThreshold
	}
	if p.OverlapTime <= 0 {
		p.OverlapTime = d.OverlapTime
	}
	if p.OverlapTokens <= 0 {
		p.OverlapTokens = d.OverlapTokens
	}
	return p
}

// EstimateTokens approximates token count as one token per ~4 bytes of
// UTF-8 text, a deterministic, language-agnostic counter chosen so that
// segmentation cut points are reproducible.
func EstimateTokens(text string) int {
	n := len(text) / 4
	if n == 0 && text != "" {
		n = 1
	}
	return n
}

// Segment is a contiguous, closed slice of a session's events plus the
// overlap events carried in from the prior segment for summarization
// continuity. Overlap events are not part of EventRange.
type Segment struct {
	SessionID string
	Events    []types.Event // this segment's own events, contiguous
	Overlap   []types.Event // trailing events replayed from the prior segment
}

// EventRange returns the closed [first,last] event id interval owned by
// this segment (excludes overlap events, which still belong to the prior
// segment's range).
func (s Segment) EventRange() types.EventRange {
	if len(s.Events) == 0 {
		return types.EventRange{}
	}
	return types.EventRange{
		FirstEventID: s.Events[0].EventID,
		LastEventID:  s.Events[len(s.Events)-1].EventID,
	}
}

// InputEvents returns the overlap events followed by this segment's own
// events, i.e. the full input stream to hand to the summarizer.
func (s Segment) InputEvents() []types.Event {
	out := make([]types.Event, 0, len(s.Overlap)+len(s.Events))
	out = append(out, s.Overlap...)
	out = append(out, s.Events...)
	return out
}

// Split cuts session's ordered events into segments per Policy's rules,
// evaluated in order: session boundary, time-gap, token-threshold, then
// fixed overlap replay into the next segment.
func Split(events []types.Event, policy Policy) []Segment {
	policy = policy.withDefaults()
	if len(events) == 0 {
		return nil
	}

	var segments []Segment
	var cur []types.Event
	tokens := 0

	flush := func() {
		if len(cur) == 0 {
			return
		}
		seg := Segment{SessionID: cur[0].SessionID, Events: cur}
		if len(segments) > 0 {
			seg.Overlap = overlapWindow(segments[len(segments)-1].Events, policy)
		}
		segments = append(segments, seg)
		cur = nil
		tokens = 0
	}

	for i, e := range events {
		if i > 0 {
			prev := events[i-1]
			gap := time.Duration(e.TimestampMs-prev.TimestampMs) * time.Millisecond
			newSession := e.SessionID != prev.SessionID
			timeGapExceeded := gap >= policy.TimeGap
			tokenExceeded := tokens >= policy.TokenThreshold
			if newSession || timeGapExceeded || tokenExceeded {
				flush()
			}
		}
		cur = append(cur, e)
		tokens += EstimateTokens(e.Text)
	}
	flush()

	return segments
}

// overlapWindow returns the trailing suffix of prior's events bounded by
// whichever of OverlapTime or OverlapTokens is smaller in effect — events
// are included from the end until either bound would be exceeded.
func overlapWindow(prior []types.Event, policy Policy) []types.Event {
	if len(prior) == 0 {
		return nil
	}
	end := prior[len(prior)-1].TimestampMs
	tokens := 0
	start := len(prior)
	for i := len(prior) - 1; i >= 0; i-- {
		elapsed := time.Duration(end-prior[i].TimestampMs) * time.Millisecond
		candidateTokens := tokens + EstimateTokens(prior[i].Text)
		if elapsed > policy.OverlapTime || candidateTokens > policy.OverlapTokens {
			break
		}
		tokens = candidateTokens
		start = i
	}
	if start == len(prior) {
		return nil
	}
	out := make([]types.Event, len(prior)-start)
	copy(out, prior[start:])
	return out
}
