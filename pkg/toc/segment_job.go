package toc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tocmemory/engine/pkg/segmenter"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

func segmentCheckpointKey(sessionID string) string {
	return fmt.Sprintf("segment_session:%s", sessionID)
}

// RunSegmentation is the scheduled entry point for cutting closed event
// segments out of every session's pending tail and ingesting each one as a
// Segment TocNode. A session's pending events are everything after its own
// segmentation checkpoint; segmenter.Split's cut rules determine where
// those events break into segments. The final segment Split returns is
// only ingested once the session has gone quiet for at least policy's
// TimeGap relative to now — otherwise it is left pending, since more
// events may still arrive to extend it.
func (b *Builder) RunSegmentation(ctx context.Context, policy segmenter.Policy, now time.Time) (int, error) {
	events, err := b.Store.GetEventsInRange(ctx, 0, now.UnixMilli())
	if err != nil {
		return 0, err
	}

	bySession := make(map[string][]types.Event)
	var sessionIDs []string
	for _, e := range events {
		if _, ok := bySession[e.SessionID]; !ok {
			sessionIDs = append(sessionIDs, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}
	sort.Strings(sessionIDs)

	timeGap := policy.TimeGap
	if timeGap <= 0 {
		timeGap = segmenter.DefaultPolicy().TimeGap
	}

	ingested := 0
	for _, sessionID := range sessionIDs {
		n, err := b.segmentSession(ctx, sessionID, bySession[sessionID], policy, timeGap, now)
		if err != nil {
			return ingested, err
		}
		ingested += n
	}
	return ingested, nil
}

func (b *Builder) segmentSession(ctx context.Context, sessionID string, sessionEvents []types.Event, policy segmenter.Policy, timeGap time.Duration, now time.Time) (int, error) {
	cp, err := b.Store.GetCheckpoint(ctx, segmentCheckpointKey(sessionID))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}

	var pending []types.Event
	for _, e := range sessionEvents {
		if cp.LastKey != "" && e.EventID <= cp.LastKey {
			continue
		}
		pending = append(pending, e)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	segments := segmenter.Split(pending, policy)
	if len(segments) == 0 {
		return 0, nil
	}

	tail := segments[len(segments)-1]
	quiet := now.Sub(time.UnixMilli(tail.Events[len(tail.Events)-1].TimestampMs)) >= timeGap
	closed := segments
	if !quiet {
		closed = segments[:len(segments)-1]
	}
	if len(closed) == 0 {
		return 0, nil
	}

	var lastEventID string
	for _, seg := range closed {
		node, err := b.IngestSegment(ctx, seg)
		if err != nil {
			return 0, fmt.Errorf("toc: ingest segment for session %s: %w", sessionID, err)
		}
		lastEventID = node.EventRange.LastEventID
	}

	cp = types.Checkpoint{
		Key:            segmentCheckpointKey(sessionID),
		LastKey:        lastEventID,
		ProcessedCount: cp.ProcessedCount + uint64(len(closed)),
		UpdatedAtMs:    now.UnixMilli(),
	}
	if err := b.Store.PutCheckpoint(ctx, cp); err != nil {
		return 0, err
	}
	return len(closed), nil
}
