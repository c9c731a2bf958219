// Package storage implements the engine's column-family storage layer on
// top of an embedded ordered key-value store ([kv.Store]). It owns key
// encoding, atomic batched writes, and range iteration for every family in
// the data model: events, toc_nodes, toc_latest, grips, outbox,
// checkpoints, vector_meta, topics, and topic_links.
//
// All mutators that must be atomic (event+outbox, node+latest-pointer) use
// a single [kv.Store.BatchSet] call, which the Badger-backed store commits
// as one write batch.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tocmemory/engine/pkg/kv"
	"github.com/tocmemory/engine/pkg/types"
)

// Sentinel errors returned by Storage. The service boundary maps these to
// the RPC error taxonomy; domain code should use errors.Is against these.
var (
	ErrNotFound = errors.New("storage: not found")
	ErrConflict = errors.New("storage: conflict")
)

// Column family name segments. These are the first segment of every key.
const (
	famEvents      = "events"
	famTocNodes    = "toc_nodes"
	famTocLatest   = "toc_latest"
	famGrips       = "grips"
	famOutbox      = "outbox"
	famCheckpoints = "checkpoints"
	famVectorMeta  = "vector_meta"
	famTopics      = "topics"
	famTopicLinks  = "topic_links"
)

// outboxSeqCheckpointKey is the checkpoint key used to persist the
// monotonic outbox sequence counter.
const outboxSeqCheckpointKey = "outbox_seq"

// Storage is the column-family storage engine. It is safe for concurrent
// use; ingest-path sequence allocation is serialized by an internal mutex,
// matching the "single logical writer per family" concurrency model.
type Storage struct {
	store kv.Store

	mu        sync.Mutex
	outboxSeq uint64
	seqLoaded bool
}

// New wraps a kv.Store as a column-family Storage engine.
func New(store kv.Store) *Storage {
	return &Storage{store: store}
}

// Close releases the underlying store.
func (s *Storage) Close() error { return s.store.Close() }

func encodeMsgpack(v any) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("storage: encode: %w", err)
	}
	return b, nil
}

func decodeMsgpack(b []byte, v any) error {
	if err := msgpack.Unmarshal(b, v); err != nil {
		return fmt.Errorf("storage: decode: %w", err)
	}
	return nil
}

func mapNotFound(err error) error {
	if errors.Is(err, kv.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ---------------------------------------------------------------------------
// Events + Outbox (atomic)
// ---------------------------------------------------------------------------

// PutEvent atomically writes an event and its companion outbox entry. If an
// event with the same EventID already exists, PutEvent is a no-op and
// returns (false, nil) — this is the idempotent-ingest contract: duplicate
// IngestEvent calls never produce a second stored event or outbox entry.
func (s *Storage) PutEvent(ctx context.Context, ev types.Event) (created bool, err error) {
	key := kv.Key{famEvents, ev.EventID}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.store.Get(ctx, key); err == nil {
		return false, nil
	} else if !errors.Is(err, kv.ErrNotFound) {
		return false, err
	}

	seq, err := s.nextOutboxSequenceLocked(ctx)
	if err != nil {
		return false, err
	}

	evData, err := encodeMsgpack(ev)
	if err != nil {
		return false, err
	}
	entry := types.OutboxEntry{
		Sequence:    seq,
		EventID:     ev.EventID,
		TimestampMs: ev.TimestampMs,
		Action:      types.ActionIndexEvent,
	}
	entryData, err := encodeMsgpack(entry)
	if err != nil {
		return false, err
	}

	seqData, err := encodeMsgpack(s.outboxSeq)
	if err != nil {
		return false, err
	}

	err = s.store.BatchSet(ctx, []kv.Entry{
		{Key: key, Value: evData},
		{Key: outboxKey(seq), Value: entryData},
		{Key: checkpointKeyFor(outboxSeqCheckpointKey), Value: seqData},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetEvent fetches a single event by id.
func (s *Storage) GetEvent(ctx context.Context, eventID string) (types.Event, error) {
	var ev types.Event
	data, err := s.store.Get(ctx, kv.Key{famEvents, eventID})
	if err != nil {
		return ev, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &ev); err != nil {
		return ev, err
	}
	return ev, nil
}

// GetEventsInRange returns events with TimestampMs in [fromMs, toMs],
// ordered by event id (which is timestamp-prefixed, so this is also
// timestamp order with an entropy tiebreak).
func (s *Storage) GetEventsInRange(ctx context.Context, fromMs, toMs int64) ([]types.Event, error) {
	var out []types.Event
	for entry, err := range s.store.List(ctx, kv.Key{famEvents}) {
		if err != nil {
			return nil, err
		}
		var ev types.Event
		if err := decodeMsgpack(entry.Value, &ev); err != nil {
			return nil, err
		}
		if ev.TimestampMs < fromMs || ev.TimestampMs > toMs {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Outbox
// ---------------------------------------------------------------------------

func outboxKey(seq uint64) kv.Key {
	return kv.Key{famOutbox, fmt.Sprintf("%020d", seq)}
}

// AppendOutboxEntry appends a standalone outbox entry (for TOC/grip writes
// that are not tied to a single ingest), allocating the next sequence
// atomically alongside the caller-supplied batch entries. Callers pass the
// domain entries (e.g. the TOC node write) they want committed in the same
// batch as the outbox append.
func (s *Storage) AppendOutboxEntry(ctx context.Context, entry types.OutboxEntry, extra ...kv.Entry) (types.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.nextOutboxSequenceLocked(ctx)
	if err != nil {
		return entry, err
	}
	entry.Sequence = seq

	data, err := encodeMsgpack(entry)
	if err != nil {
		return entry, err
	}
	seqData, err := encodeMsgpack(s.outboxSeq)
	if err != nil {
		return entry, err
	}

	batch := append([]kv.Entry{
		{Key: outboxKey(seq), Value: data},
		{Key: checkpointKeyFor(outboxSeqCheckpointKey), Value: seqData},
	}, extra...)

	if err := s.store.BatchSet(ctx, batch); err != nil {
		return entry, err
	}
	return entry, nil
}

// nextOutboxSequenceLocked returns the next sequence number. Callers must
// hold s.mu. It lazily loads the persisted counter on first use.
func (s *Storage) nextOutboxSequenceLocked(ctx context.Context) (uint64, error) {
	if !s.seqLoaded {
		data, err := s.store.Get(ctx, checkpointKeyFor(outboxSeqCheckpointKey))
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return 0, err
		}
		if err == nil {
			var v uint64
			if err := decodeMsgpack(data, &v); err != nil {
				return 0, err
			}
			s.outboxSeq = v
		}
		s.seqLoaded = true
	}
	s.outboxSeq++
	return s.outboxSeq, nil
}

// GetOutboxEntries returns up to limit entries with sequence >= startSeq,
// ordered by sequence.
func (s *Storage) GetOutboxEntries(ctx context.Context, startSeq uint64, limit int) ([]types.OutboxEntry, error) {
	var out []types.OutboxEntry
	for entry, err := range s.store.List(ctx, kv.Key{famOutbox}) {
		if err != nil {
			return nil, err
		}
		if len(out) >= limit {
			break
		}
		var oe types.OutboxEntry
		if err := decodeMsgpack(entry.Value, &oe); err != nil {
			return nil, err
		}
		if oe.Sequence < startSeq {
			continue
		}
		out = append(out, oe)
	}
	return out, nil
}

// DeleteOutboxEntries atomically deletes all outbox entries with sequence
// <= upToSeq (inclusive).
func (s *Storage) DeleteOutboxEntries(ctx context.Context, upToSeq uint64) error {
	var keys []kv.Key
	for entry, err := range s.store.List(ctx, kv.Key{famOutbox}) {
		if err != nil {
			return err
		}
		var oe types.OutboxEntry
		if err := decodeMsgpack(entry.Value, &oe); err != nil {
			return err
		}
		if oe.Sequence <= upToSeq {
			keys = append(keys, entry.Key)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	return s.store.BatchDelete(ctx, keys)
}

// ---------------------------------------------------------------------------
// TOC nodes + latest pointer (atomic)
// ---------------------------------------------------------------------------

func tocNodeKey(nodeID string, version uint32) kv.Key {
	return kv.Key{famTocNodes, nodeID, fmt.Sprintf("%010d", version)}
}

func tocLatestKey(nodeID string) kv.Key {
	return kv.Key{famTocLatest, nodeID}
}

// PutTocNode writes node at the next version for its NodeID and updates the
// "latest" pointer in the same atomic batch, so a reader can never observe
// a latest pointer older than the newest persisted node it names.
func (s *Storage) PutTocNode(ctx context.Context, node types.TocNode) (types.TocNode, error) {
	current, err := s.latestVersion(ctx, node.NodeID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return node, err
	}
	node.Version = current + 1

	nodeData, err := encodeMsgpack(node)
	if err != nil {
		return node, err
	}
	latestData, err := encodeMsgpack(node.Version)
	if err != nil {
		return node, err
	}

	err = s.store.BatchSet(ctx, []kv.Entry{
		{Key: tocNodeKey(node.NodeID, node.Version), Value: nodeData},
		{Key: tocLatestKey(node.NodeID), Value: latestData},
	})
	if err != nil {
		return node, err
	}
	return node, nil
}

func (s *Storage) latestVersion(ctx context.Context, nodeID string) (uint32, error) {
	data, err := s.store.Get(ctx, tocLatestKey(nodeID))
	if err != nil {
		return 0, mapNotFound(err)
	}
	var v uint32
	if err := decodeMsgpack(data, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// GetLatestTocNode resolves the latest version of nodeID.
func (s *Storage) GetLatestTocNode(ctx context.Context, nodeID string) (types.TocNode, error) {
	v, err := s.latestVersion(ctx, nodeID)
	if err != nil {
		return types.TocNode{}, err
	}
	return s.GetTocNodeVersion(ctx, nodeID, v)
}

// GetTocNodeVersion fetches a specific version of a node.
func (s *Storage) GetTocNodeVersion(ctx context.Context, nodeID string, version uint32) (types.TocNode, error) {
	var node types.TocNode
	data, err := s.store.Get(ctx, tocNodeKey(nodeID, version))
	if err != nil {
		return node, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &node); err != nil {
		return node, err
	}
	return node, nil
}

// ListTocNodesByLevel returns the latest version of every node at the given
// level. Used by rollup jobs and by GetTocRoot (level=Year).
func (s *Storage) ListTocNodesByLevel(ctx context.Context, level types.TocLevel) ([]types.TocNode, error) {
	seen := map[string]bool{}
	var out []types.TocNode
	for entry, err := range s.store.List(ctx, kv.Key{famTocLatest}) {
		if err != nil {
			return nil, err
		}
		nodeID := entry.Key[len(entry.Key)-1]
		if seen[nodeID] {
			continue
		}
		seen[nodeID] = true
		node, err := s.GetLatestTocNode(ctx, nodeID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if node.Level == level {
			out = append(out, node)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Grips
// ---------------------------------------------------------------------------

func gripKey(gripID string) kv.Key { return kv.Key{famGrips, gripID} }

// PutGrip persists a grip. Empty-excerpt grips are rejected at creation per
// the boundary-behaviour contract; existing grips with empty excerpts may
// still be read back as-is (backwards compatibility for data written before
// this rule existed).
func (s *Storage) PutGrip(ctx context.Context, g types.Grip) error {
	if g.Excerpt == "" {
		return fmt.Errorf("%w: grip excerpt must not be empty", ErrConflict)
	}
	data, err := encodeMsgpack(g)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, gripKey(g.GripID), data)
}

// GetGrip fetches a grip by id.
func (s *Storage) GetGrip(ctx context.Context, gripID string) (types.Grip, error) {
	var g types.Grip
	data, err := s.store.Get(ctx, gripKey(gripID))
	if err != nil {
		return g, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &g); err != nil {
		return g, err
	}
	return g, nil
}

// GetGripsInRange returns grips with TimestampMs in [fromMs, toMs].
func (s *Storage) GetGripsInRange(ctx context.Context, fromMs, toMs int64) ([]types.Grip, error) {
	var out []types.Grip
	for entry, err := range s.store.List(ctx, kv.Key{famGrips}) {
		if err != nil {
			return nil, err
		}
		var g types.Grip
		if err := decodeMsgpack(entry.Value, &g); err != nil {
			return nil, err
		}
		if g.TimestampMs < fromMs || g.TimestampMs > toMs {
			continue
		}
		out = append(out, g)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Checkpoints
// ---------------------------------------------------------------------------

func checkpointKeyFor(job string) kv.Key { return kv.Key{famCheckpoints, job} }

// PutCheckpoint overwrites the checkpoint for job in place.
func (s *Storage) PutCheckpoint(ctx context.Context, cp types.Checkpoint) error {
	data, err := encodeMsgpack(cp)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, checkpointKeyFor(cp.Key), data)
}

// GetCheckpoint fetches the checkpoint for job, or ErrNotFound if never set.
func (s *Storage) GetCheckpoint(ctx context.Context, job string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	data, err := s.store.Get(ctx, checkpointKeyFor(job))
	if err != nil {
		return cp, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &cp); err != nil {
		return cp, err
	}
	return cp, nil
}

// ---------------------------------------------------------------------------
// Vector metadata
// ---------------------------------------------------------------------------

func vectorMetaKey(docID string) kv.Key { return kv.Key{famVectorMeta, docID} }

// PutVectorMeta persists vector metadata for docID.
func (s *Storage) PutVectorMeta(ctx context.Context, ve types.VectorEntry) error {
	data, err := encodeMsgpack(ve)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, vectorMetaKey(ve.DocID), data)
}

// GetVectorMeta fetches vector metadata for docID.
func (s *Storage) GetVectorMeta(ctx context.Context, docID string) (types.VectorEntry, error) {
	var ve types.VectorEntry
	data, err := s.store.Get(ctx, vectorMetaKey(docID))
	if err != nil {
		return ve, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &ve); err != nil {
		return ve, err
	}
	return ve, nil
}

// DeleteVectorMeta removes vector metadata for docID. This "prunes" the
// vector from results without touching the ANN structure itself — a lookup
// miss on docID makes the orphaned vector unreachable until rebuild.
func (s *Storage) DeleteVectorMeta(ctx context.Context, docID string) error {
	return s.store.Delete(ctx, vectorMetaKey(docID))
}

// ListVectorMeta iterates every persisted vector metadata entry.
func (s *Storage) ListVectorMeta(ctx context.Context) ([]types.VectorEntry, error) {
	var out []types.VectorEntry
	for entry, err := range s.store.List(ctx, kv.Key{famVectorMeta}) {
		if err != nil {
			return nil, err
		}
		var ve types.VectorEntry
		if err := decodeMsgpack(entry.Value, &ve); err != nil {
			return nil, err
		}
		out = append(out, ve)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Topics + topic links
// ---------------------------------------------------------------------------

func topicKey(topicID string) kv.Key { return kv.Key{famTopics, topicID} }

// PutTopic creates or overwrites a topic record.
func (s *Storage) PutTopic(ctx context.Context, t types.Topic) error {
	data, err := encodeMsgpack(t)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, topicKey(t.TopicID), data)
}

// GetTopic fetches a topic by id.
func (s *Storage) GetTopic(ctx context.Context, topicID string) (types.Topic, error) {
	var t types.Topic
	data, err := s.store.Get(ctx, topicKey(topicID))
	if err != nil {
		return t, mapNotFound(err)
	}
	if err := decodeMsgpack(data, &t); err != nil {
		return t, err
	}
	return t, nil
}

// ListTopics iterates all topics regardless of status.
func (s *Storage) ListTopics(ctx context.Context) ([]types.Topic, error) {
	var out []types.Topic
	for entry, err := range s.store.List(ctx, kv.Key{famTopics}) {
		if err != nil {
			return nil, err
		}
		var t types.Topic
		if err := decodeMsgpack(entry.Value, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func topicLinkKey(topicID, nodeID string, kind types.TopicLinkKind) kv.Key {
	return kv.Key{famTopicLinks, topicID, string(kind), nodeID}
}

// PutTopicLink appends a link from a topic to a node (or to another topic,
// for "similar"/"parent"/"child" kinds, with NodeID holding the peer topic
// id). The bidirectional index is maintained by also writing the reverse
// key so callers can look up either "links for topic" or "topics for node".
func (s *Storage) PutTopicLink(ctx context.Context, l types.TopicLink) error {
	data, err := encodeMsgpack(l)
	if err != nil {
		return err
	}
	fwd := topicLinkKey(l.TopicID, l.NodeID, l.Kind)
	rev := topicLinkKey(l.NodeID, l.TopicID, reverseKind(l.Kind))
	return s.store.BatchSet(ctx, []kv.Entry{
		{Key: fwd, Value: data},
		{Key: rev, Value: data},
	})
}

func reverseKind(k types.TopicLinkKind) types.TopicLinkKind {
	switch k {
	case types.LinkParent:
		return types.LinkChild
	case types.LinkChild:
		return types.LinkParent
	default:
		return k
	}
}

// GetTopicLinks returns all links for topicID across all kinds.
func (s *Storage) GetTopicLinks(ctx context.Context, topicID string) ([]types.TopicLink, error) {
	var out []types.TopicLink
	for entry, err := range s.store.List(ctx, kv.Key{famTopicLinks, topicID}) {
		if err != nil {
			return nil, err
		}
		var l types.TopicLink
		if err := decodeMsgpack(entry.Value, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}
