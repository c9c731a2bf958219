// Package vectorindex provides the "vector teleport" semantic search layer:
// an embedding port in front of a [vecstore.Index] (HNSW by default),
// persisted vector metadata for filtering and pruning, and reciprocal-rank
// fusion with BM25 for hybrid search.
package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tocmemory/engine/pkg/bm25"
	"github.com/tocmemory/engine/pkg/blobstore"
	"github.com/tocmemory/engine/pkg/embed"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
	"github.com/tocmemory/engine/pkg/vecstore"
)

// ErrUnavailable is returned when the vector layer is disabled.
var ErrUnavailable = errors.New("vectorindex: unavailable")

// ErrModelMismatch is returned at startup when the persisted model
// fingerprint does not match the configured embedder, signaling a model
// upgrade that requires a full rebuild.
var ErrModelMismatch = errors.New("vectorindex: embedding model fingerprint mismatch, rebuild required")

var retentionDays = map[types.TocLevel]int{
	types.LevelSegment: 30,
	types.LevelDay:      180,
	types.LevelWeek:     365 * 5,
	types.LevelMonth:    0,
	types.LevelYear:     0,
}

// Index is the vector teleport layer.
type Index struct {
	store       *storage.Storage
	ann         vecstore.Index
	embedder    embed.Embedder
	fingerprint string
}

// New wraps an ANN index and embedder. fingerprint identifies the embedding
// model+dimension pair (e.g. "text-embedding-3-small:1536") and is persisted
// alongside vector metadata to detect a model change at startup.
func New(store *storage.Storage, ann vecstore.Index, embedder embed.Embedder, fingerprint string) *Index {
	return &Index{store: store, ann: ann, embedder: embedder, fingerprint: fingerprint}
}

// Name identifies this indexer for outbox checkpointing.
func (x *Index) Name() string { return "vector" }

// CheckFingerprint compares the configured fingerprint against any
// previously persisted vector metadata. A mismatch means the embedding
// model changed since the last rebuild and a full re-embed is required
// before vector search results can be trusted.
func (x *Index) CheckFingerprint(ctx context.Context) error {
	entries, err := x.store.ListVectorMeta(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.ModelFingerprint != "" && e.ModelFingerprint != x.fingerprint {
			return fmt.Errorf("%w: stored %q, configured %q", ErrModelMismatch, e.ModelFingerprint, x.fingerprint)
		}
		return nil // only need to check one; all entries share a fingerprint by construction
	}
	return nil
}

func nodeText(n types.TocNode) string {
	var sb strings.Builder
	sb.WriteString(n.Title)
	for _, b := range n.Bullets {
		sb.WriteString(" ")
		sb.WriteString(b.Text)
	}
	for _, kw := range n.Keywords {
		sb.WriteString(" ")
		sb.WriteString(kw)
	}
	return sb.String()
}

// IndexTocNode embeds the node's text and (re)inserts it into the ANN index
// plus its vector_meta record.
func (x *Index) IndexTocNode(ctx context.Context, nodeID string) error {
	node, err := x.store.GetLatestTocNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return x.remove(nodeID)
		}
		return err
	}
	text := nodeText(node)
	if text == "" {
		return nil
	}
	vec, err := x.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("vectorindex: embed %s: %w", nodeID, err)
	}
	if err := x.ann.Insert(nodeID, vec); err != nil {
		return fmt.Errorf("vectorindex: insert %s: %w", nodeID, err)
	}
	return x.store.PutVectorMeta(ctx, types.VectorEntry{
		DocID:            nodeID,
		DocType:          types.DocTocNode,
		Level:            node.Level,
		Agent:            strings.Join(node.ContributingAgents, " "),
		TimestampMs:      node.TimeRange.StartMs,
		ModelFingerprint: x.fingerprint,
	})
}

// IndexGrip embeds the grip's excerpt and (re)inserts it.
func (x *Index) IndexGrip(ctx context.Context, gripID string) error {
	g, err := x.store.GetGrip(ctx, gripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return x.remove(gripID)
		}
		return err
	}
	vec, err := x.embedder.Embed(ctx, g.Excerpt)
	if err != nil {
		return fmt.Errorf("vectorindex: embed %s: %w", gripID, err)
	}
	if err := x.ann.Insert(gripID, vec); err != nil {
		return fmt.Errorf("vectorindex: insert %s: %w", gripID, err)
	}
	return x.store.PutVectorMeta(ctx, types.VectorEntry{
		DocID:            gripID,
		DocType:          types.DocGrip,
		TimestampMs:      g.TimestampMs,
		ModelFingerprint: x.fingerprint,
	})
}

func (x *Index) remove(docID string) error {
	return x.ann.Delete(docID)
}

// Commit flushes the ANN index after a processed batch.
func (x *Index) Commit(context.Context) error {
	return x.ann.Flush()
}

// Hit is a single vector search result.
type Hit struct {
	DocID      string
	DocType    types.DocType
	Similarity float64
	Level      types.TocLevel
	Agent      string
}

// Search implements vector_search: embeds the query and returns ANN matches
// with similarity ≥ minSimilarity, optionally filtered by level and grip
// inclusion.
func (x *Index) Search(ctx context.Context, query string, limit int, minSimilarity float64, level types.TocLevel, includeGrips bool) ([]Hit, error) {
	if x.ann == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("vectorindex: empty query")
	}
	vec, err := x.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: embed query: %w", err)
	}

	// Over-fetch to leave room for metadata-filtered-out and orphaned hits.
	matches, err := x.ann.Search(vec, limit*4+16)
	if err != nil {
		return nil, fmt.Errorf("vectorindex: search: %w", err)
	}

	hits := make([]Hit, 0, limit)
	for _, m := range matches {
		if len(hits) >= limit {
			break
		}
		meta, err := x.store.GetVectorMeta(ctx, m.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // orphaned vector: metadata lookup failed, skip it
			}
			return nil, err
		}
		similarity := 1 - float64(m.Distance)
		if similarity < minSimilarity {
			continue
		}
		if level != "" && meta.Level != level {
			continue
		}
		if !includeGrips && meta.DocType == types.DocGrip {
			continue
		}
		hits = append(hits, Hit{DocID: m.ID, DocType: meta.DocType, Similarity: similarity, Level: meta.Level, Agent: meta.Agent})
	}
	return hits, nil
}

// FusedHit is one result of a hybrid BM25+vector search.
type FusedHit struct {
	DocID         string
	DocType       types.DocType
	CombinedScore float64
	Bm25Score     float64
	VectorScore   float64
}

// rrfK is the reciprocal-rank-fusion constant.
const rrfK = 60

// HybridSearch runs both the BM25 and vector searches and fuses their
// rankings via reciprocal-rank fusion: score(d) = Σ_list w / (k + rank(d)),
// summed across lists, sorted descending. Ties break by doc_id so ordering
// is deterministic.
func HybridSearch(ctx context.Context, bmIdx *bm25.Index, vecIdx *Index, query string, limit int, bm25Weight, vectorWeight float64) ([]FusedHit, error) {
	scores := map[string]*FusedHit{}

	if bmIdx != nil && bm25Weight > 0 {
		bmHits, err := bmIdx.Search(ctx, query, "", "", "", limit*2+16)
		if err != nil && !errors.Is(err, bm25.ErrUnavailable) {
			return nil, err
		}
		for rank, h := range bmHits {
			fh := scores[h.DocID]
			if fh == nil {
				fh = &FusedHit{DocID: h.DocID, DocType: h.DocType}
				scores[h.DocID] = fh
			}
			contrib := bm25Weight / float64(rrfK+rank+1)
			fh.CombinedScore += contrib
			fh.Bm25Score = h.Score
		}
	}

	if vecIdx != nil && vectorWeight > 0 {
		vecHits, err := vecIdx.Search(ctx, query, limit*2+16, 0, "", true)
		if err != nil && !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		for rank, h := range vecHits {
			fh := scores[h.DocID]
			if fh == nil {
				fh = &FusedHit{DocID: h.DocID, DocType: h.DocType}
				scores[h.DocID] = fh
			}
			contrib := vectorWeight / float64(rrfK+rank+1)
			fh.CombinedScore += contrib
			fh.VectorScore = h.Similarity
		}
	}

	out := make([]FusedHit, 0, len(scores))
	for _, fh := range scores {
		out = append(out, *fh)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CombinedScore != out[j].CombinedScore {
			return out[i].CombinedScore > out[j].CombinedScore
		}
		return out[i].DocID < out[j].DocID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Prune deletes vector_meta entries for level older than the retention
// cutoff (or ageDays if explicit), measured back from the newest stored
// vector_meta timestamp. The ANN vectors themselves are left in place; Search
// skips them because their metadata lookup fails. Rebuild does not delete
// these orphaned vectors.
func (x *Index) Prune(ctx context.Context, level types.TocLevel, ageDays int, dryRun bool) ([]string, error) {
	cutoffDays := ageDays
	if cutoffDays <= 0 {
		cutoffDays = retentionDays[level]
	}
	if cutoffDays <= 0 {
		return nil, nil
	}
	entries, err := x.store.ListVectorMeta(ctx)
	if err != nil {
		return nil, err
	}
	nowMs := latestTimestamp(entries)
	cutoffMs := nowMs - int64(cutoffDays)*24*60*60*1000

	var ids []string
	for _, e := range entries {
		if e.Level != level {
			continue
		}
		if e.TimestampMs > cutoffMs {
			continue
		}
		ids = append(ids, e.DocID)
	}
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		if err := x.store.DeleteVectorMeta(ctx, id); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func latestTimestamp(entries []types.VectorEntry) int64 {
	var max int64
	for _, e := range entries {
		if e.TimestampMs > max {
			max = e.TimestampMs
		}
	}
	return max
}

// Rebuild deletes the ANN vector and vector_meta entry of every document that
// has vector_meta, then re-embeds every stored TOC node and grip — used both
// for periodic compaction and for model upgrades. ANN vectors whose
// vector_meta was already removed by Prune are not deleted, and documents
// that Prune dropped are re-embedded if their TOC node or grip still exists.
func (x *Index) Rebuild(ctx context.Context) error {
	existing, err := x.store.ListVectorMeta(ctx)
	if err != nil {
		return err
	}
	for _, e := range existing {
		_ = x.ann.Delete(e.DocID)
		if err := x.store.DeleteVectorMeta(ctx, e.DocID); err != nil {
			return err
		}
	}

	for _, level := range types.AllLevels {
		nodes, err := x.store.ListTocNodesByLevel(ctx, level)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := x.IndexTocNode(ctx, n.NodeID); err != nil {
				return err
			}
		}
	}

	grips, err := x.store.GetGripsInRange(ctx, math.MinInt64, math.MaxInt64)
	if err != nil {
		return fmt.Errorf("vectorindex: rebuild: list grips: %w", err)
	}
	for _, g := range grips {
		if err := x.IndexGrip(ctx, g.GripID); err != nil {
			return err
		}
	}
	return x.ann.Flush()
}

// persistedVector is the on-disk record used to rehydrate an ANN index
// across restarts, since [vecstore.Index] itself has no serialization
// format — HNSW's graph is an artifact of insertion order, so persistence
// replays (id, vector) pairs rather than the graph structure.
type persistedVector struct {
	ID     string    `msgpack:"id"`
	Vector []float32 `msgpack:"vector"`
}

// Save writes the given (id, vector) pairs to path in fs as one msgpack
// snapshot. ann is not read; callers pass the pairs to persist.
func Save(ctx context.Context, fs blobstore.FileStore, path string, ann vecstore.Index, ids []string, vectors [][]float32) error {
	records := make([]persistedVector, len(ids))
	for i := range ids {
		records[i] = persistedVector{ID: ids[i], Vector: vectors[i]}
	}
	data, err := msgpack.Marshal(records)
	if err != nil {
		return fmt.Errorf("vectorindex: encode snapshot: %w", err)
	}
	w, err := fs.Write(ctx, path)
	if err != nil {
		return fmt.Errorf("vectorindex: open %s: %w", path, err)
	}
	defer w.Close()
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("vectorindex: write %s: %w", path, err)
	}
	return nil
}

// Load rehydrates an ANN index from a snapshot written by Save.
func Load(ctx context.Context, fs blobstore.FileStore, path string, ann vecstore.Index) error {
	exists, err := fs.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	r, err := fs.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("vectorindex: open %s: %w", path, err)
	}
	defer r.Close()

	var data []byte
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		data = append(data, buf[:n]...)
		if err != nil {
			break
		}
	}

	var records []persistedVector
	if err := msgpack.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("vectorindex: decode snapshot: %w", err)
	}
	for _, rec := range records {
		if err := ann.Insert(rec.ID, rec.Vector); err != nil {
			return fmt.Errorf("vectorindex: rehydrate %s: %w", rec.ID, err)
		}
	}
	return nil
}
