// Package bm25 provides full-text "teleport" search over TOC nodes and
// grips using github.com/blevesearch/bleve/v2 as the index engine. It wraps
// bleve's public top-level API the same way [vecstore] wraps HNSW: a
// narrow domain-specific facade in front of a general-purpose library.
package bm25

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

// ErrUnavailable is returned by Search when the index has not been opened
// (feature disabled), matching the service facade's Unavailable taxonomy.
var ErrUnavailable = errors.New("bm25: index unavailable")

// document is the schema actually stored in bleve: doc_type, doc_id, level,
// agent, text (title+bullets+keywords for nodes, excerpt for grips),
// keywords, timestamp_ms.
type document struct {
	DocType     string   `json:"doc_type"`
	Level       string   `json:"level"`
	Agent       string   `json:"agent"`
	Text        string   `json:"text"`
	Keywords    []string `json:"keywords"`
	TimestampMs int64    `json:"timestamp_ms"`
}

// Hit is a single BM25 search result.
type Hit struct {
	DocID    string
	DocType  types.DocType
	Score    float64
	Level    types.TocLevel
	Agent    string
	Keywords []string
}

// retentionDays is the level-specific retention table: Segment 30d, Day
// 180d, Week 5y, Month/Year permanent (0 = no cutoff).
var retentionDays = map[types.TocLevel]int{
	types.LevelSegment: 30,
	types.LevelDay:      180,
	types.LevelWeek:     365 * 5,
	types.LevelMonth:    0,
	types.LevelYear:     0,
}

// Index is the BM25 teleport index. It is safe for concurrent use; bleve's
// own index handle serializes writers internally.
type Index struct {
	store *storage.Storage
	idx   bleve.Index
	path  string
}

func buildMapping() mapping.IndexMapping {
	keyword := bleve.NewTextFieldMapping()
	keyword.Analyzer = "keyword"

	text := bleve.NewTextFieldMapping()
	text.Analyzer = "standard"

	numeric := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("doc_type", keyword)
	doc.AddFieldMappingsAt("level", keyword)
	doc.AddFieldMappingsAt("agent", keyword)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("keywords", keyword)
	doc.AddFieldMappingsAt("timestamp_ms", numeric)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// OpenMemory creates an in-memory index, for tests and ephemeral deployments.
func OpenMemory(store *storage.Storage) (*Index, error) {
	idx, err := bleve.NewMemOnly(buildMapping())
	if err != nil {
		return nil, fmt.Errorf("bm25: new in-memory index: %w", err)
	}
	return &Index{store: store, idx: idx}, nil
}

// Open opens (or creates) a persistent index rooted at path, stored under
// a `<root>/bm25_index/` layout.
func Open(store *storage.Storage, path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		idx, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("bm25: open %s: %w", path, err)
	}
	return &Index{store: store, idx: idx, path: path}, nil
}

// Name identifies this indexer for outbox checkpointing under the
// "index_bm25" checkpoint key.
func (x *Index) Name() string { return "bm25" }

// Close releases the underlying bleve index.
func (x *Index) Close() error {
	if x.idx == nil {
		return nil
	}
	return x.idx.Close()
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

// IndexTocNode deletes then reinserts the bleve document for nodeID,
// satisfying the Indexer delete-then-insert idempotency contract.
func (x *Index) IndexTocNode(ctx context.Context, nodeID string) error {
	if err := x.idx.Delete(nodeID); err != nil {
		return fmt.Errorf("bm25: delete %s: %w", nodeID, err)
	}
	node, err := x.store.GetLatestTocNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil // node was deleted/superseded away; nothing to index
		}
		return err
	}
	doc := document{
		DocType:     string(types.DocTocNode),
		Level:       string(node.Level),
		Agent:       strings.Join(node.ContributingAgents, " "),
		Text:        nodeText(node),
		Keywords:    node.Keywords,
		TimestampMs: node.TimeRange.StartMs,
	}
	if err := x.idx.Index(nodeID, doc); err != nil {
		return fmt.Errorf("bm25: index %s: %w", nodeID, err)
	}
	return nil
}

// IndexGrip deletes then reinserts the bleve document for gripID.
func (x *Index) IndexGrip(ctx context.Context, gripID string) error {
	if err := x.idx.Delete(gripID); err != nil {
		return fmt.Errorf("bm25: delete %s: %w", gripID, err)
	}
	g, err := x.store.GetGrip(ctx, gripID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	doc := document{
		DocType:     string(types.DocGrip),
		Text:        g.Excerpt,
		TimestampMs: g.TimestampMs,
	}
	if err := x.idx.Index(gripID, doc); err != nil {
		return fmt.Errorf("bm25: index %s: %w", gripID, err)
	}
	return nil
}

// Commit is a no-op: bleve's top-level Index applies writes synchronously.
// The method exists to satisfy outbox.Indexer's commit-once-per-batch
// contract for index engines that do buffer (see [vectorindex]).
func (x *Index) Commit(context.Context) error { return nil }

// Search implements teleport_search: space-separated terms, case-insensitive,
// boolean default OR, optionally filtered by doc_type/level/agent.
func (x *Index) Search(ctx context.Context, q string, docType types.DocType, level types.TocLevel, agent string, limit int) ([]Hit, error) {
	if x.idx == nil {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(q) == "" {
		return nil, fmt.Errorf("bm25: empty query")
	}

	textQuery := bleve.NewQueryStringQuery(q)
	queries := []query.Query{textQuery}
	if docType != "" {
		queries = append(queries, termQuery("doc_type", string(docType)))
	}
	if level != "" {
		queries = append(queries, termQuery("level", string(level)))
	}
	if agent != "" {
		queries = append(queries, termQuery("agent", agent))
	}

	var combined query.Query = textQuery
	if len(queries) > 1 {
		combined = bleve.NewConjunctionQuery(queries...)
	}

	req := bleve.NewSearchRequestOptions(combined, limit, 0, false)
	req.Fields = []string{"doc_type", "level", "agent", "keywords"}

	result, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25: search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Hits))
	for _, h := range result.Hits {
		hit := Hit{DocID: h.ID, Score: h.Score}
		if v, ok := h.Fields["doc_type"].(string); ok {
			hit.DocType = types.DocType(v)
		}
		if v, ok := h.Fields["level"].(string); ok {
			hit.Level = types.TocLevel(v)
		}
		if v, ok := h.Fields["agent"].(string); ok {
			hit.Agent = v
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func termQuery(field, value string) query.Query {
	tq := bleve.NewTermQuery(value)
	tq.SetField(field)
	return tq
}

// Prune scans the index for documents past their level's retention cutoff
// (ageDays, or by default Segment 30d, Day 180d, Week 5y, Month/Year
// permanent) and returns their ids. When dryRun is true nothing is deleted;
// otherwise the matching documents are also deleted from the index.
func (x *Index) Prune(ctx context.Context, ageDays int, level types.TocLevel, dryRun bool) ([]string, error) {
	cutoffDays := ageDays
	if cutoffDays <= 0 {
		cutoffDays = retentionDays[level]
	}
	if cutoffDays <= 0 {
		return nil, nil // permanent retention for this level
	}
	cutoff := time.Now().AddDate(0, 0, -cutoffDays).UnixMilli()

	req := bleve.NewSearchRequestOptions(bleve.NewConjunctionQuery(
		termQuery("level", string(level)),
		numericRangeQuery("timestamp_ms", nil, &cutoff),
	), 10000, 0, false)

	result, err := x.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bm25: prune scan: %w", err)
	}
	ids := make([]string, 0, len(result.Hits))
	for _, h := range result.Hits {
		ids = append(ids, h.ID)
	}
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		if err := x.idx.Delete(id); err != nil {
			return ids, fmt.Errorf("bm25: prune delete %s: %w", id, err)
		}
	}
	return ids, nil
}

func numericRangeQuery(field string, min, max *int64) query.Query {
	var minF, maxF *float64
	if min != nil {
		f := float64(*min)
		minF = &f
	}
	if max != nil {
		f := float64(*max)
		maxF = &f
	}
	nq := bleve.NewNumericRangeQuery(minF, maxF)
	nq.SetField(field)
	return nq
}

// Rebuild clears the index and reinserts every TOC node and grip currently
// in storage, then resets the outbox checkpoint to the current sequence so
// the consumer resumes from "caught up" rather than replaying history.
func (x *Index) Rebuild(ctx context.Context) error {
	// bleve has no bulk "delete all" operation; reopen a fresh index instead.
	if x.path == "" {
		idx, err := bleve.NewMemOnly(buildMapping())
		if err != nil {
			return fmt.Errorf("bm25: rebuild: new index: %w", err)
		}
		_ = x.idx.Close()
		x.idx = idx
	} else {
		_ = x.idx.Close()
		if err := os.RemoveAll(x.path); err != nil {
			return fmt.Errorf("bm25: rebuild: clear %s: %w", x.path, err)
		}
		idx, err := bleve.New(x.path, buildMapping())
		if err != nil {
			return fmt.Errorf("bm25: rebuild: recreate index: %w", err)
		}
		x.idx = idx
	}

	for _, level := range types.AllLevels {
		nodes, err := x.store.ListTocNodesByLevel(ctx, level)
		if err != nil {
			return fmt.Errorf("bm25: rebuild: list %s nodes: %w", level, err)
		}
		for _, n := range nodes {
			if err := x.IndexTocNode(ctx, n.NodeID); err != nil {
				return err
			}
		}
	}

	grips, err := x.store.GetGripsInRange(ctx, math.MinInt64, math.MaxInt64)
	if err != nil {
		return fmt.Errorf("bm25: rebuild: list grips: %w", err)
	}
	for _, g := range grips {
		if err := x.IndexGrip(ctx, g.GripID); err != nil {
			return err
		}
	}

	entries, err := x.store.GetOutboxEntries(ctx, 0, math.MaxInt)
	if err != nil {
		return fmt.Errorf("bm25: rebuild: list outbox: %w", err)
	}
	var lastSeq uint64
	if len(entries) > 0 {
		lastSeq = entries[len(entries)-1].Sequence
	}
	cp := types.Checkpoint{Key: "index_" + x.Name(), LastSequence: lastSeq, UpdatedAtMs: time.Now().UnixMilli()}
	if err := x.store.PutCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("bm25: rebuild: reset checkpoint: %w", err)
	}
	return nil
}
