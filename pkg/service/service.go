// Package service is the RPC-transport-agnostic facade: plain Go methods
// with typed request/response structs and a serviceerr.Error taxonomy,
// validating inputs and failing fast with InvalidArgument before any
// storage access, naming the offending field in the error.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tocmemory/engine/pkg/bm25"
	"github.com/tocmemory/engine/pkg/config"
	"github.com/tocmemory/engine/pkg/embed"
	"github.com/tocmemory/engine/pkg/eventid"
	"github.com/tocmemory/engine/pkg/grip"
	"github.com/tocmemory/engine/pkg/retrieval"
	"github.com/tocmemory/engine/pkg/serviceerr"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/toc"
	"github.com/tocmemory/engine/pkg/topics"
	"github.com/tocmemory/engine/pkg/types"
	"github.com/tocmemory/engine/pkg/vectorindex"
)

// maxRangeWithoutConsent bounds GetEvents' inclusive [from,to] span to one year;
// there is no consent mechanism at this layer, so requests exceeding it
// are rejected outright.
const maxRangeWithoutConsent = 366 * 24 * 60 * 60 * 1000

// Service wires every domain package behind one RPC-shaped surface. Any
// optional layer (BmIdx, VecIdx, Topics) may be nil; the corresponding RPCs
// then return Unavailable.
type Service struct {
	Store     *storage.Storage
	Builder   *toc.Builder
	Expander  *grip.Expander
	BmIdx     *bm25.Index
	VecIdx    *vectorindex.Index
	Router    *retrieval.Router
	Topics    *topics.Extractor
	Embedder  embed.Embedder
	AgentMode config.AgentMode
}

// --- IngestEvent ---------------------------------------------------------

// IngestEventRequest mirrors the facade's public ingestion surface.
type IngestEventRequest struct {
	EventID     string
	SessionID   string
	TimestampMs int64
	Kind        types.EventKind
	Agent       string
	Text        string
	ToolName    string
	ToolInput   map[string]any
	Metadata    map[string]any
}

// IngestEvent validates and stores a single event, deduplicating by
// EventID.
func (s *Service) IngestEvent(ctx context.Context, req IngestEventRequest) (string, error) {
	if req.EventID == "" {
		return "", serviceerr.InvalidField("event_id", "must not be empty")
	}
	if req.SessionID == "" {
		return "", serviceerr.InvalidField("session_id", "must not be empty")
	}
	if req.TimestampMs == math.MaxInt64 {
		return "", serviceerr.InvalidField("timestamp", "must not be i64::MAX")
	}
	if !validKind(req.Kind) {
		return "", serviceerr.InvalidField("kind", fmt.Sprintf("unrecognized event kind %q", req.Kind))
	}

	_, err := s.Store.PutEvent(ctx, types.Event{
		EventID: req.EventID, SessionID: req.SessionID, Agent: req.Agent, Kind: req.Kind,
		TimestampMs: req.TimestampMs, Text: req.Text, ToolName: req.ToolName,
		ToolInput: req.ToolInput, Metadata: req.Metadata,
	})
	if err != nil {
		return "", serviceerr.Wrap(err, "ingest event")
	}
	return req.EventID, nil
}

func validKind(k types.EventKind) bool {
	switch k {
	case types.EventSessionStart, types.EventUserMessage, types.EventAssistantMessage,
		types.EventToolUse, types.EventToolResult, types.EventSubagentStart,
		types.EventSubagentStop, types.EventSessionEnd:
		return true
	default:
		return false
	}
}

// --- TOC browsing ---------------------------------------------------------

// NodeDescriptor is a lightweight view of a TocNode for list/tree RPCs.
type NodeDescriptor struct {
	NodeID    string
	Level     types.TocLevel
	Title     string
	TimeRange types.TimeRange
}

func toDescriptor(n types.TocNode) NodeDescriptor {
	return NodeDescriptor{NodeID: n.NodeID, Level: n.Level, Title: n.Title, TimeRange: n.TimeRange}
}

// GetTocRoot returns descriptors for every top-level (Year) node.
func (s *Service) GetTocRoot(ctx context.Context) ([]NodeDescriptor, error) {
	nodes, err := s.Store.ListTocNodesByLevel(ctx, types.LevelYear)
	if err != nil {
		return nil, serviceerr.Wrap(err, "list year nodes")
	}
	out := make([]NodeDescriptor, len(nodes))
	for i, n := range nodes {
		out[i] = toDescriptor(n)
	}
	return out, nil
}

// NodeDetail is GetNode's response: the full node plus child descriptors.
type NodeDetail struct {
	Node     types.TocNode
	Children []NodeDescriptor
}

// GetNode fetches a node by id with lightweight child descriptors resolved.
func (s *Service) GetNode(ctx context.Context, nodeID string) (NodeDetail, error) {
	if nodeID == "" {
		return NodeDetail{}, serviceerr.InvalidField("node_id", "must not be empty")
	}
	node, err := s.Store.GetLatestTocNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return NodeDetail{}, serviceerr.NotFoundf("node_id", "node %s not found", nodeID)
		}
		return NodeDetail{}, serviceerr.Wrap(err, "get node")
	}
	children := make([]NodeDescriptor, 0, len(node.ChildrenIDs))
	for _, cid := range node.ChildrenIDs {
		c, err := s.Store.GetLatestTocNode(ctx, cid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return NodeDetail{}, serviceerr.Wrap(err, "get child node")
		}
		children = append(children, toDescriptor(c))
	}
	return NodeDetail{Node: node, Children: children}, nil
}

// BrowseToc paginates a node's children. page_token is the zero-based
// offset into ChildrenIDs, encoded as a decimal string.
func (s *Service) BrowseToc(ctx context.Context, parentID, pageToken string, limit int) ([]NodeDescriptor, string, error) {
	if parentID == "" {
		return nil, "", serviceerr.InvalidField("parent_id", "must not be empty")
	}
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if pageToken != "" {
		v, err := strconv.Atoi(pageToken)
		if err != nil || v < 0 {
			return nil, "", serviceerr.InvalidField("page_token", "malformed page token")
		}
		offset = v
	}

	parent, err := s.Store.GetLatestTocNode(ctx, parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", serviceerr.NotFoundf("parent_id", "node %s not found", parentID)
		}
		return nil, "", serviceerr.Wrap(err, "get parent node")
	}

	if offset >= len(parent.ChildrenIDs) {
		return nil, "", nil
	}
	end := min(offset+limit, len(parent.ChildrenIDs))
	page := parent.ChildrenIDs[offset:end]

	out := make([]NodeDescriptor, 0, len(page))
	for _, cid := range page {
		c, err := s.Store.GetLatestTocNode(ctx, cid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, "", serviceerr.Wrap(err, "get child node")
		}
		out = append(out, toDescriptor(c))
	}

	nextToken := ""
	if end < len(parent.ChildrenIDs) {
		nextToken = strconv.Itoa(end)
	}
	return out, nextToken, nil
}

// GetEvents validates and returns events in [fromMs, toMs].
func (s *Service) GetEvents(ctx context.Context, fromMs, toMs int64, limit int) ([]types.Event, error) {
	if toMs < fromMs {
		return nil, serviceerr.InvalidField("to_ms", "must not be less than from_ms")
	}
	if toMs-fromMs > maxRangeWithoutConsent {
		return nil, serviceerr.InvalidField("to_ms", "range exceeds 1 year without explicit consent")
	}
	events, err := s.Store.GetEventsInRange(ctx, fromMs, toMs)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get events")
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ExpandGrip expands a grip into its interval and context events.
func (s *Service) ExpandGrip(ctx context.Context, gripID string, before, after int) (grip.Expansion, error) {
	if gripID == "" {
		return grip.Expansion{}, serviceerr.InvalidField("grip_id", "must not be empty")
	}
	exp, err := s.Expander.Expand(ctx, gripID, before, after)
	if err != nil {
		if errors.Is(err, grip.ErrNotFound) {
			return grip.Expansion{}, serviceerr.NotFoundf("grip_id", "grip %s not found", gripID)
		}
		return grip.Expansion{}, serviceerr.Wrap(err, "expand grip")
	}
	return exp, nil
}

// --- Field-scoped search ---------------------------------------------------

// FieldMatch is one query match within a node's fields, for SearchNode.
type FieldMatch struct {
	Field   string
	Snippet string
	GripIDs []string
}

// SearchNode scans a single node's title/bullets/keywords for query terms.
func (s *Service) SearchNode(ctx context.Context, nodeID, query string, limit int) ([]FieldMatch, error) {
	if nodeID == "" {
		return nil, serviceerr.InvalidField("node_id", "must not be empty")
	}
	if strings.TrimSpace(query) == "" {
		return nil, serviceerr.InvalidField("query", "must not be empty")
	}
	node, err := s.Store.GetLatestTocNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, serviceerr.NotFoundf("node_id", "node %s not found", nodeID)
		}
		return nil, serviceerr.Wrap(err, "get node")
	}

	terms := strings.Fields(strings.ToLower(query))
	var out []FieldMatch
	if containsAnyTerm(strings.ToLower(node.Title), terms) {
		out = append(out, FieldMatch{Field: "title", Snippet: node.Title})
	}
	for _, b := range node.Bullets {
		if containsAnyTerm(strings.ToLower(b.Text), terms) {
			out = append(out, FieldMatch{Field: "bullets", Snippet: b.Text, GripIDs: b.GripIDs})
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsAnyTerm(haystack string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(haystack, t) {
			return true
		}
	}
	return false
}

// SearchChildren ranks a node's direct children by term overlap with query,
// optionally filtered to a specific child level.
func (s *Service) SearchChildren(ctx context.Context, parentID, query string, childLevel types.TocLevel, limit int) ([]NodeDescriptor, error) {
	if parentID == "" {
		return nil, serviceerr.InvalidField("parent_id", "must not be empty")
	}
	parent, err := s.Store.GetLatestTocNode(ctx, parentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, serviceerr.NotFoundf("parent_id", "node %s not found", parentID)
		}
		return nil, serviceerr.Wrap(err, "get parent node")
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		desc  NodeDescriptor
		score int
	}
	var scoredList []scored
	for _, cid := range parent.ChildrenIDs {
		c, err := s.Store.GetLatestTocNode(ctx, cid)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, serviceerr.Wrap(err, "get child node")
		}
		if childLevel != "" && c.Level != childLevel {
			continue
		}
		text := strings.ToLower(c.Title)
		for _, b := range c.Bullets {
			text += " " + strings.ToLower(b.Text)
		}
		score := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				score++
			}
		}
		if len(terms) > 0 && score == 0 {
			continue
		}
		scoredList = append(scoredList, scored{toDescriptor(c), score})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	if limit > 0 && len(scoredList) > limit {
		scoredList = scoredList[:limit]
	}
	out := make([]NodeDescriptor, len(scoredList))
	for i, sc := range scoredList {
		out[i] = sc.desc
	}
	return out, nil
}

// --- Teleport / vector / hybrid search -------------------------------------

// TeleportSearch runs BM25 full-text search.
func (s *Service) TeleportSearch(ctx context.Context, query string, docType types.DocType, level types.TocLevel, agent string, limit int) ([]bm25.Hit, error) {
	if s.BmIdx == nil {
		return nil, serviceerr.Unavailablef("BM25 index is disabled")
	}
	if strings.TrimSpace(query) == "" {
		return nil, serviceerr.InvalidField("query", "must not be empty")
	}
	hits, err := s.BmIdx.Search(ctx, query, docType, level, agent, limit)
	if err != nil {
		return nil, serviceerr.Wrap(err, "bm25 search")
	}
	return hits, nil
}

// VectorTeleport runs embedding-based vector search.
func (s *Service) VectorTeleport(ctx context.Context, query string, limit int, minSimilarity float64, level types.TocLevel, includeGrips bool) ([]vectorindex.Hit, error) {
	if s.VecIdx == nil {
		return nil, serviceerr.Unavailablef("vector index is disabled")
	}
	if strings.TrimSpace(query) == "" {
		return nil, serviceerr.InvalidField("query", "must not be empty")
	}
	hits, err := s.VecIdx.Search(ctx, query, limit, minSimilarity, level, includeGrips)
	if err != nil {
		return nil, serviceerr.Wrap(err, "vector search")
	}
	return hits, nil
}

// HybridSearch fuses BM25 and vector search via reciprocal-rank fusion,
// degrading to BM25-only when the vector layer is disabled.
func (s *Service) HybridSearch(ctx context.Context, query string, limit int, bm25Weight, vectorWeight float64) ([]vectorindex.FusedHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, serviceerr.InvalidField("query", "must not be empty")
	}
	if s.BmIdx == nil && s.VecIdx == nil {
		return nil, serviceerr.Unavailablef("both BM25 and vector indexes are disabled")
	}
	vecIdx := s.VecIdx
	if vecIdx == nil {
		vectorWeight = 0
	}
	hits, err := vectorindex.HybridSearch(ctx, s.BmIdx, vecIdx, query, limit, bm25Weight, vectorWeight)
	if err != nil {
		return nil, serviceerr.Wrap(err, "hybrid search")
	}
	return hits, nil
}

// --- Retrieval control plane -----------------------------------------------

// RouteQuery classifies intent and routes through the fallback chain.
func (s *Service) RouteQuery(ctx context.Context, query string, hints retrieval.Hints) (retrieval.Result, error) {
	if strings.TrimSpace(query) == "" {
		return retrieval.Result{}, serviceerr.InvalidField("query", "must not be empty")
	}
	result, err := s.Router.RouteQuery(ctx, query, hints)
	if err != nil {
		return retrieval.Result{}, serviceerr.Wrap(err, "route query")
	}
	return result, nil
}

// ClassifyIntent classifies a query's intent without executing a search.
func (s *Service) ClassifyIntent(_ context.Context, query string) (retrieval.Intent, float64, error) {
	if strings.TrimSpace(query) == "" {
		return "", 0, serviceerr.InvalidField("query", "must not be empty")
	}
	intent, confidence := retrieval.ClassifyIntent(query, false)
	return intent, confidence, nil
}

// --- Agent activity ---------------------------------------------------------

// AgentSummary is one ListAgents entry.
type AgentSummary struct {
	AgentID      string
	SessionCount int
	LastSeenMs   int64
}

// ListAgents aggregates agent activity over the trailing 365 days.
func (s *Service) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	now := time.Now().UnixMilli()
	from := now - 365*24*60*60*1000
	events, err := s.Store.GetEventsInRange(ctx, from, now)
	if err != nil {
		return nil, serviceerr.Wrap(err, "list agents")
	}

	sessions := map[string]map[string]bool{}
	lastSeen := map[string]int64{}
	for _, e := range events {
		if e.Agent == "" {
			continue
		}
		if sessions[e.Agent] == nil {
			sessions[e.Agent] = map[string]bool{}
		}
		sessions[e.Agent][e.SessionID] = true
		if e.TimestampMs > lastSeen[e.Agent] {
			lastSeen[e.Agent] = e.TimestampMs
		}
	}

	out := make([]AgentSummary, 0, len(sessions))
	for agent, sess := range sessions {
		out = append(out, AgentSummary{AgentID: agent, SessionCount: len(sess), LastSeenMs: lastSeen[agent]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// BucketCount is one time-bucketed activity count.
type BucketCount struct {
	BucketStartMs int64
	Count         int
}

// GetAgentActivity buckets an agent's event counts by hour, day, or week.
func (s *Service) GetAgentActivity(ctx context.Context, agentID, bucket string) ([]BucketCount, error) {
	var bucketMs int64
	switch bucket {
	case "hour":
		bucketMs = 60 * 60 * 1000
	case "day":
		bucketMs = 24 * 60 * 60 * 1000
	case "week":
		bucketMs = 7 * 24 * 60 * 60 * 1000
	default:
		return nil, serviceerr.InvalidField("bucket", fmt.Sprintf("unrecognized bucket %q", bucket))
	}

	now := time.Now().UnixMilli()
	from := now - 365*24*60*60*1000
	events, err := s.Store.GetEventsInRange(ctx, from, now)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get agent activity")
	}

	counts := map[int64]int{}
	for _, e := range events {
		if e.Agent != agentID {
			continue
		}
		bucketStart := (e.TimestampMs / bucketMs) * bucketMs
		counts[bucketStart]++
	}
	out := make([]BucketCount, 0, len(counts))
	for start, count := range counts {
		out = append(out, BucketCount{BucketStartMs: start, Count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStartMs < out[j].BucketStartMs })
	return out, nil
}

// --- Status / lifecycle -----------------------------------------------------

// RankingStatus reports which optional ranking signals are live. This
// engine does not implement salience, usage-decay, or novelty scoring (no
// teacher or pack analog was adapted for it), so these are always false;
// the struct exists so clients can detect the capability rather than
// inferring its absence.
type RankingStatus struct {
	SalienceEnabled   bool
	UsageDecayEnabled bool
	NoveltyEnabled    bool
	TopicsEnabled     bool
	VectorEnabled     bool
	Bm25Enabled       bool
}

// GetRankingStatus reports which ranking/search signals are currently live.
func (s *Service) GetRankingStatus(context.Context) (RankingStatus, error) {
	return RankingStatus{
		TopicsEnabled: s.Topics != nil,
		VectorEnabled: s.VecIdx != nil,
		Bm25Enabled:   s.BmIdx != nil,
	}, nil
}

// PruneBm25Index scans for documents past retention and optionally deletes
// them.
func (s *Service) PruneBm25Index(ctx context.Context, ageDays int, level types.TocLevel, dryRun bool) ([]string, error) {
	if s.BmIdx == nil {
		return nil, serviceerr.Unavailablef("BM25 index is disabled")
	}
	ids, err := s.BmIdx.Prune(ctx, ageDays, level, dryRun)
	if err != nil {
		return nil, serviceerr.Wrap(err, "prune bm25")
	}
	return ids, nil
}

// PruneVectorIndex scans for vector_meta entries past retention and
// optionally deletes them.
func (s *Service) PruneVectorIndex(ctx context.Context, ageDays int, level types.TocLevel, dryRun bool) ([]string, error) {
	if s.VecIdx == nil {
		return nil, serviceerr.Unavailablef("vector index is disabled")
	}
	ids, err := s.VecIdx.Prune(ctx, level, ageDays, dryRun)
	if err != nil {
		return nil, serviceerr.Wrap(err, "prune vector index")
	}
	return ids, nil
}

// --- Topic graph -------------------------------------------------------------

// GetTopTopics returns the highest-importance active topics.
func (s *Service) GetTopTopics(ctx context.Context, limit int, timeRange *types.TimeRange, agentFilter string) ([]types.Topic, error) {
	if s.Topics == nil {
		return nil, serviceerr.Unavailablef("topic graph is disabled")
	}
	ts, err := topics.GetTopTopics(ctx, s.Store, limit, timeRange, agentFilter)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get top topics")
	}
	return ts, nil
}

// GetTopicsByQuery ranks topics by embedding similarity to query.
func (s *Service) GetTopicsByQuery(ctx context.Context, query string, limit int) ([]types.Topic, error) {
	if s.Topics == nil {
		return nil, serviceerr.Unavailablef("topic graph is disabled")
	}
	if strings.TrimSpace(query) == "" {
		return nil, serviceerr.InvalidField("query", "must not be empty")
	}
	ts, err := topics.GetTopicsByQuery(ctx, s.Store, s.Embedder, query, limit)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get topics by query")
	}
	return ts, nil
}

// GetRelatedTopics returns topicID's relations, optionally filtered by kind.
func (s *Service) GetRelatedTopics(ctx context.Context, topicID string, kinds []types.TopicLinkKind) ([]types.TopicLink, error) {
	if s.Topics == nil {
		return nil, serviceerr.Unavailablef("topic graph is disabled")
	}
	if topicID == "" {
		return nil, serviceerr.InvalidField("topic_id", "must not be empty")
	}
	links, err := topics.GetRelatedTopics(ctx, s.Store, topicID, kinds)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get related topics")
	}
	return links, nil
}

// GetNodesForTopic returns the TOC nodes mentioned by topicID.
func (s *Service) GetNodesForTopic(ctx context.Context, topicID string, limit int) ([]types.TocNode, error) {
	if s.Topics == nil {
		return nil, serviceerr.Unavailablef("topic graph is disabled")
	}
	if topicID == "" {
		return nil, serviceerr.InvalidField("topic_id", "must not be empty")
	}
	nodes, err := topics.GetNodesForTopic(ctx, s.Store, topicID, limit)
	if err != nil {
		return nil, serviceerr.Wrap(err, "get nodes for topic")
	}
	return nodes, nil
}

// TopicGraphStatus reports whether the topic layer is enabled and its size.
type TopicGraphStatus struct {
	Enabled    bool
	TopicCount int
}

// GetTopicGraphStatus reports the topic layer's availability and size.
func (s *Service) GetTopicGraphStatus(ctx context.Context) (TopicGraphStatus, error) {
	if s.Topics == nil {
		return TopicGraphStatus{Enabled: false}, nil
	}
	all, err := s.Store.ListTopics(ctx)
	if err != nil {
		return TopicGraphStatus{}, serviceerr.Wrap(err, "get topic graph status")
	}
	return TopicGraphStatus{Enabled: true, TopicCount: len(all)}, nil
}

// --- Internal helpers --------------------------------------------------------

// newEventID is an unexported helper that mints an id in the engine's
// eventid format; it has no callers in this package.
func newEventID() string { return eventid.New() }
