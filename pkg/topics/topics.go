// Package topics implements the optional topic-graph enrichment layer:
// density-based clustering of TOC node embeddings into [types.Topic]
// records, importance scoring with exponential recency decay, pairwise
// similarity and parent/child relationships, and a prune/resurrect
// lifecycle. Scoring uses named constants for weights and explicit score
// accumulation; topic relationships are mirrored into a [graph.Graph] for
// efficient traversal.
package topics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/tocmemory/engine/pkg/embed"
	"github.com/tocmemory/engine/pkg/graph"
	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/summarizer"
	"github.com/tocmemory/engine/pkg/types"
	"github.com/tocmemory/engine/pkg/vecstore"
)

// ErrUnavailable is returned by query methods when the topic layer is
// disabled (matching the service facade's Unavailable taxonomy).
var ErrUnavailable = errors.New("topics: unavailable")

// Clustering and lifecycle constants.
const (
	MinClusterSize       = 3
	MinClusterSimilarity = 0.75
	SimilarEdgeThreshold = 0.6
	MaxRelationDepth     = 3
	DefaultHalfLifeDays  = 30
	PruneInactiveDays    = 180
	PruneScoreThreshold  = 0.1
	RecentMentionDays    = 7
)

// Extractor builds and maintains the topic graph over a snapshot of TOC
// nodes. It is not safe for concurrent Extract calls against the same
// store; callers should serialize extraction runs (the scheduler does this
// by construction, one job task at a time).
type Extractor struct {
	Store      *storage.Storage
	Embedder   embed.Embedder
	Summarizer summarizer.RollupSummarizer // optional; falls back to keyword labels
	Graph      graph.Graph                 // optional; mirrors topic relation edges
	HalfLifeDays int
}

// NewExtractor creates an Extractor with default clustering parameters.
func NewExtractor(store *storage.Storage, embedder embed.Embedder) *Extractor {
	return &Extractor{Store: store, Embedder: embedder, HalfLifeDays: DefaultHalfLifeDays}
}

func nodeText(n types.TocNode) string {
	var sb strings.Builder
	sb.WriteString(n.Title)
	for _, b := range n.Bullets {
		sb.WriteString(" ")
		sb.WriteString(b.Text)
	}
	return sb.String()
}

type embeddedNode struct {
	node   types.TocNode
	vector []float32
}

// Extract runs one full clustering pass over Segment and Day nodes (the
// levels with the richest per-node text), persisting new/updated Topic and
// TopicLink records. Returns the number of topics touched.
func (x *Extractor) Extract(ctx context.Context, now time.Time) (int, error) {
	var candidates []types.TocNode
	for _, level := range []types.TocLevel{types.LevelSegment, types.LevelDay} {
		nodes, err := x.Store.ListTocNodesByLevel(ctx, level)
		if err != nil {
			return 0, err
		}
		candidates = append(candidates, nodes...)
	}

	var embedded []embeddedNode
	for _, n := range candidates {
		text := nodeText(n)
		if text == "" {
			continue
		}
		vec, err := x.Embedder.Embed(ctx, text)
		if err != nil {
			return 0, fmt.Errorf("topics: embed %s: %w", n.NodeID, err)
		}
		embedded = append(embedded, embeddedNode{node: n, vector: vec})
	}

	clusters := clusterBySimilarity(embedded, MinClusterSize, MinClusterSimilarity)

	touched := 0
	for _, cluster := range clusters {
		if err := x.upsertTopic(ctx, cluster, now); err != nil {
			return touched, err
		}
		touched++
	}
	return touched, nil
}

// clusterBySimilarity is a single-pass density-based grouping: for each
// unvisited node, gather every other node within MinClusterSimilarity and
// emit a cluster if the group meets MinClusterSize. This is a simplified
// DBSCAN (no border-point chaining) adequate for the node counts a single
// engine instance handles between extraction runs.
func clusterBySimilarity(nodes []embeddedNode, minSize int, minSimilarity float64) [][]embeddedNode {
	visited := make([]bool, len(nodes))
	var clusters [][]embeddedNode

	for i := range nodes {
		if visited[i] {
			continue
		}
		group := []embeddedNode{nodes[i]}
		for j := range nodes {
			if i == j || visited[j] {
				continue
			}
			if cosineSimilarity(nodes[i].vector, nodes[j].vector) >= minSimilarity {
				group = append(group, nodes[j])
			}
		}
		if len(group) < minSize {
			continue
		}
		for _, m := range group {
			for j := range nodes {
				if nodes[j].node.NodeID == m.node.NodeID {
					visited[j] = true
				}
			}
		}
		clusters = append(clusters, group)
	}
	return clusters
}

func cosineSimilarity(a, b []float32) float64 {
	return 1 - float64(vecstore.CosineDistance(a, b))
}

func centroid(nodes []embeddedNode) []float32 {
	if len(nodes) == 0 {
		return nil
	}
	dim := len(nodes[0].vector)
	out := make([]float32, dim)
	for _, n := range nodes {
		for i, v := range n.vector {
			out[i] += v
		}
	}
	var norm float64
	for i := range out {
		out[i] /= float32(len(nodes))
		norm += float64(out[i]) * float64(out[i])
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}

func (x *Extractor) upsertTopic(ctx context.Context, cluster []embeddedNode, now time.Time) error {
	c := centroid(cluster)

	existing, err := x.findResurrectable(ctx, c)
	if err != nil {
		return err
	}

	label, keywords := x.label(ctx, cluster)
	agents := contributingAgents(cluster)

	var topic types.Topic
	if existing != nil {
		topic = *existing
		topic.Status = types.TopicActive
		topic.Centroid = c
		if label != "" {
			topic.Label = label
		}
		topic.Keywords = mergeUnique(topic.Keywords, keywords)
		topic.ContributingAgents = mergeUnique(topic.ContributingAgents, agents)
	} else {
		topic = types.Topic{
			TopicID:            fmt.Sprintf("topic:%s", cluster[0].node.NodeID),
			Label:              label,
			Centroid:           c,
			Keywords:           keywords,
			ContributingAgents: agents,
			Status:             types.TopicActive,
			CreatedAtMs:        now.UnixMilli(),
		}
	}
	topic.LastMentionedAtMs = now.UnixMilli()

	if err := x.Store.PutTopic(ctx, topic); err != nil {
		return err
	}
	for _, n := range cluster {
		link := types.TopicLink{TopicID: topic.TopicID, NodeID: n.node.NodeID, Kind: types.LinkMention, Relevance: 1, CreatedAtMs: now.UnixMilli()}
		if err := x.Store.PutTopicLink(ctx, link); err != nil {
			return err
		}
	}
	if x.Graph != nil {
		if err := x.Graph.SetEntity(ctx, graph.Entity{Label: "topic:" + topic.TopicID, Attrs: map[string]any{"label": topic.Label}}); err != nil {
			return err
		}
	}
	return nil
}

// findResurrectable looks for a Pruned topic whose centroid is within the
// similarity threshold of c — a new node matching a pruned topic's
// centroid resurrects it instead of spawning a duplicate.
func (x *Extractor) findResurrectable(ctx context.Context, c []float32) (*types.Topic, error) {
	all, err := x.Store.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.Status != types.TopicPruned {
			continue
		}
		if cosineSimilarity(t.Centroid, c) >= MinClusterSimilarity {
			cp := t
			return &cp, nil
		}
	}
	return nil, nil
}

func (x *Extractor) label(ctx context.Context, cluster []embeddedNode) (string, []string) {
	keywords := topKeywords(cluster, 5)
	if x.Summarizer == nil {
		if len(keywords) > 0 {
			return strings.Join(keywords, " "), keywords
		}
		return cluster[0].node.Title, keywords
	}
	nodes := make([]types.TocNode, len(cluster))
	for i, n := range cluster {
		nodes[i] = n.node
	}
	s, err := x.Summarizer.Rollup(ctx, nodes)
	if err != nil || s.Title == "" {
		if len(keywords) > 0 {
			return strings.Join(keywords, " "), keywords
		}
		return cluster[0].node.Title, keywords
	}
	return s.Title, keywords
}

func topKeywords(cluster []embeddedNode, n int) []string {
	counts := map[string]int{}
	for _, e := range cluster {
		for _, kw := range e.node.Keywords {
			counts[strings.ToLower(kw)]++
		}
	}
	type kv struct {
		k string
		c int
	}
	list := make([]kv, 0, len(counts))
	for k, c := range counts {
		list = append(list, kv{k, c})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].c != list[j].c {
			return list[i].c > list[j].c
		}
		return list[i].k < list[j].k
	})
	if len(list) > n {
		list = list[:n]
	}
	out := make([]string, len(list))
	for i, kv := range list {
		out[i] = kv.k
	}
	return out
}

func contributingAgents(cluster []embeddedNode) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range cluster {
		for _, a := range e.node.ContributingAgents {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

func mergeUnique(existing, extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range append(append([]string{}, existing...), extra...) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Importance computes score = Σ w_i · 0.5^(Δdays_i / half_life) over a
// topic's mention links, where recent mentions (≤7d) weight 2 and older
// ones weight 1.
func (x *Extractor) Importance(ctx context.Context, topicID string, now time.Time) (float64, error) {
	links, err := x.Store.GetTopicLinks(ctx, topicID)
	if err != nil {
		return 0, err
	}
	halfLife := x.HalfLifeDays
	if halfLife <= 0 {
		halfLife = DefaultHalfLifeDays
	}
	var score float64
	for _, l := range links {
		if l.Kind != types.LinkMention {
			continue
		}
		deltaDays := now.Sub(time.UnixMilli(l.CreatedAtMs)).Hours() / 24
		w := 1.0
		if deltaDays <= RecentMentionDays {
			w = 2.0
		}
		score += w * math.Pow(0.5, deltaDays/float64(halfLife))
	}
	return score, nil
}

// UpdateImportance recomputes and persists ImportanceScore for every topic.
func (x *Extractor) UpdateImportance(ctx context.Context, now time.Time) error {
	all, err := x.Store.ListTopics(ctx)
	if err != nil {
		return err
	}
	for _, t := range all {
		score, err := x.Importance(ctx, t.TopicID, now)
		if err != nil {
			return err
		}
		t.ImportanceScore = score
		if err := x.Store.PutTopic(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// BuildRelationships computes pairwise "similar" edges (cosine ≥ 0.6,
// bidirectional) and parent/child edges inferred from label containment,
// capped at MaxRelationDepth.
func (x *Extractor) BuildRelationships(ctx context.Context) error {
	all, err := x.Store.ListTopics(ctx)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()

	for i := range all {
		for j := i + 1; j < len(all); j++ {
			a, b := all[i], all[j]
			if cosineSimilarity(a.Centroid, b.Centroid) >= SimilarEdgeThreshold {
				if err := x.linkTopics(ctx, a.TopicID, b.TopicID, types.LinkSimilar, now); err != nil {
					return err
				}
			}
			if depth := containmentDepth(a.Label, b.Label); depth > 0 && depth <= MaxRelationDepth {
				if err := x.linkTopics(ctx, a.TopicID, b.TopicID, types.LinkParent, now); err != nil {
					return err
				}
			} else if depth := containmentDepth(b.Label, a.Label); depth > 0 && depth <= MaxRelationDepth {
				if err := x.linkTopics(ctx, b.TopicID, a.TopicID, types.LinkParent, now); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// containmentDepth returns 1 if child's label is a proper substring of
// parent's label (case-insensitive), else 0. Only direct containment is
// detected, and [GetRelatedTopics] returns direct links only, so no chain
// longer than one edge is built or followed.
func containmentDepth(parent, child string) int {
	p, c := strings.ToLower(parent), strings.ToLower(child)
	if p == c || c == "" {
		return 0
	}
	if strings.Contains(p, c) {
		return 1
	}
	return 0
}

func (x *Extractor) linkTopics(ctx context.Context, topicID, otherID string, kind types.TopicLinkKind, nowMs int64) error {
	if err := x.Store.PutTopicLink(ctx, types.TopicLink{TopicID: topicID, NodeID: otherID, Kind: kind, Relevance: 1, CreatedAtMs: nowMs}); err != nil {
		return err
	}
	if x.Graph != nil {
		return x.Graph.AddRelation(ctx, graph.Relation{From: "topic:" + topicID, To: "topic:" + otherID, RelType: string(kind)})
	}
	return nil
}

// Lifecycle marks topics inactive for more than PruneInactiveDays or with
// importance below PruneScoreThreshold as Pruned (never deleted).
func (x *Extractor) Lifecycle(ctx context.Context, now time.Time) (int, error) {
	all, err := x.Store.ListTopics(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, t := range all {
		if t.Status != types.TopicActive {
			continue
		}
		inactiveDays := now.Sub(time.UnixMilli(t.LastMentionedAtMs)).Hours() / 24
		if inactiveDays > PruneInactiveDays || t.ImportanceScore < PruneScoreThreshold {
			t.Status = types.TopicPruned
			if err := x.Store.PutTopic(ctx, t); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// --- Queries -------------------------------------------------------------

// GetTopTopics returns active topics ranked by ImportanceScore, optionally
// filtered by time range (LastMentionedAtMs) and contributing agent.
func GetTopTopics(ctx context.Context, store *storage.Storage, limit int, timeRange *types.TimeRange, agentFilter string) ([]types.Topic, error) {
	all, err := store.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Topic
	for _, t := range all {
		if t.Status != types.TopicActive {
			continue
		}
		if timeRange != nil && (t.LastMentionedAtMs < timeRange.StartMs || t.LastMentionedAtMs > timeRange.EndMs) {
			continue
		}
		if agentFilter != "" && !containsString(t.ContributingAgents, agentFilter) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImportanceScore > out[j].ImportanceScore })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// GetTopicsByQuery embeds query and returns topics ranked by centroid
// similarity.
func GetTopicsByQuery(ctx context.Context, store *storage.Storage, embedder embed.Embedder, query string, limit int) ([]types.Topic, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("topics: empty query")
	}
	vec, err := embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	all, err := store.ListTopics(ctx)
	if err != nil {
		return nil, err
	}
	type scored struct {
		topic types.Topic
		sim   float64
	}
	scoredList := make([]scored, 0, len(all))
	for _, t := range all {
		if t.Status != types.TopicActive {
			continue
		}
		scoredList = append(scoredList, scored{t, cosineSimilarity(t.Centroid, vec)})
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].sim > scoredList[j].sim })
	if len(scoredList) > limit {
		scoredList = scoredList[:limit]
	}
	out := make([]types.Topic, len(scoredList))
	for i, s := range scoredList {
		out[i] = s.topic
	}
	return out, nil
}

// GetRelatedTopics returns the topics linked to topicID by any of the given
// kinds (all kinds if empty).
func GetRelatedTopics(ctx context.Context, store *storage.Storage, topicID string, kinds []types.TopicLinkKind) ([]types.TopicLink, error) {
	links, err := store.GetTopicLinks(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if len(kinds) == 0 {
		return links, nil
	}
	allowed := map[types.TopicLinkKind]bool{}
	for _, k := range kinds {
		allowed[k] = true
	}
	var out []types.TopicLink
	for _, l := range links {
		if allowed[l.Kind] {
			out = append(out, l)
		}
	}
	return out, nil
}

// GetNodesForTopic returns the TOC nodes mentioned by topicID, up to limit.
func GetNodesForTopic(ctx context.Context, store *storage.Storage, topicID string, limit int) ([]types.TocNode, error) {
	links, err := store.GetTopicLinks(ctx, topicID)
	if err != nil {
		return nil, err
	}
	var out []types.TocNode
	for _, l := range links {
		if l.Kind != types.LinkMention {
			continue
		}
		if len(out) >= limit {
			break
		}
		node, err := store.GetLatestTocNode(ctx, l.NodeID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, node)
	}
	return out, nil
}
