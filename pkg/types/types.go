// Package types defines the domain records shared across the memory engine:
// events, TOC nodes, grips, outbox entries, checkpoints, vector metadata,
// and topics. Events, grips and TOC node versions are immutable once
// committed; a TOC node update appends a new version. Checkpoints and
// topics are overwritten in place.
package types

// EventKind enumerates the kinds of conversational events the engine ingests.
type EventKind string

const (
	EventSessionStart     EventKind = "session_start"
	EventUserMessage      EventKind = "user_message"
	EventAssistantMessage EventKind = "assistant_message"
	EventToolUse          EventKind = "tool_use"
	EventToolResult       EventKind = "tool_result"
	EventSubagentStart    EventKind = "subagent_start"
	EventSubagentStop     EventKind = "subagent_stop"
	EventSessionEnd       EventKind = "session_end"
)

// Event is a single immutable unit of conversation history.
type Event struct {
	EventID     string         `msgpack:"event_id"`
	SessionID   string         `msgpack:"session_id"`
	Agent       string         `msgpack:"agent"`
	Kind        EventKind      `msgpack:"kind"`
	TimestampMs int64          `msgpack:"timestamp_ms"`
	Text        string         `msgpack:"text,omitempty"`
	ToolName    string         `msgpack:"tool_name,omitempty"`
	ToolInput   map[string]any `msgpack:"tool_input,omitempty"`
	Metadata    map[string]any `msgpack:"metadata,omitempty"`
}

// TocLevel is the level of a node in the table of contents hierarchy.
type TocLevel string

const (
	LevelSegment TocLevel = "segment"
	LevelDay     TocLevel = "day"
	LevelWeek    TocLevel = "week"
	LevelMonth   TocLevel = "month"
	LevelYear    TocLevel = "year"
)

// AllLevels lists TOC levels from finest to coarsest.
var AllLevels = []TocLevel{LevelSegment, LevelDay, LevelWeek, LevelMonth, LevelYear}

// TimeRange is an inclusive millisecond timestamp span.
type TimeRange struct {
	StartMs int64 `msgpack:"start_ms"`
	EndMs   int64 `msgpack:"end_ms"`
}

// EventRange is a closed interval of event ids, valid for Segment nodes only.
type EventRange struct {
	FirstEventID string `msgpack:"first_event_id"`
	LastEventID  string `msgpack:"last_event_id"`
}

// Bullet is a single summary line with provenance back to grips.
type Bullet struct {
	Text    string   `msgpack:"text"`
	GripIDs []string `msgpack:"grip_ids,omitempty"`
}

// TocNode is a versioned node in the hierarchical table of contents.
// Nodes are append-only: a new child or rollup produces a new version with
// the same NodeID. Readers resolve the current version via the separate
// "latest" pointer family.
type TocNode struct {
	NodeID             string     `msgpack:"node_id"`
	Level              TocLevel   `msgpack:"level"`
	Version            uint32     `msgpack:"version"`
	ParentID           string     `msgpack:"parent_id,omitempty"`
	ChildrenIDs        []string   `msgpack:"children_ids,omitempty"`
	Title              string     `msgpack:"title"`
	Bullets            []Bullet   `msgpack:"bullets,omitempty"`
	Keywords           []string   `msgpack:"keywords,omitempty"`
	ContributingAgents []string   `msgpack:"contributing_agents,omitempty"`
	TimeRange          TimeRange  `msgpack:"time_range"`
	EventRange         EventRange `msgpack:"event_range,omitempty"`
}

// Grip is a verbatim excerpt anchored to the event interval it was drawn
// from and the TOC node that created it.
type Grip struct {
	GripID       string `msgpack:"grip_id"`
	Excerpt      string `msgpack:"excerpt"`
	EventIDStart string `msgpack:"event_id_start"`
	EventIDEnd   string `msgpack:"event_id_end"`
	TimestampMs  int64  `msgpack:"timestamp_ms"`
	SourceNodeID string `msgpack:"source_node_id"`
}

// OutboxAction identifies the kind of side effect an OutboxEntry requests.
type OutboxAction string

const (
	ActionIndexEvent   OutboxAction = "index_event"
	ActionIndexTocNode OutboxAction = "index_toc_node"
	ActionIndexGrip    OutboxAction = "index_grip"
	ActionUpdateToc    OutboxAction = "update_toc"
)

// OutboxEntry is an append-only record of a pending background effect,
// written atomically with the primary record that produced it.
type OutboxEntry struct {
	Sequence    uint64       `msgpack:"sequence"`
	EventID     string       `msgpack:"event_id,omitempty"`
	TimestampMs int64        `msgpack:"timestamp_ms"`
	Action      OutboxAction `msgpack:"action"`
	NodeID      string       `msgpack:"node_id,omitempty"`
	GripID      string       `msgpack:"grip_id,omitempty"`
}

// Checkpoint tracks a single-writer job's progress. Checkpoints are
// overwritten in place, not versioned.
type Checkpoint struct {
	Key            string `msgpack:"key"`
	LastSequence   uint64 `msgpack:"last_sequence,omitempty"`
	LastKey        string `msgpack:"last_key,omitempty"`
	ProcessedCount uint64 `msgpack:"processed_count"`
	UpdatedAtMs    int64  `msgpack:"updated_at_ms"`
}

// DocType identifies what kind of document a vector or BM25 entry indexes.
type DocType string

const (
	DocTocNode DocType = "toc_node"
	DocGrip    DocType = "grip"
)

// VectorEntry is metadata for a vector stored in the ANN index. The vector
// payload itself lives in the ANN structure; this record lets the engine
// resolve, filter and prune by business fields without touching the index.
type VectorEntry struct {
	DocID          string   `msgpack:"doc_id"`
	DocType        DocType  `msgpack:"doc_type"`
	Level          TocLevel `msgpack:"level,omitempty"`
	Agent          string   `msgpack:"agent,omitempty"`
	TimestampMs    int64    `msgpack:"timestamp_ms"`
	ModelFingerprint string `msgpack:"model_fingerprint"`
}

// TopicStatus is the lifecycle state of a Topic.
type TopicStatus string

const (
	TopicActive TopicStatus = "active"
	TopicPruned TopicStatus = "pruned"
)

// Topic is a cluster of semantically related TOC nodes.
type Topic struct {
	TopicID            string      `msgpack:"topic_id"`
	Label              string      `msgpack:"label"`
	Centroid           []float32   `msgpack:"centroid"`
	ImportanceScore    float64     `msgpack:"importance_score"`
	Keywords           []string    `msgpack:"keywords,omitempty"`
	ContributingAgents []string    `msgpack:"contributing_agents,omitempty"`
	Status             TopicStatus `msgpack:"status"`
	CreatedAtMs        int64       `msgpack:"created_at_ms"`
	LastMentionedAtMs  int64       `msgpack:"last_mentioned_at_ms"`
}

// TopicLinkKind enumerates the relation types between topics and nodes, or
// between two topics.
type TopicLinkKind string

const (
	LinkMention TopicLinkKind = "mention"
	LinkSimilar TopicLinkKind = "similar"
	LinkParent  TopicLinkKind = "parent"
	LinkChild   TopicLinkKind = "child"
)

// TopicLink associates a Topic with a TocNode (kind=mention) or with another
// Topic (kind=similar/parent/child, NodeID holds the other topic's id).
type TopicLink struct {
	TopicID     string        `msgpack:"topic_id"`
	NodeID      string        `msgpack:"node_id"`
	Kind        TopicLinkKind `msgpack:"kind"`
	Relevance   float64       `msgpack:"relevance"`
	CreatedAtMs int64         `msgpack:"created_at_ms"`
}
