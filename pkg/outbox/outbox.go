// Package outbox drives at-least-once, idempotent delivery of outbox
// entries to the BM25 and vector indexers, with one checkpoint per
// consumer and exponential-backoff retry on persistent per-entry failures.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tocmemory/engine/pkg/storage"
	"github.com/tocmemory/engine/pkg/types"
)

// Indexer performs the delete-then-insert work for a single outbox action
// against one search index (BM25 or vector). Implementations must be
// idempotent: re-indexing the same doc id is always safe.
type Indexer interface {
	// Name identifies this indexer for checkpoint keys and logging, e.g.
	// "bm25" or "vector"; the checkpoint key is "index_" + Name().
	Name() string

	// IndexTocNode deletes then (re)inserts the document for nodeID.
	IndexTocNode(ctx context.Context, nodeID string) error

	// IndexGrip deletes then (re)inserts the document for gripID.
	IndexGrip(ctx context.Context, gripID string) error

	// Commit flushes the index writer once per processed batch.
	Commit(ctx context.Context) error
}

// Consumer drains outbox entries for one Indexer, tracking its own
// checkpoint independently of any other consumer.
type Consumer struct {
	Store     *storage.Storage
	Indexer   Indexer
	BatchSize int
	MaxRetries int
	Logger    *slog.Logger

	// failures counts entries abandoned after exhausting retries, exposed
	// as a diagnostics counter for persistent-failure monitoring.
	failures uint64
}

// NewConsumer creates a Consumer with sensible defaults (batch size 100,
// max retries 3).
func NewConsumer(store *storage.Storage, indexer Indexer) *Consumer {
	return &Consumer{
		Store:      store,
		Indexer:    indexer,
		BatchSize:  100,
		MaxRetries: 3,
		Logger:     slog.Default(),
	}
}

func (c *Consumer) checkpointKey() string {
	return fmt.Sprintf("index_%s", c.Indexer.Name())
}

// FailureCount returns the number of entries abandoned after exhausting
// retries since process start.
func (c *Consumer) FailureCount() uint64 { return c.failures }

// RunOnce processes up to one batch starting after the consumer's
// checkpoint, committing once and persisting the checkpoint only after the
// commit succeeds. Returns the number of entries processed.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	cp, err := c.Store.GetCheckpoint(ctx, c.checkpointKey())
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return 0, err
	}
	startSeq := cp.LastSequence + 1

	entries, err := c.Store.GetOutboxEntries(ctx, startSeq, c.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	var lastSeq uint64
	for _, entry := range entries {
		if err := c.dispatchWithRetry(ctx, entry); err != nil {
			c.failures++
			c.Logger.Error("outbox: entry abandoned after retries",
				"consumer", c.Indexer.Name(), "sequence", entry.Sequence, "error", err)
		}
		lastSeq = entry.Sequence
	}

	if err := c.Indexer.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit %s: %w", c.Indexer.Name(), err)
	}

	cp = types.Checkpoint{
		Key:            c.checkpointKey(),
		LastSequence:   lastSeq,
		ProcessedCount: cp.ProcessedCount + uint64(len(entries)),
		UpdatedAtMs:    time.Now().UnixMilli(),
	}
	if err := c.Store.PutCheckpoint(ctx, cp); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// dispatchWithRetry dispatches a single entry, retrying up to MaxRetries
// times with exponential backoff. After exhausting retries it returns the
// last error; RunOnce then logs it, counts the failure and advances past the
// entry regardless, so progress is never blocked on a single bad entry.
func (c *Consumer) dispatchWithRetry(ctx context.Context, entry types.OutboxEntry) error {
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.MaxRetries))
	bo = backoff.WithContext(bo, ctx)

	return backoff.Retry(func() error {
		return c.dispatch(ctx, entry)
	}, bo)
}

func (c *Consumer) dispatch(ctx context.Context, entry types.OutboxEntry) error {
	switch entry.Action {
	case types.ActionIndexTocNode, types.ActionUpdateToc:
		return c.Indexer.IndexTocNode(ctx, entry.NodeID)
	case types.ActionIndexGrip:
		return c.Indexer.IndexGrip(ctx, entry.GripID)
	case types.ActionIndexEvent:
		// Events themselves are not search documents; this action exists
		// so the outbox seam is uniform for every write path, but neither
		// BM25 nor vector indexers index raw events.
		return nil
	default:
		return fmt.Errorf("outbox: unknown action %q", entry.Action)
	}
}

// Reap deletes outbox entries whose sequence is <= the minimum checkpoint
// across all of the given live consumer names. Consumers not present in
// names are treated as retired and do not hold back reaping — see
// DESIGN.md for the live-vs-retired policy this implements.
func Reap(ctx context.Context, store *storage.Storage, liveConsumerNames []string) error {
	if len(liveConsumerNames) == 0 {
		return nil
	}
	var minSeq uint64
	first := true
	for _, name := range liveConsumerNames {
		cp, err := store.GetCheckpoint(ctx, fmt.Sprintf("index_%s", name))
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil // a live consumer has never run; nothing is safe to reap yet
			}
			return err
		}
		if first || cp.LastSequence < minSeq {
			minSeq = cp.LastSequence
			first = false
		}
	}
	return store.DeleteOutboxEntries(ctx, minSeq)
}
