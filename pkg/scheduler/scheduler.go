// Package scheduler runs the engine's recurring jobs (rollup, indexing,
// pruning, topic extraction) on cron expressions via
// github.com/robfig/cron/v3, with per-job overlap policy and jitter, and a
// graceful shutdown that waits for in-flight runs before returning. Overlap
// guarding protects shared state with a sync.Mutex; shutdown is exposed as
// a reusable method so callers can wire it to os/signal+syscall handling
// themselves.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// OverlapPolicy controls what happens when a job's previous run is still
// executing at the next scheduled tick.
type OverlapPolicy string

const (
	// OverlapSkip skips the new tick. This is the default policy.
	OverlapSkip OverlapPolicy = "skip"
	// OverlapQueue lets the new tick wait for the in-flight run to finish,
	// then runs once immediately after.
	OverlapQueue OverlapPolicy = "queue"
	// OverlapCancel cancels the in-flight run's context and starts the new
	// tick immediately.
	OverlapCancel OverlapPolicy = "cancel"
)

// JobFunc is the work a scheduled job performs. It must honor ctx
// cancellation.
type JobFunc func(ctx context.Context) error

// JobSpec configures one scheduled job.
type JobSpec struct {
	Name          string
	CronExpr      string
	Timezone      string // IANA name; "" or "Local" means local time
	OverlapPolicy OverlapPolicy
	JitterSecs    int
	Run           JobFunc
}

// job is the runtime state for one scheduled JobSpec.
type job struct {
	spec JobSpec

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	queued  bool
}

// Scheduler owns a cron.Cron instance and the runtime state for every
// registered job.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
	wg   sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// New creates a Scheduler. logger defaults to slog.Default() if nil.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		logger:     logger,
		jobs:       make(map[string]*job),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
}

// Register adds a job to the scheduler. Must be called before Start.
func (s *Scheduler) Register(spec JobSpec) error {
	if spec.OverlapPolicy == "" {
		spec.OverlapPolicy = OverlapSkip
	}
	j := &job{spec: spec}

	s.mu.Lock()
	s.jobs[spec.Name] = j
	s.mu.Unlock()

	expr := spec.CronExpr
	if spec.Timezone != "" && spec.Timezone != "Local" {
		expr = fmt.Sprintf("CRON_TZ=%s %s", spec.Timezone, expr)
	}

	_, err := s.cron.AddFunc(expr, func() { s.tick(j) })
	if err != nil {
		return fmt.Errorf("scheduler: register %s: %w", spec.Name, err)
	}
	return nil
}

func (s *Scheduler) tick(j *job) {
	if j.spec.JitterSecs > 0 {
		time.Sleep(time.Duration(rand.Intn(j.spec.JitterSecs+1)) * time.Second)
	}

	j.mu.Lock()
	if j.running {
		switch j.spec.OverlapPolicy {
		case OverlapSkip:
			j.mu.Unlock()
			s.logger.Warn("scheduler: tick skipped, previous run still in flight", "job", j.spec.Name)
			return
		case OverlapCancel:
			if j.cancel != nil {
				j.cancel()
			}
		case OverlapQueue:
			j.queued = true
			j.mu.Unlock()
			return
		}
	}
	j.running = true
	ctx, cancel := context.WithCancel(s.baseCtx)
	j.cancel = cancel
	j.mu.Unlock()

	s.wg.Add(1)
	go s.runOnce(j, ctx, cancel)
}

func (s *Scheduler) runOnce(j *job, ctx context.Context, cancel context.CancelFunc) {
	defer s.wg.Done()
	defer cancel()

	start := time.Now()
	err := j.spec.Run(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.running = false
	requeue := j.queued
	j.queued = false
	j.mu.Unlock()

	if err != nil {
		s.logger.Error("scheduler: job failed", "job", j.spec.Name, "elapsed", elapsed, "error", err)
	} else {
		s.logger.Info("scheduler: job completed", "job", j.spec.Name, "elapsed", elapsed)
	}

	if requeue {
		s.tick(j)
	}
}

// Start begins evaluating cron schedules.
func (s *Scheduler) Start() { s.cron.Start() }

// Shutdown stops new ticks and waits for every in-flight job to finish its
// commit and return, or for ctx to expire — at which point remaining jobs
// are force-cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.cancelBase()
		<-done
		return ctx.Err()
	}
}

// DefaultJobSet describes the default job set's cron expressions
// (6-field, seconds-first, matching cron.WithSeconds()) and suggested
// overlap policy, for callers to wire in their own JobFunc
// implementations at startup. Callers look up entries by Name and attach
// a Run function; an entry with no corresponding feature enabled is
// simply left unregistered.
var DefaultJobSet = []JobSpec{
	{Name: "segment_ingest", CronExpr: "*/30 * * * * *", OverlapPolicy: OverlapSkip, JitterSecs: 5},
	{Name: "index_bm25", CronExpr: "*/30 * * * * *", OverlapPolicy: OverlapSkip},
	{Name: "index_vector", CronExpr: "*/30 * * * * *", OverlapPolicy: OverlapSkip, JitterSecs: 5},
	{Name: "rollup_day", CronExpr: "0 0 * * * *", OverlapPolicy: OverlapSkip},
	{Name: "rollup_week", CronExpr: "0 0 1 * * *", OverlapPolicy: OverlapSkip},
	{Name: "rollup_month", CronExpr: "0 0 2 * * 0", OverlapPolicy: OverlapSkip},
	{Name: "rollup_year", CronExpr: "0 0 3 1 * *", OverlapPolicy: OverlapSkip},
	{Name: "bm25_prune", CronExpr: "0 0 3 * * *", OverlapPolicy: OverlapSkip},
	{Name: "vector_prune", CronExpr: "0 15 3 * * *", OverlapPolicy: OverlapSkip},
	{Name: "topic_extraction", CronExpr: "0 0 4 * * *", OverlapPolicy: OverlapSkip},
	{Name: "topic_lifecycle", CronExpr: "0 30 4 * * 0", OverlapPolicy: OverlapSkip},
}
