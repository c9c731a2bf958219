package scheduler_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tocmemory/engine/pkg/scheduler"
)

func TestRegisterRejectsMalformedCronExpr(t *testing.T) {
	s := scheduler.New(nil)
	err := s.Register(scheduler.JobSpec{
		Name: "bad", CronExpr: "not a cron expression",
		Run: func(context.Context) error { return nil },
	})
	if err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
}

func TestOverlapSkipDropsTickWhileRunning(t *testing.T) {
	s := scheduler.New(nil)
	var runs int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	err := s.Register(scheduler.JobSpec{
		Name: "slow", CronExpr: "@every 10ms", OverlapPolicy: scheduler.OverlapSkip,
		Run: func(ctx context.Context) error {
			atomic.AddInt32(&runs, 1)
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// Give a couple more ticks a chance to fire and be skipped while the
	// first run is still blocked on release.
	time.Sleep(50 * time.Millisecond)
	close(release)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if atomic.LoadInt32(&runs) == 0 {
		t.Fatal("expected at least one run")
	}
}

func TestShutdownWaitsForInFlightJob(t *testing.T) {
	s := scheduler.New(nil)
	var mu sync.Mutex
	completed := false

	err := s.Register(scheduler.JobSpec{
		Name: "one-shot", CronExpr: "@every 5ms",
		Run: func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			completed = true
			mu.Unlock()
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	s.Start()
	time.Sleep(10 * time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !completed {
		t.Fatal("expected the in-flight job to complete before Shutdown returned")
	}
}

func TestRegisterAppliesTimezone(t *testing.T) {
	s := scheduler.New(nil)
	err := s.Register(scheduler.JobSpec{
		Name: "tz", CronExpr: "@every 1h", Timezone: "America/New_York",
		Run: func(context.Context) error { return nil },
	})
	if err != nil {
		t.Fatalf("Register with a valid IANA timezone should succeed: %v", err)
	}
}

func TestRegisterRejectsUnknownTimezone(t *testing.T) {
	s := scheduler.New(nil)
	err := s.Register(scheduler.JobSpec{
		Name: "tz-bad", CronExpr: "@every 1h", Timezone: "Not/A_Zone",
		Run: func(context.Context) error { return nil },
	})
	if err == nil {
		t.Fatal("expected an error for an unresolvable timezone")
	}
}

func TestShutdownOnSchedulerWithNoJobsReturnsPromptly(t *testing.T) {
	s := scheduler.New(nil)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestDefaultJobSetEntriesHaveNameAndCronExpr(t *testing.T) {
	seen := map[string]bool{}
	for _, spec := range scheduler.DefaultJobSet {
		if spec.Name == "" {
			t.Fatal("every default job must be named")
		}
		if spec.CronExpr == "" {
			t.Fatalf("job %s is missing a cron expression", spec.Name)
		}
		if seen[spec.Name] {
			t.Fatalf("duplicate job name %s in DefaultJobSet", spec.Name)
		}
		seen[spec.Name] = true
	}
}
