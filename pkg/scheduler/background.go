// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/registry"
)

// backgroundTask is a periodic job on its own goroutine. Unlike the main
// loop's sub-serves it may block on subprocesses and file I/O.
type backgroundTask struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error

	mu           sync.Mutex
	lastRun      time.Time
	consecErrors int
	alive        bool
}

func newBackgroundTask(name string, interval time.Duration, fn func(ctx context.Context) error) *backgroundTask {
	return &backgroundTask{name: name, interval: interval, fn: fn, alive: true}
}

func (b *backgroundTask) run(ctx context.Context, log *zap.Logger) {
	defer func() {
		b.mu.Lock()
		b.alive = false
		b.mu.Unlock()
	}()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := b.runOnce(ctx)
		b.mu.Lock()
		b.lastRun = time.Now()
		if err != nil {
			b.consecErrors++
		} else {
			b.consecErrors = 0
		}
		errCount := b.consecErrors
		b.mu.Unlock()
		if err != nil && ctx.Err() == nil {
			log.Warn("background task failed",
				zap.String("task", b.name),
				zap.Int("consecutive_errors", errCount),
				zap.Error(err))
		}
	}
}

func (b *backgroundTask) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("background task %s panicked: %v", b.name, r)
		}
	}()
	return b.fn(ctx)
}

func (b *backgroundTask) status() StageStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return StageStatus{
		Name:         b.name,
		LastRun:      b.lastRun,
		ConsecErrors: b.consecErrors,
		Alive:        b.alive,
	}
}

// ReproduceDriver re-runs a PoV against a patched build. Ran=false means
// the attempt did not produce a verdict (missing build, tooling hiccup)
// and should be retried; DidCrash is meaningful only when Ran.
type ReproduceDriver interface {
	Reproduce(ctx context.Context, req *msg.POVReproduceRequest, build *msg.BuildOutput) (ran, didCrash bool, err error)
}

// CorpusMerger compacts a harness's corpus directory. Invocations are
// long-running; the scheduler serializes them per (task, harness) with a
// TTL lock so concurrent schedulers do not clobber each other.
type CorpusMerger interface {
	Merge(ctx context.Context, task *msg.Task, harness *msg.WeightedHarness) error
}

// reproduceOnePOV resolves at most one pending reproduce request per
// invocation. The status-set transition is the commit point: the race
// loser's verdict is discarded.
func (s *Scheduler) reproduceOnePOV(ctx context.Context) error {
	req, err := s.povs.GetOnePending(ctx)
	if err != nil || req == nil {
		return err
	}
	stop, err := s.tasks.ShouldStopProcessing(ctx, req.TaskID)
	if err != nil {
		return err
	}
	if stop {
		_, err := s.povs.MarkExpired(ctx, req)
		return err
	}

	build, err := s.builds.GetBuild(ctx, req.TaskID, msg.BuildTypePatch, req.Sanitizer, req.InternalPatchID)
	if err != nil {
		// The patched build may not have landed yet; leave the request
		// pending for a later pass.
		return nil
	}

	var ran, didCrash bool
	for attempt := 0; attempt <= s.cfg.ReproduceMaxRetries; attempt++ {
		ran, didCrash, err = s.driver.Reproduce(ctx, req, build)
		if err != nil {
			return err
		}
		if ran {
			break
		}
	}
	if !ran {
		// A request that cannot produce a verdict after all retries is
		// abandoned; leaving it pending would re-pick it every cadence.
		s.log.Warn("reproduce attempts exhausted without a verdict",
			zap.String("task_id", req.TaskID),
			zap.String("patch_id", req.InternalPatchID))
		_, err := s.povs.MarkExpired(ctx, req)
		return err
	}

	var won bool
	if didCrash {
		won, err = s.povs.MarkNonMitigated(ctx, req)
	} else {
		won, err = s.povs.MarkMitigated(ctx, req)
	}
	if err != nil {
		return err
	}
	if won {
		s.log.Info("pov reproduce resolved",
			zap.String("task_id", req.TaskID),
			zap.String("patch_id", req.InternalPatchID),
			zap.Bool("did_crash", didCrash))
	}
	return nil
}

func mergeLockKey(taskID, harness string) string {
	return canon.Key("merge_lock", msg.NormalizeTaskID(taskID), harness)
}

// mergeCorpora runs one merge pass over every live task's harnesses.
// Skipping a held lock is normal: another scheduler is merging that
// corpus right now.
func (s *Scheduler) mergeCorpora(ctx context.Context) error {
	if s.merger == nil {
		return nil
	}
	live, err := s.tasks.GetLiveTasks(ctx)
	if err != nil {
		return err
	}
	for _, task := range live {
		harnesses, err := s.weights.ListTaskHarnesses(ctx, task.TaskID)
		if err != nil {
			return err
		}
		for _, harness := range harnesses {
			if err := s.mergeOne(ctx, task, harness); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Scheduler) mergeOne(ctx context.Context, task *msg.Task, harness *msg.WeightedHarness) error {
	lock := s.st.Lock(mergeLockKey(task.TaskID, harness.HarnessName), s.cfg.MergeLockTTL)
	held, err := lock.TryAcquire(ctx)
	if err != nil {
		return err
	}
	if !held {
		return nil
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			s.log.Warn("merge lock release failed", zap.Error(err))
		}
	}()
	if err := s.merger.Merge(ctx, task, harness); err != nil {
		return fmt.Errorf("merge corpus for task %q harness %q: %w",
			task.TaskID, harness.HarnessName, err)
	}
	return nil
}

// cleanScratch removes the scratch directories of tasks no longer in the
// registry or no longer live. Directory names under ScratchRoot are
// normalized task ids.
func (s *Scheduler) cleanScratch(ctx context.Context) error {
	if s.cfg.ScratchRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.ScratchRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		dead, err := s.taskIsDead(ctx, taskID)
		if err != nil {
			return err
		}
		if !dead {
			continue
		}
		dir := filepath.Join(s.cfg.ScratchRoot, taskID)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove scratch dir %q: %w", dir, err)
		}
		s.log.Info("removed scratch dir of dead task", zap.String("task_id", taskID))
	}
	return nil
}

// taskIsDead reports whether the task is gone from the registry,
// cancelled, or expired. A storage error is never treated as dead.
func (s *Scheduler) taskIsDead(ctx context.Context, taskID string) (bool, error) {
	_, err := s.tasks.Get(ctx, taskID)
	if err == registry.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return s.tasks.ShouldStopProcessing(ctx, taskID)
}

// sweepStale ages out submission statuses and reproduce requests that
// belong to dead tasks.
func (s *Scheduler) sweepStale(ctx context.Context) error {
	if err := s.tracker.SweepDeadlines(ctx); err != nil {
		return err
	}
	pending, err := s.povs.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, req := range pending {
		stop, err := s.tasks.ShouldStopProcessing(ctx, req.TaskID)
		if err != nil {
			return err
		}
		if !stop {
			continue
		}
		if _, err := s.povs.MarkExpired(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
