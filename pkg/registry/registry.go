// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package registry tracks every challenge task and its lifecycle. The
// authoritative "is cancelled" bit lives in a side set, not on the task
// record; workers must consult ShouldStopProcessing before non-trivial
// work and between long sub-steps.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/lru"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

const (
	tasksHash    = "orchestrator_tasks_registry"
	cancelledSet = "cancelled_tasks"
	succeededSet = "succeeded_tasks"
	erroredSet   = "errored_tasks"

	deadlineCacheSize = 4096
)

var ErrNotFound = errors.New("registry: task not found")

type TaskRegistry struct {
	st  store.Store
	log *zap.Logger

	// deadlines memoizes deadline lookups within this process. Only tasks
	// that exist are cached; deadlines are immutable once stored.
	deadlines *lru.Cache[string, int64]
	now       func() time.Time
}

func New(st store.Store, log *zap.Logger) *TaskRegistry {
	return &TaskRegistry{
		st:        st,
		log:       log,
		deadlines: lru.New[string, int64](deadlineCacheSize),
		now:       time.Now,
	}
}

// Set upserts the task record. The Cancelled field is not stored.
func (r *TaskRegistry) Set(ctx context.Context, task *msg.Task) error {
	data, err := msg.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %q: %w", task.TaskID, err)
	}
	return r.st.HSet(ctx, tasksHash, task.StorageID(), string(data))
}

// Get returns the task with Cancelled populated from the cancelled set.
func (r *TaskRegistry) Get(ctx context.Context, taskID string) (*msg.Task, error) {
	id := msg.NormalizeTaskID(taskID)
	data, err := r.st.HGet(ctx, tasksHash, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	task, err := msg.Decode[msg.Task]([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", taskID, err)
	}
	task.Cancelled, err = r.st.SIsMember(ctx, cancelledSet, id)
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Delete removes the task record and its cancelled-set entry atomically.
func (r *TaskRegistry) Delete(ctx context.Context, taskID string) error {
	id := msg.NormalizeTaskID(taskID)
	return r.st.Pipeline(ctx, func(p store.Pipe) error {
		p.HDel(tasksHash, id)
		p.SRem(cancelledSet, id)
		return nil
	})
}

func (r *TaskRegistry) MarkCancelled(ctx context.Context, taskID string) error {
	return r.mark(ctx, cancelledSet, taskID)
}

func (r *TaskRegistry) MarkSuccessful(ctx context.Context, taskID string) error {
	return r.mark(ctx, succeededSet, taskID)
}

func (r *TaskRegistry) MarkErrored(ctx context.Context, taskID string) error {
	return r.mark(ctx, erroredSet, taskID)
}

func (r *TaskRegistry) mark(ctx context.Context, set, taskID string) error {
	_, err := r.st.SAdd(ctx, set, msg.NormalizeTaskID(taskID))
	return err
}

func (r *TaskRegistry) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	return r.st.SIsMember(ctx, cancelledSet, msg.NormalizeTaskID(taskID))
}

func (r *TaskRegistry) IsSuccessful(ctx context.Context, taskID string) (bool, error) {
	return r.st.SIsMember(ctx, succeededSet, msg.NormalizeTaskID(taskID))
}

func (r *TaskRegistry) IsErrored(ctx context.Context, taskID string) (bool, error) {
	return r.st.SIsMember(ctx, erroredSet, msg.NormalizeTaskID(taskID))
}

// IsExpired reports whether deadline+delta has passed. A task that does
// not exist is treated as not-expired so that callers do not race a
// registry delete into a spurious "should stop".
func (r *TaskRegistry) IsExpired(ctx context.Context, taskID string, delta time.Duration) (bool, error) {
	id := msg.NormalizeTaskID(taskID)
	deadline, ok := r.deadlines.Get(id)
	if !ok {
		task, err := r.Get(ctx, taskID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		deadline = task.Deadline
		r.deadlines.Put(id, deadline)
	}
	return deadline+int64(delta.Seconds()) <= r.now().Unix(), nil
}

// ShouldStopProcessing is the "do not process work for a dead task"
// contract: cancelled or expired.
func (r *TaskRegistry) ShouldStopProcessing(ctx context.Context, taskID string) (bool, error) {
	cancelled, err := r.IsCancelled(ctx, taskID)
	if err != nil {
		return false, err
	}
	if cancelled {
		return true, nil
	}
	return r.IsExpired(ctx, taskID, 0)
}

// CancelledTasks returns the cancelled set as a map, letting callers
// amortize membership checks across many tasks in one sweep.
func (r *TaskRegistry) CancelledTasks(ctx context.Context) (map[string]bool, error) {
	members, err := r.st.SMembers(ctx, cancelledSet)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(members))
	for _, m := range members {
		set[m] = true
	}
	return set, nil
}

// ShouldStopProcessingIn is ShouldStopProcessing against a preloaded
// cancelled set; only the expiry check touches storage (and is memoized).
func (r *TaskRegistry) ShouldStopProcessingIn(ctx context.Context, taskID string, cancelled map[string]bool) (bool, error) {
	if cancelled[msg.NormalizeTaskID(taskID)] {
		return true, nil
	}
	return r.IsExpired(ctx, taskID, 0)
}

// Iterate streams every task with Cancelled populated, using a single
// pass over the cancelled set.
func (r *TaskRegistry) Iterate(ctx context.Context, fn func(*msg.Task) error) error {
	cancelled, err := r.CancelledTasks(ctx)
	if err != nil {
		return err
	}
	records, err := r.st.HGetAll(ctx, tasksHash)
	if err != nil {
		return err
	}
	for id, data := range records {
		task, err := msg.Decode[msg.Task]([]byte(data))
		if err != nil {
			r.log.Warn("skipping malformed task record", zap.String("task_id", id), zap.Error(err))
			continue
		}
		task.Cancelled = cancelled[id]
		if err := fn(task); err != nil {
			return err
		}
	}
	return nil
}

// GetLiveTasks returns tasks that are neither cancelled nor expired.
func (r *TaskRegistry) GetLiveTasks(ctx context.Context) ([]*msg.Task, error) {
	now := r.now().Unix()
	var live []*msg.Task
	err := r.Iterate(ctx, func(task *msg.Task) error {
		if task.Cancelled || task.Deadline <= now {
			return nil
		}
		live = append(live, task)
		return nil
	})
	return live, err
}

// PushSARIF appends a SARIF report blob for the task.
func (r *TaskRegistry) PushSARIF(ctx context.Context, taskID string, blob []byte) error {
	return r.st.RPush(ctx, sarifKey(taskID), string(blob))
}

// ListSARIF returns all SARIF blobs stored for the task.
func (r *TaskRegistry) ListSARIF(ctx context.Context, taskID string) ([][]byte, error) {
	vals, err := r.st.LRange(ctx, sarifKey(taskID), 0, -1)
	if err != nil {
		return nil, err
	}
	blobs := make([][]byte, len(vals))
	for i, v := range vals {
		blobs[i] = []byte(v)
	}
	return blobs, nil
}

func sarifKey(taskID string) string {
	return "sarif:" + msg.NormalizeTaskID(taskID)
}
