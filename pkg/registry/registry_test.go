// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/testutil"
)

func newRegistry(t *testing.T) *TaskRegistry {
	st, _ := testutil.NewStore(t)
	return New(st, zaptest.NewLogger(t))
}

func futureTask(id string) *msg.Task {
	return &msg.Task{
		TaskID:      id,
		ProjectName: "libpng",
		TaskType:    msg.TaskTypeFull,
		Deadline:    time.Now().Add(time.Hour).Unix(),
	}
}

func TestSetGet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("Task-1")))

	// Lookup is case-normalized.
	task, err := r.Get(ctx, "TASK-1")
	require.NoError(t, err)
	assert.Equal(t, "Task-1", task.TaskID)
	assert.False(t, task.Cancelled)

	_, err = r.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelledDerivedFromSet(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("t1")))
	require.NoError(t, r.MarkCancelled(ctx, "T1"))

	task, err := r.Get(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, task.Cancelled)

	ok, err := r.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteRemovesBoth(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("t1")))
	require.NoError(t, r.MarkCancelled(ctx, "t1"))
	require.NoError(t, r.Delete(ctx, "t1"))

	_, err := r.Get(ctx, "t1")
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := r.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOutcomeMarkersAreOrthogonal(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("t1")))
	require.NoError(t, r.MarkSuccessful(ctx, "t1"))
	require.NoError(t, r.MarkErrored(ctx, "t1"))

	ok, err := r.IsSuccessful(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.IsErrored(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsExpired(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	task := futureTask("t1")
	task.Deadline = time.Now().Add(10 * time.Second).Unix()
	require.NoError(t, r.Set(ctx, task))

	expired, err := r.IsExpired(ctx, "t1", 0)
	require.NoError(t, err)
	assert.False(t, expired)

	// delta pushes the effective deadline past now.
	expired, err = r.IsExpired(ctx, "t1", time.Minute)
	require.NoError(t, err)
	assert.True(t, expired)

	// Unknown tasks are never expired.
	expired, err = r.IsExpired(ctx, "ghost", 0)
	require.NoError(t, err)
	assert.False(t, expired)
}

func TestShouldStopProcessingMonotone(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("t1")))

	stop, err := r.ShouldStopProcessing(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, stop)

	require.NoError(t, r.MarkCancelled(ctx, "t1"))
	for i := 0; i < 3; i++ {
		stop, err = r.ShouldStopProcessing(ctx, "t1")
		require.NoError(t, err)
		assert.True(t, stop)
	}
}

func TestShouldStopProcessingExpiry(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	task := futureTask("t1")
	require.NoError(t, r.Set(ctx, task))
	// Deadline passes while the task is in flight.
	r.now = func() time.Time { return time.Unix(task.Deadline, 0) }

	stop, err := r.ShouldStopProcessing(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestGetLiveTasks(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("live")))
	require.NoError(t, r.Set(ctx, futureTask("cancelled")))
	require.NoError(t, r.MarkCancelled(ctx, "cancelled"))
	expired := futureTask("expired")
	expired.Deadline = time.Now().Add(-time.Hour).Unix()
	require.NoError(t, r.Set(ctx, expired))

	live, err := r.GetLiveTasks(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "live", live[0].TaskID)
}

func TestShouldStopProcessingInAmortized(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, futureTask("t1")))
	require.NoError(t, r.Set(ctx, futureTask("t2")))
	require.NoError(t, r.MarkCancelled(ctx, "t2"))

	cancelled, err := r.CancelledTasks(ctx)
	require.NoError(t, err)

	stop, err := r.ShouldStopProcessingIn(ctx, "t1", cancelled)
	require.NoError(t, err)
	assert.False(t, stop)
	stop, err = r.ShouldStopProcessingIn(ctx, "T2", cancelled)
	require.NoError(t, err)
	assert.True(t, stop)
}

func TestSARIFStore(t *testing.T) {
	r := newRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.PushSARIF(ctx, "Task-1", []byte(`{"runs":[]}`)))
	require.NoError(t, r.PushSARIF(ctx, "task-1", []byte(`{"runs":[1]}`)))

	blobs, err := r.ListSARIF(ctx, "TASK-1")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, `{"runs":[]}`, string(blobs[0]))
}
