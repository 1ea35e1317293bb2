// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/trailofbits/buttercup-sub002/pkg/buildmap"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/povstatus"
	"github.com/trailofbits/buttercup-sub002/pkg/queue"
	"github.com/trailofbits/buttercup-sub002/pkg/registry"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
	"github.com/trailofbits/buttercup-sub002/pkg/submission"
	"github.com/trailofbits/buttercup-sub002/pkg/testutil"
)

type fakeClient struct {
	povResult   msg.SubmissionResult
	patchResult msg.SubmissionResult
	povErr      error

	povs    int
	patches int
	bundles int
}

func (f *fakeClient) SubmitPOV(ctx context.Context, crash *msg.TracedCrash) (msg.SubmissionResult, string, error) {
	f.povs++
	if f.povErr != nil {
		return "", "", f.povErr
	}
	return f.povResult, "vuln-id-1", nil
}

func (f *fakeClient) SubmitPatch(ctx context.Context, patch *msg.Patch) (msg.SubmissionResult, string, error) {
	f.patches++
	return f.patchResult, "patch-id-1", nil
}

func (f *fakeClient) SubmitBundle(ctx context.Context, taskID, vulnID, patchID string) (msg.SubmissionResult, string, error) {
	f.bundles++
	return msg.ResultAccepted, "bundle-id-1", nil
}

type fakeDriver struct {
	ran      bool
	didCrash bool
	err      error
	calls    int
}

func (f *fakeDriver) Reproduce(ctx context.Context, req *msg.POVReproduceRequest, build *msg.BuildOutput) (bool, bool, error) {
	f.calls++
	return f.ran, f.didCrash, f.err
}

type env struct {
	sched   *Scheduler
	st      store.Store
	tasks   *registry.TaskRegistry
	builds  *buildmap.BuildMap
	weights *buildmap.HarnessWeights
	povs    *povstatus.Status
	tracker *submission.Tracker
	client  *fakeClient
	driver  *fakeDriver
}

func newEnv(t *testing.T) *env {
	st, _ := testutil.NewStore(t)
	return newEnvWithStore(t, st)
}

func newEnvWithStore(t *testing.T, st store.Store) *env {
	log := zaptest.NewLogger(t)
	rnd := rand.New(testutil.RandSource(t))

	tasks := registry.New(st, log)
	builds := buildmap.New(st)
	weights := buildmap.NewHarnessWeights(st)
	povs := povstatus.New(st, rnd)
	client := &fakeClient{povResult: msg.ResultAccepted, patchResult: msg.ResultAccepted}
	tracker := submission.NewTracker(st, tasks, client, log)
	driver := &fakeDriver{ran: true}

	cfg := DefaultConfig()
	cfg.Sanitizers = []string{"address", "memory"}
	sched, err := New(context.Background(), cfg, Deps{
		Store:   st,
		Tasks:   tasks,
		Builds:  builds,
		Weights: weights,
		POVs:    povs,
		Tracker: tracker,
		Client:  client,
		Driver:  driver,
	}, log, nil)
	require.NoError(t, err)
	return &env{
		sched: sched, st: st, tasks: tasks, builds: builds,
		weights: weights, povs: povs, tracker: tracker,
		client: client, driver: driver,
	}
}

func (e *env) liveTask(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, e.tasks.Set(context.Background(), &msg.Task{
		TaskID:      id,
		ProjectName: "libpng",
		TaskType:    msg.TaskTypeFull,
		Deadline:    time.Now().Add(time.Hour).Unix(),
	}))
}

func push(t *testing.T, e *env, queueName string, v any) {
	t.Helper()
	ctx := context.Background()
	q, err := queue.New(ctx, e.st, queueName, "producer_test")
	require.NoError(t, err)
	data, err := msg.Marshal(v)
	require.NoError(t, err)
	_, err = q.Push(ctx, data)
	require.NoError(t, err)
}

func drain[T any](t *testing.T, e *env, queueName, group string) []*T {
	t.Helper()
	ctx := context.Background()
	q, err := queue.New(ctx, e.st, queueName, group)
	require.NoError(t, err)
	var out []*T
	for {
		item, err := q.Pop(ctx)
		require.NoError(t, err)
		if item == nil {
			return out
		}
		v, err := msg.Decode[T](item.Payload)
		require.NoError(t, err)
		out = append(out, v)
		require.NoError(t, q.Ack(ctx, item.ID))
	}
}

func TestReadyTaskFansOutBuilds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	push(t, e, msg.QueueReadyTasks, &msg.TaskReady{TaskID: "task-1"})

	did, err := e.sched.serveReadyTasks(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	reqs := drain[msg.BuildRequest](t, e, msg.QueueBuild, "build_test")
	require.Len(t, reqs, 4) // two fuzzer sanitizers + coverage + tracer
	types := map[msg.BuildType]int{}
	for _, req := range reqs {
		assert.Equal(t, "task-1", req.TaskID)
		types[req.BuildType]++
	}
	assert.Equal(t, 2, types[msg.BuildTypeFuzzer])
	assert.Equal(t, 1, types[msg.BuildTypeCoverage])
	assert.Equal(t, 1, types[msg.BuildTypeTracerNoDiff])

	// The entry is acked: a second pass finds nothing.
	did, err = e.sched.serveReadyTasks(ctx)
	require.NoError(t, err)
	assert.False(t, did)
}

func TestReadyTaskSkipsDeadTask(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	require.NoError(t, e.tasks.MarkCancelled(ctx, "task-1"))
	push(t, e, msg.QueueReadyTasks, &msg.TaskReady{TaskID: "task-1"})

	did, err := e.sched.serveReadyTasks(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Empty(t, drain[msg.BuildRequest](t, e, msg.QueueBuild, "build_test"))
}

// Scenario 6 from the pipeline walkthrough: a finished fuzzer build is
// indexed and its fuzz target binaries become weight-1 harness entries.
func TestBuildOutputIndexesHarnesses(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	e.sched.discover = func(taskDir, packageName string) ([]string, error) {
		assert.Equal(t, "/scratch/task-1", taskDir)
		assert.Equal(t, "libpng", packageName)
		return []string{"png_read_fuzzer", "png_write_fuzzer"}, nil
	}
	push(t, e, msg.QueueBuildOutput, &msg.BuildOutput{
		TaskID:      "task-1",
		BuildType:   msg.BuildTypeFuzzer,
		Sanitizer:   "address",
		Engine:      "libfuzzer",
		PackageName: "libpng",
		TaskDir:     "/scratch/task-1",
	})

	did, err := e.sched.serveBuildOutput(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	builds, err := e.builds.GetBuilds(ctx, "task-1", msg.BuildTypeFuzzer, "")
	require.NoError(t, err)
	require.Len(t, builds, 1)
	assert.Equal(t, "libpng", builds[0].PackageName)

	harnesses, err := e.weights.ListTaskHarnesses(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, harnesses, 2)
	for _, h := range harnesses {
		assert.Equal(t, 1.0, h.Weight)
	}
}

func TestBuildOutputNonFuzzerSkipsDiscovery(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.sched.discover = func(string, string) ([]string, error) {
		t.Fatal("discovery must not run for coverage builds")
		return nil, nil
	}
	push(t, e, msg.QueueBuildOutput, &msg.BuildOutput{
		TaskID:      "task-1",
		BuildType:   msg.BuildTypeCoverage,
		Sanitizer:   "coverage",
		PackageName: "libpng",
		TaskDir:     "/scratch/task-1",
	})
	did, err := e.sched.serveBuildOutput(ctx)
	require.NoError(t, err)
	assert.True(t, did)
}

func TestCancellations(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	push(t, e, msg.QueueDeleteTask, &msg.TaskDelete{TaskID: "task-1"})

	did, err := e.sched.serveCancellations(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	cancelled, err := e.tasks.IsCancelled(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestCancellationSweepExpiresTasks(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.tasks.Set(ctx, &msg.Task{
		TaskID:   "task-old",
		TaskType: msg.TaskTypeFull,
		Deadline: time.Now().Add(-time.Minute).Unix(),
	}))
	e.liveTask(t, "task-live")

	did, err := e.sched.serveCancellations(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	cancelled, err := e.tasks.IsCancelled(ctx, "task-old")
	require.NoError(t, err)
	assert.True(t, cancelled)

	cancelled, err = e.tasks.IsCancelled(ctx, "task-live")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCrashDedupForwardsOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")

	crash := &msg.TracedCrash{
		Crash: msg.Crash{
			HarnessName: "png_read_fuzzer",
			CrashToken:  "heap-buffer-overflow:png_read_row",
			Target:      msg.BuildOutput{TaskID: "task-1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address"},
		},
	}
	push(t, e, msg.QueueTracedVulns, crash)
	push(t, e, msg.QueueTracedVulns, crash)

	for i := 0; i < 2; i++ {
		did, err := e.sched.serveTracedCrashes(ctx)
		require.NoError(t, err)
		assert.True(t, did)
	}
	unique := drain[msg.TracedCrash](t, e, msg.QueueUniqueVulns, "unique_test")
	assert.Len(t, unique, 1, "equivalent crashes must be forwarded once")
}

// flakyStore fails a fixed number of StreamAdd calls on one stream.
type flakyStore struct {
	store.Store
	failStream string
	failures   int
}

func (f *flakyStore) StreamAdd(ctx context.Context, name string, values map[string]any) (string, error) {
	if name == f.failStream && f.failures > 0 {
		f.failures--
		return "", errors.New("stream add failed")
	}
	return f.Store.StreamAdd(ctx, name, values)
}

// A transient failure of the forward push must not eat the crash: the
// fingerprint claim is rolled back and the redelivered entry forwards.
func TestCrashDedupSurvivesForwardFailure(t *testing.T) {
	base, mr := testutil.NewStore(t)
	flaky := &flakyStore{Store: base, failStream: msg.QueueUniqueVulns, failures: 1}
	e := newEnvWithStore(t, flaky)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	push(t, e, msg.QueueTracedVulns, &msg.TracedCrash{
		Crash: msg.Crash{
			CrashToken: "overflow:read_row",
			Target:     msg.BuildOutput{TaskID: "task-1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address"},
		},
	})

	_, err := e.sched.serveTracedCrashes(ctx)
	require.Error(t, err, "transient forward failure must surface, not ack")

	// The entry stays pending; reclaim it past the idle threshold.
	testutil.FastForward(mr, e.sched.cfg.TaskTimeout+time.Minute)
	did, err := e.sched.serveTracedCrashes(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	unique := drain[msg.TracedCrash](t, e, msg.QueueUniqueVulns, "unique_test")
	assert.Len(t, unique, 1, "the novel crash must still be forwarded")
}

func TestCrashDedupDistinctTokens(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")

	for _, token := range []string{"overflow:read_row", "overflow:write_row"} {
		push(t, e, msg.QueueTracedVulns, &msg.TracedCrash{
			Crash: msg.Crash{
				CrashToken: token,
				Target:     msg.BuildOutput{TaskID: "task-1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address"},
			},
		})
		did, err := e.sched.serveTracedCrashes(ctx)
		require.NoError(t, err)
		assert.True(t, did)
	}
	unique := drain[msg.TracedCrash](t, e, msg.QueueUniqueVulns, "unique_test")
	assert.Len(t, unique, 2)
}

func TestCrashFingerprintFromStacktrace(t *testing.T) {
	a := &msg.TracedCrash{
		TracerStacktrace: "==1== ERROR: AddressSanitizer\n    #0 0x4f2a png_read_row /src/pngread.c:42\n    #1 0x5f00 main",
	}
	b := &msg.TracedCrash{
		TracerStacktrace: "==7== ERROR: AddressSanitizer\n    #0 0x4f2a png_read_row /src/pngread.c:42\n    #1 0x6aaa other_caller",
	}
	assert.Equal(t, crashFingerprint(a), crashFingerprint(b),
		"same top frame must fingerprint equal")

	c := &msg.TracedCrash{
		TracerStacktrace: "==1== ERROR: AddressSanitizer\n    #0 0x1111 png_write_row /src/pngwrite.c:10",
	}
	assert.NotEqual(t, crashFingerprint(a), crashFingerprint(c))
}

func TestUniqueVulnSubmission(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	push(t, e, msg.QueueUniqueVulns, &msg.TracedCrash{
		Crash: msg.Crash{
			CrashToken: "tok",
			Target:     msg.BuildOutput{TaskID: "task-1", BuildType: msg.BuildTypeFuzzer, Sanitizer: "address"},
		},
	})

	did, err := e.sched.serveUniqueVulns(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, e.client.povs)

	status, err := e.tracker.GetPOVStatus(ctx, "task-1", "vuln-id-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ResultAccepted, status)

	confirmed := drain[msg.ConfirmedVulnerability](t, e, msg.QueueConfirmedVulns, "patcher_test")
	require.Len(t, confirmed, 1)
	assert.Equal(t, "vuln-id-1", confirmed[0].VulnID)
}

func TestUniqueVulnTransportErrorLeavesUnacked(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	e.client.povErr = errors.New("api down")
	push(t, e, msg.QueueUniqueVulns, &msg.TracedCrash{
		Crash: msg.Crash{
			CrashToken: "tok",
			Target:     msg.BuildOutput{TaskID: "task-1"},
		},
	})

	_, err := e.sched.serveUniqueVulns(ctx)
	require.Error(t, err)
	assert.Empty(t, drain[msg.ConfirmedVulnerability](t, e, msg.QueueConfirmedVulns, "patcher_test"))
}

func TestPatchThenBundlePipeline(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	e.client.patchResult = msg.ResultPassed
	push(t, e, msg.QueuePatches, &msg.Patch{
		TaskID:          "task-1",
		InternalPatchID: "ip-1",
		InternalVulnID:  "iv-1",
		Patch:           "--- a/pngread.c\n+++ b/pngread.c\n",
	})

	did, err := e.sched.servePatches(ctx)
	require.NoError(t, err)
	assert.True(t, did)

	status, err := e.tracker.GetPatchStatus(ctx, "task-1", "patch-id-1")
	require.NoError(t, err)
	assert.Equal(t, msg.ResultPassed, status)

	did, err = e.sched.serveBundles(ctx)
	require.NoError(t, err)
	assert.True(t, did)
	assert.Equal(t, 1, e.client.bundles)

	// Dedup: the bundle does not go out twice.
	did, err = e.sched.serveBundles(ctx)
	require.NoError(t, err)
	assert.False(t, did)
	assert.Equal(t, 1, e.client.bundles)
}

func TestReproduceOnePOVMitigated(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	require.NoError(t, e.builds.AddBuild(ctx, &msg.BuildOutput{
		TaskID:          "task-1",
		BuildType:       msg.BuildTypePatch,
		Sanitizer:       "address",
		PackageName:     "libpng",
		InternalPatchID: "ip-1",
		TaskDir:         "/scratch/task-1",
	}))
	req := &msg.POVReproduceRequest{
		TaskID:          "task-1",
		InternalPatchID: "ip-1",
		POVPath:         "/povs/crash-1",
		Sanitizer:       "address",
		HarnessName:     "png_read_fuzzer",
	}
	resp, err := e.povs.RequestStatus(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, resp, "first sighting is pending")

	e.driver.ran = true
	e.driver.didCrash = false
	require.NoError(t, e.sched.reproduceOnePOV(ctx))
	assert.Equal(t, 1, e.driver.calls)

	resp, err = e.povs.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.False(t, resp.DidCrash)
}

func TestReproduceOnePOVRetriesThenExpires(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	require.NoError(t, e.builds.AddBuild(ctx, &msg.BuildOutput{
		TaskID:          "task-1",
		BuildType:       msg.BuildTypePatch,
		Sanitizer:       "address",
		PackageName:     "libpng",
		InternalPatchID: "ip-1",
		TaskDir:         "/scratch/task-1",
	}))
	req := &msg.POVReproduceRequest{
		TaskID:          "task-1",
		InternalPatchID: "ip-1",
		POVPath:         "/povs/crash-1",
		Sanitizer:       "address",
		HarnessName:     "png_read_fuzzer",
	}
	_, err := e.povs.RequestStatus(ctx, req)
	require.NoError(t, err)

	e.driver.ran = false
	require.NoError(t, e.sched.reproduceOnePOV(ctx))
	assert.Equal(t, e.sched.cfg.ReproduceMaxRetries+1, e.driver.calls)

	// Exhausted without a verdict: the request is abandoned, not re-picked
	// on every later pass.
	pending, err := e.povs.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	require.NoError(t, e.sched.reproduceOnePOV(ctx))
	assert.Equal(t, e.sched.cfg.ReproduceMaxRetries+1, e.driver.calls,
		"an abandoned request must not reach the driver again")
}

func TestReproduceExpiresDeadTaskRequest(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-1")
	req := &msg.POVReproduceRequest{
		TaskID:          "task-1",
		InternalPatchID: "ip-1",
		POVPath:         "/povs/crash-1",
		Sanitizer:       "address",
		HarnessName:     "png_read_fuzzer",
	}
	_, err := e.povs.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.tasks.MarkCancelled(ctx, "task-1"))

	require.NoError(t, e.sched.reproduceOnePOV(ctx))
	assert.Zero(t, e.driver.calls)

	pending, err := e.povs.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSweepStaleExpiresPendingPOVs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.liveTask(t, "task-dead")
	req := &msg.POVReproduceRequest{
		TaskID:          "task-dead",
		InternalPatchID: "ip-1",
		POVPath:         "/povs/crash-1",
		Sanitizer:       "address",
		HarnessName:     "h",
	}
	_, err := e.povs.RequestStatus(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.tasks.MarkCancelled(ctx, "task-dead"))

	require.NoError(t, e.sched.sweepStale(ctx))

	pending, err := e.povs.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestTickReportsWork(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	assert.False(t, e.sched.Tick(ctx), "empty queues mean an idle tick")

	e.liveTask(t, "task-1")
	push(t, e, msg.QueueReadyTasks, &msg.TaskReady{TaskID: "task-1"})
	assert.True(t, e.sched.Tick(ctx))
}

func TestLoopReturnsNilOnCancel(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, e.sched.Loop(ctx))
}

func TestTickContainsPanics(t *testing.T) {
	e := newEnv(t)
	e.sched.subServes = append(e.sched.subServes, &subServe{
		name: "exploding",
		fn:   func(ctx context.Context) (bool, error) { panic("boom") },
	})
	assert.NotPanics(t, func() { e.sched.Tick(context.Background()) })

	for _, stage := range e.sched.Status() {
		if stage.Name == "exploding" {
			assert.Equal(t, 1, stage.ConsecErrors)
		}
	}
}

func TestHealthy(t *testing.T) {
	e := newEnv(t)
	assert.True(t, e.sched.Healthy())

	bad := &subServe{name: "sick", fn: func(ctx context.Context) (bool, error) {
		return false, errors.New("always fails")
	}}
	e.sched.subServes = append(e.sched.subServes, bad)
	for i := 0; i <= e.sched.cfg.ErrorThreshold; i++ {
		e.sched.Tick(context.Background())
	}
	assert.False(t, e.sched.Healthy())
}

func TestStatusCoversAllStages(t *testing.T) {
	e := newEnv(t)
	stages := e.sched.Status()
	names := make(map[string]bool, len(stages))
	for _, stage := range stages {
		names[stage.Name] = true
	}
	for _, want := range []string{
		"ready_tasks", "build_output", "cancellations", "crash_dedup",
		"vulnerability_submission", "patch_submission", "bundle_submission",
		"pov_reproducer", "corpus_merger", "scratch_cleaner", "staleness_sweeper",
	} {
		assert.True(t, names[want], "missing stage %s", want)
	}
}

func TestCleanScratchRemovesDeadTaskDirs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	root := t.TempDir()
	e.sched.cfg.ScratchRoot = root
	testutil.DirectoryLayout(t, root, []string{
		"task-live/out/libpng/fuzzer",
		"task-gone/out/libpng/fuzzer",
	})
	e.liveTask(t, "task-live")

	require.NoError(t, e.sched.cleanScratch(ctx))

	assert.DirExists(t, root+"/task-live")
	assert.NoDirExists(t, root+"/task-gone")
}
