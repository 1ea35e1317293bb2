// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package scheduler drives the CRS pipeline: it drains the ready-task,
// build-output, crash, vulnerability and patch queues, runs cancellation
// and timeout sweeps, and hosts the long-running background work (PoV
// reproduction, corpus merging, scratch cleanup) on separate goroutines.
//
// The main loop is cooperative and single-threaded: each sub-serve does a
// non-blocking pop of at most one item and returns quickly. If no
// sub-serve did work the loop sleeps; otherwise it re-ticks immediately.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/trailofbits/buttercup-sub002/pkg/buildmap"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/povstatus"
	"github.com/trailofbits/buttercup-sub002/pkg/queue"
	"github.com/trailofbits/buttercup-sub002/pkg/registry"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
	"github.com/trailofbits/buttercup-sub002/pkg/submission"
)

type Config struct {
	// SleepTime is the idle-tick sleep of the main loop.
	SleepTime time.Duration
	// TaskTimeout is the autoclaim min-idle threshold: entries pending on
	// a dead worker longer than this are reclaimed.
	TaskTimeout time.Duration
	// MaxDeliveries is the poison-pill cap; entries delivered more often
	// are recorded and dropped.
	MaxDeliveries int64

	// Sanitizers to request fuzzer builds for.
	Sanitizers []string
	// Engine passed to build requests.
	Engine string

	ReproducerInterval  time.Duration
	MergerInterval      time.Duration
	CleanerInterval     time.Duration
	SweeperInterval     time.Duration
	MergeLockTTL        time.Duration
	ReproduceMaxRetries int

	// ScratchRoot holds per-task scratch directories cleaned after death.
	ScratchRoot string

	// ErrorThreshold is the consecutive-error count past which a task is
	// reported unhealthy.
	ErrorThreshold int
}

func DefaultConfig() Config {
	return Config{
		SleepTime:           time.Second,
		TaskTimeout:         30 * time.Minute,
		MaxDeliveries:       10,
		Sanitizers:          []string{"address"},
		Engine:              "libfuzzer",
		ReproducerInterval:  100 * time.Millisecond,
		MergerInterval:      10 * time.Second,
		CleanerInterval:     time.Minute,
		SweeperInterval:     30 * time.Second,
		MergeLockTTL:        15 * time.Minute,
		ReproduceMaxRetries: 3,
		ErrorThreshold:      20,
	}
}

// queues groups the stream handles the scheduler consumes or produces.
type queues struct {
	readyTasks  *queue.ReliableQueue
	build       *queue.ReliableQueue
	buildOutput *queue.ReliableQueue
	deleteTask  *queue.ReliableQueue
	tracedVulns *queue.ReliableQueue
	uniqueVulns *queue.ReliableQueue
	confirmed   *queue.ReliableQueue
	patches     *queue.ReliableQueue
}

type Scheduler struct {
	cfg     Config
	log     *zap.Logger
	st      store.Store
	tasks   *registry.TaskRegistry
	builds  *buildmap.BuildMap
	povs    *povstatus.Status
	weights *buildmap.HarnessWeights
	tracker *submission.Tracker
	client  submission.CompetitionClient
	driver  ReproduceDriver
	merger  CorpusMerger
	q       queues

	// discover is buildmap.DiscoverHarnessBinaries unless a test swaps it.
	discover func(taskDir, packageName string) ([]string, error)

	subServes  []*subServe
	background []*backgroundTask

	metricRuns   *prometheus.CounterVec
	metricErrors *prometheus.CounterVec
}

// subServe is one non-blocking pipeline stage of the main loop.
type subServe struct {
	name string
	fn   func(ctx context.Context) (bool, error)

	mu           sync.Mutex
	lastRun      time.Time
	consecErrors int
}

type Deps struct {
	Store   store.Store
	Tasks   *registry.TaskRegistry
	Builds  *buildmap.BuildMap
	Weights *buildmap.HarnessWeights
	POVs    *povstatus.Status
	Tracker *submission.Tracker
	Client  submission.CompetitionClient
	Driver  ReproduceDriver
	Merger  CorpusMerger
}

func New(ctx context.Context, cfg Config, deps Deps, log *zap.Logger, reg prometheus.Registerer) (*Scheduler, error) {
	s := &Scheduler{
		cfg:     cfg,
		log:     log,
		st:      deps.Store,
		tasks:   deps.Tasks,
		builds:  deps.Builds,
		weights: deps.Weights,
		povs:    deps.POVs,
		tracker: deps.Tracker,
		client:  deps.Client,
		driver:  deps.Driver,
		merger:  deps.Merger,

		discover: buildmap.DiscoverHarnessBinaries,
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s.metricRuns = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "buttercup_scheduler_runs_total",
		Help: "Number of runs per scheduler stage.",
	}, []string{"stage"})
	s.metricErrors = promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "buttercup_scheduler_errors_total",
		Help: "Number of failed runs per scheduler stage.",
	}, []string{"stage"})

	if err := s.setupQueues(ctx); err != nil {
		return nil, err
	}
	s.subServes = []*subServe{
		{name: "ready_tasks", fn: s.serveReadyTasks},
		{name: "build_output", fn: s.serveBuildOutput},
		{name: "cancellations", fn: s.serveCancellations},
		{name: "crash_dedup", fn: s.serveTracedCrashes},
		{name: "vulnerability_submission", fn: s.serveUniqueVulns},
		{name: "patch_submission", fn: s.servePatches},
		{name: "bundle_submission", fn: s.serveBundles},
	}
	s.background = []*backgroundTask{
		newBackgroundTask("pov_reproducer", cfg.ReproducerInterval, s.reproduceOnePOV),
		newBackgroundTask("corpus_merger", cfg.MergerInterval, s.mergeCorpora),
		newBackgroundTask("scratch_cleaner", cfg.CleanerInterval, s.cleanScratch),
		newBackgroundTask("staleness_sweeper", cfg.SweeperInterval, s.sweepStale),
	}
	return s, nil
}

func (s *Scheduler) setupQueues(ctx context.Context) error {
	mk := func(name, group string) (*queue.ReliableQueue, error) {
		return queue.New(ctx, s.st, name, group, queue.WithReclaimIdle(s.cfg.TaskTimeout))
	}
	var err error
	if s.q.readyTasks, err = mk(msg.QueueReadyTasks, msg.GroupSchedulerReadyTasks); err != nil {
		return err
	}
	if s.q.build, err = mk(msg.QueueBuild, msg.GroupBuildBot); err != nil {
		return err
	}
	if s.q.buildOutput, err = mk(msg.QueueBuildOutput, msg.GroupSchedulerBuildOutput); err != nil {
		return err
	}
	if s.q.deleteTask, err = mk(msg.QueueDeleteTask, msg.GroupSchedulerDeleteTask); err != nil {
		return err
	}
	if s.q.tracedVulns, err = mk(msg.QueueTracedVulns, msg.GroupSchedulerCrash); err != nil {
		return err
	}
	if s.q.uniqueVulns, err = mk(msg.QueueUniqueVulns, msg.GroupSchedulerUniqueVulns); err != nil {
		return err
	}
	if s.q.confirmed, err = mk(msg.QueueConfirmedVulns, msg.GroupPatcher); err != nil {
		return err
	}
	if s.q.patches, err = mk(msg.QueuePatches, msg.GroupSchedulerPatches); err != nil {
		return err
	}
	return nil
}

// Tick runs every sub-serve once and reports whether any did work.
// A sub-serve panic or error is contained: one poisonous message never
// halts the loop.
func (s *Scheduler) Tick(ctx context.Context) bool {
	didWork := false
	for _, sub := range s.subServes {
		did, err := s.runSubServe(ctx, sub)
		if did {
			didWork = true
		}
		if err != nil && ctx.Err() == nil {
			s.log.Warn("sub-serve failed", zap.String("stage", sub.name), zap.Error(err))
		}
	}
	return didWork
}

func (s *Scheduler) runSubServe(ctx context.Context, sub *subServe) (did bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sub-serve %s panicked: %v", sub.name, r)
		}
		s.metricRuns.WithLabelValues(sub.name).Inc()
		sub.mu.Lock()
		sub.lastRun = time.Now()
		if err != nil {
			sub.consecErrors++
			s.metricErrors.WithLabelValues(sub.name).Inc()
		} else {
			sub.consecErrors = 0
		}
		sub.mu.Unlock()
	}()
	return sub.fn(ctx)
}

// Loop runs the scheduler until the context is cancelled. Background
// tasks run on their own goroutines and never block the main loop.
func (s *Scheduler) Loop(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, task := range s.background {
		task := task
		g.Go(func() error {
			task.run(ctx, s.log)
			return nil
		})
	}
	g.Go(func() error {
		for ctx.Err() == nil {
			if s.Tick(ctx) {
				continue // backpressure relief: re-tick immediately
			}
			select {
			case <-time.After(s.cfg.SleepTime):
			case <-ctx.Done():
			}
		}
		return ctx.Err()
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// StageStatus is one row of the health snapshot.
type StageStatus struct {
	Name         string    `json:"name"`
	LastRun      time.Time `json:"last_run"`
	ConsecErrors int       `json:"consecutive_errors"`
	Alive        bool      `json:"alive"`
}

// Status reports per-stage last-run times and error counts for the main
// loop stages and background tasks.
func (s *Scheduler) Status() []StageStatus {
	var out []StageStatus
	for _, sub := range s.subServes {
		sub.mu.Lock()
		out = append(out, StageStatus{
			Name:         sub.name,
			LastRun:      sub.lastRun,
			ConsecErrors: sub.consecErrors,
			Alive:        true,
		})
		sub.mu.Unlock()
	}
	for _, task := range s.background {
		out = append(out, task.status())
	}
	return out
}

// Healthy reports whether all background tasks are alive and no stage has
// exceeded the consecutive-error threshold.
func (s *Scheduler) Healthy() bool {
	for _, stage := range s.Status() {
		if !stage.Alive || stage.ConsecErrors > s.cfg.ErrorThreshold {
			return false
		}
	}
	return true
}
