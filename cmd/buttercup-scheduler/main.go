// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// buttercup-scheduler is the coordination daemon of the CRS: it drains
// the work queues, maintains the shared task and build maps, and submits
// confirmed vulnerabilities, patches and bundles to the competition API.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/buildmap"
	"github.com/trailofbits/buttercup-sub002/pkg/povstatus"
	"github.com/trailofbits/buttercup-sub002/pkg/registry"
	"github.com/trailofbits/buttercup-sub002/pkg/scheduler"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
	"github.com/trailofbits/buttercup-sub002/pkg/submission"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "buttercup-scheduler",
		Short:         "work coordination daemon for the buttercup CRS",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	flags := cmd.Flags()
	flags.String("redis-addr", "127.0.0.1:6379", "redis address")
	flags.String("api-url", "", "competition API base URL")
	flags.String("api-key-id", "", "competition API key id")
	flags.String("api-token", "", "competition API token")
	flags.String("scratch-root", "/crs_scratch", "per-task scratch directory root")
	flags.String("metrics-addr", ":9090", "metrics and health listen address")
	flags.Duration("sleep-time", time.Second, "idle tick sleep")
	flags.Duration("task-timeout", 30*time.Minute, "queue entry reclaim threshold")
	flags.Duration("reproduce-timeout", 5*time.Minute, "single PoV reproduce run timeout")
	flags.StringSlice("sanitizers", []string{"address"}, "sanitizers to build fuzzers for")
	flags.String("engine", "libfuzzer", "fuzzing engine for build requests")
	flags.Bool("dev-logging", false, "human-readable log output")

	v.SetEnvPrefix("BUTTERCUP")
	v.AutomaticEnv()
	cobra.CheckErr(v.BindPFlags(flags))
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	log, err := buildLogger(v.GetBool("dev-logging"))
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Connect(ctx, v.GetString("redis-addr"))
	if err != nil {
		return fmt.Errorf("connect to redis at %q: %w", v.GetString("redis-addr"), err)
	}

	tasks := registry.New(st, log)
	builds := buildmap.New(st)
	weights := buildmap.NewHarnessWeights(st)
	povs := povstatus.New(st, rand.New(rand.NewSource(time.Now().UnixNano())))
	client := submission.NewHTTPClient(
		v.GetString("api-url"), v.GetString("api-key-id"), v.GetString("api-token"))
	tracker := submission.NewTracker(st, tasks, client, log)

	cfg := scheduler.DefaultConfig()
	cfg.SleepTime = v.GetDuration("sleep-time")
	cfg.TaskTimeout = v.GetDuration("task-timeout")
	cfg.Sanitizers = v.GetStringSlice("sanitizers")
	cfg.Engine = v.GetString("engine")
	cfg.ScratchRoot = v.GetString("scratch-root")

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	sched, err := scheduler.New(ctx, cfg, scheduler.Deps{
		Store:   st,
		Tasks:   tasks,
		Builds:  builds,
		Weights: weights,
		POVs:    povs,
		Tracker: tracker,
		Client:  client,
		Driver:  scheduler.NewCommandDriver(v.GetDuration("reproduce-timeout"), log),
		Merger: &scheduler.CommandMerger{
			ScratchRoot: cfg.ScratchRoot,
			CorpusRoot:  cfg.ScratchRoot,
			Timeout:     cfg.MergeLockTTL,
			Log:         log,
		},
	}, log, promReg)
	if err != nil {
		return err
	}

	go serveMetrics(v.GetString("metrics-addr"), promReg, sched, log)

	log.Info("scheduler starting",
		zap.String("redis_addr", v.GetString("redis-addr")),
		zap.Strings("sanitizers", cfg.Sanitizers))
	return sched.Loop(ctx)
}

func buildLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func serveMetrics(addr string, reg *prometheus.Registry, sched *scheduler.Scheduler, log *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !sched.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		for _, stage := range sched.Status() {
			fmt.Fprintf(w, "%s last_run=%s consecutive_errors=%d alive=%v\n",
				stage.Name, stage.LastRun.Format(time.RFC3339), stage.ConsecErrors, stage.Alive)
		}
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics listener failed", zap.Error(err))
	}
}
