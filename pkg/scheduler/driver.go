// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/osutil"
)

// CommandDriver reproduces PoVs by running the harness binary from the
// patched build's out directory against the PoV input, libFuzzer style.
type CommandDriver struct {
	Timeout time.Duration
	Log     *zap.Logger
}

func NewCommandDriver(timeout time.Duration, log *zap.Logger) *CommandDriver {
	return &CommandDriver{Timeout: timeout, Log: log}
}

// sanitizer report markers; any of them in the output means the PoV still
// crashes the patched build.
var crashMarkers = [][]byte{
	[]byte("ERROR: AddressSanitizer"),
	[]byte("ERROR: MemorySanitizer"),
	[]byte("ERROR: UndefinedBehaviorSanitizer"),
	[]byte("ERROR: LeakSanitizer"),
	[]byte("ERROR: libFuzzer: deadly signal"),
	[]byte("ERROR: libFuzzer: timeout"),
	[]byte("SUMMARY: "),
}

func (d *CommandDriver) Reproduce(ctx context.Context, req *msg.POVReproduceRequest, build *msg.BuildOutput) (bool, bool, error) {
	binDir := filepath.Join(build.TaskDir, "out", build.PackageName)
	bin := filepath.Join(binDir, req.HarnessName)
	if _, err := os.Stat(bin); err != nil {
		// Build artifacts not on this node yet; no verdict.
		return false, false, nil
	}
	if _, err := os.Stat(req.POVPath); err != nil {
		return false, false, nil
	}

	res, err := osutil.RunCmd(ctx, d.Timeout, binDir, bin, "-runs=1", req.POVPath)
	if err != nil {
		return false, false, err
	}
	if res.TimedOut {
		// A hang under the patched build counts as not mitigated only if
		// the sanitizer reported; a silent timeout yields no verdict.
		if !outputHasCrash(res.Stderr) && !outputHasCrash(res.Stdout) {
			return false, false, nil
		}
	}
	didCrash := !res.Success && (outputHasCrash(res.Stderr) || outputHasCrash(res.Stdout))
	d.Log.Debug("reproduce run finished",
		zap.String("harness", req.HarnessName),
		zap.Int("return_code", res.ReturnCode),
		zap.Bool("did_crash", didCrash))
	return true, didCrash, nil
}

func outputHasCrash(out []byte) bool {
	for _, marker := range crashMarkers {
		if bytes.Contains(out, marker) {
			return true
		}
	}
	return false
}

// CommandMerger compacts a harness corpus with libFuzzer's -merge mode:
// the main corpus directory absorbs the minimal covering subset of the
// scratch corpus, and the scratch inputs are removed afterwards.
type CommandMerger struct {
	ScratchRoot string
	CorpusRoot  string
	Timeout     time.Duration
	Log         *zap.Logger
}

func (m *CommandMerger) Merge(ctx context.Context, task *msg.Task, harness *msg.WeightedHarness) error {
	id := msg.NormalizeTaskID(task.TaskID)
	scratch := filepath.Join(m.ScratchRoot, id, "corpus", harness.HarnessName)
	corpus := filepath.Join(m.CorpusRoot, id, harness.HarnessName)
	entries, err := os.ReadDir(scratch)
	if os.IsNotExist(err) || (err == nil && len(entries) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := os.MkdirAll(corpus, 0o755); err != nil {
		return err
	}

	bin := filepath.Join(m.ScratchRoot, id, "out", harness.PackageName, harness.HarnessName)
	res, err := osutil.RunCmd(ctx, m.Timeout, "", bin, "-merge=1", corpus, scratch)
	if err != nil {
		return err
	}
	if !res.Success {
		m.Log.Warn("corpus merge run failed",
			zap.String("task_id", task.TaskID),
			zap.String("harness", harness.HarnessName),
			zap.Int("return_code", res.ReturnCode))
		return nil
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(scratch, entry.Name())); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	m.Log.Info("corpus merged",
		zap.String("task_id", task.TaskID),
		zap.String("harness", harness.HarnessName),
		zap.Int("inputs", len(entries)))
	return nil
}
