// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/queue"
)

// popChecked pops one item and handles the poison-pill cap. Returns nil
// when the queue is empty or the item was dropped as poisoned.
func (s *Scheduler) popChecked(ctx context.Context, q *queue.ReliableQueue) (*queue.RQItem, error) {
	item, err := q.Pop(ctx)
	if err != nil || item == nil {
		return nil, err
	}
	dropped, err := q.DropPoisoned(ctx, item, s.cfg.MaxDeliveries)
	if err != nil {
		return nil, err
	}
	if dropped {
		s.log.Error("dropped poisoned queue entry",
			zap.String("queue", q.Name()), zap.String("id", item.ID))
		return nil, nil
	}
	return item, nil
}

// serveReadyTasks turns one TaskReady into the build requests the task
// needs: one fuzzer build per configured sanitizer, plus coverage and
// tracer builds. The entry is acked only after every request is pushed,
// so a partial failure retries the whole fan-out; build workers tolerate
// duplicate requests.
func (s *Scheduler) serveReadyTasks(ctx context.Context) (bool, error) {
	item, err := s.popChecked(ctx, s.q.readyTasks)
	if err != nil || item == nil {
		return false, err
	}
	ready, err := msg.Decode[msg.TaskReady](item.Payload)
	if err != nil {
		return true, err
	}
	stop, err := s.tasks.ShouldStopProcessing(ctx, ready.TaskID)
	if err != nil {
		return true, err
	}
	if stop {
		return true, s.q.readyTasks.Ack(ctx, item.ID)
	}

	sanitizers := s.cfg.Sanitizers
	if len(sanitizers) == 0 {
		sanitizers = []string{"address"}
	}
	var requests []*msg.BuildRequest
	for _, san := range sanitizers {
		requests = append(requests, &msg.BuildRequest{
			TaskID:    ready.TaskID,
			BuildType: msg.BuildTypeFuzzer,
			Sanitizer: san,
			Engine:    s.cfg.Engine,
		})
	}
	requests = append(requests,
		&msg.BuildRequest{
			TaskID:    ready.TaskID,
			BuildType: msg.BuildTypeCoverage,
			Sanitizer: "coverage",
			Engine:    s.cfg.Engine,
		},
		&msg.BuildRequest{
			TaskID:    ready.TaskID,
			BuildType: msg.BuildTypeTracerNoDiff,
			Sanitizer: sanitizers[0],
			Engine:    s.cfg.Engine,
		})
	for _, req := range requests {
		data, err := msg.Marshal(req)
		if err != nil {
			return true, err
		}
		if _, err := s.q.build.Push(ctx, data); err != nil {
			return true, err
		}
	}
	s.log.Info("requested builds for ready task",
		zap.String("task_id", ready.TaskID), zap.Int("requests", len(requests)))
	return true, s.q.readyTasks.Ack(ctx, item.ID)
}

// serveBuildOutput indexes one finished build. Fuzzer builds additionally
// feed harness discovery: each fuzz target binary under the build's out
// directory becomes a weight-1 harness entry.
func (s *Scheduler) serveBuildOutput(ctx context.Context) (bool, error) {
	item, err := s.popChecked(ctx, s.q.buildOutput)
	if err != nil || item == nil {
		return false, err
	}
	build, err := msg.Decode[msg.BuildOutput](item.Payload)
	if err != nil {
		return true, err
	}
	if err := s.builds.AddBuild(ctx, build); err != nil {
		return true, err
	}
	if build.BuildType == msg.BuildTypeFuzzer {
		if err := s.indexHarnesses(ctx, build); err != nil {
			return true, err
		}
	}
	return true, s.q.buildOutput.Ack(ctx, item.ID)
}

func (s *Scheduler) indexHarnesses(ctx context.Context, build *msg.BuildOutput) error {
	names, err := s.discover(build.TaskDir, build.PackageName)
	if err != nil {
		return err
	}
	for _, name := range names {
		err := s.weights.PushHarness(ctx, &msg.WeightedHarness{
			TaskID:      build.TaskID,
			PackageName: build.PackageName,
			HarnessName: name,
			Weight:      1,
		})
		if err != nil {
			return err
		}
	}
	s.log.Info("indexed harnesses",
		zap.String("task_id", build.TaskID),
		zap.String("package", build.PackageName),
		zap.Int("count", len(names)))
	return nil
}

// serveCancellations drains one explicit delete request, then sweeps the
// registry for deadline-expired live tasks. Both paths funnel into the
// cancelled set that every worker consults.
func (s *Scheduler) serveCancellations(ctx context.Context) (bool, error) {
	didWork := false
	item, err := s.popChecked(ctx, s.q.deleteTask)
	if err != nil {
		return false, err
	}
	if item != nil {
		didWork = true
		del, err := msg.Decode[msg.TaskDelete](item.Payload)
		if err != nil {
			return true, err
		}
		if err := s.tasks.MarkCancelled(ctx, del.TaskID); err != nil {
			return true, err
		}
		s.log.Info("task cancelled on request", zap.String("task_id", del.TaskID))
		if err := s.q.deleteTask.Ack(ctx, item.ID); err != nil {
			return true, err
		}
	}

	expired, err := s.sweepExpiredTasks(ctx)
	if err != nil {
		return didWork, err
	}
	return didWork || expired > 0, nil
}

func (s *Scheduler) sweepExpiredTasks(ctx context.Context) (int, error) {
	expired := 0
	err := s.tasks.Iterate(ctx, func(task *msg.Task) error {
		if task.Cancelled {
			return nil
		}
		isExpired, err := s.tasks.IsExpired(ctx, task.TaskID, 0)
		if err != nil || !isExpired {
			return err
		}
		if err := s.tasks.MarkCancelled(ctx, task.TaskID); err != nil {
			return err
		}
		s.log.Info("task expired past deadline", zap.String("task_id", task.TaskID))
		expired++
		return nil
	})
	return expired, err
}

func fingerprintKey(taskID string) string {
	return "crash_fingerprints:" + msg.NormalizeTaskID(taskID)
}

// crashFingerprint reduces a traced crash to its dedup token: the
// fuzzer-reported crash token when present, otherwise a hash of the first
// significant stacktrace frame.
func crashFingerprint(crash *msg.TracedCrash) string {
	if token := strings.TrimSpace(crash.Crash.CrashToken); token != "" {
		return token
	}
	trace := crash.TracerStacktrace
	if trace == "" {
		trace = crash.Crash.Stacktrace
	}
	for _, line := range strings.Split(trace, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "#") {
			continue
		}
		sum := sha256.Sum256([]byte(line))
		return hex.EncodeToString(sum[:16])
	}
	sum := sha256.Sum256([]byte(trace))
	return hex.EncodeToString(sum[:16])
}

// serveTracedCrashes forwards each novel crash to the unique
// vulnerabilities queue. Novelty is a set-add on the task's fingerprint
// set, so two schedulers racing on equivalent crashes forward only one.
func (s *Scheduler) serveTracedCrashes(ctx context.Context) (bool, error) {
	item, err := s.popChecked(ctx, s.q.tracedVulns)
	if err != nil || item == nil {
		return false, err
	}
	crash, err := msg.Decode[msg.TracedCrash](item.Payload)
	if err != nil {
		return true, err
	}
	taskID := crash.Crash.Target.TaskID
	stop, err := s.tasks.ShouldStopProcessing(ctx, taskID)
	if err != nil {
		return true, err
	}
	if stop {
		return true, s.q.tracedVulns.Ack(ctx, item.ID)
	}
	fingerprint := crashFingerprint(crash)
	added, err := s.st.SAdd(ctx, fingerprintKey(taskID), fingerprint)
	if err != nil {
		return true, err
	}
	if added > 0 {
		if _, err := s.q.uniqueVulns.Push(ctx, item.Payload); err != nil {
			// Give the novelty claim back so the redelivery forwards the
			// crash instead of acking it as a duplicate.
			if _, remErr := s.st.SRem(ctx, fingerprintKey(taskID), fingerprint); remErr != nil {
				s.log.Error("fingerprint rollback failed",
					zap.String("task_id", taskID), zap.Error(remErr))
			}
			return true, err
		}
		s.log.Info("novel crash forwarded",
			zap.String("task_id", taskID),
			zap.String("harness", crash.Crash.HarnessName))
	}
	return true, s.q.tracedVulns.Ack(ctx, item.ID)
}

// serveUniqueVulns submits one deduplicated crash as a PoV. Accepted
// PoVs are forwarded to the patcher as confirmed vulnerabilities; a
// rejected PoV is recorded and acked, a transport error leaves the entry
// unacked for retry.
func (s *Scheduler) serveUniqueVulns(ctx context.Context) (bool, error) {
	item, err := s.popChecked(ctx, s.q.uniqueVulns)
	if err != nil || item == nil {
		return false, err
	}
	crash, err := msg.Decode[msg.TracedCrash](item.Payload)
	if err != nil {
		return true, err
	}
	taskID := crash.Crash.Target.TaskID
	stop, err := s.tasks.ShouldStopProcessing(ctx, taskID)
	if err != nil {
		return true, err
	}
	if stop {
		return true, s.q.uniqueVulns.Ack(ctx, item.ID)
	}

	result, vulnID, err := s.client.SubmitPOV(ctx, crash)
	if err != nil {
		return true, fmt.Errorf("submit pov for task %q: %w", taskID, err)
	}
	if err := s.tracker.RecordPOVStatus(ctx, taskID, vulnID, result); err != nil {
		return true, err
	}
	switch result {
	case msg.ResultAccepted, msg.ResultPassed:
		confirmed := &msg.ConfirmedVulnerability{
			InternalVulnID: crashFingerprint(crash),
			VulnID:         vulnID,
			Crash:          *crash,
		}
		data, err := msg.Marshal(confirmed)
		if err != nil {
			return true, err
		}
		if _, err := s.q.confirmed.Push(ctx, data); err != nil {
			return true, err
		}
		s.log.Info("vulnerability confirmed",
			zap.String("task_id", taskID), zap.String("vuln_id", vulnID))
	default:
		s.log.Warn("pov rejected",
			zap.String("task_id", taskID),
			zap.String("vuln_id", vulnID),
			zap.String("result", string(result)))
	}
	return true, s.q.uniqueVulns.Ack(ctx, item.ID)
}

// servePatches submits one candidate patch and maps it to its
// vulnerability so the bundle stage can pair them.
func (s *Scheduler) servePatches(ctx context.Context) (bool, error) {
	item, err := s.popChecked(ctx, s.q.patches)
	if err != nil || item == nil {
		return false, err
	}
	patch, err := msg.Decode[msg.Patch](item.Payload)
	if err != nil {
		return true, err
	}
	stop, err := s.tasks.ShouldStopProcessing(ctx, patch.TaskID)
	if err != nil {
		return true, err
	}
	if stop {
		return true, s.q.patches.Ack(ctx, item.ID)
	}

	result, patchID, err := s.client.SubmitPatch(ctx, patch)
	if err != nil {
		return true, fmt.Errorf("submit patch for task %q: %w", patch.TaskID, err)
	}
	if err := s.tracker.RecordPatchStatus(ctx, patch.TaskID, patchID, result); err != nil {
		return true, err
	}
	if result == msg.ResultAccepted || result == msg.ResultPassed {
		if err := s.tracker.MapBundle(ctx, patch.TaskID, patch.InternalVulnID, patchID); err != nil {
			return true, err
		}
		s.log.Info("patch submitted",
			zap.String("task_id", patch.TaskID),
			zap.String("patch_id", patchID),
			zap.String("vuln_id", patch.InternalVulnID))
	} else {
		s.log.Warn("patch rejected",
			zap.String("task_id", patch.TaskID),
			zap.String("result", string(result)))
	}
	return true, s.q.patches.Ack(ctx, item.ID)
}

// serveBundles pushes every ready (vuln, patch) pair out. An unclean pass
// reports no work so the loop throttles instead of hammering the API.
func (s *Scheduler) serveBundles(ctx context.Context) (bool, error) {
	submitted, clean, err := s.tracker.ProcessBundles(ctx)
	if err != nil {
		return false, err
	}
	if !clean {
		return false, nil
	}
	return submitted > 0, nil
}
