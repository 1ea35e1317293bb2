// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package submission tracks what has been sent to the competition API and
// pairs confirmed vulnerabilities with verified patches into bundles. The
// bundle-submission marker keys are the dedup mechanism: a bundle is
// submitted at most once per (task, vuln, patch).
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/registry"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

const (
	statusField      = "status"
	lastUpdatedField = "last_updated"
)

// CompetitionClient is the external submission API. Retries are not
// idempotent on the server side; the tracker's markers provide the dedup.
type CompetitionClient interface {
	SubmitPOV(ctx context.Context, crash *msg.TracedCrash) (msg.SubmissionResult, string, error)
	SubmitPatch(ctx context.Context, patch *msg.Patch) (msg.SubmissionResult, string, error)
	SubmitBundle(ctx context.Context, taskID, vulnID, patchID string) (msg.SubmissionResult, string, error)
}

// Bundle is a ready (task, vulnerability, patch) triple.
type Bundle struct {
	TaskID  string
	VulnID  string
	PatchID string
}

type Tracker struct {
	st     store.Store
	tasks  *registry.TaskRegistry
	client CompetitionClient
	log    *zap.Logger
	now    func() time.Time
}

func NewTracker(st store.Store, tasks *registry.TaskRegistry, client CompetitionClient, log *zap.Logger) *Tracker {
	return &Tracker{
		st:     st,
		tasks:  tasks,
		client: client,
		log:    log,
		now:    time.Now,
	}
}

func povStatusKey(taskID, povID string) string {
	return fmt.Sprintf("pov_status:%s:%s", msg.NormalizeTaskID(taskID), povID)
}

func patchStatusKey(taskID, patchID string) string {
	return fmt.Sprintf("patch_status:%s:%s", msg.NormalizeTaskID(taskID), patchID)
}

func bundleMappingKey(taskID, vulnID string) string {
	return fmt.Sprintf("bundle_mapping:%s:%s", msg.NormalizeTaskID(taskID), vulnID)
}

func bundleSubmissionKey(taskID, vulnID, patchID string) string {
	return fmt.Sprintf("bundle_submission:%s:%s:%s", msg.NormalizeTaskID(taskID), vulnID, patchID)
}

// RecordPOVStatus upserts the status hash for a submitted PoV.
func (t *Tracker) RecordPOVStatus(ctx context.Context, taskID, povID string, result msg.SubmissionResult) error {
	return t.recordStatus(ctx, povStatusKey(taskID, povID), result)
}

// RecordPatchStatus upserts the status hash for a submitted patch.
func (t *Tracker) RecordPatchStatus(ctx context.Context, taskID, patchID string, result msg.SubmissionResult) error {
	return t.recordStatus(ctx, patchStatusKey(taskID, patchID), result)
}

func (t *Tracker) recordStatus(ctx context.Context, key string, result msg.SubmissionResult) error {
	return t.st.Pipeline(ctx, func(p store.Pipe) error {
		p.HSet(key, statusField, string(result))
		p.HSet(key, lastUpdatedField, fmt.Sprint(t.now().Unix()))
		return nil
	})
}

func (t *Tracker) GetPOVStatus(ctx context.Context, taskID, povID string) (msg.SubmissionResult, error) {
	return t.getStatus(ctx, povStatusKey(taskID, povID))
}

func (t *Tracker) GetPatchStatus(ctx context.Context, taskID, patchID string) (msg.SubmissionResult, error) {
	return t.getStatus(ctx, patchStatusKey(taskID, patchID))
}

func (t *Tracker) getStatus(ctx context.Context, key string) (msg.SubmissionResult, error) {
	val, err := t.st.HGet(ctx, key, statusField)
	if err == store.ErrNotFound {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return msg.SubmissionResult(val), nil
}

// MapBundle records that the vulnerability is to be bundled with the
// patch.
func (t *Tracker) MapBundle(ctx context.Context, taskID, vulnID, patchID string) error {
	return t.st.Set(ctx, bundleMappingKey(taskID, vulnID), patchID)
}

// MarkBundleSubmitted writes the dedup marker.
func (t *Tracker) MarkBundleSubmitted(ctx context.Context, b Bundle) error {
	return t.st.Set(ctx, bundleSubmissionKey(b.TaskID, b.VulnID, b.PatchID), fmt.Sprint(t.now().Unix()))
}

func (t *Tracker) isBundleSubmitted(ctx context.Context, b Bundle) (bool, error) {
	return t.st.Exists(ctx, bundleSubmissionKey(b.TaskID, b.VulnID, b.PatchID))
}

// GetReadyVulnerabilityPatchBundles scans patch statuses for PASSED
// patches that a bundle mapping points at and that have not been
// submitted yet.
func (t *Tracker) GetReadyVulnerabilityPatchBundles(ctx context.Context) ([]Bundle, error) {
	patchKeys, err := t.st.Scan(ctx, "patch_status:*")
	if err != nil {
		return nil, err
	}
	var ready []Bundle
	for _, key := range patchKeys {
		taskID, patchID, ok := splitStatusKey(key)
		if !ok {
			t.log.Warn("malformed patch status key", zap.String("key", key))
			continue
		}
		status, err := t.getStatus(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != msg.ResultPassed {
			continue
		}
		vulnID, err := t.vulnForPatch(ctx, taskID, patchID)
		if err != nil {
			return nil, err
		}
		if vulnID == "" {
			continue
		}
		bundle := Bundle{TaskID: taskID, VulnID: vulnID, PatchID: patchID}
		submitted, err := t.isBundleSubmitted(ctx, bundle)
		if err != nil {
			return nil, err
		}
		if !submitted {
			ready = append(ready, bundle)
		}
	}
	return ready, nil
}

// vulnForPatch finds the vulnerability whose bundle mapping points at the
// patch, or "" if there is none.
func (t *Tracker) vulnForPatch(ctx context.Context, taskID, patchID string) (string, error) {
	mappingKeys, err := t.st.Scan(ctx, fmt.Sprintf("bundle_mapping:%s:*", msg.NormalizeTaskID(taskID)))
	if err != nil {
		return "", err
	}
	for _, key := range mappingKeys {
		mapped, err := t.st.Get(ctx, key)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return "", err
		}
		if mapped != patchID {
			continue
		}
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			continue
		}
		return parts[2], nil
	}
	return "", nil
}

// ProcessBundles submits every ready bundle. It returns how many bundles
// went out and whether the pass was clean; clean=false means a submission
// errored and the scheduler should throttle instead of spinning.
func (t *Tracker) ProcessBundles(ctx context.Context) (submitted int, clean bool, err error) {
	ready, err := t.GetReadyVulnerabilityPatchBundles(ctx)
	if err != nil {
		return 0, false, err
	}
	clean = true
	for _, bundle := range ready {
		stop, err := t.tasks.ShouldStopProcessing(ctx, bundle.TaskID)
		if err != nil {
			return submitted, false, err
		}
		if stop {
			continue
		}
		result, id, err := t.client.SubmitBundle(ctx, bundle.TaskID, bundle.VulnID, bundle.PatchID)
		if err != nil {
			// Do not mark submitted; retry on a later tick.
			t.log.Warn("bundle submission failed",
				zap.String("task_id", bundle.TaskID),
				zap.String("vuln_id", bundle.VulnID),
				zap.String("patch_id", bundle.PatchID),
				zap.Error(err))
			clean = false
			continue
		}
		if result == msg.ResultAccepted || result == msg.ResultPassed {
			if err := t.MarkBundleSubmitted(ctx, bundle); err != nil {
				return submitted, false, err
			}
			submitted++
			t.log.Info("bundle submitted",
				zap.String("task_id", bundle.TaskID),
				zap.String("vuln_id", bundle.VulnID),
				zap.String("patch_id", bundle.PatchID),
				zap.String("submission_id", id))
		}
	}
	return submitted, clean, nil
}

// SweepDeadlines transitions PENDING pov/patch statuses of expired tasks
// to DEADLINE_EXCEEDED.
func (t *Tracker) SweepDeadlines(ctx context.Context) error {
	for _, pattern := range []string{"pov_status:*", "patch_status:*"} {
		keys, err := t.st.Scan(ctx, pattern)
		if err != nil {
			return err
		}
		for _, key := range keys {
			taskID, _, ok := splitStatusKey(key)
			if !ok {
				continue
			}
			status, err := t.getStatus(ctx, key)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if status.Terminal() {
				continue
			}
			expired, err := t.tasks.IsExpired(ctx, taskID, 0)
			if err != nil {
				return err
			}
			if expired {
				if err := t.recordStatus(ctx, key, msg.ResultDeadlineExceeded); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Entry assembles the task's submission entry from the status hashes.
func (t *Tracker) Entry(ctx context.Context, taskID string) (*msg.SubmissionEntry, error) {
	entry := &msg.SubmissionEntry{}
	id := msg.NormalizeTaskID(taskID)

	povKeys, err := t.st.Scan(ctx, fmt.Sprintf("pov_status:%s:*", id))
	if err != nil {
		return nil, err
	}
	for _, key := range povKeys {
		_, povID, ok := splitStatusKey(key)
		if !ok {
			continue
		}
		status, err := t.getStatus(ctx, key)
		if err != nil {
			continue
		}
		entry.Crashes = append(entry.Crashes, msg.CrashSubmission{VulnID: povID, Result: status})
	}

	patchKeys, err := t.st.Scan(ctx, fmt.Sprintf("patch_status:%s:*", id))
	if err != nil {
		return nil, err
	}
	for _, key := range patchKeys {
		_, patchID, ok := splitStatusKey(key)
		if !ok {
			continue
		}
		status, err := t.getStatus(ctx, key)
		if err != nil {
			continue
		}
		entry.Patches = append(entry.Patches, msg.PatchSubmission{PatchID: patchID, Result: status})
	}

	markerKeys, err := t.st.Scan(ctx, fmt.Sprintf("bundle_submission:%s:*", id))
	if err != nil {
		return nil, err
	}
	for _, key := range markerKeys {
		parts := strings.SplitN(key, ":", 4)
		if len(parts) != 4 {
			continue
		}
		entry.Bundles = append(entry.Bundles, msg.BundleSubmission{
			VulnID:  parts[2],
			PatchID: parts[3],
			Result:  msg.ResultAccepted,
		})
	}
	return entry, nil
}

func splitStatusKey(key string) (taskID, id string, ok bool) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" {
		return "", "", false
	}
	return parts[1], parts[2], true
}
