// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package msg defines the messages exchanged over the work queues and the
// records kept in the shared store. Payloads and composite keys are encoded
// as canonical JSON so that producers in other languages agree on the bytes.
package msg

import (
	"fmt"
	"strings"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
)

type TaskType string

const (
	TaskTypeFull  TaskType = "FULL"
	TaskTypeDelta TaskType = "DELTA"
)

type SourceType string

const (
	SourceRepo        SourceType = "repo"
	SourceFuzzTooling SourceType = "fuzz-tooling"
	SourceDiff        SourceType = "diff"
)

// SourceDetail is one typed source archive of a challenge task.
type SourceDetail struct {
	Type   SourceType `json:"source_type"`
	URL    string     `json:"url"`
	SHA256 string     `json:"sha256"`
}

// Task is a challenge task. Cancelled is derived from the cancelled set by
// the registry and is never part of the stored record.
type Task struct {
	TaskID      string         `json:"task_id"`
	ProjectName string         `json:"project_name"`
	Deadline    int64          `json:"deadline"` // epoch seconds
	TaskType    TaskType       `json:"task_type"`
	Sources     []SourceDetail `json:"sources,omitempty"`

	Cancelled bool `json:"-"`
}

// StorageID is the case-normalized task id used for registry keys and most
// derived keys.
func (t *Task) StorageID() string {
	return NormalizeTaskID(t.TaskID)
}

func NormalizeTaskID(id string) string {
	return strings.ToLower(id)
}

// TaskReady signals that a task's sources have been downloaded and builds
// may be requested.
type TaskReady struct {
	TaskID string `json:"task_id"`
}

// TaskDelete requests cancellation of a task.
type TaskDelete struct {
	TaskID      string `json:"task_id"`
	RequestedAt int64  `json:"requested_at,omitempty"`
}

type BuildType string

const (
	BuildTypeFuzzer       BuildType = "FUZZER"
	BuildTypeCoverage     BuildType = "COVERAGE"
	BuildTypeTracerNoDiff BuildType = "TRACER_NO_DIFF"
	BuildTypePatch        BuildType = "PATCH"
)

// BuildRequest asks a build worker to produce one build variant.
type BuildRequest struct {
	TaskID          string    `json:"task_id"`
	BuildType       BuildType `json:"build_type"`
	Sanitizer       string    `json:"sanitizer"`
	Engine          string    `json:"engine"`
	InternalPatchID string    `json:"internal_patch_id,omitempty"`
	Patch           string    `json:"patch,omitempty"` // unified diff, PATCH builds only
}

// BuildOutput describes one finished build variant.
type BuildOutput struct {
	TaskID          string    `json:"task_id"`
	BuildType       BuildType `json:"build_type"`
	Sanitizer       string    `json:"sanitizer"`
	Engine          string    `json:"engine"`
	PackageName     string    `json:"package_name"`
	InternalPatchID string    `json:"internal_patch_id"`
	TaskDir         string    `json:"task_dir"`
}

// Validate enforces the patch-id invariant: InternalPatchID is non-empty
// iff BuildType is PATCH. A violation is a programmer error upstream.
func (b *BuildOutput) Validate() error {
	if (b.InternalPatchID != "") != (b.BuildType == BuildTypePatch) {
		return fmt.Errorf("build output for task %q: internal_patch_id %q inconsistent with build_type %q",
			b.TaskID, b.InternalPatchID, b.BuildType)
	}
	return nil
}

// WeightedHarness is a discovered fuzzing entrypoint with an advisory
// sampling weight.
type WeightedHarness struct {
	TaskID      string  `json:"task_id"`
	PackageName string  `json:"package_name"`
	HarnessName string  `json:"harness_name"`
	Weight      float64 `json:"weight"`
}

// FunctionCoverage is per-function line coverage, deduplicated across
// overloaded or duplicated definitions by (name, paths).
type FunctionCoverage struct {
	FunctionName  string   `json:"function_name"`
	FunctionPaths []string `json:"function_paths"` // sorted, unique
	TotalLines    int64    `json:"total_lines"`
	CoveredLines  int64    `json:"covered_lines"`
}

// Crash is a crashing input found by a fuzzing worker.
type Crash struct {
	HarnessName    string      `json:"harness_name"`
	CrashInputPath string      `json:"crash_input_path"`
	Target         BuildOutput `json:"target"`
	Stacktrace     string      `json:"stacktrace"`
	CrashToken     string      `json:"crash_token"`
}

// TracedCrash is a Crash re-run under the tracer build.
type TracedCrash struct {
	Crash            Crash  `json:"crash"`
	TracerStacktrace string `json:"tracer_stacktrace"`
}

// ConfirmedVulnerability is a deduplicated crash accepted by the
// competition API, ready for patching.
type ConfirmedVulnerability struct {
	InternalVulnID string      `json:"internal_vuln_id"`
	VulnID         string      `json:"vuln_id"` // competition-assigned
	Crash          TracedCrash `json:"crash"`
}

// Patch is a candidate fix produced by a patch worker.
type Patch struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	InternalVulnID  string `json:"internal_vuln_id"`
	Patch           string `json:"patch"` // unified diff
}

// POVReproduceRequest asks whether a PoV still crashes a patched build.
type POVReproduceRequest struct {
	TaskID          string `json:"task_id"`
	InternalPatchID string `json:"internal_patch_id"`
	POVPath         string `json:"pov_path"`
	Sanitizer       string `json:"sanitizer"`
	HarnessName     string `json:"harness_name"`
}

// Key is the canonical POV key: a JSON array of the request fields in the
// wire-specified order.
func (r *POVReproduceRequest) Key() string {
	return canon.Key(r.TaskID, r.InternalPatchID, r.POVPath, r.Sanitizer, r.HarnessName)
}

// POVReproduceRequestFromKey inverts Key.
func POVReproduceRequestFromKey(key string) (*POVReproduceRequest, error) {
	var parts []string
	if err := canon.Unmarshal([]byte(key), &parts); err != nil {
		return nil, fmt.Errorf("bad POV key %q: %w", key, err)
	}
	if len(parts) != 5 {
		return nil, fmt.Errorf("bad POV key %q: want 5 elements, got %d", key, len(parts))
	}
	return &POVReproduceRequest{
		TaskID:          parts[0],
		InternalPatchID: parts[1],
		POVPath:         parts[2],
		Sanitizer:       parts[3],
		HarnessName:     parts[4],
	}, nil
}

type POVReproduceResponse struct {
	Request  POVReproduceRequest `json:"request"`
	DidCrash bool                `json:"did_crash"`
}

// SubmissionResult is the competition API's verdict on a submitted
// artifact.
type SubmissionResult string

const (
	ResultPending          SubmissionResult = "PENDING"
	ResultAccepted         SubmissionResult = "ACCEPTED"
	ResultPassed           SubmissionResult = "PASSED"
	ResultFailed           SubmissionResult = "FAILED"
	ResultErrored          SubmissionResult = "ERRORED"
	ResultDeadlineExceeded SubmissionResult = "DEADLINE_EXCEEDED"
)

// Terminal reports whether the result can no longer change.
func (r SubmissionResult) Terminal() bool {
	switch r {
	case ResultPassed, ResultFailed, ResultErrored, ResultDeadlineExceeded:
		return true
	}
	return false
}

// SubmissionEntry groups one vulnerability family's submitted artifacts.
type SubmissionEntry struct {
	Crashes []CrashSubmission  `json:"crashes,omitempty"`
	Patches []PatchSubmission  `json:"patches,omitempty"`
	Bundles []BundleSubmission `json:"bundles,omitempty"`
}

type CrashSubmission struct {
	VulnID string           `json:"vuln_id"`
	Result SubmissionResult `json:"result"`
}

type PatchSubmission struct {
	PatchID string           `json:"patch_id"`
	Result  SubmissionResult `json:"result"`
}

type BundleSubmission struct {
	VulnID  string           `json:"vuln_id"`
	PatchID string           `json:"patch_id"`
	Result  SubmissionResult `json:"result"`
}

// IndexRequest and IndexOutput are the black-box static-analysis stage's
// queue contract.
type IndexRequest struct {
	TaskID      string `json:"task_id"`
	PackageName string `json:"package_name"`
	TaskDir     string `json:"task_dir"`
}

type IndexOutput struct {
	TaskID      string `json:"task_id"`
	PackageName string `json:"package_name"`
	IndexPath   string `json:"index_path"`
}
