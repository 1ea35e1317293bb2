// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package buildmap indexes build artifacts by (task, build type,
// sanitizer, patch id) and keeps the harness weight and function coverage
// maps that schedulers use to steer work.
package buildmap

import (
	"context"
	"errors"
	"fmt"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

var ErrNotFound = errors.New("buildmap: build output not found")

type BuildMap struct {
	st store.Store
}

func New(st store.Store) *BuildMap {
	return &BuildMap{st: st}
}

func sanitizerSetKey(taskID string, buildType msg.BuildType) string {
	return canon.Key("build_sanitizers", msg.NormalizeTaskID(taskID), string(buildType))
}

func outputKey(taskID string, buildType msg.BuildType, sanitizer, patchID string) string {
	return canon.Key("build_output", msg.NormalizeTaskID(taskID), string(buildType), sanitizer, patchID)
}

// AddBuild records the output and registers its sanitizer in one atomic
// pipeline. Last writer wins per key.
func (m *BuildMap) AddBuild(ctx context.Context, build *msg.BuildOutput) error {
	if err := build.Validate(); err != nil {
		return err
	}
	data, err := msg.Marshal(build)
	if err != nil {
		return fmt.Errorf("marshal build output: %w", err)
	}
	return m.st.Pipeline(ctx, func(p store.Pipe) error {
		p.SAdd(sanitizerSetKey(build.TaskID, build.BuildType), build.Sanitizer)
		p.Set(outputKey(build.TaskID, build.BuildType, build.Sanitizer, build.InternalPatchID), string(data))
		return nil
	})
}

// GetBuilds enumerates the sanitizer set and resolves each output record.
// A sanitizer whose output record is missing (crash between the pipeline
// writes on another node) is silently skipped. patchID must be non-empty
// for PATCH builds and empty otherwise.
func (m *BuildMap) GetBuilds(ctx context.Context, taskID string, buildType msg.BuildType, patchID string) ([]*msg.BuildOutput, error) {
	if (patchID != "") != (buildType == msg.BuildTypePatch) {
		return nil, fmt.Errorf("buildmap: patch id %q invalid for build type %q", patchID, buildType)
	}
	sanitizers, err := m.st.SMembers(ctx, sanitizerSetKey(taskID, buildType))
	if err != nil {
		return nil, err
	}
	var builds []*msg.BuildOutput
	for _, san := range sanitizers {
		build, err := m.getOutput(ctx, taskID, buildType, san, patchID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		builds = append(builds, build)
	}
	return builds, nil
}

// GetBuild resolves a single build variant.
func (m *BuildMap) GetBuild(ctx context.Context, taskID string, buildType msg.BuildType, sanitizer, patchID string) (*msg.BuildOutput, error) {
	return m.getOutput(ctx, taskID, buildType, sanitizer, patchID)
}

func (m *BuildMap) getOutput(ctx context.Context, taskID string, buildType msg.BuildType, sanitizer, patchID string) (*msg.BuildOutput, error) {
	data, err := m.st.Get(ctx, outputKey(taskID, buildType, sanitizer, patchID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return msg.Decode[msg.BuildOutput]([]byte(data))
}
