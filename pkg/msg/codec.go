// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package msg

import (
	"fmt"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
)

// Queue and consumer group names. These are wire contracts shared with
// workers in other processes; do not rename.
const (
	QueueDownloadTasks     = "download_tasks"
	QueueReadyTasks        = "ready_tasks"
	QueueBuild             = "build"
	QueueBuildOutput       = "build_output"
	QueueIndex             = "index"
	QueueIndexOutput       = "index_output"
	QueueCrash             = "crash"
	QueueUniqueVulns       = "unique_vulnerabilities"
	QueueConfirmedVulns    = "confirmed_vulnerabilities"
	QueuePatches           = "patches"
	QueueTracerBot         = "tracer_bot"
	QueueTracedVulns       = "traced_vulnerabilities"
	QueueDeleteTask        = "delete_task"
)

const (
	GroupOrchestratorTasks    = "orchestrator_tasks_group"
	GroupBuildBot             = "build_bot_consumers"
	GroupSchedulerReadyTasks  = "scheduler_ready_tasks"
	GroupSchedulerBuildOutput = "scheduler_build_output"
	GroupSchedulerCrash       = "scheduler_crash"
	GroupSchedulerUniqueVulns = "scheduler_unique_vulnerabilities"
	GroupSchedulerPatches     = "scheduler_patches"
	GroupSchedulerDeleteTask  = "scheduler_delete_task"
	GroupPatcher              = "patcher"
	GroupTracerBot            = "tracer_bot"
)

// Marshal encodes a queue payload. All payloads are canonical JSON.
func Marshal(v any) ([]byte, error) {
	return canon.Marshal(v)
}

// Decode decodes a payload into a concrete message type.
func Decode[T any](data []byte) (*T, error) {
	v := new(T)
	if err := canon.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

// DecodeFor routes a raw payload by queue name to its typed decoder.
// It is the single source of truth for which message type travels on
// which queue.
func DecodeFor(queue string, data []byte) (any, error) {
	switch queue {
	case QueueDownloadTasks:
		return Decode[Task](data)
	case QueueReadyTasks:
		return Decode[TaskReady](data)
	case QueueBuild:
		return Decode[BuildRequest](data)
	case QueueBuildOutput:
		return Decode[BuildOutput](data)
	case QueueIndex:
		return Decode[IndexRequest](data)
	case QueueIndexOutput:
		return Decode[IndexOutput](data)
	case QueueCrash, QueueTracerBot:
		return Decode[Crash](data)
	case QueueUniqueVulns, QueueTracedVulns:
		return Decode[TracedCrash](data)
	case QueueConfirmedVulns:
		return Decode[ConfirmedVulnerability](data)
	case QueuePatches:
		return Decode[Patch](data)
	case QueueDeleteTask:
		return Decode[TaskDelete](data)
	}
	return nil, fmt.Errorf("no decoder registered for queue %q", queue)
}
