// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package osutil wraps external subprocess execution (build drivers,
// reproduction runs) behind a structured result. Command failure is data,
// not an error: only the inability to spawn surfaces as error.
package osutil

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

type CommandResult struct {
	Success    bool
	ReturnCode int
	TimedOut   bool
	Stdout     []byte
	Stderr     []byte
}

// RunCmd executes the command with a hard wall-clock timeout. On timeout
// the process group is killed and the partial output is returned with
// TimedOut set.
func RunCmd(ctx context.Context, timeout time.Duration, dir, bin string, args ...string) (*CommandResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.WaitDelay = 5 * time.Second // SIGKILL stragglers that ignore the context kill

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &CommandResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	switch {
	case err == nil:
		res.Success = true
	case res.TimedOut:
		res.ReturnCode = -1
	default:
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			// Spawn failure (binary missing, permissions): the one case
			// that is an error, not a result.
			return nil, err
		}
		res.ReturnCode = exitErr.ExitCode()
	}
	return res, nil
}
