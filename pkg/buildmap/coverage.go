// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package buildmap

import (
	"context"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

// CoverageMap stores per-function coverage for one (harness, package,
// task). Writers overwrite, readers enumerate; updates are idempotent.
type CoverageMap struct {
	st  store.Store
	key string
}

func NewCoverageMap(st store.Store, harness, packageName, taskID string) *CoverageMap {
	return &CoverageMap{
		st:  st,
		key: canon.Key("coverage_map", harness, packageName, msg.NormalizeTaskID(taskID)),
	}
}

// fieldKey deduplicates overloaded or duplicated definitions: identity is
// (name, paths), not name alone.
func fieldKey(fc *msg.FunctionCoverage) string {
	return canon.Key(fc.FunctionName, fc.FunctionPaths)
}

func (cm *CoverageMap) SetFunctionCoverage(ctx context.Context, fc *msg.FunctionCoverage) error {
	data, err := msg.Marshal(fc)
	if err != nil {
		return err
	}
	return cm.st.HSet(ctx, cm.key, fieldKey(fc), string(data))
}

func (cm *CoverageMap) ListFunctionCoverage(ctx context.Context) ([]*msg.FunctionCoverage, error) {
	records, err := cm.st.HGetAll(ctx, cm.key)
	if err != nil {
		return nil, err
	}
	out := make([]*msg.FunctionCoverage, 0, len(records))
	for _, data := range records {
		fc, err := msg.Decode[msg.FunctionCoverage]([]byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, nil
}

func (cm *CoverageMap) Size(ctx context.Context) (int64, error) {
	return cm.st.HLen(ctx, cm.key)
}
