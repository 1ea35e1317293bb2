// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package buildmap

import (
	"context"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/trailofbits/buttercup-sub002/pkg/canon"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

const harnessWeightsHash = "harness_weights"

// HarnessWeights is the shared map of discovered fuzzing harnesses and
// their advisory sampling weights.
type HarnessWeights struct {
	st store.Store
}

func NewHarnessWeights(st store.Store) *HarnessWeights {
	return &HarnessWeights{st: st}
}

func harnessKey(h *msg.WeightedHarness) string {
	return canon.Key(h.PackageName, h.HarnessName, msg.NormalizeTaskID(h.TaskID))
}

// PushHarness upserts the harness entry.
func (hw *HarnessWeights) PushHarness(ctx context.Context, h *msg.WeightedHarness) error {
	if h.Weight < 0 {
		return fmt.Errorf("harness %q: negative weight %v", h.HarnessName, h.Weight)
	}
	data, err := msg.Marshal(h)
	if err != nil {
		return err
	}
	return hw.st.HSet(ctx, harnessWeightsHash, harnessKey(h), string(data))
}

// ListHarnesses returns every known harness.
func (hw *HarnessWeights) ListHarnesses(ctx context.Context) ([]*msg.WeightedHarness, error) {
	records, err := hw.st.HGetAll(ctx, harnessWeightsHash)
	if err != nil {
		return nil, err
	}
	harnesses := make([]*msg.WeightedHarness, 0, len(records))
	for _, data := range records {
		h, err := msg.Decode[msg.WeightedHarness]([]byte(data))
		if err != nil {
			return nil, err
		}
		harnesses = append(harnesses, h)
	}
	return harnesses, nil
}

// ListTaskHarnesses returns the harnesses of one task.
func (hw *HarnessWeights) ListTaskHarnesses(ctx context.Context, taskID string) ([]*msg.WeightedHarness, error) {
	all, err := hw.ListHarnesses(ctx)
	if err != nil {
		return nil, err
	}
	id := msg.NormalizeTaskID(taskID)
	var out []*msg.WeightedHarness
	for _, h := range all {
		if msg.NormalizeTaskID(h.TaskID) == id {
			out = append(out, h)
		}
	}
	return out, nil
}

// ChooseHarness picks a harness with probability proportional to weight.
// Zero-weight harnesses are only eligible when all weights are zero.
func ChooseHarness(r *rand.Rand, harnesses []*msg.WeightedHarness) *msg.WeightedHarness {
	if len(harnesses) == 0 {
		return nil
	}
	var sum float64
	for _, h := range harnesses {
		sum += h.Weight
	}
	if sum == 0 {
		return harnesses[r.Intn(len(harnesses))]
	}
	target := r.Float64() * sum
	for _, h := range harnesses {
		target -= h.Weight
		if target < 0 {
			return h
		}
	}
	return harnesses[len(harnesses)-1]
}

// auxiliary build products that live next to fuzz targets in an OSS-Fuzz
// out directory and must not be indexed as harnesses.
var nonHarnessNames = map[string]bool{
	"llvm-symbolizer":           true,
	"sancov":                    true,
	"jazzer_agent_deployed.jar": true,
	"jazzer_driver":             true,
}

var nonHarnessSuffixes = []string{
	".a", ".o", ".so", ".json", ".txt", ".md", ".log", ".zip", ".jar",
	".dict", ".options", ".bin", ".class", ".py", ".sh",
}

// DiscoverHarnessBinaries lists fuzz target binaries under the package's
// build output directory: executable regular files that are not known
// auxiliary products.
func DiscoverHarnessBinaries(taskDir, packageName string) ([]string, error) {
	root := filepath.Join(taskDir, "out", packageName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list build dir %q: %w", root, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		if !isHarnessBinary(entry.Name(), info) {
			continue
		}
		names = append(names, entry.Name())
	}
	return names, nil
}

func isHarnessBinary(name string, info fs.FileInfo) bool {
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return false
	}
	if nonHarnessNames[name] || strings.HasPrefix(name, ".") {
		return false
	}
	for _, suffix := range nonHarnessSuffixes {
		if strings.HasSuffix(name, suffix) {
			return false
		}
	}
	return true
}
