// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

func RandSource(t *testing.T) rand.Source {
	seed := time.Now().UnixNano()
	if fixed := os.Getenv("BUTTERCUP_SEED"); fixed != "" {
		seed, _ = strconv.ParseInt(fixed, 0, 64)
	}
	if os.Getenv("CI") != "" {
		seed = 0 // required for deterministic coverage reports
	}
	t.Logf("seed=%v", seed)
	return rand.NewSource(seed)
}

var (
	clockMu sync.Mutex
	clocks  = map[*miniredis.Miniredis]time.Time{}
)

// NewStore starts an in-process Redis and returns a Store backed by it.
// The server clock is pinned with SetTime so that FastForward (below)
// can advance it for autoclaim and TTL scenarios; miniredis's own
// FastForward only decrements TTLs and never ages stream pending
// entries, whose idle time is computed from the server clock.
func NewStore(t *testing.T) (store.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	start := time.Now().UTC()
	mr.SetTime(start)
	clockMu.Lock()
	clocks[mr] = start
	clockMu.Unlock()
	t.Cleanup(func() {
		clockMu.Lock()
		delete(clocks, mr)
		clockMu.Unlock()
	})
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return store.NewRedis(client), mr
}

// FastForward advances the pinned server clock of a miniredis started by
// NewStore and forwards TTLs by the same amount.
func FastForward(mr *miniredis.Miniredis, d time.Duration) {
	clockMu.Lock()
	now := clocks[mr].Add(d)
	clocks[mr] = now
	clockMu.Unlock()
	mr.SetTime(now)
	mr.FastForward(d)
}

// DirectoryLayout creates a layout specified by the paths slice.
// If a path ends with a filepath.Separator, then a directory is created.
// Otherwise, DirectoryLayout creates an empty executable file.
func DirectoryLayout(t *testing.T, base string, paths []string) {
	for _, path := range paths {
		// filepath.Join strips trailing separators, so check first.
		isDir := strings.HasSuffix(path, "/")
		path = filepath.Join(base, filepath.FromSlash(path))
		dir := filepath.Dir(path)
		if isDir {
			dir = path
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if !isDir {
			if err := os.WriteFile(path, nil, 0o755); err != nil {
				t.Fatal(err)
			}
		}
	}
}
