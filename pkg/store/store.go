// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package store is the thin contract over the shared key/value and stream
// substrate. It exposes precisely the operations the coordination core
// needs; everything above it (queues, registries, status machines) is
// built on this interface.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for lookups of keys or fields that do not exist.
var ErrNotFound = errors.New("store: not found")

// StreamItem is one entry read from a stream.
type StreamItem struct {
	ID     string
	Values map[string]string
}

// Pipe buffers mutations that are applied atomically by Pipeline.
type Pipe interface {
	HSet(key, field, value string)
	HDel(key string, fields ...string)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	Set(key, value string)
	Del(keys ...string)
}

// Store is the substrate contract. All identifiers are opaque; composite
// keys use canonical JSON so independent producers agree on the bytes.
type Store interface {
	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HExists(ctx context.Context, key, field string) (bool, error)
	HLen(ctx context.Context, key string) (int64, error)
	HKeys(ctx context.Context, key string) ([]string, error)

	// Sets.
	SAdd(ctx context.Context, key string, members ...string) (int64, error)
	SRem(ctx context.Context, key string, members ...string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// SMemberships checks one member against several sets in a single
	// round trip; the result order matches keys.
	SMemberships(ctx context.Context, member string, keys ...string) ([]bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SMove(ctx context.Context, src, dst, member string) (bool, error)

	// Strings.
	Set(ctx context.Context, key, value string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Lists.
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Streams with consumer groups.
	StreamAdd(ctx context.Context, name string, values map[string]any) (string, error)
	StreamLen(ctx context.Context, name string) (int64, error)
	StreamCreateGroup(ctx context.Context, name, group string) error
	StreamReadGroup(ctx context.Context, name, group, consumer string, count int64, block time.Duration) ([]StreamItem, error)
	StreamAck(ctx context.Context, name, group string, ids ...string) error
	StreamAutoClaim(ctx context.Context, name, group, consumer string, minIdle time.Duration, start string, count int64) ([]StreamItem, error)
	StreamPending(ctx context.Context, name, group, id string) (int64, error)
	StreamDel(ctx context.Context, name string, ids ...string) error

	// Pipeline applies the buffered mutations atomically.
	Pipeline(ctx context.Context, fn func(Pipe) error) error

	// Lock returns a TTL lock handle for the key. Best-effort mutual
	// exclusion: liveness comes from TTL expiry, not from the holder.
	Lock(key string, ttl time.Duration) Locker
}

// Locker is a TTL-based distributed lock.
type Locker interface {
	// TryAcquire returns true if the caller now holds the lock.
	TryAcquire(ctx context.Context) (bool, error)
	// Release frees the lock if the caller still holds it. Releasing a
	// lock lost to TTL expiry is a no-op, not an error.
	Release(ctx context.Context) error
}
