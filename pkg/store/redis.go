// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type redisStore struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing go-redis client.
func NewRedis(client redis.UniversalClient) Store {
	return &redisStore{client: client}
}

// Connect dials a single Redis instance and verifies the connection.
func Connect(ctx context.Context, addr string) (Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedis(client), nil
}

func (s *redisStore) HSet(ctx context.Context, key, field, value string) error {
	return s.client.HSet(ctx, key, field, value).Err()
}

func (s *redisStore) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *redisStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.client.HGetAll(ctx, key).Result()
}

func (s *redisStore) HDel(ctx context.Context, key string, fields ...string) error {
	return s.client.HDel(ctx, key, fields...).Err()
}

func (s *redisStore) HExists(ctx context.Context, key, field string) (bool, error) {
	return s.client.HExists(ctx, key, field).Result()
}

func (s *redisStore) HLen(ctx context.Context, key string) (int64, error) {
	return s.client.HLen(ctx, key).Result()
}

func (s *redisStore) HKeys(ctx context.Context, key string) ([]string, error) {
	return s.client.HKeys(ctx, key).Result()
}

func (s *redisStore) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return s.client.SAdd(ctx, key, toAny(members)...).Result()
}

func (s *redisStore) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return s.client.SRem(ctx, key, toAny(members)...).Result()
}

func (s *redisStore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return s.client.SIsMember(ctx, key, member).Result()
}

func (s *redisStore) SMemberships(ctx context.Context, member string, keys ...string) ([]bool, error) {
	cmds := make([]*redis.BoolCmd, len(keys))
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, key := range keys {
			cmds[i] = p.SIsMember(ctx, key, member)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(cmds))
	for i, cmd := range cmds {
		out[i] = cmd.Val()
	}
	return out, nil
}

func (s *redisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

func (s *redisStore) SCard(ctx context.Context, key string) (int64, error) {
	return s.client.SCard(ctx, key).Result()
}

func (s *redisStore) SMove(ctx context.Context, src, dst, member string) (bool, error) {
	return s.client.SMove(ctx, src, dst, member).Result()
}

func (s *redisStore) Set(ctx context.Context, key, value string) error {
	return s.client.Set(ctx, key, value, 0).Err()
}

func (s *redisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	return s.client.Del(ctx, keys...).Err()
}

func (s *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	return n > 0, err
}

// Scan walks the keyspace with cursor iteration; unlike KEYS it does not
// block the server on large keyspaces.
func (s *redisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 512).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	return s.client.RPush(ctx, key, toAny(values)...).Err()
}

func (s *redisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *redisStore) StreamAdd(ctx context.Context, name string, values map[string]any) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{Stream: name, Values: values}).Result()
}

func (s *redisStore) StreamLen(ctx context.Context, name string) (int64, error) {
	return s.client.XLen(ctx, name).Result()
}

// StreamCreateGroup creates the group at stream position 0, creating the
// stream if needed. "group exists" is not an error.
func (s *redisStore) StreamCreateGroup(ctx context.Context, name, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, name, group, "0").Err()
	if err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil
	}
	return err
}

func (s *redisStore) StreamReadGroup(ctx context.Context, name, group, consumer string,
	count int64, block time.Duration) ([]StreamItem, error) {
	// go-redis sends BLOCK only for non-negative values; -1 means a pure
	// non-blocking read.
	if block <= 0 {
		block = -1
	}
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []StreamItem
	for _, stream := range streams {
		for _, m := range stream.Messages {
			items = append(items, toItem(m))
		}
	}
	return items, nil
}

func (s *redisStore) StreamAck(ctx context.Context, name, group string, ids ...string) error {
	return s.client.XAck(ctx, name, group, ids...).Err()
}

func (s *redisStore) StreamAutoClaim(ctx context.Context, name, group, consumer string,
	minIdle time.Duration, start string, count int64) ([]StreamItem, error) {
	msgs, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   name,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []StreamItem
	for _, m := range msgs {
		items = append(items, toItem(m))
	}
	return items, nil
}

// StreamPending returns the delivery count of a single pending entry,
// or ErrNotFound if the entry is not pending.
func (s *redisStore) StreamPending(ctx context.Context, name, group, id string) (int64, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: name,
		Group:  group,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, ErrNotFound
	}
	return pending[0].RetryCount, nil
}

func (s *redisStore) StreamDel(ctx context.Context, name string, ids ...string) error {
	return s.client.XDel(ctx, name, ids...).Err()
}

type redisPipe struct {
	pipe redis.Pipeliner
	ctx  context.Context
}

func (p *redisPipe) HSet(key, field, value string) { p.pipe.HSet(p.ctx, key, field, value) }
func (p *redisPipe) HDel(key string, fields ...string) {
	p.pipe.HDel(p.ctx, key, fields...)
}
func (p *redisPipe) SAdd(key string, members ...string) {
	p.pipe.SAdd(p.ctx, key, toAny(members)...)
}
func (p *redisPipe) SRem(key string, members ...string) {
	p.pipe.SRem(p.ctx, key, toAny(members)...)
}
func (p *redisPipe) Set(key, value string) { p.pipe.Set(p.ctx, key, value, 0) }
func (p *redisPipe) Del(keys ...string)    { p.pipe.Del(p.ctx, keys...) }

func (s *redisStore) Pipeline(ctx context.Context, fn func(Pipe) error) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return fn(&redisPipe{pipe: pipe, ctx: ctx})
	})
	return err
}

func (s *redisStore) Lock(key string, ttl time.Duration) Locker {
	return newLock(s.client, key, ttl)
}

func toItem(m redis.XMessage) StreamItem {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if str, ok := v.(string); ok {
			values[k] = str
		}
	}
	return StreamItem{ID: m.ID, Values: values}
}

func toAny(strs []string) []any {
	out := make([]any, len(strs))
	for i, s := range strs {
		out[i] = s
	}
	return out
}
