// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package queue implements at-least-once message queues on top of stream
// consumer groups. Every popped item is either acked or eventually
// reclaimed from its consumer by autoclaim once it has been idle longer
// than the task timeout.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

const payloadField = "data"

// RQItem is one delivered queue entry. It stays pending until Ack.
type RQItem struct {
	ID      string
	Payload []byte
}

// ReliableQueue is a single named stream with one consumer group.
// FIFO per producer; global order is not guaranteed.
type ReliableQueue struct {
	st       store.Store
	name     string
	group    string
	consumer string

	// block is how long Pop blocks waiting for a fresh entry; zero means
	// non-blocking (the scheduler's multiplex loop runs that way).
	block time.Duration
	// reclaimIdle is the min-idle threshold after which entries pending
	// on another consumer are fair game.
	reclaimIdle time.Duration
}

type Option func(*ReliableQueue)

// WithBlock sets the blocking duration of Pop's fresh-read phase.
func WithBlock(d time.Duration) Option {
	return func(q *ReliableQueue) { q.block = d }
}

// WithReclaimIdle sets the autoclaim min-idle threshold.
func WithReclaimIdle(d time.Duration) Option {
	return func(q *ReliableQueue) { q.reclaimIdle = d }
}

// WithConsumer pins the consumer name. A process that restarts with the
// same name recovers its own in-flight entries immediately instead of
// waiting out the idle threshold.
func WithConsumer(name string) Option {
	return func(q *ReliableQueue) { q.consumer = name }
}

// New creates the queue's stream and group if needed and returns a handle
// bound to a consumer name.
func New(ctx context.Context, st store.Store, name, group string, opts ...Option) (*ReliableQueue, error) {
	q := &ReliableQueue{
		st:          st,
		name:        name,
		group:       group,
		consumer:    uuid.NewString(),
		reclaimIdle: 30 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	if err := st.StreamCreateGroup(ctx, name, group); err != nil {
		return nil, fmt.Errorf("create group %q on queue %q: %w", group, name, err)
	}
	return q, nil
}

func (q *ReliableQueue) Name() string     { return q.name }
func (q *ReliableQueue) Consumer() string { return q.consumer }

// Push appends a serialized message to the stream.
func (q *ReliableQueue) Push(ctx context.Context, payload []byte) (string, error) {
	id, err := q.st.StreamAdd(ctx, q.name, map[string]any{payloadField: string(payload)})
	if err != nil {
		return "", fmt.Errorf("push to queue %q: %w", q.name, err)
	}
	return id, nil
}

// Pop returns one item or nil. Phase one reads an unseen entry for this
// group; phase two reclaims a stale entry abandoned by any consumer.
func (q *ReliableQueue) Pop(ctx context.Context) (*RQItem, error) {
	items, err := q.st.StreamReadGroup(ctx, q.name, q.group, q.consumer, 1, q.block)
	if err != nil {
		return nil, fmt.Errorf("read queue %q: %w", q.name, err)
	}
	if len(items) == 0 {
		items, err = q.st.StreamAutoClaim(ctx, q.name, q.group, q.consumer, q.reclaimIdle, "0", 1)
		if err != nil {
			return nil, fmt.Errorf("autoclaim queue %q: %w", q.name, err)
		}
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &RQItem{ID: items[0].ID, Payload: []byte(items[0].Values[payloadField])}, nil
}

// Ack completes a delivered item. Acking an already-acked id is a no-op.
func (q *ReliableQueue) Ack(ctx context.Context, id string) error {
	return q.st.StreamAck(ctx, q.name, q.group, id)
}

// TimesDelivered returns the pending-entries delivery counter for the id,
// or zero if the entry is no longer pending.
func (q *ReliableQueue) TimesDelivered(ctx context.Context, id string) (int64, error) {
	count, err := q.st.StreamPending(ctx, q.name, q.group, id)
	if err == store.ErrNotFound {
		return 0, nil
	}
	return count, err
}

// Size is the stream length; it counts unacked entries too.
func (q *ReliableQueue) Size(ctx context.Context) (int64, error) {
	return q.st.StreamLen(ctx, q.name)
}

// DropPoisoned acks the item and records its payload for operator
// inspection if it has been delivered more than maxDeliveries times.
// Returns true if the item was dropped.
func (q *ReliableQueue) DropPoisoned(ctx context.Context, item *RQItem, maxDeliveries int64) (bool, error) {
	count, err := q.TimesDelivered(ctx, item.ID)
	if err != nil {
		return false, err
	}
	if count <= maxDeliveries {
		return false, nil
	}
	if err := q.st.RPush(ctx, "dropped:"+q.name, string(item.Payload)); err != nil {
		return false, err
	}
	return true, q.Ack(ctx, item.ID)
}
