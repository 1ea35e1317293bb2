// Copyright 2025 buttercup project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package povstatus tracks, per (task, patch, PoV, sanitizer, harness)
// tuple, whether the PoV has been confirmed mitigated, non-mitigated,
// pending, or expired. A key is in exactly one of the four sets at any
// instant; the only legal transition is an atomic move out of pending,
// so when two workers race to resolve a request exactly one wins.
package povstatus

import (
	"context"
	"math/rand"
	"sync"

	"github.com/trailofbits/buttercup-sub002/pkg/lru"
	"github.com/trailofbits/buttercup-sub002/pkg/msg"
	"github.com/trailofbits/buttercup-sub002/pkg/store"
)

const (
	pendingSet      = "pov_reproduce_pending"
	mitigatedSet    = "pov_reproduce_mitigated"
	nonMitigatedSet = "pov_reproduce_non_mitigated"
	expiredSet      = "pov_reproduce_expired"

	terminalCacheSize = 1000
)

type Status struct {
	st store.Store

	// terminal caches keys known to be in a terminal crash-state
	// (mitigated or non-mitigated). Keys never return to pending, so
	// entries never go stale. Value is did_crash.
	terminal *lru.Cache[string, bool]

	mu  sync.Mutex
	rnd *rand.Rand
}

func New(st store.Store, rnd *rand.Rand) *Status {
	return &Status{
		st:       st,
		terminal: lru.New[string, bool](terminalCacheSize),
		rnd:      rnd,
	}
}

// RequestStatus returns the resolution of the request, or nil if it is
// still pending. A request never seen before is scheduled by adding its
// key to the pending set.
func (s *Status) RequestStatus(ctx context.Context, req *msg.POVReproduceRequest) (*msg.POVReproduceResponse, error) {
	key := req.Key()
	if didCrash, ok := s.terminal.Get(key); ok {
		return &msg.POVReproduceResponse{Request: *req, DidCrash: didCrash}, nil
	}

	// One batched round trip over the three sets that can answer.
	member, err := s.st.SMemberships(ctx, key, pendingSet, mitigatedSet, nonMitigatedSet)
	if err != nil {
		return nil, err
	}
	pending, mitigated, nonMitigated := member[0], member[1], member[2]
	if pending {
		return nil, nil
	}
	if mitigated {
		s.terminal.Put(key, false)
		return &msg.POVReproduceResponse{Request: *req, DidCrash: false}, nil
	}
	if nonMitigated {
		s.terminal.Put(key, true)
		return &msg.POVReproduceResponse{Request: *req, DidCrash: true}, nil
	}

	// First sighting: schedule it.
	if _, err := s.st.SAdd(ctx, pendingSet, key); err != nil {
		return nil, err
	}
	return nil, nil
}

// MarkMitigated resolves the request as "patch holds, PoV no longer
// crashes". Returns true iff this caller won the transition.
func (s *Status) MarkMitigated(ctx context.Context, req *msg.POVReproduceRequest) (bool, error) {
	won, err := s.move(ctx, req, mitigatedSet)
	if err == nil && won {
		s.terminal.Put(req.Key(), false)
	}
	return won, err
}

// MarkNonMitigated resolves the request as "PoV still crashes".
func (s *Status) MarkNonMitigated(ctx context.Context, req *msg.POVReproduceRequest) (bool, error) {
	won, err := s.move(ctx, req, nonMitigatedSet)
	if err == nil && won {
		s.terminal.Put(req.Key(), true)
	}
	return won, err
}

// MarkExpired abandons the request; the staleness sweep uses it for
// requests whose task is dead.
func (s *Status) MarkExpired(ctx context.Context, req *msg.POVReproduceRequest) (bool, error) {
	return s.move(ctx, req, expiredSet)
}

// move is the single atomicity point of the state machine. The loser of
// a race sees false and must abort its side effects.
func (s *Status) move(ctx context.Context, req *msg.POVReproduceRequest, target string) (bool, error) {
	return s.st.SMove(ctx, pendingSet, target, req.Key())
}

// GetOnePending returns a uniformly random pending request so concurrent
// reproducers diversify, or nil if none are pending.
func (s *Status) GetOnePending(ctx context.Context) (*msg.POVReproduceRequest, error) {
	keys, err := s.st.SMembers(ctx, pendingSet)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	idx := s.rnd.Intn(len(keys))
	s.mu.Unlock()
	return msg.POVReproduceRequestFromKey(keys[idx])
}

// ListPending returns all pending requests; the scheduler's staleness
// sweep iterates them.
func (s *Status) ListPending(ctx context.Context) ([]*msg.POVReproduceRequest, error) {
	keys, err := s.st.SMembers(ctx, pendingSet)
	if err != nil {
		return nil, err
	}
	reqs := make([]*msg.POVReproduceRequest, 0, len(keys))
	for _, key := range keys {
		req, err := msg.POVReproduceRequestFromKey(key)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
