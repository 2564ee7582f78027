// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package workerpool implements a bounded, cooperatively cancellable worker
// pool: each Pool caps how many of its work items run at once, and once its
// context is cancelled (by the caller or by a work item's error) a work item
// still waiting for a slot is not run. No other package in this module
// imports it.
//
// Built on golang.org/x/sync/errgroup and golang.org/x/sync/semaphore, the
// concurrency primitives the wider example pack (rpcpool-yellowstone-faithful,
// the reference corpus's restic repository package) uses for the identical
// bounded-fan-out shape; the teacher repo has no worker pool of its own to
// adapt, only single-goroutine-per-call RPC methods.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Pool runs work items with bounded concurrency and first-error
// cancellation, the shape every stage in spec.md §5's pipeline needs
// (scan/hash/upload).
type Pool struct {
	g   *errgroup.Group
	ctx context.Context
	sem *semaphore.Weighted
}

// New returns a Pool capped at concurrency simultaneous goroutines, derived
// from ctx so cancelling ctx (a user cancel signal, per spec.md §5) stops
// the pool cooperatively.
func New(ctx context.Context, concurrency int64) (*Pool, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Pool{g: g, ctx: gctx, sem: semaphore.NewWeighted(concurrency)}, gctx
}

// Go schedules fn to run once a concurrency slot is free. It blocks the
// caller only long enough to acquire the semaphore (so callers can use Go
// in a tight discovery loop without unbounded goroutine creation); fn itself
// runs asynchronously.
func (p *Pool) Go(fn func(ctx context.Context) error) {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		p.g.Go(func() error { return err })
		return
	}
	p.g.Go(func() error {
		defer p.sem.Release(1)
		return fn(p.ctx)
	})
}

// Wait blocks until every scheduled fn has returned, returning the first
// non-nil error (if any); subsequent errors are discarded, matching
// errgroup's own contract.
func (p *Pool) Wait() error {
	return p.g.Wait()
}
