// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package prune implements the lock-free garbage collector spec.md §4.10
// describes: a reachability walk from the kept snapshot roots, a per-pack
// classification (keep/repack/delete-now/delete-marked), budget-bounded
// repack of wasteful packs, and a deferred-or-instant delete step.
//
// The functional-options shape mirrors restorer and archiver, themselves
// generalized from the teacher's fstree/options.go pattern.
package prune

import "time"

// Option configures a prune run.
type Option func(*options)

type options struct {
	maxUnused           float64
	maxRepackBytes      int64
	keepPack            time.Duration
	keepDelete          time.Duration
	fastRepack          bool
	repackUncompressed  bool
	repackAll           bool
	noResize            bool
	instantDelete       bool
	repackCacheableOnly bool
	earlyDeleteIndex    bool
}

func defaultOptions() *options {
	return &options{
		maxUnused:      0.05,
		maxRepackBytes: -1,
		keepPack:       1 * time.Hour,
		keepDelete:     24 * time.Hour,
	}
}

// WithMaxUnused bounds the residual unused-bytes ratio the budget step
// tolerates before it stops selecting further repack candidates, per
// spec.md §4.10's "bound residual unused ratio by max-unused". A negative
// value means unlimited (no repacking forced by waste alone).
func WithMaxUnused(ratio float64) Option { return func(o *options) { o.maxUnused = ratio } }

// WithMaxRepackBytes bounds total ciphertext bytes repacked in one run
// (spec.md §4.10's "bound total repacked bytes by max-repack"); -1 means
// unlimited.
func WithMaxRepackBytes(n int64) Option { return func(o *options) { o.maxRepackBytes = n } }

// WithKeepPack protects packs younger than d from any classification other
// than Keep, per spec.md §4.10's "keep-pack = don't touch packs younger
// than X" — it guards against racing a backup still writing to a pack
// that was just finalized.
func WithKeepPack(d time.Duration) Option { return func(o *options) { o.keepPack = d } }

// WithKeepDelete is the grace period a delete-marked pack must clear
// before this or a future prune run physically removes it, per spec.md
// §4.10's "keep-delete = don't physically remove packs marked-for-delete
// younger than X".
func WithKeepDelete(d time.Duration) Option { return func(o *options) { o.keepDelete = d } }

// WithFastRepack copies blob ciphertext regions verbatim during repack
// instead of decrypting and re-encrypting, per spec.md §4.10.
func WithFastRepack() Option { return func(o *options) { o.fastRepack = true } }

// WithRepackUncompressed forces a repack of every pack still holding
// uncompressed blobs, even if otherwise Keep-eligible.
func WithRepackUncompressed() Option { return func(o *options) { o.repackUncompressed = true } }

// WithRepackAll forces every pack through the repack step regardless of
// classification, decrypting and re-adding every blob even when fast-repack
// is set. Blobs are recompressed at the repository's configured level; this
// option does not switch to crypto.CompressionBest.
func WithRepackAll() Option { return func(o *options) { o.repackAll = true } }

// WithNoResize suppresses repacking a pack purely because its size falls
// outside the tolerance band (spec.md §4.10's "suppresses size-only
// repacks"); a pack is still repacked if it carries unreachable blobs.
func WithNoResize() Option { return func(o *options) { o.noResize = true } }

// WithInstantDelete removes delete-now packs immediately in this run
// instead of only marking them for a future run's grace-gated sweep.
func WithInstantDelete() Option { return func(o *options) { o.instantDelete = true } }

// WithRepackCacheableOnly restricts repack candidates to packs the backend
// marks cacheable (tree packs, in this repository's split), skipping large
// cold data packs even if they are technically wasteful.
func WithRepackCacheableOnly() Option { return func(o *options) { o.repackCacheableOnly = true } }

// WithEarlyDeleteIndex removes index files that have become fully obsolete
// before removing the packs they reference, rather than after, per
// spec.md §4.10.
func WithEarlyDeleteIndex() Option { return func(o *options) { o.earlyDeleteIndex = true } }
