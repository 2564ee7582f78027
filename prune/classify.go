// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

package prune

import (
	"context"
	"fmt"
	"time"

	"github.com/rustic-rs/rustic/index"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/repository"
	"github.com/rustic-rs/rustic/tree"

	"github.com/rustic-rs/rustic/ids"
)

// Decision is one of the four per-pack classifications spec.md §4.10 names.
type Decision int

const (
	Keep Decision = iota
	Repack
	DeleteNow
	DeleteMarked
)

func (d Decision) String() string {
	switch d {
	case Keep:
		return "keep"
	case Repack:
		return "repack"
	case DeleteNow:
		return "delete-now"
	case DeleteMarked:
		return "delete-marked"
	default:
		return "unknown"
	}
}

// PackPlan is one pack's classification, plus the usage figures it was
// computed from.
type PackPlan struct {
	ID         ids.ID
	Decision   Decision
	Meta       index.PackMeta
	UsedBytes  uint64
	UsedBlobs  int
	WasteRatio float64 // (TotalBytes - UsedBytes) / TotalBytes, 0 for an empty pack
}

// Reachable walks every id in roots to the full set of tree and data blob
// ids reachable from it, per spec.md §4.10 step 1 ("reachability from
// snapshot roots"). Grounded on tree.Walk, the same reachability-by-walk
// primitive restorer's planner uses to traverse the Merkle structure.
func Reachable(ctx context.Context, load tree.Loader, roots []ids.ID) (map[ids.ID]bool, error) {
	reachable := make(map[ids.ID]bool, len(roots)*64)
	for _, root := range roots {
		reachable[root] = true
		err := tree.Walk(ctx, root, load, func(path string, n tree.Node) error {
			switch n.Type {
			case tree.NodeDir:
				reachable[n.Subtree] = true
			case tree.NodeFile:
				for _, c := range n.Content {
					reachable[c.ID] = true
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("prune: reachability walk from %s: %w", root, err)
		}
	}
	return reachable, nil
}

// classify implements spec.md §4.10 steps 2-3: per-pack classification
// followed by budget-bounded selection of which Repack candidates this run
// actually acts on.
func classify(idx *index.Index, snap index.Snapshot, reachable map[ids.ID]bool, cfg repository.Config, now time.Time, o *options) []PackPlan {
	type usage struct {
		meta      index.PackMeta
		usedBytes uint64
		usedBlobs int
	}
	byPack := make(map[ids.ID]*usage, len(snap.Packs))
	for id, meta := range snap.Packs {
		byPack[id] = &usage{meta: meta}
	}
	for blobID, loc := range snap.ByBlob {
		u, ok := byPack[loc.PackID]
		if !ok {
			continue
		}
		if reachable[blobID] {
			u.usedBytes += uint64(loc.Length)
			u.usedBlobs++
		}
	}

	var plans []PackPlan
	wasteDrivenByID := make(map[ids.ID]bool, len(byPack))
	for id, u := range byPack {
		if now.Sub(u.meta.CreatedAt) < o.keepPack {
			plans = append(plans, PackPlan{ID: id, Decision: Keep, Meta: u.meta, UsedBytes: u.usedBytes, UsedBlobs: u.usedBlobs})
			continue
		}

		waste := 0.0
		if u.meta.TotalBytes > 0 {
			waste = float64(u.meta.TotalBytes-u.usedBytes) / float64(u.meta.TotalBytes)
		}

		decision, wasteDriven := decideOne(idx, id, u.meta, u.usedBlobs, cfg, now, o)
		plans = append(plans, PackPlan{
			ID:         id,
			Decision:   decision,
			Meta:       u.meta,
			UsedBytes:  u.usedBytes,
			UsedBlobs:  u.usedBlobs,
			WasteRatio: waste,
		})
		wasteDrivenByID[id] = wasteDriven
	}

	applyBudget(plans, o, wasteDrivenByID)
	return plans
}

// decideOne returns the classification for one pack, plus whether a Repack
// decision was driven purely by unreachable blobs (wasteDriven=true, the
// thing max-unused bounds) as opposed to a mandatory policy reason
// (uncompressed-forbidden, repack-all, out-of-band size) that max-unused
// does not excuse.
func decideOne(idx *index.Index, id ids.ID, meta index.PackMeta, usedBlobs int, cfg repository.Config, now time.Time, o *options) (Decision, bool) {
	if idx.IsDeleteMarked(id) {
		if now.Sub(meta.CreatedAt) >= o.keepDelete {
			return DeleteMarked, false
		}
		return Keep, false
	}

	if usedBlobs == 0 {
		return DeleteNow, false
	}

	if o.repackAll {
		return Repack, false
	}
	if o.repackCacheableOnly && meta.BlobType != uint8(pack.TreeBlob) {
		return Keep, false
	}
	if usedBlobs < meta.BlobCount {
		return Repack, true
	}
	if o.repackUncompressed && meta.UncompressedBytes == meta.TotalBytes && meta.TotalBytes > 0 {
		return Repack, false
	}
	if !o.noResize && outOfSizeBand(meta, cfg) {
		return Repack, false
	}
	return Keep, false
}

func outOfSizeBand(meta index.PackMeta, cfg repository.Config) bool {
	target := cfg.DataPackTargetSize
	if meta.BlobType == uint8(pack.TreeBlob) {
		target = cfg.TreePackTargetSize
	}
	if target <= 0 {
		return false
	}
	band := cfg.PackToleranceBand
	if band <= 0 {
		band = 0.1
	}
	lo := float64(target) * (1 - band)
	hi := float64(target) * (1 + band)
	size := float64(meta.TotalBytes)
	return size < lo || size > hi
}

// applyBudget implements spec.md §4.10 step 3: bound total repacked bytes
// by max-repack, bound the residual unused ratio by max-unused, greedy by
// waste ratio. Candidates not selected this run are downgraded back to
// Keep; a future run re-evaluates them. max-unused only excuses
// waste-driven candidates (packs holding unreachable blobs); mandatory
// ones (uncompressed-forbidden, repack-all, out-of-band size) are never
// skipped on ratio grounds alone, only on the repack-bytes budget.
func applyBudget(plans []PackPlan, o *options, wasteDriven map[ids.ID]bool) {
	var totalBytes, totalUsed uint64
	for _, p := range plans {
		totalBytes += p.Meta.TotalBytes
		totalUsed += p.UsedBytes
	}

	candidates := make([]int, 0, len(plans))
	for i, p := range plans {
		if p.Decision == Repack {
			candidates = append(candidates, i)
		}
	}
	sortByWasteDesc(plans, candidates)

	var repackedBytes int64
	unusedBytes := totalBytes - totalUsed
	ratioSatisfied := totalBytes > 0 && (o.maxUnused < 0 || float64(unusedBytes)/float64(totalBytes) <= o.maxUnused)

	for _, i := range candidates {
		p := plans[i]

		if ratioSatisfied && wasteDriven[p.ID] {
			plans[i].Decision = Keep
			continue
		}
		if o.maxRepackBytes >= 0 && repackedBytes+int64(p.Meta.TotalBytes) > o.maxRepackBytes {
			plans[i].Decision = Keep
			continue
		}

		repackedBytes += int64(p.Meta.TotalBytes)
		unusedBytes -= p.Meta.TotalBytes - p.UsedBytes
		if totalBytes > 0 && o.maxUnused >= 0 {
			ratioSatisfied = float64(unusedBytes)/float64(totalBytes) <= o.maxUnused
		}
	}
}

func sortByWasteDesc(plans []PackPlan, idxs []int) {
	for i := 1; i < len(idxs); i++ {
		for j := i; j > 0 && plans[idxs[j]].WasteRatio > plans[idxs[j-1]].WasteRatio; j-- {
			idxs[j], idxs[j-1] = idxs[j-1], idxs[j]
		}
	}
}
