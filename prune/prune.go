// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

package prune

import (
	"context"
	"fmt"
	"time"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/errs"
	"github.com/rustic-rs/rustic/ids"
	"github.com/rustic-rs/rustic/index"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/progress"
	"github.com/rustic-rs/rustic/repository"
	"github.com/rustic-rs/rustic/tree"
)

// Plan is the result of classifying every pack in the repository, ready
// for review (dry-run reporting) or for Execute to act on.
type Plan struct {
	Packs     []PackPlan
	reachable map[ids.ID]bool
}

// Stats summarizes a Plan for a dry-run report.
func (p *Plan) Stats() (keep, repack, deleteNow, deleteMarked int) {
	for _, pp := range p.Packs {
		switch pp.Decision {
		case Keep:
			keep++
		case Repack:
			repack++
		case DeleteNow:
			deleteNow++
		case DeleteMarked:
			deleteMarked++
		}
	}
	return
}

// NewPlan implements spec.md §4.10 steps 1-3: walk every kept snapshot's
// tree to compute reachability, classify every pack against the current
// index snapshot, and apply the max-unused/max-repack budgets.
func NewPlan(ctx context.Context, repo *repository.Repository, keptRoots []ids.ID, opts ...Option) (*Plan, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	load := treeLoader(repo)
	reachable, err := Reachable(ctx, load, keptRoots)
	if err != nil {
		return nil, err
	}

	snap := repo.Index.Snapshot()
	plans := classify(repo.Index, snap, reachable, repo.Config, now(), o)
	return &Plan{Packs: plans, reachable: reachable}, nil
}

// now is a seam so a future caller could inject a fixed clock; spec.md
// §4.10's keep-pack/keep-delete windows are always measured against wall
// time in normal operation.
func now() time.Time { return time.Now() }

func treeLoader(repo *repository.Repository) tree.Loader {
	return func(ctx context.Context, id ids.ID) (tree.Tree, error) {
		loc, ok := repo.Index.Lookup(id)
		if !ok {
			return tree.Tree{}, errs.New(errs.NotFound, id.String(), fmt.Errorf("tree blob not found in index"))
		}
		packName := loc.PackID.String()
		data, err := pack.ReadBlobAt(ctx, repo.Driver, repo.Key, repo.Compressor, packName, id, pack.TreeBlob, loc.Offset, loc.Length, loc.UncompressedLength, loc.Compressed)
		if err != nil {
			return tree.Tree{}, err
		}
		return tree.Unmarshal(data)
	}
}

// Execute runs the repack and delete steps a Plan describes, per spec.md
// §4.10 steps 4-5. It refuses to touch a repository opened with
// append-only configured (errs.PolicyViolation), since both steps mutate
// or remove existing packs.
func Execute(ctx context.Context, repo *repository.Repository, p *Plan, pp progress.Prune, opts ...Option) error {
	if repo.Config.AppendOnly {
		return errs.New(errs.PolicyViolation, "", fmt.Errorf("prune: repository is append-only, refusing to repack or delete"))
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	for _, pl := range p.Packs {
		pp.PackClassified(pl.ID.String(), pl.Decision.String())
	}

	snap := repo.Index.Snapshot()

	repackIDs, err := repackStep(ctx, repo, snap, p.reachable, p, o, pp)
	if err != nil {
		return err
	}

	return deleteStep(ctx, repo, p, o, pp, repackIDs)
}

// repackStep streams every reachable blob out of Repack-classified packs
// into fresh packs, writes a new index file covering them, and returns the
// set of old pack ids it just superseded (repackStep's callers still need
// to delete those old packs in the delete step).
func repackStep(ctx context.Context, repo *repository.Repository, snap index.Snapshot, reachable map[ids.ID]bool, p *Plan, o *options, pp progress.Prune) (map[ids.ID]bool, error) {
	repacked := make(map[ids.ID]bool)
	var supersedes []ids.ID

	listed, err := repo.Driver.List(ctx, backend.KindPack)
	if err != nil {
		return nil, fmt.Errorf("prune: repack: list packs: %w", err)
	}
	packSizes := make(map[string]int64, len(listed))
	for _, e := range listed {
		packSizes[e.Name] = e.Size
	}

	r := newRepacker(repo)
	for _, pl := range p.Packs {
		if pl.Decision != Repack {
			continue
		}

		if _, ok := repo.Index.PackMeta(pl.ID); !ok {
			continue
		}
		packName := pl.ID.String()

		trailer, err := pack.ReadTrailer(ctx, repo.Driver, repo.Key, packName, packSizes[packName])
		if err != nil {
			return nil, fmt.Errorf("prune: repack: read trailer for %s: %w", packName, err)
		}

		useSlow := !o.fastRepack || o.repackAll
		for _, entry := range trailer.Entries {
			if !reachable[entry.ID] {
				continue
			}
			loc, ok := snap.ByBlob[entry.ID]
			if !ok || loc.PackID != pl.ID {
				// A duplicate blob id recorded against a different pack
				// (first-loaded-wins, spec.md §4.5) is kept there; this
				// copy is redundant and would only waste space.
				continue
			}

			var addErr error
			if useSlow {
				addErr = r.addSlow(ctx, packName, entry)
			} else {
				addErr = r.addFast(ctx, packName, entry)
			}
			if addErr != nil {
				return nil, fmt.Errorf("prune: repack blob %s from %s: %w", entry.ID, packName, addErr)
			}
			pp.BytesRepacked(uint64(entry.Length))
		}

		repacked[pl.ID] = true
		supersedes = append(supersedes, pl.ID)
	}

	if len(supersedes) == 0 {
		return repacked, nil
	}

	f, err := r.finish(ctx, supersedes)
	if err != nil {
		return nil, err
	}
	if err := writeIndexFile(ctx, repo, f); err != nil {
		return nil, err
	}

	return repacked, nil
}

// deleteStep implements spec.md §4.10 step 5: pack removal, honoring
// instant-delete vs. the keep-delete grace period, and early-delete-index's
// ordering toggle for removing index files that reference only
// already-gone packs.
func deleteStep(ctx context.Context, repo *repository.Repository, p *Plan, o *options, pp progress.Prune, repacked map[ids.ID]bool) error {
	var toRemove, deferredMarks []ids.ID

	for _, pl := range p.Packs {
		switch pl.Decision {
		case DeleteNow:
			if o.instantDelete {
				toRemove = append(toRemove, pl.ID)
			} else {
				deferredMarks = append(deferredMarks, pl.ID)
			}
		case DeleteMarked:
			toRemove = append(toRemove, pl.ID)
		}
	}
	for id := range repacked {
		toRemove = append(toRemove, id)
	}

	// deferredMarks (DeleteNow packs not instant-deleted this run) get
	// recorded via a Supersedes-only index file, so a future run sees them
	// as IsDeleteMarked once this index file merges in, the same mechanism
	// repackStep uses to mark superseded packs.
	if len(deferredMarks) > 0 {
		f := index.File{Supersedes: deferredMarks}
		if err := writeIndexFile(ctx, repo, f); err != nil {
			return err
		}
	}

	if o.earlyDeleteIndex {
		if err := removeObsoleteIndexFiles(ctx, repo, toRemove); err != nil {
			return err
		}
	}

	for _, id := range toRemove {
		if err := repo.Driver.Remove(ctx, backend.KindPack, id.String()); err != nil {
			return fmt.Errorf("prune: remove pack %s: %w", id, err)
		}
		pp.PackRemoved(id.String())
	}

	if !o.earlyDeleteIndex {
		if err := removeObsoleteIndexFiles(ctx, repo, toRemove); err != nil {
			return err
		}
	}

	return nil
}

// removeObsoleteIndexFiles deletes index files whose every referenced pack
// is in removedPacks, per spec.md §4.10's early-delete-index option. It
// re-lists every index file and decodes it fresh rather than tracking
// file-name provenance in the in-memory Index, since that index only keeps
// the merged view, not which file each pack entry came from.
func removeObsoleteIndexFiles(ctx context.Context, repo *repository.Repository, removedPacks []ids.ID) error {
	if len(removedPacks) == 0 {
		return nil
	}
	removed := make(map[ids.ID]bool, len(removedPacks))
	for _, id := range removedPacks {
		removed[id] = true
	}

	entries, err := repo.Driver.List(ctx, backend.KindIndex)
	if err != nil {
		return fmt.Errorf("prune: list index files: %w", err)
	}

	for _, e := range entries {
		data, err := repo.Driver.ReadFull(ctx, backend.KindIndex, e.Name)
		if err != nil {
			return fmt.Errorf("prune: read index file %s: %w", e.Name, err)
		}
		f, err := index.DecodeFile(data)
		if err != nil {
			return fmt.Errorf("prune: decode index file %s: %w", e.Name, err)
		}

		obsolete := len(f.Packs) > 0
		for _, pe := range f.Packs {
			if !removed[pe.ID] {
				obsolete = false
				break
			}
		}
		if !obsolete {
			continue
		}
		if err := repo.Driver.Remove(ctx, backend.KindIndex, e.Name); err != nil {
			return fmt.Errorf("prune: remove obsolete index file %s: %w", e.Name, err)
		}
	}

	return nil
}
