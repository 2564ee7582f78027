package prune

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rustic-rs/rustic/archiver"
	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/backend/local"
	"github.com/rustic-rs/rustic/ids"
	"github.com/rustic-rs/rustic/internal/packer"
	"github.com/rustic-rs/rustic/progress"
	"github.com/rustic-rs/rustic/repository"
)

func newTestRepo(t *testing.T) *repository.Repository {
	t.Helper()
	ctx := context.Background()
	drv, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	repo, err := repository.Init(ctx, drv, "pw")
	if err != nil {
		t.Fatalf("repository.Init: %v", err)
	}
	t.Cleanup(repo.Close)
	return repo
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile %s: %v", path, err)
	}
}

func backupTree(t *testing.T, repo *repository.Repository, root string) ids.ID {
	t.Helper()
	ctx := context.Background()
	pk := packer.New(repo, nil)
	result, err := archiver.Backup(ctx, repo, pk, []string{root}, archiver.NoParent{}, nil)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if err := pk.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	return result.RootID
}

func countPacks(t *testing.T, repo *repository.Repository) int {
	t.Helper()
	entries, err := repo.Driver.List(context.Background(), backend.KindPack)
	if err != nil {
		t.Fatalf("List packs: %v", err)
	}
	return len(entries)
}

func TestReachableWalksEveryRoot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello world")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "goodbye world")
	root := backupTree(t, repo, src)

	reachable, err := Reachable(ctx, treeLoader(repo), []ids.ID{root})
	if err != nil {
		t.Fatalf("Reachable: %v", err)
	}
	if !reachable[root] {
		t.Errorf("root %s not marked reachable", root)
	}
	if len(reachable) < 2 {
		t.Errorf("expected at least root + one content blob reachable, got %d entries", len(reachable))
	}
}

// TestUnreferencedPackDeletedAfterPrune backs up a tree, then runs prune
// against an empty root set (nothing kept) with keep-pack disabled and
// instant-delete on, and checks every pack the backup wrote disappears.
func TestUnreferencedPackDeletedAfterPrune(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "hello world, this is unreferenced after prune")
	backupTree(t, repo, src)

	before := countPacks(t, repo)
	if before == 0 {
		t.Fatal("expected backup to have written at least one pack")
	}

	plan, err := NewPlan(ctx, repo, nil, WithKeepPack(0))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	_, _, deleteNow, _ := plan.Stats()
	if deleteNow == 0 {
		t.Fatalf("expected at least one delete-now pack with no kept roots, plan=%+v", plan.Packs)
	}

	if err := Execute(ctx, repo, plan, progress.NoopPrune{}, WithKeepPack(0), WithInstantDelete()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	after := countPacks(t, repo)
	if after != 0 {
		t.Errorf("expected all packs removed, %d remain", after)
	}
}

// TestPruneKeepsPacksReachableFromRetainedSnapshot backs up a tree and
// verifies that, with its root passed as a kept root, prune classifies none
// of its packs for deletion and the pack count is unchanged after the run
// (packs outside the size band may still be repacked).
func TestPruneKeepsPacksReachableFromRetainedSnapshot(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "content that must survive prune")
	root := backupTree(t, repo, src)

	before := countPacks(t, repo)

	plan, err := NewPlan(ctx, repo, []ids.ID{root}, WithKeepPack(0))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}
	for _, p := range plan.Packs {
		if p.Decision == DeleteNow || p.Decision == DeleteMarked {
			t.Errorf("pack %s reachable from kept root classified %s", p.ID, p.Decision)
		}
	}

	if err := Execute(ctx, repo, plan, progress.NoopPrune{}, WithKeepPack(0), WithInstantDelete()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if after := countPacks(t, repo); after != before {
		t.Errorf("pack count changed from %d to %d after pruning a fully-referenced snapshot", before, after)
	}
}

// TestPruneRepacksPartiallyUsedPack simulates a pack with some unreachable
// blobs by backing up two trees into the same repository then pruning with
// only the second tree's root kept; the shared pack should be repacked
// rather than deleted outright, since it still holds reachable blobs.
func TestPruneRepacksPartiallyUsedPack(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src1 := t.TempDir()
	writeFile(t, filepath.Join(src1, "shared.txt"), "this content is shared across both backups")
	writeFile(t, filepath.Join(src1, "only-in-first.txt"), "only reachable from the first backup's root")
	backupTree(t, repo, src1)

	src2 := t.TempDir()
	writeFile(t, filepath.Join(src2, "shared.txt"), "this content is shared across both backups")
	writeFile(t, filepath.Join(src2, "only-in-second.txt"), "only reachable from the second backup's root")
	root2 := backupTree(t, repo, src2)

	plan, err := NewPlan(ctx, repo, []ids.ID{root2}, WithKeepPack(0))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	if err := Execute(ctx, repo, plan, progress.NoopPrune{}, WithKeepPack(0), WithInstantDelete(), WithFastRepack()); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// The content both trees share, plus the content unique to the second
	// tree, must still be readable after pruning away the first tree's
	// now-partially-unreachable pack.
	reachable, err := Reachable(ctx, treeLoader(repo), []ids.ID{root2})
	if err != nil {
		t.Fatalf("Reachable after prune: %v", err)
	}
	for id := range reachable {
		if _, ok := repo.Index.Lookup(id); !ok {
			t.Errorf("blob %s reachable from kept root but missing from index after prune", id)
		}
	}
}

func TestPruneOnAppendOnlyRepositoryRefuses(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	repo.Config.AppendOnly = true

	plan := &Plan{}
	err := Execute(ctx, repo, plan, progress.NoopPrune{})
	if err == nil {
		t.Fatal("expected Execute to refuse on an append-only repository")
	}
}

func TestDeleteNowWithoutInstantDeleteIsDeferred(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "will become unreferenced")
	backupTree(t, repo, src)

	before := countPacks(t, repo)
	plan, err := NewPlan(ctx, repo, nil, WithKeepPack(0))
	if err != nil {
		t.Fatalf("NewPlan: %v", err)
	}

	if err := Execute(ctx, repo, plan, progress.NoopPrune{}, WithKeepPack(0)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if after := countPacks(t, repo); after != before {
		t.Errorf("expected deferred delete-now to leave packs in place, before=%d after=%d", before, after)
	}

	// A second run, far enough past keep-delete, should now remove the
	// packs this run only marked.
	plan2, err := NewPlan(ctx, repo, nil, WithKeepPack(0), WithKeepDelete(0))
	if err != nil {
		t.Fatalf("NewPlan (2nd): %v", err)
	}
	if err := Execute(ctx, repo, plan2, progress.NoopPrune{}, WithKeepPack(0), WithKeepDelete(0)); err != nil {
		t.Fatalf("Execute (2nd): %v", err)
	}
	if after := countPacks(t, repo); after != 0 {
		t.Errorf("expected marked packs removed on second run past keep-delete, %d remain", after)
	}
}
