package repository

import (
	"context"
	"testing"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/backend/local"
	"github.com/rustic-rs/rustic/errs"
)

func newTestDriver(t *testing.T) *local.Driver {
	t.Helper()
	drv, err := local.Open(t.TempDir())
	if err != nil {
		t.Fatalf("local.Open: %v", err)
	}
	return drv
}

func TestInitThenOpenWithSamePassword(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	repo.Close()

	reopened, err := Open(ctx, drv, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.Key.Bytes() != repo.Key.Bytes() {
		t.Error("reopened repository recovered a different master key")
	}
}

func TestInitTwiceFails(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "pw1")
	if err != nil {
		t.Fatalf("first Init: %v", err)
	}
	repo.Close()

	_, err = Init(ctx, drv, "pw2")
	if err == nil {
		t.Fatal("expected second Init on the same backend to fail")
	}
	if !errs.Is(err, errs.InvalidArgument) {
		t.Errorf("expected InvalidArgument kind, got %v", err)
	}
}

func TestOpenWithWrongPasswordFails(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "right-password")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	repo.Close()

	_, err = Open(ctx, drv, "wrong-password")
	if err == nil {
		t.Fatal("expected Open with wrong password to fail")
	}
	if !errs.Is(err, errs.Unlock) {
		t.Errorf("expected Unlock kind, got %v", err)
	}
}

func TestAddKeyFileAllowsSecondPassword(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "first-password")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := repo.AddKeyFile(ctx, "second-password"); err != nil {
		t.Fatalf("AddKeyFile: %v", err)
	}
	repo.Close()

	reopened, err := Open(ctx, drv, "second-password")
	if err != nil {
		t.Fatalf("Open with second password: %v", err)
	}
	defer reopened.Close()

	if reopened.Key.Bytes() != repo.Key.Bytes() {
		t.Error("second key file unwrapped a different master key")
	}
}

func TestRemoveKeyFileRevokesThatPassword(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "keep-me")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	before, err := drv.List(ctx, backend.KindKey)
	if err != nil {
		t.Fatalf("List keys (before): %v", err)
	}

	if err := repo.AddKeyFile(ctx, "remove-me"); err != nil {
		t.Fatalf("AddKeyFile: %v", err)
	}
	repo.Close()

	after, err := drv.List(ctx, backend.KindKey)
	if err != nil {
		t.Fatalf("List keys (after): %v", err)
	}
	if len(after) != len(before)+1 {
		t.Fatalf("expected one new key file, had %d now have %d", len(before), len(after))
	}

	newID := diffNewEntry(before, after)
	if err := repo.RemoveKeyFile(ctx, newID); err != nil {
		t.Fatalf("RemoveKeyFile: %v", err)
	}

	if _, err := Open(ctx, drv, "remove-me"); err == nil {
		t.Error("expected \"remove-me\" password to no longer unlock the repository")
	}
	reopened, err := Open(ctx, drv, "keep-me")
	if err != nil {
		t.Fatalf("expected \"keep-me\" to still unlock: %v", err)
	}
	reopened.Close()
}

func diffNewEntry(before, after []backend.Entry) string {
	seen := make(map[string]bool, len(before))
	for _, e := range before {
		seen[e.Name] = true
	}
	for _, e := range after {
		if !seen[e.Name] {
			return e.Name
		}
	}
	return ""
}

func TestOpenLoadsEmptyIndexForFreshRepository(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "pw")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	repo.Close()

	reopened, err := Open(ctx, drv, "pw")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reopened.Close()

	if reopened.Index == nil {
		t.Fatal("expected Open to populate an Index")
	}
	if reopened.Index.Epoch() != 0 {
		t.Errorf("fresh repository should have epoch 0, got %d", reopened.Index.Epoch())
	}
}

func TestOpenWithNoCacheLeavesCacheNil(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "pw", WithNoCache())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer repo.Close()

	if repo.Cache != nil {
		t.Error("expected Cache to be nil with WithNoCache")
	}
}

func TestOpenWithCacheDirPopulatesCache(t *testing.T) {
	ctx := context.Background()
	drv := newTestDriver(t)

	repo, err := Init(ctx, drv, "pw", WithCacheDir(t.TempDir(), 1<<20))
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer repo.Close()

	if repo.Cache == nil {
		t.Error("expected Cache to be set with WithCacheDir")
	}
}
