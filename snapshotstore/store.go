package snapshotstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/errs"
	"github.com/rustic-rs/rustic/ids"
)

// Write persists a snapshot, content-addressed by its id, and returns that
// id. Writing the same snapshot bytes twice is a harmless no-op at the
// backend level (spec.md §3: snapshots are write-once).
func Write(ctx context.Context, drv backend.Driver, s Snapshot) (ids.ID, error) {
	id, data, err := ID(s)
	if err != nil {
		return ids.ID{}, err
	}
	if err := drv.WriteFull(ctx, backend.KindSnapshot, id.String(), data, true); err != nil {
		return ids.ID{}, fmt.Errorf("snapshotstore: write %s: %w", id, err)
	}
	return id, nil
}

// Load reads and decodes one snapshot by id.
func Load(ctx context.Context, drv backend.Driver, id ids.ID) (Snapshot, error) {
	data, err := drv.ReadFull(ctx, backend.KindSnapshot, id.String())
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshotstore: read %s: %w", id, err)
	}
	s, err := Unmarshal(data)
	if err != nil {
		return Snapshot{}, errs.New(errs.CorruptStructure, id.String(), err)
	}
	return s, nil
}

// Entry pairs a loaded Snapshot with the id it was stored under.
type Entry struct {
	ID       ids.ID
	Snapshot Snapshot
}

// LoadAll reads and decodes every snapshot in the repository, concurrently
// bounded the same way index.LoadAll streams index files.
func LoadAll(ctx context.Context, drv backend.Driver, concurrency int) ([]Entry, error) {
	list, err := drv.List(ctx, backend.KindSnapshot)
	if err != nil {
		return nil, fmt.Errorf("snapshotstore: list: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}

	entries := make([]Entry, len(list))
	g, gctx := errgroup.WithContext(ctx)
	if concurrency <= 0 {
		concurrency = 8
	}
	sem := make(chan struct{}, concurrency)

	for i, e := range list {
		i, e := i, e
		g.Go(func() error {
			select {
			case sem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-sem }()

			id, err := ids.Parse(e.Name)
			if err != nil {
				return fmt.Errorf("snapshotstore: bad snapshot name %q: %w", e.Name, err)
			}
			s, err := Load(gctx, drv, id)
			if err != nil {
				return err
			}
			entries[i] = Entry{ID: id, Snapshot: s}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes one snapshot by id.
func Delete(ctx context.Context, drv backend.Driver, id ids.ID) error {
	if err := drv.Remove(ctx, backend.KindSnapshot, id.String()); err != nil {
		return fmt.Errorf("snapshotstore: remove %s: %w", id, err)
	}
	return nil
}

// FindLatest resolves spec.md §4.7's special path component "latest": the
// most recent snapshot, among entries, matching filter.
func FindLatest(entries []Entry, filter Filter) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if !filter.Matches(e.Snapshot) {
			continue
		}
		if !found || e.Snapshot.Time.After(best.Snapshot.Time) {
			best = e
			found = true
		}
	}
	return best, found
}

// FindParent implements the archiver's parent-selection rule (spec.md
// §4.8): the most recent snapshot among entries sharing groupKey(candidate)
// with the in-progress backup. Callers build groupKey from whatever subset
// of {host,label,paths,tags} their group-by options selected.
func FindParent(entries []Entry, groupKey func(Snapshot) string, wantKey string) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range entries {
		if groupKey(e.Snapshot) != wantKey {
			continue
		}
		if !found || e.Snapshot.Time.After(best.Snapshot.Time) {
			best = e
			found = true
		}
	}
	return best, found
}
