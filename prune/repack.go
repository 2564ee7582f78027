// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

package prune

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/ids"
	"github.com/rustic-rs/rustic/index"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/repository"
)

// repacker streams reachable blobs out of packs slated for Repack and into
// fresh, target-sized packs, one pack.Writer per blob type.
//
// This is deliberately not internal/packer.Packer: Packer.Submit skips any
// blob already present in the index, which is every blob a repack needs to
// move — the whole point here is to duplicate still-reachable blobs into a
// new pack so the old one can be deleted. A repacker always writes what
// it's given.
type repacker struct {
	repo    *repository.Repository
	builder index.Builder

	writers map[pack.BlobType]*pack.Writer
}

func newRepacker(repo *repository.Repository) *repacker {
	return &repacker{repo: repo, writers: make(map[pack.BlobType]*pack.Writer)}
}

func (r *repacker) writerFor(typ pack.BlobType, extraVerify bool) *pack.Writer {
	w, ok := r.writers[typ]
	if !ok {
		w = pack.NewWriter(typ, r.repo.Key, r.repo.Compressor, extraVerify)
		r.writers[typ] = w
	}
	return w
}

func (r *repacker) targetSize(typ pack.BlobType) int64 {
	base := r.repo.Config.DataPackTargetSize
	if typ == pack.TreeBlob {
		base = r.repo.Config.TreePackTargetSize
	}
	total := r.repo.Index.TotalBytesByType(uint8(typ))
	return repository.TargetSize(base, r.repo.Config.PackGrowFactor, total)
}

// addFast copies entry's ciphertext into a new pack verbatim, without
// decrypting or recompressing, per spec.md §4.10's `fast-repack`.
func (r *repacker) addFast(ctx context.Context, oldPackName string, entry pack.TrailerEntry) error {
	ciphertext, err := pack.ReadRawBlob(ctx, r.repo.Driver, oldPackName, entry)
	if err != nil {
		return err
	}
	w := r.writerFor(entry.Type, r.repo.Config.ExtraVerify)
	if _, err := w.AddRawBlob(entry, ciphertext); err != nil {
		return fmt.Errorf("prune: repack add raw blob %s: %w", entry.ID, err)
	}
	return r.finalizeIfFull(ctx, entry.Type)
}

// addSlow decrypts (and, if compressed, decompresses) entry's blob and
// re-adds it through the normal encrypt/compress path at the repository's
// configured compression level, used when fast-repack is not requested and
// always under repack-all.
func (r *repacker) addSlow(ctx context.Context, oldPackName string, entry pack.TrailerEntry) error {
	plaintext, err := pack.ReadBlob(ctx, r.repo.Driver, r.repo.Key, r.repo.Compressor, oldPackName, entry)
	if err != nil {
		return err
	}
	w := r.writerFor(entry.Type, r.repo.Config.ExtraVerify)
	if _, err := w.AddBlob(pack.BlobInput{Type: entry.Type, ID: entry.ID, Data: plaintext}); err != nil {
		return fmt.Errorf("prune: repack add blob %s: %w", entry.ID, err)
	}
	return r.finalizeIfFull(ctx, entry.Type)
}

func (r *repacker) finalizeIfFull(ctx context.Context, typ pack.BlobType) error {
	w := r.writers[typ]
	if int64(w.Size()) < r.targetSize(typ) {
		return nil
	}
	return r.finalize(ctx, typ)
}

func (r *repacker) finalize(ctx context.Context, typ pack.BlobType) error {
	w, ok := r.writers[typ]
	if !ok || w.Count() == 0 {
		return nil
	}
	delete(r.writers, typ)

	result, err := w.Finalize()
	if err != nil {
		return fmt.Errorf("prune: finalize repacked pack: %w", err)
	}

	name := result.ID.String()
	if err := r.repo.Driver.WriteFull(ctx, backend.KindPack, name, result.Data, true); err != nil {
		return fmt.Errorf("prune: write repacked pack %s: %w", name, err)
	}

	entries := make([]index.BlobEntry, len(result.Trailer.Entries))
	for i, e := range result.Trailer.Entries {
		entries[i] = index.BlobEntry{
			ID:                 e.ID,
			Offset:             e.Offset,
			Length:             e.Length,
			UncompressedLength: e.UncompressedLength,
			Compressed:         e.Compressed,
		}
	}
	r.builder.AddPack(result.ID, entries, time.Now(), uint8(typ))
	return nil
}

// finish flushes any still-open writers and returns the new index file
// covering everything this repacker produced, with supersedes marking the
// given old pack ids for delete.
func (r *repacker) finish(ctx context.Context, supersedes []ids.ID) (index.File, error) {
	for _, typ := range []pack.BlobType{pack.DataBlob, pack.TreeBlob} {
		if err := r.finalize(ctx, typ); err != nil {
			return index.File{}, err
		}
	}
	return r.builder.Build(supersedes), nil
}

// writeIndexFile persists f to the backend under a fresh name and merges
// it into repo's in-memory index.
func writeIndexFile(ctx context.Context, repo *repository.Repository, f index.File) error {
	data, err := index.EncodeFile(f)
	if err != nil {
		return fmt.Errorf("prune: encode index file: %w", err)
	}
	name := uuid.NewString()
	if err := repo.Driver.WriteFull(ctx, backend.KindIndex, name, data, true); err != nil {
		return fmt.Errorf("prune: write index file %s: %w", name, err)
	}
	repo.Index.Add(f)
	return nil
}
