// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package packer batches plaintext blobs into target-sized packs and keeps
// the repository's on-disk and in-memory index in sync with what it writes.
// It is used by archiver for new backups; prune's repack step writes its
// packs through its own repacker (prune/repack.go), since Submit skips
// blobs the index already holds.
//
// Pack rotation follows spec.md §3's sqrt-based grow factor via
// repository.TargetSize; the dedup rule (never write a blob the index
// already has, and never write the same blob twice within one run) follows
// spec.md §4.1's "look up each chunk id in the index" directly.
package packer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/ids"
	"github.com/rustic-rs/rustic/index"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/progress"
	"github.com/rustic-rs/rustic/repository"
)

// Packer accumulates blobs of both kinds into in-progress packs, writes
// finalized packs to the backend, and flushes one new index file per Flush
// call. A single Packer is shared by every concurrent worker submitting
// blobs for one run (spec.md §4.4: "the packer is free to reorder within a
// pack").
type Packer struct {
	repo *repository.Repository
	bp   progress.Backup

	mu      sync.Mutex
	writers map[pack.BlobType]*pack.Writer
	seen    map[ids.ID]bool // blobs written to a pack since the last Flush, even if that pack already finalized
	builder index.Builder
}

// New returns a Packer writing through repo. bp receives BytesAdded
// callbacks as new (non-duplicate) blobs are packed; pass nil for no
// progress reporting.
func New(repo *repository.Repository, bp progress.Backup) *Packer {
	if bp == nil {
		bp = progress.NoopBackup{}
	}
	return &Packer{
		repo:    repo,
		bp:      bp,
		writers: make(map[pack.BlobType]*pack.Writer),
		seen:    make(map[ids.ID]bool),
	}
}

// Submit adds one plaintext blob to the pack stream. It is a no-op if the
// blob is already indexed or was already submitted earlier in this run
// (spec.md §4.1's content-addressed dedup). Safe for concurrent use by
// multiple archiver workers.
func (p *Packer) Submit(ctx context.Context, in pack.BlobInput) error {
	if p.repo.Index.Has(in.ID) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[in.ID] {
		return nil
	}

	w := p.writerFor(in.Type)
	if _, err := w.AddBlob(in); err != nil {
		return fmt.Errorf("packer: add blob %s: %w", in.ID, err)
	}
	p.seen[in.ID] = true
	p.bp.BytesAdded(uint64(len(in.Data)))

	if int64(w.Size()) >= p.targetSize(in.Type) {
		if err := p.finalizeLocked(ctx, in.Type); err != nil {
			return err
		}
	}
	return nil
}

func (p *Packer) writerFor(typ pack.BlobType) *pack.Writer {
	w, ok := p.writers[typ]
	if !ok {
		w = pack.NewWriter(typ, p.repo.Key, p.repo.Compressor, p.repo.Config.ExtraVerify)
		p.writers[typ] = w
	}
	return w
}

func (p *Packer) targetSize(typ pack.BlobType) int64 {
	base := p.repo.Config.DataPackTargetSize
	if typ == pack.TreeBlob {
		base = p.repo.Config.TreePackTargetSize
	}
	total := p.repo.Index.TotalBytesByType(uint8(typ))
	return repository.TargetSize(base, p.repo.Config.PackGrowFactor, total)
}

// finalizeLocked seals the in-progress pack of typ, if any, writes it to the
// backend, and records its entries into the pending index builder. Caller
// must hold p.mu.
func (p *Packer) finalizeLocked(ctx context.Context, typ pack.BlobType) error {
	w, ok := p.writers[typ]
	if !ok || w.Count() == 0 {
		return nil
	}
	delete(p.writers, typ)

	result, err := w.Finalize()
	if err != nil {
		return fmt.Errorf("packer: finalize pack: %w", err)
	}

	name := result.ID.String()
	if err := p.repo.Driver.WriteFull(ctx, backend.KindPack, name, result.Data, true); err != nil {
		return fmt.Errorf("packer: write pack %s: %w", name, err)
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
	p.builder.AddPack(result.ID, entries, time.Now(), uint8(typ))
	return nil
}

// Flush finalizes any still-open packs, writes one index file covering
// every pack finalized since the last Flush, and merges that file into the
// repository's in-memory index so subsequent Submit calls see the new blobs
// as already indexed. A snapshot record must not be written until Flush has
// returned successfully (spec.md §4.8: "a snapshot record is written only
// after all its trees and data are durable in the backend").
func (p *Packer) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, typ := range []pack.BlobType{pack.DataBlob, pack.TreeBlob} {
		if err := p.finalizeLocked(ctx, typ); err != nil {
			return err
		}
	}

	file := p.builder.Build(nil)
	if len(file.Packs) == 0 {
		return nil
	}
	p.builder = index.Builder{}
	p.seen = make(map[ids.ID]bool)

	data, err := index.EncodeFile(file)
	if err != nil {
		return fmt.Errorf("packer: encode index file: %w", err)
	}
	name := uuid.NewString()
	if err := p.repo.Driver.WriteFull(ctx, backend.KindIndex, name, data, true); err != nil {
		return fmt.Errorf("packer: write index file %s: %w", name, err)
	}

	p.repo.Index.Add(file)
	return nil
}
