// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

package archiver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rustic-rs/rustic/chunker"
	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/errs"
	"github.com/rustic-rs/rustic/internal/packer"
	"github.com/rustic-rs/rustic/pack"
	"github.com/rustic-rs/rustic/progress"
	"github.com/rustic-rs/rustic/repository"
	"github.com/rustic-rs/rustic/tree"
)

// Stdin chunks r and submits its blobs to pk, producing a single file node
// named filename, per spec.md §4.8's "stdin source": "when the caller
// supplies a stream, a single file node with the configured filename is
// produced; the stream is chunked and written incrementally."
//
// Stdin never consults a parent snapshot: a stream has no stable identity
// to match against, so every run re-chunks it (deduping only against
// already-indexed blobs, same as any other new content).
func Stdin(ctx context.Context, repo *repository.Repository, pk *packer.Packer, r io.Reader, filename string, bp progress.Backup) (tree.Node, error) {
	if bp == nil {
		bp = progress.NoopBackup{}
	}

	node := tree.Node{
		Name:    filename,
		Type:    tree.NodeFile,
		Mode:    0o644,
		ModTime: time.Now(),
	}

	c := chunker.New(r, repo.Config.ChunkerParams())
	var buf []byte
	var total uint64
	for {
		chunk, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return tree.Node{}, errs.New(errs.SourceIO, filename, err)
		}

		id := crypto.Hash(chunk.Data)
		bp.BytesHashed(chunk.Length)
		if err := pk.Submit(ctx, pack.BlobInput{Type: pack.DataBlob, ID: id, Data: chunk.Data}); err != nil {
			return tree.Node{}, fmt.Errorf("archiver: submit stdin chunk: %w", err)
		}
		node.Content = append(node.Content, tree.ChunkRef{ID: id, Length: chunk.Length})
		total += chunk.Length
		buf = chunk.Data[:0]
	}

	node.Size = total
	bp.FileScanned(filename)
	return node, nil
}
