package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/backend"
	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/ids"
)

// trailerLenFieldSize is the width of the unencrypted length field that
// trails every pack, per spec.md §4.4.
const trailerLenFieldSize = 4

// ReadTrailer fetches and decrypts the trailer of the pack named id, given
// the pack's total on-disk size (the index does not record it, since
// PackMeta.TotalBytes counts only blob ciphertext; prune takes it from a
// backend listing). It issues two range
// reads: one for the trailing length field, one for the trailer itself —
// mirroring the two-stage tail-read the reference corpus's restic backend
// package uses to locate a pack's index without downloading the whole file.
func ReadTrailer(ctx context.Context, drv backend.Driver, key *crypto.Key, packName string, packSize int64) (Trailer, error) {
	if packSize < trailerLenFieldSize {
		return Trailer{}, fmt.Errorf("pack %s: size %d too small to contain a trailer", packName, packSize)
	}

	lenBytes, err := drv.ReadRange(ctx, backend.KindPack, packName, packSize-trailerLenFieldSize, trailerLenFieldSize)
	if err != nil {
		return Trailer{}, fmt.Errorf("pack %s: read trailer length: %w", packName, err)
	}
	if len(lenBytes) != trailerLenFieldSize {
		return Trailer{}, fmt.Errorf("pack %s: short read of trailer length field", packName)
	}
	trailerCiphertextLen := int64(binary.LittleEndian.Uint32(lenBytes))

	trailerOffset := packSize - trailerLenFieldSize - trailerCiphertextLen
	if trailerOffset < 0 {
		return Trailer{}, fmt.Errorf("pack %s: trailer length %d exceeds pack size %d", packName, trailerCiphertextLen, packSize)
	}

	ciphertext, err := drv.ReadRange(ctx, backend.KindPack, packName, trailerOffset, trailerCiphertextLen)
	if err != nil {
		return Trailer{}, fmt.Errorf("pack %s: read trailer: %w", packName, err)
	}

	plaintext, err := key.Decrypt(ciphertext, []byte("trailer"))
	if err != nil {
		return Trailer{}, fmt.Errorf("pack %s: decrypt trailer: %w", packName, err)
	}

	var trailer Trailer
	dec := msgpack.NewDecoder(bytes.NewReader(plaintext))
	if err := dec.Decode(&trailer); err != nil {
		return Trailer{}, fmt.Errorf("pack %s: decode trailer: %w", packName, err)
	}

	gotID := crypto.Hash(plaintext)
	wantID, parseErr := ids.Parse(packName)
	if parseErr == nil && gotID != wantID {
		return Trailer{}, fmt.Errorf("pack %s: %w: trailer hash is %s", packName, crypto.ErrIntegrity, gotID)
	}

	return trailer, nil
}

// ReadBlobAt fetches, decrypts, and (if needed) decompresses a single blob
// given only the fields an index.Location already carries, without first
// fetching the pack's trailer. Restorer and prune both resolve blobs this
// way: they already know exactly where a blob lives from the in-memory
// index (spec.md §4.9's "group blob-reads by pack ... read each needed pack
// once"), so re-deriving that location from a freshly re-read trailer would
// be redundant I/O.
func ReadBlobAt(ctx context.Context, drv backend.Driver, key *crypto.Key, compressor *crypto.Compressor, packName string, id ids.ID, typ BlobType, offset, length, uncompressedLength uint32, compressed bool) ([]byte, error) {
	entry := TrailerEntry{
		ID:                 id,
		Type:               typ,
		Offset:             offset,
		Length:             length,
		UncompressedLength: uncompressedLength,
		Compressed:         compressed,
	}
	return ReadBlob(ctx, drv, key, compressor, packName, entry)
}

// ReadRawBlob fetches a blob's ciphertext without decrypting it, for
// prune's `fast-repack` path (see Writer.AddRawBlob).
func ReadRawBlob(ctx context.Context, drv backend.Driver, packName string, entry TrailerEntry) ([]byte, error) {
	ciphertext, err := drv.ReadRange(ctx, backend.KindPack, packName, int64(entry.Offset), int64(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("pack %s: read raw blob %s: %w", packName, entry.ID, err)
	}
	return ciphertext, nil
}

// Find returns the TrailerEntry for id, or false if the pack does not
// contain it.
func (t Trailer) Find(id ids.ID) (TrailerEntry, bool) {
	for _, e := range t.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return TrailerEntry{}, false
}

// ReadBlob fetches, decrypts, and (if needed) decompresses a single blob
// from a pack, given its TrailerEntry. compressor may be nil only if entry
// is never compressed.
func ReadBlob(ctx context.Context, drv backend.Driver, key *crypto.Key, compressor *crypto.Compressor, packName string, entry TrailerEntry) ([]byte, error) {
	ciphertext, err := drv.ReadRange(ctx, backend.KindPack, packName, int64(entry.Offset), int64(entry.Length))
	if err != nil {
		return nil, fmt.Errorf("pack %s: read blob %s: %w", packName, entry.ID, err)
	}

	plaintext, err := key.Decrypt(ciphertext, []byte(entry.Type.String()))
	if err != nil {
		return nil, fmt.Errorf("pack %s: decrypt blob %s: %w", packName, entry.ID, err)
	}

	if entry.Compressed {
		if compressor == nil {
			return nil, fmt.Errorf("pack %s: blob %s is compressed but no compressor was supplied", packName, entry.ID)
		}
		plaintext, err = compressor.Decompress(plaintext, int(entry.UncompressedLength))
		if err != nil {
			return nil, fmt.Errorf("pack %s: decompress blob %s: %w", packName, entry.ID, err)
		}
	}

	gotID := crypto.Hash(plaintext)
	if gotID != entry.ID {
		return nil, fmt.Errorf("pack %s: blob %s: %w: content hash mismatch (got %s)", packName, entry.ID, crypto.ErrIntegrity, gotID)
	}

	return plaintext, nil
}
