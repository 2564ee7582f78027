package index

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/ids"
)

// BlobEntry is one blob's location as recorded inside an index File (the
// on-disk shape; Index.Add folds it into the in-memory Location).
type BlobEntry struct {
	ID                 ids.ID `msgpack:"1"`
	Offset             uint32 `msgpack:"2"`
	Length             uint32 `msgpack:"3"`
	UncompressedLength uint32 `msgpack:"4,omitempty"`
	Compressed         bool   `msgpack:"5,omitempty"`
}

// PackEntry groups the blobs physically stored in one pack, per spec.md
// §4.5 ("a persisted batch of index entries grouped by pack"). BlobType
// mirrors pack.BlobType's values (0 = data, 1 = tree) without this package
// importing pack, keeping index a leaf dependency of the pack/blob model
// rather than the reverse.
type PackEntry struct {
	ID        ids.ID      `msgpack:"1"`
	Blobs     []BlobEntry `msgpack:"2"`
	CreatedAt time.Time   `msgpack:"3"`
	BlobType  uint8       `msgpack:"4,omitempty"`
}

// File is the on-disk shape of one index file. Supersedes lists pack ids a
// prior prune run has marked for deletion (spec.md §4.5's "supersedes"
// relation), carried by the new index file that replaces the old one.
type File struct {
	Packs      []PackEntry `msgpack:"1"`
	Supersedes []ids.ID    `msgpack:"2,omitempty"`
}

// EncodeFile serialises a File to its canonical wire form.
func EncodeFile(f File) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(f); err != nil {
		return nil, fmt.Errorf("index: encode file: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFile is the default File parser passed to LoadAll.
func DecodeFile(data []byte) (File, error) {
	var f File
	if err := msgpack.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("index: decode file: %w", err)
	}
	return f, nil
}

// Builder accumulates PackEntry records for a single new index file, the
// shape a just-finished pack.Writer.Finalize result is folded into.
type Builder struct {
	packs []PackEntry
}

// AddPack records one finalized pack's trailer entries into the
// in-progress index file. blobType mirrors pack.BlobType (0 = data, 1 = tree).
func (b *Builder) AddPack(packID ids.ID, entries []BlobEntry, createdAt time.Time, blobType uint8) {
	b.packs = append(b.packs, PackEntry{ID: packID, Blobs: entries, CreatedAt: createdAt, BlobType: blobType})
}

// Build finalizes the index file, marking supersedes as superseded by it
// (spec.md §4.10's repack step: "write a new index file that lists new
// packs and marks the old ones for delete").
func (b *Builder) Build(supersedes []ids.ID) File {
	return File{Packs: b.packs, Supersedes: supersedes}
}
