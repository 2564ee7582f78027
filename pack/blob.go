// Package pack implements the pack codec spec.md §4.4 describes: encoding a
// sequence of blobs into a single encrypted file with a self-describing
// authenticated trailer, and decoding individual blobs back out of it by
// range-reading the backend.
//
// The trailer is msgpack-encoded with sorted map keys, the same convention
// the teacher's fstree package uses for its TreeEntry records
// (fstree/capture.go's serializeTree), generalized from "list of directory
// entries" to "list of blob locations".
package pack

import (
	"github.com/rustic-rs/rustic/ids"
)

// BlobType distinguishes the two blob kinds spec.md §3 defines. A pack
// contains blobs of exactly one BlobType (spec.md §4.4's "single kind
// category" invariant), so data and tree blobs are never mixed in one file.
type BlobType uint8

const (
	// DataBlob is a file content chunk.
	DataBlob BlobType = 0
	// TreeBlob is a serialised directory listing.
	TreeBlob BlobType = 1
)

func (t BlobType) String() string {
	switch t {
	case DataBlob:
		return "data"
	case TreeBlob:
		return "tree"
	default:
		return "unknown"
	}
}

// BlobInput is a plaintext blob submitted for packing.
type BlobInput struct {
	Type BlobType
	ID   ids.ID // content hash of Data; callers compute this via crypto.Hash
	Data []byte
}

// TrailerEntry records where one blob lives inside a pack, matching the
// index-entry shape from spec.md §3: id, kind, ciphertext length, offset,
// and an optional uncompressed length.
//
// UncompressedLength is 0 when the blob was stored uncompressed; Writer
// never compresses a blob to exactly 0 bytes of overhead so this is
// unambiguous in practice, and compressed-empty-blob is further disambiguated
// by the Compressed flag.
type TrailerEntry struct {
	ID                 ids.ID   `msgpack:"1"`
	Type               BlobType `msgpack:"2"`
	Offset             uint32   `msgpack:"3"`
	Length             uint32   `msgpack:"4"` // ciphertext length
	UncompressedLength uint32   `msgpack:"5,omitempty"`
	Compressed         bool     `msgpack:"6,omitempty"`
}

// Trailer is the full authenticated index of one pack file.
type Trailer struct {
	Entries []TrailerEntry `msgpack:"1"`
}
