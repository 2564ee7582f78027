package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/ids"
)

// Writer accumulates blobs of a single BlobType and produces the on-disk
// bytes of one pack, per spec.md §4.4's layout:
//
//	[ encrypted-blob-1 ][ encrypted-blob-2 ] ... [ encrypted-trailer ][ trailer-len:u32-LE ]
//
// The final 4-byte length field is stored unencrypted so a reader can find
// the trailer without first decrypting anything — the only way the format
// can be "self-describing" per spec.md §4.4. (Recorded as an Open Question
// resolution in DESIGN.md: the ASCII diagram's "encrypted" label on that
// field is read as describing the trailer it points to, not the 4 bytes
// themselves.)
type Writer struct {
	typ        BlobType
	key        *crypto.Key
	compressor *crypto.Compressor
	extraVerify bool

	buf     bytes.Buffer
	entries []TrailerEntry
	seen    map[ids.ID]bool
}

// NewWriter starts a new pack of the given blob type.
func NewWriter(typ BlobType, key *crypto.Key, compressor *crypto.Compressor, extraVerify bool) *Writer {
	return &Writer{
		typ:         typ,
		key:         key,
		compressor:  compressor,
		extraVerify: extraVerify,
		seen:        make(map[ids.ID]bool),
	}
}

// Type returns the blob type this pack is restricted to.
func (w *Writer) Type() BlobType { return w.typ }

// Size returns the number of ciphertext bytes written so far (excludes the
// not-yet-written trailer). Callers use this against the target/tolerance
// band from spec.md §3 to decide when to call Finalize.
func (w *Writer) Size() int { return w.buf.Len() }

// Count returns the number of blobs added so far.
func (w *Writer) Count() int { return len(w.entries) }

// Has reports whether a blob with this id has already been added to this
// pack (callers still must check the index first; this only prevents
// duplicate writes within a single in-progress pack).
func (w *Writer) Has(id ids.ID) bool { return w.seen[id] }

// AddRawBlob appends an already-encrypted blob verbatim, without
// decrypting or re-encrypting it, per spec.md §4.10's `fast-repack`: "copies
// blob ciphertext regions verbatim without re-encrypt". entry's Type,
// UncompressedLength, and Compressed flag are carried over as-is; only
// Offset is recomputed for the new pack.
func (w *Writer) AddRawBlob(entry TrailerEntry, ciphertext []byte) (TrailerEntry, error) {
	if entry.Type != w.typ {
		return TrailerEntry{}, fmt.Errorf("pack: blob type %s does not match pack type %s", entry.Type, w.typ)
	}
	if w.seen[entry.ID] {
		return TrailerEntry{}, fmt.Errorf("pack: duplicate blob %s in same pack", entry.ID)
	}

	out := TrailerEntry{
		ID:                 entry.ID,
		Type:               entry.Type,
		Offset:             uint32(w.buf.Len()),
		Length:             uint32(len(ciphertext)),
		UncompressedLength: entry.UncompressedLength,
		Compressed:         entry.Compressed,
	}

	w.buf.Write(ciphertext)
	w.entries = append(w.entries, out)
	w.seen[entry.ID] = true

	return out, nil
}

// AddBlob encrypts (and optionally compresses) one blob and appends it to
// the pack, per spec.md §4.4 ("a blob is never split across packs").
func (w *Writer) AddBlob(in BlobInput) (TrailerEntry, error) {
	if in.Type != w.typ {
		return TrailerEntry{}, fmt.Errorf("pack: blob type %s does not match pack type %s", in.Type, w.typ)
	}
	if w.seen[in.ID] {
		return TrailerEntry{}, fmt.Errorf("pack: duplicate blob %s in same pack", in.ID)
	}

	payload := in.Data
	var uncompressedLen uint32
	var compressed bool
	if w.compressor != nil {
		candidate, err := w.compressor.Compress(in.Data)
		if err != nil {
			return TrailerEntry{}, fmt.Errorf("pack: compress blob %s: %w", in.ID, err)
		}
		if crypto.ShouldCompress(crypto.CompressionDefault, candidate, in.Data) {
			payload = candidate
			uncompressedLen = uint32(len(in.Data))
			compressed = true
		}
	}

	aad := []byte(in.Type.String())
	ciphertext, err := w.key.Encrypt(payload, aad)
	if err != nil {
		return TrailerEntry{}, fmt.Errorf("pack: encrypt blob %s: %w", in.ID, err)
	}

	entry := TrailerEntry{
		ID:                 in.ID,
		Type:               in.Type,
		Offset:             uint32(w.buf.Len()),
		Length:             uint32(len(ciphertext)),
		UncompressedLength: uncompressedLen,
		Compressed:         compressed,
	}

	w.buf.Write(ciphertext)
	w.entries = append(w.entries, entry)
	w.seen[in.ID] = true

	return entry, nil
}

// Result is the fully encoded pack produced by Finalize.
type Result struct {
	ID      ids.ID
	Data    []byte
	Trailer Trailer
}

// Finalize seals the pack: encodes and encrypts the trailer, appends it and
// the trailing length field, and returns the complete on-disk bytes plus
// the pack's id (the content hash of the trailer's plaintext encoding, per
// spec.md §4.4: "the pack name equals the content hash of the trailer").
func (w *Writer) Finalize() (Result, error) {
	trailer := Trailer{Entries: w.entries}

	plain, err := encodeTrailer(trailer)
	if err != nil {
		return Result{}, fmt.Errorf("pack: encode trailer: %w", err)
	}
	id := crypto.Hash(plain)

	ciphertext, err := w.key.Encrypt(plain, []byte("trailer"))
	if err != nil {
		return Result{}, fmt.Errorf("pack: encrypt trailer: %w", err)
	}

	out := make([]byte, 0, w.buf.Len()+len(ciphertext)+4)
	out = append(out, w.buf.Bytes()...)
	out = append(out, ciphertext...)

	var lenField [4]byte
	binary.LittleEndian.PutUint32(lenField[:], uint32(len(ciphertext)))
	out = append(out, lenField[:]...)

	if w.extraVerify {
		if err := verifyPack(out, w.key, w.compressor, trailer); err != nil {
			return Result{}, fmt.Errorf("pack: extra-verify failed: %w", err)
		}
	}

	return Result{ID: id, Data: out, Trailer: trailer}, nil
}

func encodeTrailer(t Trailer) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// verifyPack decrypts (and, for compressed blobs, decompresses) every blob
// embedded in the freshly produced bytes and checks its content hash round
// trips, per spec.md §4.4's "extra-verify" step — this catches a corrupt
// compressed stream at write time instead of surfacing it as a read-time
// Integrity error later.
func verifyPack(data []byte, key *crypto.Key, compressor *crypto.Compressor, trailer Trailer) error {
	for _, e := range trailer.Entries {
		ciphertext := data[e.Offset : e.Offset+e.Length]
		plaintext, err := key.Decrypt(ciphertext, []byte(e.Type.String()))
		if err != nil {
			return fmt.Errorf("blob %s: %w", e.ID, err)
		}

		if e.Compressed {
			if compressor == nil {
				return fmt.Errorf("blob %s: marked compressed but no compressor configured", e.ID)
			}
			plaintext, err = compressor.Decompress(plaintext, int(e.UncompressedLength))
			if err != nil {
				return fmt.Errorf("blob %s: decompress: %w", e.ID, err)
			}
		}

		gotID := crypto.Hash(plaintext)
		if gotID != e.ID {
			return fmt.Errorf("blob %s: id mismatch after round trip, got %s", e.ID, gotID)
		}
	}
	return nil
}
