// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package tree implements the canonical Node/Tree record spec.md §3 and
// §4.7 describe: a directory listing serialised deterministically, with
// unknown fields preserved opaquely for forward compatibility.
//
// The wire shape is a direct generalisation of the teacher's
// fstree.TreeEntry/TreeObject (file | dir | symlink, msgpack, numeric tags,
// sorted-by-name, content-addressed by BLAKE3 over the serialisation) to
// the richer node spec.md calls for: POSIX owner/group, device/fifo/socket
// nodes, extended attributes, and per-chunk content lists instead of a
// single hash.
package tree

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/ids"
)

// NodeType distinguishes the six node kinds spec.md §3 lists.
type NodeType uint8

const (
	NodeFile NodeType = iota
	NodeDir
	NodeSymlink
	NodeDevice
	NodeFifo
	NodeSocket
)

func (t NodeType) String() string {
	switch t {
	case NodeFile:
		return "file"
	case NodeDir:
		return "dir"
	case NodeSymlink:
		return "symlink"
	case NodeDevice:
		return "device"
	case NodeFifo:
		return "fifo"
	case NodeSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// ExtAttr is one extended attribute. Value may be nil (spec.md §3: "allowing
// null values") to represent an xattr whose value could not be read but
// whose presence must still be recorded.
type ExtAttr struct {
	Name  string `msgpack:"1"`
	Value []byte `msgpack:"2"`
}

// ChunkRef is one entry in a file node's content list: a data blob id and
// its plaintext length, so a reader can compute destination offsets without
// opening every pack first.
type ChunkRef struct {
	ID     ids.ID `msgpack:"1"`
	Length uint64 `msgpack:"2"`
}

// Node is one directory entry, matching spec.md §3's Node definition.
//
// Unknown is populated only when decoding a record written by a newer
// version that added fields this build does not know about; re-encoding a
// Node preserves them verbatim (spec.md §4.7 "unknown fields ... preserved
// opaquely and re-emitted on re-save").
//
// Node implements msgpack.CustomEncoder/CustomDecoder (see unknown.go) to
// support that preservation, so the struct fields below carry no msgpack
// tags of their own — the numeric tag each field corresponds to on the wire
// is documented in the comment and enforced by EncodeMsgpack/DecodeMsgpack.
type Node struct {
	Name string   // 1
	Type NodeType // 2
	Mode uint32   // 3

	OwnerName string // 4
	OwnerID   uint32 // 5
	GroupName string // 6
	GroupID   uint32 // 7

	ModTime    time.Time  // 8
	ChangeTime time.Time  // 9
	AccessTime *time.Time // 10

	Size uint64 // 11

	// DeviceID/Inode are populated for change detection (spec.md §4.8) and
	// are platform-specific; absent (zero) on platforms without stat device
	// numbers.
	DeviceID uint64 // 12
	Inode    uint64 // 13

	ExtAttrs []ExtAttr // 14

	// Content is populated for NodeFile: ordered data blob ids with lengths.
	Content []ChunkRef // 15
	// Subtree is populated for NodeDir: the child tree's id.
	Subtree ids.ID // 16
	// LinkTarget is populated for NodeSymlink: the raw target bytes.
	LinkTarget []byte // 17
	// DeviceMajor/DeviceMinor are populated for NodeDevice.
	DeviceMajor uint32 // 18
	DeviceMinor uint32 // 19

	// Unknown carries fields this build does not recognise, keyed by their
	// numeric msgpack tag, so they survive a decode/re-encode cycle. Values
	// are whatever msgpack.Decoder.DecodeInterface produced (maps, slices,
	// and scalars).
	Unknown map[uint64]interface{}
}

// Tree is a directory listing: a deterministically ordered list of Nodes.
// Tree identity is the content hash of its canonical serialisation
// (spec.md §3: "two structurally identical directories produce the same
// tree id").
type Tree struct {
	Nodes []Node `msgpack:"1"`
}

// Sort orders Nodes byte-lexicographically by name, the order
// Marshal requires (spec.md §4.7 "nodes sorted by name").
func (t *Tree) Sort() {
	sort.Slice(t.Nodes, func(i, j int) bool { return t.Nodes[i].Name < t.Nodes[j].Name })
}

// Marshal serialises the tree to its canonical wire form. Nodes must
// already be sorted by name (call Sort first); Marshal does not sort
// implicitly so callers building incrementally can choose when to pay for
// it.
func Marshal(t Tree) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(t); err != nil {
		return nil, fmt.Errorf("tree: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a tree previously produced by Marshal.
func Unmarshal(data []byte) (Tree, error) {
	var t Tree
	if err := msgpack.Unmarshal(data, &t); err != nil {
		return Tree{}, fmt.Errorf("tree: decode: %w", err)
	}
	return t, nil
}

// ID computes a tree's content id: the hash of its canonical serialisation.
// Nodes must be sorted (see Sort) before calling ID, or two structurally
// identical directories discovered in a different enumeration order would
// disagree on their id.
func ID(t Tree) (ids.ID, []byte, error) {
	data, err := Marshal(t)
	if err != nil {
		return ids.ID{}, nil, err
	}
	return crypto.Hash(data), data, nil
}

// Find returns the node with the given name, or false if absent. Tree.Nodes
// must be sorted; Find uses binary search.
func (t Tree) Find(name string) (Node, bool) {
	i := sort.Search(len(t.Nodes), func(i int) bool { return t.Nodes[i].Name >= name })
	if i < len(t.Nodes) && t.Nodes[i].Name == name {
		return t.Nodes[i], true
	}
	return Node{}, false
}

// TotalSize returns the sum of a file node's chunk lengths.
func (n Node) TotalSize() uint64 {
	var sum uint64
	for _, c := range n.Content {
		sum += c.Length
	}
	return sum
}
