// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package snapshotstore implements the snapshot record spec.md §3 and §4.11
// describe: an immutable root record referencing a tree id plus metadata,
// persisted content-addressed under backend.KindSnapshot, together with the
// filter and retention-policy evaluation spec.md §4.11 requires.
//
// The wire shape follows the same plain-numeric-tag msgpack convention
// repository.Config/KeyFile use (no unknown-field preservation machinery;
// missing summary fields decode to their zero value, which is what spec.md
// §9 says existing behaviour tolerates). The persistence idiom (content
// address = hash of the canonical encoding, written once, read by listing
// backend.KindSnapshot) generalizes tree.ID/tree.Marshal to a fourth record
// kind, the same pattern index and pack already use for their own wire
// records.
package snapshotstore

import (
	"bytes"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/crypto"
	"github.com/rustic-rs/rustic/ids"
)

// Summary carries the backup statistics spec.md §3 lists for a Snapshot.
// Fields are all "omitempty": a snapshot written by an older build that
// never populated one of these (spec.md §9's "missing snapshot summary
// fields") decodes it as its zero value rather than failing.
type Summary struct {
	Files      int64         `msgpack:"1,omitempty"`
	Dirs       int64         `msgpack:"2,omitempty"`
	TotalBytes uint64        `msgpack:"3,omitempty"`
	Elapsed    time.Duration `msgpack:"4,omitempty"`
}

// Snapshot is the immutable root record spec.md §3 defines: reachability
// into the repository's blob graph starts here.
type Snapshot struct {
	Hostname string    `msgpack:"1"`
	Paths    []string  `msgpack:"2"`
	Time     time.Time `msgpack:"3"`

	Program     string   `msgpack:"4,omitempty"`
	Label       string   `msgpack:"5,omitempty"`
	Tags        []string `msgpack:"6,omitempty"`
	Description string   `msgpack:"7,omitempty"`

	// Parent is the zero ID when this snapshot has no parent, the same
	// "zero value means absent" convention tree.Node uses for Subtree.
	Parent ids.ID `msgpack:"8,omitempty"`

	DeleteAfter *time.Time `msgpack:"9,omitempty"`
	DeleteNever bool       `msgpack:"10,omitempty"`

	Summary Summary `msgpack:"11,omitempty"`

	RootTree ids.ID `msgpack:"12"`
}

// HasParent reports whether this snapshot records a parent.
func (s Snapshot) HasParent() bool { return !s.Parent.IsNil() }

// HasTag reports whether tag is present in s.Tags.
func (s Snapshot) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Marshal serialises a Snapshot to its canonical wire form.
func Marshal(s Snapshot) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(s); err != nil {
		return nil, fmt.Errorf("snapshotstore: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes a Snapshot previously produced by Marshal.
func Unmarshal(data []byte) (Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshotstore: decode: %w", err)
	}
	return s, nil
}

// ID computes a snapshot's content id: the hash of its canonical
// serialisation, the same identity scheme tree.ID uses for trees.
func ID(s Snapshot) (ids.ID, []byte, error) {
	data, err := Marshal(s)
	if err != nil {
		return ids.ID{}, nil, err
	}
	return crypto.Hash(data), data, nil
}
