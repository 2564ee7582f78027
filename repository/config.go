// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package repository wires together the backend driver, crypto, index, and
// cache into the single handle spec.md §9 says should own all shared state
// ("Global state is confined to the Repository handle, which owns the
// backend driver and the index"). Archiver, restorer, and prune borrow it;
// none of them hold their own copy of the index or backend.
//
// Construction follows the teacher's client.go Dial/Option pattern:
// functional options configure an Open/Init call instead of a multi-field
// public constructor.
package repository

import (
	"bytes"
	"fmt"
	"math"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/rustic-rs/rustic/chunker"
	"github.com/rustic-rs/rustic/crypto"
)

// Config is the repository configuration blob stored at the backend's
// /config path, per spec.md §3 ("config file") and §6.
type Config struct {
	Version int `msgpack:"1"`

	ChunkerPolynomial uint64 `msgpack:"2"`
	ChunkerWindowSize int    `msgpack:"3"`
	ChunkerMinSize    int    `msgpack:"4"`
	ChunkerMaxSize    int    `msgpack:"5"`
	ChunkerMask       uint64 `msgpack:"13"`

	// Data/TreePackTargetSize and PackGrowFactor are per blob-kind target sizes with
	// a grow factor proportional to sqrt(total-bytes-of-that-kind), per
	// spec.md §3.
	DataPackTargetSize int64   `msgpack:"6"`
	TreePackTargetSize int64   `msgpack:"7"`
	PackGrowFactor     float64 `msgpack:"8"`
	PackToleranceBand  float64 `msgpack:"9"` // e.g. 0.1 = +/-10%

	CompressionLevel crypto.CompressionLevel `msgpack:"10"`
	AppendOnly       bool                    `msgpack:"11"`
	ExtraVerify      bool                    `msgpack:"12"`
}

// CurrentVersion is the config schema version this build writes.
const CurrentVersion = 1

// DefaultConfig returns a new repository's configuration, using the
// chunker's default parameters and restic-like pack sizing.
func DefaultConfig() Config {
	p := chunker.DefaultParams()
	return Config{
		Version:            CurrentVersion,
		ChunkerPolynomial:  uint64(p.Pol),
		ChunkerWindowSize:  p.WindowSize,
		ChunkerMinSize:     p.MinSize,
		ChunkerMaxSize:     p.MaxSize,
		ChunkerMask:        p.Mask,
		DataPackTargetSize: 16 << 20,
		TreePackTargetSize: 4 << 20,
		PackGrowFactor:     1.0,
		PackToleranceBand:  0.1,
		CompressionLevel:   crypto.CompressionDefault,
		ExtraVerify:        true,
	}
}

// ChunkerParams reconstructs chunker.Params from the config, so every
// archiver in the repository's lifetime chunks identically (spec.md §4.1:
// "repository-wide parameters persisted in the config").
func (c Config) ChunkerParams() chunker.Params {
	return chunker.Params{
		Pol:        chunker.Pol(c.ChunkerPolynomial),
		WindowSize: c.ChunkerWindowSize,
		Mask:       c.ChunkerMask,
		MinSize:    c.ChunkerMinSize,
		MaxSize:    c.ChunkerMaxSize,
	}
}

// EncodeConfig serialises Config to its canonical wire form.
func EncodeConfig(c Config) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(c); err != nil {
		return nil, fmt.Errorf("repository: encode config: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeConfig parses a config blob previously produced by EncodeConfig.
func DecodeConfig(data []byte) (Config, error) {
	var c Config
	if err := msgpack.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("repository: decode config: %w", err)
	}
	return c, nil
}

// TargetSize returns the grown target size for the given base size, per
// spec.md §3's "grow factor proportional to sqrt(total-bytes-of-that-kind)".
func TargetSize(base int64, growFactor float64, totalBytesOfKind int64) int64 {
	if totalBytesOfKind <= 0 {
		return base
	}
	grown := float64(base) * (1 + growFactor*math.Sqrt(float64(totalBytesOfKind)/float64(base)))
	return int64(grown)
}

// KeyFile holds a repository master key wrapped under a password-derived
// key, per spec.md §3 ("a salt, KDF parameters, the id of the key pair
// used, and the repository master key encrypted under a key derived from a
// user password"). A repository may hold multiple key files; any one
// correct password unlocks it.
type KeyFile struct {
	ID          string           `msgpack:"1"`
	Salt        []byte           `msgpack:"2"`
	KDFParams   crypto.KDFParams `msgpack:"3"`
	WrappedKey  []byte           `msgpack:"4"` // master key encrypted under the password-derived key
	CreatedAt   time.Time        `msgpack:"5"`
	Description string           `msgpack:"6,omitempty"`
}

// EncodeKeyFile serialises a KeyFile to its canonical wire form.
func EncodeKeyFile(k KeyFile) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(k); err != nil {
		return nil, fmt.Errorf("repository: encode key file: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeKeyFile parses a key file blob previously produced by EncodeKeyFile.
func DecodeKeyFile(data []byte) (KeyFile, error) {
	var k KeyFile
	if err := msgpack.Unmarshal(data, &k); err != nil {
		return KeyFile{}, fmt.Errorf("repository: decode key file: %w", err)
	}
	return k, nil
}
