// Copyright 2025 rustic-rs contributors
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements the three keyed primitives spec.md §4.2
// requires: content hashing, authenticated encryption, and the password KDF
// used to wrap a repository's master key in a key file.
//
// Content hashing follows the teacher's fstree package (blake3.Sum256 over
// plaintext); AEAD has no analogue in the corpus and is built on the
// standard library, justified in DESIGN.md; the KDF is scrypt from
// golang.org/x/crypto.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/scrypt"

	"github.com/rustic-rs/rustic/ids"
)

// KeySize is the size in bytes of the AES-256 master key.
const KeySize = 32

// NonceSize is the size in bytes of the AEAD nonce, per spec.md §4.2
// ("128-bit nonce prepended").
const NonceSize = 16

// TagSize is the size in bytes of the AEAD authentication tag appended to
// the ciphertext, per spec.md §4.2 ("16-byte authentication tag appended").
const TagSize = 16

// Overhead is the number of extra bytes a ciphertext carries over its
// plaintext: NonceSize + TagSize, matching spec.md's
// "ciphertext length = plaintext length + 16 + 16".
const Overhead = NonceSize + TagSize

// ErrIntegrity is returned when decryption fails authentication. Callers
// should wrap this with the blob id to produce the `Integrity` error kind
// from spec.md §7.
var ErrIntegrity = errors.New("crypto: ciphertext failed authentication")

// Key is the 256-bit master key recovered from a key file. It is safe for
// concurrent use: encryption and decryption build a fresh cipher.Block and
// AEAD per call from the same raw key.
type Key struct {
	raw [KeySize]byte
}

// NewKey wraps a raw 32-byte master key.
func NewKey(raw [KeySize]byte) *Key {
	return &Key{raw: raw}
}

// GenerateKey produces a fresh random master key, used by repository
// initialization.
func GenerateKey() (*Key, error) {
	var raw [KeySize]byte
	if _, err := io.ReadFull(rand.Reader, raw[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &Key{raw: raw}, nil
}

// Bytes returns the raw key material (for wrapping into a key file).
func (k *Key) Bytes() [KeySize]byte {
	return k.raw
}

func (k *Key) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.raw[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	// The format uses a 128-bit nonce rather than AES-GCM's default 96-bit
	// nonce, per spec.md §4.2.
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return aead, nil
}

// Encrypt authenticates and encrypts plaintext, returning
// nonce || ciphertext || tag. additionalData, if non-nil, is authenticated
// but not encrypted (used to bind a blob's kind into its ciphertext).
func (k *Key) Encrypt(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := k.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: read nonce: %w", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, additionalData)
	return out, nil
}

// Decrypt verifies and decrypts a ciphertext produced by Encrypt.
func (k *Key) Decrypt(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize+TagSize {
		return nil, fmt.Errorf("crypto: ciphertext too short (%d bytes): %w", len(ciphertext), ErrIntegrity)
	}

	aead, err := k.aead()
	if err != nil {
		return nil, err
	}

	nonce := ciphertext[:NonceSize]
	sealed := ciphertext[NonceSize:]

	plaintext, err := aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, fmt.Errorf("crypto: open: %w: %w", ErrIntegrity, err)
	}
	return plaintext, nil
}

// Hash returns the content id of plaintext: its BLAKE3-256 digest. Identity
// is stable under re-encryption because it is computed before Encrypt is
// ever called — the same contract the teacher's fstree.hashFile /
// blake3.Sum256(treeBytes) calls rely on for deduplication.
func Hash(plaintext []byte) ids.ID {
	return ids.ID(blake3.Sum256(plaintext))
}

// StreamHasher returns a streaming BLAKE3-256 hasher for large inputs
// (chunker output is read incrementally rather than buffered twice).
func StreamHasher() *blake3.Hasher {
	return blake3.New()
}

// KDFParams controls the cost of DeriveKey. Defaults follow restic's
// historical scrypt parameters (N=2^20, r=8, p=1) quoted in spec.md §4.2 as
// "memory-hard function with tunable cost".
type KDFParams struct {
	N, R, P int
	SaltLen int
}

// DefaultKDFParams returns restic-compatible scrypt cost parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{N: 1 << 20, R: 8, P: 1, SaltLen: 64}
}

// DeriveKey derives a wrap key of length KeySize from a password and salt
// using scrypt, the memory-hard KDF spec.md §4.2 calls for. golang.org/x/crypto
// is the one corpus-wide dependency (WebFirstLanguage-beenet's go.mod) that
// ships it.
func DeriveKey(password string, salt []byte, params KDFParams) ([KeySize]byte, error) {
	var out [KeySize]byte
	derived, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, KeySize)
	if err != nil {
		return out, fmt.Errorf("crypto: scrypt: %w", err)
	}
	copy(out[:], derived)
	return out, nil
}

// NewSalt generates a random salt of the given length for a new key file.
func NewSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("crypto: new salt: %w", err)
	}
	return salt, nil
}
