package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tests := []struct {
		name string
		data []byte
		aad  []byte
	}{
		{"empty", nil, nil},
		{"small", []byte("hello world"), nil},
		{"with aad", []byte("tree blob"), []byte("kind=tree")},
		{"large", bytes.Repeat([]byte{0xAB}, 1<<20), []byte("kind=data")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := key.Encrypt(tt.data, tt.aad)
			if err != nil {
				t.Fatalf("Encrypt: %v", err)
			}
			if len(ciphertext) != len(tt.data)+Overhead {
				t.Errorf("ciphertext length = %d, want %d", len(ciphertext), len(tt.data)+Overhead)
			}

			plaintext, err := key.Decrypt(ciphertext, tt.aad)
			if err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if !bytes.Equal(plaintext, tt.data) {
				t.Errorf("round trip mismatch: got %q want %q", plaintext, tt.data)
			}
		})
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := GenerateKey()
	key2, _ := GenerateKey()

	ciphertext, err := key1.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := key2.Decrypt(ciphertext, nil); err == nil {
		t.Error("Decrypt with wrong key should fail")
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, err := key.Encrypt([]byte("secret"), nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := key.Decrypt(tampered, nil); err == nil {
		t.Error("Decrypt of tampered ciphertext should fail")
	}
}

func TestDecryptMismatchedAADFails(t *testing.T) {
	key, _ := GenerateKey()
	ciphertext, err := key.Encrypt([]byte("secret"), []byte("kind=data"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := key.Decrypt(ciphertext, []byte("kind=tree")); err == nil {
		t.Error("Decrypt with mismatched AAD should fail")
	}
}

func TestHashStability(t *testing.T) {
	data := []byte("the quick brown fox")
	h1 := Hash(data)
	h2 := Hash(data)
	if h1 != h2 {
		t.Errorf("Hash is not deterministic: %x != %x", h1, h2)
	}

	h3 := Hash([]byte("the quick brown fox "))
	if h1 == h3 {
		t.Error("different plaintexts hashed to the same id")
	}
}

func TestHashStableUnderEncryptRoundTrip(t *testing.T) {
	key, _ := GenerateKey()
	data := []byte("stable across encrypt/decrypt")

	before := Hash(data)

	ciphertext, err := key.Encrypt(data, nil)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := key.Decrypt(ciphertext, nil)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}

	after := Hash(plaintext)
	if before != after {
		t.Errorf("hash changed across round trip: %x != %x", before, after)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	params := KDFParams{N: 1 << 14, R: 8, P: 1, SaltLen: 16} // small N for test speed
	salt := []byte("0123456789abcdef")

	k1, err := DeriveKey("hunter2", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey("hunter2", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if k1 != k2 {
		t.Error("DeriveKey is not deterministic for the same password/salt")
	}

	k3, err := DeriveKey("wrong-password", salt, params)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if k1 == k3 {
		t.Error("different passwords derived the same key")
	}
}
