// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/voxlink/voxlink/lib/secret"
)

// KeySize is the length of the archive master key and of every key
// derived from it.
const KeySize = 32

// blobVersion prefixes every sealed entry and is authenticated.
const blobVersion byte = 0x01

const blobOverhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var (
	hkdfInfoEntry   = []byte("voxlink.archive.entry.v1")
	referenceDomain = []byte("voxlink.archive.ref.v1")
)

// Hash is a BLAKE3-256 digest of an entry's plaintext audio.
type Hash [32]byte

// deriveEntryKey derives the per-entry key from the master key and the
// content hash. The caller closes the result.
func deriveEntryKey(master *secret.Buffer, contentHash Hash) (*secret.Buffer, error) {
	info := make([]byte, 0, len(hkdfInfoEntry)+len(contentHash))
	info = append(info, hkdfInfoEntry...)
	info = append(info, contentHash[:]...)
	reader := hkdf.New(sha256.New, master.Bytes(), nil, info)
	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, derived); err != nil {
		secret.Zero(derived)
		return nil, fmt.Errorf("deriving entry key: %w", err)
	}
	return secret.NewFromBytes(derived)
}

// reference is the file name an entry is stored under: a keyed hash
// that reveals nothing about the content without the master key.
func reference(master *secret.Buffer, contentHash Hash) Hash {
	hasher, err := blake3.NewKeyed(master.Bytes())
	if err != nil {
		panic("archive: keyed BLAKE3 requires a 32-byte key: " + err.Error())
	}
	hasher.Write(referenceDomain)
	hasher.Write(contentHash[:])
	var result Hash
	copy(result[:], hasher.Sum(nil))
	return result
}

// seal encrypts plaintext with XChaCha20-Poly1305. Layout:
//
//	[version 1][nonce 24][ciphertext+tag]
//
// The version byte and contentHash are bound as associated data.
func seal(plaintext []byte, key *secret.Buffer, contentHash Hash) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	output := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	output[0] = blobVersion
	if _, err := io.ReadFull(rand.Reader, output[1:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	nonce := output[1 : 1+chacha20poly1305.NonceSizeX]
	return aead.Seal(output, nonce, plaintext, associatedData(blobVersion, contentHash)), nil
}

func open(blob []byte, key *secret.Buffer, contentHash Hash) ([]byte, error) {
	if len(blob) < blobOverhead {
		return nil, fmt.Errorf("sealed entry is %d bytes, minimum is %d", len(blob), blobOverhead)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("sealed entry version %d is not supported", blob[0])
	}
	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}
	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, blob[1+chacha20poly1305.NonceSizeX:], associatedData(blob[0], contentHash))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTampered, err)
	}
	return plaintext, nil
}

func associatedData(version byte, contentHash Hash) []byte {
	data := make([]byte, 0, 1+len(contentHash))
	data = append(data, version)
	return append(data, contentHash[:]...)
}
