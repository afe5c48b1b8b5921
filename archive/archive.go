// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive retains audio segments whose transcription failed,
// so an operator can replay them against a recovered transcriber.
//
// Entries are compressed (zstd or LZ4), encrypted with a per-entry key
// derived from an archive master key, and stored under a keyed BLAKE3
// reference. The master key is itself sealed to the agent's age
// keypair, so the archive directory alone reveals neither audio nor
// which segments are identical.
package archive

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/codec"
	"github.com/voxlink/voxlink/lib/sealed"
	"github.com/voxlink/voxlink/lib/secret"
)

const (
	keyFile   = "archive.key.age"
	entryExt  = ".seg"
	hashBytes = len(Hash{})
)

var (
	// ErrNotFound is returned by Get for an unknown reference.
	ErrNotFound = errors.New("archive entry not found")

	// ErrTampered means an entry failed authentication or its content
	// hash did not match.
	ErrTampered = errors.New("archive entry failed verification")
)

// Entry describes one archived segment.
type Entry struct {
	Ref         string
	Name        string
	Size        int
	Compression Compression
	StoredAt    time.Time
}

// record is the plaintext sealed inside an entry file.
type record struct {
	Name        string      `cbor:"1,keyasint"`
	Size        int         `cbor:"2,keyasint"`
	Compression Compression `cbor:"3,keyasint"`
	StoredAt    int64       `cbor:"4,keyasint"`
	Payload     []byte      `cbor:"5,keyasint"`
}

// Config configures an Archive.
type Config struct {
	Dir         string
	Compression Compression
	Clock       clock.Clock
	Logger      *slog.Logger
}

// Archive is a directory of sealed entries. Safe for concurrent use.
type Archive struct {
	config Config
	key    *secret.Buffer
}

// LoadOrCreateKey reads the sealed master key from dir, generating and
// sealing a new one to keypair on first use.
func LoadOrCreateKey(dir string, keypair *sealed.Keypair) (*secret.Buffer, error) {
	path := filepath.Join(dir, keyFile)
	ciphertext, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		key, err := secret.New(KeySize)
		if err != nil {
			return nil, err
		}
		if _, err := rand.Read(key.Bytes()); err != nil {
			key.Close()
			return nil, fmt.Errorf("generating archive key: %w", err)
		}
		sealedKey, err := sealed.Seal(key.Bytes(), keypair.PublicKey)
		if err != nil {
			key.Close()
			return nil, fmt.Errorf("sealing archive key: %w", err)
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			key.Close()
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
		if err := os.WriteFile(path, sealedKey, 0o600); err != nil {
			key.Close()
			return nil, fmt.Errorf("writing archive key: %w", err)
		}
		return key, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading archive key: %w", err)
	}
	key, err := sealed.Open(ciphertext, keypair)
	if err != nil {
		return nil, fmt.Errorf("unsealing archive key: %w", err)
	}
	if key.Len() != KeySize {
		key.Close()
		return nil, fmt.Errorf("archive key is %d bytes, want %d", key.Len(), KeySize)
	}
	return key, nil
}

// New returns an Archive over config.Dir. The Archive owns key and
// closes it in Close.
func New(config Config, key *secret.Buffer) (*Archive, error) {
	if key.Len() != KeySize {
		return nil, fmt.Errorf("archive key must be %d bytes, got %d", KeySize, key.Len())
	}
	if config.Dir == "" {
		return nil, errors.New("archive directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	return &Archive{config: config, key: key}, nil
}

// Close zeroes the master key.
func (a *Archive) Close() error { return a.key.Close() }

// Put stores data under name. Identical audio is stored once.
func (a *Archive) Put(ctx context.Context, name string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	contentHash := Hash(blake3.Sum256(data))
	ref := reference(a.key, contentHash)
	path := a.path(hex.EncodeToString(ref[:]))
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	payload, used, err := compress(data, a.config.Compression)
	if err != nil {
		return err
	}
	plaintext, err := codec.Marshal(record{
		Name:        name,
		Size:        len(data),
		Compression: used,
		StoredAt:    a.config.Clock.Now().UnixNano(),
		Payload:     payload,
	})
	if err != nil {
		return fmt.Errorf("encoding archive record: %w", err)
	}

	entryKey, err := deriveEntryKey(a.key, contentHash)
	if err != nil {
		return err
	}
	defer entryKey.Close()
	blob, err := seal(plaintext, entryKey, contentHash)
	if err != nil {
		return err
	}

	file := make([]byte, 0, hashBytes+len(blob))
	file = append(file, contentHash[:]...)
	file = append(file, blob...)
	if err := writeAtomic(path, file); err != nil {
		return err
	}
	a.config.Logger.Info("archived segment", "name", name, "bytes", len(data),
		"stored_bytes", len(file), "compression", used.String())
	return nil
}

// Get returns the entry stored under ref and its audio.
func (a *Archive) Get(ref string) (Entry, []byte, error) {
	file, err := os.ReadFile(a.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return Entry{}, nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return Entry{}, nil, fmt.Errorf("reading archive entry: %w", err)
	}
	return a.decode(ref, file)
}

// List returns every entry, oldest first.
func (a *Archive) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(a.config.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	var entries []Entry
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if dirEntry.IsDir() || !strings.HasSuffix(name, entryExt) {
			continue
		}
		entry, _, err := a.Get(strings.TrimSuffix(name, entryExt))
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StoredAt.Before(entries[j].StoredAt) })
	return entries, nil
}

func (a *Archive) decode(ref string, file []byte) (Entry, []byte, error) {
	if len(file) < hashBytes {
		return Entry{}, nil, fmt.Errorf("%w: %s is truncated", ErrTampered, ref)
	}
	var contentHash Hash
	copy(contentHash[:], file[:hashBytes])
	expected := reference(a.key, contentHash)
	if hex.EncodeToString(expected[:]) != ref {
		return Entry{}, nil, fmt.Errorf("%w: %s does not match its content hash", ErrTampered, ref)
	}

	entryKey, err := deriveEntryKey(a.key, contentHash)
	if err != nil {
		return Entry{}, nil, err
	}
	defer entryKey.Close()
	plaintext, err := open(file[hashBytes:], entryKey, contentHash)
	if err != nil {
		return Entry{}, nil, err
	}

	var stored record
	if err := codec.Unmarshal(plaintext, &stored); err != nil {
		return Entry{}, nil, fmt.Errorf("decoding archive record %s: %w", ref, err)
	}
	data, err := decompress(stored.Payload, stored.Compression, stored.Size)
	if err != nil {
		return Entry{}, nil, fmt.Errorf("archive entry %s: %w", ref, err)
	}
	if Hash(blake3.Sum256(data)) != contentHash {
		return Entry{}, nil, fmt.Errorf("%w: %s content hash mismatch", ErrTampered, ref)
	}
	return Entry{
		Ref:         ref,
		Name:        stored.Name,
		Size:        stored.Size,
		Compression: stored.Compression,
		StoredAt:    time.Unix(0, stored.StoredAt).UTC(),
	}, data, nil
}

func (a *Archive) path(ref string) string {
	return filepath.Join(a.config.Dir, ref+entryExt)
}

func writeAtomic(path string, data []byte) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), ".entry-*")
	if err != nil {
		return fmt.Errorf("creating archive entry: %w", err)
	}
	name := temporary.Name()
	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		os.Remove(name)
		return fmt.Errorf("writing archive entry: %w", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("closing archive entry: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("publishing archive entry: %w", err)
	}
	return nil
}
