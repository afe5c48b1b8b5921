// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed encrypts small secrets at rest with age X25519.
//
// The agent seals its CA private key to a host keypair kept in the
// state directory (mode 0600). [LoadOrCreateKeypair] creates that
// keypair on first start; [Seal] and [Open] wrap age encryption with
// results held in [secret.Buffer].
package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"filippo.io/age"

	"github.com/voxlink/voxlink/lib/secret"
)

// Keypair is an age X25519 identity and its recipient string.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// Close releases the private key.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair creates a new X25519 identity.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// LoadOrCreateKeypair reads the identity at path, or generates one and
// writes it with mode 0600 if the file does not exist.
func LoadOrCreateKeypair(path string) (*Keypair, error) {
	privateKey, err := secret.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		keypair, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, keypair.PrivateKey.Bytes(), 0o600); err != nil {
			keypair.Close()
			return nil, fmt.Errorf("writing keypair: %w", err)
		}
		return keypair, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading keypair: %w", err)
	}

	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("parsing keypair %s: %w", path, err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// Seal encrypts plaintext to the given recipients.
func Seal(plaintext []byte, recipientKeys ...string) ([]byte, error) {
	if len(recipientKeys) == 0 {
		return nil, fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipients...)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext with keypair into a protected buffer.
func Open(ciphertext []byte, keypair *Keypair) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(keypair.PrivateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed payload is empty")
	}
	return secret.NewFromBytes(plaintext)
}
