// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a certificate by the lowercase hex SHA-256 of
// its DER encoding.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lowercases a fingerprint and strips the colons
// and spaces operators paste from other tools.
func NormalizeFingerprint(fingerprint string) string {
	replacer := strings.NewReplacer(":", "", " ", "")
	return strings.ToLower(replacer.Replace(fingerprint))
}
