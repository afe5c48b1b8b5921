// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/voxlink/voxlink/lib/secret"
	"github.com/voxlink/voxlink/transport"
)

// Files in the identity directory.
const (
	identityFile    = "identity.yaml"
	deviceKeyFile   = "device.key"
	deviceCertFile  = "device.crt"
	caCertFile      = "ca.crt"
	identityDirMode = 0o700
)

// Identity is what pairing leaves behind: the agent this device is
// enrolled with and how to reach and wake it.
type Identity struct {
	DeviceID      string `yaml:"device_id"`
	DeviceName    string `yaml:"device_name"`
	Address       string `yaml:"address"`
	ServerName    string `yaml:"server_name"`
	CAFingerprint string `yaml:"ca_fingerprint"`

	// Optional wake settings, filled in by "voxlink wake --save".
	MAC       string `yaml:"mac,omitempty"`
	Broadcast string `yaml:"broadcast,omitempty"`
	StatusURL string `yaml:"status_url,omitempty"`
}

// defaultIdentityDir is $VOXLINK_HOME, else voxlink under the user
// config directory.
func defaultIdentityDir() string {
	if dir := os.Getenv("VOXLINK_HOME"); dir != "" {
		return dir
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return ".voxlink"
	}
	return filepath.Join(base, "voxlink")
}

// serverNameFor is the host part of address, or address itself when it
// has no port.
func serverNameFor(address string) string {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return address
	}
	return host
}

// saveIdentity writes identity, key, and the certificates from a
// pairing into dir.
func saveIdentity(dir string, identity Identity, key *ecdsa.PrivateKey, result *transport.PairResult) error {
	if err := os.MkdirAll(dir, identityDirMode); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("encoding device key: %w", err)
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{deviceKeyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600},
		{deviceCertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: result.Certificate.Raw}), 0o644},
		{caCertFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: result.CACertificate.Raw}), 0o644},
	}
	for _, file := range files {
		if err := os.WriteFile(filepath.Join(dir, file.name), file.data, file.mode); err != nil {
			return fmt.Errorf("writing %s: %w", file.name, err)
		}
	}
	return writeIdentity(dir, identity)
}

func writeIdentity(dir string, identity Identity) error {
	data, err := yaml.Marshal(identity)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, identityFile), data, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	return nil
}

// errNotPaired means the identity directory holds no pairing.
var errNotPaired = errors.New("this device is not paired; run 'voxlink pair' first")

// loadIdentity reads the identity file alone.
func loadIdentity(dir string) (Identity, error) {
	data, err := os.ReadFile(filepath.Join(dir, identityFile))
	if errors.Is(err, fs.ErrNotExist) {
		return Identity{}, errNotPaired
	}
	if err != nil {
		return Identity{}, fmt.Errorf("reading identity: %w", err)
	}
	var identity Identity
	if err := yaml.Unmarshal(data, &identity); err != nil {
		return Identity{}, fmt.Errorf("parsing %s: %w", identityFile, err)
	}
	return identity, nil
}

// loadClientTLS builds the mutual-TLS config for dialing the paired
// agent.
func loadClientTLS(dir string, identity Identity) (*tls.Config, error) {
	keyPEM, err := secret.ReadFile(filepath.Join(dir, deviceKeyFile))
	if err != nil {
		return nil, fmt.Errorf("reading device key: %w", err)
	}
	defer keyPEM.Close()

	certPEM, err := os.ReadFile(filepath.Join(dir, deviceCertFile))
	if err != nil {
		return nil, fmt.Errorf("reading device certificate: %w", err)
	}
	certificate, err := tls.X509KeyPair(certPEM, keyPEM.Bytes())
	if err != nil {
		return nil, fmt.Errorf("loading device key pair: %w", err)
	}

	caPEM, err := os.ReadFile(filepath.Join(dir, caCertFile))
	if err != nil {
		return nil, fmt.Errorf("reading agent CA: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%s holds no certificate", caCertFile)
	}

	serverName := identity.ServerName
	if serverName == "" {
		serverName = serverNameFor(identity.Address)
	}
	return transport.ClientTLSConfig(certificate, roots, serverName), nil
}
