// Copyright 2026 The Voxlink Authors
// SPDX-License-Identifier: Apache-2.0

package pairing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/voxlink/voxlink/lib/clock"
	"github.com/voxlink/voxlink/lib/sealed"
	"github.com/voxlink/voxlink/lib/secret"
	"github.com/voxlink/voxlink/protocol"
)

const (
	caCertificateFile = "ca.crt"
	caKeyFile         = "ca.key.age"

	caValidity = 10 * 365 * 24 * time.Hour

	// backdate absorbs clock skew between agent and device.
	backdate = 5 * time.Minute
)

// CA is the agent's ECDSA P-256 root. The private key is held as
// PKCS#8 DER in a locked buffer and parsed only while signing.
type CA struct {
	certificate *x509.Certificate
	key         *secret.Buffer
	clock       clock.Clock
}

// NewCA generates a fresh root named name.
func NewCA(name string, clk clock.Clock) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating CA key: %w", err)
	}
	now := clk.Now()
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, Organization: []string{"voxlink"}},
		NotBefore:             now.Add(-backdate),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-signing CA: %w", err)
	}
	certificate, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encoding CA key: %w", err)
	}
	buffer, err := secret.NewFromBytes(keyDER)
	if err != nil {
		return nil, fmt.Errorf("protecting CA key: %w", err)
	}
	return &CA{certificate: certificate, key: buffer, clock: clk}, nil
}

// LoadOrCreateCA reads the CA from dir, creating and saving one on
// first start. The key file is age-encrypted to keypair.
func LoadOrCreateCA(dir string, keypair *sealed.Keypair, clk clock.Clock) (*CA, bool, error) {
	certificatePEM, err := os.ReadFile(filepath.Join(dir, caCertificateFile))
	if errors.Is(err, fs.ErrNotExist) {
		ca, err := NewCA("voxlink agent CA", clk)
		if err != nil {
			return nil, false, err
		}
		if err := ca.save(dir, keypair.PublicKey); err != nil {
			ca.Close()
			return nil, false, err
		}
		return ca, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("reading CA certificate: %w", err)
	}

	block, _ := pem.Decode(certificatePEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, false, fmt.Errorf("%s: no CERTIFICATE block", caCertificateFile)
	}
	certificate, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, false, fmt.Errorf("parsing CA certificate: %w", err)
	}

	ciphertext, err := os.ReadFile(filepath.Join(dir, caKeyFile))
	if err != nil {
		return nil, false, fmt.Errorf("reading sealed CA key: %w", err)
	}
	key, err := sealed.Open(ciphertext, keypair)
	if err != nil {
		return nil, false, fmt.Errorf("unsealing CA key: %w", err)
	}
	ca := &CA{certificate: certificate, key: key, clock: clk}

	signer, err := ca.signer()
	if err != nil {
		ca.Close()
		return nil, false, err
	}
	if !signer.PublicKey.Equal(certificate.PublicKey) {
		ca.Close()
		return nil, false, fmt.Errorf("sealed CA key does not match %s", caCertificateFile)
	}
	return ca, false, nil
}

func (ca *CA) save(dir, recipient string) error {
	ciphertext, err := sealed.Seal(ca.key.Bytes(), recipient)
	if err != nil {
		return fmt.Errorf("sealing CA key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, caKeyFile), ciphertext, 0o600); err != nil {
		return fmt.Errorf("writing sealed CA key: %w", err)
	}
	certificatePEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.certificate.Raw})
	if err := os.WriteFile(filepath.Join(dir, caCertificateFile), certificatePEM, 0o644); err != nil {
		return fmt.Errorf("writing CA certificate: %w", err)
	}
	return nil
}

// Close releases the private key.
func (ca *CA) Close() error {
	return ca.key.Close()
}

// Certificate returns the root certificate.
func (ca *CA) Certificate() *x509.Certificate { return ca.certificate }

// Fingerprint is what operators compare when pinning the agent.
func (ca *CA) Fingerprint() string { return protocol.Fingerprint(ca.certificate.Raw) }

// Pool returns a pool containing only this root.
func (ca *CA) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(ca.certificate)
	return pool
}

// IssueServer creates a fresh key and certificate for the listener.
// Names that parse as IP addresses become IP SANs. The chain includes
// the root so pinning clients can find it.
func (ca *CA) IssueServer(names []string, validity time.Duration) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating server key: %w", err)
	}
	template, err := ca.leafTemplate("voxlink-agent", validity)
	if err != nil {
		return tls.Certificate{}, err
	}
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if name != "" {
			template.DNSNames = append(template.DNSNames, name)
		}
	}
	leaf, err := ca.sign(template, &key.PublicKey)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{leaf.Raw, ca.certificate.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// IssueClient certifies a device's public key (PKIX DER).
func (ca *CA) IssueClient(name string, publicKeyDER []byte, validity time.Duration) (*x509.Certificate, error) {
	publicKey, err := parseDeviceKey(publicKeyDER)
	if err != nil {
		return nil, err
	}
	template, err := ca.leafTemplate(name, validity)
	if err != nil {
		return nil, err
	}
	template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	return ca.sign(template, publicKey)
}

// Issued reports whether certificate was signed by this root.
func (ca *CA) Issued(certificate *x509.Certificate) bool {
	return certificate.CheckSignatureFrom(ca.certificate) == nil
}

func (ca *CA) leafTemplate(commonName string, validity time.Duration) (*x509.Certificate, error) {
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := ca.clock.Now()
	notAfter := now.Add(validity)
	if notAfter.After(ca.certificate.NotAfter) {
		notAfter = ca.certificate.NotAfter
	}
	return &x509.Certificate{
		SerialNumber:   serial,
		Subject:        pkix.Name{CommonName: commonName, Organization: []string{"voxlink"}},
		NotBefore:      now.Add(-backdate),
		NotAfter:       notAfter,
		KeyUsage:       x509.KeyUsageDigitalSignature,
		AuthorityKeyId: ca.certificate.SubjectKeyId,
	}, nil
}

func (ca *CA) sign(template *x509.Certificate, publicKey crypto.PublicKey) (*x509.Certificate, error) {
	signer, err := ca.signer()
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.certificate, publicKey, signer)
	if err != nil {
		return nil, fmt.Errorf("signing %q: %w", template.Subject.CommonName, err)
	}
	return x509.ParseCertificate(der)
}

func (ca *CA) signer() (*ecdsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(ca.key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("parsing CA key: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is %T, want ECDSA", parsed)
	}
	return key, nil
}

// parseDeviceKey accepts ECDSA P-256/P-384, Ed25519, and RSA of at
// least 2048 bits.
func parseDeviceKey(der []byte) (crypto.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, protocol.Wrap(protocol.CodeInvalidParameters, "invalid_public_key", err)
	}
	switch key := parsed.(type) {
	case *ecdsa.PublicKey:
		if key.Curve != elliptic.P256() && key.Curve != elliptic.P384() {
			return nil, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_public_key", "unsupported curve %s", key.Curve.Params().Name)
		}
	case ed25519.PublicKey:
	case *rsa.PublicKey:
		if key.N.BitLen() < 2048 {
			return nil, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_public_key", "RSA key of %d bits is too small", key.N.BitLen())
		}
	default:
		return nil, protocol.Errorf(protocol.CodeInvalidParameters, "invalid_public_key", "unsupported key type %T", parsed)
	}
	return parsed, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}
	return serial, nil
}

func subjectKeyID(public *ecdsa.PublicKey) []byte {
	encoded, err := x509.MarshalPKIXPublicKey(public)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(encoded)
	return sum[:20]
}
