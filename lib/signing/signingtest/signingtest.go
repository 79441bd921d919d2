// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package signingtest generates throwaway PKI material for tests: a
// self-signed root, one intermediate, and an end-entity signing key,
// with the root installed in a CA directory ready for
// signing.LoadCADir.
package signingtest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/signing"
)

// PKI is a complete test signing hierarchy.
type PKI struct {
	RootCert         *x509.Certificate
	IntermediateCert *x509.Certificate
	LeafCert         *x509.Certificate
	LeafKey          *ecdsa.PrivateKey

	// CADir contains the root certificate in PEM form.
	CADir string
}

// New generates a root -> intermediate -> leaf chain valid around the
// given reference time and writes the root into a temporary CA
// directory.
func New(t testing.TB, now time.Time) *PKI {
	t.Helper()

	rootKey := newKey(t)
	rootCert := issue(t, "test-root-ca", true, now, rootKey, nil, nil)

	interKey := newKey(t)
	interCert := issue(t, "test-intermediate-ca", true, now, interKey, rootCert, rootKey)

	leafKey := newKey(t)
	leafCert := issue(t, "test-image-signer", false, now, leafKey, interCert, interKey)

	caDir := t.TempDir()
	rootPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootCert.Raw})
	if err := os.WriteFile(filepath.Join(caDir, "root.pem"), rootPEM, 0o644); err != nil {
		t.Fatal(err)
	}

	return &PKI{
		RootCert:         rootCert,
		IntermediateCert: interCert,
		LeafCert:         leafCert,
		LeafKey:          leafKey,
		CADir:            caDir,
	}
}

// Signer returns a signing.Signer over the leaf key and chain.
func (p *PKI) Signer(t testing.TB, clk clock.Clock) *signing.Signer {
	t.Helper()
	signer, err := signing.NewSigner(signing.SignerConfig{
		Key:   p.LeafKey,
		Chain: []*x509.Certificate{p.LeafCert, p.IntermediateCert},
		Clock: clk,
	})
	if err != nil {
		t.Fatalf("signingtest: NewSigner: %v", err)
	}
	return signer
}

// Verifier returns a signing.Verifier anchored at the generated root.
func (p *PKI) Verifier(t testing.TB, clk clock.Clock) *signing.Verifier {
	t.Helper()
	cas, err := signing.LoadCADir(p.CADir)
	if err != nil {
		t.Fatalf("signingtest: LoadCADir: %v", err)
	}
	verifier, err := signing.NewVerifier(signing.VerifierConfig{CAs: cas, Clock: clk})
	if err != nil {
		t.Fatalf("signingtest: NewVerifier: %v", err)
	}
	return verifier
}

// WriteLeafKey writes the leaf key as a SEC 1 PEM file and returns its
// path, for exercising key-loading code paths.
func (p *PKI) WriteLeafKey(t testing.TB) string {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(p.LeafKey)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "signer-key.pem")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteChain writes the leaf and intermediate certificates into one
// PEM file and returns its path.
func (p *PKI) WriteChain(t testing.TB) string {
	t.Helper()
	var buf []byte
	for _, cert := range []*x509.Certificate{p.LeafCert, p.IntermediateCert} {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	}
	path := filepath.Join(t.TempDir(), "signer-chain.pem")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("signingtest: generating key: %v", err)
	}
	return key
}

func issue(t testing.TB, cn string, isCA bool, now time.Time, key *ecdsa.PrivateKey, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatal(err)
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		template.KeyUsage = x509.KeyUsageDigitalSignature
	}

	if parent == nil {
		parent = template
		parentKey = key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, key.Public(), parentKey)
	if err != nil {
		t.Fatalf("signingtest: creating certificate %s: %v", cn, err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert
}
