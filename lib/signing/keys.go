// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// LoadSigningKey loads an EC P-256 private key from a PEM file. Both
// SEC 1 ("EC PRIVATE KEY") and PKCS#8 ("PRIVATE KEY") encodings are
// accepted. Any other key type or curve returns ErrSigningKeyInvalid:
// ES256 is defined over P-256 and nothing else.
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrSigningKeyInvalid, path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: %s contains no PEM block", ErrSigningKeyInvalid, path)
	}

	var key *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrSigningKeyInvalid, path, err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", ErrSigningKeyInvalid, path, err)
		}
		ecKey, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: %s is not an EC key", ErrSigningKeyInvalid, path)
		}
		key = ecKey
	default:
		return nil, fmt.Errorf("%w: %s has PEM type %q", ErrSigningKeyInvalid, path, block.Type)
	}

	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: %s uses curve %s, ES256 requires P-256",
			ErrSigningKeyInvalid, path, key.Curve.Params().Name)
	}
	return key, nil
}

// LoadCertificates parses every CERTIFICATE block in a PEM file, in
// order.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signing: reading %s: %w", path, err)
	}
	certs, err := parsePEMCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("signing: %s: %w", path, err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("signing: %s contains no certificates", path)
	}
	return certs, nil
}

func parsePEMCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for len(data) > 0 {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// encodeCertPEM renders a certificate as a PEM string, the form the
// x5c header carries.
func encodeCertPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

// isSelfSigned reports whether a certificate is its own issuer with a
// valid self-signature, i.e. a root.
func isSelfSigned(cert *x509.Certificate) bool {
	if cert.Subject.String() != cert.Issuer.String() {
		return false
	}
	return cert.CheckSignatureFrom(cert) == nil
}
