// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CAStore is the local trust anchor set for verification: the root
// certificates an image signer must chain up to, plus any extra
// intermediates distributed alongside them.
type CAStore struct {
	roots         *x509.CertPool
	intermediates []*x509.Certificate
	rootCount     int
}

// LoadCADir loads every PEM certificate file (.pem, .crt, .cert) in a
// directory into a CAStore. Self-signed certificates become trust
// roots; everything else is kept as an intermediate. The directory
// must yield at least one root, otherwise no chain could ever
// validate.
func LoadCADir(dir string) (*CAStore, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("signing: reading CA directory %s: %w", dir, err)
	}

	store := &CAStore{roots: x509.NewCertPool()}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pem", ".crt", ".cert":
		default:
			continue
		}
		certs, err := LoadCertificates(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		for _, cert := range certs {
			if isSelfSigned(cert) {
				store.roots.AddCert(cert)
				store.rootCount++
			} else {
				store.intermediates = append(store.intermediates, cert)
			}
		}
	}

	if store.rootCount == 0 {
		return nil, fmt.Errorf("signing: CA directory %s contains no self-signed root certificate", dir)
	}
	return store, nil
}

// RootCount returns the number of trust roots in the store.
func (s *CAStore) RootCount() int {
	return s.rootCount
}

// verifyOptions builds x509 verification options for one chain: the
// store's roots, plus an intermediate pool combining the token's own
// chain tail with the store's extra intermediates.
func (s *CAStore) verifyOptions(chainIntermediates []*x509.Certificate, now time.Time) x509.VerifyOptions {
	pool := x509.NewCertPool()
	for _, cert := range chainIntermediates {
		pool.AddCert(cert)
	}
	for _, cert := range s.intermediates {
		pool.AddCert(cert)
	}
	return x509.VerifyOptions{
		Roots:         s.roots,
		Intermediates: pool,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
}
