// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/opencontainers/go-digest"

	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/ocispec"
)

// Verifier checks index.jwt tokens, optionally anchoring the signing
// chain in a CA store.
type Verifier struct {
	cas   *CAStore
	clock clock.Clock
}

// VerifierConfig holds the parameters for creating a Verifier.
type VerifierConfig struct {
	// CAs is the trust anchor set. When nil, chain validation is
	// skipped: the signature is still checked under the x5c
	// end-entity key, but nothing vouches for that key.
	CAs *CAStore

	// Clock provides the reference time for certificate validity.
	// Defaults to the real clock.
	Clock clock.Clock
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Verifier{cas: cfg.CAs, clock: clk}, nil
}

// VerifiedIndex is the outcome of a successful verification: the
// signed descriptor, when it was signed, and who signed it.
type VerifiedIndex struct {
	IssuedAt  time.Time
	Index     ocispec.Descriptor
	EndEntity *x509.Certificate
}

// tokenHeader is the JOSE header of index.jwt. X5C carries the
// signer's certificate chain as PEM strings, end-entity first.
type tokenHeader struct {
	Algorithm string   `json:"alg"`
	Type      string   `json:"typ"`
	X5C       []string `json:"x5c"`
}

// Verify runs the full verification sequence over a token and the
// index.json bytes it is supposed to sign. The checks run in a fixed
// order and each failure maps to one sentinel error:
//
//  1. token and header structure (ErrMalformedHeader)
//  2. signing algorithm (ErrUnsupportedAlgorithm)
//  3. token signature under the x5c end-entity key (ErrSignatureInvalid)
//  4. certificate chain against the CA store, when one is configured
//     (ErrChainValidationFailed)
//  5. image_index claim against indexBytes (ErrIndexDigestMismatch)
//
// Only a token that passes every step is a statement that indexBytes
// is the authentic, untampered index of the archive.
func (v *Verifier) Verify(token string, indexBytes []byte) (*VerifiedIndex, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: token has %d segments, want 3", ErrMalformedHeader, len(parts))
	}

	headerJSON, err := jwt.DecodeSegment(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding header: %v", ErrMalformedHeader, err)
	}
	var header tokenHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: parsing header: %v", ErrMalformedHeader, err)
	}

	if header.Algorithm != jwt.SigningMethodES256.Alg() {
		return nil, fmt.Errorf("%w: alg is %q, only ES256 is accepted",
			ErrUnsupportedAlgorithm, header.Algorithm)
	}
	if header.Type != "JWT" {
		return nil, fmt.Errorf("%w: typ is %q, want JWT", ErrMalformedHeader, header.Type)
	}
	if len(header.X5C) == 0 {
		return nil, fmt.Errorf("%w: header has no x5c certificate chain", ErrMalformedHeader)
	}

	chain, err := parseChain(header.X5C)
	if err != nil {
		return nil, err
	}
	endEntity := chain[0]

	if err := jwt.SigningMethodES256.Verify(parts[0]+"."+parts[1], parts[2], endEntity.PublicKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	if v.cas != nil {
		if err := v.validateChain(chain); err != nil {
			return nil, err
		}
	}

	claimsJSON, err := jwt.DecodeSegment(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decoding claims: %v", ErrMalformedHeader, err)
	}
	var claims tokenClaims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, fmt.Errorf("%w: parsing claims: %v", ErrMalformedHeader, err)
	}
	if err := claims.ImageIndex.Validate(); err != nil {
		return nil, fmt.Errorf("%w: image_index claim: %v", ErrMalformedHeader, err)
	}

	actual := ocispec.Descriptor{
		MediaType: ocispec.MediaTypeImageIndex,
		Digest:    digest.Canonical.FromBytes(indexBytes),
		Size:      int64(len(indexBytes)),
	}
	if claims.ImageIndex.MediaType != actual.MediaType {
		return nil, fmt.Errorf("%w: signed media type is %q, want %q",
			ErrIndexDigestMismatch, claims.ImageIndex.MediaType, actual.MediaType)
	}
	if !claims.ImageIndex.SameContent(actual) {
		return nil, fmt.Errorf("%w: signed index is %s (%d bytes), archive index is %s (%d bytes)",
			ErrIndexDigestMismatch,
			claims.ImageIndex.Digest, claims.ImageIndex.Size,
			actual.Digest, actual.Size)
	}

	return &VerifiedIndex{
		IssuedAt:  time.Unix(claims.IssuedAt, 0),
		Index:     claims.ImageIndex,
		EndEntity: endEntity,
	}, nil
}

// parseChain decodes the x5c PEM entries. Parse failures are header
// problems, not chain validation failures.
func parseChain(x5c []string) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(x5c))
	for i, pemText := range x5c {
		certs, err := parsePEMCertificates([]byte(pemText))
		if err != nil || len(certs) != 1 {
			return nil, fmt.Errorf("%w: x5c entry %d is not a single PEM certificate",
				ErrMalformedHeader, i)
		}
		chain = append(chain, certs[0])
	}
	return chain, nil
}

// validateChain verifies the parsed chain against the CA store.
func (v *Verifier) validateChain(chain []*x509.Certificate) error {
	if len(chain) > maxChainDepth {
		return fmt.Errorf("%w: chain has %d certificates, limit is %d",
			ErrChainValidationFailed, len(chain), maxChainDepth)
	}

	// A self-signed certificate in x5c would let an attacker carry
	// their own trust anchor inside the token.
	for i, cert := range chain {
		if isSelfSigned(cert) {
			return fmt.Errorf("%w: x5c entry %d (%s) is self-signed",
				ErrChainValidationFailed, i, cert.Subject)
		}
	}

	opts := v.cas.verifyOptions(chain[1:], v.clock.Now())
	if _, err := chain[0].Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrChainValidationFailed, err)
	}
	return nil
}
