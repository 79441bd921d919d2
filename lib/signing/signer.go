// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	"github.com/golang-jwt/jwt"

	"github.com/ota-foundation/otaimage/lib/clock"
	"github.com/ota-foundation/otaimage/lib/ocispec"
)

// maxChainDepth bounds the x5c chain length (end-entity plus
// intermediates). Wire constant: verifiers reject longer chains.
const maxChainDepth = 6

// tokenClaims is the claim set of index.jwt: the issue time and a
// descriptor binding the signature to the exact index.json bytes.
type tokenClaims struct {
	IssuedAt   int64              `json:"iat"`
	ImageIndex ocispec.Descriptor `json:"image_index"`
}

// Valid implements jwt.Claims. Temporal and digest checks are done by
// Verifier, not the JWT library.
func (tokenClaims) Valid() error { return nil }

// Signer produces index.jwt tokens.
type Signer struct {
	key   *ecdsa.PrivateKey
	chain []*x509.Certificate
	clock clock.Clock
}

// SignerConfig holds the parameters for creating a Signer.
type SignerConfig struct {
	// Key is the EC P-256 signing key. Required.
	Key *ecdsa.PrivateKey

	// Chain is the signer's certificate chain: the end-entity
	// certificate first, then intermediates toward (but not
	// including) the root. Required, at most maxChainDepth long.
	Chain []*x509.Certificate

	// Clock provides the iat claim. Defaults to the real clock.
	Clock clock.Clock
}

// NewSigner validates the key/chain pairing and returns a Signer. The
// end-entity certificate must certify the signing key, the chain must
// fit the depth limit, and no chain element may be self-signed — roots
// travel in the verifier's CA store, never in the token.
func NewSigner(cfg SignerConfig) (*Signer, error) {
	if cfg.Key == nil {
		return nil, fmt.Errorf("%w: no key provided", ErrSigningKeyInvalid)
	}
	if len(cfg.Chain) == 0 {
		return nil, fmt.Errorf("signing: certificate chain is required")
	}
	if len(cfg.Chain) > maxChainDepth {
		return nil, fmt.Errorf("signing: certificate chain has %d certificates, limit is %d",
			len(cfg.Chain), maxChainDepth)
	}
	for i, cert := range cfg.Chain {
		if isSelfSigned(cert) {
			return nil, fmt.Errorf("signing: chain certificate %d (%s) is self-signed; roots do not belong in x5c",
				i, cert.Subject)
		}
	}

	eePub, ok := cfg.Chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || !eePub.Equal(cfg.Key.Public()) {
		return nil, fmt.Errorf("%w: end-entity certificate does not certify the signing key",
			ErrSigningKeyInvalid)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Signer{key: cfg.Key, chain: cfg.Chain, clock: clk}, nil
}

// Sign produces the index.jwt compact serialization over the given
// index.json bytes. The token's x5c header carries the PEM chain; the
// image_index claim is a fresh descriptor of indexBytes, so any later
// mutation of index.json invalidates the token.
func (s *Signer) Sign(indexBytes []byte) (string, error) {
	claims := tokenClaims{
		IssuedAt:   s.clock.Now().Unix(),
		ImageIndex: ocispec.NewDescriptor(ocispec.MediaTypeImageIndex, indexBytes),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	x5c := make([]string, len(s.chain))
	for i, cert := range s.chain {
		x5c[i] = encodeCertPEM(cert)
	}
	token.Header["x5c"] = x5c

	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("signing: signing index token: %w", err)
	}
	return signed, nil
}
