// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

package signing

import "errors"

// Verification failures. Each stage of Verify has its own sentinel so
// callers (and update logs) can tell a broken download from a forged
// signature from an untrusted signer.
var (
	// ErrMalformedHeader indicates the token is not structurally a
	// JWT, or its header or claims cannot be decoded.
	ErrMalformedHeader = errors.New("signing: malformed token")

	// ErrUnsupportedAlgorithm indicates the token's alg header is not
	// ES256. No other algorithm is accepted, including "none".
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported signing algorithm")

	// ErrChainValidationFailed indicates the x5c certificate chain
	// does not verify against the CA store, exceeds the depth limit,
	// or smuggles a self-signed root.
	ErrChainValidationFailed = errors.New("signing: certificate chain validation failed")

	// ErrSignatureInvalid indicates the token signature does not
	// verify under the end-entity certificate's public key.
	ErrSignatureInvalid = errors.New("signing: signature invalid")

	// ErrIndexDigestMismatch indicates the signed image_index claim
	// does not match the index bytes being verified. The signature is
	// valid but it signs a different index.
	ErrIndexDigestMismatch = errors.New("signing: index digest mismatch")
)

// ErrSigningKeyInvalid indicates a signing key that is missing,
// unparseable, or not an EC P-256 key.
var ErrSigningKeyInvalid = errors.New("signing: invalid signing key")
