// Copyright 2026 The OTA Image Authors
// SPDX-License-Identifier: Apache-2.0

// Package signing implements index.jwt: the detached ES256 signature
// that makes an OTA image archive verifiable end to end.
//
// The signature is a JWT whose x5c header carries the signer's X.509
// certificate chain (end-entity first, then intermediates, never a
// root) and whose image_index claim is a descriptor of the exact
// index.json bytes. Verification is a fixed sequence of checks, each
// with its own sentinel error so that a failed update can be
// attributed precisely: header shape, algorithm, token signature
// under the x5c end-entity key, certificate chain against the local
// CA store, and finally the digest binding between the claim and the
// index bytes in hand.
//
// Trust is anchored in a CA store loaded from a directory of PEM
// certificates. The store must contain at least one self-signed root;
// non-root certificates in the directory act as additional
// intermediates. A verifier without a CA store skips the chain check
// and attests only that the token is internally consistent.
package signing
