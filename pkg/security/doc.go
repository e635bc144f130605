// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package security implements the WS-Security collaborators of the receiving
MSH.

The engine treats crypto as opaque handles supplied at construction time:

  - Signer signs outgoing Receipts, Errors and User Messages.
  - Verifier checks the signature of an inbound envelope and returns the
    signing certificate together with the signed references, which feed
    non-repudiation receipts.
  - Decryptor undoes WS-Security encryption of the envelope and its
    attachments.

# RSA signatures

RSASigner and RSAVerifier produce and validate X.509 token profile
signatures with RSA-SHA256 (the AS4 default) using exclusive
canonicalization:

	key, cert, err := security.LoadPKCS12("keystore.p12", "secret")
	signer, err := security.NewRSASigner(key, cert)
	signed, err := signer.Sign(envelope, nil, leg.SignConfig())

	verifier := security.NewRSAVerifier(security.NewPKIXValidator(roots))
	res, err := verifier.Verify(ctx, signed, nil)

Verify fails with ErrIncompleteSignature when the signature does not
reference both the SOAP Body and the eb:Messaging header.

# Decryption

X25519Decryptor handles the eDelivery AS4 2.0 encryption scheme: X25519
key agreement with HKDF, AES key wrap and AES-GCM content encryption of
attachments and body content.

	key, err := security.LoadX25519Key("encryption.key")
	decryptor, err := security.NewX25519Decryptor(key, nil)
	envelope, attachments, err := decryptor.Decrypt(ctx, envelope, attachments)

# Trust

CertificateValidator decides whether a signing certificate is acceptable.
PKIXValidator verifies the chain against a root pool; OCSPChecker adds an
online revocation check.
*/
package security
