package security

import (
	"context"
	"crypto/x509"
	"errors"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/pmode"
)

// WS-Security and XML-DSig URIs
const (
	AlgorithmExcC14N     = "http://www.w3.org/2001/10/xml-exc-c14n#"
	AlgorithmSHA256      = "http://www.w3.org/2001/04/xmlenc#sha256"
	AlgorithmSwAContent  = "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Content-Signature-Transform"
	ValueTypeX509v3      = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509v3"
	EncodingTypeBase64   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-soap-message-security-1.0#Base64Binary"
	ValueTypeSKI         = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-x509-token-profile-1.0#X509SubjectKeyIdentifier"
	NamespaceWSSE        = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NamespaceWSU         = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NamespaceDS          = "http://www.w3.org/2000/09/xmldsig#"
	NamespaceXENC        = "http://www.w3.org/2001/04/xmlenc#"
	timestampFormat      = "2006-01-02T15:04:05.000Z"
	defaultTimestampSkew = 5
)

var (
	// ErrNoSignature is returned by verifiers when the envelope carries no
	// ds:Signature.
	ErrNoSignature = errors.New("no signature found")
	// ErrNoCertificate is returned when no signing certificate can be
	// located.
	ErrNoCertificate = errors.New("signing certificate not found")
	// ErrAttachmentDigest is returned when a signed attachment does not
	// match its reference digest.
	ErrAttachmentDigest = errors.New("attachment digest mismatch")
	// ErrIncompleteSignature is returned when a required part of the
	// message is not covered by the signature.
	ErrIncompleteSignature = errors.New("signature does not cover required element")
)

// Attachment is a MIME attachment as seen by the crypto layer.
type Attachment struct {
	ContentID   string
	ContentType string
	Data        []byte
}

// VerifyResult carries the outcome of a successful verification.
type VerifyResult struct {
	Certificate *x509.Certificate
	// References are copies of the ds:Reference elements of SignedInfo.
	References []*etree.Element
}

// Signer signs an outgoing envelope. cfg is the leg's signing
// configuration and may be nil.
type Signer interface {
	Sign(envelope []byte, attachments []Attachment, cfg *pmode.SignConfig) ([]byte, error)
}

// Verifier verifies the signature of an inbound envelope.
type Verifier interface {
	Verify(ctx context.Context, envelope []byte, attachments []Attachment) (*VerifyResult, error)
}

// Decryptor decrypts an inbound envelope and its attachments.
type Decryptor interface {
	Decrypt(ctx context.Context, envelope []byte, attachments []Attachment) ([]byte, []Attachment, error)
}
