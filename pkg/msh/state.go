package msh

import (
	"crypto/x509"
	"time"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
	"github.com/phax/phase4-sub000/pkg/security"
)

// SecurityActions records which WS-Security operations were applied to
// an inbound message.
type SecurityActions uint8

const (
	ActionSign SecurityActions = 1 << iota
	ActionEncrypt
)

// Has reports whether all actions in a are set.
func (s SecurityActions) Has(a SecurityActions) bool {
	return s&a == a
}

// State is the typed processing state of one inbound message. It is
// owned by the goroutine handling the request.
//
// Unless IsSoapHeaderElementProcessingSuccessful reports true only PMode,
// Payload and Certificate may be relied on.
type State struct {
	SOAPVersion message.SOAPVersion

	OriginalDocument     *etree.Document
	DecryptedDocument    *etree.Document
	OriginalAttachments  []*attachment.Attachment
	DecryptedAttachments []*attachment.Attachment
	// CompressedAttachments maps content ids to their compression type.
	CompressedAttachments map[string]string

	PMode        *pmode.ProcessingMode
	EffectiveLeg int
	InitiatorID  string
	ResponderID  string

	Certificate      *x509.Certificate
	SignedReferences []*etree.Element
	SecurityActions  SecurityActions
	SecurityError    error

	ProfileID string
	Profile   *Profile

	Messaging      *message.Messaging
	MessageID      string
	RefToMessageID string
	Timestamp      time.Time
	Ping           bool

	// Payload is the first child of the (decrypted) SOAP Body.
	Payload *etree.Element

	HeaderProcessingSuccessful bool

	SigningCrypto    security.Signer
	DecryptingCrypto security.Decryptor
}

func newState(d *Decoded) *State {
	return &State{
		SOAPVersion:           d.SOAPVersion,
		OriginalDocument:      d.Document,
		OriginalAttachments:   d.Attachments,
		CompressedAttachments: map[string]string{},
	}
}

// Document returns the decrypted document when present, else the
// original one.
func (s *State) Document() *etree.Document {
	if s.DecryptedDocument != nil {
		return s.DecryptedDocument
	}
	return s.OriginalDocument
}

// Attachments returns the decrypted attachments when present, else the
// original ones.
func (s *State) Attachments() []*attachment.Attachment {
	if s.DecryptedAttachments != nil {
		return s.DecryptedAttachments
	}
	return s.OriginalAttachments
}

// Attachment looks up an attachment by content id.
func (s *State) Attachment(contentID string) *attachment.Attachment {
	cid := message.NormalizeContentID(contentID)
	for _, a := range s.Attachments() {
		if a.ContentID == cid {
			return a
		}
	}
	return nil
}

// Leg returns the effective leg of the resolved PMode.
func (s *State) Leg() *pmode.Leg {
	return s.PMode.Leg(s.EffectiveLeg)
}

// IsSoapHeaderElementProcessingSuccessful reports whether every header
// processor succeeded.
func (s *State) IsSoapHeaderElementProcessingSuccessful() bool {
	return s.HeaderProcessingSuccessful
}

// UserMessage returns the first user message of the parsed header.
func (s *State) UserMessage() *message.UserMessage {
	return s.Messaging.FirstUserMessage()
}

// SignalMessage returns the first signal message of the parsed header.
func (s *State) SignalMessage() *message.SignalMessage {
	return s.Messaging.FirstSignalMessage()
}

// Kind returns the kind of the contained message.
func (s *State) Kind() message.Kind {
	if s.UserMessage() != nil {
		return message.KindUserMessage
	}
	return s.SignalMessage().Kind()
}
