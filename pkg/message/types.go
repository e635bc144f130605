// Package message provides AS4 message structure and ebMS3 headers implementation.
package message

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// Namespace constants for AS4/ebMS3
const (
	NsSOAP11  = "http://schemas.xmlsoap.org/soap/envelope/"
	NsSOAP12  = "http://www.w3.org/2003/05/soap-envelope"
	NsEbMS    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/"
	NsEbbp    = "http://docs.oasis-open.org/ebxml-bp/ebbp-signals-2.0"
	NsWSSE    = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	NsWSSE11  = "http://docs.oasis-open.org/wss/oasis-wss-wssecurity-secext-1.1.xsd"
	NsWSU     = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	NsDS      = "http://www.w3.org/2000/09/xmldsig#"
	NsXENC    = "http://www.w3.org/2001/04/xmlenc#"
	NsXENC11  = "http://www.w3.org/2009/xmlenc11#"
	NsDSMore  = "http://www.w3.org/2021/04/xmldsig-more#"
	NsDS11    = "http://www.w3.org/2009/xmldsig11#"
	NsSOAPEnv = NsSOAP12
)

// Test Service constants
const (
	TestService = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"
	TestAction  = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test"
)

// Default party roles
const (
	RoleInitiator = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/initiator"
	RoleResponder = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/responder"
	RoleDefault   = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultRole"
	DefaultMPC    = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/defaultMPC"
)

// Well known message and part property names
const (
	PropertyOriginalSender  = "originalSender"
	PropertyFinalRecipient  = "finalRecipient"
	PartPropertyMimeType    = "MimeType"
	PartPropertyCompression = "CompressionType"
	PartPropertyCharset     = "CharacterSet"
)

// QName identifies an XML element by namespace URI and local name.
type QName struct {
	Space string
	Local string
}

func (q QName) String() string {
	if q.Space == "" {
		return q.Local
	}
	return "{" + q.Space + "}" + q.Local
}

// QNameOf returns the resolved qualified name of an element.
func QNameOf(e *etree.Element) QName {
	return QName{Space: e.NamespaceURI(), Local: e.Tag}
}

// Header QNames consumed by the built-in header processors.
var (
	QNameMessaging = QName{Space: NsEbMS, Local: "Messaging"}
	QNameSecurity  = QName{Space: NsWSSE, Local: "Security"}
)

// Messaging is the eb:Messaging SOAP header block.
//
// Tags use local names only so decoding does not depend on prefix
// declarations of the surrounding envelope.
type Messaging struct {
	XMLName       xml.Name         `xml:"Messaging"`
	ID            string           `xml:"Id,attr,omitempty"`
	UserMessage   []*UserMessage   `xml:"UserMessage"`
	SignalMessage []*SignalMessage `xml:"SignalMessage"`
}

// UserMessage represents an ebMS3 UserMessage
type UserMessage struct {
	MPC               string             `xml:"mpc,attr,omitempty"`
	MessageInfo       *MessageInfo       `xml:"MessageInfo"`
	PartyInfo         *PartyInfo         `xml:"PartyInfo"`
	CollaborationInfo *CollaborationInfo `xml:"CollaborationInfo"`
	MessageProperties *MessageProperties `xml:"MessageProperties,omitempty"`
	PayloadInfo       *PayloadInfo       `xml:"PayloadInfo,omitempty"`
}

// MessageInfo contains message metadata. Timestamp is kept as text; senders
// disagree on fractional seconds and zone suffixes.
type MessageInfo struct {
	Timestamp      string `xml:"Timestamp"`
	MessageId      string `xml:"MessageId"`
	RefToMessageId string `xml:"RefToMessageId,omitempty"`
}

// PartyInfo contains sender and receiver information
type PartyInfo struct {
	From *Party `xml:"From"`
	To   *Party `xml:"To"`
}

// Party represents a messaging party
type Party struct {
	PartyId []PartyId `xml:"PartyId"`
	Role    string    `xml:"Role"`
}

// PartyId represents a party identifier with type
type PartyId struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// CollaborationInfo contains service and action information
type CollaborationInfo struct {
	AgreementRef   *AgreementRef `xml:"AgreementRef,omitempty"`
	Service        Service       `xml:"Service"`
	Action         string        `xml:"Action"`
	ConversationId string        `xml:"ConversationId"`
}

// AgreementRef references a business agreement
type AgreementRef struct {
	Type  string `xml:"type,attr,omitempty"`
	Pmode string `xml:"pmode,attr,omitempty"`
	Value string `xml:",chardata"`
}

// Service identifies the service
type Service struct {
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// MessageProperties contains custom message properties
type MessageProperties struct {
	Property []Property `xml:"Property"`
}

// Property represents a message property
type Property struct {
	Name  string `xml:"name,attr"`
	Type  string `xml:"type,attr,omitempty"`
	Value string `xml:",chardata"`
}

// PayloadInfo contains references to payload parts
type PayloadInfo struct {
	PartInfo []PartInfo `xml:"PartInfo"`
}

// PartInfo describes a payload part
type PartInfo struct {
	Href           string          `xml:"href,attr,omitempty"`
	PartProperties *PartProperties `xml:"PartProperties,omitempty"`
}

// PartProperties contains properties for a payload part
type PartProperties struct {
	Property []Property `xml:"Property"`
}

// SignalMessage represents an ebMS3 SignalMessage (PullRequest, Receipt or Error)
type SignalMessage struct {
	MessageInfo *MessageInfo `xml:"MessageInfo"`
	PullRequest *PullRequest `xml:"PullRequest,omitempty"`
	Receipt     *Receipt     `xml:"Receipt,omitempty"`
	Error       []Error      `xml:"Error,omitempty"`
}

// PullRequest asks the responder for a message from an MPC.
type PullRequest struct {
	MPC string `xml:"mpc,attr,omitempty"`
}

// Receipt represents a receipt acknowledgment
type Receipt struct {
	Any []byte `xml:",innerxml"`
}

// Error represents an ebMS3 error
type Error struct {
	ErrorCode           string `xml:"errorCode,attr"`
	Severity            string `xml:"severity,attr"`
	ShortDescription    string `xml:"shortDescription,attr,omitempty"`
	Category            string `xml:"category,attr,omitempty"`
	Origin              string `xml:"origin,attr,omitempty"`
	RefToMessageInError string `xml:"refToMessageInError,attr,omitempty"`
	Description         string `xml:"Description,omitempty"`
	ErrorDetail         string `xml:"ErrorDetail,omitempty"`
}

// ParseMessaging decodes an eb:Messaging element.
func ParseMessaging(elem *etree.Element) (*Messaging, error) {
	if elem == nil {
		return nil, fmt.Errorf("messaging element is nil")
	}
	doc := etree.NewDocument()
	doc.SetRoot(elem.Copy())
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing messaging header: %w", err)
	}

	var m Messaging
	dec := xml.NewDecoder(bytes.NewReader(raw))
	// Prefixes declared on the envelope are gone after detaching.
	dec.Strict = false
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decoding messaging header: %w", err)
	}
	return &m, nil
}

// FirstUserMessage returns the first UserMessage or nil.
func (m *Messaging) FirstUserMessage() *UserMessage {
	if m == nil || len(m.UserMessage) == 0 {
		return nil
	}
	return m.UserMessage[0]
}

// FirstSignalMessage returns the first SignalMessage or nil.
func (m *Messaging) FirstSignalMessage() *SignalMessage {
	if m == nil || len(m.SignalMessage) == 0 {
		return nil
	}
	return m.SignalMessage[0]
}

// MessageID returns the id of the first contained message, if any.
func (m *Messaging) MessageID() string {
	if um := m.FirstUserMessage(); um != nil && um.MessageInfo != nil {
		return um.MessageInfo.MessageId
	}
	if sm := m.FirstSignalMessage(); sm != nil && sm.MessageInfo != nil {
		return sm.MessageInfo.MessageId
	}
	return ""
}

// IsPing reports whether the user message targets the ebMS3 test service.
func (um *UserMessage) IsPing() bool {
	if um == nil || um.CollaborationInfo == nil {
		return false
	}
	return um.CollaborationInfo.Service.Value == TestService &&
		um.CollaborationInfo.Action == TestAction
}

// Property returns the named message property.
func (um *UserMessage) Property(name string) (Property, bool) {
	if um == nil || um.MessageProperties == nil {
		return Property{}, false
	}
	for _, p := range um.MessageProperties.Property {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// FirstPartyID returns the first party id value of the party.
func (p *Party) FirstPartyID() string {
	if p == nil || len(p.PartyId) == 0 {
		return ""
	}
	return strings.TrimSpace(p.PartyId[0].Value)
}

// Kind reports which of the four ebMS3 message kinds the signal carries.
func (sm *SignalMessage) Kind() Kind {
	switch {
	case sm == nil:
		return KindNone
	case sm.PullRequest != nil:
		return KindPullRequest
	case sm.Receipt != nil:
		return KindReceipt
	case len(sm.Error) > 0:
		return KindError
	}
	return KindNone
}

// Kind enumerates the top level ebMS3 message kinds.
type Kind int

const (
	KindNone Kind = iota
	KindUserMessage
	KindPullRequest
	KindReceipt
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindUserMessage:
		return "user_message"
	case KindPullRequest:
		return "pull_request"
	case KindReceipt:
		return "receipt"
	case KindError:
		return "error"
	}
	return "none"
}
