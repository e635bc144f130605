// Package pmode implements Processing Mode configuration for AS4

package pmode

import (
	"time"

	"github.com/phax/phase4-sub000/pkg/message"
)

// MEP constants for Message Exchange Patterns
const (
	MEPOneWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	MEPTwoWay = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
)

// MEP binding constants
const (
	BindingPush        = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	BindingPull        = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
	BindingSync        = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/sync"
	BindingPushAndPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push-and-push"
	BindingPushAndPull = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push-and-pull"
	BindingPullAndPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull-and-push"
)

// Signature algorithms
type SignatureAlgorithm string

const (
	AlgoRSASHA256   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	AlgoRSASHA384   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha384"
	AlgoRSASHA512   SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha512"
	AlgoECDSASHA256 SignatureAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// Hash algorithms
type HashAlgorithm string

const (
	HashSHA256 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha256"
	HashSHA384 HashAlgorithm = "http://www.w3.org/2001/04/xmldsig-more#sha384"
	HashSHA512 HashAlgorithm = "http://www.w3.org/2001/04/xmlenc#sha512"
)

// Token reference methods
type TokenReferenceMethod string

const (
	TokenRefBinarySecurityToken TokenReferenceMethod = "BinarySecurityToken"
	TokenRefKeyIdentifier       TokenReferenceMethod = "KeyIdentifier"
	TokenRefIssuerSerial        TokenReferenceMethod = "IssuerSerial"
)

// Receipt reply patterns
const (
	ReplyPatternResponse = "response"
	ReplyPatternCallback = "callback"
)

// ProcessingMode represents an AS4 Processing Mode configuration
type ProcessingMode struct {
	ID         string     `yaml:"id"`
	Agreement  *Agreement `yaml:"agreement,omitempty"`
	MEP        string     `yaml:"mep"`
	MEPBinding string     `yaml:"mep_binding"`
	Initiator  *Party     `yaml:"initiator,omitempty"`
	Responder  *Party     `yaml:"responder,omitempty"`
	Legs       []Leg      `yaml:"legs"`

	ReceptionAwareness *ReceptionAwareness `yaml:"reception_awareness,omitempty"`
}

// Leg represents one leg of a message exchange
type Leg struct {
	Protocol       *Protocol       `yaml:"protocol,omitempty"`
	BusinessInfo   *BusinessInfo   `yaml:"business_info,omitempty"`
	ErrorHandling  *ErrorHandling  `yaml:"error_handling,omitempty"`
	Security       *Security       `yaml:"security,omitempty"`
	PayloadService *PayloadService `yaml:"payload_service,omitempty"`

	// ReplyWithUserMessage allows a synchronous reply User Message on this
	// leg. Only meaningful on leg 2 of a two-way exchange.
	ReplyWithUserMessage bool `yaml:"reply_with_user_message,omitempty"`
}

// Agreement contains agreement reference information
type Agreement struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// Party identifies an initiator or responder.
type Party struct {
	ID   string `yaml:"id"`
	Type string `yaml:"type,omitempty"`
	Role string `yaml:"role,omitempty"`
}

// Protocol contains protocol parameters
type Protocol struct {
	Address     string `yaml:"address,omitempty"`
	SOAPVersion string `yaml:"soap_version,omitempty"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service     string `yaml:"service,omitempty"`
	ServiceType string `yaml:"service_type,omitempty"`
	Action      string `yaml:"action,omitempty"`
	MPC         string `yaml:"mpc,omitempty"`
}

// Security contains security parameters
type Security struct {
	X509        *X509Config  `yaml:"x509,omitempty"`
	SendReceipt *SendReceipt `yaml:"send_receipt,omitempty"`
}

// X509Config contains X.509 certificate-based security settings
type X509Config struct {
	Sign       *SignConfig       `yaml:"sign,omitempty"`
	Encryption *EncryptionConfig `yaml:"encryption,omitempty"`
}

// SignConfig contains signing configuration
type SignConfig struct {
	Algorithm       SignatureAlgorithm   `yaml:"algorithm,omitempty"`
	HashFunction    HashAlgorithm        `yaml:"hash_function,omitempty"`
	TokenReference  TokenReferenceMethod `yaml:"token_reference,omitempty"`
	SignAttachments bool                 `yaml:"sign_attachments,omitempty"`
}

// EncryptionConfig contains encryption configuration
type EncryptionConfig struct {
	Algorithm string `yaml:"algorithm,omitempty"`
}

// SendReceipt contains receipt sending configuration
type SendReceipt struct {
	// ReplyPattern is "response" (default) or "callback"
	ReplyPattern   string `yaml:"reply_pattern,omitempty"`
	ReplyTo        string `yaml:"reply_to,omitempty"`
	NonRepudiation bool   `yaml:"non_repudiation,omitempty"`
}

// ReceptionAwareness contains reliability parameters
type ReceptionAwareness struct {
	DuplicateDetection *DuplicateDetectionConfig `yaml:"duplicate_detection,omitempty"`
}

// DuplicateDetectionConfig contains duplicate detection parameters
type DuplicateDetectionConfig struct {
	Enabled bool          `yaml:"enabled"`
	Window  time.Duration `yaml:"window,omitempty"`
}

// ErrorHandling contains error handling configuration
type ErrorHandling struct {
	Report *ErrorReport `yaml:"report,omitempty"`
}

// ErrorReport configures error reporting. AsResponse defaults to true when
// unset.
type ErrorReport struct {
	AsResponse       *bool  `yaml:"as_response,omitempty"`
	ReceiverErrorsTo string `yaml:"receiver_errors_to,omitempty"`
}

// PayloadService contains payload handling configuration
type PayloadService struct {
	CompressionType string `yaml:"compression_type,omitempty"`
}

// Leg returns leg 1 or 2, or nil when the PMode does not define it.
func (pm *ProcessingMode) Leg(n int) *Leg {
	if pm == nil || n < 1 || n > len(pm.Legs) {
		return nil
	}
	return &pm.Legs[n-1]
}

// IsTwoWay reports whether the PMode uses the two-way MEP.
func (pm *ProcessingMode) IsTwoWay() bool {
	return pm != nil && pm.MEP == MEPTwoWay
}

// IsSynchronousTwoWay reports a two-way exchange bound to a single HTTP
// round trip.
func (pm *ProcessingMode) IsSynchronousTwoWay() bool {
	return pm.IsTwoWay() && pm.MEPBinding == BindingSync
}

// IsPushAndPush reports the asynchronous two-way push binding.
func (pm *ProcessingMode) IsPushAndPush() bool {
	return pm != nil && pm.MEPBinding == BindingPushAndPush
}

// DuplicateDetectionEnabled reports whether duplicates must be suppressed
// for this PMode. Without explicit configuration detection is on.
func (pm *ProcessingMode) DuplicateDetectionEnabled() bool {
	if pm == nil || pm.ReceptionAwareness == nil || pm.ReceptionAwareness.DuplicateDetection == nil {
		return true
	}
	return pm.ReceptionAwareness.DuplicateDetection.Enabled
}

// SOAPVersion returns the SOAP version declared for the leg.
func (l *Leg) SOAPVersion() message.SOAPVersion {
	if l == nil || l.Protocol == nil {
		return message.SOAPUnknown
	}
	return message.ParseSOAPVersion(l.Protocol.SOAPVersion)
}

// ErrorAsResponse reports whether errors are returned on the back channel.
func (l *Leg) ErrorAsResponse() bool {
	if l == nil || l.ErrorHandling == nil || l.ErrorHandling.Report == nil || l.ErrorHandling.Report.AsResponse == nil {
		return true
	}
	return *l.ErrorHandling.Report.AsResponse
}

// ReceiptAsResponse reports whether receipts are returned on the back
// channel.
func (l *Leg) ReceiptAsResponse() bool {
	if l == nil || l.Security == nil || l.Security.SendReceipt == nil {
		return true
	}
	rp := l.Security.SendReceipt.ReplyPattern
	return rp == "" || rp == ReplyPatternResponse
}

// NonRepudiation reports whether receipts carry non-repudiation information.
func (l *Leg) NonRepudiation() bool {
	return l != nil && l.Security != nil && l.Security.SendReceipt != nil && l.Security.SendReceipt.NonRepudiation
}

// SignConfig returns the signing configuration of the leg or nil.
func (l *Leg) SignConfig() *SignConfig {
	if l == nil || l.Security == nil || l.Security.X509 == nil {
		return nil
	}
	return l.Security.X509.Sign
}

// EncryptionConfig returns the encryption configuration of the leg or nil.
func (l *Leg) EncryptionConfig() *EncryptionConfig {
	if l == nil || l.Security == nil || l.Security.X509 == nil {
		return nil
	}
	return l.Security.X509.Encryption
}

// MPC returns the leg's message partition channel, defaulting to the
// ebMS3 default MPC.
func (l *Leg) MPC() string {
	if l == nil || l.BusinessInfo == nil || l.BusinessInfo.MPC == "" {
		return message.DefaultMPC
	}
	return l.BusinessInfo.MPC
}

// BoolPtr is a helper for optional boolean settings.
func BoolPtr(b bool) *bool {
	return &b
}

// DefaultPMode creates a default one-way push P-Mode
func DefaultPMode() *ProcessingMode {
	return &ProcessingMode{
		ID:         "default-pmode",
		MEP:        MEPOneWay,
		MEPBinding: BindingPush,
		Legs: []Leg{{
			Protocol: &Protocol{SOAPVersion: "1.2"},
			Security: &Security{
				SendReceipt: &SendReceipt{ReplyPattern: ReplyPatternResponse},
			},
		}},
		ReceptionAwareness: &ReceptionAwareness{
			DuplicateDetection: &DuplicateDetectionConfig{
				Enabled: true,
				Window:  24 * time.Hour,
			},
		},
	}
}
