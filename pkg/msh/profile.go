package msh

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

// Profile is a named set of validation rules and behaviour switches for
// a messaging community.
type Profile struct {
	ID string
	// DispatchPing forwards test service messages to the business
	// processors instead of only acknowledging them.
	DispatchPing bool
	Validator    ProfileValidator
}

// ProfileValidator checks inbound messages against a profile. Every
// method returns the protocol errors found; failures abort processing.
type ProfileValidator interface {
	ValidatePMode(pm *pmode.ProcessingMode, leg int) []*message.ErrorDetail
	ValidateUserMessage(um *message.UserMessage) []*message.ErrorDetail
	ValidateSignalMessage(sm *message.SignalMessage) []*message.ErrorDetail
	ValidateInitiatorIdentity(um *message.UserMessage, cert *x509.Certificate, meta *Metadata) []*message.ErrorDetail
}

// ProfileSelector picks the profile for a message.
type ProfileSelector interface {
	SelectProfile(state *State) (*Profile, bool)
	// ShouldValidate reports whether the selected profile's validator
	// runs at all.
	ShouldValidate() bool
}

// StaticProfileSelector always selects the same profile.
type StaticProfileSelector struct {
	Profile  *Profile
	Validate bool
}

// SelectProfile implements ProfileSelector.
func (s *StaticProfileSelector) SelectProfile(*State) (*Profile, bool) {
	return s.Profile, s.Profile != nil
}

// ShouldValidate implements ProfileSelector.
func (s *StaticProfileSelector) ShouldValidate() bool {
	return s.Validate
}

// IdentityCheck compares the signing certificate with the sending party.
type IdentityCheck func(um *message.UserMessage, cert *x509.Certificate, meta *Metadata) error

// ErrPartyMismatch is returned by CertificatePartyCheck.
var ErrPartyMismatch = errors.New("signing certificate does not match the sending party")

// CertificatePartyCheck requires the common name of the signing
// certificate to equal one of the From PartyId values. Unsigned messages
// pass; whether a signature is required is decided by the PMode.
func CertificatePartyCheck(um *message.UserMessage, cert *x509.Certificate, _ *Metadata) error {
	if cert == nil {
		return nil
	}
	cn := strings.TrimSpace(cert.Subject.CommonName)
	if um.PartyInfo != nil && um.PartyInfo.From != nil {
		for _, id := range um.PartyInfo.From.PartyId {
			if cn != "" && strings.EqualFold(strings.TrimSpace(id.Value), cn) {
				return nil
			}
		}
	}
	return fmt.Errorf("%w: certificate %q", ErrPartyMismatch, cn)
}

// AS4Validator implements the structural checks of the eDelivery AS4
// profile.
type AS4Validator struct {
	// RequireSOAP12 rejects PModes whose leg declares SOAP 1.1.
	RequireSOAP12 bool
	// RequireSigning rejects PModes without a signing configuration.
	RequireSigning bool
	// IdentityCheck, when set, binds the signing certificate to the
	// sending party.
	IdentityCheck IdentityCheck
}

// ValidatePMode implements ProfileValidator.
func (v *AS4Validator) ValidatePMode(pm *pmode.ProcessingMode, leg int) []*message.ErrorDetail {
	if pm == nil {
		return nil
	}
	var errs []*message.ErrorDetail
	mismatch := func(format string, args ...any) {
		errs = append(errs, message.ErrProcessingModeMismatch.Detail("", fmt.Sprintf("PMode %s: ", pm.ID)+fmt.Sprintf(format, args...)))
	}

	switch pm.MEP {
	case pmode.MEPOneWay, pmode.MEPTwoWay:
	default:
		mismatch("unsupported MEP %q", pm.MEP)
	}
	switch pm.MEPBinding {
	case pmode.BindingPush, pmode.BindingPull, pmode.BindingSync, pmode.BindingPushAndPush:
	default:
		mismatch("unsupported MEP binding %q", pm.MEPBinding)
	}

	l := pm.Leg(leg)
	if l == nil {
		mismatch("leg %d is not defined", leg)
		return errs
	}
	if v.RequireSOAP12 && l.SOAPVersion() == message.SOAP11 {
		mismatch("leg %d must use SOAP 1.2", leg)
	}
	sc := l.SignConfig()
	if v.RequireSigning && sc == nil {
		mismatch("leg %d has no signing configuration", leg)
	}
	if sc != nil && sc.Algorithm != "" {
		switch sc.Algorithm {
		case pmode.AlgoRSASHA256, pmode.AlgoRSASHA384, pmode.AlgoRSASHA512, pmode.AlgoECDSASHA256:
		default:
			mismatch("leg %d: unsupported signature algorithm %q", leg, sc.Algorithm)
		}
	}
	return errs
}

// ValidateUserMessage implements ProfileValidator.
func (v *AS4Validator) ValidateUserMessage(um *message.UserMessage) []*message.ErrorDetail {
	var errs []*message.ErrorDetail
	refTo := ""
	if um.MessageInfo != nil {
		refTo = um.MessageInfo.MessageId
	}
	invalid := func(desc string) {
		errs = append(errs, message.ErrInvalidHeader.Detail(refTo, desc))
	}

	if um.PartyInfo == nil || um.PartyInfo.From == nil || um.PartyInfo.To == nil {
		invalid("PartyInfo/From and PartyInfo/To are required")
	} else {
		if um.PartyInfo.From.FirstPartyID() == "" {
			invalid("From/PartyId is missing")
		}
		if um.PartyInfo.To.FirstPartyID() == "" {
			invalid("To/PartyId is missing")
		}
		if um.PartyInfo.From.Role == "" || um.PartyInfo.To.Role == "" {
			invalid("party Role is missing")
		}
	}

	ci := um.CollaborationInfo
	if ci == nil {
		invalid("CollaborationInfo is missing")
		return errs
	}
	if ci.Service.Value == "" {
		invalid("CollaborationInfo/Service is missing")
	}
	if ci.Action == "" {
		invalid("CollaborationInfo/Action is missing")
	}
	if ci.ConversationId == "" {
		invalid("CollaborationInfo/ConversationId is missing")
	}
	return errs
}

// ValidateSignalMessage implements ProfileValidator.
func (v *AS4Validator) ValidateSignalMessage(sm *message.SignalMessage) []*message.ErrorDetail {
	if sm.MessageInfo == nil || sm.MessageInfo.MessageId == "" {
		return []*message.ErrorDetail{message.ErrInvalidHeader.Detail("", "SignalMessage/MessageInfo/MessageId is missing")}
	}
	if sm.Receipt != nil && sm.MessageInfo.RefToMessageId == "" {
		return []*message.ErrorDetail{message.ErrInvalidHeader.Detail(sm.MessageInfo.MessageId, "Receipt without RefToMessageId")}
	}
	return nil
}

// ValidateInitiatorIdentity implements ProfileValidator.
func (v *AS4Validator) ValidateInitiatorIdentity(um *message.UserMessage, cert *x509.Certificate, meta *Metadata) []*message.ErrorDetail {
	if v.IdentityCheck == nil {
		return nil
	}
	if err := v.IdentityCheck(um, cert, meta); err != nil {
		refTo := ""
		if um.MessageInfo != nil {
			refTo = um.MessageInfo.MessageId
		}
		return []*message.ErrorDetail{message.ErrFailedAuthentication.Detail(refTo, err.Error())}
	}
	return nil
}
