package message

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageIDSuffix is appended to generated message ids.
var MessageIDSuffix = "phase4.receiver"

// NewMessageID generates a unique message id in RFC 2822 msg-id form.
func NewMessageID() string {
	return fmt.Sprintf("%s@%s", uuid.NewString(), MessageIDSuffix)
}

// Timestamp formats t the way ebMS3 MessageInfo expects it.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// UserMessageBuilder helps construct AS4 UserMessages
type UserMessageBuilder struct {
	msg    *UserMessage
	errors []error
}

// Option represents a functional option for UserMessageBuilder
type Option func(*UserMessageBuilder)

// NewUserMessage creates a new UserMessage with the given options
func NewUserMessage(opts ...Option) *UserMessageBuilder {
	builder := &UserMessageBuilder{
		msg: &UserMessage{
			MessageInfo: &MessageInfo{
				Timestamp: Timestamp(time.Now()),
				MessageId: NewMessageID(),
			},
			PartyInfo: &PartyInfo{
				From: &Party{Role: RoleDefault},
				To:   &Party{Role: RoleDefault},
			},
			CollaborationInfo: &CollaborationInfo{
				ConversationId: uuid.NewString(),
			},
		},
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder
}

// WithMessageID overrides the generated message id
func WithMessageID(id string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageInfo.MessageId = id
	}
}

// WithFrom sets the sender party information
func WithFrom(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.From.PartyId = []PartyId{{Type: partyType, Value: partyID}}
	}
}

// WithTo sets the receiver party information
func WithTo(partyID, partyType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.To.PartyId = []PartyId{{Type: partyType, Value: partyID}}
	}
}

// WithFromRole sets the sender role
func WithFromRole(role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.From.Role = role
	}
}

// WithToRole sets the receiver role
func WithToRole(role string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.PartyInfo.To.Role = role
	}
}

// WithService sets the service information
func WithService(service, serviceType string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Service = Service{Value: service, Type: serviceType}
	}
}

// WithAction sets the action
func WithAction(action string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.Action = action
	}
}

// WithConversationID sets a custom conversation ID
func WithConversationID(convID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.ConversationId = convID
	}
}

// WithRefToMessageID sets the RefToMessageId for responses
func WithRefToMessageID(refID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MessageInfo.RefToMessageId = refID
	}
}

// WithAgreementRef sets the agreement reference and the PMode id it names
func WithAgreementRef(agreementRef, pmodeID string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.CollaborationInfo.AgreementRef = &AgreementRef{Value: agreementRef, Pmode: pmodeID}
	}
}

// WithMPC sets the message partition channel
func WithMPC(mpc string) Option {
	return func(b *UserMessageBuilder) {
		b.msg.MPC = mpc
	}
}

// WithMessageProperty adds a message property
func WithMessageProperty(name, value string) Option {
	return func(b *UserMessageBuilder) {
		if b.msg.MessageProperties == nil {
			b.msg.MessageProperties = &MessageProperties{}
		}
		b.msg.MessageProperties.Property = append(b.msg.MessageProperties.Property, Property{
			Name:  name,
			Value: value,
		})
	}
}

// WithPart references an attachment by content id, optionally with
// part properties given as name/value pairs.
func WithPart(contentID string, props ...string) Option {
	return func(b *UserMessageBuilder) {
		if len(props)%2 != 0 {
			b.errors = append(b.errors, fmt.Errorf("part %s: odd number of property arguments", contentID))
			return
		}
		if b.msg.PayloadInfo == nil {
			b.msg.PayloadInfo = &PayloadInfo{}
		}
		pi := PartInfo{Href: "cid:" + contentID}
		for i := 0; i < len(props); i += 2 {
			if pi.PartProperties == nil {
				pi.PartProperties = &PartProperties{}
			}
			pi.PartProperties.Property = append(pi.PartProperties.Property, Property{Name: props[i], Value: props[i+1]})
		}
		b.msg.PayloadInfo.PartInfo = append(b.msg.PayloadInfo.PartInfo, pi)
	}
}

// Build returns the constructed UserMessage
func (b *UserMessageBuilder) Build() (*UserMessage, error) {
	if len(b.errors) > 0 {
		return nil, b.errors[0]
	}

	if len(b.msg.PartyInfo.From.PartyId) == 0 {
		return nil, fmt.Errorf("sender party ID is required")
	}
	if len(b.msg.PartyInfo.To.PartyId) == 0 {
		return nil, fmt.Errorf("receiver party ID is required")
	}
	if b.msg.CollaborationInfo.Service.Value == "" {
		return nil, fmt.Errorf("service is required")
	}
	if b.msg.CollaborationInfo.Action == "" {
		return nil, fmt.Errorf("action is required")
	}

	return b.msg, nil
}

// Reverse creates the reply to um for a synchronous two-way exchange.
//
// From and To are swapped and the reply references um. When both the
// originalSender and finalRecipient properties are present their names are
// exchanged while each keeps its value; every other property is copied as is.
func Reverse(um *UserMessage) *UserMessage {
	out := &UserMessage{
		MPC: um.MPC,
		MessageInfo: &MessageInfo{
			Timestamp: Timestamp(time.Now()),
			MessageId: NewMessageID(),
		},
	}
	if um.MessageInfo != nil {
		out.MessageInfo.RefToMessageId = um.MessageInfo.MessageId
	}
	if um.PartyInfo != nil {
		out.PartyInfo = &PartyInfo{
			From: copyParty(um.PartyInfo.To),
			To:   copyParty(um.PartyInfo.From),
		}
	}
	if um.CollaborationInfo != nil {
		ci := *um.CollaborationInfo
		if ci.AgreementRef != nil {
			ar := *ci.AgreementRef
			ci.AgreementRef = &ar
		}
		out.CollaborationInfo = &ci
	}
	if um.MessageProperties != nil {
		_, hasSender := um.Property(PropertyOriginalSender)
		_, hasRecipient := um.Property(PropertyFinalRecipient)
		swap := hasSender && hasRecipient

		props := make([]Property, 0, len(um.MessageProperties.Property))
		for _, p := range um.MessageProperties.Property {
			if swap {
				switch p.Name {
				case PropertyOriginalSender:
					p.Name = PropertyFinalRecipient
				case PropertyFinalRecipient:
					p.Name = PropertyOriginalSender
				}
			}
			props = append(props, p)
		}
		out.MessageProperties = &MessageProperties{Property: props}
	}
	return out
}

func copyParty(p *Party) *Party {
	if p == nil {
		return nil
	}
	ids := make([]PartyId, len(p.PartyId))
	copy(ids, p.PartyId)
	return &Party{PartyId: ids, Role: p.Role}
}
