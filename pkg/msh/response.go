package msh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
	"github.com/phax/phase4-sub000/pkg/pmode"
	"github.com/phax/phase4-sub000/pkg/security"
)

// ResponseKind enumerates the response variants.
type ResponseKind int

const (
	ResponseNone ResponseKind = iota
	ResponseReceipt
	ResponseError
	ResponseUserMessage
	ResponsePullReply
)

func (k ResponseKind) String() string {
	switch k {
	case ResponseReceipt:
		return "receipt"
	case ResponseError:
		return "error"
	case ResponseUserMessage:
		return "user_message"
	case ResponsePullReply:
		return "pull_reply"
	}
	return "none"
}

// Response is the decided answer to an inbound message.
type Response interface {
	Kind() ResponseKind
}

// NoResponse means nothing is sent back.
type NoResponse struct{}

// ReceiptResponse acknowledges a user message.
type ReceiptResponse struct {
	MessageID      string
	RefToMessageID string
	NonRepudiation bool
	Sign           *pmode.SignConfig
	SOAPVersion    message.SOAPVersion
}

// ErrorResponse reports protocol errors.
type ErrorResponse struct {
	MessageID      string
	RefToMessageID string
	Errors         []*message.ErrorDetail
	Sign           *pmode.SignConfig
	SOAPVersion    message.SOAPVersion
}

// ReversedUserMessageResponse is the synchronous reply of a two-way
// exchange.
type ReversedUserMessageResponse struct {
	UserMessage *message.UserMessage
	Attachments []*attachment.Attachment
	Sign        *pmode.SignConfig
	SOAPVersion message.SOAPVersion
}

// PullReplyResponse answers a PullRequest with a user message.
type PullReplyResponse struct {
	UserMessage *message.UserMessage
	Attachments []*attachment.Attachment
	Sign        *pmode.SignConfig
	SOAPVersion message.SOAPVersion
}

func (NoResponse) Kind() ResponseKind                  { return ResponseNone }
func (ReceiptResponse) Kind() ResponseKind             { return ResponseReceipt }
func (ErrorResponse) Kind() ResponseKind               { return ResponseError }
func (ReversedUserMessageResponse) Kind() ResponseKind { return ResponseUserMessage }
func (PullReplyResponse) Kind() ResponseKind           { return ResponsePullReply }

// ResponsePayload is a rendered response. It is immutable and may be sent
// repeatedly.
type ResponsePayload struct {
	Kind        ResponseKind
	MessageID   string
	ContentType string
	Body        []byte
	Headers     http.Header
}

// ErrorConsumer receives protocol errors that are not returned to the
// sender.
type ErrorConsumer func(meta *Metadata, state *State, errs []*message.ErrorDetail)

// OutgoingDumper receives a copy of every rendered response.
type OutgoingDumper interface {
	Dump(meta *Metadata, state *State, payload *ResponsePayload) error
}

// ResponseBuilder decides on and renders the response to a message.
type ResponseBuilder struct {
	Signer        security.Signer
	ErrorConsumer ErrorConsumer
	Logger        *slog.Logger
}

// Decide picks the response variant. dr may be nil when dispatch did not
// run.
func (b *ResponseBuilder) Decide(meta *Metadata, state *State, errs []*message.ErrorDetail, dr *DispatchResult) Response {
	kind := state.Kind()

	if kind == message.KindError && state.HeaderProcessingSuccessful {
		return NoResponse{}
	}

	leg := state.Leg()
	if len(errs) > 0 {
		if !leg.ErrorAsResponse() {
			b.logger().Info("errors not returned as response",
				slog.String("message_id", state.MessageID),
				slog.Int("errors", len(errs)))
			if b.ErrorConsumer != nil {
				b.ErrorConsumer(meta, state, errs)
			}
			return NoResponse{}
		}
		return ErrorResponse{
			MessageID:      message.NewMessageID(),
			RefToMessageID: state.MessageID,
			Errors:         errs,
			Sign:           b.signConfig(leg),
			SOAPVersion:    b.soapVersion(state, leg),
		}
	}

	if kind == message.KindReceipt {
		return NoResponse{}
	}

	pm := state.PMode
	if !pm.IsSynchronousTwoWay() {
		if dr != nil && dr.PullReply != nil {
			return PullReplyResponse{
				UserMessage: dr.PullReply,
				Attachments: dr.Attachments,
				Sign:        b.signConfig(leg),
				SOAPVersion: b.soapVersion(state, leg),
			}
		}
		if kind == message.KindUserMessage && leg.ReceiptAsResponse() {
			return ReceiptResponse{
				MessageID:      message.NewMessageID(),
				RefToMessageID: state.MessageID,
				NonRepudiation: leg.NonRepudiation(),
				Sign:           b.signConfig(leg),
				SOAPVersion:    b.soapVersion(state, leg),
			}
		}
		return NoResponse{}
	}

	leg2 := pm.Leg(2)
	um := state.UserMessage()
	if um == nil || leg2 == nil || !leg2.ReplyWithUserMessage {
		return NoResponse{}
	}
	reply := message.Reverse(um)
	if leg2.BusinessInfo != nil {
		if leg2.BusinessInfo.Action != "" && reply.CollaborationInfo != nil {
			reply.CollaborationInfo.Action = leg2.BusinessInfo.Action
		}
		if leg2.BusinessInfo.MPC != "" {
			reply.MPC = leg2.BusinessInfo.MPC
		}
	}
	var atts []*attachment.Attachment
	if dr != nil {
		atts = dr.Attachments
	}
	return ReversedUserMessageResponse{
		UserMessage: reply,
		Attachments: atts,
		Sign:        b.signConfig(leg2),
		SOAPVersion: b.soapVersion(state, leg2),
	}
}

func (b *ResponseBuilder) signConfig(leg *pmode.Leg) *pmode.SignConfig {
	if b.Signer == nil {
		return nil
	}
	return leg.SignConfig()
}

// soapVersion prefers the leg's version over the request's.
func (b *ResponseBuilder) soapVersion(state *State, leg *pmode.Leg) message.SOAPVersion {
	v := leg.SOAPVersion()
	if !v.IsKnown() {
		return state.SOAPVersion
	}
	if state.SOAPVersion.IsKnown() && v != state.SOAPVersion {
		b.logger().Warn("PMode SOAP version differs from request",
			slog.String("message_id", state.MessageID),
			slog.String("pmode_version", v.String()),
			slog.String("request_version", state.SOAPVersion.String()))
	}
	return v
}

// Render serializes resp. It returns nil for NoResponse.
func (b *ResponseBuilder) Render(ctx context.Context, state *State, resp Response) (*ResponsePayload, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		version   message.SOAPVersion
		sign      *pmode.SignConfig
		messageID string
		atts      []*attachment.Attachment
		build     func(messaging *etree.Element)
	)

	switch r := resp.(type) {
	case nil, NoResponse:
		return nil, nil
	case ReceiptResponse:
		version, sign, messageID = r.SOAPVersion, r.Sign, r.MessageID
		build = func(messaging *etree.Element) {
			spec := message.ReceiptSpec{MessageID: r.MessageID, RefToMessageID: r.RefToMessageID}
			if r.NonRepudiation && len(state.SignedReferences) > 0 {
				spec.References = state.SignedReferences
			} else {
				spec.UserMessage = userMessageElement(state.Document())
			}
			message.AppendReceipt(messaging, spec)
		}
	case ErrorResponse:
		version, sign, messageID = r.SOAPVersion, r.Sign, r.MessageID
		build = func(messaging *etree.Element) {
			message.AppendErrorSignal(messaging, r.MessageID, r.RefToMessageID, r.Errors)
		}
	case ReversedUserMessageResponse:
		version, sign, atts = r.SOAPVersion, r.Sign, r.Attachments
		messageID = r.UserMessage.MessageInfo.MessageId
		build = func(messaging *etree.Element) {
			message.AppendUserMessage(messaging, withPartInfo(r.UserMessage, atts))
		}
	case PullReplyResponse:
		version, sign, atts = r.SOAPVersion, r.Sign, r.Attachments
		if r.UserMessage.MessageInfo != nil {
			messageID = r.UserMessage.MessageInfo.MessageId
		}
		build = func(messaging *etree.Element) {
			message.AppendUserMessage(messaging, withPartInfo(r.UserMessage, atts))
		}
	default:
		return nil, fmt.Errorf("unsupported response type %T", resp)
	}

	if !version.IsKnown() {
		version = message.SOAP12
	}
	doc, header, _ := message.NewEnvelope(version)
	build(message.AppendMessaging(header, version))

	envelope, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serializing response: %w", err)
	}

	cryptoAtts, err := cryptoAttachments(atts)
	if err != nil {
		return nil, err
	}

	if sign != nil && b.Signer != nil {
		signed, err := b.Signer.Sign(envelope, cryptoAtts, sign)
		switch {
		case err == nil:
			envelope = signed
		case resp.Kind() == ResponseError:
			b.logger().Warn("failed to sign error response, sending unsigned",
				slog.String("message_id", state.MessageID),
				slog.String("error", err.Error()))
		default:
			return nil, fmt.Errorf("signing %s response: %w", resp.Kind(), err)
		}
	}

	payload := &ResponsePayload{
		Kind:      resp.Kind(),
		MessageID: messageID,
		Headers:   http.Header{},
	}

	if len(atts) == 0 {
		payload.ContentType = version.MimeType() + "; charset=utf-8"
		payload.Body = envelope
		return payload, nil
	}

	parts := make([]as4mime.Payload, 0, len(atts))
	for i, a := range atts {
		parts = append(parts, as4mime.Payload{
			ContentID:    a.ContentID,
			ContentType:  a.MimeType,
			CharacterSet: a.CharacterSet,
			Data:         cryptoAtts[i].Data,
		})
	}
	body, contentType, err := as4mime.Serialize(envelope, version.MimeType(), parts)
	if err != nil {
		return nil, fmt.Errorf("serializing multipart response: %w", err)
	}
	payload.ContentType = contentType
	payload.Body = body
	payload.Headers.Set("MIME-Version", "1.0")
	return payload, nil
}

func (b *ResponseBuilder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// withPartInfo returns a copy of um whose PayloadInfo references atts.
func withPartInfo(um *message.UserMessage, atts []*attachment.Attachment) *message.UserMessage {
	if len(atts) == 0 {
		return um
	}
	out := *um
	out.PayloadInfo = &message.PayloadInfo{}
	for _, a := range atts {
		pi := message.PartInfo{Href: "cid:" + a.ContentID}
		if a.MimeType != "" {
			pi.PartProperties = &message.PartProperties{Property: []message.Property{
				{Name: message.PartPropertyMimeType, Value: a.MimeType},
			}}
		}
		out.PayloadInfo.PartInfo = append(out.PayloadInfo.PartInfo, pi)
	}
	return &out
}

func userMessageElement(doc *etree.Document) *etree.Element {
	if doc == nil {
		return nil
	}
	header := childByLocal(doc.Root(), "Header")
	if header == nil {
		return nil
	}
	for _, h := range header.ChildElements() {
		if message.QNameOf(h) == message.QNameMessaging {
			return childByLocal(h, "UserMessage")
		}
	}
	return nil
}
