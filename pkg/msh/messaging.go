package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

// MessagingProcessor handles the eb:Messaging header: it parses the
// ebMS3 message, resolves the PMode and records identity data.
type MessagingProcessor struct {
	Resolver pmode.Resolver
	Logger   *slog.Logger
}

// NewMessagingProcessor creates a processor resolving PModes through r.
func NewMessagingProcessor(r pmode.Resolver, logger *slog.Logger) *MessagingProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessagingProcessor{Resolver: r, Logger: logger}
}

// QName implements HeaderProcessor.
func (p *MessagingProcessor) QName() message.QName {
	return message.QNameMessaging
}

// Process implements HeaderProcessor.
func (p *MessagingProcessor) Process(ctx context.Context, hc *HeaderContext) ([]*message.ErrorDetail, error) {
	state := hc.State

	m, err := message.ParseMessaging(hc.Header.Element)
	if err != nil {
		return []*message.ErrorDetail{message.ErrInvalidHeader.Detail("", err.Error())}, nil
	}
	state.Messaging = m

	um := m.FirstUserMessage()
	sm := m.FirstSignalMessage()
	if um == nil && sm == nil {
		// Reported once all headers are processed.
		return nil, nil
	}

	var info *message.MessageInfo
	if um != nil {
		info = um.MessageInfo
	} else {
		info = sm.MessageInfo
	}
	if info == nil || strings.TrimSpace(info.MessageId) == "" {
		return []*message.ErrorDetail{message.ErrInvalidHeader.Detail("", "MessageInfo/MessageId is missing")}, nil
	}
	state.MessageID = strings.TrimSpace(info.MessageId)
	state.RefToMessageID = strings.TrimSpace(info.RefToMessageId)
	state.Timestamp = parseTimestamp(info.Timestamp)

	switch {
	case um != nil:
		return p.processUserMessage(ctx, state, um)
	case sm.PullRequest != nil:
		return p.processPullRequest(ctx, state, sm.PullRequest)
	}
	return nil, nil
}

func (p *MessagingProcessor) processUserMessage(ctx context.Context, state *State, um *message.UserMessage) ([]*message.ErrorDetail, error) {
	var from, to string
	if um.PartyInfo != nil {
		from = um.PartyInfo.From.FirstPartyID()
		to = um.PartyInfo.To.FirstPartyID()
	}
	key := pmode.Key{Initiator: from, Responder: to}
	if ci := um.CollaborationInfo; ci != nil {
		key.Service = ci.Service.Value
		key.Action = ci.Action
		if ci.AgreementRef != nil {
			key.Agreement = ci.AgreementRef.Value
			key.PModeID = ci.AgreementRef.Pmode
		}
	}

	pm, err := p.resolve(ctx, key)
	swapped := false
	if errors.Is(err, pmode.ErrPModeNotFound) && state.RefToMessageID != "" {
		// A reply travels from the responder to the initiator.
		key.Initiator, key.Responder = key.Responder, key.Initiator
		pm, err = p.resolve(ctx, key)
		swapped = err == nil
	}
	if errors.Is(err, pmode.ErrPModeNotFound) {
		p.Logger.Info("no PMode for user message",
			slog.String("message_id", state.MessageID),
			slog.String("service", key.Service),
			slog.String("action", key.Action))
		return []*message.ErrorDetail{message.ErrProcessingModeMismatch.Detail(state.MessageID, "no matching PMode found")}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving PMode: %w", err)
	}

	state.PMode = pm
	state.EffectiveLeg = 1
	if pm.IsTwoWay() && state.RefToMessageID != "" && pm.Leg(2) != nil {
		state.EffectiveLeg = 2
	}
	state.InitiatorID, state.ResponderID = from, to
	if swapped || state.EffectiveLeg == 2 {
		state.InitiatorID, state.ResponderID = to, from
	}
	state.Ping = um.IsPing()

	leg := state.Leg()
	mpc := um.MPC
	if mpc == "" {
		mpc = message.DefaultMPC
	}
	if leg.MPC() != mpc {
		return []*message.ErrorDetail{message.ErrProcessingModeMismatch.Detail(state.MessageID,
			fmt.Sprintf("MPC %q does not match PMode %q", mpc, pm.ID))}, nil
	}

	for cid, meta := range message.ExtractPayloadMetadata(um) {
		if meta.IsBodyPayload() {
			continue
		}
		att := state.Attachment(cid)
		if att == nil {
			return []*message.ErrorDetail{message.ErrExternalPayloadError.Detail(state.MessageID,
				fmt.Sprintf("no attachment for PartInfo %q", meta.Href))}, nil
		}
		if meta.CompressionType == "" {
			continue
		}
		if !compression.Supports(meta.CompressionType) {
			return []*message.ErrorDetail{message.ErrDecompressionFailure.Detail(state.MessageID,
				fmt.Sprintf("unsupported compression type %q", meta.CompressionType))}, nil
		}
		state.CompressedAttachments[cid] = meta.CompressionType
		att.CompressionType = meta.CompressionType
	}
	return nil, nil
}

func (p *MessagingProcessor) processPullRequest(ctx context.Context, state *State, pr *message.PullRequest) ([]*message.ErrorDetail, error) {
	mpc := pr.MPC
	if mpc == "" {
		mpc = message.DefaultMPC
	}

	pm, err := p.resolve(ctx, pmode.Key{MPC: mpc})
	if errors.Is(err, pmode.ErrPModeNotFound) {
		return []*message.ErrorDetail{message.ErrProcessingModeMismatch.Detail(state.MessageID,
			fmt.Sprintf("no PMode for MPC %q", mpc))}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving PMode for MPC: %w", err)
	}

	state.PMode = pm
	state.EffectiveLeg = 1
	if leg2 := pm.Leg(2); leg2 != nil && leg2.MPC() == mpc {
		state.EffectiveLeg = 2
	}
	if pm.Initiator != nil {
		state.InitiatorID = pm.Initiator.ID
	}
	if pm.Responder != nil {
		state.ResponderID = pm.Responder.ID
	}
	return nil, nil
}

func (p *MessagingProcessor) resolve(ctx context.Context, key pmode.Key) (*pmode.ProcessingMode, error) {
	if p.Resolver == nil {
		return nil, pmode.ErrPModeNotFound
	}
	return p.Resolver.Resolve(ctx, key)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
