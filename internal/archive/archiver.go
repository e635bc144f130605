// Package archive stores every received ebMS message in the message
// archive. The Archiver is a business processor and is registered with
// the engine like any application handler.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/internal/storage"
	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/msh"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

// BodyContentID is the content id under which the SOAP body payload is
// archived.
const BodyContentID = "soap-body"

// Archiver implements msh.BusinessProcessor on top of a storage.Store.
type Archiver struct {
	store  storage.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewArchiver creates an archiver writing to store.
func NewArchiver(store storage.Store, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{store: store, logger: logger, now: time.Now}
}

var _ msh.BusinessProcessor = (*Archiver)(nil)

// ProcessUserMessage archives the payloads and the header values of um.
func (a *Archiver) ProcessUserMessage(ctx context.Context, meta *msh.Metadata, _ http.Header, um *message.UserMessage,
	pm *pmode.ProcessingMode, payload *etree.Element, atts []*attachment.Attachment, state *msh.State) (*msh.ProcessorResult, error) {
	msg := a.newMessage(meta, state, pm)
	msg.MPC = um.MPC
	if um.PartyInfo != nil {
		msg.FromParty = partyID(um.PartyInfo.From)
		msg.ToParty = partyID(um.PartyInfo.To)
	}
	if ci := um.CollaborationInfo; ci != nil {
		msg.ConversationID = ci.ConversationId
		msg.Service = ci.Service.Value
		msg.Action = ci.Action
	}
	if um.MessageProperties != nil && len(um.MessageProperties.Property) > 0 {
		msg.Properties = make(map[string]string, len(um.MessageProperties.Property))
		for _, p := range um.MessageProperties.Property {
			msg.Properties[p.Name] = p.Value
		}
	}

	if payload != nil {
		ref, err := a.storeBody(ctx, payload)
		if err != nil {
			return a.failed(state, "storing body payload", err), nil
		}
		msg.Payloads = append(msg.Payloads, *ref)
	}
	for _, att := range atts {
		ref, err := a.storeAttachment(ctx, att, state.CompressedAttachments[att.ContentID])
		if err != nil {
			return a.failed(state, "storing attachment "+att.ContentID, err), nil
		}
		msg.Payloads = append(msg.Payloads, *ref)
	}

	if err := a.create(ctx, msg); err != nil {
		return a.failed(state, "archiving message", err), nil
	}
	return &msh.ProcessorResult{Success: true}, nil
}

// ProcessSignalMessage archives receipts, errors and pull requests. Pull
// requests are not answered.
func (a *Archiver) ProcessSignalMessage(ctx context.Context, meta *msh.Metadata, _ http.Header, sm *message.SignalMessage,
	pm *pmode.ProcessingMode, _ *etree.Element, state *msh.State) (*msh.ProcessorResult, error) {
	msg := a.newMessage(meta, state, pm)
	if sm.PullRequest != nil {
		msg.MPC = sm.PullRequest.MPC
	}
	for _, e := range sm.Error {
		msg.ErrorCodes = append(msg.ErrorCodes, e.ErrorCode)
	}
	if err := a.create(ctx, msg); err != nil {
		return a.failed(state, "archiving signal", err), nil
	}
	return &msh.ProcessorResult{Success: true}, nil
}

// ProcessResponse records the response outcome on the archived message.
func (a *Archiver) ProcessResponse(ctx context.Context, _ *msh.Metadata, state *msh.State, responseMessageID string, _ []byte, available bool) {
	msg, err := a.store.GetMessageByAS4ID(ctx, state.MessageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("looking up archived message", slog.String("message_id", state.MessageID), slog.String("error", err.Error()))
		}
		return
	}

	update := storage.StatusUpdate{Status: storage.StatusNoResponse, At: a.now()}
	switch {
	case available:
		update.Status = storage.StatusResponded
		update.ResponseMessageID = responseMessageID
	case responseMessageID != "":
		update.Status = storage.StatusResponseFailed
		update.ResponseMessageID = responseMessageID
	}
	if err := a.store.UpdateMessageStatus(ctx, msg.ID, update); err != nil {
		a.logger.Warn("updating archived message status",
			slog.String("message_id", state.MessageID),
			slog.String("error", err.Error()))
	}
}

func (a *Archiver) newMessage(meta *msh.Metadata, state *msh.State, pm *pmode.ProcessingMode) *storage.Message {
	msg := &storage.Message{
		IncomingID:     meta.IncomingUniqueID,
		Kind:           state.Kind().String(),
		Status:         storage.StatusReceived,
		AS4MessageID:   state.MessageID,
		RefToMessageID: state.RefToMessageID,
		ProfileID:      state.ProfileID,
		RemoteAddr:     meta.RemoteAddr,
		ReceivedAt:     meta.ReceivedAt,
		SignatureValid: state.SecurityActions.Has(msh.ActionSign) && state.SecurityError == nil,
	}
	if pm != nil {
		msg.PModeID = pm.ID
	}
	if !state.Timestamp.IsZero() {
		sent := state.Timestamp
		msg.SentAt = &sent
	}
	if state.Certificate != nil {
		msg.SignerSubject = state.Certificate.Subject.String()
	}
	return msg
}

func (a *Archiver) create(ctx context.Context, msg *storage.Message) error {
	err := a.store.CreateMessage(ctx, msg)
	if errors.Is(err, storage.ErrDuplicateMessage) {
		a.logger.Info("message already archived", slog.String("message_id", msg.AS4MessageID))
		return nil
	}
	return err
}

func (a *Archiver) storeBody(ctx context.Context, payload *etree.Element) (*storage.PayloadRef, error) {
	doc := etree.NewDocument()
	doc.SetRoot(payload.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, err
	}
	return a.putPayload(ctx, BodyContentID, "application/xml", "", data)
}

func (a *Archiver) storeAttachment(ctx context.Context, att *attachment.Attachment, compression string) (*storage.PayloadRef, error) {
	data, err := att.Bytes()
	if err != nil {
		return nil, err
	}
	return a.putPayload(ctx, att.ContentID, att.MimeType, compression, data)
}

func (a *Archiver) putPayload(ctx context.Context, contentID, mimeType, compression string, data []byte) (*storage.PayloadRef, error) {
	p := &storage.PayloadData{ContentID: contentID, MimeType: mimeType, Data: data}
	id, err := a.store.StorePayload(ctx, p)
	if err != nil {
		return nil, err
	}
	return &storage.PayloadRef{
		ID:          id,
		ContentID:   contentID,
		MimeType:    mimeType,
		Size:        int64(len(data)),
		Compression: compression,
		Checksum:    p.Checksum,
	}, nil
}

func (a *Archiver) failed(state *msh.State, what string, err error) *msh.ProcessorResult {
	a.logger.Error("archive failure",
		slog.String("message_id", state.MessageID),
		slog.String("step", what),
		slog.String("error", err.Error()))
	return &msh.ProcessorResult{Errors: []*message.ErrorDetail{
		message.ErrOther.Detail(state.MessageID, "message could not be stored"),
	}}
}

func partyID(p *message.Party) storage.PartyID {
	if p == nil || len(p.PartyId) == 0 {
		return storage.PartyID{}
	}
	return storage.PartyID{Type: p.PartyId[0].Type, Value: p.FirstPartyID()}
}
