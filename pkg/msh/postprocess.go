package msh

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"strings"

	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/message"
)

// PostProcessor runs the message level checks once every header was
// processed successfully.
type PostProcessor struct {
	Selector   ProfileSelector
	Compressor *compression.Compressor
	Logger     *slog.Logger
}

// Process validates the state and prepares payload and attachments for
// dispatch. It returns the first protocol errors found.
func (pp *PostProcessor) Process(ctx context.Context, meta *Metadata, state *State) []*message.ErrorDetail {
	logger := pp.logger().With(slog.String("message_id", state.MessageID))

	if n := countMessages(state.Messaging); n != 1 {
		return []*message.ErrorDetail{message.ErrValueNotRecognized.Detail(state.MessageID,
			fmt.Sprintf("expected exactly one UserMessage, PullRequest, Receipt or Error but found %d", n))}
	}

	um := state.UserMessage()
	if sc := state.Leg().SignConfig(); um != nil && sc != nil {
		if !state.SecurityActions.Has(ActionSign) {
			return []*message.ErrorDetail{message.ErrPolicyNoncompliance.Detail(state.MessageID, "PMode requires a signed message")}
		}
		if sc.SignAttachments {
			if cid := unsignedAttachment(state); cid != "" {
				return []*message.ErrorDetail{message.ErrPolicyNoncompliance.Detail(state.MessageID,
					fmt.Sprintf("attachment %q is not covered by the signature", cid))}
			}
		}
	}
	if um != nil && state.Leg().EncryptionConfig() != nil && !state.SecurityActions.Has(ActionEncrypt) {
		return []*message.ErrorDetail{message.ErrPolicyNoncompliance.Detail(state.MessageID, "PMode requires an encrypted message")}
	}

	if errs := pp.validateProfile(meta, state); len(errs) > 0 {
		return errs
	}

	if um != nil {
		if errs := pp.decompress(state); len(errs) > 0 {
			return errs
		}
		correctMimeTypes(state, um, logger)
	}

	state.Payload = bodyPayload(state.Document())
	state.Ping = um.IsPing()
	return nil
}

func (pp *PostProcessor) validateProfile(meta *Metadata, state *State) []*message.ErrorDetail {
	if pp.Selector == nil {
		return nil
	}
	profile, ok := pp.Selector.SelectProfile(state)
	if !ok || profile == nil {
		return nil
	}
	state.Profile = profile
	state.ProfileID = profile.ID

	v := profile.Validator
	if v == nil || !pp.Selector.ShouldValidate() {
		return nil
	}

	var errs []*message.ErrorDetail
	if state.PMode != nil {
		errs = append(errs, v.ValidatePMode(state.PMode, state.EffectiveLeg)...)
	}
	if um := state.UserMessage(); um != nil {
		errs = append(errs, v.ValidateUserMessage(um)...)
		errs = append(errs, v.ValidateInitiatorIdentity(um, state.Certificate, meta)...)
	} else if sm := state.SignalMessage(); sm != nil {
		errs = append(errs, v.ValidateSignalMessage(sm)...)
	}
	for _, e := range errs {
		if e.RefToMessageID == "" {
			e.RefToMessageID = state.MessageID
		}
	}
	if message.HasFailure(errs) {
		return errs
	}
	return nil
}

func (pp *PostProcessor) decompress(state *State) []*message.ErrorDetail {
	comp := pp.Compressor
	if comp == nil {
		comp = compression.NewCompressor()
	}
	for cid, ct := range state.CompressedAttachments {
		att := state.Attachment(cid)
		if att == nil {
			continue
		}
		data, err := att.Bytes()
		if err == nil {
			data, err = comp.Decompress(ct, data)
		}
		if err != nil {
			pp.logger().Warn("attachment decompression failed",
				slog.String("message_id", state.MessageID),
				slog.String("content_id", cid),
				slog.String("error", err.Error()))
			return []*message.ErrorDetail{message.ErrDecompressionFailure.Detail(state.MessageID,
				fmt.Sprintf("attachment %q could not be decompressed", cid))}
		}
		att.Replace(data)
	}
	return nil
}

// correctMimeTypes applies the MimeType and CharacterSet part properties
// to the attachments. Unparseable values are ignored.
func correctMimeTypes(state *State, um *message.UserMessage, logger *slog.Logger) {
	for cid, meta := range message.ExtractPayloadMetadata(um) {
		att := state.Attachment(cid)
		if att == nil {
			continue
		}
		if meta.MimeType != "" {
			if _, _, err := mime.ParseMediaType(meta.MimeType); err != nil {
				logger.Warn("ignoring invalid MimeType part property",
					slog.String("content_id", cid),
					slog.String("mime_type", meta.MimeType))
			} else {
				att.MimeType = meta.MimeType
			}
		}
		if meta.CharacterSet != "" {
			att.CharacterSet = meta.CharacterSet
		}
	}
}

func countMessages(m *message.Messaging) int {
	if m == nil {
		return 0
	}
	n := len(m.UserMessage)
	for _, sm := range m.SignalMessage {
		if sm.PullRequest != nil {
			n++
		}
		if sm.Receipt != nil {
			n++
		}
		if len(sm.Error) > 0 {
			n++
		}
	}
	return n
}

func (pp *PostProcessor) logger() *slog.Logger {
	if pp.Logger != nil {
		return pp.Logger
	}
	return slog.Default()
}

// unsignedAttachment returns the content id of the first attachment
// without a signature reference.
func unsignedAttachment(state *State) string {
	signed := make(map[string]bool, len(state.SignedReferences))
	for _, ref := range state.SignedReferences {
		if uri := ref.SelectAttrValue("URI", ""); strings.HasPrefix(uri, "cid:") {
			signed[message.NormalizeContentID(uri)] = true
		}
	}
	for _, att := range state.OriginalAttachments {
		if cid := message.NormalizeContentID(att.ContentID); !signed[cid] {
			return cid
		}
	}
	return ""
}
