package msh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/security"
)

var (
	errNoVerifier  = errors.New("signed message received but no verifier configured")
	errNoDecryptor = errors.New("encrypted message received but no decryptor configured")
)

// SecurityProcessor handles the wsse:Security header. Encrypted content
// is decrypted first; the signature is verified over the result.
type SecurityProcessor struct {
	Verifier  security.Verifier
	Decryptor security.Decryptor
	Logger    *slog.Logger
}

// NewSecurityProcessor creates a WS-Security header processor. Either
// argument may be nil when the corresponding action is never expected.
func NewSecurityProcessor(v security.Verifier, d security.Decryptor, logger *slog.Logger) *SecurityProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &SecurityProcessor{Verifier: v, Decryptor: d, Logger: logger}
}

// QName implements HeaderProcessor.
func (p *SecurityProcessor) QName() message.QName {
	return message.QNameSecurity
}

// Process implements HeaderProcessor.
func (p *SecurityProcessor) Process(ctx context.Context, hc *HeaderContext) ([]*message.ErrorDetail, error) {
	state := hc.State
	sec := hc.Header.Element

	signed := sec.FindElement(".//Signature") != nil
	encrypted := sec.FindElement(".//EncryptedKey") != nil || sec.FindElement(".//ReferenceList") != nil
	if body := childByLocal(hc.Decoded.Document.Root(), "Body"); body != nil && body.FindElement(".//EncryptedData") != nil {
		encrypted = true
	}
	if signed {
		state.SecurityActions |= ActionSign
	}
	if encrypted {
		state.SecurityActions |= ActionEncrypt
	}

	logger := p.Logger.With(slog.String("message_id", state.MessageID))

	raw := hc.Decoded.Raw
	atts, err := cryptoAttachments(state.OriginalAttachments)
	if err != nil {
		return nil, err
	}

	if encrypted {
		if p.Decryptor == nil {
			state.SecurityError = errNoDecryptor
			return []*message.ErrorDetail{message.ErrFailedDecryption.Detail(state.MessageID, errNoDecryptor.Error())}, nil
		}
		plain, plainAtts, err := p.Decryptor.Decrypt(ctx, raw, atts)
		if err != nil {
			logger.Warn("decryption failed", slog.String("error", err.Error()))
			state.SecurityError = err
			return []*message.ErrorDetail{message.ErrFailedDecryption.Detail(state.MessageID, "message could not be decrypted")}, nil
		}
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(plain); err != nil {
			state.SecurityError = err
			return []*message.ErrorDetail{message.ErrFailedDecryption.Detail(state.MessageID, "decrypted document is not well-formed")}, nil
		}
		state.DecryptedDocument = doc
		state.DecryptedAttachments = decryptedAttachments(state.OriginalAttachments, plainAtts)
		state.DecryptingCrypto = p.Decryptor
		raw, atts = plain, plainAtts
	}

	if signed {
		if p.Verifier == nil {
			state.SecurityError = errNoVerifier
			return []*message.ErrorDetail{message.ErrFailedAuthentication.Detail(state.MessageID, errNoVerifier.Error())}, nil
		}
		res, err := p.Verifier.Verify(ctx, raw, atts)
		if err != nil {
			logger.Warn("signature verification failed", slog.String("error", err.Error()))
			state.SecurityError = err
			return []*message.ErrorDetail{message.ErrFailedAuthentication.Detail(state.MessageID, "signature verification failed")}, nil
		}
		state.Certificate = res.Certificate
		state.SignedReferences = res.References
		logger.Debug("signature verified", slog.Int("references", len(res.References)))
	}
	return nil, nil
}

func cryptoAttachments(atts []*attachment.Attachment) ([]security.Attachment, error) {
	out := make([]security.Attachment, 0, len(atts))
	for _, a := range atts {
		data, err := a.Bytes()
		if err != nil {
			return nil, fmt.Errorf("reading attachment %q: %w", a.ContentID, err)
		}
		ct := a.MimeType
		if a.CharacterSet != "" {
			ct += "; charset=" + a.CharacterSet
		}
		out = append(out, security.Attachment{ContentID: a.ContentID, ContentType: ct, Data: data})
	}
	return out, nil
}

// decryptedAttachments keeps the metadata of the originals and replaces
// their content.
func decryptedAttachments(orig []*attachment.Attachment, plain []security.Attachment) []*attachment.Attachment {
	byID := make(map[string]*attachment.Attachment, len(orig))
	for _, a := range orig {
		byID[a.ContentID] = a
	}
	out := make([]*attachment.Attachment, 0, len(plain))
	for _, p := range plain {
		cid := message.NormalizeContentID(p.ContentID)
		na := attachment.NewInMemory(cid, p.ContentType, p.Data)
		if o, ok := byID[cid]; ok {
			na.MimeType = o.MimeType
			na.CharacterSet = o.CharacterSet
			na.CompressionType = o.CompressionType
			na.Headers = o.Headers
		}
		out = append(out, na)
	}
	return out
}
