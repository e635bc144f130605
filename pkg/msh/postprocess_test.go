package msh

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/compression"
	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

func postProcess(state *State, selector ProfileSelector) []*message.ErrorDetail {
	pp := &PostProcessor{Selector: selector}
	return pp.Process(context.Background(), NewResponseMetadata(""), state)
}

func TestPostProcessor_ExactlyOneMessage(t *testing.T) {
	state := userState(t)
	state.Messaging.SignalMessage = []*message.SignalMessage{{
		MessageInfo: &message.MessageInfo{MessageId: "r@test"},
		Receipt:     &message.Receipt{},
	}}

	errs := postProcess(state, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0001", errs[0].Code.Code)
}

func TestPostProcessor_RequiresSignature(t *testing.T) {
	state := userState(t)
	state.PMode.Legs[0].Security = &pmode.Security{X509: &pmode.X509Config{Sign: &pmode.SignConfig{}}}

	errs := postProcess(state, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0103", errs[0].Code.Code)

	state.SecurityActions |= ActionSign
	assert.Empty(t, postProcess(state, nil))
}

func TestPostProcessor_RequiresSignedAttachments(t *testing.T) {
	state := userState(t, message.WithPart("a@test"))
	state.PMode.Legs[0].Security = &pmode.Security{X509: &pmode.X509Config{Sign: &pmode.SignConfig{SignAttachments: true}}}
	state.SecurityActions |= ActionSign
	state.OriginalAttachments = []*attachment.Attachment{attachment.NewInMemory("a@test", "text/plain", []byte("x"))}

	errs := postProcess(state, nil)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0103", errs[0].Code.Code)
	assert.Contains(t, errs[0].Description, "a@test")

	ref := etree.NewElement("ds:Reference")
	ref.CreateAttr("URI", "cid:a@test")
	state.SignedReferences = []*etree.Element{ref}
	assert.Empty(t, postProcess(state, nil))
}

func TestPostProcessor_Decompress(t *testing.T) {
	zipped, err := compression.NewCompressor().Compress([]byte("hello"))
	require.NoError(t, err)

	state := userState(t, message.WithPart("a@test",
		message.PartPropertyMimeType, "text/plain",
		message.PartPropertyCharset, "UTF-8"))
	att := attachment.NewInMemory("a@test", compression.CompressionTypeGzip, zipped)
	state.OriginalAttachments = []*attachment.Attachment{att}
	state.CompressedAttachments["a@test"] = compression.CompressionTypeGzip

	require.Empty(t, postProcess(state, nil))
	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", att.MimeType)
	assert.Equal(t, "UTF-8", att.CharacterSet)
}

func TestPostProcessor_InvalidMimeTypeIgnored(t *testing.T) {
	state := userState(t, message.WithPart("a@test", message.PartPropertyMimeType, "not a mime type;;"))
	att := attachment.NewInMemory("a@test", "application/octet-stream", []byte("x"))
	state.OriginalAttachments = []*attachment.Attachment{att}

	require.Empty(t, postProcess(state, nil))
	assert.Equal(t, "application/octet-stream", att.MimeType)
}

func TestPostProcessor_Ping(t *testing.T) {
	state := userState(t, message.WithService(message.TestService, ""), message.WithAction(message.TestAction))
	require.Empty(t, postProcess(state, nil))
	assert.True(t, state.Ping)
}

func TestPostProcessor_Profile(t *testing.T) {
	profile := &Profile{ID: "eu-as4", Validator: &AS4Validator{RequireSigning: true}}

	t.Run("validation off", func(t *testing.T) {
		state := userState(t)
		assert.Empty(t, postProcess(state, &StaticProfileSelector{Profile: profile}))
		assert.Equal(t, "eu-as4", state.ProfileID)
		assert.Same(t, profile, state.Profile)
	})

	t.Run("validation on", func(t *testing.T) {
		state := userState(t)
		errs := postProcess(state, &StaticProfileSelector{Profile: profile, Validate: true})
		require.NotEmpty(t, errs)
		assert.Equal(t, "EBMS:0010", errs[0].Code.Code)
		assert.Equal(t, state.MessageID, errs[0].RefToMessageID)
	})
}

func TestAS4Validator(t *testing.T) {
	v := &AS4Validator{RequireSOAP12: true}

	t.Run("pmode", func(t *testing.T) {
		pm := oneWayPMode("p")
		assert.Empty(t, v.ValidatePMode(pm, 1))

		pm.Legs[0].Protocol.SOAPVersion = "1.1"
		assert.Len(t, v.ValidatePMode(pm, 1), 1)

		pm = oneWayPMode("p")
		pm.Legs[0].Security = &pmode.Security{X509: &pmode.X509Config{Sign: &pmode.SignConfig{Algorithm: "urn:md5"}}}
		assert.Len(t, v.ValidatePMode(pm, 1), 1)

		assert.Len(t, v.ValidatePMode(oneWayPMode("p"), 2), 1)
	})

	t.Run("user message", func(t *testing.T) {
		um := newTestUserMessage(t)
		assert.Empty(t, v.ValidateUserMessage(um))

		um.CollaborationInfo.ConversationId = ""
		um.PartyInfo.From.Role = ""
		errs := v.ValidateUserMessage(um)
		assert.Len(t, errs, 2)
		for _, e := range errs {
			assert.Equal(t, "EBMS:0009", e.Code.Code)
		}
	})

	t.Run("signal message", func(t *testing.T) {
		assert.Len(t, v.ValidateSignalMessage(&message.SignalMessage{}), 1)
		assert.Len(t, v.ValidateSignalMessage(&message.SignalMessage{
			MessageInfo: &message.MessageInfo{MessageId: "r@test"},
			Receipt:     &message.Receipt{},
		}), 1)
		assert.Empty(t, v.ValidateSignalMessage(&message.SignalMessage{
			MessageInfo: &message.MessageInfo{MessageId: "r@test", RefToMessageId: "m@test"},
			Receipt:     &message.Receipt{},
		}))
	})

	t.Run("identity", func(t *testing.T) {
		um := newTestUserMessage(t)
		assert.Empty(t, v.ValidateInitiatorIdentity(um, nil, nil))

		strict := &AS4Validator{IdentityCheck: func(um *message.UserMessage, cert *x509.Certificate, _ *Metadata) error {
			if cert == nil {
				return errors.New("no certificate for " + um.PartyInfo.From.FirstPartyID())
			}
			return nil
		}}
		errs := strict.ValidateInitiatorIdentity(um, nil, nil)
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0101", errs[0].Code.Code)
	})

	t.Run("certificate party", func(t *testing.T) {
		_, cert := newTestKey(t)
		check := &AS4Validator{IdentityCheck: CertificatePartyCheck}

		assert.Empty(t, check.ValidateInitiatorIdentity(newTestUserMessage(t), nil, nil), "unsigned messages pass")

		errs := check.ValidateInitiatorIdentity(newTestUserMessage(t), cert, nil)
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0101", errs[0].Code.Code)

		um := newTestUserMessage(t, message.WithFrom("MSH-TEST", ""))
		assert.NoError(t, CertificatePartyCheck(um, cert, nil))
	})
}
