package msh

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

type funcProcessor struct {
	qn message.QName
	fn func(hc *HeaderContext) ([]*message.ErrorDetail, error)
}

func (f *funcProcessor) QName() message.QName { return f.qn }

func (f *funcProcessor) Process(_ context.Context, hc *HeaderContext) ([]*message.ErrorDetail, error) {
	return f.fn(hc)
}

func envelopeWithHeader(t *testing.T, v message.SOAPVersion, mustUnderstand string) []byte {
	t.Helper()
	doc, header, body := message.NewEnvelope(v)
	ext := header.CreateElement("x:Extra")
	ext.CreateAttr("xmlns:x", "urn:extra")
	if mustUnderstand != "" {
		ext.CreateAttr(v.Prefix()+":mustUnderstand", mustUnderstand)
	}
	body.CreateElement("Ping")
	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out
}

var extraQName = message.QName{Space: "urn:extra", Local: "Extra"}

func TestPipeline_MustUnderstand(t *testing.T) {
	tests := []struct {
		name    string
		version message.SOAPVersion
		value   string
		fails   bool
	}{
		{"soap12 true", message.SOAP12, "true", true},
		{"soap11 one", message.SOAP11, "1", true},
		{"soap12 false", message.SOAP12, "false", false},
		{"absent", message.SOAP12, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := decodeForTest(t, envelopeWithHeader(t, tt.version, tt.value), tt.version.MimeType())
			state, errs, err := NewPipeline().Process(context.Background(), d, NewResponseMetadata(""))
			assert.Empty(t, errs)
			if tt.fails {
				require.Error(t, err)
				assert.Equal(t, KindMustUnderstand, KindOf(err))
				assert.ErrorIs(t, err, ErrNotUnderstood)
				assert.False(t, state.IsSoapHeaderElementProcessingSuccessful())
				return
			}
			require.NoError(t, err)
			assert.True(t, state.IsSoapHeaderElementProcessingSuccessful())
		})
	}
}

func TestPipeline_ProcessedHeaderSatisfiesMustUnderstand(t *testing.T) {
	d := decodeForTest(t, envelopeWithHeader(t, message.SOAP12, "true"), "application/soap+xml")
	called := 0
	p := NewPipeline(&funcProcessor{qn: extraQName, fn: func(hc *HeaderContext) ([]*message.ErrorDetail, error) {
		called++
		assert.True(t, hc.Header.MustUnderstand)
		return nil, nil
	}})

	state, errs, err := p.Process(context.Background(), d, NewResponseMetadata(""))
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.Equal(t, 1, called)
	assert.True(t, state.HeaderProcessingSuccessful)
}

func TestPipeline_FirstFailureStops(t *testing.T) {
	d := decodeForTest(t, envelopeWithHeader(t, message.SOAP12, ""), "application/soap+xml")
	var order []string
	first := &funcProcessor{qn: extraQName, fn: func(*HeaderContext) ([]*message.ErrorDetail, error) {
		order = append(order, "first")
		return []*message.ErrorDetail{message.ErrInvalidHeader.Detail("", "broken")}, nil
	}}
	second := &funcProcessor{qn: extraQName, fn: func(*HeaderContext) ([]*message.ErrorDetail, error) {
		order = append(order, "second")
		return nil, nil
	}}

	_, errs, err := NewPipeline(first, second).Process(context.Background(), d, NewResponseMetadata(""))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0009", errs[0].Code.Code)
	assert.Equal(t, []string{"first"}, order)
}

func TestPipeline_PanicBecomesOtherError(t *testing.T) {
	d := decodeForTest(t, envelopeWithHeader(t, message.SOAP12, "true"), "application/soap+xml")
	boom := &funcProcessor{qn: extraQName, fn: func(*HeaderContext) ([]*message.ErrorDetail, error) {
		panic("boom")
	}}

	state, errs, err := NewPipeline(boom).Process(context.Background(), d, NewResponseMetadata(""))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, message.ErrOther, errs[0].Code)
	assert.Contains(t, errs[0].Description, "boom")
	assert.False(t, state.HeaderProcessingSuccessful)
}

func TestPipeline_GoErrorBecomesOtherError(t *testing.T) {
	d := decodeForTest(t, envelopeWithHeader(t, message.SOAP12, ""), "application/soap+xml")
	failing := &funcProcessor{qn: extraQName, fn: func(*HeaderContext) ([]*message.ErrorDetail, error) {
		return nil, errors.New("backend down")
	}}

	_, errs, err := NewPipeline(failing).Process(context.Background(), d, NewResponseMetadata(""))
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, "EBMS:0004", errs[0].Code.Code)
}

func TestPipeline_MissingHeader(t *testing.T) {
	raw := []byte(`<S12:Envelope xmlns:S12="http://www.w3.org/2003/05/soap-envelope"><S12:Body/></S12:Envelope>`)
	d := decodeForTest(t, raw, "application/soap+xml")

	_, _, err := NewPipeline().Process(context.Background(), d, NewResponseMetadata(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingHeader)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestMessagingProcessor(t *testing.T) {
	resolver := pmode.NewManager(oneWayPMode("one-way"), syncTwoWayPMode("two-way"))
	processor := NewMessagingProcessor(resolver, nil)

	run := func(t *testing.T, env []byte, contentType string) (*State, []*message.ErrorDetail) {
		t.Helper()
		d := decodeForTest(t, env, contentType)
		state, errs, err := NewPipeline(processor).Process(context.Background(), d, NewResponseMetadata(""))
		require.NoError(t, err)
		return state, errs
	}

	t.Run("resolves pmode and parties", func(t *testing.T) {
		um := newTestUserMessage(t, message.WithAgreementRef("agreement", "one-way"))
		state, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Empty(t, errs)
		assert.Equal(t, "one-way", state.PMode.ID)
		assert.Equal(t, 1, state.EffectiveLeg)
		assert.Equal(t, "sender", state.InitiatorID)
		assert.Equal(t, "receiver", state.ResponderID)
		assert.Equal(t, um.MessageInfo.MessageId, state.MessageID)
		assert.False(t, state.Timestamp.IsZero())
		assert.False(t, state.Ping)
	})

	t.Run("reply uses leg two", func(t *testing.T) {
		um := newTestUserMessage(t,
			message.WithAgreementRef("agreement", "two-way"),
			message.WithRefToMessageID("original@test"))
		state, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Empty(t, errs)
		assert.Equal(t, 2, state.EffectiveLeg)
		assert.Equal(t, "receiver", state.InitiatorID)
	})

	t.Run("unknown pmode", func(t *testing.T) {
		um := newTestUserMessage(t, message.WithAgreementRef("agreement", "missing"))
		_, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0010", errs[0].Code.Code)
	})

	t.Run("mpc mismatch", func(t *testing.T) {
		um := newTestUserMessage(t, message.WithAgreementRef("", "one-way"), message.WithMPC("urn:other-mpc"))
		_, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0010", errs[0].Code.Code)
	})

	t.Run("missing attachment", func(t *testing.T) {
		um := newTestUserMessage(t, message.WithAgreementRef("", "one-way"), message.WithPart("missing@test"))
		_, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0011", errs[0].Code.Code)
	})

	t.Run("missing message id", func(t *testing.T) {
		um := newTestUserMessage(t, message.WithMessageID(""))
		_, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0009", errs[0].Code.Code)
	})

	t.Run("compressed attachment recorded", func(t *testing.T) {
		um := newTestUserMessage(t,
			message.WithAgreementRef("", "one-way"),
			message.WithPart("z@test", message.PartPropertyCompression, "application/gzip"))
		body, ct := multipartBody(t, buildEnvelope(t, message.SOAP12, um), as4mime.Payload{
			ContentID: "z@test", ContentType: "application/gzip", Data: []byte{0x1f, 0x8b},
		})
		state, errs := run(t, body, ct)
		require.Empty(t, errs)
		assert.Equal(t, map[string]string{"z@test": "application/gzip"}, state.CompressedAttachments)
	})

	t.Run("ping", func(t *testing.T) {
		um := newTestUserMessage(t,
			message.WithAgreementRef("", "one-way"),
			message.WithService(message.TestService, ""),
			message.WithAction(message.TestAction))
		state, errs := run(t, buildEnvelope(t, message.SOAP12, um), "application/soap+xml")
		require.Empty(t, errs)
		assert.True(t, state.Ping)
	})
}
