package msh

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
)

type memDumper struct {
	buf    bytes.Buffer
	closed bool
}

func (m *memDumper) Begin(*Metadata, http.Header) (io.WriteCloser, error) {
	return m, nil
}

func (m *memDumper) Write(p []byte) (int, error) { return m.buf.Write(p) }

func (m *memDumper) Close() error {
	m.closed = true
	return nil
}

type failingDumper struct{}

func (failingDumper) Begin(*Metadata, http.Header) (io.WriteCloser, error) {
	return nil, errors.New("disk full")
}

func TestIntake_PlainSOAP(t *testing.T) {
	env := buildEnvelope(t, message.SOAP12, newTestUserMessage(t))

	d := decodeForTest(t, env, "application/soap+xml; charset=utf-8")
	assert.Equal(t, message.SOAP12, d.SOAPVersion)
	assert.Empty(t, d.Attachments)
	assert.Equal(t, env, d.Raw)
	assert.Equal(t, "Envelope", d.Document.Root().Tag)
}

func TestIntake_SOAP11FromNamespace(t *testing.T) {
	env := buildEnvelope(t, message.SOAP11, newTestUserMessage(t))

	// The namespace wins over a misleading content type.
	d := decodeForTest(t, env, "application/soap+xml")
	assert.Equal(t, message.SOAP11, d.SOAPVersion)
}

func TestIntake_Multipart(t *testing.T) {
	env := buildEnvelope(t, message.SOAP12, newTestUserMessage(t, message.WithPart("doc@test")))
	body, ct := multipartBody(t, env, as4mime.Payload{
		ContentID:    "doc@test",
		ContentType:  "application/xml",
		CharacterSet: "UTF-8",
		Data:         []byte("<doc/>"),
	})

	d := decodeForTest(t, body, ct)
	assert.Equal(t, message.SOAP12, d.SOAPVersion)
	require.Len(t, d.Attachments, 1)
	att := d.Attachments[0]
	assert.Equal(t, "doc@test", att.ContentID)
	assert.Equal(t, "application/xml", att.MimeType)
	assert.Equal(t, "UTF-8", att.CharacterSet)

	data, err := att.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "<doc/>", string(data))
}

func TestIntake_Failures(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		contentType string
		target      error
	}{
		{
			name:        "missing boundary",
			body:        "--x\r\n\r\n<a/>\r\n--x--",
			contentType: "multipart/related; type=\"application/soap+xml\"",
			target:      as4mime.ErrMissingBoundary,
		},
		{
			name:        "not an envelope",
			body:        `<Foo xmlns="urn:x"/>`,
			contentType: "application/soap+xml",
			target:      ErrNotEnvelope,
		},
		{
			name:        "multipart not related",
			body:        "--b\r\nContent-Type: application/soap+xml\r\n\r\n<a/>\r\n--b--",
			contentType: "multipart/form-data; boundary=b",
			target:      ErrUnsupportedMultipart,
		},
		{
			name:        "unknown version",
			body:        `<Envelope xmlns="urn:not-soap"/>`,
			contentType: "application/xml",
			target:      ErrUnknownSOAPVersion,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := &Intake{}
			_, err := in.Decode(context.Background(), NewResponseMetadata(""), strings.NewReader(tt.body), tt.contentType, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Equal(t, KindFormat, KindOf(err))

			var pe *ProcessingError
			require.ErrorAs(t, err, &pe)
			assert.False(t, pe.Retryable)
		})
	}
}

func TestIntake_MalformedXML(t *testing.T) {
	in := &Intake{}
	_, err := in.Decode(context.Background(), NewResponseMetadata(""), strings.NewReader("<S12:Envelope"), "application/soap+xml", nil)
	require.Error(t, err)
	assert.Equal(t, KindFormat, KindOf(err))
}

func TestIntake_DumpsWholeBodyOnError(t *testing.T) {
	dumper := &memDumper{}
	in := &Intake{Dumper: dumper}

	body := "<NotSOAP>" + strings.Repeat("x", 64) + "</NotSOAP>"
	_, err := in.Decode(context.Background(), NewResponseMetadata(""), strings.NewReader(body), "application/soap+xml", nil)
	require.Error(t, err)

	assert.True(t, dumper.closed)
	assert.Equal(t, body, dumper.buf.String())
}

func TestIntake_DumperFailureIsIgnored(t *testing.T) {
	env := buildEnvelope(t, message.SOAP12, newTestUserMessage(t))
	in := &Intake{Dumper: failingDumper{}}

	d, err := in.Decode(context.Background(), NewResponseMetadata(""), bytes.NewReader(env), "application/soap+xml", nil)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
