package msh

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
	"github.com/phax/phase4-sub000/pkg/pmode"
	"github.com/phax/phase4-sub000/pkg/security"
)

const (
	testService = "urn:test:service"
	testAction  = "Deliver"
)

func oneWayPMode(id string) *pmode.ProcessingMode {
	return &pmode.ProcessingMode{
		ID:         id,
		MEP:        pmode.MEPOneWay,
		MEPBinding: pmode.BindingPush,
		Legs: []pmode.Leg{{
			Protocol:     &pmode.Protocol{SOAPVersion: "1.2"},
			BusinessInfo: &pmode.BusinessInfo{Service: testService, Action: testAction},
		}},
	}
}

func syncTwoWayPMode(id string) *pmode.ProcessingMode {
	return &pmode.ProcessingMode{
		ID:         id,
		MEP:        pmode.MEPTwoWay,
		MEPBinding: pmode.BindingSync,
		Legs: []pmode.Leg{
			{
				Protocol:     &pmode.Protocol{SOAPVersion: "1.2"},
				BusinessInfo: &pmode.BusinessInfo{Service: testService, Action: testAction},
			},
			{
				Protocol:             &pmode.Protocol{SOAPVersion: "1.2"},
				BusinessInfo:         &pmode.BusinessInfo{Service: testService, Action: "Reply"},
				ReplyWithUserMessage: true,
			},
		},
	}
}

func pushAndPushPMode(id, address string) *pmode.ProcessingMode {
	return &pmode.ProcessingMode{
		ID:         id,
		MEP:        pmode.MEPTwoWay,
		MEPBinding: pmode.BindingPushAndPush,
		Legs: []pmode.Leg{
			{
				Protocol:     &pmode.Protocol{SOAPVersion: "1.2"},
				BusinessInfo: &pmode.BusinessInfo{Service: testService, Action: testAction},
			},
			{
				Protocol: &pmode.Protocol{SOAPVersion: "1.2", Address: address},
			},
		},
	}
}

func newTestUserMessage(t *testing.T, opts ...message.Option) *message.UserMessage {
	t.Helper()
	base := []message.Option{
		message.WithFrom("sender", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		message.WithTo("receiver", "urn:oasis:names:tc:ebcore:partyid-type:unregistered"),
		message.WithService(testService, ""),
		message.WithAction(testAction),
	}
	um, err := message.NewUserMessage(append(base, opts...)...).Build()
	require.NoError(t, err)
	return um
}

// buildEnvelope renders a user message with a small body payload.
func buildEnvelope(t *testing.T, v message.SOAPVersion, um *message.UserMessage) []byte {
	t.Helper()
	doc, header, body := message.NewEnvelope(v)
	message.AppendUserMessage(message.AppendMessaging(header, v), um)
	p := body.CreateElement("p:Invoice")
	p.CreateAttr("xmlns:p", "urn:test:invoice")
	p.SetText("42")
	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out
}

func buildSignalEnvelope(t *testing.T, v message.SOAPVersion, build func(messaging *etree.Element)) []byte {
	t.Helper()
	doc, header, _ := message.NewEnvelope(v)
	build(message.AppendMessaging(header, v))
	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out
}

func multipartBody(t *testing.T, envelope []byte, payloads ...as4mime.Payload) ([]byte, string) {
	t.Helper()
	body, ct, err := as4mime.Serialize(envelope, message.SOAP12.MimeType(), payloads)
	require.NoError(t, err)
	return body, ct
}

// encryptPayloadForTest encrypts p for the recipient and adds the
// EncryptedKey and EncryptedData to a wsse:Security header of envelope.
func encryptPayloadForTest(t *testing.T, envelope []byte, p as4mime.Payload, recipient *ecdh.PublicKey) ([]byte, as4mime.Payload) {
	t.Helper()
	cek := make([]byte, 16)
	_, err := rand.Read(cek)
	require.NoError(t, err)

	ka, err := xmlenc.NewX25519KeyAgreement(recipient, xmlenc.DefaultHKDFParams(security.DefaultHKDFInfo))
	require.NoError(t, err)
	ek, err := ka.WrapKey(cek, xmlenc.KeyWrapAlgorithmForContentAlgorithm(xmlenc.AlgorithmAES128GCM))
	require.NoError(t, err)
	ek.ID = "EK-1"
	ek.ReferenceList = []xmlenc.DataReference{{URI: "#ED-1"}}

	ct, err := xmlenc.AESGCMEncrypt(cek, p.Data, nil)
	require.NoError(t, err)
	ed := &xmlenc.EncryptedData{EncryptedType: xmlenc.EncryptedType{
		ID:               "ED-1",
		Type:             xmlenc.TypeContent,
		MimeType:         p.ContentType,
		EncryptionMethod: &xmlenc.EncryptionMethod{Algorithm: xmlenc.AlgorithmAES128GCM},
		CipherData: &xmlenc.CipherData{CipherReference: &xmlenc.CipherReference{
			URI: "cid:" + p.ContentID,
		}},
	}}

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(envelope))
	header := doc.FindElement("//Header")
	require.NotNil(t, header)
	sec := header.CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", security.NamespaceWSSE)
	sec.AddChild(ek.ToElement())
	sec.AddChild(ed.ToElement())

	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out, as4mime.Payload{ContentID: p.ContentID, ContentType: "application/octet-stream", Data: ct}
}

func newTestKey(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(7),
		Subject:               pkix.Name{CommonName: "msh-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return key, cert
}

func newTestSigner(t *testing.T) *security.RSASigner {
	t.Helper()
	key, cert := newTestKey(t)
	signer, err := security.NewRSASigner(key, cert)
	require.NoError(t, err)
	return signer
}

func decodeForTest(t *testing.T, body []byte, contentType string) *Decoded {
	t.Helper()
	in := &Intake{}
	d, err := in.Decode(context.Background(), NewResponseMetadata(""), bytesReader(body), contentType, http.Header{})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// recordingProcessor is a BusinessProcessor test double.
type recordingProcessor struct {
	mu sync.Mutex

	result    *ProcessorResult
	err       error
	panicResp bool

	userMessages   []*message.UserMessage
	signals        []*message.SignalMessage
	payloads       []*etree.Element
	attachments    [][]*attachment.Attachment
	attachmentData map[string][]byte
	responses      []bool
	responseIDs    []string
}

func newRecorder() *recordingProcessor {
	return &recordingProcessor{result: &ProcessorResult{Success: true}, attachmentData: map[string][]byte{}}
}

func (r *recordingProcessor) ProcessUserMessage(_ context.Context, _ *Metadata, _ http.Header, um *message.UserMessage,
	_ *pmode.ProcessingMode, payload *etree.Element, atts []*attachment.Attachment, _ *State) (*ProcessorResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.userMessages = append(r.userMessages, um)
	r.payloads = append(r.payloads, payload)
	r.attachments = append(r.attachments, atts)
	for _, a := range atts {
		data, err := a.Bytes()
		if err == nil {
			r.attachmentData[a.ContentID] = data
		}
	}
	return r.result, r.err
}

func (r *recordingProcessor) ProcessSignalMessage(_ context.Context, _ *Metadata, _ http.Header, sm *message.SignalMessage,
	_ *pmode.ProcessingMode, payload *etree.Element, _ *State) (*ProcessorResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, sm)
	r.payloads = append(r.payloads, payload)
	return r.result, r.err
}

func (r *recordingProcessor) ProcessResponse(_ context.Context, _ *Metadata, _ *State, id string, _ []byte, available bool) {
	r.mu.Lock()
	r.responses = append(r.responses, available)
	r.responseIDs = append(r.responseIDs, id)
	panicResp := r.panicResp
	r.mu.Unlock()
	if panicResp {
		panic("response hook failure")
	}
}

func (r *recordingProcessor) userMessageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.userMessages)
}

func bytesReader(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}
