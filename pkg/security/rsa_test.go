package security

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/message"
	"github.com/phax/phase4-sub000/pkg/pmode"
)

// generateRSATestCert generates a self-signed test RSA certificate
func generateRSATestCert(t *testing.T, privateKey *rsa.PrivateKey) *x509.Certificate {
	t.Helper()

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Organization"},
			CommonName:   "test.example.com",
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)
	return cert
}

func testEnvelope(t *testing.T, v message.SOAPVersion) []byte {
	t.Helper()
	doc, header, body := message.NewEnvelope(v)
	messaging := message.AppendMessaging(header, v)
	um, err := message.NewUserMessage(
		message.WithFrom("a", ""), message.WithTo("b", ""),
		message.WithService("svc", ""), message.WithAction("act"),
	).Build()
	require.NoError(t, err)
	message.AppendUserMessage(messaging, um)
	payload := body.CreateElement("p:Doc")
	payload.CreateAttr("xmlns:p", "urn:test")
	payload.SetText("hello")

	out, err := doc.WriteToBytes()
	require.NoError(t, err)
	return out
}

func TestRSASigner_SignAndVerify(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := generateRSATestCert(t, privateKey)

	signer, err := NewRSASigner(privateKey, cert)
	require.NoError(t, err)

	for _, v := range []message.SOAPVersion{message.SOAP12, message.SOAP11} {
		t.Run(v.String(), func(t *testing.T) {
			signed, err := signer.Sign(testEnvelope(t, v), nil, nil)
			require.NoError(t, err)

			doc := etree.NewDocument()
			require.NoError(t, doc.ReadFromBytes(signed))
			sec := doc.FindElement("//Header/Security")
			require.NotNil(t, sec)
			assert.NotNil(t, sec.SelectElement("BinarySecurityToken"))
			assert.NotNil(t, sec.SelectElement("Timestamp"))
			assert.Len(t, sec.FindElements("./Signature/SignedInfo/Reference"), 3)

			res, err := NewRSAVerifier(nil).Verify(context.Background(), signed, nil)
			require.NoError(t, err)
			assert.True(t, res.Certificate.Equal(cert))
			assert.Len(t, res.References, 3)
		})
	}
}

func TestRSAVerifier_DetectsTampering(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := generateRSATestCert(t, privateKey)
	signer, err := NewRSASigner(privateKey, cert)
	require.NoError(t, err)

	signed, err := signer.Sign(testEnvelope(t, message.SOAP12), nil, nil)
	require.NoError(t, err)

	tampered := strings.Replace(string(signed), ">hello<", ">HELLO<", 1)
	require.NotEqual(t, string(signed), tampered)

	_, err = NewRSAVerifier(nil).Verify(context.Background(), []byte(tampered), nil)
	assert.Error(t, err)
}

func TestCheckCoverage(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	signer, err := NewRSASigner(privateKey, generateRSATestCert(t, privateKey))
	require.NoError(t, err)

	signed, err := signer.Sign(testEnvelope(t, message.SOAP12), nil, nil)
	require.NoError(t, err)
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	root := doc.Root()
	refs := doc.FindElements("//Signature/SignedInfo/Reference")

	require.NoError(t, checkCoverage(root, refs))

	without := func(local string) []*etree.Element {
		id := wsuID(doc.FindElement("//" + local))
		require.NotEmpty(t, id)
		var out []*etree.Element
		for _, ref := range refs {
			if ref.SelectAttrValue("URI", "") != "#"+id {
				out = append(out, ref)
			}
		}
		require.Len(t, out, len(refs)-1)
		return out
	}

	err = checkCoverage(root, without("Body"))
	assert.ErrorIs(t, err, ErrIncompleteSignature)
	assert.Contains(t, err.Error(), "Body")

	err = checkCoverage(root, without("Messaging"))
	assert.ErrorIs(t, err, ErrIncompleteSignature)
	assert.Contains(t, err.Error(), "Messaging")
}

func TestRSAVerifier_NoSignature(t *testing.T) {
	_, err := NewRSAVerifier(nil).Verify(context.Background(), testEnvelope(t, message.SOAP12), nil)
	assert.ErrorIs(t, err, ErrNoSignature)
}

func TestRSASigner_AttachmentReference(t *testing.T) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cert := generateRSATestCert(t, privateKey)
	signer, err := NewRSASigner(privateKey, cert)
	require.NoError(t, err)

	atts := []Attachment{{ContentID: "<att-1@test>", ContentType: "text/plain", Data: []byte("payload")}}
	signed, err := signer.Sign(testEnvelope(t, message.SOAP12), atts, &pmode.SignConfig{
		Algorithm:      pmode.AlgoRSASHA256,
		HashFunction:   pmode.HashSHA256,
		TokenReference: pmode.TokenRefBinarySecurityToken,
	})
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(signed))
	var found *etree.Element
	for _, ref := range doc.FindElements("//SignedInfo/Reference") {
		if ref.SelectAttrValue("URI", "") == "cid:att-1@test" {
			found = ref
		}
	}
	require.NotNil(t, found)

	assert.NoError(t, checkAttachmentDigest(found, "att-1@test", atts))
	assert.ErrorIs(t, checkAttachmentDigest(found, "att-1@test",
		[]Attachment{{ContentID: "att-1@test", Data: []byte("changed")}}), ErrAttachmentDigest)
	assert.ErrorIs(t, checkAttachmentDigest(found, "att-1@test", nil), ErrAttachmentDigest)
}

func TestNewRSASigner_Validation(t *testing.T) {
	_, err := NewRSASigner(nil, nil)
	assert.Error(t, err)

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, err = NewRSASigner(privateKey, nil)
	assert.Error(t, err)
}
