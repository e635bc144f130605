package security

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phax/phase4-sub000/pkg/message"
)

// encryptForTest encrypts the attachments, and the body payload when
// encryptBody is set, for the recipient key in the eDelivery AS4 2.0
// layout.
func encryptForTest(t *testing.T, envelope []byte, atts []Attachment, recipient *ecdh.PublicKey, encryptBody bool) ([]byte, []Attachment) {
	t.Helper()

	cek := make([]byte, 16)
	_, err := rand.Read(cek)
	require.NoError(t, err)

	ka, err := xmlenc.NewX25519KeyAgreement(recipient, xmlenc.DefaultHKDFParams(DefaultHKDFInfo))
	require.NoError(t, err)
	ek, err := ka.WrapKey(cek, xmlenc.KeyWrapAlgorithmForContentAlgorithm(xmlenc.AlgorithmAES128GCM))
	require.NoError(t, err)
	ek.ID = "EK-1"

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(envelope))
	header := doc.FindElement("//Header")
	require.NotNil(t, header)
	sec := header.FindElement("./Security")
	if sec == nil {
		sec = header.CreateElement("wsse:Security")
		sec.CreateAttr("xmlns:wsse", NamespaceWSSE)
	}

	var encData []*etree.Element
	out := make([]Attachment, 0, len(atts))
	for i, a := range atts {
		ct, err := xmlenc.AESGCMEncrypt(cek, a.Data, nil)
		require.NoError(t, err)
		id := fmt.Sprintf("ED-att-%d", i)
		ed := &xmlenc.EncryptedData{EncryptedType: xmlenc.EncryptedType{
			ID:               id,
			Type:             xmlenc.TypeContent,
			MimeType:         a.ContentType,
			EncryptionMethod: &xmlenc.EncryptionMethod{Algorithm: xmlenc.AlgorithmAES128GCM},
			CipherData: &xmlenc.CipherData{CipherReference: &xmlenc.CipherReference{
				URI:        "cid:" + a.ContentID,
				Transforms: []xmlenc.Transform{{Algorithm: "http://docs.oasis-open.org/wss/oasis-wss-SwAProfile-1.1#Attachment-Ciphertext-Transform"}},
			}},
		}}
		encData = append(encData, ed.ToElement())
		ek.ReferenceList = append(ek.ReferenceList, xmlenc.DataReference{URI: "#" + id})
		out = append(out, Attachment{ContentID: a.ContentID, ContentType: "application/octet-stream", Data: ct})
	}

	if encryptBody {
		body := doc.FindElement("//Body")
		require.NotNil(t, body)
		payload := body.ChildElements()[0]
		frag := etree.NewDocument()
		frag.SetRoot(payload.Copy())
		plain, err := frag.WriteToBytes()
		require.NoError(t, err)
		ct, err := xmlenc.AESGCMEncrypt(cek, plain, nil)
		require.NoError(t, err)
		ed := &xmlenc.EncryptedData{EncryptedType: xmlenc.EncryptedType{
			ID:               "ED-body",
			Type:             xmlenc.TypeElement,
			EncryptionMethod: &xmlenc.EncryptionMethod{Algorithm: xmlenc.AlgorithmAES128GCM},
			CipherData:       &xmlenc.CipherData{CipherValue: ct},
		}}
		idx := payload.Index()
		body.RemoveChildAt(idx)
		body.InsertChildAt(idx, ed.ToElement())
		ek.ReferenceList = append(ek.ReferenceList, xmlenc.DataReference{URI: "#ED-body"})
	}

	sec.AddChild(ek.ToElement())
	for _, el := range encData {
		sec.AddChild(el)
	}

	raw, err := doc.WriteToBytes()
	require.NoError(t, err)
	return raw, out
}

func TestX25519Decryptor_Attachment(t *testing.T) {
	priv, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)

	plain := []Attachment{{ContentID: "payload-1@example.com", ContentType: "application/xml", Data: []byte("<doc>secret</doc>")}}
	env, atts := encryptForTest(t, testEnvelope(t, message.SOAP12), plain, priv.PublicKey(), false)
	assert.NotEqual(t, plain[0].Data, atts[0].Data)

	d, err := NewX25519Decryptor(priv, nil)
	require.NoError(t, err)

	out, outAtts, err := d.Decrypt(context.Background(), env, atts)
	require.NoError(t, err)
	require.Len(t, outAtts, 1)
	assert.Equal(t, "<doc>secret</doc>", string(outAtts[0].Data))
	assert.Equal(t, "application/xml", outAtts[0].ContentType)
	assert.Equal(t, "application/octet-stream", atts[0].ContentType, "input slice must not be modified")
	assert.NotEmpty(t, out)
}

func TestX25519Decryptor_Body(t *testing.T) {
	priv, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)

	env, _ := encryptForTest(t, testEnvelope(t, message.SOAP12), nil, priv.PublicKey(), true)
	assert.NotContains(t, string(env), "hello")

	d, err := NewX25519Decryptor(priv, nil)
	require.NoError(t, err)

	out, _, err := d.Decrypt(context.Background(), env, nil)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(out))
	payload := doc.FindElement("//Body/Doc")
	require.NotNil(t, payload)
	assert.Equal(t, "hello", payload.Text())
	assert.Nil(t, doc.FindElement("//Body/EncryptedData"))
}

func TestX25519Decryptor_WrongKey(t *testing.T) {
	priv, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)
	other, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)

	plain := []Attachment{{ContentID: "p@x", ContentType: "text/plain", Data: []byte("data")}}
	env, atts := encryptForTest(t, testEnvelope(t, message.SOAP12), plain, priv.PublicKey(), false)

	d, err := NewX25519Decryptor(other, nil)
	require.NoError(t, err)
	_, _, err = d.Decrypt(context.Background(), env, atts)
	assert.Error(t, err)
}

func TestX25519Decryptor_NoEncryptedKey(t *testing.T) {
	priv, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)
	d, err := NewX25519Decryptor(priv, nil)
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(testEnvelope(t, message.SOAP12)))
	sec := doc.FindElement("//Header").CreateElement("wsse:Security")
	sec.CreateAttr("xmlns:wsse", NamespaceWSSE)
	env, err := doc.WriteToBytes()
	require.NoError(t, err)

	_, _, err = d.Decrypt(context.Background(), env, nil)
	assert.ErrorIs(t, err, ErrNoEncryptedKey)
}

func TestNewX25519Decryptor_RejectsOtherCurves(t *testing.T) {
	p256, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = NewX25519Decryptor(p256, nil)
	assert.Error(t, err)

	_, err = NewX25519Decryptor(nil, nil)
	assert.Error(t, err)
}

func TestLoadX25519Key(t *testing.T) {
	priv, err := xmlenc.GenerateX25519KeyPair()
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "enc.key")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0o600))

	loaded, err := LoadX25519Key(path)
	require.NoError(t, err)
	assert.True(t, priv.Equal(loaded))

	_, err = LoadX25519Key(filepath.Join(t.TempDir(), "missing.key"))
	assert.Error(t, err)
}
