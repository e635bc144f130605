package security

import (
	"context"
	"crypto/ecdh"
	"errors"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/leifj/signedxml/xmlenc"
)

// DefaultHKDFInfo is the HKDF context of the eDelivery AS4 2.0 profile.
var DefaultHKDFInfo = []byte("EU eDelivery AS4 2.0")

// ErrNoEncryptedKey is returned when an encrypted message carries no
// xenc:EncryptedKey in its Security header.
var ErrNoEncryptedKey = errors.New("EncryptedKey not found in Security header")

// X25519Decryptor implements Decryptor for messages encrypted with the
// eDelivery AS4 2.0 scheme: the content key is wrapped with a key agreed
// through X25519 and HKDF, attachments are referenced by
// xenc:EncryptedData with a cid: CipherReference and the body may carry
// inline EncryptedData.
type X25519Decryptor struct {
	privateKey *ecdh.PrivateKey
	hkdfInfo   []byte
}

// NewX25519Decryptor creates a decryptor for the recipient key. hkdfInfo
// is used when the sender omits HKDF parameters and defaults to
// DefaultHKDFInfo.
func NewX25519Decryptor(privateKey *ecdh.PrivateKey, hkdfInfo []byte) (*X25519Decryptor, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if privateKey.Curve() != ecdh.X25519() {
		return nil, fmt.Errorf("private key is not an X25519 key")
	}
	if hkdfInfo == nil {
		hkdfInfo = DefaultHKDFInfo
	}
	return &X25519Decryptor{privateKey: privateKey, hkdfInfo: hkdfInfo}, nil
}

// Decrypt returns the envelope with decrypted body content and the
// attachment list with decrypted data. Attachments that are not
// referenced by the EncryptedKey are returned unchanged.
func (d *X25519Decryptor) Decrypt(ctx context.Context, envelope []byte, attachments []Attachment) ([]byte, []Attachment, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	security := doc.FindElement("//Header/Security")
	if security == nil {
		return nil, nil, fmt.Errorf("security header not found")
	}
	ekElem := security.FindElement("./EncryptedKey")
	if ekElem == nil {
		return nil, nil, ErrNoEncryptedKey
	}
	ek, err := xmlenc.ParseEncryptedKey(ekElem)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing EncryptedKey: %w", err)
	}

	cek, err := d.unwrap(ek)
	if err != nil {
		return nil, nil, err
	}

	out := make([]Attachment, len(attachments))
	copy(out, attachments)

	refs := ek.ReferenceList
	if len(refs) == 0 {
		for _, dr := range security.FindElements("./ReferenceList/DataReference") {
			refs = append(refs, xmlenc.DataReference{URI: dr.SelectAttrValue("URI", "")})
		}
	}
	if len(refs) == 0 {
		return nil, nil, fmt.Errorf("EncryptedKey references no encrypted data")
	}

	for _, ref := range refs {
		id := strings.TrimPrefix(ref.URI, "#")
		edElem := findByID(doc.Root(), "EncryptedData", id)
		if edElem == nil {
			return nil, nil, fmt.Errorf("encrypted data %q not found", id)
		}
		ed, err := xmlenc.ParseEncryptedData(edElem)
		if err != nil {
			return nil, nil, fmt.Errorf("parsing EncryptedData %q: %w", id, err)
		}

		if cr := ed.CipherData; cr != nil && cr.CipherReference != nil {
			if err := decryptAttachment(cek, ed, out); err != nil {
				return nil, nil, err
			}
			continue
		}
		if err := decryptInline(cek, ed, edElem); err != nil {
			return nil, nil, err
		}
	}

	plain, err := doc.WriteToBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("serializing decrypted envelope: %w", err)
	}
	return plain, out, nil
}

func (d *X25519Decryptor) unwrap(ek *xmlenc.EncryptedKey) ([]byte, error) {
	if ek.KeyInfo == nil || ek.KeyInfo.AgreementMethod == nil {
		return nil, fmt.Errorf("EncryptedKey has no AgreementMethod")
	}
	am := ek.KeyInfo.AgreementMethod
	if am.Algorithm != xmlenc.AlgorithmX25519 {
		return nil, fmt.Errorf("unsupported key agreement: %s", am.Algorithm)
	}
	if am.OriginatorKeyInfo == nil || am.OriginatorKeyInfo.KeyValue == nil ||
		am.OriginatorKeyInfo.KeyValue.ECKeyValue == nil {
		return nil, fmt.Errorf("EncryptedKey missing ephemeral public key")
	}
	ephemeral, err := xmlenc.ParseX25519PublicKey(am.OriginatorKeyInfo.KeyValue.ECKeyValue.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parsing ephemeral public key: %w", err)
	}

	params := xmlenc.DefaultHKDFParams(d.hkdfInfo)
	if kdm := am.KeyDerivationMethod; kdm != nil && kdm.HKDFParams != nil {
		params = kdm.HKDFParams
	}

	cek, err := xmlenc.NewX25519KeyAgreementForDecrypt(d.privateKey, ephemeral, params).UnwrapKey(ek)
	if err != nil {
		return nil, fmt.Errorf("unwrapping content key: %w", err)
	}
	return cek, nil
}

func decryptAttachment(cek []byte, ed *xmlenc.EncryptedData, atts []Attachment) error {
	uri := ed.CipherData.CipherReference.URI
	if !strings.HasPrefix(uri, "cid:") {
		return fmt.Errorf("unsupported cipher reference %q", uri)
	}
	cid := strings.TrimPrefix(uri, "cid:")
	for i := range atts {
		if strings.Trim(atts[i].ContentID, "<>") != cid {
			continue
		}
		plain, err := decryptContent(cek, ed, atts[i].Data)
		if err != nil {
			return fmt.Errorf("decrypting attachment %s: %w", cid, err)
		}
		atts[i].Data = plain
		if ed.MimeType != "" {
			atts[i].ContentType = ed.MimeType
		}
		return nil
	}
	return fmt.Errorf("encrypted attachment %s not found", cid)
}

// decryptInline replaces edElem by the decrypted element or content.
func decryptInline(cek []byte, ed *xmlenc.EncryptedData, edElem *etree.Element) error {
	if ed.CipherData == nil || ed.CipherData.CipherValue == nil {
		return fmt.Errorf("EncryptedData %q has no cipher value", ed.ID)
	}
	plain, err := decryptContent(cek, ed, ed.CipherData.CipherValue)
	if err != nil {
		return fmt.Errorf("decrypting %q: %w", ed.ID, err)
	}

	content := string(plain)
	if strings.HasPrefix(content, "<?xml") {
		if end := strings.Index(content, "?>"); end >= 0 {
			content = content[end+2:]
		}
	}
	frag := etree.NewDocument()
	if err := frag.ReadFromString("<fragment>" + content + "</fragment>"); err != nil {
		return fmt.Errorf("decrypted content of %q is not XML: %w", ed.ID, err)
	}

	parent := edElem.Parent()
	if parent == nil {
		return fmt.Errorf("EncryptedData %q has no parent", ed.ID)
	}
	index := edElem.Index()
	parent.RemoveChildAt(index)
	children := append([]etree.Token(nil), frag.Root().Child...)
	for i, child := range children {
		parent.InsertChildAt(index+i, child)
	}
	return nil
}

func decryptContent(cek []byte, ed *xmlenc.EncryptedData, data []byte) ([]byte, error) {
	algorithm := ""
	if ed.EncryptionMethod != nil {
		algorithm = ed.EncryptionMethod.Algorithm
	}
	switch {
	case xmlenc.IsGCM(algorithm):
		return xmlenc.AESGCMDecrypt(cek, data, nil)
	case algorithm == xmlenc.AlgorithmAES128CBC || algorithm == xmlenc.AlgorithmAES192CBC || algorithm == xmlenc.AlgorithmAES256CBC:
		return xmlenc.AESCBCDecrypt(cek, data)
	default:
		return nil, fmt.Errorf("unsupported content encryption algorithm %q", algorithm)
	}
}

func findByID(root *etree.Element, tag, id string) *etree.Element {
	for _, el := range root.FindElements("//" + tag) {
		if el.SelectAttrValue("Id", "") == id {
			return el
		}
	}
	return nil
}
