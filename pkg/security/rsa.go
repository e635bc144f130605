package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	"github.com/leifj/signedxml"

	"github.com/phax/phase4-sub000/pkg/pmode"
)

// RSASigner handles XML digital signatures using RSA keys.
// Uses signedxml library for all signature operations.
type RSASigner struct {
	privateKey *rsa.PrivateKey
	cert       *x509.Certificate
	// TimestampTTL is the lifetime written into wsu:Timestamp.
	TimestampTTL time.Duration
}

// NewRSASigner creates a new RSA-based XML signer.
func NewRSASigner(privateKey *rsa.PrivateKey, cert *x509.Certificate) (*RSASigner, error) {
	if privateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cert == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("certificate does not contain RSA public key")
	}
	return &RSASigner{
		privateKey:   privateKey,
		cert:         cert,
		TimestampTTL: defaultTimestampSkew * time.Minute,
	}, nil
}

// Certificate returns the signing certificate.
func (s *RSASigner) Certificate() *x509.Certificate {
	return s.cert
}

// Sign adds a wsse:Security header with timestamp, binary security token
// and signature over the timestamp, Body, eb:Messaging and attachments.
func (s *RSASigner) Sign(envelope []byte, attachments []Attachment, cfg *pmode.SignConfig) ([]byte, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("no root element found")
	}
	envPrefix := root.Space
	mustUnderstand := "true"
	if root.NamespaceURI() == "http://schemas.xmlsoap.org/soap/envelope/" {
		mustUnderstand = "1"
	}
	ensureNamespaces(root)

	header := childByLocalName(root, "Header")
	if header == nil {
		return nil, fmt.Errorf("SOAP Header not found")
	}
	body := childByLocalName(root, "Body")
	if body == nil {
		return nil, fmt.Errorf("SOAP Body not found")
	}

	security := childByLocalName(header, "Security")
	if security == nil {
		security = header.CreateElement("wsse:Security")
		security.CreateAttr(envPrefix+":mustUnderstand", mustUnderstand)
	}

	tokenRef := pmode.TokenRefBinarySecurityToken
	if cfg != nil && cfg.TokenReference != "" {
		tokenRef = cfg.TokenReference
	}

	bstID := "X509-" + uuid.NewString()
	if tokenRef == pmode.TokenRefBinarySecurityToken {
		bst := security.CreateElement("wsse:BinarySecurityToken")
		bst.CreateAttr("wsu:Id", bstID)
		bst.CreateAttr("EncodingType", EncodingTypeBase64)
		bst.CreateAttr("ValueType", ValueTypeX509v3)
		bst.SetText(base64.StdEncoding.EncodeToString(s.cert.Raw))
	}

	timestampID := "TS-" + uuid.NewString()
	timestamp := security.CreateElement("wsu:Timestamp")
	timestamp.CreateAttr("wsu:Id", timestampID)
	now := time.Now().UTC()
	timestamp.CreateElement("wsu:Created").SetText(now.Format(timestampFormat))
	timestamp.CreateElement("wsu:Expires").SetText(now.Add(s.TimestampTTL).Format(timestampFormat))

	bodyID := getOrCreateID(body)

	var messagingID string
	if messaging := childByLocalName(header, "Messaging"); messaging != nil {
		messagingID = getOrCreateID(messaging)
	}

	sig := security.CreateElement("ds:Signature")
	sig.CreateAttr("xmlns:ds", NamespaceDS)
	signedInfo := sig.CreateElement("ds:SignedInfo")

	c14n := signedInfo.CreateElement("ds:CanonicalizationMethod")
	c14n.CreateAttr("Algorithm", AlgorithmExcC14N)
	incl := c14n.CreateElement("ec:InclusiveNamespaces")
	incl.CreateAttr("xmlns:ec", AlgorithmExcC14N)
	incl.CreateAttr("PrefixList", envPrefix)

	algo, digestURI, digestHash := algorithms(cfg)
	signedInfo.CreateElement("ds:SignatureMethod").CreateAttr("Algorithm", string(algo))

	addReference(signedInfo, timestampID, "", digestURI)
	addReference(signedInfo, bodyID, "", digestURI)
	if messagingID != "" {
		addReference(signedInfo, messagingID, envPrefix, digestURI)
	}
	for _, att := range attachments {
		addAttachmentReference(signedInfo, att, digestURI, digestHash)
	}

	sig.CreateElement("ds:SignatureValue").SetText("placeholder")

	keyInfo := sig.CreateElement("ds:KeyInfo")
	if err := s.buildSecurityTokenReference(keyInfo, bstID, tokenRef); err != nil {
		return nil, fmt.Errorf("failed to build security token reference: %w", err)
	}

	xmlStr, err := doc.WriteToString()
	if err != nil {
		return nil, fmt.Errorf("failed to write XML: %w", err)
	}

	signer, err := signedxml.NewSigner(xmlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	signer.SetReferenceIDAttribute("wsu:Id")

	signed, err := signer.Sign(s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return []byte(signed), nil
}

func (s *RSASigner) buildSecurityTokenReference(parent *etree.Element, bstID string, method pmode.TokenReferenceMethod) error {
	str := parent.CreateElement("wsse:SecurityTokenReference")

	switch method {
	case pmode.TokenRefBinarySecurityToken:
		ref := str.CreateElement("wsse:Reference")
		ref.CreateAttr("URI", "#"+bstID)
		ref.CreateAttr("ValueType", ValueTypeX509v3)

	case pmode.TokenRefKeyIdentifier:
		keyID := str.CreateElement("wsse:KeyIdentifier")
		keyID.CreateAttr("ValueType", ValueTypeSKI)
		keyID.CreateAttr("EncodingType", EncodingTypeBase64)
		ski := s.cert.SubjectKeyId
		if len(ski) == 0 {
			pub, err := x509.MarshalPKIXPublicKey(s.cert.PublicKey)
			if err != nil {
				return fmt.Errorf("failed to marshal public key: %w", err)
			}
			sum := sha256.Sum256(pub)
			ski = sum[:20]
		}
		keyID.SetText(base64.StdEncoding.EncodeToString(ski))

	case pmode.TokenRefIssuerSerial:
		data := str.CreateElement("ds:X509Data")
		is := data.CreateElement("ds:X509IssuerSerial")
		is.CreateElement("ds:X509IssuerName").SetText(s.cert.Issuer.String())
		is.CreateElement("ds:X509SerialNumber").SetText(s.cert.SerialNumber.String())

	default:
		return fmt.Errorf("unsupported token reference method: %s", method)
	}
	return nil
}

// RSAVerifier validates inbound signatures. The signing certificate is
// taken from the referenced wsse:BinarySecurityToken, falling back to
// Certificate when the message does not embed one.
type RSAVerifier struct {
	validator CertificateValidator
	// Certificate is used when the message references its key by
	// identifier instead of embedding it.
	Certificate *x509.Certificate
}

// NewRSAVerifier creates a verifier. A nil validator accepts any
// certificate whose signature checks out.
func NewRSAVerifier(validator CertificateValidator) *RSAVerifier {
	return &RSAVerifier{validator: validator}
}

// Verify checks the envelope signature and attachment digests.
func (v *RSAVerifier) Verify(ctx context.Context, envelope []byte, attachments []Attachment) (*VerifyResult, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(envelope); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}

	sig := doc.FindElement("//Security/Signature")
	if sig == nil {
		return nil, ErrNoSignature
	}
	security := sig.Parent()

	cert, err := v.signingCertificate(security, sig)
	if err != nil {
		return nil, err
	}
	if v.validator != nil {
		if err := v.validator.Validate(ctx, cert, nil); err != nil {
			return nil, err
		}
	}

	validator, err := signedxml.NewValidator(string(envelope))
	if err != nil {
		return nil, fmt.Errorf("failed to create validator: %w", err)
	}
	validator.Certificates = append(validator.Certificates, *cert)
	validator.SetReferenceIDAttribute("wsu:Id")

	if _, err := validator.ValidateReferences(); err != nil {
		return nil, fmt.Errorf("signature validation failed: %w", err)
	}

	refs := sig.FindElements("./SignedInfo/Reference")
	if err := checkCoverage(doc.Root(), refs); err != nil {
		return nil, err
	}

	result := &VerifyResult{Certificate: cert}
	for _, ref := range refs {
		uri := ref.SelectAttrValue("URI", "")
		if strings.HasPrefix(uri, "cid:") {
			if err := checkAttachmentDigest(ref, strings.TrimPrefix(uri, "cid:"), attachments); err != nil {
				return nil, err
			}
		}
		result.References = append(result.References, ref.Copy())
	}
	return result, nil
}

func (v *RSAVerifier) signingCertificate(security, sig *etree.Element) (*x509.Certificate, error) {
	var bst *etree.Element
	if ref := sig.FindElement("./KeyInfo/SecurityTokenReference/Reference"); ref != nil {
		id := strings.TrimPrefix(ref.SelectAttrValue("URI", ""), "#")
		for _, el := range security.SelectElements("BinarySecurityToken") {
			if wsuID(el) == id {
				bst = el
				break
			}
		}
	}
	if bst == nil {
		bst = security.SelectElement("BinarySecurityToken")
	}
	if bst == nil {
		if v.Certificate != nil {
			return v.Certificate, nil
		}
		return nil, ErrNoCertificate
	}

	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(bst.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("decoding binary security token: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing binary security token: %w", err)
	}
	return cert, nil
}

// checkCoverage requires the SOAP Body and the ebMS Messaging header to be
// among the signed references.
func checkCoverage(envelope *etree.Element, refs []*etree.Element) error {
	signed := make(map[string]bool, len(refs))
	for _, ref := range refs {
		uri := ref.SelectAttrValue("URI", "")
		if uri == "" {
			return nil
		}
		if strings.HasPrefix(uri, "#") {
			signed[strings.TrimPrefix(uri, "#")] = true
		}
	}

	covered := func(elem *etree.Element) bool {
		id := wsuID(elem)
		return id != "" && signed[id]
	}

	body := childByLocalName(envelope, "Body")
	if body == nil || !covered(body) {
		return fmt.Errorf("%w: Body", ErrIncompleteSignature)
	}
	if header := childByLocalName(envelope, "Header"); header != nil {
		if messaging := childByLocalName(header, "Messaging"); messaging != nil && !covered(messaging) {
			return fmt.Errorf("%w: Messaging", ErrIncompleteSignature)
		}
	}
	return nil
}

func checkAttachmentDigest(ref *etree.Element, contentID string, attachments []Attachment) error {
	for _, att := range attachments {
		if strings.Trim(att.ContentID, "<>") != contentID {
			continue
		}
		want, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ref.FindElement("./DigestValue").Text()))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrAttachmentDigest, contentID)
		}
		h := hashForDigest(ref.FindElement("./DigestMethod").SelectAttrValue("Algorithm", AlgorithmSHA256))
		h.Write(att.Data)
		if !bytes.Equal(h.Sum(nil), want) {
			return fmt.Errorf("%w: %s", ErrAttachmentDigest, contentID)
		}
		return nil
	}
	return fmt.Errorf("%w: %s not attached", ErrAttachmentDigest, contentID)
}

func ensureNamespaces(root *etree.Element) {
	if root.SelectAttr("xmlns:wsu") == nil {
		root.CreateAttr("xmlns:wsu", NamespaceWSU)
	}
	if root.SelectAttr("xmlns:wsse") == nil {
		root.CreateAttr("xmlns:wsse", NamespaceWSSE)
	}
}

func childByLocalName(parent *etree.Element, local string) *etree.Element {
	for _, el := range parent.ChildElements() {
		if el.Tag == local {
			return el
		}
	}
	return nil
}

func wsuID(elem *etree.Element) string {
	for _, attr := range elem.Attr {
		if attr.Key == "Id" && (attr.Space == "wsu" || attr.NamespaceURI() == NamespaceWSU) {
			return attr.Value
		}
	}
	return ""
}

func getOrCreateID(elem *etree.Element) string {
	if id := wsuID(elem); id != "" {
		return id
	}
	id := "id-" + uuid.NewString()
	elem.CreateAttr("wsu:Id", id)
	return id
}

func addReference(signedInfo *etree.Element, id, prefixList, digestURI string) {
	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "#"+id)

	transform := ref.CreateElement("ds:Transforms").CreateElement("ds:Transform")
	transform.CreateAttr("Algorithm", AlgorithmExcC14N)
	if prefixList != "" {
		incl := transform.CreateElement("ec:InclusiveNamespaces")
		incl.CreateAttr("xmlns:ec", AlgorithmExcC14N)
		incl.CreateAttr("PrefixList", prefixList)
	}

	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestURI)
	// filled in by signedxml
	ref.CreateElement("ds:DigestValue").SetText("placeholder")
}

func addAttachmentReference(signedInfo *etree.Element, att Attachment, digestURI string, h crypto.Hash) {
	d := h.New()
	d.Write(att.Data)

	ref := signedInfo.CreateElement("ds:Reference")
	ref.CreateAttr("URI", "cid:"+strings.Trim(att.ContentID, "<>"))
	ref.CreateElement("ds:Transforms").CreateElement("ds:Transform").CreateAttr("Algorithm", AlgorithmSwAContent)
	ref.CreateElement("ds:DigestMethod").CreateAttr("Algorithm", digestURI)
	ref.CreateElement("ds:DigestValue").SetText(base64.StdEncoding.EncodeToString(d.Sum(nil)))
}

func algorithms(cfg *pmode.SignConfig) (pmode.SignatureAlgorithm, string, crypto.Hash) {
	algo := pmode.AlgoRSASHA256
	if cfg != nil && cfg.Algorithm != "" {
		algo = cfg.Algorithm
	}
	digest := pmode.HashSHA256
	if cfg != nil && cfg.HashFunction != "" {
		digest = cfg.HashFunction
	}
	switch digest {
	case pmode.HashSHA384:
		return algo, string(digest), crypto.SHA384
	case pmode.HashSHA512:
		return algo, string(digest), crypto.SHA512
	default:
		return algo, string(pmode.HashSHA256), crypto.SHA256
	}
}

func hashForDigest(uri string) hash.Hash {
	switch uri {
	case string(pmode.HashSHA384):
		return sha512.New384()
	case string(pmode.HashSHA512):
		return sha512.New()
	default:
		return sha256.New()
	}
}
