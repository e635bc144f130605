// Package mime implements MIME multipart/related message handling for AS4
package mime

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
)

const (
	// ContentTypeMultipartRelated is the MIME type for multipart/related
	ContentTypeMultipartRelated = "multipart/related"
	// ContentTypeApplicationXML is the MIME type for XML
	ContentTypeApplicationXML = "application/xml"
	// ContentTypeTextXML is the MIME type for text XML
	ContentTypeTextXML = "text/xml"
	// ContentTypeSOAPXML is the MIME type for SOAP
	ContentTypeSOAPXML = "application/soap+xml"
	// ContentTypeOctetStream is used for parts without a declared type
	ContentTypeOctetStream = "application/octet-stream"
)

var (
	// ErrMissingBoundary is returned for multipart content without a
	// boundary parameter.
	ErrMissingBoundary = errors.New("boundary not found in content type")
	// ErrNotMultipart is returned when the media type is not multipart/related.
	ErrNotMultipart = errors.New("not a multipart message")
	// ErrNoEnvelope is returned when the message has no parts at all.
	ErrNoEnvelope = errors.New("SOAP envelope not found in message")
)

// Message describes a parsed multipart/related message. Attachment parts
// are streamed to the PartHandler passed to Parse and are not retained.
type Message struct {
	Boundary string
	StartID  string
	Type     string

	// Envelope is the raw SOAP part, always the first MIME part.
	Envelope            []byte
	EnvelopeContentType string

	// Parts counts the attachment parts seen.
	Parts int
}

// Part is one attachment part. Body is only valid during the PartHandler
// call.
type Part struct {
	ContentID        string
	ContentType      string
	TransferEncoding string
	Header           textproto.MIMEHeader
	Body             io.Reader
}

// PartHandler receives attachment parts in document order.
type PartHandler func(index int, part *Part) error

// IsMultipart reports whether the content type is multipart/related, the
// only multipart type SOAP with attachments uses.
func IsMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	return err == nil && mediaType == "multipart/related"
}

// Parse reads a multipart/related message. The first part is the SOAP
// envelope; every following part is passed to handle.
func Parse(r io.Reader, contentType string, handle PartHandler) (*Message, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to parse content type: %w", err)
	}

	if mediaType != "multipart/related" {
		return nil, fmt.Errorf("%w: %s", ErrNotMultipart, mediaType)
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, ErrMissingBoundary
	}

	msg := &Message{
		Boundary: boundary,
		StartID:  params["start"],
		Type:     params["type"],
	}

	reader := multipart.NewReader(r, boundary)
	for index := 0; ; index++ {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read part %d: %w", index, err)
		}

		body := decodeTransfer(part, part.Header.Get("Content-Transfer-Encoding"))

		if index == 0 {
			data, err := io.ReadAll(body)
			part.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to read SOAP part: %w", err)
			}
			msg.Envelope = data
			msg.EnvelopeContentType = part.Header.Get("Content-Type")
			continue
		}

		p := &Part{
			ContentID:        NormalizeContentID(part.Header.Get("Content-ID")),
			ContentType:      part.Header.Get("Content-Type"),
			TransferEncoding: part.Header.Get("Content-Transfer-Encoding"),
			Header:           part.Header,
			Body:             body,
		}
		if p.ContentType == "" {
			p.ContentType = ContentTypeOctetStream
		}
		msg.Parts++
		if handle != nil {
			if err := handle(index-1, p); err != nil {
				part.Close()
				return nil, err
			}
		}
		part.Close()
	}

	if msg.Envelope == nil {
		return nil, ErrNoEnvelope
	}

	return msg, nil
}

func decodeTransfer(r io.Reader, encoding string) io.Reader {
	if strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return base64.NewDecoder(base64.StdEncoding, r)
	}
	return r
}

// Payload is an attachment to serialize into a multipart message.
type Payload struct {
	ContentID    string
	ContentType  string
	CharacterSet string
	Data         []byte
	Headers      textproto.MIMEHeader
}

// Serialize creates a multipart/related message with the SOAP envelope as
// first part. It returns the body and the full Content-Type header value.
func Serialize(envelope []byte, envelopeType string, payloads []Payload) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	boundary := generateBoundary()
	if err := writer.SetBoundary(boundary); err != nil {
		return nil, "", fmt.Errorf("failed to set boundary: %w", err)
	}

	startID := fmt.Sprintf("<%s@phase4.receiver>", uuid.NewString())

	soapHeader := textproto.MIMEHeader{}
	soapHeader.Set("Content-Type", envelopeType+"; charset=UTF-8")
	soapHeader.Set("Content-Transfer-Encoding", "binary")
	soapHeader.Set("Content-ID", startID)

	soapPart, err := writer.CreatePart(soapHeader)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create SOAP part: %w", err)
	}
	if _, err := soapPart.Write(envelope); err != nil {
		return nil, "", fmt.Errorf("failed to write SOAP part: %w", err)
	}

	for _, payload := range payloads {
		payloadHeader := textproto.MIMEHeader{}

		contentType := payload.ContentType
		if contentType == "" {
			contentType = ContentTypeOctetStream
		}
		if payload.CharacterSet != "" {
			contentType = fmt.Sprintf("%s; charset=%s", contentType, payload.CharacterSet)
		}
		payloadHeader.Set("Content-Type", contentType)
		payloadHeader.Set("Content-Transfer-Encoding", "binary")

		contentID := payload.ContentID
		if contentID == "" {
			contentID = uuid.NewString() + "@phase4.receiver"
		}
		payloadHeader.Set("Content-ID", AddContentIDBrackets(contentID))

		for key, values := range payload.Headers {
			for _, value := range values {
				payloadHeader.Add(key, value)
			}
		}

		part, err := writer.CreatePart(payloadHeader)
		if err != nil {
			return nil, "", fmt.Errorf("failed to create payload part: %w", err)
		}
		if _, err := part.Write(payload.Data); err != nil {
			return nil, "", fmt.Errorf("failed to write payload part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	contentType := mime.FormatMediaType(ContentTypeMultipartRelated, map[string]string{
		"boundary": boundary,
		"type":     envelopeType,
		"start":    NormalizeContentID(startID),
	})

	return buf.Bytes(), contentType, nil
}

// NormalizeContentID removes a cid: prefix and angle brackets.
func NormalizeContentID(contentID string) string {
	contentID = strings.TrimSpace(contentID)
	contentID = strings.TrimPrefix(contentID, "cid:")
	contentID = strings.TrimPrefix(contentID, "<")
	contentID = strings.TrimSuffix(contentID, ">")
	return contentID
}

// AddContentIDBrackets adds < and > to Content-ID if not present
func AddContentIDBrackets(contentID string) string {
	if !strings.HasPrefix(contentID, "<") {
		contentID = "<" + contentID
	}
	if !strings.HasSuffix(contentID, ">") {
		contentID = contentID + ">"
	}
	return contentID
}

func generateBoundary() string {
	return "----=_Part_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
