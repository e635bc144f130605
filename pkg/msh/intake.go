package msh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/attachment"
	"github.com/phax/phase4-sub000/pkg/message"
	as4mime "github.com/phax/phase4-sub000/pkg/mime"
)

// Decoded is the transport independent form of an inbound message.
type Decoded struct {
	Document    *etree.Document
	SOAPVersion message.SOAPVersion
	Attachments []*attachment.Attachment
	// Raw holds the SOAP part exactly as received.
	Raw []byte
	// Scope owns temporary resources of the attachments.
	Scope *attachment.Scope
}

// Close releases the temporary resources of the message.
func (d *Decoded) Close() error {
	if d == nil || d.Scope == nil {
		return nil
	}
	return d.Scope.Close()
}

// IncomingDumper receives a copy of every inbound request.
type IncomingDumper interface {
	Begin(meta *Metadata, headers http.Header) (io.WriteCloser, error)
}

// Intake turns an HTTP body into a Decoded message.
type Intake struct {
	Factory attachment.Factory
	Dumper  IncomingDumper
	Logger  *slog.Logger
}

// Decode reads body according to contentType. Failures are returned as
// non-retryable format errors; the attachment scope is already closed in
// that case.
func (in *Intake) Decode(ctx context.Context, meta *Metadata, body io.Reader, contentType string, headers http.Header) (*Decoded, error) {
	logger := in.logger()

	if in.Dumper != nil {
		w, err := in.Dumper.Begin(meta, headers)
		if err != nil {
			logger.Warn("failed to start incoming dump", slog.String("error", err.Error()))
		} else {
			dump := &lenientWriter{w: w, logger: logger}
			body = io.TeeReader(body, dump)
			defer func() {
				// The dump must contain the full request even when
				// decoding stopped early.
				_, _ = io.Copy(io.Discard, body)
				if err := w.Close(); err != nil {
					logger.Warn("failed to finish incoming dump", slog.String("error", err.Error()))
				}
			}()
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, formatError(fmt.Errorf("invalid content type %q: %w", contentType, err))
	}

	if strings.HasPrefix(mediaType, "multipart/") && !as4mime.IsMultipart(contentType) {
		return nil, formatError(fmt.Errorf("%w: %s", ErrUnsupportedMultipart, mediaType))
	}

	scope := attachment.NewScope()
	var d *Decoded
	if as4mime.IsMultipart(contentType) {
		d, err = in.decodeMultipart(body, contentType, scope)
	} else {
		d, err = decodePlain(body, mediaType)
	}
	if err != nil {
		_ = scope.Close()
		var pe *ProcessingError
		if errors.As(err, &pe) {
			return nil, err
		}
		return nil, formatError(err)
	}
	d.Scope = scope
	return d, nil
}

func (in *Intake) decodeMultipart(body io.Reader, contentType string, scope *attachment.Scope) (*Decoded, error) {
	factory := in.Factory
	if factory == nil {
		factory = attachment.NewFactory()
	}

	var atts []*attachment.Attachment
	msg, err := as4mime.Parse(body, contentType, func(_ int, part *as4mime.Part) error {
		att, err := factory.Create(part, scope)
		if err != nil {
			return fmt.Errorf("creating attachment %q: %w", part.ContentID, err)
		}
		atts = append(atts, att)
		return nil
	})
	if err != nil {
		return nil, err
	}

	doc, root, err := parseEnvelope(msg.Envelope)
	if err != nil {
		return nil, err
	}

	version := message.SOAPVersionFromContentType(msg.EnvelopeContentType)
	if !version.IsKnown() {
		version = message.SOAPVersionFromNamespace(root.NamespaceURI())
	}
	if !version.IsKnown() {
		return nil, ErrUnknownSOAPVersion
	}

	return &Decoded{
		Document:    doc,
		SOAPVersion: version,
		Attachments: atts,
		Raw:         msg.Envelope,
	}, nil
}

func decodePlain(body io.Reader, mediaType string) (*Decoded, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading request body: %w", err)
	}

	doc, root, err := parseEnvelope(raw)
	if err != nil {
		return nil, err
	}

	version := message.SOAPVersionFromNamespace(root.NamespaceURI())
	if !version.IsKnown() {
		version = message.SOAPVersionFromContentType(mediaType)
	}
	if !version.IsKnown() {
		return nil, ErrUnknownSOAPVersion
	}

	return &Decoded{Document: doc, SOAPVersion: version, Raw: raw}, nil
}

func parseEnvelope(raw []byte) (*etree.Document, *etree.Element, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, nil, fmt.Errorf("parsing SOAP document: %w", err)
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return nil, nil, ErrNotEnvelope
	}
	return doc, root, nil
}

func (in *Intake) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

// lenientWriter forwards to w until the first error, which is logged and
// otherwise ignored.
type lenientWriter struct {
	w      io.Writer
	logger *slog.Logger
	failed bool
}

func (l *lenientWriter) Write(p []byte) (int, error) {
	if l.failed {
		return len(p), nil
	}
	if _, err := l.w.Write(p); err != nil {
		l.failed = true
		l.logger.Warn("incoming dump write failed", slog.String("error", err.Error()))
	}
	return len(p), nil
}
