package msh

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/beevik/etree"

	"github.com/phax/phase4-sub000/pkg/message"
)

// SOAPHeader is one direct child of the SOAP Header element.
type SOAPHeader struct {
	Element        *etree.Element
	QName          message.QName
	MustUnderstand bool
	Processed      bool
}

// HeaderContext is passed to every header processor.
type HeaderContext struct {
	Decoded *Decoded
	Meta    *Metadata
	// Header is the element the processor registered for.
	Header *SOAPHeader
	// Headers lists every header of the envelope.
	Headers []*SOAPHeader
	State   *State
}

// HeaderProcessor handles one SOAP header element. Returned error details
// stop the pipeline; a returned Go error is reported as EBMS:0004.
type HeaderProcessor interface {
	QName() message.QName
	Process(ctx context.Context, hc *HeaderContext) ([]*message.ErrorDetail, error)
}

// Pipeline runs header processors in registration order.
type Pipeline struct {
	processors []HeaderProcessor
	Logger     *slog.Logger
}

// NewPipeline creates a pipeline over an explicit processor list.
func NewPipeline(processors ...HeaderProcessor) *Pipeline {
	return &Pipeline{processors: processors}
}

// Processors returns the registered processors.
func (p *Pipeline) Processors() []HeaderProcessor {
	return p.processors
}

// Process runs all processors over the envelope of d. The state is
// returned even when protocol errors were collected.
func (p *Pipeline) Process(ctx context.Context, d *Decoded, meta *Metadata) (*State, []*message.ErrorDetail, error) {
	state := newState(d)
	root := d.Document.Root()

	header := childByLocal(root, "Header")
	if header == nil {
		return state, nil, formatError(ErrMissingHeader)
	}
	if childByLocal(root, "Body") == nil {
		return state, nil, formatError(ErrMissingBody)
	}

	headers := collectHeaders(header)
	var errs []*message.ErrorDetail

	for _, proc := range p.processors {
		qn := proc.QName()
		h := findHeader(headers, qn)
		if h == nil {
			continue
		}

		hc := &HeaderContext{Decoded: d, Meta: meta, Header: h, Headers: headers, State: state}
		procErrs, err := p.run(ctx, proc, hc)
		if err != nil {
			p.logger().Error("header processor failed",
				slog.String("header", qn.String()),
				slog.String("message_id", state.MessageID),
				slog.String("error", err.Error()))
			errs = append(errs, message.ErrOther.Detail(state.MessageID, fmt.Sprintf("error processing header %s: %v", qn.Local, err)))
			break
		}
		if len(procErrs) > 0 {
			errs = append(errs, procErrs...)
			break
		}
		h.Processed = true
	}

	if len(errs) > 0 {
		return state, errs, nil
	}

	for _, h := range headers {
		if h.MustUnderstand && !h.Processed {
			return state, nil, &ProcessingError{
				Kind: KindMustUnderstand,
				Err:  fmt.Errorf("%w: %s", ErrNotUnderstood, h.QName),
			}
		}
	}

	state.HeaderProcessingSuccessful = true
	return state, nil, nil
}

func (p *Pipeline) run(ctx context.Context, proc HeaderProcessor, hc *HeaderContext) (errs []*message.ErrorDetail, err error) {
	defer func() {
		if r := recover(); r != nil {
			errs = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return proc.Process(ctx, hc)
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func collectHeaders(header *etree.Element) []*SOAPHeader {
	children := header.ChildElements()
	out := make([]*SOAPHeader, 0, len(children))
	for _, el := range children {
		out = append(out, &SOAPHeader{
			Element:        el,
			QName:          message.QNameOf(el),
			MustUnderstand: mustUnderstand(el),
		})
	}
	return out
}

func findHeader(headers []*SOAPHeader, qn message.QName) *SOAPHeader {
	for _, h := range headers {
		if h.QName == qn {
			return h
		}
	}
	return nil
}

func mustUnderstand(el *etree.Element) bool {
	for _, a := range el.Attr {
		if a.Key != "mustUnderstand" {
			continue
		}
		ns := a.NamespaceURI()
		if ns != message.NsSOAP11 && ns != message.NsSOAP12 {
			continue
		}
		v := strings.TrimSpace(a.Value)
		return v == "true" || v == "1"
	}
	return false
}

func childByLocal(el *etree.Element, local string) *etree.Element {
	if el == nil {
		return nil
	}
	for _, c := range el.ChildElements() {
		if c.Tag == local {
			return c
		}
	}
	return nil
}

// bodyPayload returns the first element child of the SOAP Body.
func bodyPayload(doc *etree.Document) *etree.Element {
	if doc == nil {
		return nil
	}
	body := childByLocal(doc.Root(), "Body")
	if body == nil {
		return nil
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return nil
	}
	return children[0]
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}
