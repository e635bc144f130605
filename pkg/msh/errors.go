package msh

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingHeader is returned for envelopes without a SOAP Header.
	ErrMissingHeader = errors.New("SOAP header element missing")
	// ErrMissingBody is returned for envelopes without a SOAP Body.
	ErrMissingBody = errors.New("SOAP body element missing")
	// ErrNotEnvelope is returned when the document root is not a SOAP
	// Envelope.
	ErrNotEnvelope = errors.New("document root is not a SOAP envelope")
	// ErrUnknownSOAPVersion is returned when neither the document nor the
	// content type identify a SOAP version.
	ErrUnknownSOAPVersion = errors.New("unknown SOAP version")
	// ErrUnsupportedMultipart is returned for multipart requests other
	// than multipart/related.
	ErrUnsupportedMultipart = errors.New("unsupported multipart content type")
	// ErrNotUnderstood is returned when a mustUnderstand header was not
	// handled by any processor.
	ErrNotUnderstood = errors.New("mustUnderstand header not processed")
	// ErrNoAsyncURL is returned when an asynchronous response has no
	// destination.
	ErrNoAsyncURL = errors.New("no asynchronous response URL")
	// ErrNilResult is returned when a business processor reports neither
	// a result nor an error.
	ErrNilResult = errors.New("business processor returned no result")
)

// ErrorKind classifies failures that abort processing before a protocol
// response can be built.
type ErrorKind int

const (
	// KindFatal covers business faults and internal defects.
	KindFatal ErrorKind = iota
	// KindFormat covers unreadable transport or XML content.
	KindFormat
	// KindMustUnderstand reports unprocessed mustUnderstand headers.
	KindMustUnderstand
)

func (k ErrorKind) String() string {
	switch k {
	case KindFormat:
		return "format"
	case KindMustUnderstand:
		return "must_understand"
	}
	return "fatal"
}

// ProcessingError is a failure that is not expressed as an ebMS error
// signal.
type ProcessingError struct {
	Kind      ErrorKind
	Retryable bool
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

func formatError(err error) error {
	return &ProcessingError{Kind: KindFormat, Err: err}
}

func fatalError(err error, retryable bool) error {
	return &ProcessingError{Kind: KindFatal, Retryable: retryable, Err: err}
}

// KindOf returns the kind of err, treating unclassified errors as fatal.
func KindOf(err error) ErrorKind {
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindFatal
}
