package message

import (
	"mime"
	"strings"
)

// SOAPVersion identifies the SOAP envelope version of a document.
type SOAPVersion int

const (
	// SOAPUnknown is the zero value; it never describes a parsed document.
	SOAPUnknown SOAPVersion = iota
	SOAP11
	SOAP12
)

// Namespace returns the envelope namespace URI.
func (v SOAPVersion) Namespace() string {
	switch v {
	case SOAP11:
		return NsSOAP11
	case SOAP12:
		return NsSOAP12
	}
	return ""
}

// MimeType returns the media type used for a plain SOAP body.
func (v SOAPVersion) MimeType() string {
	if v == SOAP11 {
		return "text/xml"
	}
	return "application/soap+xml"
}

// Prefix returns the envelope prefix written by the builders.
func (v SOAPVersion) Prefix() string {
	if v == SOAP11 {
		return "S11"
	}
	return "S12"
}

// MustUnderstandTrue is the literal written for mustUnderstand attributes.
func (v SOAPVersion) MustUnderstandTrue() string {
	if v == SOAP11 {
		return "1"
	}
	return "true"
}

// String returns "1.1" or "1.2", matching the PMode protocol notation.
func (v SOAPVersion) String() string {
	switch v {
	case SOAP11:
		return "1.1"
	case SOAP12:
		return "1.2"
	}
	return "unknown"
}

// IsKnown reports whether v is SOAP 1.1 or 1.2.
func (v SOAPVersion) IsKnown() bool {
	return v == SOAP11 || v == SOAP12
}

// SOAPVersionFromNamespace maps an envelope namespace to its version.
func SOAPVersionFromNamespace(ns string) SOAPVersion {
	switch ns {
	case NsSOAP11:
		return SOAP11
	case NsSOAP12:
		return SOAP12
	}
	return SOAPUnknown
}

// SOAPVersionFromContentType derives the version from a Content-Type
// header value. multipart/related values are inspected through their
// "type" parameter.
func SOAPVersionFromContentType(contentType string) SOAPVersion {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return SOAPUnknown
	}
	if strings.HasPrefix(mediaType, "multipart/") {
		mediaType = strings.ToLower(params["type"])
	}
	switch mediaType {
	case "application/soap+xml":
		return SOAP12
	case "text/xml":
		return SOAP11
	}
	return SOAPUnknown
}

// ParseSOAPVersion parses the PMode notation ("1.1", "1.2").
func ParseSOAPVersion(s string) SOAPVersion {
	switch strings.TrimSpace(s) {
	case "1.1", "11":
		return SOAP11
	case "1.2", "12":
		return SOAP12
	}
	return SOAPUnknown
}
