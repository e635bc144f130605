package msh

import (
	"crypto/x509"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode tells whether an inbound message is a request or the response to
// a request sent earlier.
type Mode int

const (
	ModeRequest Mode = iota
	ModeResponse
)

func (m Mode) String() string {
	if m == ModeResponse {
		return "response"
	}
	return "request"
}

// Metadata describes the transport level facts of one inbound message.
// Only the remote user and the TLS certificates may be set after
// construction.
type Metadata struct {
	IncomingUniqueID string
	ReceivedAt       time.Time
	Mode             Mode
	// RequestMessageID is only set in response mode.
	RequestMessageID string

	RemoteAddr string
	RemoteHost string
	RemotePort int
	Cookies    []*http.Cookie
	Header     http.Header

	mu         sync.RWMutex
	remoteUser string
	tlsCerts   []*x509.Certificate
}

func newMetadata(mode Mode) *Metadata {
	return &Metadata{
		IncomingUniqueID: uuid.NewString(),
		ReceivedAt:       time.Now().UTC(),
		Mode:             mode,
		Header:           http.Header{},
	}
}

// NewRequestMetadata captures the metadata of an HTTP request.
func NewRequestMetadata(r *http.Request) *Metadata {
	m := newMetadata(ModeRequest)
	m.RemoteAddr = r.RemoteAddr
	m.Header = r.Header.Clone()
	m.Cookies = r.Cookies()

	if host, port, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		m.RemoteHost = host
		m.RemotePort, _ = strconv.Atoi(port)
	} else {
		m.RemoteHost = r.RemoteAddr
	}
	if r.TLS != nil {
		m.tlsCerts = r.TLS.PeerCertificates
	}
	if user, _, ok := r.BasicAuth(); ok {
		m.remoteUser = user
	}
	return m
}

// NewResponseMetadata creates metadata for a response received to the
// request with the given message id.
func NewResponseMetadata(requestMessageID string) *Metadata {
	m := newMetadata(ModeResponse)
	m.RequestMessageID = requestMessageID
	return m
}

// RemoteUser returns the authenticated remote user, if any.
func (m *Metadata) RemoteUser() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.remoteUser
}

// SetRemoteUser sets the remote user after construction.
func (m *Metadata) SetRemoteUser(user string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remoteUser = user
}

// TLSCertificates returns the client certificate chain.
func (m *Metadata) TLSCertificates() []*x509.Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tlsCerts
}

// SetTLSCertificates sets the client certificate chain after
// construction.
func (m *Metadata) SetTLSCertificates(certs []*x509.Certificate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tlsCerts = certs
}
