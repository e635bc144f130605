package security

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"
)

var (
	// ErrCertificateExpired is returned when a certificate has expired
	ErrCertificateExpired = errors.New("certificate has expired")
	// ErrCertificateNotYetValid is returned when a certificate is not yet valid
	ErrCertificateNotYetValid = errors.New("certificate is not yet valid")
	// ErrCertificateUntrusted is returned when a certificate is not trusted
	ErrCertificateUntrusted = errors.New("certificate is not trusted")
	// ErrCertificateRevoked is returned when a certificate has been revoked
	ErrCertificateRevoked = errors.New("certificate has been revoked")
)

// CertificateValidator decides whether a signing certificate is trusted.
type CertificateValidator interface {
	Validate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) error
}

// PKIXValidator verifies the certificate chain against a root pool.
type PKIXValidator struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewPKIXValidator creates a validator. A nil pool uses the system roots.
func NewPKIXValidator(roots *x509.CertPool) *PKIXValidator {
	return &PKIXValidator{roots: roots, now: time.Now}
}

// Validate checks validity period and chain.
func (v *PKIXValidator) Validate(_ context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) error {
	now := v.now()
	if now.Before(cert.NotBefore) {
		return ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return ErrCertificateExpired
	}

	opts := x509.VerifyOptions{
		Roots:         v.roots,
		CurrentTime:   now,
		Intermediates: x509.NewCertPool(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	for _, c := range intermediates {
		opts.Intermediates.AddCert(c)
	}
	if _, err := cert.Verify(opts); err != nil {
		return fmt.Errorf("%w: %v", ErrCertificateUntrusted, err)
	}
	return nil
}

// OCSPChecker wraps a validator with an OCSP revocation check. Results
// are cached per serial number.
type OCSPChecker struct {
	base   CertificateValidator
	issuer *x509.Certificate
	client *http.Client

	// Strict rejects certificates whose status cannot be determined.
	Strict   bool
	CacheTTL time.Duration

	mu    sync.Mutex
	cache map[string]ocspEntry
}

type ocspEntry struct {
	err     error
	expires time.Time
}

// NewOCSPChecker creates a checker for certificates issued by issuer.
func NewOCSPChecker(base CertificateValidator, issuer *x509.Certificate, client *http.Client) *OCSPChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &OCSPChecker{
		base:     base,
		issuer:   issuer,
		client:   client,
		CacheTTL: time.Hour,
		cache:    make(map[string]ocspEntry),
	}
}

// Validate runs the base validator, then the revocation check.
func (c *OCSPChecker) Validate(ctx context.Context, cert *x509.Certificate, intermediates []*x509.Certificate) error {
	if c.base != nil {
		if err := c.base.Validate(ctx, cert, intermediates); err != nil {
			return err
		}
	}

	err := c.status(ctx, cert)
	if err == nil || errors.Is(err, ErrCertificateRevoked) {
		return err
	}
	if c.Strict {
		return fmt.Errorf("revocation check failed: %w", err)
	}
	return nil
}

func (c *OCSPChecker) status(ctx context.Context, cert *x509.Certificate) error {
	key := cert.SerialNumber.String()
	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.err
	}
	c.mu.Unlock()

	if len(cert.OCSPServer) == 0 {
		return fmt.Errorf("no OCSP server URL in certificate")
	}

	req, err := ocsp.CreateRequest(cert, c.issuer, &ocsp.RequestOptions{Hash: crypto.SHA256})
	if err != nil {
		return fmt.Errorf("failed to create OCSP request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cert.OCSPServer[0], bytes.NewReader(req))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")
	httpReq.Header.Set("Accept", "application/ocsp-response")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("OCSP responder returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	parsed, err := ocsp.ParseResponse(body, c.issuer)
	if err != nil {
		return fmt.Errorf("failed to parse OCSP response: %w", err)
	}

	var result error
	switch parsed.Status {
	case ocsp.Good:
	case ocsp.Revoked:
		result = ErrCertificateRevoked
	default:
		// unknown status is not cached
		return fmt.Errorf("OCSP status unknown")
	}

	c.mu.Lock()
	c.cache[key] = ocspEntry{err: result, expires: time.Now().Add(c.CacheTTL)}
	c.mu.Unlock()
	return result
}
