package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Recommended TLS 1.2 cipher suites for AS4
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ErrUnexpectedStatus wraps non 2xx answers of the remote MSH.
var ErrUnexpectedStatus = errors.New("unexpected status code")

// StatusError is returned for a non 2xx answer. It matches
// ErrUnexpectedStatus.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %d: %s", ErrUnexpectedStatus, e.StatusCode, e.Body)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrUnexpectedStatus
}

// HTTPSConfig contains HTTPS client/server configuration
type HTTPSConfig struct {
	MinTLSVersion   uint16
	MaxTLSVersion   uint16
	CipherSuites    []uint16
	ClientAuth      tls.ClientAuthType
	Certificates    []tls.Certificate
	RootCAs         *x509.CertPool
	ClientCAs       *x509.CertPool
	Timeout         time.Duration
	IdleConnTimeout time.Duration
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
	}
}

// ClientTLSConfig builds the tls.Config used for outbound connections.
func (c *HTTPSConfig) ClientTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		RootCAs:      c.RootCAs,
	}
}

// ServerTLSConfig builds the tls.Config for the receiving endpoint.
func (c *HTTPSConfig) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   c.MinTLSVersion,
		MaxVersion:   c.MaxTLSVersion,
		CipherSuites: c.CipherSuites,
		Certificates: c.Certificates,
		ClientCAs:    c.ClientCAs,
		ClientAuth:   c.ClientAuth,
	}
}

// RetryConfig controls resending of asynchronous responses.
type RetryConfig struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	// Backoff is multiplied by the attempt number between tries.
	Backoff time.Duration

	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32
	CircuitBreakerInterval    time.Duration
	CircuitBreakerTimeout     time.Duration
	CircuitBreakerRatio       float64
	CircuitBreakerMinRequests uint32

	// RatePerSecond limits outbound sends; zero disables limiting.
	RatePerSecond float64
	Burst         int
}

// DefaultRetryConfig returns the retry settings used for push-and-push
// responses.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:               3,
		Backoff:                   2 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    5,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerTimeout:     30 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerMinRequests: 10,
	}
}

// Payload is a fully serialized outbound message. It can be sent any
// number of times.
type Payload struct {
	Body        []byte
	ContentType string
	Header      http.Header
}

// Response is the answer of the remote endpoint.
type Response struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// HTTPSClient handles AS4 message transmission over HTTPS. Each target
// host has its own circuit breaker.
type HTTPSClient struct {
	client  *http.Client
	config  *HTTPSConfig
	retry   *RetryConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	// OnRetry is called before every resend with the attempt that failed.
	OnRetry func(attempt int, err error)
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig, retry *RetryConfig) *HTTPSClient {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if retry == nil {
		retry = DefaultRetryConfig()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}

	transport := &http.Transport{
		TLSClientConfig:     config.ClientTLSConfig(),
		IdleConnTimeout:     config.IdleConnTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
	}

	c := &HTTPSClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		config: config,
		retry:  retry,
	}

	if retry.CircuitBreakerEnabled {
		c.breakers = make(map[string]*gobreaker.CircuitBreaker)
	}

	if retry.RatePerSecond > 0 {
		burst := retry.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(retry.RatePerSecond), burst)
	}

	return c
}

// Send posts the payload to endpoint, retrying transport errors and 5xx
// answers. 4xx answers are returned without retry.
func (c *HTTPSClient) Send(ctx context.Context, endpoint string, payload *Payload) (*Response, error) {
	if payload == nil {
		return nil, fmt.Errorf("nil payload")
	}
	breaker := c.breakerFor(endpoint)
	if breaker == nil {
		return c.sendWithRetry(ctx, endpoint, payload)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return c.sendWithRetry(ctx, endpoint, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("Circuit breaker open", "endpoint", endpoint)
		}
		resp, _ := result.(*Response)
		return resp, err
	}
	return result.(*Response), nil
}

// breakerFor returns the circuit breaker of the endpoint's host, nil when
// breaking is disabled.
func (c *HTTPSClient) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	if c.breakers == nil {
		return nil
	}
	host := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		host = u.Host
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[host]; ok {
		return b
	}

	retry := c.retry
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "as4-response-sender:" + host,
		MaxRequests: retry.CircuitBreakerRequests,
		Interval:    retry.CircuitBreakerInterval,
		Timeout:     retry.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < retry.CircuitBreakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= retry.CircuitBreakerRatio
		},
		// A 4xx answer proves the peer is reachable.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.StatusCode < http.StatusInternalServerError
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String())
		},
	})
	c.breakers[host] = b
	return b
}

func (c *HTTPSClient) sendWithRetry(ctx context.Context, endpoint string, payload *Payload) (*Response, error) {
	var lastErr error
	var lastResp *Response

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		resp, err := c.sendOnce(ctx, endpoint, payload)
		if err == nil {
			return resp, nil
		}
		lastErr, lastResp = err, resp

		if resp != nil && resp.StatusCode < http.StatusInternalServerError {
			return resp, err
		}
		if attempt == c.retry.MaxAttempts {
			break
		}
		if c.OnRetry != nil {
			c.OnRetry(attempt, err)
		}

		backoff := time.Duration(attempt) * c.retry.Backoff
		slog.Info("Retrying after backoff",
			"endpoint", endpoint,
			"attempt", attempt,
			"backoff", backoff)
		select {
		case <-ctx.Done():
			return lastResp, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastResp, lastErr
}

func (c *HTTPSClient) sendOnce(ctx context.Context, endpoint string, payload *Payload) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload.Body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for k, vs := range payload.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", payload.ContentType)
	req.Header.Set("User-Agent", "phase4-receiver/1.0")
	req.Header.Set("SOAPAction", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	out := &Response{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return out, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return out, nil
}
