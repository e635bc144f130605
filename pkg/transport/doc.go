// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package transport implements HTTPS transport layer for AS4.

This package provides secure HTTP transport for AS4 messages with
TLS 1.2/1.3 support as specified in the eDelivery AS4 profile.

# TLS Configuration

The package recommends TLS 1.3 with fallback to TLS 1.2:

	config := transport.DefaultHTTPSConfig()
	// MinTLSVersion: TLS 1.2
	// MaxTLSVersion: TLS 1.3

For TLS 1.2, the following cipher suites are recommended:
  - TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256
  - TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384
  - TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256

# Client Usage

The client is used to push asynchronous responses (receipts, errors and
reply user messages) to the sender. Transport errors and 5xx answers are
retried with linear backoff; a circuit breaker stops hammering an
endpoint that keeps failing:

	client := transport.NewHTTPSClient(transport.DefaultHTTPSConfig(), &transport.RetryConfig{
	    MaxAttempts: 3,
	    Backoff:     2 * time.Second,
	})

	resp, err := client.Send(ctx, "https://sender.example.com/as4", &transport.Payload{
	    Body:        body,
	    ContentType: contentType,
	})

# Server Usage

The receiving endpoint takes its TLS settings from the same config:

	srv := &http.Server{TLSConfig: config.ServerTLSConfig()}

# Content Types

AS4 messages use specific content types:

	ContentTypeSOAP     = "application/soap+xml"
	ContentTypeMultipart = "multipart/related"

# References

  - eDelivery AS4 Transport: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/
  - TLS 1.3 RFC 8446: https://datatracker.ietf.org/doc/html/rfc8446
  - TLS 1.2 RFC 5246: https://datatracker.ietf.org/doc/html/rfc5246
*/
package transport
