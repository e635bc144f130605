// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package mime handles MIME multipart packaging for AS4.

This package implements SOAP with Attachments (SwA) packaging for AS4
messages with binary payloads.

# MIME Structure

AS4 messages with attachments use multipart/related:

	Content-Type: multipart/related;
	    type="application/soap+xml";
	    start="<soap-envelope>";
	    boundary="----=_Part_..."

	------=_Part_...
	Content-Type: application/soap+xml
	Content-ID: <soap-envelope>

	[SOAP Envelope with encrypted content]

	------=_Part_...
	Content-Type: application/octet-stream
	Content-ID: <payload-1>
	Content-Transfer-Encoding: binary

	[Binary payload data]

# Parsing

The first part is always the SOAP envelope. Attachment parts are streamed
to a handler so callers can stage large content without buffering it:

	msg, err := mime.Parse(body, contentType, func(i int, p *mime.Part) error {
	    return stage(p.ContentID, p.ContentType, p.Body)
	})
	if errors.Is(err, mime.ErrMissingBoundary) {
	    // non-retryable format error
	}

# Serializing

	body, contentType, err := mime.Serialize(envelope, "application/soap+xml", payloads)
*/
package mime
