// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package phase4 implements the receiving side of OASIS ebMS 3.0 and the AS4
profile: an incoming message service handler (MSH) that accepts AS4
messages over HTTP, validates and unwraps them, hands their payloads to
business processors and answers with the protocol response the matching
Processing Mode demands.

# Overview

An inbound request passes through the following stages:

  - Intake: the HTTP body is read as a plain SOAP envelope or as a MIME
    multipart/related message whose first part is the envelope. Further
    parts become attachments.
  - Header processing: SOAP header blocks are handled by registered
    processors in a fixed order (eb:Messaging first, WS-Security second).
    Blocks flagged mustUnderstand without a processor yield a SOAP fault.
  - Post processing: message count, signing policy, profile validation,
    attachment decompression and MIME type correction.
  - Duplicate detection against a shared registry.
  - Business dispatch to application supplied processors.
  - Response: a Receipt, an Error signal, a reversed User Message, a pull
    reply or nothing. Responses are signed when the PMode leg asks for it
    and are delivered synchronously or, for push-and-push, to the
    responder address in the background.

# Package Structure

	github.com/phax/phase4-sub000/pkg/message     - ebMS3 header model, SOAP versions, error codes, envelope builders
	github.com/phax/phase4-sub000/pkg/pmode       - Processing Mode model, resolver and YAML loader
	github.com/phax/phase4-sub000/pkg/mime        - MIME multipart/related parsing and serialization
	github.com/phax/phase4-sub000/pkg/attachment  - Attachments and their resource scope
	github.com/phax/phase4-sub000/pkg/compression - GZIP attachment compression
	github.com/phax/phase4-sub000/pkg/security    - WS-Security signing and verification, keystores, trust
	github.com/phax/phase4-sub000/pkg/reliability - Duplicate suppression registries
	github.com/phax/phase4-sub000/pkg/transport   - HTTPS client with retry, circuit breaker and rate limit
	github.com/phax/phase4-sub000/pkg/msh         - Message Service Handler engine

The cmd/as4-receiver command runs a configurable receiver that archives
messages in memory or MongoDB.

# Quick Start

	engine, err := msh.NewEngine(msh.Config{
	    Resolver:   pmode.NewManager(pmodes...),
	    Processors: []msh.BusinessProcessor{myProcessor},
	    Registry:   reliability.NewMemoryRegistry(reliability.DefaultWindow, 0),
	    Verifier:   security.NewRSAVerifier(validator),
	})
	if err != nil {
	    return err
	}
	http.Handle("/as4", engine)

# References

  - OASIS ebXML Messaging Services v3.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - OASIS AS4 Profile of ebMS 3.0 Version 1.0: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - eDelivery AS4 2.0: https://ec.europa.eu/digital-building-blocks/sites/spaces/DIGITAL/pages/845480153/eDelivery+AS4+-+2.0

# License

BSD-2-Clause License
*/
package phase4
