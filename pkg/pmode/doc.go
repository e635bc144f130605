// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package pmode provides Processing Mode (P-Mode) configuration for AS4.

A P-Mode is the agreement that tells the receiving MSH how an exchange is
carried out: which message exchange pattern and binding apply, which legs
exist, and per leg the SOAP version, security, receipt and error reporting
settings.

# P-Mode Structure

	type ProcessingMode struct {
	    ID                 string
	    Agreement          *Agreement
	    MEP                string   // oneWay or twoWay
	    MEPBinding         string   // push, pull, sync, push-and-push, ...
	    Initiator          *Party
	    Responder          *Party
	    Legs               []Leg    // leg 1 and, for two-way, leg 2
	    ReceptionAwareness *ReceptionAwareness
	}

Leg settings with receiver side meaning:

  - Protocol.SOAPVersion: SOAP version used for responses on that leg
  - ErrorHandling.Report.AsResponse: return errors on the back channel
    (default true)
  - Security.SendReceipt: receipt reply pattern and non-repudiation
  - Security.X509.Sign: sign responses and require signed requests
  - ReplyWithUserMessage: permit a synchronous reply user message (leg 2)

# Resolution

The Manager is a concurrency safe Resolver:

	manager := pmode.NewManager(pmodes...)
	pm, err := manager.Resolve(ctx, pmode.Key{Service: svc, Action: action})
	if errors.Is(err, pmode.ErrPModeNotFound) {
	    ...
	}

# Loading

P-Modes are usually kept in YAML:

	pmodes:
	  - id: invoice-push
	    mep: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay
	    mep_binding: http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push
	    legs:
	      - protocol: {soap_version: "1.2"}
	        business_info: {service: urn:invoice, action: submit}

	pmodes, err := pmode.LoadFile("pmodes.yaml")
*/
package pmode
