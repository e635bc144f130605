// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package msh implements the receiving Message Service Handler for AS4.

An Engine accepts an HTTP POST carrying a SOAP envelope, plain or as
MIME multipart/related, and answers with the ebMS3 response the PMode
asks for.

# Processing Steps

  - Intake decodes the body, stages attachments and detects the SOAP version
  - The Pipeline runs the header processors in registration order
  - The PostProcessor checks the message kind, signing policy and profile, and inflates compressed attachments
  - The duplicate registry rejects messages seen before
  - The Dispatcher hands the message to the business processors
  - The ResponseBuilder decides on Receipt, Error, reply or nothing and renders it

Protocol problems are collected as ebMS errors and returned in an Error
signal. Problems that prevent an ebMS answer are reported as a
*ProcessingError and mapped to a SOAP fault by ServeHTTP.

# Usage

	engine, err := msh.NewEngine(msh.Config{
	    Resolver:   pmode.NewManager(pmodes...),
	    Processors: []msh.BusinessProcessor{archiver},
	    Registry:   reliability.NewMemoryRegistry(24*time.Hour, time.Minute),
	    Signer:     signer,
	    Verifier:   security.NewRSAVerifier(validator),
	})
	http.Handle("/as4", engine)

# Asynchronous Exchanges

For the push-and-push binding the request is acknowledged with HTTP 204
and the response is pushed to the leg 2 address in the background. Wait
blocks until those tasks are done.

# References

  - OASIS ebMS 3.0 Processing: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/core/os/
  - AS4 Profile: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
*/
package msh
