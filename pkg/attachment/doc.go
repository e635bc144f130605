// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package attachment holds inbound MIME attachments for the lifetime of one
message.

A Factory turns each MIME part of a multipart/related request into an
Attachment. Small parts are kept in memory; larger parts are staged in a
temporary file registered with the message's Scope. Closing the Scope
removes every staged file:

	scope := attachment.NewScope()
	defer scope.Close()

	att, err := factory.Create(part, scope)
*/
package attachment
