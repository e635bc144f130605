// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package message provides the ebMS3 header model used by the receiving MSH.

The package covers three concerns:

  - Parsing the eb:Messaging header into typed structs (UserMessage,
    SignalMessage with PullRequest, Receipt or Error).
  - SOAP 1.1 and 1.2 version handling (namespaces and MIME types).
  - Building outbound envelopes (Receipt, Error and UserMessage signals)
    with etree so that namespace prefixes stay stable for signing.

# Parsing

The parse structs match on local names only, so a Messaging element can be
decoded after it has been detached from the envelope that declared its
prefixes:

	m, err := message.ParseMessaging(elem)
	if err != nil {
	    return err
	}
	if um := m.FirstUserMessage(); um != nil {
	    fmt.Println(um.MessageInfo.MessageId)
	}

# Errors

Protocol level errors are represented by ErrorDetail values created from the
fixed ebMS3 code table:

	detail := message.ErrValueInconsistent.Detail(refToMessageID, "second async URL")

# Building

	doc, header, body := message.NewEnvelope(message.SOAP12)
	messaging := message.AppendMessaging(header, message.SOAP12)
	message.AppendReceipt(messaging, message.ReceiptSpec{...})
*/
package message
