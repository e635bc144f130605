// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package reliability provides duplicate detection for the receiving MSH.

AS4 reception awareness requires a receiver to recognise re-delivered
messages. Every syntactically valid inbound message is registered once,
before business dispatch, under the triple (message id, profile id,
PMode id):

	outcome, err := registry.RegisterAndCheck(ctx, msgID, profileID, pmodeID)
	if outcome == reliability.OutcomeDuplicate {
	    // answer with a protocol error, never dispatch twice
	}

# Registries

  - MemoryRegistry keeps registrations in process for a bounded window.
  - RedisRegistry uses SET NX with a TTL so several receivers share one
    view.

A MongoDB registry lives in internal/storage/mongodb.
*/
package reliability
