// Package audit provides the append-only mutation trail.
//
// Every mutation in the system — human, AI agent, automation, or API — lands
// here as an Entry with before/after state snapshots and actor identity.
// Entries created during one logical operation (an AI tool call and its side
// effects) share a RequestID so the chain can be reconstructed afterwards.
//
// Writes are best-effort by contract: Writer.Log never returns an error and
// never panics. A failed audit write is logged operationally and counted,
// but it must never fail or roll back the business mutation it accompanies.
// For the same reason audit writes are never part of the caller's
// transaction.
package audit
