// Package memory holds short-lived conversational context for assistant
// sessions.
//
// Context lives in Redis under conversation:{orgID}:{sessionID} with a
// sliding TTL: every save pushes expiry out again, so an active
// conversation never lapses and an abandoned one vanishes on its own.
// The blob is bounded — message, tool-call, and entity windows are
// truncated on every write — so a session can run all day without
// growing.
//
// Writes are read-modify-write with no locking. One writer per session
// is assumed; concurrent writers to the same session lose updates on a
// last-write-wins basis.
package memory
