// Package async provides panic-safe goroutine primitives for background work.
//
// SafeGo runs a single fire-and-forget task with panic recovery and a
// deadline. WorkerPool runs a fixed set of workers draining a task channel
// with graceful shutdown; the automation dispatcher is built on it. Batch
// fans a slice of items out over a temporary pool and collects the errors.
//
// Panics never escape: they are logged through the observability logger
// carried on the context and converted to errors where a caller can see
// them.
package async
