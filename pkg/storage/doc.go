// Package storage holds the infrastructure clients the rest of the
// service is built on: the Postgres connection pool, the Redis client,
// and blob storage for record documents.
//
// Blob storage is abstracted behind BlobStore with two implementations:
// S3Store for production (any S3-compatible endpoint, including MinIO)
// and FilesystemStore for local development and tests. Callers pick one
// at startup from configuration; nothing above this package knows which
// backend is in use.
package storage
