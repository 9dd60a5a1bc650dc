// Package blobstore provides storage abstraction for clustering artifacts:
// model snapshots and cluster membership sets.
//
// BlobStore is the interface for reading and writing data blobs.
// Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: In-memory store for tests
//   - LocalStore: Local filesystem with mmap support
//   - minio.Store: MinIO and S3-compatible object storage
//   - s3.Store: Amazon S3 with range reads and parallel uploads
//
// # Custom Implementations
//
// Implement the BlobStore interface to support custom storage backends.
// For cloud backends, implement ReadRange for efficient partial reads.
package blobstore
