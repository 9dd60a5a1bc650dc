// Package minio implements blobstore.BlobStore on MinIO and S3-compatible
// object storage.
//
// Blobs are read with ranged GETs, so snapshot sections can be fetched
// without downloading the whole object. Writes stream through a pipe into a
// single PutObject call.
package minio
