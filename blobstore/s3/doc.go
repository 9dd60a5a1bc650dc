// Package s3 implements blobstore.BlobStore on Amazon S3.
//
// Reads use ranged GETs so snapshot sections can be fetched without
// downloading the whole object; streaming writes go through the SDK's
// parallel multipart uploader.
package s3
