// Package storage holds the artifact stores and publishers of the
// coordinator.
//
// An ArtifactStore keeps zkey artifacts and transcripts in per-ceremony
// buckets and exposes the multipart contract the contributors upload
// through. A Publisher mirrors finalized artifacts to content-addressed
// systems after the ceremony closes.
//
// # Location URIs
//
// Backends are selected with a URI:
//
//	file:///var/lib/ceremony/artifacts
//	s3://?region=us-east-1&endpoint=http://minio:9000&path-style=true
//	ipfs://ipfs.example.com:5001?timeout=30s
//
// file:// and s3:// select artifact stores, ipfs:// a publisher. Several
// publishers are combined with MultiPublisher, which reports the first
// failure after trying all of them.
//
// # Multipart uploads
//
// Part numbers start at 1. CompleteUpload checks the given parts against
// the recorded ones and refuses gaps or ETag mismatches with
// interfaces.ErrMismatchedParts. ListPendingUploads lets the upload sweeper
// find uploads nobody will complete.
package storage
