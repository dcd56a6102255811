// Package blob describes byte content on its way into and out of the
// content-addressed store.
//
// The core interface is ReadOnlyBlob: an openable, re-readable source of
// bytes. The capability interfaces around it — SizeAware, DigestAware,
// DigestPrecalculatable — let a source carry what it already knows about
// its content, so the store can copy exact byte counts, verify claimed
// digests while streaming, and avoid re-hashing entries that are named
// after their own fingerprint.
//
// Copy and ToBytes are the only read paths the engine uses; both respect
// the capability interfaces.
//
// Concrete blobs live in the sub-packages: inmemory buffers unknown
// content once to learn its size and digest, filesystem reads files
// confined to a directory root.
package blob
