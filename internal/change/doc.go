// Package change defines the typed payloads exchanged between the local store
// and the remote authoritative service.
//
// A sync cycle moves two kinds of payload:
//   - PullResponse: remote changes since a version, plus the latest version
//   - PushRequest: local changes since the last acknowledged push
//
// Both carry Changes, a mapping from table name to a ChangeSet. A ChangeSet
// partitions records into created, updated and deleted sequences; a record id
// appears in at most one of them.
//
// # Determinism
//
// Tables are always visited in lexicographic order (Changes.Tables) so that
// applying the same payload twice produces the same store operations in the
// same order. Push bodies can be fingerprinted with canonical JSON
// (MarshalCanonical, Fingerprint) to show that a retried push carries the
// same body as the failed attempt.
package change
