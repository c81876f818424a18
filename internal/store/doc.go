// Package store persists the local replica of server-side conversation
// state and is the single point of serialization for every other component.
//
// # Overview
//
// The store keeps seven kinds of records, each with a uniqueness index
// matching its key:
//
//   - Room state events, keyed by (room, event type, state key). At most one
//     row per key; the latest arrival wins.
//   - Account data, keyed by (event type, optional room). Global and
//     per-room entries are disjoint namespaces.
//   - Presence, keyed by user.
//   - Read receipts, keyed by (room, user, receipt type, thread).
//   - Custom values, keyed by opaque string. Sync tokens and filter IDs
//     live here.
//   - Queued outbound requests plus their dependency edges (the durable
//     backing of the send queue).
//   - Media upload records, keyed by request ID, with forward-only state
//     transitions.
//
// # Write paths
//
// Inbound protocol events are persisted exclusively through SaveChanges,
// which applies a mixed batch (state, account data, presence, receipts) in
// one transaction. Writes touching the same room are serialized; writes to
// different rooms proceed concurrently. SaveChanges returns the committed
// changes in batch order so callers can fan them out to live subscribers.
//
// RemoveRoom deletes everything under a room (state, per-room account data,
// queued requests and their edges) atomically and reports what was deleted.
//
// # Errors
//
// Reads that miss return ErrNotFound; this is absence, not failure. Writes
// that violate an invariant return ErrConflict and are never retried here.
// Transient storage failures surface as ErrUnavailable (callers own retry
// policy). Rows that no longer deserialize surface as ErrCorrupt and must
// not be silently skipped.
//
// # Schema
//
// The schema is managed by an ordered, append-only list of named
// migrations. Applied migration names are recorded in schema_migrations so
// each migration runs exactly once.
package store
