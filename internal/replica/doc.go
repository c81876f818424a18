// Package replica applies inbound sync batches to the store and fans the
// committed changes out to live subscribers in commit order.
//
// A sync cycle becomes one SaveChanges batch. The batch commits
// atomically, then its change records are published, then the sync token
// advances. The token moving last means a crash replays the cycle, which
// is safe: every write is last-write-wins or idempotent.
//
// The replica also owns room removal (one transaction, one Deleted
// notification per removed entity) and builds frozen permission
// snapshots for new subscriptions from the stored power-level state.
package replica
