// Package sendqueue delivers queued outbound requests in dependency order.
//
// # Overview
//
// Requests are durable: enqueueing persists the request before anything
// else happens, and the queue rehydrates from the store on start, so a
// crash never loses an accepted request. Each request moves through a
// small state machine:
//
//	Queued -> Sending -> Sent (terminal, row removed)
//	Sending -> Failed -> Queued (transient error, bounded backoff)
//	Failed (attempts exhausted) stays Failed with its error recorded
//	any non-terminal -> Cancelled (terminal, row and edges removed)
//
// # Ordering
//
// A dependency edge (parent, child) means the child is not dispatched
// until the parent reaches Sent. Edges must form a DAG; inserting an edge
// that would close a cycle fails immediately with ErrDependencyCycle.
// Among eligible requests, higher priority goes first, then insertion
// order. At most one request per room is in flight at a time, which is
// what preserves server-observed ordering.
//
// # Failure
//
// Transient errors (store.ErrUnavailable) retry with exponential backoff
// up to a bounded attempt count. Once attempts are exhausted — or the
// error is permanent — the request is wedged as Failed, every transitive
// dependent is wedged with it, and each one is reported individually
// through the failure callback. Nothing is dropped silently.
//
// Cancelling a request cancels all of its direct and transitive
// dependents, removing their rows and edges.
package sendqueue
