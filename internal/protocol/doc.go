// Package protocol adapts the mautrix client to the narrow surface the
// rest of the daemon needs: sending events, state, redactions, and media,
// plus the long-poll sync loop.
//
// Outbound errors are classified at this boundary. Server-side and
// transport-level failures (5xx, rate limits, connection errors) map to
// store.ErrUnavailable so the send queue retries them; client errors
// (4xx) pass through unchanged and wedge the request.
//
// QueueTransport is the bridge between the durable send queue and the
// wire: it decodes each queued request's kind and payload and issues the
// corresponding client call.
package protocol
