// ABOUTME: Store interface, entity types and error taxonomy for the local replica
// ABOUTME: Defines the persistence contract every other component depends on

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

// ErrNotFound is returned when a requested entity does not exist.
// Absence is not a failure; callers usually treat it as an empty result.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates an invariant, such as a
// backward media-upload transition. Conflicts are surfaced, never retried.
var ErrConflict = errors.New("conflict")

// ErrUnavailable is returned for transient storage I/O failures. The store
// never retries internally; the caller owns retry policy.
var ErrUnavailable = errors.New("storage unavailable")

// ErrCorrupt is returned when a persisted row can no longer be
// deserialized. This is fatal for the affected entity.
var ErrCorrupt = errors.New("corrupt record")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store closed")

// RoomStateEntry is the latest state event for a (room, type, state key)
// triple. Last write wins in arrival order, mirroring protocol ordering.
type RoomStateEntry struct {
	RoomID    id.RoomID
	EventType string
	StateKey  string
	Content   json.RawMessage
	OriginTS  int64 // origin server timestamp, milliseconds
}

// AccountDataEntry is private per-user configuration data. RoomID is empty
// for global entries; global and per-room namespaces are disjoint.
type AccountDataEntry struct {
	EventType string
	RoomID    id.RoomID
	Content   json.RawMessage
}

// PresenceEntry is the current presence event for a user, overwritten on
// each update.
type PresenceEntry struct {
	UserID  id.UserID
	Content json.RawMessage
}

// ReceiptEntry is a read receipt for (room, user, receipt type, thread).
type ReceiptEntry struct {
	RoomID      id.RoomID
	UserID      id.UserID
	ReceiptType string
	ThreadID    string
	EventID     id.EventID
	TS          int64
}

// RequestState is the durable state of a queued outbound request. Sent and
// Cancelled are terminal: their rows are removed rather than stored.
type RequestState string

const (
	RequestQueued  RequestState = "queued"
	RequestSending RequestState = "sending"
	RequestFailed  RequestState = "failed"
)

// QueuedRequest is a durable outbound protocol operation awaiting delivery.
// TxnID is caller-assigned and unique per local device; enqueueing the same
// TxnID twice is a no-op.
type QueuedRequest struct {
	TxnID     string
	RoomID    id.RoomID
	Kind      string
	Content   json.RawMessage
	Priority  int
	State     RequestState
	Attempts  int
	Error     string
	CreatedAt time.Time
}

// DependencyEdge records that Child must not be sent before Parent
// completes. Edges form a DAG; cycle detection happens at insertion time in
// the send queue, which owns the in-memory adjacency view.
type DependencyEdge struct {
	ParentTxnID string
	ChildTxnID  string
	RoomID      id.RoomID
	CreatedAt   time.Time
}

// MediaUploadState tracks an upload's lifecycle. Transitions only move
// forward: started may become completed or abandoned, terminal states never
// change.
type MediaUploadState string

const (
	MediaUploadStarted   MediaUploadState = "started"
	MediaUploadCompleted MediaUploadState = "completed"
	MediaUploadAbandoned MediaUploadState = "abandoned"
)

// MediaUploadRecord tracks one media upload request.
type MediaUploadRecord struct {
	RequestID string
	State     MediaUploadState
	MXCURI    string
	UpdatedAt time.Time
}

// Store is the persistence contract for the local replica.
type Store interface {
	// Custom key/value entries (sync cursors, filter IDs, flags).
	GetCustomValue(ctx context.Context, key string) ([]byte, error)
	SetCustomValue(ctx context.Context, key string, value []byte) error
	RemoveCustomValue(ctx context.Context, key string) error

	// Account data. roomID == "" addresses the global namespace.
	GetAccountData(ctx context.Context, eventType string, roomID id.RoomID) (*AccountDataEntry, error)
	SetAccountData(ctx context.Context, entry *AccountDataEntry) error
	RemoveAccountData(ctx context.Context, eventType string, roomID id.RoomID) error

	// Presence.
	GetPresence(ctx context.Context, userID id.UserID) (*PresenceEntry, error)
	SetPresence(ctx context.Context, entry *PresenceEntry) error

	// Room state.
	GetStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (*RoomStateEntry, error)
	GetStateEventsByType(ctx context.Context, roomID id.RoomID, eventType string) ([]*RoomStateEntry, error)
	GetRoomState(ctx context.Context, roomID id.RoomID) ([]*RoomStateEntry, error)
	ListRooms(ctx context.Context) ([]id.RoomID, error)

	// Receipts.
	GetReceipt(ctx context.Context, roomID id.RoomID, userID id.UserID, receiptType, threadID string) (*ReceiptEntry, error)
	GetRoomReceipts(ctx context.Context, roomID id.RoomID) ([]*ReceiptEntry, error)

	// Batched inbound writes. The returned records are in batch order and
	// reflect exactly what was committed.
	SaveChanges(ctx context.Context, changes *Changes) ([]ChangeRecord, error)

	// RemoveRoom deletes all entries under the room across every entity
	// type in one transaction and reports one deleted record per entity.
	RemoveRoom(ctx context.Context, roomID id.RoomID) ([]ChangeRecord, error)

	// Send queue persistence, consumed by the send queue worker.
	EnqueueRequest(ctx context.Context, req *QueuedRequest) error
	GetQueuedRequest(ctx context.Context, txnID string) (*QueuedRequest, error)
	ListQueuedRequests(ctx context.Context) ([]*QueuedRequest, error)
	UpdateRequestState(ctx context.Context, txnID string, state RequestState, attempts int, errMsg string) error
	RemoveQueuedRequest(ctx context.Context, txnID string) error

	// Dependency edges, indexed both ways for forward and reverse walks.
	AddDependencyEdge(ctx context.Context, edge *DependencyEdge) error
	ListDependencyEdges(ctx context.Context) ([]*DependencyEdge, error)
	EdgesFromParent(ctx context.Context, parentTxnID string) ([]*DependencyEdge, error)
	EdgesToChild(ctx context.Context, childTxnID string) ([]*DependencyEdge, error)
	RemoveEdgesForParent(ctx context.Context, parentTxnID string) error

	// Media upload tracking.
	UpsertMediaUpload(ctx context.Context, rec *MediaUploadRecord) error
	GetMediaUpload(ctx context.Context, requestID string) (*MediaUploadRecord, error)
	ListMediaUploads(ctx context.Context) ([]*MediaUploadRecord, error)

	// Close releases any resources held by the store.
	Close() error
}

// Well-known custom value keys.
const (
	KeySyncToken    = "sync_token"
	keyFilterPrefix = "filter:"
)

// FilterKey returns the custom-value key for a named sync filter.
func FilterKey(name string) string {
	return keyFilterPrefix + name
}
