// ABOUTME: Batched change types for inbound sync writes and their committed records
// ABOUTME: ChangeRecord is the commit-ordered unit consumed by the live notifier

package store

import (
	"encoding/json"

	"maunium.net/go/mautrix/id"
)

// EntityKind identifies which table a change touched.
type EntityKind string

const (
	EntityRoomState     EntityKind = "room_state"
	EntityAccountData   EntityKind = "account_data"
	EntityPresence      EntityKind = "presence"
	EntityReceipt       EntityKind = "receipt"
	EntityCustom        EntityKind = "custom"
	EntityQueuedRequest EntityKind = "queued_request"
	EntityMediaUpload   EntityKind = "media_upload"
)

// ChangeOp is the kind of mutation a ChangeRecord describes.
type ChangeOp string

const (
	OpCreated ChangeOp = "created"
	OpUpdated ChangeOp = "updated"
	OpDeleted ChangeOp = "deleted"
)

// Changes is a mixed batch of inbound writes applied atomically by
// SaveChanges. Entries for the same key within one batch are applied in
// slice order, so the last one wins.
type Changes struct {
	StateEvents []RoomStateEntry
	AccountData []AccountDataEntry
	Presence    []PresenceEntry
	Receipts    []ReceiptEntry
}

// Empty reports whether the batch contains no writes.
func (c *Changes) Empty() bool {
	return len(c.StateEvents) == 0 && len(c.AccountData) == 0 &&
		len(c.Presence) == 0 && len(c.Receipts) == 0
}

// rooms returns the distinct room IDs the batch touches, with "" standing
// in for the global namespace (presence, global account data).
func (c *Changes) rooms() []id.RoomID {
	seen := make(map[id.RoomID]struct{})
	for _, e := range c.StateEvents {
		seen[e.RoomID] = struct{}{}
	}
	for _, e := range c.AccountData {
		seen[e.RoomID] = struct{}{}
	}
	for _, e := range c.Receipts {
		seen[e.RoomID] = struct{}{}
	}
	if len(c.Presence) > 0 {
		seen[""] = struct{}{}
	}
	out := make([]id.RoomID, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	return out
}

// ChangeRecord describes one committed mutation. Records returned from
// SaveChanges and RemoveRoom are in commit order. Prev is populated only
// when the write path already had the previous value in hand.
type ChangeRecord struct {
	Entity    EntityKind
	Op        ChangeOp
	RoomID    id.RoomID
	EventType string
	StateKey  string
	UserID    id.UserID
	Key       string
	Value     json.RawMessage
	Prev      json.RawMessage
}
