// ABOUTME: Translates raw sync events into store.Changes batch entries
// ABOUTME: State, presence, account data, and m.receipt ephemeral content

package replica

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

// Batch accumulates one sync cycle's writes before ApplySync commits
// them. Zero value is ready to use.
type Batch struct {
	changes store.Changes
}

func (b *Batch) Changes() *store.Changes { return &b.changes }

// AddEvent routes a single sync event into the batch. Events with a
// state key become room state; account-data events become account data
// (global when the event carries no room); m.receipt fans out into
// individual receipt entries; m.presence becomes a presence entry.
// Plain timeline messages are not persisted here, and unrecognized
// events are skipped, not errors: a replica must tolerate event types
// minted after it shipped.
func (b *Batch) AddEvent(evt *event.Event) error {
	switch {
	case evt.StateKey != nil:
		b.changes.StateEvents = append(b.changes.StateEvents, store.RoomStateEntry{
			RoomID:    evt.RoomID,
			EventType: evt.Type.Type,
			StateKey:  *evt.StateKey,
			Content:   evt.Content.VeryRaw,
			OriginTS:  evt.Timestamp,
		})
	case evt.Type.Class == event.AccountDataEventType:
		b.AddAccountData(evt.Type.Type, evt.RoomID, evt.Content.VeryRaw)
	case evt.Type.Type == "m.receipt":
		return b.AddReceipts(evt.RoomID, evt.Content.VeryRaw)
	case evt.Type.Type == "m.presence":
		b.changes.Presence = append(b.changes.Presence, store.PresenceEntry{
			UserID:  evt.Sender,
			Content: evt.Content.VeryRaw,
		})
	}
	return nil
}

// AddAccountData records a global (roomID == "") or per-room account
// data entry.
func (b *Batch) AddAccountData(eventType string, roomID id.RoomID, content json.RawMessage) {
	b.changes.AccountData = append(b.changes.AccountData, store.AccountDataEntry{
		EventType: eventType,
		RoomID:    roomID,
		Content:   content,
	})
}

// receiptBody is the m.receipt wire shape:
// {"$event": {"m.read": {"@user": {"ts": 1234, "thread_id": "..."}}}}
type receiptBody map[string]map[string]map[string]struct {
	TS       int64  `json:"ts"`
	ThreadID string `json:"thread_id"`
}

// AddReceipts decodes an m.receipt ephemeral event's content into
// individual receipt entries.
func (b *Batch) AddReceipts(roomID id.RoomID, content json.RawMessage) error {
	var body receiptBody
	if err := json.Unmarshal(content, &body); err != nil {
		return fmt.Errorf("decode receipt content for %s: %w", roomID, err)
	}
	for eventID, byType := range body {
		for receiptType, byUser := range byType {
			for userID, detail := range byUser {
				b.changes.Receipts = append(b.changes.Receipts, store.ReceiptEntry{
					RoomID:      roomID,
					UserID:      id.UserID(userID),
					ReceiptType: receiptType,
					ThreadID:    detail.ThreadID,
					EventID:     id.EventID(eventID),
					TS:          detail.TS,
				})
			}
		}
	}
	return nil
}
