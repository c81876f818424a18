// ABOUTME: Tests for sync event to batch translation
// ABOUTME: State routing, presence routing, receipt content decoding

package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

func TestBatch_AddEvent_State(t *testing.T) {
	var b Batch
	stateKey := ""
	require.NoError(t, b.AddEvent(&event.Event{
		RoomID:    testRoom,
		Type:      event.Type{Type: "m.room.name", Class: event.StateEventType},
		StateKey:  &stateKey,
		Timestamp: 1700000000000,
		Content:   event.Content{VeryRaw: []byte(`{"name":"Ops"}`)},
	}))

	require.Len(t, b.Changes().StateEvents, 1)
	entry := b.Changes().StateEvents[0]
	assert.Equal(t, testRoom, entry.RoomID)
	assert.Equal(t, "m.room.name", entry.EventType)
	assert.Equal(t, int64(1700000000000), entry.OriginTS)
}

func TestBatch_AddEvent_Presence(t *testing.T) {
	var b Batch
	require.NoError(t, b.AddEvent(&event.Event{
		Type:    event.Type{Type: "m.presence", Class: event.EphemeralEventType},
		Sender:  testUser,
		Content: event.Content{VeryRaw: []byte(`{"presence":"online"}`)},
	}))

	require.Len(t, b.Changes().Presence, 1)
	assert.Equal(t, testUser, b.Changes().Presence[0].UserID)
	assert.Empty(t, b.Changes().StateEvents)
}

func TestBatch_AddEvent_AccountData(t *testing.T) {
	var b Batch
	require.NoError(t, b.AddEvent(&event.Event{
		RoomID:  testRoom,
		Type:    event.Type{Type: "m.tag", Class: event.AccountDataEventType},
		Content: event.Content{VeryRaw: []byte(`{"tags":{"u.work":{}}}`)},
	}))
	require.NoError(t, b.AddEvent(&event.Event{
		Type:    event.Type{Type: "m.push_rules", Class: event.AccountDataEventType},
		Content: event.Content{VeryRaw: []byte(`{"global":{}}`)},
	}))

	entries := b.Changes().AccountData
	require.Len(t, entries, 2)
	assert.Equal(t, "m.tag", entries[0].EventType)
	assert.Equal(t, testRoom, entries[0].RoomID)
	assert.Equal(t, "m.push_rules", entries[1].EventType)
	assert.Empty(t, entries[1].RoomID, "account data without a room is global")
}

func TestBatch_AddEvent_Receipts(t *testing.T) {
	var b Batch
	require.NoError(t, b.AddEvent(&event.Event{
		RoomID: testRoom,
		Type:   event.Type{Type: "m.receipt", Class: event.EphemeralEventType},
		Content: event.Content{VeryRaw: []byte(
			`{"$evt1": {"m.read": {"@alice:example.org": {"ts": 1700000000000}}}}`)},
	}))

	receipts := b.Changes().Receipts
	require.Len(t, receipts, 1)
	assert.Equal(t, id.EventID("$evt1"), receipts[0].EventID)
	assert.Equal(t, id.UserID("@alice:example.org"), receipts[0].UserID)
}

func TestBatch_AddEvent_MalformedReceipts(t *testing.T) {
	var b Batch
	err := b.AddEvent(&event.Event{
		RoomID:  testRoom,
		Type:    event.Type{Type: "m.receipt", Class: event.EphemeralEventType},
		Content: event.Content{VeryRaw: []byte(`{"$evt1": 42}`)},
	})
	assert.Error(t, err)
	assert.True(t, b.Changes().Empty())
}

func TestBatch_AddEvent_TimelineMessageIgnored(t *testing.T) {
	var b Batch
	require.NoError(t, b.AddEvent(&event.Event{
		RoomID:  testRoom,
		Type:    event.Type{Type: "m.room.message", Class: event.MessageEventType},
		Content: event.Content{VeryRaw: []byte(`{"msgtype":"m.text","body":"hi"}`)},
	}))
	assert.True(t, b.Changes().Empty())
}

func TestBatch_AddReceipts(t *testing.T) {
	var b Batch
	content := []byte(`{
		"$evt1": {
			"m.read": {
				"@alice:example.org": {"ts": 1700000000000},
				"@bob:example.org":   {"ts": 1700000001000, "thread_id": "$thread"}
			}
		}
	}`)
	require.NoError(t, b.AddReceipts(testRoom, content))

	receipts := b.Changes().Receipts
	require.Len(t, receipts, 2)
	byUser := make(map[id.UserID]store.ReceiptEntry)
	for _, rec := range receipts {
		byUser[rec.UserID] = rec
	}
	assert.Equal(t, id.EventID("$evt1"), byUser["@alice:example.org"].EventID)
	assert.Equal(t, "$thread", byUser["@bob:example.org"].ThreadID)
	assert.Equal(t, int64(1700000001000), byUser["@bob:example.org"].TS)
}

func TestBatch_AddReceipts_Malformed(t *testing.T) {
	var b Batch
	assert.Error(t, b.AddReceipts(testRoom, []byte(`{"$evt1": 42}`)))
}
