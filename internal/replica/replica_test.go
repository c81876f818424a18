// ABOUTME: Tests for sync application, room removal fan-out, and snapshots
// ABOUTME: Real SQLite store and notifier wired together, no network

package replica

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/live"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

const (
	testRoom = id.RoomID("!room:example.org")
	testUser = id.UserID("@alice:example.org")
)

func setupReplica(t *testing.T) (*Replica, *store.SQLiteStore, *live.Notifier) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "replica.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := live.NewNotifier(nil)
	t.Cleanup(notifier.Close)
	return New(st, notifier, nil), st, notifier
}

func adminSnapshot(rooms ...id.RoomID) live.AuthSnapshot {
	tiers := make(map[id.RoomID]live.Tier, len(rooms))
	for _, r := range rooms {
		tiers[r] = live.TierAdministrator
	}
	return live.AuthSnapshot{UserID: testUser, Tiers: tiers}
}

func collect(t *testing.T, sub *live.Subscription, n int) []live.Notification {
	t.Helper()
	out := make([]live.Notification, 0, n)
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, rec)
		case <-deadline:
			t.Fatalf("timed out after %d of %d notifications", len(out), n)
		}
	}
	return out
}

func stateEntry(eventType, stateKey, content string) store.RoomStateEntry {
	return store.RoomStateEntry{
		RoomID:    testRoom,
		EventType: eventType,
		StateKey:  stateKey,
		Content:   []byte(content),
		OriginTS:  time.Now().UnixMilli(),
	}
}

func TestApplySync_PublishesAndAdvancesToken(t *testing.T) {
	r, _, notifier := setupReplica(t)
	ctx := context.Background()

	sub := notifier.Subscribe(ctx, live.FilterSpec{}, adminSnapshot(testRoom))

	changes := &store.Changes{
		StateEvents: []store.RoomStateEntry{
			stateEntry("m.room.name", "", `{"name":"Ops"}`),
			stateEntry("m.room.topic", "", `{"topic":"oncall"}`),
		},
		Presence: []store.PresenceEntry{
			{UserID: testUser, Content: []byte(`{"presence":"online"}`)},
		},
	}
	require.NoError(t, r.ApplySync(ctx, changes, "s100"))

	got := collect(t, sub, 3)
	assert.Equal(t, "m.room.name", got[0].EventType)
	assert.Equal(t, "m.room.topic", got[1].EventType)
	assert.Equal(t, store.EntityPresence, got[2].Entity)

	token, err := r.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s100", token)
}

func TestApplySync_EmptyBatchStillAdvancesToken(t *testing.T) {
	r, _, _ := setupReplica(t)
	ctx := context.Background()

	require.NoError(t, r.ApplySync(ctx, &store.Changes{}, "s7"))
	token, err := r.SyncToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s7", token)
}

func TestSyncToken_EmptyBeforeFirstCycle(t *testing.T) {
	r, _, _ := setupReplica(t)
	token, err := r.SyncToken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestRemoveRoom_NotifiesOncePerEntity(t *testing.T) {
	r, st, notifier := setupReplica(t)
	ctx := context.Background()

	changes := &store.Changes{
		StateEvents: []store.RoomStateEntry{
			stateEntry("m.room.name", "", `{"name":"Ops"}`),
		},
		AccountData: []store.AccountDataEntry{
			{EventType: "m.tag", RoomID: testRoom, Content: []byte(`{"tags":{}}`)},
		},
	}
	_, err := st.SaveChanges(ctx, changes)
	require.NoError(t, err)
	require.NoError(t, st.EnqueueRequest(ctx, &store.QueuedRequest{
		TxnID: "txn1", RoomID: testRoom, Kind: "event",
		Content: []byte(`{}`), State: store.RequestQueued, CreatedAt: time.Now().UTC(),
	}))

	sub := notifier.Subscribe(ctx, live.FilterSpec{}, adminSnapshot(testRoom))

	require.NoError(t, r.RemoveRoom(ctx, testRoom))

	got := collect(t, sub, 3)
	perEntity := make(map[store.EntityKind]int)
	for _, rec := range got {
		assert.Equal(t, store.OpDeleted, rec.Op)
		assert.Equal(t, testRoom, rec.RoomID)
		perEntity[rec.Entity]++
	}
	assert.Equal(t, 1, perEntity[store.EntityRoomState])
	assert.Equal(t, 1, perEntity[store.EntityAccountData])
	assert.Equal(t, 1, perEntity[store.EntityQueuedRequest])

	// Reads after removal miss across entity types.
	_, err = st.GetStateEvent(ctx, testRoom, "m.room.name", "")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetAccountData(ctx, "m.tag", testRoom)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetQueuedRequest(ctx, "txn1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSnapshotFor_TiersFromStoredPowerLevels(t *testing.T) {
	r, st, _ := setupReplica(t)
	ctx := context.Background()

	adminRoom := id.RoomID("!admin:example.org")
	memberRoom := id.RoomID("!member:example.org")
	bareRoom := id.RoomID("!bare:example.org")

	_, err := st.SaveChanges(ctx, &store.Changes{
		StateEvents: []store.RoomStateEntry{
			{RoomID: adminRoom, EventType: "m.room.power_levels", StateKey: "",
				Content: []byte(`{"users":{"@alice:example.org":100},"users_default":0}`)},
			{RoomID: memberRoom, EventType: "m.room.power_levels", StateKey: "",
				Content: []byte(`{"users":{"@alice:example.org":50}}`)},
			{RoomID: bareRoom, EventType: "m.room.name", StateKey: "",
				Content: []byte(`{"name":"no power levels here"}`)},
		},
	})
	require.NoError(t, err)

	snap, err := r.SnapshotFor(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, testUser, snap.UserID)
	assert.Equal(t, live.TierAdministrator, snap.Tiers[adminRoom])
	assert.Equal(t, live.TierContributor, snap.Tiers[memberRoom])
	assert.Equal(t, live.TierReadOnly, snap.Tiers[bareRoom])
}

func TestSnapshotFor_CorruptPowerLevelsDegradeToReadOnly(t *testing.T) {
	r, st, _ := setupReplica(t)
	ctx := context.Background()

	_, err := st.SaveChanges(ctx, &store.Changes{
		StateEvents: []store.RoomStateEntry{
			{RoomID: testRoom, EventType: "m.room.power_levels", StateKey: "",
				Content: []byte(`{"users":"not a map"}`)},
		},
	})
	require.NoError(t, err)

	snap, err := r.SnapshotFor(ctx, testUser)
	require.NoError(t, err)
	assert.Equal(t, live.TierReadOnly, snap.Tiers[testRoom])
}

func TestSubscribe_SnapshotFrozenAtCall(t *testing.T) {
	r, st, _ := setupReplica(t)
	ctx := context.Background()

	_, err := st.SaveChanges(ctx, &store.Changes{
		StateEvents: []store.RoomStateEntry{
			{RoomID: testRoom, EventType: "m.room.power_levels", StateKey: "",
				Content: []byte(`{"users":{"@alice:example.org":100}}`)},
		},
	})
	require.NoError(t, err)

	sub, err := r.Subscribe(ctx, testUser, live.FilterSpec{})
	require.NoError(t, err)

	// Demote alice after subscribing; the live snapshot must not move.
	require.NoError(t, r.ApplySync(ctx, &store.Changes{
		StateEvents: []store.RoomStateEntry{
			{RoomID: testRoom, EventType: "m.room.power_levels", StateKey: "",
				Content: []byte(`{"users":{"@alice:example.org":0}}`)},
		},
	}, ""))

	// A queue change needs contributor tier; the frozen admin snapshot
	// still sees it.
	require.NoError(t, st.EnqueueRequest(ctx, &store.QueuedRequest{
		TxnID: "late", RoomID: testRoom, Kind: "event",
		Content: []byte(`{}`), State: store.RequestQueued, CreatedAt: time.Now().UTC(),
	}))
	r.notifier.Publish([]store.ChangeRecord{{
		Entity: store.EntityQueuedRequest, Op: store.OpCreated,
		RoomID: testRoom, Key: "late",
	}})

	got := collect(t, sub, 2)
	assert.Equal(t, store.EntityRoomState, got[0].Entity)
	assert.Equal(t, store.EntityQueuedRequest, got[1].Entity)
}
