package live

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

const testRoom = id.RoomID("!room:example.org")

func readerSnapshot(rooms ...id.RoomID) AuthSnapshot {
	tiers := make(map[id.RoomID]Tier)
	for _, r := range rooms {
		tiers[r] = TierReadOnly
	}
	return AuthSnapshot{UserID: "@watcher:example.org", Tiers: tiers}
}

func stateChange(op store.ChangeOp, roomID id.RoomID, eventType string) store.ChangeRecord {
	return store.ChangeRecord{
		Entity:    store.EntityRoomState,
		Op:        op,
		RoomID:    roomID,
		EventType: eventType,
		Value:     json.RawMessage(`{}`),
	}
}

// collect drains n notifications or fails the test after a timeout.
func collect(t *testing.T, sub *Subscription, n int) []Notification {
	t.Helper()
	out := make([]Notification, 0, n)
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case rec, ok := <-sub.Events():
			require.True(t, ok, "subscription closed early")
			out = append(out, rec)
		case <-timeout:
			t.Fatalf("timed out after %d of %d notifications", len(out), n)
		}
	}
	return out
}

func TestNotifier_DeliversInCommitOrder(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))

	records := []store.ChangeRecord{
		stateChange(store.OpCreated, testRoom, "m.room.create"),
		stateChange(store.OpCreated, testRoom, "m.room.member"),
		stateChange(store.OpUpdated, testRoom, "m.room.topic"),
	}
	n.Publish(records)

	got := collect(t, sub, 3)
	assert.Equal(t, "m.room.create", got[0].EventType)
	assert.Equal(t, "m.room.member", got[1].EventType)
	assert.Equal(t, "m.room.topic", got[2].EventType)
}

func TestNotifier_FilterByEntityAndRoom(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	otherRoom := id.RoomID("!other:example.org")
	sub := n.Subscribe(context.Background(), FilterSpec{
		Entities: []store.EntityKind{store.EntityRoomState},
		RoomID:   testRoom,
	}, readerSnapshot(testRoom, otherRoom))

	n.Publish([]store.ChangeRecord{
		stateChange(store.OpCreated, testRoom, "m.room.topic"),
		stateChange(store.OpCreated, otherRoom, "m.room.topic"),
		{Entity: store.EntityPresence, Op: store.OpUpdated, UserID: "@a:x"},
	})

	got := collect(t, sub, 1)
	assert.Equal(t, testRoom, got[0].RoomID)

	select {
	case rec := <-sub.Events():
		t.Fatalf("unexpected extra notification: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNotifier_SnapshotGatesUnknownRoom(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Snapshot knows only testRoom; changes in rooms unknown at capture
	// time are invisible.
	sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))

	n.Publish([]store.ChangeRecord{
		stateChange(store.OpCreated, "!secret:example.org", "m.room.topic"),
		stateChange(store.OpCreated, testRoom, "m.room.topic"),
	})

	got := collect(t, sub, 1)
	assert.Equal(t, testRoom, got[0].RoomID)
}

func TestNotifier_ReadOnlySnapshotCannotSeeQueue(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	readOnly := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))
	contributor := n.Subscribe(context.Background(), FilterSpec{}, AuthSnapshot{
		UserID: "@sender:example.org",
		Tiers:  map[id.RoomID]Tier{testRoom: TierContributor},
	})

	n.Publish([]store.ChangeRecord{
		{Entity: store.EntityQueuedRequest, Op: store.OpCreated, RoomID: testRoom, Key: "txn-1"},
		stateChange(store.OpCreated, testRoom, "m.room.topic"),
	})

	// The contributor sees both; the read-only snapshot sees only state.
	gotContrib := collect(t, contributor, 2)
	assert.Equal(t, store.EntityQueuedRequest, gotContrib[0].Entity)

	gotRead := collect(t, readOnly, 1)
	assert.Equal(t, store.EntityRoomState, gotRead[0].Entity)
}

func TestNotifier_SnapshotIsFrozen(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Capture a contributor snapshot, then "demote" the live map the
	// caller still holds. The subscription must keep the captured tier.
	tiers := map[id.RoomID]Tier{testRoom: TierContributor}
	sub := n.Subscribe(context.Background(), FilterSpec{}, AuthSnapshot{
		UserID: "@demoted:example.org",
		Tiers:  tiers,
	})
	tiers[testRoom] = TierReadOnly

	n.Publish([]store.ChangeRecord{
		{Entity: store.EntityQueuedRequest, Op: store.OpCreated, RoomID: testRoom, Key: "txn-1"},
	})

	got := collect(t, sub, 1)
	assert.Equal(t, store.EntityQueuedRequest, got[0].Entity)
}

func TestNotifier_UnsubscribeClosesChannel(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))
	n.Unsubscribe(sub.ID)

	_, ok := <-sub.Events()
	assert.False(t, ok)

	// Publishing after unsubscribe is a no-op.
	n.Publish([]store.ChangeRecord{stateChange(store.OpCreated, testRoom, "m.room.topic")})

	// Unsubscribing twice is safe.
	n.Unsubscribe(sub.ID)
}

func TestNotifier_ContextCancelUnsubscribes(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub := n.Subscribe(ctx, FilterSpec{}, readerSnapshot(testRoom))
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
}

func TestNotifier_SlowSubscriberDrops(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))

	// Never read; overflow the buffer.
	records := make([]store.ChangeRecord, subscriberBufferSize+10)
	for i := range records {
		records[i] = stateChange(store.OpCreated, testRoom, "m.room.topic")
	}
	n.Publish(records)

	assert.Equal(t, 10, sub.Dropped())
}

func TestNotifier_PredicateFilter(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	sub := n.Subscribe(context.Background(), FilterSpec{
		Predicate: func(rec Notification) bool {
			return rec.Op == store.OpDeleted
		},
	}, readerSnapshot(testRoom))

	n.Publish([]store.ChangeRecord{
		stateChange(store.OpCreated, testRoom, "m.room.topic"),
		stateChange(store.OpDeleted, testRoom, "m.room.topic"),
	})

	got := collect(t, sub, 1)
	assert.Equal(t, store.OpDeleted, got[0].Op)
}

func TestNotifier_PublishConcurrentWithUnsubscribe(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	// Writers hammer Publish while subscriptions churn; a send racing a
	// channel close would panic the publishing goroutine.
	rec := stateChange(store.OpCreated, testRoom, "m.room.topic")
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					n.Publish([]store.ChangeRecord{rec})
				}
			}
		}()
	}

	for i := 0; i < 2000; i++ {
		sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))
		n.Unsubscribe(sub.ID)
	}
	close(stop)
	wg.Wait()
}

func TestNotifier_PublishAfterUnsubscribeIsIgnored(t *testing.T) {
	n := NewNotifier(nil)
	defer n.Close()

	sub := n.Subscribe(context.Background(), FilterSpec{}, readerSnapshot(testRoom))
	n.Unsubscribe(sub.ID)

	n.Publish([]store.ChangeRecord{stateChange(store.OpCreated, testRoom, "m.room.name")})

	_, ok := <-sub.Events()
	assert.False(t, ok, "channel should be closed with nothing delivered")
	assert.Zero(t, sub.Dropped())
}
