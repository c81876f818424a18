package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestQueue_EnqueueIdempotent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	req := &QueuedRequest{
		TxnID:   "txn-1",
		RoomID:  id.RoomID("!room:example.org"),
		Kind:    "event",
		Content: json.RawMessage(`{"body":"hello"}`),
	}
	require.NoError(t, s.EnqueueRequest(ctx, req))

	// Re-enqueueing the same txn_id is a no-op, not an error, and does not
	// overwrite the original payload.
	dup := &QueuedRequest{
		TxnID:   "txn-1",
		RoomID:  id.RoomID("!room:example.org"),
		Kind:    "event",
		Content: json.RawMessage(`{"body":"changed"}`),
	}
	require.NoError(t, s.EnqueueRequest(ctx, dup))

	got, err := s.GetQueuedRequest(ctx, "txn-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"hello"}`, string(got.Content))
	assert.Equal(t, RequestQueued, got.State)

	all, err := s.ListQueuedRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestQueue_ListOrder_PriorityThenInsertion(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	for _, r := range []struct {
		txn      string
		priority int
	}{
		{"txn-a", 0},
		{"txn-b", 0},
		{"txn-urgent", 10},
		{"txn-c", 0},
	} {
		require.NoError(t, s.EnqueueRequest(ctx, &QueuedRequest{
			TxnID: r.txn, RoomID: roomID, Kind: "event",
			Content: json.RawMessage(`{}`), Priority: r.priority,
		}))
	}

	all, err := s.ListQueuedRequests(ctx)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "txn-urgent", all[0].TxnID)
	assert.Equal(t, "txn-a", all[1].TxnID)
	assert.Equal(t, "txn-b", all[2].TxnID)
	assert.Equal(t, "txn-c", all[3].TxnID)
}

func TestQueue_UpdateState(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueRequest(ctx, &QueuedRequest{
		TxnID: "txn-1", RoomID: "!r:x", Kind: "event", Content: json.RawMessage(`{}`),
	}))

	require.NoError(t, s.UpdateRequestState(ctx, "txn-1", RequestSending, 1, ""))
	got, err := s.GetQueuedRequest(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, RequestSending, got.State)
	assert.Equal(t, 1, got.Attempts)

	require.NoError(t, s.UpdateRequestState(ctx, "txn-1", RequestFailed, 3, "M_LIMIT_EXCEEDED"))
	got, err = s.GetQueuedRequest(ctx, "txn-1")
	require.NoError(t, err)
	assert.Equal(t, RequestFailed, got.State)
	assert.Equal(t, "M_LIMIT_EXCEEDED", got.Error)

	err = s.UpdateRequestState(ctx, "txn-missing", RequestSending, 1, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_RemoveDropsEdges(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	for _, txn := range []string{"p", "c1", "c2"} {
		require.NoError(t, s.EnqueueRequest(ctx, &QueuedRequest{
			TxnID: txn, RoomID: roomID, Kind: "event", Content: json.RawMessage(`{}`),
		}))
	}
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "p", ChildTxnID: "c1", RoomID: roomID}))
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "p", ChildTxnID: "c2", RoomID: roomID}))
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "c1", ChildTxnID: "c2", RoomID: roomID}))

	require.NoError(t, s.RemoveQueuedRequest(ctx, "c1"))

	// Every edge with c1 at either endpoint is gone.
	edges, err := s.ListDependencyEdges(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "p", edges[0].ParentTxnID)
	assert.Equal(t, "c2", edges[0].ChildTxnID)
}

func TestQueue_EdgeTraversal(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	roomID := id.RoomID("!room:example.org")

	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "a", ChildTxnID: "b", RoomID: roomID}))
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "a", ChildTxnID: "c", RoomID: roomID}))
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "b", ChildTxnID: "c", RoomID: roomID}))

	forward, err := s.EdgesFromParent(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, forward, 2)

	reverse, err := s.EdgesToChild(ctx, "c")
	require.NoError(t, err)
	assert.Len(t, reverse, 2)

	require.NoError(t, s.RemoveEdgesForParent(ctx, "a"))
	forward, err = s.EdgesFromParent(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, forward)

	// Duplicate edge insert is a no-op.
	require.NoError(t, s.AddDependencyEdge(ctx, &DependencyEdge{ParentTxnID: "b", ChildTxnID: "c", RoomID: roomID}))
	edges, err := s.ListDependencyEdges(ctx)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestQueue_SelfEdgeRejected(t *testing.T) {
	s := setupTestStore(t)

	err := s.AddDependencyEdge(context.Background(), &DependencyEdge{
		ParentTxnID: "x", ChildTxnID: "x", RoomID: "!r:x",
	})
	assert.ErrorIs(t, err, ErrConflict)
}
