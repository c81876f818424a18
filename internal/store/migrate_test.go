package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrations_AppliedOnce(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	var count int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)

	require.NoError(t, s.SetCustomValue(context.Background(), "k", []byte("v")))
	require.NoError(t, s.Close())

	// Reopening must not re-apply migrations or lose data.
	s2, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	err = s2.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), count)

	v, err := s2.GetCustomValue(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMigrations_NamesAreOrdered(t *testing.T) {
	for i := 1; i < len(migrations); i++ {
		assert.Less(t, migrations[i-1].name, migrations[i].name,
			"migration list must stay append-only and ordered")
	}
}

func TestMigrations_SendQueuePriorityColumn(t *testing.T) {
	// The 0003 migration added priority and error to a table created by
	// 0001; both paths must land on the same schema.
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueRequest(ctx, &QueuedRequest{
		TxnID: "t", RoomID: "!r:x", Kind: "event",
		Content: json.RawMessage(`{}`), Priority: 5, Error: "",
	}))
	got, err := s.GetQueuedRequest(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Priority)
}
