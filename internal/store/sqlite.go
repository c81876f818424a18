// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Single-key CRUD for custom values, account data, presence, room state, receipts

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// roomMu guards roomLocks; each room has its own lock so batches for
	// different rooms commit concurrently while a single room stays
	// serialized. The "" lock covers the global namespace.
	roomMu    sync.Mutex
	roomLocks map[id.RoomID]*sync.Mutex

	mu     sync.RWMutex
	closed bool

	// afterBatchWrite, when set, runs after each entry applied inside a
	// SaveChanges transaction. Used by tests to inject mid-batch failures.
	afterBatchWrite func(applied int) error
}

// NewSQLiteStore opens or creates a SQLite store at the given path and
// applies pending schema migrations. Parent directories are created as
// needed.
var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode gives concurrent readers a consistent snapshot while a
	// batch commits.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		logger:    logger,
		roomLocks: make(map[id.RoomID]*sync.Mutex),
	}

	if err := s.runMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// Close closes the database connection. Subsequent operations return
// ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// lockRooms acquires the per-room locks for the given rooms in a stable
// order to avoid lock-order deadlocks, and returns an unlock func.
func (s *SQLiteStore) lockRooms(rooms []id.RoomID) func() {
	sorted := make([]id.RoomID, len(rooms))
	copy(sorted, rooms)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	locks := make([]*sync.Mutex, 0, len(sorted))
	for _, r := range sorted {
		s.roomMu.Lock()
		l, ok := s.roomLocks[r]
		if !ok {
			l = &sync.Mutex{}
			s.roomLocks[r] = l
		}
		s.roomMu.Unlock()
		l.Lock()
		locks = append(locks, l)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// classify maps low-level sqlite failures onto the store error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"),
		strings.Contains(msg, "CHECK constraint failed"),
		strings.Contains(msg, "constraint failed"):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database is busy"),
		strings.Contains(msg, "disk I/O error"),
		strings.Contains(msg, "unable to open database"):
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	case strings.Contains(msg, "database is closed"):
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// corrupt wraps a deserialization failure for a named entity.
func corrupt(entity string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, entity, err)
}

func roomIDFrom(s string) id.RoomID {
	return id.RoomID(s)
}

// --- Custom values ---

// GetCustomValue returns the payload stored under key, or ErrNotFound.
func (s *SQLiteStore) GetCustomValue(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM custom_values WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return nil, classify(err)
	}
	return value, nil
}

// SetCustomValue stores an opaque payload under key, replacing any
// previous value.
func (s *SQLiteStore) SetCustomValue(ctx context.Context, key string, value []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_values (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return classify(err)
	}
	return nil
}

// RemoveCustomValue deletes the entry for key. Removing a missing key is
// not an error.
func (s *SQLiteStore) RemoveCustomValue(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM custom_values WHERE key = ?`, key)
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Account data ---

// GetAccountData returns the account data entry for (eventType, roomID).
// An empty roomID addresses the global namespace.
func (s *SQLiteStore) GetAccountData(ctx context.Context, eventType string, roomID id.RoomID) (*AccountDataEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entry := &AccountDataEntry{EventType: eventType, RoomID: roomID}
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM account_data WHERE event_type = ? AND room_id = ?`,
		eventType, string(roomID)).Scan((*[]byte)(&entry.Content))
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// SetAccountData stores an account data entry, replacing the live value
// for its key. This direct setter emits no change records; writes that
// must reach live subscribers go through SaveChanges.
func (s *SQLiteStore) SetAccountData(ctx context.Context, entry *AccountDataEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO account_data (event_type, room_id, content) VALUES (?, ?, ?)
		ON CONFLICT(event_type, room_id) DO UPDATE SET content = excluded.content`,
		entry.EventType, string(entry.RoomID), []byte(entry.Content))
	if err != nil {
		return classify(err)
	}
	return nil
}

// RemoveAccountData deletes the entry for (eventType, roomID).
func (s *SQLiteStore) RemoveAccountData(ctx context.Context, eventType string, roomID id.RoomID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM account_data WHERE event_type = ? AND room_id = ?`,
		eventType, string(roomID))
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Presence ---

// GetPresence returns the current presence entry for a user.
func (s *SQLiteStore) GetPresence(ctx context.Context, userID id.UserID) (*PresenceEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entry := &PresenceEntry{UserID: userID}
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM presence WHERE user_id = ?`,
		string(userID)).Scan((*[]byte)(&entry.Content))
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// SetPresence overwrites the presence entry for a user. This direct
// setter emits no change records; writes that must reach live
// subscribers go through SaveChanges.
func (s *SQLiteStore) SetPresence(ctx context.Context, entry *PresenceEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (user_id, content) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET content = excluded.content`,
		string(entry.UserID), []byte(entry.Content))
	if err != nil {
		return classify(err)
	}
	return nil
}

// --- Room state ---

// GetStateEvent returns the latest state event for (room, type, state key).
func (s *SQLiteStore) GetStateEvent(ctx context.Context, roomID id.RoomID, eventType, stateKey string) (*RoomStateEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entry := &RoomStateEntry{RoomID: roomID, EventType: eventType, StateKey: stateKey}
	err := s.db.QueryRowContext(ctx, `
		SELECT content, origin_ts FROM room_state
		WHERE room_id = ? AND event_type = ? AND state_key = ?`,
		string(roomID), eventType, stateKey).Scan((*[]byte)(&entry.Content), &entry.OriginTS)
	if err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// GetStateEventsByType returns all state events of one type in a room.
func (s *SQLiteStore) GetStateEventsByType(ctx context.Context, roomID id.RoomID, eventType string) ([]*RoomStateEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_key, content, origin_ts FROM room_state
		WHERE room_id = ? AND event_type = ?
		ORDER BY state_key`,
		string(roomID), eventType)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*RoomStateEntry
	for rows.Next() {
		entry := &RoomStateEntry{RoomID: roomID, EventType: eventType}
		if err := rows.Scan(&entry.StateKey, (*[]byte)(&entry.Content), &entry.OriginTS); err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// GetRoomState returns every state event stored for a room.
func (s *SQLiteStore) GetRoomState(ctx context.Context, roomID id.RoomID) ([]*RoomStateEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, state_key, content, origin_ts FROM room_state
		WHERE room_id = ?
		ORDER BY event_type, state_key`,
		string(roomID))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*RoomStateEntry
	for rows.Next() {
		entry := &RoomStateEntry{RoomID: roomID}
		if err := rows.Scan(&entry.EventType, &entry.StateKey, (*[]byte)(&entry.Content), &entry.OriginTS); err != nil {
			return nil, classify(err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}

// ListRooms returns the distinct rooms with stored state.
func (s *SQLiteStore) ListRooms(ctx context.Context) ([]id.RoomID, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT room_id FROM room_state ORDER BY room_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var rooms []id.RoomID
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, classify(err)
		}
		rooms = append(rooms, id.RoomID(r))
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return rooms, nil
}

// --- Receipts ---

// GetReceipt returns the receipt for (room, user, type, thread).
func (s *SQLiteStore) GetReceipt(ctx context.Context, roomID id.RoomID, userID id.UserID, receiptType, threadID string) (*ReceiptEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	entry := &ReceiptEntry{RoomID: roomID, UserID: userID, ReceiptType: receiptType, ThreadID: threadID}
	var eventID string
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, ts FROM receipts
		WHERE room_id = ? AND user_id = ? AND receipt_type = ? AND thread_id = ?`,
		string(roomID), string(userID), receiptType, threadID).Scan(&eventID, &entry.TS)
	if err != nil {
		return nil, classify(err)
	}
	entry.EventID = id.EventID(eventID)
	return entry, nil
}

// GetRoomReceipts returns all receipts stored for a room.
func (s *SQLiteStore) GetRoomReceipts(ctx context.Context, roomID id.RoomID) ([]*ReceiptEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, receipt_type, thread_id, event_id, ts FROM receipts
		WHERE room_id = ?
		ORDER BY user_id, receipt_type, thread_id`,
		string(roomID))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var entries []*ReceiptEntry
	for rows.Next() {
		entry := &ReceiptEntry{RoomID: roomID}
		var userID, eventID string
		if err := rows.Scan(&userID, &entry.ReceiptType, &entry.ThreadID, &eventID, &entry.TS); err != nil {
			return nil, classify(err)
		}
		entry.UserID = id.UserID(userID)
		entry.EventID = id.EventID(eventID)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return entries, nil
}
