// ABOUTME: mautrix.SyncStore adapter over the replica's custom key/value entries
// ABOUTME: Persists the next-batch token and filter IDs across restarts

package protocol

import (
	"context"
	"errors"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

var _ mautrix.SyncStore = (*SyncStore)(nil)

// SyncStore persists the sync cursor and filter IDs in the replica
// database so the long-poll loop resumes where it left off. The
// mautrix.SyncStore contract swallows errors, so failures are logged and
// the loop falls back to an initial sync.
type SyncStore struct {
	store  store.Store
	logger *slog.Logger
}

func NewSyncStore(st store.Store, logger *slog.Logger) *SyncStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncStore{
		store:  st,
		logger: logger.With("component", "syncstore"),
	}
}

func (s *SyncStore) SaveFilterID(ctx context.Context, userID id.UserID, filterID string) error {
	if err := s.store.SetCustomValue(ctx, store.FilterKey(string(userID)), []byte(filterID)); err != nil {
		s.logger.Error("failed to save filter ID", "user_id", userID, "error", err)
	}
	return nil
}

func (s *SyncStore) LoadFilterID(ctx context.Context, userID id.UserID) (string, error) {
	raw, err := s.store.GetCustomValue(ctx, store.FilterKey(string(userID)))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		s.logger.Error("failed to load filter ID", "user_id", userID, "error", err)
		return "", nil
	}
	return string(raw), nil
}

func (s *SyncStore) SaveNextBatch(ctx context.Context, userID id.UserID, nextBatchToken string) error {
	if err := s.store.SetCustomValue(ctx, store.KeySyncToken, []byte(nextBatchToken)); err != nil {
		s.logger.Error("failed to save next batch token", "user_id", userID, "error", err)
	}
	return nil
}

func (s *SyncStore) LoadNextBatch(ctx context.Context, userID id.UserID) (string, error) {
	raw, err := s.store.GetCustomValue(ctx, store.KeySyncToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		s.logger.Error("failed to load next batch token", "user_id", userID, "error", err)
		return "", nil
	}
	return string(raw), nil
}
