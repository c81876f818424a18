// ABOUTME: Applies sync batches, advances the sync token, publishes commit-ordered changes
// ABOUTME: Builds frozen AuthSnapshots from stored power-level state for subscriptions

package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/live"
	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

const powerLevelsEventType = "m.room.power_levels"

// Replica coordinates the store and the notifier for inbound data.
type Replica struct {
	store    store.Store
	notifier *live.Notifier
	logger   *slog.Logger
}

func New(st store.Store, notifier *live.Notifier, logger *slog.Logger) *Replica {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replica{
		store:    st,
		notifier: notifier,
		logger:   logger.With("component", "replica"),
	}
}

// ApplySync commits one sync cycle's writes, publishes the committed
// records, and only then advances the sync token. The token trailing the
// data means an interrupted cycle is replayed on restart rather than
// skipped.
func (r *Replica) ApplySync(ctx context.Context, changes *store.Changes, nextToken string) error {
	if changes != nil && !changes.Empty() {
		records, err := r.store.SaveChanges(ctx, changes)
		if err != nil {
			return fmt.Errorf("apply sync batch: %w", err)
		}
		r.notifier.Publish(records)
		r.logger.Debug("applied sync batch", "records", len(records))
	}

	if nextToken != "" {
		if err := r.store.SetCustomValue(ctx, store.KeySyncToken, []byte(nextToken)); err != nil {
			return fmt.Errorf("advance sync token: %w", err)
		}
	}
	return nil
}

// SyncToken returns the last committed sync token, or "" before the
// first completed cycle.
func (r *Replica) SyncToken(ctx context.Context) (string, error) {
	raw, err := r.store.GetCustomValue(ctx, store.KeySyncToken)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// RemoveRoom drops every entity stored under the room and publishes
// exactly one Deleted record per removed entity.
func (r *Replica) RemoveRoom(ctx context.Context, roomID id.RoomID) error {
	records, err := r.store.RemoveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("remove room %s: %w", roomID, err)
	}
	r.notifier.Publish(records)
	r.logger.Info("removed room", "room_id", roomID, "entities", len(records))
	return nil
}

// SnapshotFor derives a permission snapshot for userID from the stored
// power-level state of every known room. Rooms without power levels, and
// rooms whose power levels no longer parse, grant read-only: degrading
// to the lowest tier keeps a damaged row from widening access.
func (r *Replica) SnapshotFor(ctx context.Context, userID id.UserID) (live.AuthSnapshot, error) {
	rooms, err := r.store.ListRooms(ctx)
	if err != nil {
		return live.AuthSnapshot{}, fmt.Errorf("list rooms: %w", err)
	}

	snap := live.AuthSnapshot{
		UserID: userID,
		Tiers:  make(map[id.RoomID]live.Tier, len(rooms)),
	}
	for _, roomID := range rooms {
		entry, err := r.store.GetStateEvent(ctx, roomID, powerLevelsEventType, "")
		if errors.Is(err, store.ErrNotFound) {
			snap.Tiers[roomID] = live.TierReadOnly
			continue
		}
		if err != nil {
			return live.AuthSnapshot{}, fmt.Errorf("power levels for %s: %w", roomID, err)
		}
		tier, err := live.TierFromPowerLevels(entry.Content, userID)
		if err != nil {
			r.logger.Warn("unparseable power levels, granting read-only",
				"room_id", roomID, "error", err)
			tier = live.TierReadOnly
		}
		snap.Tiers[roomID] = tier
	}
	return snap, nil
}

// Subscribe captures a snapshot for userID and opens a subscription with
// it. The snapshot is frozen at this call; later power-level changes do
// not alter what the subscription can see.
func (r *Replica) Subscribe(ctx context.Context, userID id.UserID, filter live.FilterSpec) (*live.Subscription, error) {
	snap, err := r.SnapshotFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.notifier.Subscribe(ctx, filter, snap), nil
}
