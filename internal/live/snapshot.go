// ABOUTME: Permission tiers and the frozen authorization snapshot for subscriptions
// ABOUTME: Tier thresholds follow protocol convention: moderator 50, administrator 100

package live

import (
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/cyrup-ai/matryx-sub003/internal/store"
)

// Tier is a coarse capability bucket derived from a numeric power level.
type Tier int

const (
	TierReadOnly Tier = iota
	TierContributor
	TierAdministrator
)

// Power-level thresholds for the tier mapping.
const (
	contributorLevel   = 50
	administratorLevel = 100
)

func (t Tier) String() string {
	switch t {
	case TierReadOnly:
		return "read-only"
	case TierContributor:
		return "contributor"
	case TierAdministrator:
		return "administrator"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// TierFromPowerLevel maps a numeric power level onto a capability tier.
func TierFromPowerLevel(level int) Tier {
	switch {
	case level >= administratorLevel:
		return TierAdministrator
	case level >= contributorLevel:
		return TierContributor
	default:
		return TierReadOnly
	}
}

// AuthSnapshot is a subscriber's identity and effective permission tier per
// room, captured once at subscription time. It is never refreshed; a room
// absent from Tiers was unknown to the subscriber when the snapshot was
// taken and stays invisible for the subscription's lifetime.
type AuthSnapshot struct {
	UserID id.UserID
	Tiers  map[id.RoomID]Tier
}

// TierFor returns the captured tier for a room and whether the room was
// known at capture time.
func (s AuthSnapshot) TierFor(roomID id.RoomID) (Tier, bool) {
	t, ok := s.Tiers[roomID]
	return t, ok
}

// powerLevelsContent is the slice of m.room.power_levels we need for tier
// derivation.
type powerLevelsContent struct {
	Users        map[string]int `json:"users"`
	UsersDefault int            `json:"users_default"`
}

// TierFromPowerLevels derives a user's tier from a raw
// m.room.power_levels event body.
func TierFromPowerLevels(content json.RawMessage, userID id.UserID) (Tier, error) {
	var pl powerLevelsContent
	if err := json.Unmarshal(content, &pl); err != nil {
		return TierReadOnly, fmt.Errorf("%w: power levels: %v", store.ErrCorrupt, err)
	}
	level := pl.UsersDefault
	if l, ok := pl.Users[string(userID)]; ok {
		level = l
	}
	return TierFromPowerLevel(level), nil
}

// requiredTier is the minimum capability a snapshot needs to observe a
// change. Replica data (state, receipts, account data) is readable at any
// tier; outbound machinery (queued requests, media uploads) reflects the
// device's own pending writes and needs contributor capability.
func requiredTier(rec store.ChangeRecord) Tier {
	switch rec.Entity {
	case store.EntityQueuedRequest, store.EntityMediaUpload:
		return TierContributor
	default:
		return TierReadOnly
	}
}

// visible reports whether a snapshot may observe a change record. Changes
// outside any room (presence, global account data, custom values) are
// visible to every snapshot; room-scoped changes require the room to have
// been known at capture time and the captured tier to meet the entity's
// requirement.
func visible(snap AuthSnapshot, rec store.ChangeRecord) bool {
	if rec.RoomID == "" {
		return true
	}
	tier, known := snap.TierFor(rec.RoomID)
	if !known {
		return false
	}
	return tier >= requiredTier(rec)
}
