// ABOUTME: Membership lookups served as a view over stored m.room.member state
// ABOUTME: No separate table; membership is derived from room_state rows

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// Membership values from m.room.member content.
const (
	MembershipJoin   = "join"
	MembershipInvite = "invite"
	MembershipLeave  = "leave"
	MembershipBan    = "ban"
	MembershipKnock  = "knock"
)

const memberEventType = "m.room.member"

// MembershipStore is the derived membership view over room state.
type MembershipStore interface {
	GetMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Member, error)
	GetRoomMembers(ctx context.Context, roomID id.RoomID, memberships ...string) ([]*Member, error)
}

// Member is a room member derived from a stored m.room.member event.
type Member struct {
	RoomID      id.RoomID
	UserID      id.UserID
	Membership  string
	DisplayName string
	AvatarURL   string
}

type memberContent struct {
	Membership  string `json:"membership"`
	DisplayName string `json:"displayname"`
	AvatarURL   string `json:"avatar_url"`
}

// GetMember returns the membership record for a user in a room.
func (s *SQLiteStore) GetMember(ctx context.Context, roomID id.RoomID, userID id.UserID) (*Member, error) {
	entry, err := s.GetStateEvent(ctx, roomID, memberEventType, string(userID))
	if err != nil {
		return nil, err
	}
	return memberFromEntry(entry)
}

// GetRoomMembers returns every member of a room, optionally filtered by
// membership values (empty filter means all).
func (s *SQLiteStore) GetRoomMembers(ctx context.Context, roomID id.RoomID, memberships ...string) ([]*Member, error) {
	entries, err := s.GetStateEventsByType(ctx, roomID, memberEventType)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool, len(memberships))
	for _, m := range memberships {
		want[m] = true
	}

	var members []*Member
	for _, entry := range entries {
		member, err := memberFromEntry(entry)
		if err != nil {
			return nil, err
		}
		if len(want) > 0 && !want[member.Membership] {
			continue
		}
		members = append(members, member)
	}
	return members, nil
}

func memberFromEntry(entry *RoomStateEntry) (*Member, error) {
	var content memberContent
	if err := json.Unmarshal(entry.Content, &content); err != nil {
		return nil, corrupt(fmt.Sprintf("member %s in %s", entry.StateKey, entry.RoomID), err)
	}
	return &Member{
		RoomID:      entry.RoomID,
		UserID:      id.UserID(entry.StateKey),
		Membership:  content.Membership,
		DisplayName: content.DisplayName,
		AvatarURL:   content.AvatarURL,
	}, nil
}
