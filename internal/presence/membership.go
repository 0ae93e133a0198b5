package presence

import (
	"context"

	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

const membershipKeyPrefix = "userroom:roomids:"

// MembershipIndex maps a user id to the set of rooms the user has joined.
type MembershipIndex struct {
	store sharedstore.Store
}

// NewMembershipIndex constructs an index over the shared store.
func NewMembershipIndex(store sharedstore.Store) *MembershipIndex {
	return &MembershipIndex{store: store}
}

func membershipKey(userID string) string {
	return membershipKeyPrefix + userID
}

// Rooms returns every room id joined by userID.
func (m *MembershipIndex) Rooms(ctx context.Context, userID string) ([]string, error) {
	return m.store.SetMembers(ctx, membershipKey(userID))
}

// Add records roomID as joined by userID and reports whether it was newly recorded.
func (m *MembershipIndex) Add(ctx context.Context, userID, roomID string) (bool, error) {
	return m.store.SetAdd(ctx, membershipKey(userID), roomID)
}

// Remove drops roomID from the user's set; the set disappears once empty.
func (m *MembershipIndex) Remove(ctx context.Context, userID, roomID string) error {
	return m.store.SetRemove(ctx, membershipKey(userID), roomID)
}

// Contains reports whether userID has joined roomID.
func (m *MembershipIndex) Contains(ctx context.Context, userID, roomID string) (bool, error) {
	return m.store.SetIsMember(ctx, membershipKey(userID), roomID)
}
