package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

const connectionKeyPrefix = "conn_users:userid:"

var errMissingUserID = errors.New("presence: user id required")

// ConnectionDescriptor identifies the live socket currently owning a user's session.
type ConnectionDescriptor struct {
	UserID        string `json:"userId"`
	DisplayName   string `json:"userName"`
	AuthSessionID string `json:"authSessionId"`
	SocketID      string `json:"socketId"`
}

// Registry maps a user id to its current connection descriptor.
type Registry struct {
	store sharedstore.Store
}

// NewRegistry constructs a registry over the shared store.
func NewRegistry(store sharedstore.Store) *Registry {
	return &Registry{store: store}
}

func connectionKey(userID string) string {
	return connectionKeyPrefix + userID
}

// Get returns the descriptor for userID. The boolean is false when none is registered.
func (r *Registry) Get(ctx context.Context, userID string) (ConnectionDescriptor, bool, error) {
	_, descriptor, ok, err := r.load(ctx, userID)
	return descriptor, ok, err
}

// Set overwrites the descriptor for its user.
func (r *Registry) Set(ctx context.Context, descriptor ConnectionDescriptor) error {
	if descriptor.UserID == "" {
		return errMissingUserID
	}
	encoded, err := json.Marshal(descriptor)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, connectionKey(descriptor.UserID), string(encoded), 0)
}

// RemoveIfMatch deletes the descriptor only while it still belongs to socketID.
// A superseded connection's disconnect therefore never removes its successor.
func (r *Registry) RemoveIfMatch(ctx context.Context, userID, socketID string) (bool, error) {
	raw, descriptor, ok, err := r.load(ctx, userID)
	if err != nil || !ok {
		return false, err
	}
	if descriptor.SocketID != socketID {
		return false, nil
	}
	return r.store.CompareAndDelete(ctx, connectionKey(userID), raw)
}

func (r *Registry) load(ctx context.Context, userID string) (string, ConnectionDescriptor, bool, error) {
	if userID == "" {
		return "", ConnectionDescriptor{}, false, errMissingUserID
	}
	raw, err := r.store.Get(ctx, connectionKey(userID))
	if errors.Is(err, sharedstore.ErrNotFound) {
		return "", ConnectionDescriptor{}, false, nil
	}
	if err != nil {
		return "", ConnectionDescriptor{}, false, err
	}
	var descriptor ConnectionDescriptor
	if err := json.Unmarshal([]byte(raw), &descriptor); err != nil {
		return "", ConnectionDescriptor{}, false, fmt.Errorf("presence: decode descriptor: %w", err)
	}
	return raw, descriptor, true, nil
}
