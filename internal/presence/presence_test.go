package presence

import (
	"context"
	"testing"

	"github.com/marha-hwang/ktb-BootcampChat/internal/sharedstore"
)

func TestRegistryOverwritesDescriptor(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(sharedstore.NewMemory(nil))

	first := ConnectionDescriptor{UserID: "user-1", DisplayName: "Ann", AuthSessionID: "s-1", SocketID: "socket-1"}
	second := ConnectionDescriptor{UserID: "user-1", DisplayName: "Ann", AuthSessionID: "s-2", SocketID: "socket-2"}
	if err := registry.Set(ctx, first); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := registry.Set(ctx, second); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	current, ok, err := registry.Get(ctx, "user-1")
	if err != nil || !ok {
		t.Fatalf("expected descriptor, got %v, %v", ok, err)
	}
	if current != second {
		t.Fatalf("expected newest descriptor, got %#v", current)
	}
}

func TestRegistryRemoveIfMatchIgnoresStaleSocket(t *testing.T) {
	ctx := context.Background()
	registry := NewRegistry(sharedstore.NewMemory(nil))

	if err := registry.Set(ctx, ConnectionDescriptor{UserID: "user-1", SocketID: "socket-2"}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	removed, err := registry.RemoveIfMatch(ctx, "user-1", "socket-1")
	if err != nil || removed {
		t.Fatalf("expected stale disconnect to be ignored, got %v, %v", removed, err)
	}
	if _, ok, _ := registry.Get(ctx, "user-1"); !ok {
		t.Fatalf("expected newer descriptor to survive")
	}

	removed, err = registry.RemoveIfMatch(ctx, "user-1", "socket-2")
	if err != nil || !removed {
		t.Fatalf("expected owner disconnect to remove descriptor, got %v, %v", removed, err)
	}
	if _, ok, _ := registry.Get(ctx, "user-1"); ok {
		t.Fatalf("expected descriptor to be removed")
	}

	removed, err = registry.RemoveIfMatch(ctx, "user-1", "socket-2")
	if err != nil || removed {
		t.Fatalf("expected missing descriptor to be a no-op, got %v, %v", removed, err)
	}
}

func TestRegistryRequiresUserID(t *testing.T) {
	registry := NewRegistry(sharedstore.NewMemory(nil))
	if err := registry.Set(context.Background(), ConnectionDescriptor{SocketID: "socket-1"}); err == nil {
		t.Fatalf("expected missing user id error")
	}
}

func TestMembershipIndex(t *testing.T) {
	ctx := context.Background()
	index := NewMembershipIndex(sharedstore.NewMemory(nil))

	if added, err := index.Add(ctx, "user-1", "room-a"); err != nil || !added {
		t.Fatalf("add failed: %v, %v", added, err)
	}
	if added, err := index.Add(ctx, "user-1", "room-b"); err != nil || !added {
		t.Fatalf("add failed: %v, %v", added, err)
	}
	if added, err := index.Add(ctx, "user-1", "room-a"); err != nil || added {
		t.Fatalf("expected repeated add to report an existing member: %v, %v", added, err)
	}
	contains, err := index.Contains(ctx, "user-1", "room-a")
	if err != nil || !contains {
		t.Fatalf("expected membership")
	}
	if err := index.Remove(ctx, "user-1", "room-a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	rooms, err := index.Rooms(ctx, "user-1")
	if err != nil {
		t.Fatalf("rooms failed: %v", err)
	}
	if len(rooms) != 1 || rooms[0] != "room-b" {
		t.Fatalf("unexpected rooms %v", rooms)
	}
	contains, _ = index.Contains(ctx, "user-2", "room-b")
	if contains {
		t.Fatalf("did not expect membership for another user")
	}
}
