package mongostore

import (
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

func TestMessageDocumentPreservesIdentity(t *testing.T) {
	timestamp := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	message := chat.Message{
		ID:        "msg-1",
		RoomID:    "room-1",
		SenderID:  "user-1",
		Content:   "hello",
		Type:      chat.MessageTypeFile,
		Timestamp: timestamp,
		FileID:    "file-1",
		Metadata:  map[string]any{chat.MetadataFileSize: int64(12)},
	}

	encoded, err := bson.Marshal(toMessageDocument(message))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw bson.M
	if err := bson.Unmarshal(encoded, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if raw["_id"] != "msg-1" || raw["room"] != "room-1" || raw["file"] != "file-1" {
		t.Fatalf("unexpected document fields %v", raw)
	}
	if raw["isDeleted"] != false {
		t.Fatalf("expected explicit isDeleted=false for page queries, got %v", raw["isDeleted"])
	}
	if _, ok := raw["reactions"]; !ok {
		t.Fatalf("expected reactions to be initialised so $addToSet paths resolve")
	}
}

func TestPageFilterUsesStrictCursor(t *testing.T) {
	before := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	filter := pageFilter("room-1", before)

	if len(filter) != 3 {
		t.Fatalf("expected three filter clauses, got %d", len(filter))
	}
	if filter[0].Key != "room" || filter[0].Value != "room-1" {
		t.Fatalf("unexpected room clause %v", filter[0])
	}
	if filter[1].Key != "isDeleted" || filter[1].Value != false {
		t.Fatalf("unexpected deleted clause %v", filter[1])
	}
	cursor, ok := filter[2].Value.(bson.D)
	if !ok || cursor[0].Key != "$lt" || cursor[0].Value != before {
		t.Fatalf("expected strict $lt cursor, got %v", filter[2])
	}
}

func TestRoomDocumentDefaultsParticipants(t *testing.T) {
	document := toRoomDocument(chat.Room{ID: "room-1", Name: "general"})
	if document.Participants == nil {
		t.Fatalf("expected empty participant array for $addToSet")
	}
	if document.toRoom().Name != "general" {
		t.Fatalf("unexpected round trip")
	}
}
