package history

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/storage/memstore"
)

type stubUsers struct {
	users map[string]chat.User
	err   error
	calls [][]string
}

func (s *stubUsers) GetMany(_ context.Context, userIDs []string) (map[string]chat.User, error) {
	s.calls = append(s.calls, append([]string(nil), userIDs...))
	if s.err != nil {
		return nil, s.err
	}
	result := make(map[string]chat.User)
	for _, userID := range userIDs {
		if user, ok := s.users[userID]; ok {
			result[userID] = user
		}
	}
	return result, nil
}

type stubFiles struct{}

func (stubFiles) FindFile(_ context.Context, fileID string) (chat.File, error) {
	if fileID != "file-1" {
		return chat.File{}, chat.ErrNotFound
	}
	return chat.File{ID: fileID, Filename: "a.png", OriginalName: "cat.png", MimeType: "image/png", Size: 12}, nil
}

type failingMessages struct {
	chat.MessageStore
	pageErr error
	readErr error
}

func (f failingMessages) FindPage(ctx context.Context, roomID string, before time.Time, limit int) (chat.MessagePage, error) {
	if f.pageErr != nil {
		return chat.MessagePage{}, f.pageErr
	}
	return f.MessageStore.FindPage(ctx, roomID, before, limit)
}

func (f failingMessages) MarkRead(context.Context, []string, string) error {
	return f.readErr
}

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRoom(t *testing.T, store *memstore.Store, count int) {
	t.Helper()
	for index := 0; index < count; index++ {
		sender := "user-1"
		if index%2 == 1 {
			sender = "user-2"
		}
		err := store.SaveMessage(context.Background(), chat.Message{
			ID:        fmt.Sprintf("m%03d", index),
			RoomID:    "room-1",
			SenderID:  sender,
			Content:   fmt.Sprintf("message %d", index),
			Type:      chat.MessageTypeText,
			Timestamp: baseTime.Add(time.Duration(index) * time.Second),
		})
		if err != nil {
			t.Fatalf("seed failed: %v", err)
		}
	}
}

func newLoader(t *testing.T, messages chat.MessageStore, users UserResolver, logger *zap.Logger) *Loader {
	t.Helper()
	loader, err := NewLoader(Config{
		Messages: messages,
		Users:    users,
		Files:    stubFiles{},
		PageSize: 30,
		Clock:    func() time.Time { return baseTime.Add(time.Hour) },
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new loader failed: %v", err)
	}
	return loader
}

func TestCursorPaginationWalksFullHistory(t *testing.T) {
	store := memstore.New()
	seedRoom(t, store, 100)
	users := &stubUsers{users: map[string]chat.User{
		"user-1": {ID: "user-1", Name: "Ann"},
		"user-2": {ID: "user-2", Name: "Ben"},
	}}
	loader := newLoader(t, store, users, nil)

	var (
		sizes   []int
		hasMore []bool
		walked  []chat.MessageView
		before  time.Time
	)
	for {
		page := loader.LoadMessages(context.Background(), "room-1", 0, before, "reader")
		sizes = append(sizes, len(page.Messages))
		hasMore = append(hasMore, page.HasMore)
		for index := 1; index < len(page.Messages); index++ {
			if !page.Messages[index-1].Timestamp.Before(page.Messages[index].Timestamp) {
				t.Fatalf("page is not ascending at index %d", index)
			}
		}
		walked = append(page.Messages, walked...)
		if !page.HasMore {
			break
		}
		if page.OldestTimestamp == nil {
			t.Fatalf("expected oldest timestamp on non-empty page")
		}
		before = *page.OldestTimestamp
	}

	expectedSizes := []int{30, 30, 30, 10}
	expectedMore := []bool{true, true, true, false}
	if fmt.Sprint(sizes) != fmt.Sprint(expectedSizes) {
		t.Fatalf("unexpected page sizes %v", sizes)
	}
	if fmt.Sprint(hasMore) != fmt.Sprint(expectedMore) {
		t.Fatalf("unexpected hasMore flags %v", hasMore)
	}
	if len(walked) != 100 {
		t.Fatalf("expected 100 messages, got %d", len(walked))
	}
	for index, view := range walked {
		if view.ID != fmt.Sprintf("m%03d", index) {
			t.Fatalf("unexpected message %s at position %d", view.ID, index)
		}
	}
	if walked[0].Sender == nil || walked[0].Sender.Name != "Ann" {
		t.Fatalf("expected resolved sender, got %+v", walked[0].Sender)
	}

	read, err := store.FindMessage(context.Background(), "m050")
	if err != nil {
		t.Fatalf("find message failed: %v", err)
	}
	if len(read.Readers) != 1 || read.Readers[0] != "reader" {
		t.Fatalf("expected message marked read, got %v", read.Readers)
	}
	for _, call := range users.calls {
		if len(call) > 2 {
			t.Fatalf("expected distinct sender ids per batch, got %v", call)
		}
	}
}

func TestLoadMessagesMapsUnknownSendersToNil(t *testing.T) {
	store := memstore.New()
	_ = store.SaveMessage(context.Background(), chat.Message{ID: "sys", RoomID: "room-1", Type: chat.MessageTypeSystem, Content: "Ann joined", Timestamp: baseTime})
	_ = store.SaveMessage(context.Background(), chat.Message{ID: "ghost", RoomID: "room-1", SenderID: "gone", Type: chat.MessageTypeText, Content: "boo", Timestamp: baseTime.Add(time.Second)})
	_ = store.SaveMessage(context.Background(), chat.Message{ID: "file", RoomID: "room-1", SenderID: "gone", Type: chat.MessageTypeFile, FileID: "file-1", Timestamp: baseTime.Add(2 * time.Second)})

	loader := newLoader(t, store, &stubUsers{}, nil)
	page := loader.LoadMessages(context.Background(), "room-1", 10, time.Time{}, "")

	if len(page.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(page.Messages))
	}
	for _, view := range page.Messages {
		if view.Sender != nil {
			t.Fatalf("expected nil sender for %s", view.ID)
		}
	}
	if page.Messages[2].File == nil || page.Messages[2].File.OriginalName != "cat.png" {
		t.Fatalf("expected file view, got %+v", page.Messages[2].File)
	}
	if page.HasMore {
		t.Fatalf("did not expect more pages")
	}
}

func TestLoadMessagesReturnsEmptyPageOnFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := memstore.New()
	seedRoom(t, store, 5)

	loader := newLoader(t, failingMessages{MessageStore: store, pageErr: errors.New("boom")}, &stubUsers{}, zap.New(core))
	page := loader.LoadMessages(context.Background(), "room-1", 10, time.Time{}, "reader")
	if len(page.Messages) != 0 || page.HasMore || page.OldestTimestamp != nil {
		t.Fatalf("expected empty page, got %+v", page)
	}

	loader = newLoader(t, store, &stubUsers{err: errors.New("cache down")}, zap.New(core))
	page = loader.LoadMessages(context.Background(), "room-1", 10, time.Time{}, "reader")
	if len(page.Messages) != 0 || page.HasMore {
		t.Fatalf("expected empty page on resolver failure, got %+v", page)
	}
	if logs.FilterMessage("history page query failed").Len() != 1 {
		t.Fatalf("expected page query failure to be logged")
	}
}

func TestLoadMessagesToleratesReadReceiptFailure(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	store := memstore.New()
	seedRoom(t, store, 3)

	loader := newLoader(t, failingMessages{MessageStore: store, readErr: errors.New("write failed")}, &stubUsers{}, zap.New(core))
	page := loader.LoadMessages(context.Background(), "room-1", 10, time.Time{}, "reader")
	if len(page.Messages) != 3 {
		t.Fatalf("expected page despite read failure, got %d", len(page.Messages))
	}
	if logs.FilterMessage("history read receipts not recorded").Len() != 1 {
		t.Fatalf("expected read failure to be logged")
	}
}
