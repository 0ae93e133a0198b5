// Package memstore keeps rooms and messages in process memory. It backs
// single-node development runs and tests with the same atomic semantics as the
// document store: participant, reaction and reader updates are set operations.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

// Store implements chat.RoomStore and chat.MessageStore.
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*chat.Room
	messages map[string]*chat.Message
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		rooms:    make(map[string]*chat.Room),
		messages: make(map[string]*chat.Message),
	}
}

// CreateRoom inserts or replaces a room.
func (s *Store) CreateRoom(_ context.Context, room chat.Room) error {
	if room.ID == "" {
		return fmt.Errorf("memstore: room id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneRoom(room)
	s.rooms[room.ID] = &stored
	return nil
}

func (s *Store) FindRoom(_ context.Context, roomID string) (chat.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return chat.Room{}, fmt.Errorf("memstore: room %s: %w", roomID, chat.ErrNotFound)
	}
	return cloneRoom(*room), nil
}

func (s *Store) AddParticipant(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("memstore: room %s: %w", roomID, chat.ErrNotFound)
	}
	room.Participants = addToSet(room.Participants, userID)
	return nil
}

func (s *Store) RemoveParticipant(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return fmt.Errorf("memstore: room %s: %w", roomID, chat.ErrNotFound)
	}
	room.Participants = pull(room.Participants, userID)
	return nil
}

func (s *Store) SaveMessage(_ context.Context, message chat.Message) error {
	if message.ID == "" {
		return fmt.Errorf("memstore: message id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := cloneMessage(message)
	s.messages[message.ID] = &stored
	return nil
}

func (s *Store) FindMessage(_ context.Context, messageID string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	message, ok := s.messages[messageID]
	if !ok {
		return chat.Message{}, fmt.Errorf("memstore: message %s: %w", messageID, chat.ErrNotFound)
	}
	return cloneMessage(*message), nil
}

func (s *Store) FindMessageByFileID(_ context.Context, fileID string) (chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, message := range s.messages {
		if message.FileID == fileID && !message.IsDeleted {
			return cloneMessage(*message), nil
		}
	}
	return chat.Message{}, fmt.Errorf("memstore: message for file %s: %w", fileID, chat.ErrNotFound)
}

func (s *Store) FindPage(_ context.Context, roomID string, before time.Time, limit int) (chat.MessagePage, error) {
	if limit <= 0 {
		return chat.MessagePage{}, fmt.Errorf("memstore: limit must be positive")
	}
	s.mu.RLock()
	candidates := make([]chat.Message, 0)
	for _, message := range s.messages {
		if message.RoomID != roomID || message.IsDeleted || !message.Timestamp.Before(before) {
			continue
		}
		candidates = append(candidates, cloneMessage(*message))
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].ID > candidates[j].ID
		}
		return candidates[i].Timestamp.After(candidates[j].Timestamp)
	})

	page := chat.MessagePage{HasMore: len(candidates) > limit}
	if page.HasMore {
		candidates = candidates[:limit]
	}
	page.Messages = candidates
	return page, nil
}

func (s *Store) AddReaction(_ context.Context, messageID, reaction, userID string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("memstore: message %s: %w", messageID, chat.ErrNotFound)
	}
	if message.Reactions == nil {
		message.Reactions = make(map[string][]string)
	}
	message.Reactions[reaction] = addToSet(message.Reactions[reaction], userID)
	return cloneReactions(message.Reactions), nil
}

func (s *Store) RemoveReaction(_ context.Context, messageID, reaction, userID string) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	message, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("memstore: message %s: %w", messageID, chat.ErrNotFound)
	}
	if users, exists := message.Reactions[reaction]; exists {
		message.Reactions[reaction] = pull(users, userID)
	}
	return cloneReactions(message.Reactions), nil
}

func (s *Store) MarkRead(_ context.Context, messageIDs []string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, messageID := range messageIDs {
		if message, ok := s.messages[messageID]; ok {
			message.Readers = addToSet(message.Readers, userID)
		}
	}
	return nil
}

func addToSet(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

func pull(values []string, value string) []string {
	result := values[:0]
	for _, existing := range values {
		if existing != value {
			result = append(result, existing)
		}
	}
	return result
}

func cloneRoom(room chat.Room) chat.Room {
	room.Participants = append([]string(nil), room.Participants...)
	return room
}

func cloneMessage(message chat.Message) chat.Message {
	message.Mentions = append([]string(nil), message.Mentions...)
	message.Readers = append([]string(nil), message.Readers...)
	message.Reactions = cloneReactions(message.Reactions)
	if message.Metadata != nil {
		metadata := make(map[string]any, len(message.Metadata))
		for key, value := range message.Metadata {
			metadata[key] = value
		}
		message.Metadata = metadata
	}
	return message
}

func cloneReactions(reactions map[string][]string) map[string][]string {
	cloned := make(map[string][]string, len(reactions))
	for reaction, users := range reactions {
		cloned[reaction] = append([]string(nil), users...)
	}
	return cloned
}
