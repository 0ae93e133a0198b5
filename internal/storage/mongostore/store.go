// Package mongostore persists rooms and messages in MongoDB. Participant, reaction
// and reader mutations are single-document $addToSet/$pull updates.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

const (
	roomsCollection    = "rooms"
	messagesCollection = "messages"
	defaultMaxPoolSize = 100
	connectTimeout     = 10 * time.Second
)

// Config describes how to reach MongoDB.
type Config struct {
	URI         string
	Database    string
	MaxPoolSize uint64
}

// Connect opens a client and verifies connectivity.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongostore: uri required")
	}
	poolSize := cfg.MaxPoolSize
	if poolSize == 0 {
		poolSize = defaultMaxPoolSize
	}
	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(poolSize)

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongostore: connect: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongostore: ping: %w", err)
	}
	return client, nil
}

// Store implements chat.RoomStore and chat.MessageStore.
type Store struct {
	rooms    *mongo.Collection
	messages *mongo.Collection
}

// New binds the store to database.
func New(database *mongo.Database) *Store {
	return &Store{
		rooms:    database.Collection(roomsCollection),
		messages: database.Collection(messagesCollection),
	}
}

// EnsureIndexes creates the indexes backing the page and file lookups.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "room", Value: 1}, {Key: "isDeleted", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "file", Value: 1}}, Options: options.Index().SetSparse(true)},
	})
	return err
}

type roomDocument struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Creator      string    `bson:"creator"`
	Participants []string  `bson:"participants"`
	Password     string    `bson:"password,omitempty"`
	CreatedAt    time.Time `bson:"createdAt"`
}

type messageDocument struct {
	ID        string              `bson:"_id"`
	Room      string              `bson:"room"`
	Sender    string              `bson:"sender,omitempty"`
	Content   string              `bson:"content"`
	Type      string              `bson:"type"`
	Timestamp time.Time           `bson:"timestamp"`
	Mentions  []string            `bson:"mentions,omitempty"`
	Reactions map[string][]string `bson:"reactions"`
	Readers   []string            `bson:"readers"`
	Metadata  map[string]any      `bson:"metadata,omitempty"`
	File      string              `bson:"file,omitempty"`
	AIType    string              `bson:"aiType,omitempty"`
	IsDeleted bool                `bson:"isDeleted"`
}

func toRoomDocument(room chat.Room) roomDocument {
	participants := room.Participants
	if participants == nil {
		participants = []string{}
	}
	return roomDocument{
		ID:           room.ID,
		Name:         room.Name,
		Creator:      room.CreatorID,
		Participants: participants,
		Password:     room.PasswordHash,
		CreatedAt:    room.CreatedAt,
	}
}

func (d roomDocument) toRoom() chat.Room {
	return chat.Room{
		ID:           d.ID,
		Name:         d.Name,
		CreatorID:    d.Creator,
		Participants: d.Participants,
		PasswordHash: d.Password,
		CreatedAt:    d.CreatedAt,
	}
}

func toMessageDocument(message chat.Message) messageDocument {
	reactions := message.Reactions
	if reactions == nil {
		reactions = map[string][]string{}
	}
	readers := message.Readers
	if readers == nil {
		readers = []string{}
	}
	return messageDocument{
		ID:        message.ID,
		Room:      message.RoomID,
		Sender:    message.SenderID,
		Content:   message.Content,
		Type:      string(message.Type),
		Timestamp: message.Timestamp,
		Mentions:  message.Mentions,
		Reactions: reactions,
		Readers:   readers,
		Metadata:  message.Metadata,
		File:      message.FileID,
		AIType:    message.AIType,
		IsDeleted: message.IsDeleted,
	}
}

func (d messageDocument) toMessage() chat.Message {
	return chat.Message{
		ID:        d.ID,
		RoomID:    d.Room,
		SenderID:  d.Sender,
		Content:   d.Content,
		Type:      chat.MessageType(d.Type),
		Timestamp: d.Timestamp,
		Mentions:  d.Mentions,
		Reactions: d.Reactions,
		Readers:   d.Readers,
		Metadata:  d.Metadata,
		FileID:    d.File,
		AIType:    d.AIType,
		IsDeleted: d.IsDeleted,
	}
}

func notFound(kind, id string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("mongostore: %s %s: %w", kind, id, chat.ErrNotFound)
	}
	return fmt.Errorf("mongostore: %s %s: %w", kind, id, err)
}

// CreateRoom inserts a room document.
func (s *Store) CreateRoom(ctx context.Context, room chat.Room) error {
	_, err := s.rooms.InsertOne(ctx, toRoomDocument(room))
	return err
}

func (s *Store) FindRoom(ctx context.Context, roomID string) (chat.Room, error) {
	var document roomDocument
	if err := s.rooms.FindOne(ctx, bson.D{{Key: "_id", Value: roomID}}).Decode(&document); err != nil {
		return chat.Room{}, notFound("room", roomID, err)
	}
	return document.toRoom(), nil
}

func (s *Store) AddParticipant(ctx context.Context, roomID, userID string) error {
	return s.updateParticipants(ctx, roomID, "$addToSet", userID)
}

func (s *Store) RemoveParticipant(ctx context.Context, roomID, userID string) error {
	return s.updateParticipants(ctx, roomID, "$pull", userID)
}

func (s *Store) updateParticipants(ctx context.Context, roomID, operator, userID string) error {
	result, err := s.rooms.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: roomID}},
		bson.D{{Key: operator, Value: bson.D{{Key: "participants", Value: userID}}}},
	)
	if err != nil {
		return fmt.Errorf("mongostore: room %s: %w", roomID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("mongostore: room %s: %w", roomID, chat.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, message chat.Message) error {
	document := toMessageDocument(message)
	_, err := s.messages.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: document.ID}},
		document,
		options.Replace().SetUpsert(true),
	)
	return err
}

func (s *Store) FindMessage(ctx context.Context, messageID string) (chat.Message, error) {
	var document messageDocument
	if err := s.messages.FindOne(ctx, bson.D{{Key: "_id", Value: messageID}}).Decode(&document); err != nil {
		return chat.Message{}, notFound("message", messageID, err)
	}
	return document.toMessage(), nil
}

func (s *Store) FindMessageByFileID(ctx context.Context, fileID string) (chat.Message, error) {
	var document messageDocument
	filter := bson.D{{Key: "file", Value: fileID}, {Key: "isDeleted", Value: false}}
	if err := s.messages.FindOne(ctx, filter).Decode(&document); err != nil {
		return chat.Message{}, notFound("message for file", fileID, err)
	}
	return document.toMessage(), nil
}

func pageFilter(roomID string, before time.Time) bson.D {
	return bson.D{
		{Key: "room", Value: roomID},
		{Key: "isDeleted", Value: false},
		{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: before}}},
	}
}

func (s *Store) FindPage(ctx context.Context, roomID string, before time.Time, limit int) (chat.MessagePage, error) {
	if limit <= 0 {
		return chat.MessagePage{}, fmt.Errorf("mongostore: limit must be positive")
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cursor, err := s.messages.Find(ctx, pageFilter(roomID, before), opts)
	if err != nil {
		return chat.MessagePage{}, fmt.Errorf("mongostore: page %s: %w", roomID, err)
	}
	var documents []messageDocument
	if err := cursor.All(ctx, &documents); err != nil {
		return chat.MessagePage{}, fmt.Errorf("mongostore: page %s: %w", roomID, err)
	}

	page := chat.MessagePage{HasMore: len(documents) > limit}
	if page.HasMore {
		documents = documents[:limit]
	}
	page.Messages = make([]chat.Message, 0, len(documents))
	for _, document := range documents {
		page.Messages = append(page.Messages, document.toMessage())
	}
	return page, nil
}

func (s *Store) AddReaction(ctx context.Context, messageID, reaction, userID string) (map[string][]string, error) {
	return s.updateReaction(ctx, messageID, "$addToSet", reaction, userID)
}

func (s *Store) RemoveReaction(ctx context.Context, messageID, reaction, userID string) (map[string][]string, error) {
	return s.updateReaction(ctx, messageID, "$pull", reaction, userID)
}

func (s *Store) updateReaction(ctx context.Context, messageID, operator, reaction, userID string) (map[string][]string, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.After).
		SetProjection(bson.D{{Key: "reactions", Value: 1}})

	var document struct {
		Reactions map[string][]string `bson:"reactions"`
	}
	err := s.messages.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: messageID}},
		bson.D{{Key: operator, Value: bson.D{{Key: "reactions." + reaction, Value: userID}}}},
		opts,
	).Decode(&document)
	if err != nil {
		return nil, notFound("message", messageID, err)
	}
	if document.Reactions == nil {
		document.Reactions = map[string][]string{}
	}
	return document.Reactions, nil
}

func (s *Store) MarkRead(ctx context.Context, messageIDs []string, userID string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.messages.UpdateMany(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: messageIDs}}}},
		bson.D{{Key: "$addToSet", Value: bson.D{{Key: "readers", Value: userID}}}},
	)
	return err
}
