package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
	"github.com/marha-hwang/ktb-BootcampChat/internal/logging"
	"github.com/marha-hwang/ktb-BootcampChat/internal/realtime"
)

// Outbound event names.
const (
	EventStart    = "ai-message-start"
	EventChunk    = "ai-message-chunk"
	EventComplete = "ai-message-complete"
	EventError    = "ai-message-error"
	EventSaved    = "ai-message-saved"
)

const (
	codeFence          = "```"
	userSafeStreamFail = "Failed to generate the AI response."
	unknownPersonaFail = "Unknown AI persona."
)

var (
	errMissingPublisher = errors.New("ai: publisher required")
	errMissingSaver     = errors.New("ai: message saver required")
	errMissingLLM       = errors.New("ai: language model required")
	errMissingIDs       = errors.New("ai: id provider required")
	errMissingRoom      = errors.New("ai: room id required")
	// ErrUnknownPersona is returned when a mention names no known persona.
	ErrUnknownPersona = errors.New("ai: unknown persona")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("ai: orchestrator shutting down")
)

// State is the lifecycle stage of one streaming session.
type State string

const (
	StateCreated   State = "created"
	StateStreaming State = "streaming"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateCancelled State = "cancelled"
)

func (s State) terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

// Observer is notified as sessions start and reach a terminal state.
type Observer interface {
	StreamStarted(persona string)
	StreamFinished(persona string, state State)
}

// Config configures an Orchestrator.
type Config struct {
	Publisher realtime.Publisher
	Saver     chat.MessageSaver
	LLM       LLM
	IDs       chat.IDProvider
	Observer  Observer
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Request describes one mention to answer.
type Request struct {
	RoomID  string
	UserID  string
	Persona string
	Query   string
}

type session struct {
	messageID string
	roomID    string
	userID    string
	persona   Persona
	aiType    string
	query     string
	startedAt time.Time
	cancel    context.CancelFunc

	mu          sync.Mutex
	state       State
	content     strings.Builder
	inCodeBlock bool
}

// Orchestrator runs one independent streaming session per mention. Sessions
// outlive the request that started them and end by completion, upstream
// error or explicit cancellation.
type Orchestrator struct {
	publisher realtime.Publisher
	saver     chat.MessageSaver
	llm       LLM
	ids       chat.IDProvider
	observer  Observer
	clock     func() time.Time
	logger    *zap.Logger

	root context.Context
	stop context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
	wg       sync.WaitGroup
}

// NewOrchestrator validates the configuration and constructs an Orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Publisher == nil {
		return nil, errMissingPublisher
	}
	if cfg.Saver == nil {
		return nil, errMissingSaver
	}
	if cfg.LLM == nil {
		return nil, errMissingLLM
	}
	if cfg.IDs == nil {
		return nil, errMissingIDs
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	root, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		publisher: cfg.Publisher,
		saver:     cfg.Saver,
		llm:       cfg.LLM,
		ids:       cfg.IDs,
		observer:  cfg.Observer,
		clock:     clock,
		logger:    logger,
		root:      root,
		stop:      stop,
		sessions:  make(map[string]*session),
	}, nil
}

// Start announces a new AI message in the room and streams the reply in the
// background. It returns the streaming message id.
func (o *Orchestrator) Start(ctx context.Context, request Request) (string, error) {
	if strings.TrimSpace(request.RoomID) == "" {
		return "", errMissingRoom
	}
	startedAt := o.clock()
	persona, known := LookupPersona(request.Persona)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	messageID := o.allocateIDLocked(request.Persona, startedAt)
	sessionCtx, cancel := context.WithCancel(logging.ContextWithTraceID(o.root, logging.TraceID(ctx)))
	current := &session{
		messageID: messageID,
		roomID:    request.RoomID,
		userID:    request.UserID,
		persona:   persona,
		aiType:    request.Persona,
		query:     request.Query,
		startedAt: startedAt,
		cancel:    cancel,
		state:     StateCreated,
	}
	o.sessions[messageID] = current
	o.wg.Add(1)
	o.mu.Unlock()

	if o.observer != nil {
		o.observer.StreamStarted(request.Persona)
	}
	o.publish(sessionCtx, current, EventStart, map[string]any{
		"messageId": messageID,
		"aiType":    request.Persona,
		"timestamp": startedAt,
	})

	if !known {
		go func() {
			defer o.wg.Done()
			o.fail(sessionCtx, current, fmt.Errorf("%w: %s", ErrUnknownPersona, request.Persona), unknownPersonaFail)
		}()
		return messageID, nil
	}
	go func() {
		defer o.wg.Done()
		o.run(sessionCtx, current)
	}()
	return messageID, nil
}

func (o *Orchestrator) allocateIDLocked(persona string, startedAt time.Time) string {
	millis := startedAt.UnixMilli()
	for {
		candidate := fmt.Sprintf("%s-%d", persona, millis)
		if _, exists := o.sessions[candidate]; !exists {
			return candidate
		}
		millis++
	}
}

type token struct {
	text string
	err  error
}

func (o *Orchestrator) run(ctx context.Context, current *session) {
	stream, err := o.llm.Stream(ctx, current.persona.SystemPrompt, current.query)
	if err != nil {
		o.fail(ctx, current, err, userSafeStreamFail)
		return
	}
	// Close unblocks the producer's pending Recv on cancellation.
	defer func() { _ = stream.Close() }()

	if !current.transition(StateCreated, StateStreaming) {
		o.settle(current)
		return
	}

	tokens := make(chan token)
	go produce(ctx, stream, tokens)

	for {
		select {
		case <-ctx.Done():
			o.settle(current)
			return
		case next, ok := <-tokens:
			if !ok {
				o.complete(ctx, current)
				return
			}
			if next.err != nil {
				o.fail(ctx, current, next.err, userSafeStreamFail)
				return
			}
			o.emitChunk(ctx, current, next.text)
		}
	}
}

// produce forwards upstream tokens until EOF, failure or cancellation. The
// channel is closed only on EOF.
func produce(ctx context.Context, stream TokenStream, tokens chan<- token) {
	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			close(tokens)
			return
		}
		select {
		case tokens <- token{text: text, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (o *Orchestrator) emitChunk(ctx context.Context, current *session, chunk string) {
	if strings.TrimSpace(chunk) == "" {
		return
	}
	current.mu.Lock()
	defer current.mu.Unlock()
	if current.state != StateStreaming {
		return
	}
	current.content.WriteString(chunk)
	if countFences(chunk)%2 == 1 {
		current.inCodeBlock = !current.inCodeBlock
	}
	o.publish(ctx, current, EventChunk, map[string]any{
		"messageId":    current.messageID,
		"currentChunk": chunk,
		"fullContent":  current.content.String(),
		"isCodeBlock":  current.inCodeBlock,
		"timestamp":    o.clock(),
		"aiType":       current.aiType,
		"isComplete":   false,
	})
}

func (o *Orchestrator) complete(ctx context.Context, current *session) {
	current.mu.Lock()
	if current.state != StateStreaming {
		current.mu.Unlock()
		o.settle(current)
		return
	}
	current.state = StateCompleted
	content := current.content.String()
	current.mu.Unlock()

	generationTime := o.clock().Sub(current.startedAt).Milliseconds()
	o.publish(ctx, current, EventComplete, map[string]any{
		"messageId":  current.messageID,
		"content":    content,
		"aiType":     current.aiType,
		"timestamp":  current.startedAt,
		"isComplete": true,
		"query":      current.query,
	})
	o.finish(current, StateCompleted)

	savedID, err := o.save(ctx, current, content, generationTime)
	if err != nil {
		logging.WithContext(o.logger, ctx).Error("ai message not persisted",
			zap.String("operation", "ai.complete"),
			zap.String("reason", "save_failed"),
			zap.String("message_id", current.messageID),
			zap.String("room_id", current.roomID),
			zap.Error(err))
		return
	}
	o.publish(ctx, current, EventSaved, map[string]any{
		"messageId": current.messageID,
		"savedId":   savedID,
	})
}

func (o *Orchestrator) save(ctx context.Context, current *session, content string, generationTime int64) (string, error) {
	savedID, err := o.ids.NewID()
	if err != nil {
		return "", err
	}
	// The root context is never cancelled by Cancel, only the session's.
	saveCtx := logging.ContextWithTraceID(o.root, logging.TraceID(ctx))
	err = o.saver.SaveMessage(saveCtx, chat.Message{
		ID:        savedID,
		RoomID:    current.roomID,
		Content:   content,
		Type:      chat.MessageTypeAI,
		AIType:    current.aiType,
		Timestamp: current.startedAt,
		Metadata: map[string]any{
			chat.MetadataQuery:          current.query,
			chat.MetadataGenerationTime: generationTime,
		},
	})
	if err != nil {
		return "", err
	}
	return savedID, nil
}

func (o *Orchestrator) fail(ctx context.Context, current *session, cause error, message string) {
	current.mu.Lock()
	if current.state.terminal() {
		current.mu.Unlock()
		o.settle(current)
		return
	}
	current.state = StateErrored
	current.mu.Unlock()

	logging.WithContext(o.logger, ctx).Error("ai streaming failed",
		zap.String("operation", "ai.stream"),
		zap.String("reason", "upstream_error"),
		zap.String("message_id", current.messageID),
		zap.String("ai_type", current.aiType),
		zap.Error(cause))
	o.publish(ctx, current, EventError, map[string]any{
		"messageId": current.messageID,
		"error":     message,
		"aiType":    current.aiType,
	})
	o.finish(current, StateErrored)
}

// settle releases a session whose run loop observed it is no longer
// streaming. Only cancellation can get it there without a finish.
func (o *Orchestrator) settle(current *session) {
	current.mu.Lock()
	current.state = StateCancelled
	current.mu.Unlock()
	o.finish(current, StateCancelled)
}

func (o *Orchestrator) finish(current *session, state State) {
	current.cancel()
	o.mu.Lock()
	delete(o.sessions, current.messageID)
	o.mu.Unlock()
	if o.observer != nil {
		o.observer.StreamFinished(current.aiType, state)
	}
}

func (o *Orchestrator) publish(ctx context.Context, current *session, event string, data any) {
	if err := o.publisher.Publish(ctx, realtime.RoomChannel(current.roomID), event, data); err != nil {
		logging.WithContext(o.logger, ctx).Warn("ai event not published",
			zap.String("operation", "ai.publish"),
			zap.String("event", event),
			zap.String("message_id", current.messageID),
			zap.Error(err))
	}
}

// Cancel stops the session streaming messageID. No chunk or saved event is
// published for it once Cancel returns.
func (o *Orchestrator) Cancel(messageID string) bool {
	o.mu.Lock()
	current, ok := o.sessions[messageID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.cancelSession(current)
}

// CancelFor cancels every session userID started in roomID and reports how many stopped.
func (o *Orchestrator) CancelFor(roomID, userID string) int {
	o.mu.Lock()
	matching := make([]*session, 0)
	for _, current := range o.sessions {
		if current.roomID == roomID && current.userID == userID {
			matching = append(matching, current)
		}
	}
	o.mu.Unlock()

	cancelled := 0
	for _, current := range matching {
		if o.cancelSession(current) {
			cancelled++
		}
	}
	return cancelled
}

func (o *Orchestrator) cancelSession(current *session) bool {
	current.mu.Lock()
	if current.state.terminal() {
		current.mu.Unlock()
		return false
	}
	current.state = StateCancelled
	current.mu.Unlock()
	current.cancel()
	return true
}

// ActiveStreams snapshots the sessions still streaming in roomID, oldest first.
func (o *Orchestrator) ActiveStreams(roomID string) []chat.StreamSnapshot {
	o.mu.Lock()
	matching := make([]*session, 0)
	for _, current := range o.sessions {
		if current.roomID == roomID {
			matching = append(matching, current)
		}
	}
	o.mu.Unlock()

	snapshots := make([]chat.StreamSnapshot, 0, len(matching))
	for _, current := range matching {
		current.mu.Lock()
		if !current.state.terminal() {
			snapshots = append(snapshots, chat.StreamSnapshot{
				MessageID: current.messageID,
				RoomID:    current.roomID,
				UserID:    current.userID,
				AIType:    current.aiType,
				Content:   current.content.String(),
				StartedAt: current.startedAt,
			})
		}
		current.mu.Unlock()
	}
	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].StartedAt.Before(snapshots[j].StartedAt)
	})
	return snapshots
}

// Wait blocks until every started session has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Shutdown refuses new sessions, cancels the running ones and waits for them
// until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	running := make([]*session, 0, len(o.sessions))
	for _, current := range o.sessions {
		running = append(running, current)
	}
	o.mu.Unlock()
	for _, current := range running {
		o.cancelSession(current)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.stop()
		return nil
	case <-ctx.Done():
		o.stop()
		return ctx.Err()
	}
}

func (s *session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return false
	}
	s.state = to
	return true
}

// countFences counts code fence markers not preceded by a backslash.
func countFences(chunk string) int {
	count := 0
	for offset := 0; offset < len(chunk); {
		index := strings.Index(chunk[offset:], codeFence)
		if index < 0 {
			break
		}
		position := offset + index
		if position == 0 || chunk[position-1] != '\\' {
			count++
		}
		offset = position + len(codeFence)
	}
	return count
}
