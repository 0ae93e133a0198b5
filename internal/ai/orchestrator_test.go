package ai

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marha-hwang/ktb-BootcampChat/internal/chat"
)

type publishedEvent struct {
	channel string
	event   string
	data    map[string]any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	signal chan string
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{signal: make(chan string, 64)}
}

func (p *recordingPublisher) Publish(_ context.Context, channel, event string, data any) error {
	p.mu.Lock()
	payload, _ := data.(map[string]any)
	p.events = append(p.events, publishedEvent{channel: channel, event: event, data: payload})
	p.mu.Unlock()
	select {
	case p.signal <- event:
	default:
	}
	return nil
}

func (p *recordingPublisher) PublishExcept(ctx context.Context, channel, _ string, event string, data any) error {
	return p.Publish(ctx, channel, event, data)
}

func (p *recordingPublisher) named(event string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	matching := make([]publishedEvent, 0)
	for _, recorded := range p.events {
		if recorded.event == event {
			matching = append(matching, recorded)
		}
	}
	return matching
}

func (p *recordingPublisher) waitFor(t *testing.T, event string) {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case got := <-p.signal:
			if got == event {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

// scriptedStream hands out tokens pushed by the test.
type scriptedStream struct {
	tokens chan string
	fail   error
	once   sync.Once
	closed chan struct{}
}

func newScriptedStream() *scriptedStream {
	return &scriptedStream{tokens: make(chan string), closed: make(chan struct{})}
}

func (s *scriptedStream) Recv() (string, error) {
	select {
	case token, ok := <-s.tokens:
		if !ok {
			if s.fail != nil {
				return "", s.fail
			}
			return "", io.EOF
		}
		return token, nil
	case <-s.closed:
		return "", errors.New("stream closed")
	}
}

func (s *scriptedStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type scriptedLLM struct {
	stream  *scriptedStream
	err     error
	prompts []string
	queries []string
	mu      sync.Mutex
}

func (l *scriptedLLM) Stream(_ context.Context, systemPrompt, query string) (TokenStream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prompts = append(l.prompts, systemPrompt)
	l.queries = append(l.queries, query)
	if l.err != nil {
		return nil, l.err
	}
	return l.stream, nil
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []chat.Message
	err   error
}

func (s *recordingSaver) SaveMessage(_ context.Context, message chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saved = append(s.saved, message)
	return nil
}

func (s *recordingSaver) messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chat.Message(nil), s.saved...)
}

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "saved-1", nil }

type countingObserver struct {
	mu       sync.Mutex
	started  int
	finished map[State]int
}

func (o *countingObserver) StreamStarted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) StreamFinished(_ string, state State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = make(map[State]int)
	}
	o.finished[state]++
}

var startTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, llm LLM, publisher *recordingPublisher, saver *recordingSaver, observer Observer) *Orchestrator {
	t.Helper()
	orchestrator, err := NewOrchestrator(Config{
		Publisher: publisher,
		Saver:     saver,
		LLM:       llm,
		IDs:       fixedIDs{},
		Observer:  observer,
		Clock:     func() time.Time { return startTime },
	})
	require.NoError(t, err)
	return orchestrator
}

func TestStreamCompletesAndSaves(t *testing.T) {
	stream := newScriptedStream()
	llm := &scriptedLLM{stream: stream}
	publisher := newRecordingPublisher()
	saver := &recordingSaver{}
	observer := &countingObserver{}
	orchestrator := newTestOrchestrator(t, llm, publisher, saver, observer)

	messageID, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", UserID: "user-1", Persona: PersonaWayne, Query: "hello"})
	require.NoError(t, err)
	require.Equal(t, "wayneAI-1714554000000", messageID)

	stream.tokens <- "Here is code:\n```go\n"
	stream.tokens <- "   "
	stream.tokens <- "fmt.Println(1)\n"
	stream.tokens <- "```\ndone"
	close(stream.tokens)
	orchestrator.Wait()

	starts := publisher.named(EventStart)
	require.Len(t, starts, 1)
	require.Equal(t, "room:room-1", starts[0].channel)

	chunks := publisher.named(EventChunk)
	require.Len(t, chunks, 3)
	require.Equal(t, true, chunks[0].data["isCodeBlock"])
	require.Equal(t, true, chunks[1].data["isCodeBlock"])
	require.Equal(t, false, chunks[2].data["isCodeBlock"])
	require.Equal(t, "Here is code:\n```go\nfmt.Println(1)\n```\ndone", chunks[2].data["fullContent"])

	require.Len(t, publisher.named(EventComplete), 1)
	saved := publisher.named(EventSaved)
	require.Len(t, saved, 1)
	require.Equal(t, messageID, saved[0].data["messageId"])
	require.Equal(t, "saved-1", saved[0].data["savedId"])

	messages := saver.messages()
	require.Len(t, messages, 1)
	require.Equal(t, chat.MessageTypeAI, messages[0].Type)
	require.Equal(t, PersonaWayne, messages[0].AIType)
	require.Equal(t, "hello", messages[0].Metadata[chat.MetadataQuery])
	require.Empty(t, messages[0].SenderID)

	require.Equal(t, personas[PersonaWayne].SystemPrompt, llm.prompts[0])
	require.Equal(t, 1, observer.started)
	require.Equal(t, 1, observer.finished[StateCompleted])
	require.Empty(t, orchestrator.ActiveStreams("room-1"))
}

func TestCancelledStreamNeverSaves(t *testing.T) {
	stream := newScriptedStream()
	publisher := newRecordingPublisher()
	saver := &recordingSaver{}
	observer := &countingObserver{}
	orchestrator := newTestOrchestrator(t, &scriptedLLM{stream: stream}, publisher, saver, observer)

	messageID, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", UserID: "user-1", Persona: PersonaConsulting, Query: "plan"})
	require.NoError(t, err)

	stream.tokens <- "first"
	publisher.waitFor(t, EventChunk)
	stream.tokens <- "second"
	publisher.waitFor(t, EventChunk)

	active := orchestrator.ActiveStreams("room-1")
	require.Len(t, active, 1)
	require.Equal(t, messageID, active[0].MessageID)
	require.Equal(t, "firstsecond", active[0].Content)

	require.Equal(t, 0, orchestrator.CancelFor("room-1", "someone-else"))
	require.Equal(t, 1, orchestrator.CancelFor("room-1", "user-1"))
	chunksAtCancel := len(publisher.named(EventChunk))

	select {
	case stream.tokens <- "late":
	case <-time.After(100 * time.Millisecond):
	}
	orchestrator.Wait()

	require.Equal(t, 2, chunksAtCancel)
	require.Len(t, publisher.named(EventChunk), chunksAtCancel)
	require.Empty(t, publisher.named(EventSaved))
	require.Empty(t, publisher.named(EventComplete))
	require.Empty(t, saver.messages())
	require.Empty(t, orchestrator.ActiveStreams("room-1"))
	require.False(t, orchestrator.Cancel(messageID))
	require.Equal(t, 1, observer.finished[StateCancelled])
}

func TestUpstreamFailurePublishesErrorWithoutSaving(t *testing.T) {
	stream := newScriptedStream()
	stream.fail = errors.New("upstream reset")
	publisher := newRecordingPublisher()
	saver := &recordingSaver{}
	orchestrator := newTestOrchestrator(t, &scriptedLLM{stream: stream}, publisher, saver, nil)

	_, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", UserID: "user-1", Persona: PersonaWayne, Query: "q"})
	require.NoError(t, err)
	stream.tokens <- "partial"
	close(stream.tokens)
	orchestrator.Wait()

	errorsSent := publisher.named(EventError)
	require.Len(t, errorsSent, 1)
	require.Equal(t, userSafeStreamFail, errorsSent[0].data["error"])
	require.Empty(t, saver.messages())
	require.Empty(t, publisher.named(EventSaved))
}

func TestOpenFailureAndUnknownPersonaAreErrors(t *testing.T) {
	publisher := newRecordingPublisher()
	saver := &recordingSaver{}
	orchestrator := newTestOrchestrator(t, &scriptedLLM{err: errors.New("no quota")}, publisher, saver, nil)

	_, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", Persona: PersonaWayne, Query: "q"})
	require.NoError(t, err)
	_, err = orchestrator.Start(context.Background(), Request{RoomID: "room-1", Persona: "nobodyAI", Query: "q"})
	require.NoError(t, err)
	orchestrator.Wait()

	require.Len(t, publisher.named(EventStart), 2)
	require.Len(t, publisher.named(EventError), 2)
	require.Empty(t, saver.messages())
}

func TestSaveFailureSkipsSavedEvent(t *testing.T) {
	stream := newScriptedStream()
	publisher := newRecordingPublisher()
	saver := &recordingSaver{err: errors.New("db down")}
	orchestrator := newTestOrchestrator(t, &scriptedLLM{stream: stream}, publisher, saver, nil)

	_, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", Persona: PersonaWayne, Query: "q"})
	require.NoError(t, err)
	stream.tokens <- "answer"
	close(stream.tokens)
	orchestrator.Wait()

	require.Len(t, publisher.named(EventComplete), 1)
	require.Empty(t, publisher.named(EventSaved))
}

func TestSimultaneousMentionsGetDistinctIDs(t *testing.T) {
	publisher := newRecordingPublisher()
	orchestrator := newTestOrchestrator(t, &scriptedLLM{stream: newScriptedStream()}, publisher, &recordingSaver{}, nil)

	first, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", UserID: "u", Persona: PersonaWayne})
	require.NoError(t, err)
	second, err := orchestrator.Start(context.Background(), Request{RoomID: "room-1", UserID: "u", Persona: PersonaWayne})
	require.NoError(t, err)
	require.NotEqual(t, first, second)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, orchestrator.Shutdown(ctx))
	_, err = orchestrator.Start(context.Background(), Request{RoomID: "room-1", Persona: PersonaWayne})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestCountFencesIgnoresEscaped(t *testing.T) {
	require.Equal(t, 0, countFences("plain"))
	require.Equal(t, 1, countFences("```go"))
	require.Equal(t, 2, countFences("```x```"))
	require.Equal(t, 0, countFences("\\```"))
}
