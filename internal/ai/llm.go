package ai

import (
	"context"
	"errors"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// LLM opens a token stream for a system prompt and a user query.
type LLM interface {
	Stream(ctx context.Context, systemPrompt, query string) (TokenStream, error)
}

// TokenStream yields text tokens until it returns io.EOF. Close releases the
// upstream and unblocks a pending Recv.
type TokenStream interface {
	Recv() (string, error)
	Close() error
}

const defaultModel = "gpt-4o-mini"

// OpenAIConfig configures OpenAIClient.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIClient streams chat completions.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient constructs a streaming client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("ai: openai api key required")
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(clientConfig), model: model}, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, systemPrompt, query string) (TokenStream, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: query},
		},
		Stream: true,
	})
	if err != nil {
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (string, error) {
	response, err := s.stream.Recv()
	if err != nil {
		return "", err
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return response.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
