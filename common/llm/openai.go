package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

type openaiClient struct {
	client    openai.Client
	model     string
	maxTokens int
}

func newOpenAIClient(cfg Config) *openaiClient {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	// Retries are owned by the orchestration loop so that keys can rotate between attempts.
	opts = append(opts, option.WithMaxRetries(0))

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	return &openaiClient{
		client:    openai.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

func (c *openaiClient) ChatStream(ctx context.Context, req StreamRequest) (Stream, error) {
	if req.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}

	params := openai.ChatCompletionNewParams{
		Model:               c.model,
		Messages:            c.convertMessages(req.Messages),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params, option.WithAPIKey(req.APIKey))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", err)
	}

	slog.DebugContext(ctx, "llm stream started", "model", c.model, "messages", len(req.Messages))

	return &openaiStream{stream: stream, model: c.model, start: time.Now(), ctx: ctx}, nil
}

func (c *openaiClient) Model() string {
	return c.model
}

func (c *openaiClient) convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			result = append(result, openai.SystemMessage(msg.Content))

		case RoleUser:
			if msg.Name != "" {
				result = append(result, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Name: openai.String(SanitizeName(msg.Name)),
						Content: openai.ChatCompletionUserMessageParamContentUnion{
							OfString: openai.String(msg.Content),
						},
					},
				})
			} else {
				result = append(result, openai.UserMessage(msg.Content))
			}

		case RoleAssistant:
			result = append(result, openai.AssistantMessage(msg.Content))
		}
	}

	return result
}

type openaiStream struct {
	ctx    context.Context
	stream *ssestream.Stream[openai.ChatCompletionChunk]
	model  string
	start  time.Time
	chunks int
}

func (s *openaiStream) Recv() (string, error) {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		text := chunk.Choices[0].Delta.Content
		if text == "" {
			continue
		}
		s.chunks++
		return text, nil
	}

	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("openai stream recv: %w", err)
	}

	slog.DebugContext(s.ctx, "llm stream completed",
		"model", s.model,
		"chunks", s.chunks,
		"duration_ms", time.Since(s.start).Milliseconds())
	return "", io.EOF
}

func (s *openaiStream) Close() error {
	return s.stream.Close()
}
