package llm

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

type anthropicClient struct {
	client    anthropic.Client
	model     string
	maxTokens int
}

func newAnthropicClient(cfg Config) *anthropicClient {
	var opts []option.RequestOption
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, option.WithMaxRetries(0))

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}

	return &anthropicClient{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: cfg.MaxTokens,
	}
}

func (c *anthropicClient) ChatStream(ctx context.Context, req StreamRequest) (Stream, error) {
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

	systemContent, messages := c.convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if len(systemContent) > 0 {
		params.System = systemContent
	}

	stream := c.client.Messages.NewStreaming(ctx, params, option.WithAPIKey(req.APIKey))
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic chat stream: %w", err)
	}

	slog.DebugContext(ctx, "llm stream started", "model", c.model, "messages", len(req.Messages))

	return &anthropicStream{stream: stream, model: c.model, start: time.Now(), ctx: ctx}, nil
}

func (c *anthropicClient) Model() string {
	return c.model
}

// convertMessages extracts system content and converts messages to Anthropic format.
// Anthropic requires system messages to be passed separately, and consecutive
// messages of the same role are merged since the API expects alternating turns.
func (c *anthropicClient) convertMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var systemContent []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(msgs))

	for _, msg := range msgs {
		var role anthropic.MessageParamRole
		switch msg.Role {
		case RoleSystem:
			systemContent = append(systemContent, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content,
			})
			continue
		case RoleUser:
			role = anthropic.MessageParamRoleUser
		case RoleAssistant:
			role = anthropic.MessageParamRoleAssistant
		default:
			continue
		}

		block := anthropic.NewTextBlock(msg.Content)
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, block)
			continue
		}
		messages = append(messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{block},
		})
	}

	return systemContent, messages
}

type anthropicStream struct {
	ctx    context.Context
	stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	model  string
	start  time.Time
	chunks int
}

func (s *anthropicStream) Recv() (string, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		text, ok := delta.Delta.AsAny().(anthropic.TextDelta)
		if !ok || text.Text == "" {
			continue
		}
		s.chunks++
		return text.Text, nil
	}

	if err := s.stream.Err(); err != nil {
		return "", fmt.Errorf("anthropic stream recv: %w", err)
	}

	slog.DebugContext(s.ctx, "llm stream completed",
		"model", s.model,
		"chunks", s.chunks,
		"duration_ms", time.Since(s.start).Milliseconds())
	return "", io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
