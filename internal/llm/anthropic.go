package llm

import (
	"context"
	"errors"
	"iter"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// defaultAnthropicMaxTokens is sent when neither the request nor the provider
// config sets a limit; the Messages API requires one.
const defaultAnthropicMaxTokens = 4096

type anthropicBackend struct {
	baseURL    string
	httpClient *http.Client
	clients    sync.Map
}

func newAnthropicBackend(desc Descriptor, httpClient *http.Client) Backend {
	return &anthropicBackend{baseURL: desc.BaseURL, httpClient: httpClient}
}

func (b *anthropicBackend) client(key string) *anthropic.Client {
	if c, ok := b.clients.Load(key); ok {
		return c.(*anthropic.Client)
	}
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithMaxRetries(0),
	}
	if b.baseURL != "" {
		base := b.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		opts = append(opts, option.WithBaseURL(base))
	}
	if b.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(b.httpClient))
	}
	client := anthropic.NewClient(opts...)
	c, _ := b.clients.LoadOrStore(key, &client)
	return c.(*anthropic.Client)
}

func (b *anthropicBackend) Chat(ctx context.Context, key string, req Request) (*models.ChatResult, error) {
	msg, err := b.client(key).Messages.New(ctx, anthropicParams(req))
	if err != nil {
		return nil, anthropicError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	model := string(msg.Model)
	if model == "" {
		model = req.Model
	}
	prompt := int(msg.Usage.InputTokens)
	completion := int(msg.Usage.OutputTokens)
	return &models.ChatResult{
		Content: text.String(),
		Model:   model,
		Usage: models.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}, nil
}

func (b *anthropicBackend) ChatStream(ctx context.Context, key string, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := b.client(key).Messages.NewStreaming(ctx, anthropicParams(req))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			if event.Type != "content_block_delta" {
				continue
			}
			delta := event.AsContentBlockDelta().Delta
			if delta.Type != "text_delta" || delta.Text == "" {
				continue
			}
			if !yield(delta.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", anthropicError(err))
		}
	}
}

// anthropicParams moves system turns into the system prompt and merges
// consecutive same-role turns so user and assistant alternate.
func anthropicParams(req Request) anthropic.MessageNewParams {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}

	type turn struct {
		role models.ChatRole
		text []string
	}
	var turns []turn
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if n := len(turns); n > 0 && turns[n-1].role == msg.Role {
			turns[n-1].text = append(turns[n-1].text, msg.Content)
			continue
		}
		turns = append(turns, turn{role: msg.Role, text: []string{msg.Content}})
	}

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, t := range turns {
		block := anthropic.NewTextBlock(strings.Join(t.text, "\n\n"))
		if t.role == models.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: strings.Join(system, "\n\n"),
			},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	return params
}

func anthropicError(err error) *ChatError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return fromStatus(apiErr.StatusCode, "", err)
	}
	return &ChatError{Kind: classifyMessage(err), Cause: err}
}
