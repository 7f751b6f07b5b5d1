package llm

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/http"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// openAIBackend serves both openai and custom providers. Custom providers
// differ only by base URL.
type openAIBackend struct {
	baseURL    string
	httpClient *http.Client

	// clients caches one SDK client per API key.
	clients sync.Map
}

func newOpenAIBackend(desc Descriptor, httpClient *http.Client) Backend {
	return &openAIBackend{baseURL: desc.BaseURL, httpClient: httpClient}
}

func (b *openAIBackend) client(key string) *openai.Client {
	if c, ok := b.clients.Load(key); ok {
		return c.(*openai.Client)
	}
	cfg := openai.DefaultConfig(key)
	if b.baseURL != "" {
		cfg.BaseURL = b.baseURL
	}
	if b.httpClient != nil {
		cfg.HTTPClient = b.httpClient
	}
	c, _ := b.clients.LoadOrStore(key, openai.NewClientWithConfig(cfg))
	return c.(*openai.Client)
}

func (b *openAIBackend) Chat(ctx context.Context, key string, req Request) (*models.ChatResult, error) {
	resp, err := b.client(key).CreateChatCompletion(ctx, openAIRequest(req, false))
	if err != nil {
		return nil, openAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &ChatError{Kind: ChatBadResponse, Model: resp.Model, Message: "response has no choices"}
	}
	model := resp.Model
	if model == "" {
		model = req.Model
	}
	return &models.ChatResult{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage: models.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (b *openAIBackend) ChatStream(ctx context.Context, key string, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream, err := b.client(key).CreateChatCompletionStream(ctx, openAIRequest(req, true))
		if err != nil {
			yield("", openAIError(err))
			return
		}
		defer stream.Close()

		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield("", openAIError(err))
				return
			}
			for _, choice := range chunk.Choices {
				if choice.Delta.Content == "" {
					continue
				}
				if !yield(choice.Delta.Content, nil) {
					return
				}
			}
		}
	}
}

func openAIRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, msg := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stream:    stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	return out
}

func openAIError(err error) *ChatError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fromStatus(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fromStatus(reqErr.HTTPStatusCode, "", err)
	}
	return &ChatError{Kind: classifyMessage(err), Cause: err}
}
