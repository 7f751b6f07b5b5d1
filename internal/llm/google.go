package llm

import (
	"context"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/haasonsaas/nekobot/pkg/models"
)

type googleBackend struct {
	baseURL    string
	httpClient *http.Client
	clients    sync.Map
}

func newGoogleBackend(desc Descriptor, httpClient *http.Client) Backend {
	return &googleBackend{baseURL: desc.BaseURL, httpClient: httpClient}
}

func (b *googleBackend) client(ctx context.Context, key string) (*genai.Client, error) {
	if c, ok := b.clients.Load(key); ok {
		return c.(*genai.Client), nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     key,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: b.httpClient,
	}
	if b.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: b.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, &ChatError{Kind: ChatInvalidRequest, Message: "create client", Cause: err}
	}
	c, _ := b.clients.LoadOrStore(key, client)
	return c.(*genai.Client), nil
}

func (b *googleBackend) Chat(ctx context.Context, key string, req Request) (*models.ChatResult, error) {
	client, err := b.client(ctx, key)
	if err != nil {
		return nil, err
	}
	contents, config := googleRequest(req)
	resp, err := client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, &ChatError{Kind: classifyMessage(err), Cause: err}
	}
	if len(resp.Candidates) == 0 {
		return nil, &ChatError{Kind: ChatBadResponse, Model: req.Model, Message: "response has no candidates"}
	}

	result := &models.ChatResult{Content: googleText(resp), Model: resp.ModelVersion}
	if result.Model == "" {
		result.Model = req.Model
	}
	if usage := resp.UsageMetadata; usage != nil {
		result.Usage = models.Usage{
			PromptTokens:     int(usage.PromptTokenCount),
			CompletionTokens: int(usage.CandidatesTokenCount),
			TotalTokens:      int(usage.TotalTokenCount),
		}
	}
	return result, nil
}

func (b *googleBackend) ChatStream(ctx context.Context, key string, req Request) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		client, err := b.client(ctx, key)
		if err != nil {
			yield("", err)
			return
		}
		contents, config := googleRequest(req)
		for resp, err := range client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
			if err != nil {
				yield("", &ChatError{Kind: classifyMessage(err), Cause: err})
				return
			}
			if resp == nil {
				continue
			}
			if text := googleText(resp); text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
	}
}

// googleRequest flattens the conversation into one user turn of
// "role: content" lines. System turns become the system instruction.
func googleRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	if req.System != "" {
		system = append(system, req.System)
	}
	lines := make([]string, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			system = append(system, msg.Content)
		case models.RoleAssistant:
			lines = append(lines, fmt.Sprintf("model: %s", msg.Content))
		default:
			lines = append(lines, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
		}
	}

	contents := []*genai.Content{{
		Role:  genai.RoleUser,
		Parts: []*genai.Part{{Text: strings.Join(lines, "\n")}},
	}}

	config := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: strings.Join(system, "\n\n")},
			},
		}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		config.Temperature = &temp
	}
	return contents, config
}

func googleText(resp *genai.GenerateContentResponse) string {
	var out strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil && part.Text != "" && !part.Thought {
				out.WriteString(part.Text)
			}
		}
		break
	}
	return out.String()
}
