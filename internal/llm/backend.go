package llm

import (
	"context"
	"fmt"
	"iter"
	"net/http"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// ProviderType names a backend family.
type ProviderType string

const (
	TypeOpenAI    ProviderType = "openai"
	TypeAnthropic ProviderType = "anthropic"
	TypeGoogle    ProviderType = "google"

	// TypeCustom is any OpenAI-compatible endpoint at an explicit base URL.
	TypeCustom ProviderType = "custom"
)

// Request is a chat request after option defaults have been resolved.
type Request struct {
	Model       string
	System      string
	Messages    []models.ChatMessage
	Temperature *float64
	MaxTokens   int
}

// Backend speaks one provider family's wire protocol. The key is chosen by
// the router for every call.
type Backend interface {
	Chat(ctx context.Context, key string, req Request) (*models.ChatResult, error)

	// ChatStream returns a lazy sequence. Nothing is sent until iteration
	// starts; a terminal failure is yielded as the last element.
	ChatStream(ctx context.Context, key string, req Request) iter.Seq2[string, error]
}

type backendFactory func(desc Descriptor, httpClient *http.Client) Backend

var backendFactories = map[ProviderType]backendFactory{
	TypeOpenAI:    newOpenAIBackend,
	TypeCustom:    newOpenAIBackend,
	TypeAnthropic: newAnthropicBackend,
	TypeGoogle:    newGoogleBackend,
}

// SupportedTypes lists the provider types AddProvider accepts.
func SupportedTypes() []ProviderType {
	return []ProviderType{TypeOpenAI, TypeAnthropic, TypeGoogle, TypeCustom}
}

func newBackend(desc Descriptor, httpClient *http.Client) (Backend, error) {
	factory, ok := backendFactories[desc.Type]
	if !ok {
		return nil, fmt.Errorf("no backend for provider type %q", desc.Type)
	}
	return factory(desc, httpClient), nil
}

func validRole(role models.ChatRole) bool {
	switch role {
	case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		return true
	}
	return false
}
