package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ProviderErrorKind classifies provider registration failures.
type ProviderErrorKind string

const (
	ErrUnsupportedType ProviderErrorKind = "unsupported_type"
	ErrNoCredentials   ProviderErrorKind = "no_credentials"
	ErrDuplicateName   ProviderErrorKind = "duplicate_name"
	ErrMissingBaseURL  ProviderErrorKind = "missing_base_url"
	ErrMissingName     ProviderErrorKind = "missing_name"
	ErrUnknownProvider ProviderErrorKind = "unknown_provider"
)

// ProviderError is returned by AddProvider and RemoveProvider.
type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Provider)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Is matches another *ProviderError by Kind.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	return ok && t.Kind == e.Kind
}

// ChatErrorKind classifies chat failures. Callers choose their own retry
// policy; the router never retries.
type ChatErrorKind string

const (
	// ChatUnreachable covers network failures, timeouts and server errors.
	ChatUnreachable ChatErrorKind = "provider_unreachable"

	// ChatAuthRejected means the key was refused (401, 403, billing).
	ChatAuthRejected ChatErrorKind = "auth_rejected"

	// ChatRateLimited means the provider throttled the key (429).
	ChatRateLimited ChatErrorKind = "rate_limited"

	// ChatUnsupported means the request used something the backend cannot
	// express. Capability names it.
	ChatUnsupported ChatErrorKind = "unsupported"

	// ChatInvalidRequest means the provider rejected the request shape (400, 404).
	ChatInvalidRequest ChatErrorKind = "invalid_request"

	// ChatBadResponse means the provider answered with nothing usable.
	ChatBadResponse ChatErrorKind = "bad_response"

	// ChatUnknownProvider means no provider is registered under the name.
	ChatUnknownProvider ChatErrorKind = "unknown_provider"
)

// ChatError is returned by Chat and ChatStream, and surfaces as a stream's
// terminal error.
type ChatError struct {
	Kind       ChatErrorKind
	Provider   string
	Model      string
	Status     int
	Capability string
	Message    string
	Cause      error
}

func (e *ChatError) Error() string {
	parts := []string{fmt.Sprintf("[%s]", e.Kind)}
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, "model="+e.Model)
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Capability != "" {
		parts = append(parts, "capability="+e.Capability)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

func (e *ChatError) Unwrap() error { return e.Cause }

// Is matches another *ChatError by Kind.
func (e *ChatError) Is(target error) bool {
	t, ok := target.(*ChatError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of a chat error, or "" for other errors.
func KindOf(err error) ChatErrorKind {
	var ce *ChatError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

func unsupported(capability, message string) *ChatError {
	return &ChatError{Kind: ChatUnsupported, Capability: capability, Message: message}
}

// fromStatus builds a ChatError from an HTTP status.
func fromStatus(status int, message string, cause error) *ChatError {
	return &ChatError{Kind: classifyStatus(status), Status: status, Message: message, Cause: cause}
}

func classifyStatus(status int) ChatErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusPaymentRequired:
		return ChatAuthRejected
	case status == http.StatusTooManyRequests:
		return ChatRateLimited
	case status == http.StatusBadRequest || status == http.StatusNotFound || status == http.StatusUnprocessableEntity:
		return ChatInvalidRequest
	default:
		return ChatUnreachable
	}
}

// classifyMessage inspects an error's text when the SDK exposes no status.
func classifyMessage(err error) ChatErrorKind {
	if err == nil {
		return ChatUnreachable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ChatUnreachable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ChatUnreachable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "resource_exhausted"),
		strings.Contains(msg, "error 429"):
		return ChatRateLimited
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "api key not valid"),
		strings.Contains(msg, "permission_denied"),
		strings.Contains(msg, "unauthenticated"),
		strings.Contains(msg, "error 401"),
		strings.Contains(msg, "error 403"):
		return ChatAuthRejected
	case strings.Contains(msg, "invalid_argument"),
		strings.Contains(msg, "not_found"),
		strings.Contains(msg, "error 400"),
		strings.Contains(msg, "error 404"):
		return ChatInvalidRequest
	default:
		return ChatUnreachable
	}
}
