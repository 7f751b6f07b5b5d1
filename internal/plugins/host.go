package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/internal/dispatch"
	"github.com/haasonsaas/nekobot/pkg/models"
	"github.com/haasonsaas/nekobot/pkg/pluginsdk"
)

var errHostClosed = errors.New("plugin host is closed")

// host is the pluginsdk.Host handed to one plugin instance. It tracks the
// handlers the plugin registers so they can be detached together.
type host struct {
	rt     *Runtime
	name   string
	config map[string]any
	logger *slog.Logger

	mu         sync.Mutex
	handles    []dispatch.Handle
	categories []models.EventCategory
	closed     bool
}

func newHost(rt *Runtime, name string, config map[string]any) *host {
	return &host{
		rt:     rt,
		name:   name,
		config: config,
		logger: rt.logger.With("plugin", name),
	}
}

func (h *host) Name() string { return h.name }

func (h *host) On(category models.EventCategory, handler pluginsdk.Handler) error {
	if handler == nil {
		return errors.New("handler is nil")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHostClosed
	}
	id, err := h.rt.dispatcher.Register(category, dispatch.Handler(handler),
		dispatch.WithOwner(h.name),
		dispatch.WithName(fmt.Sprintf("%s/%s#%d", h.name, category, len(h.handles)+1)),
	)
	if err != nil {
		return err
	}
	h.handles = append(h.handles, id)
	for _, c := range h.categories {
		if c == category {
			return nil
		}
	}
	h.categories = append(h.categories, category)
	return nil
}

func (h *host) Router() pluginsdk.Router {
	if h.rt.cfg.Router == nil {
		return unavailableRouter{}
	}
	return h.rt.cfg.Router
}

func (h *host) Adapter(name string) (pluginsdk.Messenger, bool) {
	if h.rt.cfg.Adapters == nil {
		return nil, false
	}
	adapter, ok := h.rt.cfg.Adapters.Get(name)
	if !ok {
		return nil, false
	}
	return NewMessenger(adapter), true
}

func (h *host) Config() map[string]any {
	out := make(map[string]any, len(h.config))
	for k, v := range h.config {
		out[k] = v
	}
	return out
}

func (h *host) Logger() *slog.Logger { return h.logger }

func (h *host) DataDir() string {
	dir := filepath.Join(h.rt.cfg.DataDir, h.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		h.logger.Warn("create plugin data directory failed", "dir", dir, "error", err)
	}
	return dir
}

// detach removes every handler the plugin registered. Later On calls fail.
func (h *host) detach() {
	h.mu.Lock()
	h.closed = true
	h.handles = nil
	h.mu.Unlock()
	if n := h.rt.dispatcher.UnregisterOwner(h.name); n > 0 {
		h.logger.Debug("handlers detached", "count", n)
	}
}

func (h *host) capabilities() []models.EventCategory {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]models.EventCategory(nil), h.categories...)
}

func (h *host) handlerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handles)
}

// messenger adapts a channels.Adapter to the plugin-facing Messenger.
type messenger struct {
	adapter channels.Adapter
}

// NewMessenger wraps adapter for use by plugins.
func NewMessenger(adapter channels.Adapter) pluginsdk.Messenger {
	return messenger{adapter: adapter}
}

func (m messenger) SendGroup(ctx context.Context, groupID string, segments []models.Segment) (string, error) {
	return m.adapter.Send(ctx, channels.GroupTarget(groupID), segments)
}

func (m messenger) SendPrivate(ctx context.Context, userID string, segments []models.Segment) (string, error) {
	return m.adapter.Send(ctx, channels.PrivateTarget(userID), segments)
}

func (m messenger) Reply(ctx context.Context, evt *models.Event, segments []models.Segment) (string, error) {
	if evt == nil {
		return "", channels.ErrInvalidInput(channels.OpSend, "reply needs an event", nil)
	}
	msg, ok := evt.Message()
	if !ok {
		return "", channels.ErrInvalidInput(channels.OpSend, "reply needs a message event", nil)
	}
	if msg.Scope == models.ScopeGroup {
		return m.SendGroup(ctx, msg.GroupID, segments)
	}
	return m.SendPrivate(ctx, msg.SenderID, segments)
}

func (m messenger) Kick(ctx context.Context, groupID, userID string, rejectAddRequest bool) error {
	return m.adapter.Moderate(ctx, channels.ActionKick, channels.ModerationParams{
		GroupID:          groupID,
		UserID:           userID,
		RejectAddRequest: rejectAddRequest,
	})
}

func (m messenger) Mute(ctx context.Context, groupID, userID string, duration time.Duration) error {
	return m.adapter.Moderate(ctx, channels.ActionMute, channels.ModerationParams{
		GroupID:  groupID,
		UserID:   userID,
		Duration: duration,
	})
}

func (m messenger) SetCard(ctx context.Context, groupID, userID, card string) error {
	return m.adapter.Moderate(ctx, channels.ActionCard, channels.ModerationParams{
		GroupID: groupID,
		UserID:  userID,
		Card:    card,
	})
}

var errNoRouter = errors.New("no language model router is configured")

type unavailableRouter struct{}

func (unavailableRouter) Chat(context.Context, string, []models.ChatMessage, models.ChatOptions) (*models.ChatResult, error) {
	return nil, errNoRouter
}

func (unavailableRouter) ChatStream(context.Context, string, []models.ChatMessage, models.ChatOptions) (pluginsdk.Stream, error) {
	return nil, errNoRouter
}

func (unavailableRouter) TestConnection(context.Context, string) bool { return false }

func (unavailableRouter) Providers() []string { return nil }
