package pluginsdk

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// Plugin is implemented by every extension.
type Plugin interface {
	// Register attaches the plugin's handlers through host. A returned error
	// aborts the load and detaches anything registered so far.
	Register(host Host) error
}

// Terminator is implemented by plugins that need a teardown hook before
// their handlers are detached.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Enabler is implemented by plugins with a hook for being enabled at
// runtime. An error keeps the plugin disabled. The hook does not run when a
// plugin is loaded.
type Enabler interface {
	Enable(ctx context.Context) error
}

// Disabler is implemented by plugins with a hook for being disabled at
// runtime. An error keeps the plugin enabled.
type Disabler interface {
	Disable(ctx context.Context) error
}

// Command describes a chat command a plugin answers to.
type Command struct {
	Name        string `json:"name"`
	Usage       string `json:"usage,omitempty"`
	Description string `json:"description,omitempty"`
}

// CommandExporter is implemented by plugins that advertise their commands.
// Commands is read once, after Register.
type CommandExporter interface {
	Commands() []Command
}

// Factory is the signature of the NewPlugin entry point.
type Factory func() Plugin

// Handler processes one event. Errors are logged by the host.
type Handler func(ctx context.Context, evt *models.Event) error

// Host is the runtime surface handed to a plugin during Register.
type Host interface {
	// Name is the plugin's manifest name.
	Name() string

	// On registers a handler for an event category. Handlers run in the
	// order they were registered and only while the plugin is enabled.
	On(category models.EventCategory, handler Handler) error

	// Router gives access to the configured language model providers.
	Router() Router

	// Adapter returns a messenger for the named platform adapter.
	Adapter(name string) (Messenger, bool)

	// Config is the plugin's validated configuration with schema defaults.
	Config() map[string]any

	// Logger is scoped to the plugin.
	Logger() *slog.Logger

	// DataDir is a writable directory reserved for the plugin.
	DataDir() string
}

// Router is the language model facade available to plugins.
type Router interface {
	Chat(ctx context.Context, provider string, messages []models.ChatMessage, opts models.ChatOptions) (*models.ChatResult, error)
	ChatStream(ctx context.Context, provider string, messages []models.ChatMessage, opts models.ChatOptions) (Stream, error)
	TestConnection(ctx context.Context, provider string) bool
	Providers() []string
}

// Stream yields text fragments of a streaming reply.
//
//	for stream.Next() {
//		fmt.Print(stream.Text())
//	}
//	if err := stream.Err(); err != nil { ... }
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}

// Messenger sends and moderates through one platform adapter.
type Messenger interface {
	SendGroup(ctx context.Context, groupID string, segments []models.Segment) (string, error)
	SendPrivate(ctx context.Context, userID string, segments []models.Segment) (string, error)

	// Reply answers a message event in the scope it arrived in.
	Reply(ctx context.Context, evt *models.Event, segments []models.Segment) (string, error)

	Kick(ctx context.Context, groupID, userID string, rejectAddRequest bool) error
	Mute(ctx context.Context, groupID, userID string, duration time.Duration) error
	SetCard(ctx context.Context, groupID, userID, card string) error
}
