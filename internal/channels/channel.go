// Package channels defines the platform adapter contract, its error taxonomy
// and the registry of running adapters.
package channels

import (
	"context"
	"time"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// Adapter is the interface every platform connector implements. An adapter
// owns exactly one external connection: an outbound control channel used for
// actions and an inbound event channel that feeds decoded events to a Sink.
type Adapter interface {
	// Name is the configured instance name, unique across adapters.
	Name() string

	// Platform is the platform type (for example "onebot").
	Platform() string

	// Connect starts the inbound event channel, verifies the control channel
	// and returns the bot's own identity on the platform.
	Connect(ctx context.Context) (Identity, error)

	// Decode translates one raw inbound payload into a canonical event.
	// It has no side effects.
	Decode(raw []byte) (*models.Event, error)

	// Send delivers segments to a private or group target and returns the
	// platform message id.
	Send(ctx context.Context, target Target, segments []models.Segment) (string, error)

	// Moderate performs a group control action such as kick or mute.
	Moderate(ctx context.Context, action ModerationAction, params ModerationParams) error

	// Disconnect releases both channels. It is safe to call more than once.
	Disconnect(ctx context.Context) error

	// Status reports the current connection state.
	Status() Status
}

// Sink receives decoded events in arrival order for one connection.
type Sink func(ctx context.Context, evt *models.Event)

// Identity is the bot's own account on a platform.
type Identity struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname,omitempty"`
}

// Target addresses an outbound message.
type Target struct {
	Scope models.MessageScope `json:"scope"`
	ID    string              `json:"id"`
}

// GroupTarget addresses a group chat.
func GroupTarget(id string) Target { return Target{Scope: models.ScopeGroup, ID: id} }

// PrivateTarget addresses a direct conversation.
func PrivateTarget(id string) Target { return Target{Scope: models.ScopePrivate, ID: id} }

// ModerationAction names a group control operation.
type ModerationAction string

const (
	ActionKick ModerationAction = "kick"
	ActionMute ModerationAction = "mute"
	ActionCard ModerationAction = "card"
)

// ModerationParams carries the arguments of a moderation action. Fields that do
// not apply to an action are ignored.
type ModerationParams struct {
	GroupID string
	UserID  string
	// Duration is the mute length; zero lifts an existing mute.
	Duration time.Duration
	// Card is the new group nickname for ActionCard.
	Card string
	// RejectAddRequest blocks the kicked user from re-applying.
	RejectAddRequest bool
}

// ConnectionState is the lifecycle state of an adapter connection.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateFailed       ConnectionState = "failed"
)

// Status is a snapshot of an adapter's connection.
type Status struct {
	Name        string          `json:"name"`
	Platform    string          `json:"platform"`
	State       ConnectionState `json:"state"`
	Identity    Identity        `json:"identity"`
	Error       string          `json:"error,omitempty"`
	LastEventAt time.Time       `json:"last_event_at,omitempty"`
	Peers       int             `json:"peers"`
	Metrics     MetricsSnapshot `json:"metrics"`
}
