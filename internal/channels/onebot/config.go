package onebot

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nekobot/internal/channels"
)

// Platform is the platform type reported by OneBot adapters.
const Platform = "onebot"

// Config holds configuration for a OneBot v11 adapter (NapCat and compatible
// implementations).
type Config struct {
	// Name identifies this adapter instance (default: "onebot").
	Name string

	// Host and Port address the HTTP control API (default: localhost:3000).
	Host string
	Port int

	// BaseURL overrides Host/Port, e.g. "http://napcat:3000".
	BaseURL string

	// AccessToken is sent as a bearer token on control calls and required
	// from peers of the inbound websocket when set.
	AccessToken string

	// WSHost and WSPort address the inbound websocket server
	// (default: 0.0.0.0:6299).
	WSHost string
	WSPort int

	// WSPath is the websocket endpoint path (default: "/").
	WSPath string

	// HTTPTimeout bounds each control call (default: 30s).
	HTTPTimeout time.Duration

	// RateLimit is the sustained control-call rate per second (default: 5).
	RateLimit float64

	// RateBurst is the bucket capacity (default: 10).
	RateBurst int

	// RateWait is how long a call may wait for a token before failing with
	// a rate limit error (default: 2s).
	RateWait time.Duration

	// AcceptSelf delivers messages sent by the bot account itself.
	AcceptSelf bool

	// Sink receives decoded events in arrival order.
	Sink channels.Sink

	// Observer receives activity counters. Optional.
	Observer channels.Observer

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = Platform
	}
	if c.BaseURL == "" {
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.Port == 0 {
			c.Port = 3000
		}
		c.BaseURL = fmt.Sprintf("http://%s:%d", c.Host, c.Port)
	}
	c.BaseURL = strings.TrimSuffix(c.BaseURL, "/")
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return channels.ErrConfig(fmt.Sprintf("base_url %q must be an http(s) URL", c.BaseURL), nil)
	}
	if c.Port < 0 || c.Port > 65535 || c.WSPort < 0 || c.WSPort > 65535 {
		return channels.ErrConfig("port out of range", nil)
	}
	if c.WSHost == "" {
		c.WSHost = "0.0.0.0"
	}
	if c.WSPort == 0 {
		c.WSPort = 6299
	}
	if c.WSPath == "" {
		c.WSPath = "/"
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		c.WSPath = "/" + c.WSPath
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 30 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 5
	}
	if c.RateBurst == 0 {
		c.RateBurst = 10
	}
	if c.RateWait == 0 {
		c.RateWait = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// wsAddr is the listen address of the inbound server.
func (c *Config) wsAddr() string {
	return fmt.Sprintf("%s:%d", c.WSHost, c.WSPort)
}
