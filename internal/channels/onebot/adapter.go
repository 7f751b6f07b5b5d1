// Package onebot implements the OneBot v11 platform adapter used with NapCat
// and compatible QQ bridges: an HTTP control API for actions and an inbound
// websocket server for events.
package onebot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// Adapter implements channels.Adapter for OneBot v11.
type Adapter struct {
	cfg         Config
	httpClient  *http.Client
	upgrader    websocket.Upgrader
	limiter     *channels.RateLimiter
	metrics     *channels.Metrics
	logger      *slog.Logger
	server      *http.Server
	listener    net.Listener
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	mu          sync.Mutex
	state       channels.ConnectionState
	identity    channels.Identity
	lastErr     string
	lastEventAt time.Time
	peers       map[*websocket.Conn]struct{}
	closing     bool
	sinkFn      channels.Sink
}

var _ channels.Adapter = (*Adapter)(nil)

// NewAdapter creates a OneBot adapter with the given configuration.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		metrics: channels.NewMetrics(cfg.Name, cfg.Observer),
		logger:  cfg.Logger.With("adapter", Platform, "name", cfg.Name),
		ctx:     ctx,
		cancel:  cancel,
		state:   channels.StateDisconnected,
		peers:   make(map[*websocket.Conn]struct{}),
		sinkFn:  cfg.Sink,
	}, nil
}

func (a *Adapter) Name() string     { return a.cfg.Name }
func (a *Adapter) Platform() string { return Platform }

// SetSink replaces the event sink. Events already being handled keep the old one.
func (a *Adapter) SetSink(sink channels.Sink) {
	a.mu.Lock()
	a.sinkFn = sink
	a.mu.Unlock()
}

func (a *Adapter) sink() channels.Sink {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sinkFn
}

func (a *Adapter) runContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx
}

// Connect verifies the control API with get_login_info and starts the
// inbound websocket server.
func (a *Adapter) Connect(ctx context.Context) (channels.Identity, error) {
	a.mu.Lock()
	if a.state == channels.StateConnected || a.state == channels.StateConnecting {
		a.mu.Unlock()
		return channels.Identity{}, channels.ErrConfig(fmt.Sprintf("adapter %q already %s", a.cfg.Name, a.state), nil)
	}
	if a.closing {
		a.ctx, a.cancel = context.WithCancel(context.Background())
		a.closing = false
	}
	a.state = channels.StateConnecting
	a.mu.Unlock()

	a.logger.Info("connecting", "control", a.cfg.BaseURL, "inbound", a.cfg.wsAddr())

	identity, err := a.loginInfo(ctx, channels.OpConnect)
	if err != nil {
		a.fail(err)
		return channels.Identity{}, err
	}

	listener, err := net.Listen("tcp", a.cfg.wsAddr())
	if err != nil {
		cerr := channels.ErrUnreachable("listen for inbound events", err).WithContext("addr", a.cfg.wsAddr())
		a.fail(cerr)
		return channels.Identity{}, cerr
	}

	server := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.mu.Lock()
	a.server = server
	a.listener = listener
	a.identity = identity
	a.state = channels.StateConnected
	a.lastErr = ""
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("inbound server stopped", "error", err)
			a.fail(channels.ErrUnreachable("inbound server stopped", err))
		}
	}()

	a.logger.Info("connected", "self_id", identity.UserID, "nickname", identity.Nickname, "listen", listener.Addr().String())
	return identity, nil
}

// Addr returns the inbound listen address once connected.
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Disconnect closes peers, stops the inbound server and waits for readers.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return nil
	}
	a.closing = true
	server := a.server
	a.server = nil
	a.listener = nil
	cancel := a.cancel
	peers := make([]*websocket.Conn, 0, len(a.peers))
	for conn := range a.peers {
		peers = append(peers, conn)
	}
	a.state = channels.StateDisconnected
	a.mu.Unlock()

	cancel()
	for _, conn := range peers {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "adapter stopping"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}

	var shutdownErr error
	if server != nil {
		if err := server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("shutdown inbound server: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(shutdownErr, fmt.Errorf("wait for inbound readers: %w", ctx.Err()))
	}

	a.httpClient.CloseIdleConnections()
	a.logger.Info("disconnected")
	return shutdownErr
}

func (a *Adapter) addPeer(conn *websocket.Conn) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closing {
		return false
	}
	a.peers[conn] = struct{}{}
	a.wg.Add(1)
	return true
}

func (a *Adapter) removePeer(conn *websocket.Conn) {
	a.mu.Lock()
	delete(a.peers, conn)
	a.mu.Unlock()
	a.wg.Done()
}

func (a *Adapter) fail(err error) {
	a.mu.Lock()
	a.state = channels.StateFailed
	a.lastErr = err.Error()
	a.mu.Unlock()
	a.logger.Warn("connection failed", "error", err)
}

func (a *Adapter) touch() {
	a.mu.Lock()
	a.lastEventAt = time.Now()
	a.mu.Unlock()
}

// Status reports the connection state and counters.
func (a *Adapter) Status() channels.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return channels.Status{
		Name:        a.cfg.Name,
		Platform:    Platform,
		State:       a.state,
		Identity:    a.identity,
		Error:       a.lastErr,
		LastEventAt: a.lastEventAt,
		Peers:       len(a.peers),
		Metrics:     a.metrics.Snapshot(),
	}
}

// Decode translates a raw inbound payload. The connected identity fills in
// self_id when the payload omits it.
func (a *Adapter) Decode(raw []byte) (*models.Event, error) {
	a.mu.Lock()
	self := a.identity.UserID
	a.mu.Unlock()
	return Decode(raw, self)
}

// Send delivers segments to a private or group target.
func (a *Adapter) Send(ctx context.Context, target channels.Target, segments []models.Segment) (string, error) {
	if target.ID == "" {
		return "", channels.ErrInvalidInput(channels.OpSend, "target id is required", nil)
	}
	if len(segments) == 0 {
		return "", channels.ErrInvalidInput(channels.OpSend, "message has no segments", nil)
	}

	var endpoint string
	body := map[string]any{"message": encodeSegments(segments)}
	switch target.Scope {
	case models.ScopePrivate:
		endpoint = "send_private_msg"
		body["user_id"] = wireID(target.ID)
	case models.ScopeGroup:
		endpoint = "send_group_msg"
		body["group_id"] = wireID(target.ID)
	default:
		return "", channels.ErrInvalidInput(channels.OpSend, fmt.Sprintf("unknown scope %q", target.Scope), nil)
	}

	var result wireSendResult
	if err := a.call(ctx, channels.OpSend, endpoint, body, &result); err != nil {
		a.logger.Debug("send failed", "scope", target.Scope, "target", target.ID, "error", err)
		return "", err
	}
	return result.MessageID.String(), nil
}

// Moderate performs kick, mute and card actions in a group.
func (a *Adapter) Moderate(ctx context.Context, action channels.ModerationAction, params channels.ModerationParams) error {
	if params.GroupID == "" || params.UserID == "" {
		return channels.ErrInvalidInput(channels.OpModerate, "group id and user id are required", nil)
	}
	body := map[string]any{
		"group_id": wireID(params.GroupID),
		"user_id":  wireID(params.UserID),
	}

	var endpoint string
	switch action {
	case channels.ActionKick:
		endpoint = "set_group_kick"
		body["reject_add_request"] = params.RejectAddRequest
	case channels.ActionMute:
		if params.Duration < 0 {
			return channels.ErrInvalidInput(channels.OpModerate, "mute duration must not be negative", nil)
		}
		endpoint = "set_group_ban"
		body["duration"] = int64(params.Duration / time.Second)
	case channels.ActionCard:
		endpoint = "set_group_card"
		body["card"] = params.Card
	default:
		return channels.ErrInvalidInput(channels.OpModerate, fmt.Sprintf("unsupported action %q", action), nil)
	}

	a.logger.Info("moderation", "action", action, "group_id", params.GroupID, "user_id", params.UserID)
	return a.call(ctx, channels.OpModerate, endpoint, body, nil)
}
