package onebot

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/pkg/models"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = (pongWait * 9) / 10
	maxFrameLen = 1 << 20
)

// Handler returns the inbound websocket endpoint. Peers must present the
// configured access token before the connection is upgraded.
func (a *Adapter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.WSPath, a.handleUpgrade)
	return mux
}

func (a *Adapter) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !a.authorized(r) {
		a.metrics.RecordPeer(false)
		a.logger.Warn("rejected websocket peer", "remote", r.RemoteAddr, "reason", "invalid access token")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	if !a.addPeer(conn) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "adapter stopping"),
			time.Now().Add(writeWait))
		return
	}
	defer a.removePeer(conn)
	a.metrics.RecordPeer(true)

	a.logger.Info("websocket peer connected", "remote", r.RemoteAddr)
	a.servePeer(conn)
	a.logger.Info("websocket peer disconnected", "remote", r.RemoteAddr)
}

// authorized compares the bearer token from the Authorization header, or the
// access_token query parameter, against the configured token.
func (a *Adapter) authorized(r *http.Request) bool {
	if a.cfg.AccessToken == "" {
		return true
	}
	token := strings.TrimSpace(r.Header.Get("Authorization"))
	if token != "" {
		if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
			token = strings.TrimSpace(token[7:])
		}
	} else {
		token = r.URL.Query().Get("access_token")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.AccessToken)) == 1
}

// servePeer reads frames until the peer goes away or the adapter stops.
// Frames are handled on this goroutine, so events from one peer are
// delivered in arrival order.
func (a *Adapter) servePeer(conn *websocket.Conn) {
	ctx := a.runContext()
	done := make(chan struct{})
	defer close(done)

	conn.SetReadLimit(maxFrameLen)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.pingLoop(ctx, conn, done)
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				a.logger.Debug("websocket read ended", "error", err)
			}
			return
		}
		// Any frame proves the peer is alive.
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		a.handleFrame(ctx, frame)
	}
}

func (a *Adapter) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "adapter stopping"),
				time.Now().Add(writeWait))
			_ = conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (a *Adapter) handleFrame(ctx context.Context, frame []byte) {
	if isActionResponse(frame) {
		return
	}

	evt, err := a.Decode(frame)
	if err != nil {
		var chErr *channels.Error
		reason := "decode"
		if errors.As(err, &chErr) {
			reason = strings.ToLower(string(chErr.Code))
		}
		a.metrics.RecordDropped(reason)
		a.logger.Warn("dropping inbound frame", "error", err, "size", len(frame))
		return
	}

	if !a.cfg.AcceptSelf && a.isSelfMessage(evt) {
		a.metrics.RecordDropped("self")
		return
	}

	a.metrics.RecordEvent(string(evt.Category()))
	a.touch()

	if sink := a.sink(); sink != nil {
		sink(ctx, evt)
	}
}

func (a *Adapter) isSelfMessage(evt *models.Event) bool {
	msg, ok := evt.Message()
	if !ok {
		return false
	}
	self := evt.SelfID()
	return self != "" && msg.SenderID == self
}
