package onebot

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// fakeAPI is a minimal OneBot control API that records requests and answers
// from a per-endpoint table.
type fakeAPI struct {
	mu       sync.Mutex
	calls    []fakeCall
	replies  map[string]string
	statuses map[string]int
	token    string
}

type fakeCall struct {
	endpoint string
	auth     string
	body     map[string]any
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		replies: map[string]string{
			"get_login_info": `{"status":"ok","retcode":0,"data":{"user_id":10001,"nickname":"nekobot"}}`,
		},
		statuses: map[string]int{},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	endpoint := strings.TrimPrefix(r.URL.Path, "/")
	data, _ := io.ReadAll(r.Body)
	var body map[string]any
	_ = json.Unmarshal(data, &body)

	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{endpoint: endpoint, auth: r.Header.Get("Authorization"), body: body})
	reply, ok := f.replies[endpoint]
	status := f.statuses[endpoint]
	token := f.token
	f.mu.Unlock()

	if token != "" && r.Header.Get("Authorization") != "Bearer "+token {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}
	if !ok {
		reply = `{"status":"ok","retcode":0,"data":null}`
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, reply)
}

func (f *fakeAPI) set(endpoint, reply string) {
	f.mu.Lock()
	f.replies[endpoint] = reply
	f.mu.Unlock()
}

func (f *fakeAPI) setStatus(endpoint string, status int) {
	f.mu.Lock()
	f.statuses[endpoint] = status
	f.mu.Unlock()
}

func (f *fakeAPI) last(t *testing.T) fakeCall {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		t.Fatal("no control calls recorded")
	}
	return f.calls[len(f.calls)-1]
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAdapter(t *testing.T, api *fakeAPI, mutate func(*Config)) *Adapter {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := Config{
		BaseURL:     srv.URL,
		AccessToken: api.token,
		RateLimit:   1000,
		RateBurst:   1000,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAdapter(cfg)
	if err != nil {
		t.Fatalf("NewAdapter() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Disconnect(ctx)
	})
	return a
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Name != "onebot" {
		t.Errorf("Name = %q, want onebot", cfg.Name)
	}
	if cfg.BaseURL != "http://localhost:3000" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.wsAddr() != "0.0.0.0:6299" {
		t.Errorf("wsAddr() = %q", cfg.wsAddr())
	}
	if cfg.WSPath != "/" || cfg.HTTPTimeout != 30*time.Second {
		t.Errorf("WSPath = %q, HTTPTimeout = %v", cfg.WSPath, cfg.HTTPTimeout)
	}

	bad := Config{BaseURL: "ftp://example.com"}
	if err := bad.Validate(); channels.GetErrorCode(err) != channels.ErrCodeConfig {
		t.Errorf("Validate() code = %q, want %q", channels.GetErrorCode(err), channels.ErrCodeConfig)
	}
}

func TestLoginInfo(t *testing.T) {
	api := newFakeAPI()
	api.token = "secret"
	a := newTestAdapter(t, api, nil)

	id, err := a.LoginInfo(context.Background())
	if err != nil {
		t.Fatalf("LoginInfo() error = %v", err)
	}
	if id.UserID != "10001" || id.Nickname != "nekobot" {
		t.Errorf("LoginInfo() = %+v", id)
	}
	if got := api.last(t).auth; got != "Bearer secret" {
		t.Errorf("Authorization = %q, want bearer token", got)
	}
}

func TestSendGroupMessage(t *testing.T) {
	api := newFakeAPI()
	api.set("send_group_msg", `{"status":"ok","retcode":0,"data":{"message_id":555}}`)
	a := newTestAdapter(t, api, nil)

	id, err := a.Send(context.Background(), channels.GroupTarget("100"), []models.Segment{models.At("7"), models.Text(" hi")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id != "555" {
		t.Errorf("Send() id = %q, want 555", id)
	}

	call := api.last(t)
	if call.endpoint != "send_group_msg" {
		t.Fatalf("endpoint = %q, want send_group_msg", call.endpoint)
	}
	if call.body["group_id"] != float64(100) {
		t.Errorf("group_id = %v, want numeric 100", call.body["group_id"])
	}
	segs, ok := call.body["message"].([]any)
	if !ok || len(segs) != 2 {
		t.Fatalf("message = %v, want two segments", call.body["message"])
	}
	first := segs[0].(map[string]any)
	if first["type"] != "at" || first["data"].(map[string]any)["qq"] != "7" {
		t.Errorf("first segment = %v", first)
	}
}

func TestSendPrivateMessage(t *testing.T) {
	api := newFakeAPI()
	api.set("send_private_msg", `{"status":"ok","retcode":0,"data":{"message_id":"abc"}}`)
	a := newTestAdapter(t, api, nil)

	id, err := a.SendPrivateMessage(context.Background(), "7", []models.Segment{models.Text("hello")})
	if err != nil {
		t.Fatalf("SendPrivateMessage() error = %v", err)
	}
	if id != "abc" {
		t.Errorf("id = %q, want abc", id)
	}
	if api.last(t).body["user_id"] != float64(7) {
		t.Errorf("user_id = %v, want 7", api.last(t).body["user_id"])
	}
}

func TestSendInvalidInput(t *testing.T) {
	a := newTestAdapter(t, newFakeAPI(), nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		target channels.Target
		segs   []models.Segment
	}{
		{"empty target", channels.GroupTarget(""), []models.Segment{models.Text("x")}},
		{"no segments", channels.GroupTarget("1"), nil},
		{"bad scope", channels.Target{Scope: "channel", ID: "1"}, []models.Segment{models.Text("x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Send(ctx, tt.target, tt.segs)
			if channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
				t.Errorf("Send() error = %v, want invalid input", err)
			}
		})
	}
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		status int
		want   channels.ErrorCode
	}{
		{"platform refusal", `{"status":"failed","retcode":100,"wording":"bot is muted"}`, 0, channels.ErrCodeRejected},
		{"throttled", "", http.StatusTooManyRequests, channels.ErrCodeRateLimited},
		{"throttled retcode", `{"status":"failed","retcode":1429,"message":"too many requests"}`, 0, channels.ErrCodeRateLimited},
		{"bad request retcode", `{"status":"failed","retcode":1400,"message":"bad request"}`, 0, channels.ErrCodeRejected},
		{"server error", "", http.StatusBadGateway, channels.ErrCodeTargetUnreachable},
		{"forbidden", "", http.StatusForbidden, channels.ErrCodeRejected},
		{"garbage", `not json`, 0, channels.ErrCodeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			if tt.reply != "" {
				api.set("send_group_msg", tt.reply)
			}
			if tt.status != 0 {
				api.setStatus("send_group_msg", tt.status)
			}
			a := newTestAdapter(t, api, nil)

			_, err := a.Send(context.Background(), channels.GroupTarget("1"), []models.Segment{models.Text("x")})
			if got := channels.GetErrorCode(err); got != tt.want {
				t.Fatalf("code = %q, want %q (err = %v)", got, tt.want, err)
			}
		})
	}

	t.Run("refusal keeps reason", func(t *testing.T) {
		api := newFakeAPI()
		api.set("send_group_msg", `{"status":"failed","retcode":100,"wording":"bot is muted"}`)
		a := newTestAdapter(t, api, nil)
		_, err := a.Send(context.Background(), channels.GroupTarget("1"), []models.Segment{models.Text("x")})
		if err == nil || !strings.Contains(err.Error(), "bot is muted") {
			t.Errorf("error = %v, want platform reason", err)
		}
	})

	t.Run("throttled retcode is retryable", func(t *testing.T) {
		api := newFakeAPI()
		api.set("send_group_msg", `{"status":"failed","retcode":1429,"wording":"slow down"}`)
		a := newTestAdapter(t, api, nil)
		_, err := a.Send(context.Background(), channels.GroupTarget("1"), []models.Segment{models.Text("x")})
		if !channels.IsRetryable(err) {
			t.Errorf("IsRetryable(%v) = false, want true", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		a, err := NewAdapter(Config{BaseURL: "http://127.0.0.1:1", Logger: quietLogger(), HTTPTimeout: time.Second})
		if err != nil {
			t.Fatalf("NewAdapter() error = %v", err)
		}
		_, err = a.Send(context.Background(), channels.GroupTarget("1"), []models.Segment{models.Text("x")})
		if got := channels.GetErrorCode(err); got != channels.ErrCodeTargetUnreachable {
			t.Errorf("code = %q, want target unreachable", got)
		}
	})
}

func TestSendRateLimited(t *testing.T) {
	a := newTestAdapter(t, newFakeAPI(), func(c *Config) {
		c.RateLimit = 0.001
		c.RateBurst = 1
		c.RateWait = 10 * time.Millisecond
	})
	ctx := context.Background()
	segs := []models.Segment{models.Text("x")}

	if _, err := a.Send(ctx, channels.GroupTarget("1"), segs); err != nil {
		t.Fatalf("first Send() error = %v", err)
	}
	_, err := a.Send(ctx, channels.GroupTarget("1"), segs)
	if got := channels.GetErrorCode(err); got != channels.ErrCodeRateLimited {
		t.Fatalf("second Send() code = %q, want rate limited", got)
	}
	if !channels.IsRetryable(err) {
		t.Error("rate limited error should be retryable")
	}
}

func TestModerate(t *testing.T) {
	tests := []struct {
		name     string
		action   channels.ModerationAction
		params   channels.ModerationParams
		endpoint string
		key      string
		value    any
	}{
		{"mute", channels.ActionMute, channels.ModerationParams{GroupID: "1", UserID: "2", Duration: 10 * time.Minute}, "set_group_ban", "duration", float64(600)},
		{"kick", channels.ActionKick, channels.ModerationParams{GroupID: "1", UserID: "2", RejectAddRequest: true}, "set_group_kick", "reject_add_request", true},
		{"card", channels.ActionCard, channels.ModerationParams{GroupID: "1", UserID: "2", Card: "neko"}, "set_group_card", "card", "neko"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI()
			a := newTestAdapter(t, api, nil)
			if err := a.Moderate(context.Background(), tt.action, tt.params); err != nil {
				t.Fatalf("Moderate() error = %v", err)
			}
			call := api.last(t)
			if call.endpoint != tt.endpoint {
				t.Fatalf("endpoint = %q, want %q", call.endpoint, tt.endpoint)
			}
			if call.body[tt.key] != tt.value {
				t.Errorf("%s = %v, want %v", tt.key, call.body[tt.key], tt.value)
			}
			if call.body["group_id"] != float64(1) || call.body["user_id"] != float64(2) {
				t.Errorf("body = %v", call.body)
			}
		})
	}

	a := newTestAdapter(t, newFakeAPI(), nil)
	if err := a.Moderate(context.Background(), "ban_forever", channels.ModerationParams{GroupID: "1", UserID: "2"}); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("unknown action error = %v, want invalid input", err)
	}
	if err := a.Moderate(context.Background(), channels.ActionKick, channels.ModerationParams{GroupID: "1"}); channels.GetErrorCode(err) != channels.ErrCodeInvalidInput {
		t.Errorf("missing user error = %v, want invalid input", err)
	}
}

func TestGroupQueries(t *testing.T) {
	api := newFakeAPI()
	api.set("get_group_list", `{"status":"ok","retcode":0,"data":[{"group_id":1,"group_name":"cats","member_count":3,"max_member_count":200}]}`)
	api.set("get_group_member_list", `{"status":"ok","retcode":0,"data":[{"group_id":1,"user_id":2,"nickname":"a","card":"b","role":"admin"}]}`)
	a := newTestAdapter(t, api, nil)
	ctx := context.Background()

	groups, err := a.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups() error = %v", err)
	}
	if len(groups) != 1 || groups[0].GroupID != "1" || groups[0].GroupName != "cats" {
		t.Errorf("Groups() = %+v", groups)
	}

	members, err := a.GroupMembers(ctx, "1")
	if err != nil {
		t.Fatalf("GroupMembers() error = %v", err)
	}
	if len(members) != 1 || members[0].UserID != "2" || members[0].Role != "admin" {
		t.Errorf("GroupMembers() = %+v", members)
	}
}

func TestRespondRequest(t *testing.T) {
	api := newFakeAPI()
	a := newTestAdapter(t, api, nil)
	ctx := context.Background()

	if err := a.RespondRequest(ctx, models.RequestEvent{RequestType: models.RequestFriend, Flag: "f1"}, true, ""); err != nil {
		t.Fatalf("RespondRequest(friend) error = %v", err)
	}
	if call := api.last(t); call.endpoint != "set_friend_add_request" || call.body["flag"] != "f1" || call.body["approve"] != true {
		t.Errorf("friend call = %+v", call)
	}

	req := models.RequestEvent{RequestType: models.RequestGroup, SubType: "add", Flag: "g1"}
	if err := a.RespondRequest(ctx, req, false, "no"); err != nil {
		t.Fatalf("RespondRequest(group) error = %v", err)
	}
	if call := api.last(t); call.endpoint != "set_group_add_request" || call.body["approve"] != false || call.body["reason"] != "no" {
		t.Errorf("group call = %+v", call)
	}
}
