package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/pkg/models"
)

const maxResponseBytes = 4 << 20

// GroupInfo describes a group the bot belongs to.
type GroupInfo struct {
	GroupID        string `json:"group_id"`
	GroupName      string `json:"group_name"`
	MemberCount    int    `json:"member_count"`
	MaxMemberCount int    `json:"max_member_count"`
}

// MemberInfo describes a member of a group.
type MemberInfo struct {
	GroupID      string    `json:"group_id"`
	UserID       string    `json:"user_id"`
	Nickname     string    `json:"nickname"`
	Card         string    `json:"card"`
	Role         string    `json:"role"`
	Title        string    `json:"title"`
	JoinTime     time.Time `json:"join_time"`
	LastSentTime time.Time `json:"last_sent_time"`
}

// FriendInfo describes a contact of the bot.
type FriendInfo struct {
	UserID   string `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

// MessageRecord is a stored message fetched with GetMessage.
type MessageRecord struct {
	MessageID   string           `json:"message_id"`
	MessageType string           `json:"message_type"`
	SenderID    string           `json:"sender_id"`
	Time        time.Time        `json:"time"`
	Segments    []models.Segment `json:"segments"`
}

type wireGroup struct {
	GroupID        rawID  `json:"group_id"`
	GroupName      string `json:"group_name"`
	MemberCount    int    `json:"member_count"`
	MaxMemberCount int    `json:"max_member_count"`
}

func (w wireGroup) info() GroupInfo {
	return GroupInfo{
		GroupID:        w.GroupID.String(),
		GroupName:      w.GroupName,
		MemberCount:    w.MemberCount,
		MaxMemberCount: w.MaxMemberCount,
	}
}

type wireMember struct {
	GroupID      rawID  `json:"group_id"`
	UserID       rawID  `json:"user_id"`
	Nickname     string `json:"nickname"`
	Card         string `json:"card"`
	Role         string `json:"role"`
	Title        string `json:"title"`
	JoinTime     int64  `json:"join_time"`
	LastSentTime int64  `json:"last_sent_time"`
}

func (w wireMember) info() MemberInfo {
	return MemberInfo{
		GroupID:      w.GroupID.String(),
		UserID:       w.UserID.String(),
		Nickname:     w.Nickname,
		Card:         w.Card,
		Role:         w.Role,
		Title:        w.Title,
		JoinTime:     time.Unix(w.JoinTime, 0).UTC(),
		LastSentTime: time.Unix(w.LastSentTime, 0).UTC(),
	}
}

type wireFriend struct {
	UserID   rawID  `json:"user_id"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark"`
}

type wireLogin struct {
	UserID   rawID  `json:"user_id"`
	Nickname string `json:"nickname"`
}

type wireSendResult struct {
	MessageID rawID `json:"message_id"`
}

type wireStoredMessage struct {
	MessageID   rawID           `json:"message_id"`
	MessageType string          `json:"message_type"`
	Time        int64           `json:"time"`
	Sender      wireSender      `json:"sender"`
	Message     json.RawMessage `json:"message"`
}

// call issues one control-channel request and decodes its data into out.
func (a *Adapter) call(ctx context.Context, op channels.Operation, endpoint string, body any, out any) (err error) {
	start := time.Now()
	defer func() { a.metrics.RecordAction(endpoint, err, time.Since(start)) }()

	if op != channels.OpConnect && !a.limiter.WaitFor(ctx, a.cfg.RateWait) {
		return channels.ErrRateLimited(op, "outbound rate limit exceeded", ctx.Err()).
			WithContext("endpoint", endpoint)
	}

	if body == nil {
		body = map[string]any{}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return channels.ErrInvalidInput(op, "encode request body", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/"+endpoint, bytes.NewReader(payload))
	if err != nil {
		return channels.ErrInvalidInput(op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return transportError(op, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return transportError(op, endpoint, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, endpoint, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Status == "" {
		if err == nil {
			err = fmt.Errorf("response has no status")
		}
		return protocolError(op, endpoint, err)
	}
	if envelope.Status != "ok" && envelope.Status != "async" {
		if envelope.RetCode == retcodeTooManyRequests {
			return channels.ErrRateLimited(op, envelope.reason(), nil).
				WithContext("endpoint", endpoint).
				WithContext("retcode", envelope.RetCode)
		}
		if op == channels.OpConnect {
			if envelope.RetCode == retcodeUnauthorized || envelope.RetCode == retcodeForbidden {
				return channels.ErrAuthRejected(envelope.reason(), nil)
			}
			return channels.ErrProtocolMismatch(envelope.reason(), nil)
		}
		return channels.ErrRejected(op, envelope.reason(), nil).
			WithContext("endpoint", endpoint).
			WithContext("retcode", envelope.RetCode)
	}

	if out != nil && len(envelope.Data) > 0 && !bytes.Equal(envelope.Data, []byte("null")) {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return protocolError(op, endpoint, err)
		}
	}
	return nil
}

// Failed responses mirror the HTTP status they would have carried as
// 1400 plus the status code.
const (
	retcodeUnauthorized    = 1401
	retcodeForbidden       = 1403
	retcodeTooManyRequests = 1429
)

func transportError(op channels.Operation, endpoint string, err error) error {
	if op == channels.OpConnect {
		return channels.ErrUnreachable("control channel unreachable", err).WithContext("endpoint", endpoint)
	}
	return channels.ErrTargetUnreachable(op, "control channel unreachable", err).WithContext("endpoint", endpoint)
}

func statusError(op channels.Operation, endpoint string, status int) error {
	cause := fmt.Errorf("http status %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if op == channels.OpConnect {
			return channels.ErrAuthRejected("access token rejected", cause)
		}
		return channels.ErrRejected(op, "access token rejected", cause).WithContext("endpoint", endpoint)
	case status == http.StatusTooManyRequests:
		return channels.ErrRateLimited(op, "rate limited by platform", cause).WithContext("endpoint", endpoint)
	case status >= 500:
		return transportError(op, endpoint, cause)
	default:
		return protocolError(op, endpoint, cause)
	}
}

func protocolError(op channels.Operation, endpoint string, err error) error {
	if op == channels.OpConnect {
		return channels.ErrProtocolMismatch("unexpected control API response", err).WithContext("endpoint", endpoint)
	}
	return channels.ErrRejected(op, "unexpected control API response", err).WithContext("endpoint", endpoint)
}

// LoginInfo returns the account the control API is logged in as.
func (a *Adapter) LoginInfo(ctx context.Context) (channels.Identity, error) {
	return a.loginInfo(ctx, channels.OpQuery)
}

func (a *Adapter) loginInfo(ctx context.Context, op channels.Operation) (channels.Identity, error) {
	var login wireLogin
	if err := a.call(ctx, op, "get_login_info", nil, &login); err != nil {
		return channels.Identity{}, err
	}
	if login.UserID == "" {
		if op == channels.OpConnect {
			return channels.Identity{}, channels.ErrProtocolMismatch("get_login_info returned no user_id", nil)
		}
		return channels.Identity{}, channels.ErrRejected(op, "get_login_info returned no user_id", nil)
	}
	return channels.Identity{UserID: login.UserID.String(), Nickname: login.Nickname}, nil
}

// SendPrivateMessage sends segments to a user.
func (a *Adapter) SendPrivateMessage(ctx context.Context, userID string, segments []models.Segment) (string, error) {
	return a.Send(ctx, channels.PrivateTarget(userID), segments)
}

// SendGroupMessage sends segments to a group.
func (a *Adapter) SendGroupMessage(ctx context.Context, groupID string, segments []models.Segment) (string, error) {
	return a.Send(ctx, channels.GroupTarget(groupID), segments)
}

// DeleteMessage recalls a message.
func (a *Adapter) DeleteMessage(ctx context.Context, messageID string) error {
	if messageID == "" {
		return channels.ErrInvalidInput(channels.OpModerate, "message id is required", nil)
	}
	return a.call(ctx, channels.OpModerate, "delete_msg", map[string]any{"message_id": wireID(messageID)}, nil)
}

// GetMessage fetches a stored message by id.
func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*MessageRecord, error) {
	var stored wireStoredMessage
	if err := a.call(ctx, channels.OpQuery, "get_msg", map[string]any{"message_id": wireID(messageID)}, &stored); err != nil {
		return nil, err
	}
	record := &MessageRecord{
		MessageID:   stored.MessageID.String(),
		MessageType: stored.MessageType,
		SenderID:    stored.Sender.UserID.String(),
		Time:        time.Unix(stored.Time, 0).UTC(),
	}
	if len(stored.Message) > 0 {
		segs, err := parseSegments(stored.Message)
		if err != nil {
			return nil, protocolError(channels.OpQuery, "get_msg", err)
		}
		record.Segments = segs
	}
	return record, nil
}

// Groups lists the groups the bot belongs to.
func (a *Adapter) Groups(ctx context.Context) ([]GroupInfo, error) {
	var wire []wireGroup
	if err := a.call(ctx, channels.OpQuery, "get_group_list", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]GroupInfo, 0, len(wire))
	for _, g := range wire {
		out = append(out, g.info())
	}
	return out, nil
}

// Group returns information about one group.
func (a *Adapter) Group(ctx context.Context, groupID string) (GroupInfo, error) {
	var wire wireGroup
	if err := a.call(ctx, channels.OpQuery, "get_group_info", map[string]any{"group_id": wireID(groupID)}, &wire); err != nil {
		return GroupInfo{}, err
	}
	return wire.info(), nil
}

// GroupMembers lists the members of a group.
func (a *Adapter) GroupMembers(ctx context.Context, groupID string) ([]MemberInfo, error) {
	var wire []wireMember
	if err := a.call(ctx, channels.OpQuery, "get_group_member_list", map[string]any{"group_id": wireID(groupID)}, &wire); err != nil {
		return nil, err
	}
	out := make([]MemberInfo, 0, len(wire))
	for _, m := range wire {
		out = append(out, m.info())
	}
	return out, nil
}

// GroupMember returns one member of a group.
func (a *Adapter) GroupMember(ctx context.Context, groupID, userID string) (MemberInfo, error) {
	var wire wireMember
	body := map[string]any{"group_id": wireID(groupID), "user_id": wireID(userID)}
	if err := a.call(ctx, channels.OpQuery, "get_group_member_info", body, &wire); err != nil {
		return MemberInfo{}, err
	}
	return wire.info(), nil
}

// Friends lists the bot's contacts.
func (a *Adapter) Friends(ctx context.Context) ([]FriendInfo, error) {
	var wire []wireFriend
	if err := a.call(ctx, channels.OpQuery, "get_friend_list", nil, &wire); err != nil {
		return nil, err
	}
	out := make([]FriendInfo, 0, len(wire))
	for _, f := range wire {
		out = append(out, FriendInfo{UserID: f.UserID.String(), Nickname: f.Nickname, Remark: f.Remark})
	}
	return out, nil
}

// RespondRequest approves or rejects a friend or group request by its flag.
func (a *Adapter) RespondRequest(ctx context.Context, req models.RequestEvent, approve bool, reason string) error {
	if req.Flag == "" {
		return channels.ErrInvalidInput(channels.OpModerate, "request flag is required", nil)
	}
	switch req.RequestType {
	case models.RequestFriend:
		body := map[string]any{"flag": req.Flag, "approve": approve}
		if approve && reason != "" {
			body["remark"] = reason
		}
		return a.call(ctx, channels.OpModerate, "set_friend_add_request", body, nil)
	case models.RequestGroup:
		subType := req.SubType
		if subType == "" {
			subType = "add"
		}
		body := map[string]any{"flag": req.Flag, "sub_type": subType, "type": subType, "approve": approve}
		if !approve && reason != "" {
			body["reason"] = reason
		}
		return a.call(ctx, channels.OpModerate, "set_group_add_request", body, nil)
	default:
		return channels.ErrInvalidInput(channels.OpModerate, fmt.Sprintf("unknown request type %q", req.RequestType), nil)
	}
}
