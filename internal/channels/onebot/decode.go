package onebot

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/nekobot/internal/channels"
	"github.com/haasonsaas/nekobot/pkg/models"
)

// Decode translates one OneBot v11 event payload into a canonical event.
// Any JSON object without a recognized post_type becomes a passthrough
// event, whatever its other fields hold. Input that is not a JSON object, or
// a known type with invalid or missing required fields, fails with a
// Malformed error. selfID fills in the bot identity when the payload does
// not carry a usable self_id.
func Decode(raw []byte, selfID string) (*models.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, channels.ErrMalformed("payload is not a JSON object", nil)
	}

	var env map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, channels.ErrMalformed("invalid event envelope", err)
	}

	postType := envelopeString(env["post_type"])
	occurred, timeErr := envelopeTime(env["time"])
	var self rawID
	selfErr := unmarshalOptional(env["self_id"], &self)

	header := models.EventHeader{Platform: Platform, SelfID: selfID, OccurredAt: occurred}
	if selfErr == nil && self != "" {
		header.SelfID = self.String()
	}

	var decode func(models.EventHeader, []byte) (*models.Event, error)
	switch postType {
	case "message":
		decode = decodeMessage
	case "notice":
		decode = decodeNotice
	case "request":
		decode = decodeRequest
	case "meta_event":
		decode = decodeMeta
	default:
		return models.NewPassthroughEvent(header, postType, trimmed), nil
	}

	if timeErr != nil {
		return nil, channels.ErrMalformed("invalid event time", timeErr)
	}
	if selfErr != nil {
		return nil, channels.ErrMalformed("invalid self_id", selfErr)
	}
	return decode(header, trimmed)
}

// envelopeString returns the field as a string, or "" when it is absent or
// not a JSON string.
func envelopeString(raw json.RawMessage) string {
	var s string
	if err := unmarshalOptional(raw, &s); err != nil {
		return ""
	}
	return s
}

// envelopeTime reads a unix timestamp in seconds. Fractional values are
// truncated; an absent field is the unix epoch.
func envelopeTime(raw json.RawMessage) (time.Time, error) {
	epoch := time.Unix(0, 0).UTC()
	var n json.Number
	if err := unmarshalOptional(raw, &n); err != nil {
		return epoch, err
	}
	if n == "" {
		return epoch, nil
	}
	if sec, err := n.Int64(); err == nil {
		return time.Unix(sec, 0).UTC(), nil
	}
	f, err := n.Float64()
	if err != nil {
		return epoch, err
	}
	return time.Unix(int64(f), 0).UTC(), nil
}

func unmarshalOptional(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	return json.Unmarshal(raw, v)
}

func decodeMessage(h models.EventHeader, raw []byte) (*models.Event, error) {
	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, channels.ErrMalformed("invalid message event", err)
	}

	var scope models.MessageScope
	switch wm.MessageType {
	case "private":
		scope = models.ScopePrivate
	case "group":
		scope = models.ScopeGroup
	default:
		return models.NewPassthroughEvent(h, "message", raw), nil
	}

	if wm.UserID == nil || *wm.UserID == "" {
		return nil, channels.ErrMalformed("message event without user_id", nil)
	}
	if scope == models.ScopeGroup && (wm.GroupID == nil || *wm.GroupID == "") {
		return nil, channels.ErrMalformed("group message without group_id", nil)
	}

	segs, err := parseSegments(wm.Message)
	if err != nil {
		return nil, channels.ErrMalformed("invalid message content", err)
	}

	msg := models.MessageEvent{
		Scope:          scope,
		MessageID:      wm.MessageID.String(),
		SenderID:       wm.UserID.String(),
		SenderNickname: wm.Sender.Card,
		Segments:       segs,
		RawText:        wm.RawMessage,
	}
	if msg.SenderNickname == "" {
		msg.SenderNickname = wm.Sender.Nickname
	}
	if scope == models.ScopeGroup {
		msg.GroupID = wm.GroupID.String()
	}
	if msg.RawText == "" {
		msg.RawText = msg.PlainText()
	}
	return models.NewMessageEvent(h, msg), nil
}

func decodeNotice(h models.EventHeader, raw []byte) (*models.Event, error) {
	var wn wireNotice
	if err := json.Unmarshal(raw, &wn); err != nil {
		return nil, channels.ErrMalformed("invalid notice event", err)
	}
	if wn.NoticeType == "" {
		return nil, channels.ErrMalformed("notice event without notice_type", nil)
	}

	affected := wn.UserID.String()
	if affected == "" {
		affected = wn.TargetID.String()
	}
	return models.NewNoticeEvent(h, models.NoticeEvent{
		NoticeType: wn.NoticeType,
		SubType:    wn.SubType,
		OperatorID: wn.OperatorID.String(),
		UserID:     affected,
		GroupID:    wn.GroupID.String(),
		Group:      strings.Contains(wn.NoticeType, "group") || wn.GroupID != "",
	}), nil
}

func decodeRequest(h models.EventHeader, raw []byte) (*models.Event, error) {
	var wr wireRequest
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, channels.ErrMalformed("invalid request event", err)
	}

	var kind models.RequestKind
	switch wr.RequestType {
	case "friend":
		kind = models.RequestFriend
	case "group":
		kind = models.RequestGroup
	default:
		return models.NewPassthroughEvent(h, "request", raw), nil
	}
	if wr.Flag == "" {
		return nil, channels.ErrMalformed("request event without flag", nil)
	}

	req := models.RequestEvent{
		RequestType: kind,
		SubType:     wr.SubType,
		UserID:      wr.UserID.String(),
		Comment:     wr.Comment,
		Flag:        wr.Flag,
	}
	if kind == models.RequestGroup {
		req.GroupID = wr.GroupID.String()
	}
	return models.NewRequestEvent(h, req), nil
}

func decodeMeta(h models.EventHeader, raw []byte) (*models.Event, error) {
	var wm wireMeta
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, channels.ErrMalformed("invalid meta event", err)
	}
	if wm.MetaEventType == "" {
		return nil, channels.ErrMalformed("meta event without meta_event_type", nil)
	}
	return models.NewMetaEvent(h, models.MetaEvent{MetaType: wm.MetaEventType, SubType: wm.SubType}), nil
}

// isActionResponse reports whether a websocket frame is the reply to an
// action call rather than an event.
func isActionResponse(raw []byte) bool {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return false
	}
	if envelopeString(env["post_type"]) != "" {
		return false
	}
	_, echo := env["echo"]
	retcode, ok := env["retcode"]
	return echo || (ok && !bytes.Equal(retcode, []byte("null")))
}
