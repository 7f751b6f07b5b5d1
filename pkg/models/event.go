// Package models defines the platform-neutral data types shared by adapters,
// plugins and the language model router.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventCategory is the top-level classification of an inbound platform event.
type EventCategory string

const (
	CategoryMessage EventCategory = "message"
	CategoryNotice  EventCategory = "notice"
	CategoryRequest EventCategory = "request"
	CategoryMeta    EventCategory = "meta"

	// CategoryUnknown marks well-formed payloads whose type is not recognized.
	// They are delivered only to handlers registered for CategoryUnknown.
	CategoryUnknown EventCategory = "unknown"
)

// Categories lists every category a handler can be registered for.
func Categories() []EventCategory {
	return []EventCategory{CategoryMessage, CategoryNotice, CategoryRequest, CategoryMeta, CategoryUnknown}
}

// Valid reports whether c is a known category.
func (c EventCategory) Valid() bool {
	switch c {
	case CategoryMessage, CategoryNotice, CategoryRequest, CategoryMeta, CategoryUnknown:
		return true
	}
	return false
}

// MessageScope distinguishes direct conversations from group chats.
type MessageScope string

const (
	ScopePrivate MessageScope = "private"
	ScopeGroup   MessageScope = "group"
)

// RequestKind identifies what a request event asks the bot to approve.
type RequestKind string

const (
	RequestFriend RequestKind = "friend"
	RequestGroup  RequestKind = "group"
)

// EventHeader carries the fields shared by every event.
type EventHeader struct {
	Platform   string
	SelfID     string
	OccurredAt time.Time
}

// MessageEvent is the payload of a CategoryMessage event.
type MessageEvent struct {
	Scope          MessageScope
	MessageID      string
	SenderID       string
	SenderNickname string
	// GroupID is set only when Scope is ScopeGroup.
	GroupID  string
	Segments []Segment
	RawText  string
}

// PlainText concatenates the text segments of the message.
func (m MessageEvent) PlainText() string {
	var b strings.Builder
	for _, seg := range m.Segments {
		if seg.Kind == SegmentText {
			b.WriteString(seg.Data["text"])
		}
	}
	return strings.TrimSpace(b.String())
}

// Mentions returns the ids targeted by at segments.
func (m MessageEvent) Mentions() []string {
	var ids []string
	for _, seg := range m.Segments {
		if seg.Kind == SegmentAt {
			ids = append(ids, seg.Data["qq"])
		}
	}
	return ids
}

// NoticeEvent is the payload of a CategoryNotice event.
type NoticeEvent struct {
	NoticeType string
	SubType    string
	OperatorID string
	// UserID is the user affected by the notice.
	UserID  string
	GroupID string
	// Group is true for group notices (member changes, bans, recalls in groups).
	Group bool
}

// RequestEvent is the payload of a CategoryRequest event.
type RequestEvent struct {
	RequestType RequestKind
	SubType     string
	UserID      string
	GroupID     string
	Comment     string
	// Flag is the opaque token needed to approve or reject the request.
	Flag string
}

// MetaEvent is the payload of a CategoryMeta event.
type MetaEvent struct {
	MetaType string
	SubType  string
}

// Event is an immutable canonical event. Payload accessors return copies, so
// handlers cannot write back into an event shared with other handlers.
type Event struct {
	category EventCategory
	header   EventHeader
	postType string

	message *MessageEvent
	notice  *NoticeEvent
	request *RequestEvent
	meta    *MetaEvent
	raw     json.RawMessage
}

// NewMessageEvent builds a message event.
func NewMessageEvent(h EventHeader, m MessageEvent) *Event {
	m.Segments = cloneSegments(m.Segments)
	if m.Scope != ScopeGroup {
		m.GroupID = ""
	}
	return &Event{category: CategoryMessage, header: h, postType: "message", message: &m}
}

// NewNoticeEvent builds a notice event.
func NewNoticeEvent(h EventHeader, n NoticeEvent) *Event {
	return &Event{category: CategoryNotice, header: h, postType: "notice", notice: &n}
}

// NewRequestEvent builds a request event.
func NewRequestEvent(h EventHeader, r RequestEvent) *Event {
	return &Event{category: CategoryRequest, header: h, postType: "request", request: &r}
}

// NewMetaEvent builds a meta event.
func NewMetaEvent(h EventHeader, m MetaEvent) *Event {
	return &Event{category: CategoryMeta, header: h, postType: "meta_event", meta: &m}
}

// NewPassthroughEvent wraps a well-formed payload of an unrecognized type.
func NewPassthroughEvent(h EventHeader, postType string, raw []byte) *Event {
	return &Event{
		category: CategoryUnknown,
		header:   h,
		postType: postType,
		raw:      append(json.RawMessage(nil), raw...),
	}
}

func (e *Event) Category() EventCategory { return e.category }
func (e *Event) Platform() string        { return e.header.Platform }
func (e *Event) SelfID() string          { return e.header.SelfID }
func (e *Event) OccurredAt() time.Time   { return e.header.OccurredAt }

// PostType is the wire discriminator the event was decoded from.
func (e *Event) PostType() string { return e.postType }

// Message returns the message payload and whether the event is a message.
func (e *Event) Message() (MessageEvent, bool) {
	if e.message == nil {
		return MessageEvent{}, false
	}
	m := *e.message
	m.Segments = cloneSegments(m.Segments)
	return m, true
}

// Notice returns the notice payload and whether the event is a notice.
func (e *Event) Notice() (NoticeEvent, bool) {
	if e.notice == nil {
		return NoticeEvent{}, false
	}
	return *e.notice, true
}

// Request returns the request payload and whether the event is a request.
func (e *Event) Request() (RequestEvent, bool) {
	if e.request == nil {
		return RequestEvent{}, false
	}
	return *e.request, true
}

// Meta returns the meta payload and whether the event is a meta event.
func (e *Event) Meta() (MetaEvent, bool) {
	if e.meta == nil {
		return MetaEvent{}, false
	}
	return *e.meta, true
}

// Raw returns a copy of the original payload for passthrough events.
func (e *Event) Raw() json.RawMessage {
	if e.raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), e.raw...)
}

// Summary is a short description used in logs.
func (e *Event) Summary() string {
	switch {
	case e.message != nil:
		if e.message.Scope == ScopeGroup {
			return fmt.Sprintf("message group=%s sender=%s", e.message.GroupID, e.message.SenderID)
		}
		return fmt.Sprintf("message private sender=%s", e.message.SenderID)
	case e.notice != nil:
		return fmt.Sprintf("notice type=%s group=%s", e.notice.NoticeType, e.notice.GroupID)
	case e.request != nil:
		return fmt.Sprintf("request type=%s user=%s", e.request.RequestType, e.request.UserID)
	case e.meta != nil:
		return fmt.Sprintf("meta type=%s", e.meta.MetaType)
	default:
		return fmt.Sprintf("unknown post_type=%q", e.postType)
	}
}
