package onebot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/nekobot/pkg/models"
)

// rawID accepts ids encoded as JSON numbers or strings.
type rawID string

func (r *rawID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = rawID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or string: %w", err)
	}
	*r = rawID(n.String())
	return nil
}

func (r rawID) String() string { return string(r) }

// wireID converts a canonical id back into the numeric form the control API
// expects. Non-numeric ids (such as "all") are passed as strings.
func wireID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

type wireSender struct {
	UserID   rawID  `json:"user_id"`
	Nickname string `json:"nickname"`
	Card     string `json:"card"`
	Role     string `json:"role"`
}

type wireMessage struct {
	MessageType string          `json:"message_type"`
	SubType     string          `json:"sub_type"`
	MessageID   rawID           `json:"message_id"`
	UserID      *rawID          `json:"user_id"`
	GroupID     *rawID          `json:"group_id"`
	Message     json.RawMessage `json:"message"`
	RawMessage  string          `json:"raw_message"`
	Sender      wireSender      `json:"sender"`
}

type wireNotice struct {
	NoticeType string `json:"notice_type"`
	SubType    string `json:"sub_type"`
	GroupID    rawID  `json:"group_id"`
	UserID     rawID  `json:"user_id"`
	OperatorID rawID  `json:"operator_id"`
	TargetID   rawID  `json:"target_id"`
}

type wireRequest struct {
	RequestType string `json:"request_type"`
	SubType     string `json:"sub_type"`
	UserID      rawID  `json:"user_id"`
	GroupID     rawID  `json:"group_id"`
	Comment     string `json:"comment"`
	Flag        string `json:"flag"`
}

type wireMeta struct {
	MetaEventType string `json:"meta_event_type"`
	SubType       string `json:"sub_type"`
}

type wireSegment struct {
	Type string                     `json:"type"`
	Data map[string]json.RawMessage `json:"data"`
}

// apiResponse is the envelope of every control call.
type apiResponse struct {
	Status  string          `json:"status"`
	RetCode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

func (r apiResponse) reason() string {
	switch {
	case r.Wording != "":
		return r.Wording
	case r.Message != "":
		return r.Message
	default:
		return fmt.Sprintf("status %q retcode %d", r.Status, r.RetCode)
	}
}

// parseSegments accepts the array form or the plain string form of a message.
func parseSegments(raw json.RawMessage) ([]models.Segment, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, fmt.Errorf("message is missing")
	}

	switch raw[0] {
	case '"':
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []models.Segment{models.Text(text)}, nil
	case '[':
		var wire []wireSegment
		if err := json.Unmarshal(raw, &wire); err != nil {
			return nil, err
		}
		segs := make([]models.Segment, 0, len(wire))
		for _, ws := range wire {
			if ws.Type == "" {
				return nil, fmt.Errorf("segment without type")
			}
			data := make(map[string]string, len(ws.Data))
			for k, v := range ws.Data {
				data[k] = scalarString(v)
			}
			segs = append(segs, models.Segment{Kind: models.SegmentKind(ws.Type), Data: data})
		}
		return segs, nil
	default:
		return nil, fmt.Errorf("message must be a string or segment array")
	}
}

// scalarString renders a JSON value as a plain string: strings are unquoted,
// numbers and booleans keep their literal form, objects keep their JSON text.
func scalarString(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}

// encodeSegments renders canonical segments in the array wire form.
func encodeSegments(segs []models.Segment) []map[string]any {
	out := make([]map[string]any, 0, len(segs))
	for _, seg := range segs {
		data := make(map[string]any, len(seg.Data))
		for k, v := range seg.Data {
			data[k] = v
		}
		out = append(out, map[string]any{"type": string(seg.Kind), "data": data})
	}
	return out
}
