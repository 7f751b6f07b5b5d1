package models

// SegmentKind names the type of a message fragment.
type SegmentKind string

const (
	SegmentText   SegmentKind = "text"
	SegmentImage  SegmentKind = "image"
	SegmentAt     SegmentKind = "at"
	SegmentReply  SegmentKind = "reply"
	SegmentFace   SegmentKind = "face"
	SegmentRecord SegmentKind = "record"
)

// Segment is one typed fragment of a message. Kinds outside the constants
// above are carried through unchanged.
type Segment struct {
	Kind SegmentKind       `json:"type"`
	Data map[string]string `json:"data"`
}

// Text builds a text segment.
func Text(text string) Segment {
	return Segment{Kind: SegmentText, Data: map[string]string{"text": text}}
}

// Image builds an image segment from a file path, URL or base64 reference.
func Image(file string) Segment {
	return Segment{Kind: SegmentImage, Data: map[string]string{"file": file}}
}

// At builds a mention segment. Use "all" to mention everyone.
func At(userID string) Segment {
	return Segment{Kind: SegmentAt, Data: map[string]string{"qq": userID}}
}

// Reply builds a quote-reply segment.
func Reply(messageID string) Segment {
	return Segment{Kind: SegmentReply, Data: map[string]string{"id": messageID}}
}

// Value returns a data field or "".
func (s Segment) Value(key string) string {
	return s.Data[key]
}

// Clone returns a deep copy of the segment.
func (s Segment) Clone() Segment {
	out := Segment{Kind: s.Kind}
	if s.Data != nil {
		out.Data = make(map[string]string, len(s.Data))
		for k, v := range s.Data {
			out.Data[k] = v
		}
	}
	return out
}

func cloneSegments(in []Segment) []Segment {
	if in == nil {
		return nil
	}
	out := make([]Segment, len(in))
	for i, seg := range in {
		out[i] = seg.Clone()
	}
	return out
}
