package onebot

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sunflowermm/xrkbot/internal/normalize"
	"github.com/sunflowermm/xrkbot/pkg/event"
)

// frame is the inbound JSON shape of the protocol client. Fields are a
// union over the message / notice / request / meta event kinds; unknown
// fields are ignored.
type frame struct {
	PostType      string          `json:"post_type"`
	MetaEventType string          `json:"meta_event_type,omitempty"`
	MessageType   string          `json:"message_type,omitempty"`
	SubType       string          `json:"sub_type,omitempty"`
	MessageID     int64           `json:"message_id,omitempty"`
	SelfID        int64           `json:"self_id,omitempty"`
	UserID        int64           `json:"user_id,omitempty"`
	GroupID       int64           `json:"group_id,omitempty"`
	Time          int64           `json:"time,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
	Sender        *frameSender    `json:"sender,omitempty"`
	NoticeType    string          `json:"notice_type,omitempty"`
	RequestType   string          `json:"request_type,omitempty"`
	Flag          string          `json:"flag,omitempty"`
	Comment       string          `json:"comment,omitempty"`
	TargetID      int64           `json:"target_id,omitempty"`
	OperatorID    int64           `json:"operator_id,omitempty"`
}

type frameSender struct {
	UserID   int64  `json:"user_id,omitempty"`
	Nickname string `json:"nickname,omitempty"`
	Card     string `json:"card,omitempty"`
	Role     string `json:"role,omitempty"`
}

// wireSegment is the client's segment encoding. Data values arrive
// loosely typed (numbers for ids) and are flattened to strings.
type wireSegment struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// action is the outbound API call shape used by the reply capability.
type action struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
	Echo   string         `json:"echo,omitempty"`
}

// decodeFrame parses one inbound wire frame into the raw intake shape.
// Meta events (heartbeats, lifecycle) return ok=false and are ignored.
func decodeFrame(data []byte) (normalize.Raw, bool) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return normalize.Raw{}, false
	}
	if f.PostType == "" || f.PostType == "meta_event" {
		return normalize.Raw{}, false
	}

	raw := normalize.Raw{
		PostType:    event.PostType(f.PostType),
		SelfID:      formatID(f.SelfID),
		UserID:      formatID(f.UserID),
		GroupID:     formatID(f.GroupID),
		Time:        f.Time,
		SubType:     f.SubType,
		NoticeType:  f.NoticeType,
		RequestType: f.RequestType,
		Flag:        f.Flag,
		Comment:     f.Comment,
	}
	if f.MessageID != 0 {
		raw.EventID = strconv.FormatInt(f.MessageID, 10)
	}
	if f.Sender != nil {
		raw.Sender = normalize.Sender{
			ID:   formatID(f.Sender.UserID),
			Name: f.Sender.Nickname,
			Role: f.Sender.Role,
		}
		if f.Sender.Card != "" {
			raw.Sender.Name = f.Sender.Card
		}
	}
	if f.PostType == "notice" {
		raw.NoticeData = map[string]string{}
		if f.TargetID != 0 {
			raw.NoticeData["target_id"] = formatID(f.TargetID)
		}
		if f.OperatorID != 0 {
			raw.NoticeData["operator_id"] = formatID(f.OperatorID)
		}
	}
	if len(f.Message) > 0 {
		raw.Segments = decodeSegments(f.Message)
	}
	return raw, true
}

// decodeSegments accepts either a segment array or a plain string body.
func decodeSegments(raw json.RawMessage) []event.Segment {
	var wire []wireSegment
	if err := json.Unmarshal(raw, &wire); err == nil {
		segments := make([]event.Segment, 0, len(wire))
		for _, ws := range wire {
			seg := event.Segment{Type: mapSegType(ws.Type), Data: map[string]string{}}
			for k, v := range ws.Data {
				seg.Data[mapSegKey(ws.Type, k)] = flatten(v)
			}
			segments = append(segments, seg)
		}
		return segments
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil && text != "" {
		return []event.Segment{event.Text(text)}
	}
	return nil
}

// mapSegType folds protocol-specific segment names onto the canonical set.
func mapSegType(t string) string {
	switch t {
	case "record":
		return event.SegAudio
	default:
		return t
	}
}

// mapSegKey renames protocol data keys to canonical ones ("qq" → "target").
func mapSegKey(segType, key string) string {
	if segType == "at" && key == "qq" {
		return "target"
	}
	return key
}

func flatten(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

func formatID(id int64) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatInt(id, 10)
}

// encodeSegments converts canonical segments back to the wire encoding.
func encodeSegments(segments []event.Segment) []wireSegment {
	wire := make([]wireSegment, 0, len(segments))
	for _, seg := range segments {
		ws := wireSegment{Type: seg.Type, Data: map[string]any{}}
		if seg.Type == event.SegAudio {
			ws.Type = "record"
		}
		for k, v := range seg.Data {
			if seg.Type == event.SegAt && k == "target" {
				ws.Data["qq"] = v
				continue
			}
			ws.Data[k] = v
		}
		wire = append(wire, ws)
	}
	return wire
}
