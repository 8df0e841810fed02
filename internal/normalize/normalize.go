// Package normalize reduces source-specific raw payloads to the
// canonical event shape. Normalization fails soft: missing fields are
// defaulted, never rejected, so a malformed raw event still produces a
// best-effort canonical event and the pipeline never stalls on garbage
// input.
package normalize

import (
	"encoding/json"
	"time"

	"github.com/sunflowermm/xrkbot/pkg/event"
)

// Raw is the loosely-typed intake shape adapters produce. Only
// AdapterID, PostType, SelfID, one of UserID/GroupID/DeviceID and Time
// are expected; everything else is optional and defaulted.
type Raw struct {
	AdapterID string
	EventID   string
	PostType  event.PostType
	SelfID    string

	UserID   string
	GroupID  string
	DeviceID string
	Time     int64 // unix seconds; 0 = now

	// Message is either a plain string or a pre-built segment list.
	Text     string
	Segments []event.Segment
	Sender   Sender

	NoticeType string
	SubType    string
	NoticeData map[string]string

	RequestType string
	Flag        string
	Comment     string

	DeviceEventType string
	DeviceData      json.RawMessage

	Reply event.ReplyFunc
}

// Sender carries raw identity fields.
type Sender struct {
	ID   string
	Name string
	Role string
}

// Defaults supplies adapter-level fallbacks applied when the raw event
// leaves a field empty.
type Defaults struct {
	AdapterID string
	SelfID    string
	Role      event.Role
}

// Normalize builds the canonical event from a raw payload. Pure: it
// touches no shared state and never fails.
func Normalize(raw Raw, d Defaults) *event.Event {
	e := &event.Event{
		ID:        raw.EventID,
		AdapterID: raw.AdapterID,
		SelfID:    raw.SelfID,
		PostType:  raw.PostType,
		Reply:     raw.Reply,
	}
	if e.AdapterID == "" {
		e.AdapterID = d.AdapterID
	}
	if e.SelfID == "" {
		e.SelfID = d.SelfID
	}
	if e.PostType == "" {
		e.PostType = event.PostMessage
	}
	if raw.Time > 0 {
		e.ReceivedAt = time.Unix(raw.Time, 0)
	} else {
		e.ReceivedAt = time.Now()
	}

	e.Scope = deriveScope(raw)
	e.Actor = deriveActor(raw, d)

	switch e.PostType {
	case event.PostNotice:
		e.Notice = &event.NoticePayload{
			NoticeType: raw.NoticeType,
			SubType:    raw.SubType,
			Data:       raw.NoticeData,
		}
	case event.PostRequest:
		e.Request = &event.RequestPayload{
			RequestType: raw.RequestType,
			Flag:        raw.Flag,
			Comment:     raw.Comment,
		}
	case event.PostDevice:
		e.Device = &event.DevicePayload{
			EventType: raw.DeviceEventType,
			Data:      raw.DeviceData,
		}
	default:
		e.Message = buildMessage(raw)
	}
	return e
}

// deriveScope prefers the group identity when present: a group message
// is claimed per group, everything else per user or device.
func deriveScope(raw Raw) event.Scope {
	if raw.GroupID != "" {
		return event.GroupScope(raw.GroupID)
	}
	if raw.UserID != "" {
		return event.UserScope(raw.UserID)
	}
	return event.UserScope(raw.DeviceID)
}

func deriveActor(raw Raw, d Defaults) event.Actor {
	a := event.Actor{
		ID:   raw.Sender.ID,
		Name: raw.Sender.Name,
		Role: d.Role,
	}
	if a.ID == "" {
		a.ID = raw.UserID
	}
	if a.ID == "" {
		a.ID = raw.DeviceID
	}
	if a.Name == "" {
		a.Name = a.ID
	}
	if raw.Sender.Role != "" {
		a.Role = event.ParseRole(raw.Sender.Role)
	}
	return a
}

// buildMessage assembles the message payload: text runs concatenate in
// order into Text, non-text segments populate the parallel media lists.
func buildMessage(raw Raw) *event.MessagePayload {
	segments := raw.Segments
	if segments == nil && raw.Text != "" {
		segments = []event.Segment{event.Text(raw.Text)}
	}

	p := &event.MessagePayload{Segments: segments}
	for _, seg := range segments {
		switch seg.Type {
		case event.SegText:
			p.Text += seg.Data["text"]
		case event.SegImage:
			p.Images = append(p.Images, segURL(seg))
		case event.SegAudio:
			p.Audios = append(p.Audios, segURL(seg))
		case event.SegVideo:
			p.Videos = append(p.Videos, segURL(seg))
		case event.SegFile:
			p.Files = append(p.Files, segURL(seg))
		case event.SegAt:
			p.Mentions = append(p.Mentions, seg.Data["target"])
		}
	}
	return p
}

func segURL(seg event.Segment) string {
	if url := seg.Data["url"]; url != "" {
		return url
	}
	return seg.Data["file"]
}
