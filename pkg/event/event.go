// Package event defines the canonical event model shared by adapters,
// the normalizer, and the dispatch engine. Every inbound occurrence —
// chat message, notice, request, device signal — is reduced to one
// Event envelope with a tagged payload keyed by PostType.
package event

import (
	"context"
	"encoding/json"
	"time"
)

// PostType discriminates the payload variant carried by an Event.
type PostType string

const (
	PostMessage PostType = "message"
	PostNotice  PostType = "notice"
	PostRequest PostType = "request"
	PostDevice  PostType = "device"
)

// Role is the actor's permission level. Higher values grant more access.
type Role int

const (
	RoleMember Role = iota
	RoleAdmin
	RoleOwner
	RoleMaster
)

// ParseRole maps a source-specific role string to a Role.
// Unknown strings map to RoleMember.
func ParseRole(s string) Role {
	switch s {
	case "admin":
		return RoleAdmin
	case "owner":
		return RoleOwner
	case "master":
		return RoleMaster
	default:
		return RoleMember
	}
}

func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	case RoleMaster:
		return "master"
	default:
		return "member"
	}
}

// Scope identifies the conversational unit an event belongs to.
// It is the key for exclusive context claims.
//
//	group:<id>  — a group conversation
//	user:<id>   — a direct conversation with a user or device
type Scope string

// GroupScope builds a group conversation scope.
func GroupScope(id string) Scope { return Scope("group:" + id) }

// UserScope builds a direct conversation scope.
func UserScope(id string) Scope { return Scope("user:" + id) }

// IsGroup reports whether the scope is a group conversation.
func (s Scope) IsGroup() bool {
	return len(s) > 6 && s[:6] == "group:"
}

// Actor is the identity that produced an event.
type Actor struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role"`
}

// ReplyFunc delivers content back into the event's scope. Bound to the
// event by its adapter (or an enhancer) before normal handlers run.
// Returns delivery success.
type ReplyFunc func(ctx context.Context, segments ...Segment) (bool, error)

// Event is the canonical, source-independent unit of work.
//
// ID and AdapterID are immutable once constructed. Other fields may be
// enriched by enhancers before dispatch reaches normal handlers.
// Exactly one payload pointer is non-nil, matching PostType.
type Event struct {
	ID         string    `json:"event_id"`
	AdapterID  string    `json:"adapter_id"`
	SelfID     string    `json:"self_id"`
	PostType   PostType  `json:"post_type"`
	Scope      Scope     `json:"scope"`
	Actor      Actor     `json:"actor"`
	ReceivedAt time.Time `json:"received_at"`

	Message *MessagePayload `json:"message,omitempty"`
	Notice  *NoticePayload  `json:"notice,omitempty"`
	Request *RequestPayload `json:"request,omitempty"`
	Device  *DevicePayload  `json:"device,omitempty"`

	// Reply delivers into this event's scope. Nil when the adapter
	// offers no send path (e.g. device signals).
	Reply ReplyFunc `json:"-"`

	meta map[string]string
}

// Text returns the flattened message text, or "" for non-message events.
func (e *Event) Text() string {
	if e.Message == nil {
		return ""
	}
	return e.Message.Text
}

// SetMeta attaches enhancer scratch data to the event. Enhancers run
// sequentially for a single event, so no locking is needed.
func (e *Event) SetMeta(key, value string) {
	if e.meta == nil {
		e.meta = make(map[string]string)
	}
	e.meta[key] = value
}

// Meta reads enhancer scratch data set earlier in the same dispatch.
func (e *Event) Meta(key string) string {
	return e.meta[key]
}

// MessagePayload carries a chat message: the ordered segment list plus
// derived views (flattened text, media lists) filled by the normalizer.
type MessagePayload struct {
	Segments []Segment `json:"segments"`

	Text     string   `json:"text"`
	Images   []string `json:"images,omitempty"`
	Audios   []string `json:"audios,omitempty"`
	Videos   []string `json:"videos,omitempty"`
	Files    []string `json:"files,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// NoticePayload carries a platform notice (join, leave, recall, ...).
type NoticePayload struct {
	NoticeType string            `json:"notice_type"`
	SubType    string            `json:"sub_type,omitempty"`
	Data       map[string]string `json:"data,omitempty"`
}

// RequestPayload carries a request needing approval (friend add, group invite).
type RequestPayload struct {
	RequestType string `json:"request_type"`
	Flag        string `json:"flag"`
	Comment     string `json:"comment,omitempty"`
}

// DevicePayload carries a local device signal with an opaque data blob.
type DevicePayload struct {
	EventType string          `json:"device_event_type"`
	Data      json.RawMessage `json:"device_data,omitempty"`
}
