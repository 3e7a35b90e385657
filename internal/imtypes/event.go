package imtypes

import (
	"encoding/json"
	"time"
)

// EventType 定义了实时通道上的事件类型。
type EventType string

// Server -> client events.
const (
	EventNewMessage     EventType = "new_message"
	EventMessageUpdated EventType = "message_updated"
	EventMessageRead    EventType = "message_read"
	EventReactionUpdate EventType = "reaction_update"
	EventMessagePinned  EventType = "message_pinned"
	EventMessageDeleted EventType = "message_deleted"
	EventTyping         EventType = "typing"
	EventPong           EventType = "pong"
	EventError          EventType = "error"
)

// WebRTC 信令，服务端只负责转发。
const (
	EventCallOffer        EventType = "call_offer"
	EventCallAnswer       EventType = "call_answer"
	EventCallICECandidate EventType = "call_ice_candidate"
	EventCallHangup       EventType = "call_hangup"
)

// Client -> server frames that are not call signals.
const (
	FrameTyping EventType = "typing"
	FramePing   EventType = "ping"
)

// IsCallSignal reports whether t is relayed verbatim between participants.
func (t EventType) IsCallSignal() bool {
	switch t {
	case EventCallOffer, EventCallAnswer, EventCallICECandidate, EventCallHangup:
		return true
	}
	return false
}

// Event is one server -> client frame.
type Event struct {
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(t EventType, payload any) (Event, error) {
	evt := Event{Type: t, Timestamp: time.Now().UTC()}
	if payload == nil {
		return evt, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	evt.Payload = raw
	return evt, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Deletion scopes.
const (
	ScopeMe  = "me"
	ScopeAll = "all"
)

// DeletedPayload is the payload of message_deleted.
type DeletedPayload struct {
	MessageID uint   `json:"messageId"`
	Scope     string `json:"scope"`
}

// ReadPayload is the payload of message_read. A single read carries
// MessageID; a bulk read carries WithUserID, ReaderID and Count.
type ReadPayload struct {
	MessageID  uint      `json:"messageId,omitempty"`
	WithUserID uint      `json:"withUserId,omitempty"`
	ReaderID   uint      `json:"readerId"`
	ReadAt     time.Time `json:"readAt"`
	Count      int64     `json:"count,omitempty"`
}

// TypingPayload is the payload of typing events.
type TypingPayload struct {
	From     uint `json:"from"`
	To       uint `json:"to,omitempty"`
	IsTyping bool `json:"isTyping"`
}

// CallSignal is the relayed payload of call_* events. Data is opaque (SDP or ICE).
type CallSignal struct {
	From uint            `json:"from"`
	To   uint            `json:"to"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is sent back on the live channel when a frame is rejected.
type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// InboundFrame is a client -> server frame.
type InboundFrame struct {
	Type     EventType       `json:"type"`
	To       uint            `json:"to,omitempty"`
	IsTyping bool            `json:"isTyping,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
