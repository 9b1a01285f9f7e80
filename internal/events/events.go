// Package events defines the push events delivered over a presence stream and
// their text-event wire framing.
//
// Every event is a closed tagged union member: the set of concrete types is
// fixed by this package. On the wire an event is framed as
//
//	event: <type>
//	data: <json>
//
// followed by a blank line, so several events can share one byte stream.
package events

import (
	"errors"
	"time"

	"github.com/haasonsaas/pulse/pkg/models"
)

// Type identifies an event on the wire.
type Type string

const (
	TypeConnected   Type = "connected"
	TypeOnlineUsers Type = "online-users"
	TypeUserStatus  Type = "user-status"
	TypeNewMessage  Type = "new-message"
	TypeMessageSent Type = "message-sent"
	TypeTyping      Type = "typing"
	TypeHeartbeat   Type = "heartbeat"
)

// ErrMalformedEvent is wrapped by every decode failure.
var ErrMalformedEvent = errors.New("malformed event")

// Event is one push event. The unexported method keeps the set closed.
type Event interface {
	Type() Type
	event()
}

// Connected is the first event after a stream is admitted.
type Connected struct {
	UserID string `json:"userId"`
}

// OnlineUsers is the presence snapshot sent right after Connected.
type OnlineUsers struct {
	Users []string `json:"users"`
}

// UserStatus is an incremental presence change.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// NewMessage is pushed to the recipient of a freshly stored message.
type NewMessage struct {
	SenderID string         `json:"senderId"`
	Message  models.Message `json:"message"`
}

// MessageSent echoes a stored message back to its sender.
type MessageSent struct {
	Message models.Message `json:"message"`
}

// Typing reports a sender's typing state to the recipient.
type Typing struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// Heartbeat is the periodic liveness probe.
type Heartbeat struct {
	Timestamp time.Time `json:"timestamp"`
}

func (Connected) Type() Type   { return TypeConnected }
func (OnlineUsers) Type() Type { return TypeOnlineUsers }
func (UserStatus) Type() Type  { return TypeUserStatus }
func (NewMessage) Type() Type  { return TypeNewMessage }
func (MessageSent) Type() Type { return TypeMessageSent }
func (Typing) Type() Type      { return TypeTyping }
func (Heartbeat) Type() Type   { return TypeHeartbeat }

func (Connected) event()   {}
func (OnlineUsers) event() {}
func (UserStatus) event()  {}
func (NewMessage) event()  {}
func (MessageSent) event() {}
func (Typing) event()      {}
func (Heartbeat) event()   {}

// Known reports whether t is one of the protocol's event types.
func Known(t Type) bool {
	_, ok := factories[t]
	return ok
}

var factories = map[Type]func() Event{
	TypeConnected:   func() Event { return &Connected{} },
	TypeOnlineUsers: func() Event { return &OnlineUsers{} },
	TypeUserStatus:  func() Event { return &UserStatus{} },
	TypeNewMessage:  func() Event { return &NewMessage{} },
	TypeMessageSent: func() Event { return &MessageSent{} },
	TypeTyping:      func() Event { return &Typing{} },
	TypeHeartbeat:   func() Event { return &Heartbeat{} },
}
