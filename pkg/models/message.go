package models

import (
	"errors"
	"strings"
	"time"
)

// MessageStatus is the delivery state recorded by the message store.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Message is a direct message as persisted by the external message store.
// Pulse only carries it inside push events; it never stores one.
type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	RecipientID string        `json:"recipientId"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// Validate checks the fields needed to route a notification.
func (m Message) Validate() error {
	if strings.TrimSpace(m.SenderID) == "" {
		return errors.New("sender id required")
	}
	if strings.TrimSpace(m.RecipientID) == "" {
		return errors.New("recipient id required")
	}
	return nil
}

// User represents an authenticated user.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}
