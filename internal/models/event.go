package models

import (
	"fmt"
	"time"
)

// EventChannel names the transport channel an inbound event arrived on.
type EventChannel string

const (
	// ChannelMessage carries messages authored by the counterpart.
	ChannelMessage EventChannel = "message"
	// ChannelMessageCreate carries every created message, including self-authored ones.
	ChannelMessageCreate EventChannel = "message_create"
)

// InboundEvent is a transport-neutral chat message event.
type InboundEvent struct {
	ID             string       `json:"id,omitempty"`
	Channel        EventChannel `json:"channel"`
	ConversationID string       `json:"conversation_id"`
	Sender         string       `json:"sender"`
	SenderName     string       `json:"sender_name,omitempty"`
	Body           string       `json:"body"`
	FromMe         bool         `json:"from_me"`
	IsGroup        bool         `json:"is_group"`
	IsStatus       bool         `json:"is_status"`
	Timestamp      time.Time    `json:"timestamp"`
}

// StableID returns the transport id when present, otherwise a sender+timestamp composite.
func (e InboundEvent) StableID() string {
	if e.ID != "" {
		return e.ID
	}
	return fmt.Sprintf("%s-%d", e.Sender, e.Timestamp.Unix())
}
