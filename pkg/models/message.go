package models

import "time"

// Direction is where a message travels in the delegation tree.
type Direction string

const (
	// DirectionUp goes from a child to its parent.
	DirectionUp Direction = "up"
	// DirectionDown goes from a parent to a child.
	DirectionDown Direction = "down"
	// DirectionLateral goes between siblings.
	DirectionLateral Direction = "lateral"
)

// Valid returns true if the direction is a known value.
func (d Direction) Valid() bool {
	switch d {
	case DirectionUp, DirectionDown, DirectionLateral:
		return true
	default:
		return false
	}
}

// MessageType is the purpose of a message.
type MessageType string

const (
	// MessageStatus reports progress or completion.
	MessageStatus MessageType = "status"
	// MessageEscalation asks the recipient to take over a decision.
	MessageEscalation MessageType = "escalation"
	// MessageRequest assigns or asks for work.
	MessageRequest MessageType = "request"
	// MessageShare passes information without asking for anything.
	MessageShare MessageType = "share"
)

// Valid returns true if the type is a known value.
func (t MessageType) Valid() bool {
	switch t {
	case MessageStatus, MessageEscalation, MessageRequest, MessageShare:
		return true
	default:
		return false
	}
}

// Message is an addressed unit of communication between participants.
type Message struct {
	// ID uniquely identifies the message. Assigned on send when empty.
	ID string `json:"id"`
	// From is the sending participant, charged for the message.
	From string `json:"from"`
	// To is the receiving participant.
	To string `json:"to"`
	// Direction is the message's direction in the delegation tree.
	Direction Direction `json:"direction"`
	// Type is the message's purpose.
	Type MessageType `json:"type"`
	// Subject optionally ties the message to a delegation or node.
	Subject string `json:"subject,omitempty"`
	// Payload is the message body.
	Payload string `json:"payload,omitempty"`
	// Cost is charged against the sender's budget. Zero means the channel default.
	Cost int `json:"cost,omitempty"`
	// SentAt is set by the channel on send.
	SentAt time.Time `json:"sent_at"`
}
