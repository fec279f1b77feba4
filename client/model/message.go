package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType constants
const (
	MessageTypeTalk  MessageType = "TALK"
	MessageTypeJoin  MessageType = "JOIN"
	MessageTypeLeave MessageType = "LEAVE"
)

// MessageType is the kind of a chat frame.
type MessageType string

// IsNotification reports whether the message is a JOIN/LEAVE entry.
func (t MessageType) IsNotification() bool {
	return t == MessageTypeJoin || t == MessageTypeLeave
}

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeTalk, MessageTypeJoin, MessageTypeLeave:
		return true
	default:
		return false
	}
}

// Participant is one member of a room roster.
type Participant struct {
	UserID   int64  `json:"userId"`
	Nickname string `json:"userNickname"`
}

// Message is the payload carried by every broker frame and every history entry.
// Participants is only set on JOIN/LEAVE frames and holds the full current roster.
type Message struct {
	Type           MessageType   `json:"type"`
	RoomID         int64         `json:"roomId"`
	SenderID       int64         `json:"senderId"`
	SenderNickname string        `json:"senderNickname"`
	Text           string        `json:"message"`
	CreatedAt      Timestamp     `json:"createdAt,omitzero"`
	Participants   []Participant `json:"participants,omitzero"`
}

// RoomInfo describes a room and its active participants.
type RoomInfo struct {
	RoomID       int64         `json:"roomId"`
	RoomName     string        `json:"roomName"`
	RoomType     string        `json:"roomType,omitempty"`
	Participants []Participant `json:"participants"`
}

// ParticipantHistory is one join/quit record of a room member.
type ParticipantHistory struct {
	Nickname string    `json:"userNickname"`
	JoinedAt Timestamp `json:"joinedAt,omitzero"`
	QuitAt   Timestamp `json:"quitAt,omitzero"`
}

// localLayout matches date-times serialized without a zone offset.
const localLayout = "2006-01-02T15:04:05.999999999"

// Timestamp is a display-only time that accepts both RFC 3339 and
// zone-less ISO-8601 date-times. Zone-less values are read as local time.
type Timestamp struct {
	time.Time
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	parsed, err := time.ParseInLocation(localLayout, s, time.Local)
	if err != nil {
		return fmt.Errorf("timestamp %q: %w", s, err)
	}
	t.Time = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Format(time.RFC3339Nano))
}
