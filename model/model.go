package model

import (
	"encoding/json"
	"time"
)

type Room struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	HostID   string `json:"hostId,omitempty"`
	VideoURL string `json:"videoUrl,omitempty"`
}

type Participant struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	IsHost   bool      `json:"isHost"`
	IsOnline bool      `json:"isOnline"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Outbound frame types, sent by clients.
const (
	TypeJoinRoom            = "join_room"
	TypeLeaveRoom           = "leave_room"
	TypeRequestParticipants = "request_participants"
	TypePing                = "ping"
	TypeDeleteMessage       = "delete_message"
	TypeReportUser          = "report_user"
)

// Frame types that travel in both directions.
const (
	TypeChatMessage = "chat_message"
	TypeVideoSync   = "video_sync"
	TypeTyping      = "typing"
	TypeReaction    = "reaction"
)

// Inbound frame types, sent by server.
const (
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeParticipants   = "participants"
	TypeRoomUpdated    = "room_updated"
	TypeMessageDeleted = "message_deleted"
	TypeError          = "error"
	TypePong           = "pong"
)

// Frame is the envelope of every message on the wire.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"` // unix millis
	UserID    string          `json:"userId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
}

// NewFrame encodes payload into a frame of the given type.
// A nil payload produces an empty object.
func NewFrame(frameType string, payload any) (Frame, error) {
	data, err := EncodeData(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: frameType, Data: data}, nil
}

// EncodeData marshals payload, passing json.RawMessage through untouched.
func EncodeData(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}

// Decode unmarshals frame data into v.
func (f Frame) Decode(v any) error {
	if len(f.Data) == 0 {
		return ErrEmptyData
	}
	return json.Unmarshal(f.Data, v)
}

// Time returns the frame timestamp, zero if it is not set.
func (f Frame) Time() time.Time {
	if f.Timestamp == 0 {
		return time.Time{}
	}
	return time.UnixMilli(f.Timestamp)
}

// Wire is a bidirectional frame pipe between a socket and room logic.
type Wire struct {
	RX chan Frame
	TX chan Frame
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Frame),
		TX: make(chan Frame, 64),
	}
}
