package model

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyData = errors.New("frame has no data")
)

// Video control actions.
const (
	ActionPlay  = "play"
	ActionPause = "pause"
	ActionSeek  = "seek"
	ActionLoad  = "load"
)

// Chat message content types on the wire.
const (
	ChatTypeText   = "text"
	ChatTypeSystem = "system"
)

type ChatPayload struct {
	ID        string `json:"id,omitempty"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// VideoSync carries a playback control. Timestamp is the media position in seconds.
type VideoSync struct {
	Action      string   `json:"action"`
	Timestamp   float64  `json:"timestamp"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
	VideoURL    string   `json:"videoUrl,omitempty"`
}

type TypingPayload struct {
	UserID   string `json:"userId,omitempty"`
	Username string `json:"username,omitempty"`
	IsTyping bool   `json:"isTyping"`
}

type ReactionPayload struct {
	MessageID string `json:"messageId,omitempty"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
}

type MessageRef struct {
	MessageID string `json:"messageId"`
}

type ReportPayload struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type UserRef struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// ServerError is the payload of an inbound error frame.
type ServerError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return "server error: " + e.Message
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
