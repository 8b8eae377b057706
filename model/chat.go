package model

import "time"

type MessageKind string

const (
	KindMessage  MessageKind = "message"
	KindSystem   MessageKind = "system"
	KindReaction MessageKind = "reaction"
)

// SystemAuthor labels messages synthesised locally.
const SystemAuthor = "System"

type Reaction struct {
	Count int                 `json:"count"`
	Users map[string]struct{} `json:"-"`
}

// ChatMessage is one entry of the chat history.
type ChatMessage struct {
	ID           string               `json:"id"`
	AuthorID     string               `json:"authorId,omitempty"`
	AuthorName   string               `json:"authorName"`
	AuthorAvatar string               `json:"authorAvatar,omitempty"`
	Content      string               `json:"content"`
	Timestamp    time.Time            `json:"timestamp"`
	Kind         MessageKind          `json:"kind"`
	Reactions    map[string]*Reaction `json:"reactions,omitempty"`
	Deleted      bool                 `json:"deleted,omitempty"`
}

// Clone returns a deep copy, reaction sets included.
func (m ChatMessage) Clone() ChatMessage {
	if m.Reactions == nil {
		return m
	}
	reactions := make(map[string]*Reaction, len(m.Reactions))
	for emoji, r := range m.Reactions {
		users := make(map[string]struct{}, len(r.Users))
		for u := range r.Users {
			users[u] = struct{}{}
		}
		reactions[emoji] = &Reaction{Count: r.Count, Users: users}
	}
	m.Reactions = reactions
	return m
}

// ToggleReaction adds userID's emoji or removes it if already present.
// It reports whether the reaction is set after the call.
func (m *ChatMessage) ToggleReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string]*Reaction)
	}
	r, ok := m.Reactions[emoji]
	if !ok {
		r = &Reaction{Users: make(map[string]struct{})}
		m.Reactions[emoji] = r
	}
	if _, reacted := r.Users[userID]; reacted {
		delete(r.Users, userID)
		r.Count--
		if r.Count <= 0 {
			delete(m.Reactions, emoji)
		}
		return false
	}
	r.Users[userID] = struct{}{}
	r.Count++
	return true
}

// PlaybackState is the locally observed media position.
type PlaybackState struct {
	VideoURL      string  `json:"videoUrl,omitempty"`
	Source        string  `json:"source,omitempty"`
	CurrentTime   float64 `json:"currentTime"`
	Playing       bool    `json:"playing"`
	Duration      float64 `json:"duration"`
	Authoritative bool    `json:"authoritative"`
	// Sync is the controller status: idle, synced or correcting.
	Sync string `json:"sync"`
}
