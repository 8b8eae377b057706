package model

// Channel lifecycle events.
const (
	EventConnected       = "connected"
	EventDisconnected    = "disconnected"
	EventError           = "error"
	EventReconnected     = "reconnected"
	EventReconnectFailed = "reconnectFailed"
)

// Demultiplexed inbound events.
const (
	EventChatMessage    = "chatMessage"
	EventVideoSync      = "videoSync"
	EventUserJoined     = "userJoined"
	EventUserLeft       = "userLeft"
	EventParticipants   = "participants"
	EventTyping         = "typing"
	EventRoomUpdated    = "roomUpdated"
	EventReaction       = "reaction"
	EventMessageDeleted = "messageDeleted"

	// EventMessage carries frames of unrecognised types.
	EventMessage = "message"
)

// Derived state events emitted by controllers.
const (
	EventHistory     = "history"
	EventTypingUsers = "typingUsers"
	EventRoster      = "roster"
	EventPlayback    = "playback"
)

var inboundEvents = map[string]string{
	TypeChatMessage:    EventChatMessage,
	TypeVideoSync:      EventVideoSync,
	TypeUserJoined:     EventUserJoined,
	TypeUserLeft:       EventUserLeft,
	TypeParticipants:   EventParticipants,
	TypeTyping:         EventTyping,
	TypeRoomUpdated:    EventRoomUpdated,
	TypeReaction:       EventReaction,
	TypeMessageDeleted: EventMessageDeleted,
}

// EventFor maps an inbound frame type to the event it is emitted under.
func EventFor(frameType string) (string, bool) {
	ev, ok := inboundEvents[frameType]
	return ev, ok
}
