package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/client/chat"
	"github.com/adwski/watchparty/client/playback"
	"github.com/adwski/watchparty/client/storage/memory"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyRoomID = errors.New("room id is empty")
	ErrEmptyUserID = errors.New("user id is empty")
	ErrClosed      = errors.New("session is closed")
)

type (
	// Transport is the resilient room channel the session rides on.
	Transport interface {
		Connect(ctx context.Context, roomID, userID string) error
		Disconnect()
		Send(eventType string, payload any)
		On(event string, h bus.Handler) bus.SubscriptionID
		Off(event string, id bus.SubscriptionID)
		Bus() *bus.Bus
	}

	Config struct {
		Logger    *zerolog.Logger
		Transport Transport
		RoomID    string
		UserID    string
		Player    playback.Player
		Resolver  playback.StreamResolver

		TypingIdle time.Duration
		Tolerance  float64
	}

	// Session binds one room membership to a transport and owns the
	// chat and playback state derived from it.
	Session struct {
		logger    zerolog.Logger
		transport Transport
		roomID    string
		userID    string

		chat     *chat.Multiplexer
		playback *playback.Controller

		mx     *sync.Mutex
		room   model.Room
		subs   []subscription
		closed bool
	}

	// State is a point-in-time snapshot for diagnostics and UIs.
	State struct {
		RoomID       string
		UserID       string
		Room         model.Room
		IsHost       bool
		Participants []model.Participant
		TypingUsers  []string
		Messages     int
		Playback     model.PlaybackState
		Sync         string
	}

	subscription struct {
		event string
		id    bus.SubscriptionID
	}
)

func NewSession(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, ErrEmptyRoomID
	}
	if cfg.UserID == "" {
		return nil, ErrEmptyUserID
	}

	s := &Session{
		logger: cfg.Logger.With().
			Str("component", "session").
			Str("roomID", cfg.RoomID).
			Str("userID", cfg.UserID).
			Logger(),
		transport: cfg.Transport,
		roomID:    cfg.RoomID,
		userID:    cfg.UserID,
		mx:        &sync.Mutex{},
		room:      model.Room{ID: cfg.RoomID},
	}

	events := cfg.Transport.Bus()
	s.chat = chat.NewMultiplexer(chat.Config{
		Logger:     cfg.Logger,
		Sender:     cfg.Transport,
		Emitter:    events,
		Roster:     memory.NewRosterStore(),
		History:    memory.NewHistoryStore(),
		SelfID:     cfg.UserID,
		TypingIdle: cfg.TypingIdle,
	})

	player := cfg.Player
	if player == nil {
		player = playback.NewVirtualPlayer(nil, 0)
	}
	s.playback = playback.NewController(playback.Config{
		Logger:    cfg.Logger,
		Player:    player,
		Resolver:  cfg.Resolver,
		Sender:    cfg.Transport,
		Emitter:   events,
		SelfID:    cfg.UserID,
		IsHost:    s.IsHost,
		Tolerance: cfg.Tolerance,
	})

	for _, ev := range []string{
		model.EventChatMessage,
		model.EventTyping,
		model.EventUserJoined,
		model.EventUserLeft,
		model.EventParticipants,
		model.EventReaction,
		model.EventMessageDeleted,
	} {
		s.subscribe(ev, s.chat.Handle)
	}
	s.subscribe(model.EventVideoSync, s.playback.Handle)
	s.subscribe(model.EventRoomUpdated, s.handleRoomUpdated)
	s.subscribe(model.EventConnected, func(bus.Event) { s.RequestParticipants() })
	s.subscribe(model.EventError, func(ev bus.Event) {
		s.logger.Warn().Err(ev.Err).Msg("channel error")
	})

	return s, nil
}

// Connect opens the transport for this session's room. The channel issues
// join_room itself once the socket is up.
func (s *Session) Connect(ctx context.Context) error {
	s.mx.Lock()
	closed := s.closed
	s.mx.Unlock()
	if closed {
		return ErrClosed
	}
	return s.transport.Connect(ctx, s.roomID, s.userID)
}

// Close unsubscribes from the transport and disconnects it.
func (s *Session) Close() {
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mx.Unlock()

	for _, sub := range subs {
		s.transport.Off(sub.event, sub.id)
	}
	s.chat.StopTyping()
	s.transport.Disconnect()
	s.logger.Debug().Msg("session closed")
}

func (s *Session) Join() {
	s.transport.Send(model.TypeJoinRoom, nil)
}

// Leave announces departure but keeps the channel open.
func (s *Session) Leave() {
	s.chat.StopTyping()
	s.transport.Send(model.TypeLeaveRoom, nil)
}

func (s *Session) RequestParticipants() {
	s.transport.Send(model.TypeRequestParticipants, nil)
}

func (s *Session) Chat() *chat.Multiplexer {
	return s.chat
}

func (s *Session) Playback() *playback.Controller {
	return s.playback
}

// Room returns the latest room metadata pushed by the server.
func (s *Session) Room() model.Room {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.room
}

func (s *Session) IsHost() bool {
	return s.chat.IsHost(s.userID)
}

func (s *Session) State() State {
	ps := s.playback.State()
	return State{
		RoomID:       s.roomID,
		UserID:       s.userID,
		Room:         s.Room(),
		IsHost:       s.IsHost(),
		Participants: s.chat.Participants(),
		TypingUsers:  s.chat.TypingUsers(),
		Messages:     len(s.chat.History()),
		Playback:     ps,
		Sync:         s.playback.Status().String(),
	}
}

// On subscribes a UI handler to channel or derived events.
func (s *Session) On(event string, h bus.Handler) bus.SubscriptionID {
	return s.transport.On(event, h)
}

func (s *Session) Off(event string, id bus.SubscriptionID) {
	s.transport.Off(event, id)
}

func (s *Session) subscribe(event string, h bus.Handler) {
	id := s.transport.On(event, h)
	s.mx.Lock()
	s.subs = append(s.subs, subscription{event: event, id: id})
	s.mx.Unlock()
}

func (s *Session) handleRoomUpdated(ev bus.Event) {
	if ev.Frame == nil {
		return
	}
	var room model.Room
	if err := ev.Frame.Decode(&room); err != nil {
		s.logger.Warn().Err(err).Msg("room update not applied")
		return
	}
	s.mx.Lock()
	if room.ID == "" {
		room.ID = s.roomID
	}
	s.room = room
	s.mx.Unlock()
	s.logger.Debug().Str("hostID", room.HostID).Msg("room updated")

	if room.VideoURL != "" && s.playback.Status() == playback.Idle {
		s.catchUp(room)
	}
}

// catchUp loads the room's current video for a member that joined after it
// was loaded, the same way a remote load is applied.
func (s *Session) catchUp(room model.Room) {
	f, err := model.NewFrame(model.TypeVideoSync, model.VideoSync{
		Action:   model.ActionLoad,
		VideoURL: room.VideoURL,
	})
	if err != nil {
		return
	}
	f.UserID = room.HostID
	f.RoomID = room.ID
	if err = s.playback.Apply(f); err != nil {
		s.logger.Warn().Err(err).Str("videoUrl", room.VideoURL).Msg("room video not loaded")
	}
}
