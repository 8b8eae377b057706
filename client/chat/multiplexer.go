package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/client/storage/memory"
	"github.com/adwski/watchparty/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	MaxMessageLength = 1000
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = fmt.Errorf("message is longer than %d characters", MaxMessageLength)
	ErrEmptyEmoji     = errors.New("emoji is empty")
	ErrEmptyUserID    = errors.New("user id is empty")
	ErrDecode         = errors.New("unable to decode frame")
	ErrUnknownEvent   = errors.New("event is not handled by chat")
)

type (
	Sender interface {
		Send(eventType string, payload any)
	}

	Emitter interface {
		Emit(ev bus.Event) int
	}

	Config struct {
		Logger  *zerolog.Logger
		Sender  Sender
		Emitter Emitter
		Roster  *memory.RosterStore
		History *memory.HistoryStore
		// SelfID is the local user; its own typing echoes are ignored.
		SelfID     string
		TypingIdle time.Duration
	}

	// Multiplexer turns chat and presence frames into ordered, queryable state.
	Multiplexer struct {
		logger  zerolog.Logger
		sender  Sender
		emitter Emitter
		roster  *memory.RosterStore
		history *memory.HistoryStore
		typer   *Typer
		selfID  string

		mx     *sync.Mutex
		typing []string
	}

	// participantWire accepts both "id" and "userId" for the participant id.
	participantWire struct {
		model.Participant
		UserID string `json:"userId,omitempty"`
	}
)

func NewMultiplexer(cfg Config) *Multiplexer {
	m := &Multiplexer{
		logger:  cfg.Logger.With().Str("component", "chat").Logger(),
		sender:  cfg.Sender,
		emitter: cfg.Emitter,
		roster:  cfg.Roster,
		history: cfg.History,
		selfID:  cfg.SelfID,
		mx:      &sync.Mutex{},
	}
	if m.roster == nil {
		m.roster = memory.NewRosterStore()
	}
	if m.history == nil {
		m.history = memory.NewHistoryStore()
	}
	m.typer = NewTyper(cfg.Sender, cfg.TypingIdle)
	return m
}

// Handle routes a demultiplexed channel event to its handler.
func (m *Multiplexer) Handle(ev bus.Event) {
	if ev.Frame == nil {
		return
	}
	var err error
	switch ev.Name {
	case model.EventChatMessage:
		err = m.HandleChatMessage(*ev.Frame)
	case model.EventUserJoined:
		err = m.HandleUserJoined(*ev.Frame)
	case model.EventUserLeft:
		err = m.HandleUserLeft(*ev.Frame)
	case model.EventParticipants:
		err = m.HandleParticipants(*ev.Frame)
	case model.EventTyping:
		err = m.HandleTyping(*ev.Frame)
	case model.EventReaction:
		err = m.HandleReaction(*ev.Frame)
	case model.EventMessageDeleted:
		err = m.HandleMessageDeleted(*ev.Frame)
	default:
		err = ErrUnknownEvent
	}
	if err != nil {
		m.logger.Warn().Err(err).Str("event", ev.Name).Msg("frame not applied")
	}
}

func (m *Multiplexer) HandleChatMessage(f model.Frame) error {
	var p model.ChatPayload
	if err := f.Decode(&p); err != nil {
		return errors.Join(ErrDecode, err)
	}

	msg := model.ChatMessage{
		ID:           p.ID,
		AuthorID:     p.UserID,
		AuthorName:   p.Username,
		AuthorAvatar: p.Avatar,
		Content:      p.Message,
		Kind:         model.KindMessage,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.AuthorID == "" {
		msg.AuthorID = f.UserID
	}
	if msg.AuthorName == "" || msg.AuthorAvatar == "" {
		if author, err := m.roster.Get(msg.AuthorID); err == nil {
			if msg.AuthorName == "" {
				msg.AuthorName = author.Username
			}
			if msg.AuthorAvatar == "" {
				msg.AuthorAvatar = author.Avatar
			}
		}
	}
	switch {
	case p.Timestamp != 0:
		msg.Timestamp = time.UnixMilli(p.Timestamp)
	case f.Timestamp != 0:
		msg.Timestamp = f.Time()
	default:
		msg.Timestamp = time.Now()
	}
	if p.Type == model.ChatTypeSystem {
		msg.Kind = model.KindSystem
		msg.AuthorID, msg.AuthorAvatar = "", ""
		msg.AuthorName = model.SystemAuthor
	}

	if !m.history.Append(msg) {
		m.logger.Debug().Str("id", msg.ID).Msg("duplicate chat message ignored")
		return nil
	}
	m.emit(model.EventHistory, msg)
	return nil
}

func (m *Multiplexer) HandleUserJoined(f model.Frame) error {
	var pw participantWire
	if err := f.Decode(&pw); err != nil {
		return errors.Join(ErrDecode, err)
	}
	p := pw.normalize(f.UserID)
	if p.ID == "" {
		return ErrEmptyUserID
	}
	p.IsOnline = true
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	m.roster.Upsert(p)
	m.emit(model.EventRoster, m.roster.List())
	m.appendSystem(fmt.Sprintf("%s joined the party", displayName(p.Username, p.ID)))
	return nil
}

func (m *Multiplexer) HandleUserLeft(f model.Frame) error {
	var ref model.UserRef
	if err := f.Decode(&ref); err != nil {
		return errors.Join(ErrDecode, err)
	}
	if ref.UserID == "" {
		ref.UserID = f.UserID
	}
	if ref.UserID == "" {
		return ErrEmptyUserID
	}

	name := ref.Username
	if p, err := m.roster.Remove(ref.UserID); err == nil {
		if name == "" {
			name = p.Username
		}
		m.emit(model.EventRoster, m.roster.List())
	} else {
		m.logger.Debug().Str("userID", ref.UserID).Msg("leave for unknown participant")
	}
	if name != "" {
		m.setTyping(name, false)
	}
	m.appendSystem(fmt.Sprintf("%s left the party", displayName(name, ref.UserID)))
	return nil
}

// HandleParticipants replaces the roster with the authoritative list.
func (m *Multiplexer) HandleParticipants(f model.Frame) error {
	var list []participantWire
	if err := f.Decode(&list); err != nil {
		return errors.Join(ErrDecode, err)
	}
	participants := make([]model.Participant, 0, len(list))
	for _, pw := range list {
		participants = append(participants, pw.normalize(""))
	}
	m.roster.Replace(participants)
	m.emit(model.EventRoster, m.roster.List())
	return nil
}

func (m *Multiplexer) HandleTyping(f model.Frame) error {
	var p model.TypingPayload
	if err := f.Decode(&p); err != nil {
		return errors.Join(ErrDecode, err)
	}
	if p.UserID == "" {
		p.UserID = f.UserID
	}
	if p.UserID != "" && p.UserID == m.selfID {
		return nil
	}
	if p.Username == "" {
		if author, err := m.roster.Get(p.UserID); err == nil {
			p.Username = author.Username
		}
	}
	if p.Username == "" {
		return ErrEmptyUserID
	}
	m.setTyping(p.Username, p.IsTyping)
	return nil
}

// HandleReaction toggles the reaction of a user on a message. Reactions
// without a target message become reaction entries of their own.
func (m *Multiplexer) HandleReaction(f model.Frame) error {
	var p model.ReactionPayload
	if err := f.Decode(&p); err != nil {
		return errors.Join(ErrDecode, err)
	}
	if p.Emoji == "" {
		return ErrEmptyEmoji
	}
	if p.UserID == "" {
		p.UserID = f.UserID
	}
	if p.UserID == "" {
		return ErrEmptyUserID
	}

	if p.MessageID == "" {
		name := p.Username
		if name == "" {
			if author, err := m.roster.Get(p.UserID); err == nil {
				name = author.Username
			}
		}
		msg := model.ChatMessage{
			ID:         uuid.NewString(),
			AuthorID:   p.UserID,
			AuthorName: displayName(name, p.UserID),
			Content:    p.Emoji,
			Timestamp:  time.Now(),
			Kind:       model.KindReaction,
		}
		m.history.Append(msg)
		m.emit(model.EventHistory, msg)
		return nil
	}

	msg, err := m.history.Update(p.MessageID, func(msg *model.ChatMessage) {
		msg.ToggleReaction(p.Emoji, p.UserID)
	})
	if err != nil {
		return err
	}
	m.emit(model.EventHistory, msg)
	return nil
}

func (m *Multiplexer) HandleMessageDeleted(f model.Frame) error {
	var ref model.MessageRef
	if err := f.Decode(&ref); err != nil {
		return errors.Join(ErrDecode, err)
	}
	msg, err := m.history.Update(ref.MessageID, func(msg *model.ChatMessage) {
		msg.Deleted = true
	})
	if err != nil {
		return err
	}
	m.emit(model.EventHistory, msg)
	return nil
}

// SendMessage sends a text message. The message appears in history when
// the server echoes it back.
func (m *Multiplexer) SendMessage(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	m.typer.Stop()
	m.sender.Send(model.TypeChatMessage, model.ChatPayload{Message: text, Type: model.ChatTypeText})
	return nil
}

// React toggles emoji on messageID. An empty messageID sends a free-floating reaction.
func (m *Multiplexer) React(messageID, emoji string) error {
	if emoji == "" {
		return ErrEmptyEmoji
	}
	if messageID != "" {
		if _, err := m.history.Get(messageID); err != nil {
			return err
		}
	}
	m.sender.Send(model.TypeReaction, model.ReactionPayload{MessageID: messageID, Emoji: emoji})
	return nil
}

// DeleteMessage asks the server to soft-delete a message.
func (m *Multiplexer) DeleteMessage(messageID string) error {
	if _, err := m.history.Get(messageID); err != nil {
		return err
	}
	m.sender.Send(model.TypeDeleteMessage, model.MessageRef{MessageID: messageID})
	return nil
}

func (m *Multiplexer) ReportUser(userID, reason string) error {
	if userID == "" {
		return ErrEmptyUserID
	}
	m.sender.Send(model.TypeReportUser, model.ReportPayload{UserID: userID, Reason: strings.TrimSpace(reason)})
	return nil
}

// Keystroke feeds the local typing debouncer.
func (m *Multiplexer) Keystroke() {
	m.typer.Keystroke()
}

func (m *Multiplexer) StopTyping() {
	m.typer.Stop()
}

func (m *Multiplexer) History() []model.ChatMessage {
	return m.history.List()
}

// TypingUsers returns usernames currently typing, in the order they started.
func (m *Multiplexer) TypingUsers() []string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return append([]string(nil), m.typing...)
}

func (m *Multiplexer) Participants() []model.Participant {
	return m.roster.List()
}

func (m *Multiplexer) Participant(id string) (model.Participant, error) {
	return m.roster.Get(id)
}

func (m *Multiplexer) Host() (model.Participant, bool) {
	return m.roster.Host()
}

func (m *Multiplexer) IsHost(userID string) bool {
	p, err := m.roster.Get(userID)
	return err == nil && p.IsHost
}

func (m *Multiplexer) setTyping(username string, typing bool) {
	m.mx.Lock()
	idx := -1
	for i, u := range m.typing {
		if u == username {
			idx = i
			break
		}
	}
	changed := false
	switch {
	case typing && idx < 0:
		m.typing = append(m.typing, username)
		changed = true
	case !typing && idx >= 0:
		m.typing = append(m.typing[:idx], m.typing[idx+1:]...)
		changed = true
	}
	snapshot := append([]string(nil), m.typing...)
	m.mx.Unlock()

	if changed {
		m.emit(model.EventTypingUsers, snapshot)
	}
}

func (m *Multiplexer) appendSystem(text string) {
	msg := model.ChatMessage{
		ID:         uuid.NewString(),
		AuthorName: model.SystemAuthor,
		Content:    text,
		Timestamp:  time.Now(),
		Kind:       model.KindSystem,
	}
	m.history.Append(msg)
	m.emit(model.EventHistory, msg)
}

func (m *Multiplexer) emit(name string, payload any) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(bus.Event{Name: name, Payload: payload})
}

func (pw participantWire) normalize(fallbackID string) model.Participant {
	p := pw.Participant
	if p.ID == "" {
		p.ID = pw.UserID
	}
	if p.ID == "" {
		p.ID = fallbackID
	}
	return p
}

func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
