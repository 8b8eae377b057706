package service

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/adwski/watchparty/gateway/storage/memory"
	"github.com/adwski/watchparty/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	maxMessageLength = 1000
	maxReportReason  = 500
)

// Error codes sent to clients in error frames.
const (
	CodeBadRequest  = "bad_request"
	CodeNotHost     = "not_host"
	CodeForbidden   = "forbidden"
	CodeNotFound    = "not_found"
	CodeUnknownType = "unknown_type"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrGet        = errors.New("unable to get room")
	ErrCreate     = errors.New("unable to create room")
	ErrEmptyID    = errors.New("room id or user id is empty")
	ErrNotAMember = errors.New("user is not a member of this room")
)

type (
	RoomStore interface {
		CreateRoom(room model.Room) (model.Room, error)
		CreateOrJoinRoom(roomID string, p model.Participant) (model.Participant, error)
		JoinRoom(roomID string, p model.Participant) (model.Participant, error)
		LeaveRoom(roomID, userID string) (memory.Departure, error)
		GetRoom(roomID string) (model.Room, error)
		SetVideo(roomID, videoURL string) (model.Room, error)
		MarkPlayback(roomID string, vs model.VideoSync) error
		Playback(roomID string) (model.VideoSync, bool, error)
		Member(roomID, userID string) (model.Participant, error)
		Participants(roomID string) ([]model.Participant, error)
		AppendMessage(roomID string, msg model.ChatPayload) error
		Message(roomID, messageID string) (model.ChatPayload, error)
		DeleteMessage(roomID, messageID string) error
		Messages(roomID string, limit int) ([]model.ChatPayload, error)
	}

	Switch interface {
		Connect(roomID, userID string, wire model.Wire)
		Disconnect(roomID, userID string, wire model.Wire) bool
		Broadcast(ctx context.Context, f model.Frame, roomID, except string) int
		Unicast(ctx context.Context, f model.Frame, roomID, userID string) bool
	}

	Config struct {
		RoomStore RoomStore
		Switch    Switch
		Logger    *zerolog.Logger
	}

	// Service is the room relay: it owns membership, validates inbound
	// frames and decides who receives what.
	Service struct {
		store  RoomStore
		sw     Switch
		logger zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.RoomStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "service").Logger(),
	}
}

// CreateSession attaches a socket to a room, joining the user if needed.
// Frames from wire.RX are processed until ctx is done.
func (svc *Service) CreateSession(ctx context.Context, roomID, userID, username string, wire model.Wire) error {
	if roomID == "" || userID == "" {
		return ErrEmptyID
	}
	p, err := svc.store.CreateOrJoinRoom(roomID, model.Participant{
		ID:       userID,
		Username: username,
		IsOnline: true,
	})
	if err != nil {
		return errors.Join(ErrJoin, err)
	}

	svc.sw.Connect(roomID, userID, wire)
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Bool("host", p.IsHost).
		Msg("session connected")

	go svc.serve(ctx, roomID, userID, username, wire.RX)
	svc.broadcast(ctx, roomID, userID, userID, model.TypeUserJoined, p)
	return nil
}

// DeleteSession detaches a socket. The user leaves the room unless a newer
// socket of the same user already took over.
func (svc *Service) DeleteSession(ctx context.Context, roomID, userID string, wire model.Wire) {
	if !svc.sw.Disconnect(roomID, userID, wire) {
		svc.logger.Debug().
			Str("userID", userID).
			Str("roomID", roomID).
			Msg("stale session ended")
		return
	}
	svc.leave(ctx, roomID, userID)
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("session deleted")
}

func (svc *Service) serve(ctx context.Context, roomID, userID, username string, rx <-chan model.Frame) {
ServeLoop:
	for {
		select {
		case <-ctx.Done():
			break ServeLoop
		case f := <-rx:
			svc.Handle(ctx, roomID, userID, username, f)
		}
	}
}

// Handle processes one inbound frame from userID. Username is used when
// join_room seats the user again after a leave.
func (svc *Service) Handle(ctx context.Context, roomID, userID, username string, f model.Frame) {
	f.UserID = userID
	f.RoomID = roomID
	f.Timestamp = time.Now().UnixMilli()

	logger := svc.logger.With().
		Str("roomID", roomID).
		Str("userID", userID).
		Str("type", f.Type).
		Logger()
	logger.Trace().Msg("frame received")

	var err *model.ServerError
	switch f.Type {
	case model.TypePing:
		svc.unicast(ctx, roomID, userID, model.TypePong, nil)
	case model.TypeJoinRoom:
		err = svc.join(ctx, roomID, userID, username)
	case model.TypeRequestParticipants:
		err = svc.sendParticipants(ctx, roomID, userID)
	case model.TypeLeaveRoom:
		svc.leave(ctx, roomID, userID)
	case model.TypeChatMessage:
		err = svc.handleChat(ctx, roomID, userID, f)
	case model.TypeTyping:
		err = svc.handleTyping(ctx, roomID, userID, f)
	case model.TypeVideoSync:
		err = svc.handleVideoSync(ctx, roomID, userID, f)
	case model.TypeReaction:
		err = svc.handleReaction(ctx, roomID, userID, f)
	case model.TypeDeleteMessage:
		err = svc.handleDelete(ctx, roomID, userID, f)
	case model.TypeReportUser:
		err = svc.handleReport(roomID, userID, f, &logger)
	default:
		err = &model.ServerError{Code: CodeUnknownType, Message: "unknown frame type " + f.Type}
	}
	if err != nil {
		logger.Debug().Str("code", err.Code).Msg(err.Message)
		svc.unicast(ctx, roomID, userID, model.TypeError, err)
	}
}

func (svc *Service) handleChat(ctx context.Context, roomID, userID string, f model.Frame) *model.ServerError {
	var p model.ChatPayload
	if err := f.Decode(&p); err != nil {
		return badRequest(err)
	}
	text := strings.TrimSpace(p.Message)
	if text == "" || utf8.RuneCountInString(text) > maxMessageLength {
		return &model.ServerError{Code: CodeBadRequest, Message: "message must be 1 to 1000 characters"}
	}
	author, err := svc.store.Member(roomID, userID)
	if err != nil {
		return notMember()
	}
	msg := model.ChatPayload{
		ID:        uuid.NewString(),
		UserID:    userID,
		Username:  author.Username,
		Avatar:    author.Avatar,
		Message:   text,
		Type:      model.ChatTypeText,
		Timestamp: f.Timestamp,
	}
	if err = svc.store.AppendMessage(roomID, msg); err != nil {
		return notFound(err)
	}
	svc.broadcast(ctx, roomID, userID, "", model.TypeChatMessage, msg)
	return nil
}

func (svc *Service) handleTyping(ctx context.Context, roomID, userID string, f model.Frame) *model.ServerError {
	var p model.TypingPayload
	if err := f.Decode(&p); err != nil {
		return badRequest(err)
	}
	member, err := svc.store.Member(roomID, userID)
	if err != nil {
		return notMember()
	}
	svc.broadcast(ctx, roomID, userID, userID, model.TypeTyping, model.TypingPayload{
		UserID:   userID,
		Username: member.Username,
		IsTyping: p.IsTyping,
	})
	return nil
}

// handleVideoSync relays playback controls from the host only.
func (svc *Service) handleVideoSync(ctx context.Context, roomID, userID string, f model.Frame) *model.ServerError {
	member, err := svc.store.Member(roomID, userID)
	if err != nil {
		return notMember()
	}
	if !member.IsHost {
		return &model.ServerError{Code: CodeNotHost, Message: "only the host controls playback"}
	}
	var p model.VideoSync
	if err = f.Decode(&p); err != nil {
		return badRequest(err)
	}
	switch p.Action {
	case model.ActionPlay, model.ActionPause, model.ActionSeek:
	case model.ActionLoad:
		if p.VideoURL == "" {
			return &model.ServerError{Code: CodeBadRequest, Message: "load requires videoUrl"}
		}
		room, errS := svc.store.SetVideo(roomID, p.VideoURL)
		if errS != nil {
			return notFound(errS)
		}
		defer svc.broadcast(ctx, roomID, "", "", model.TypeRoomUpdated, room)
	default:
		return &model.ServerError{Code: CodeBadRequest, Message: "unknown action " + p.Action}
	}
	if errM := svc.store.MarkPlayback(roomID, p); errM != nil {
		return notFound(errM)
	}
	svc.broadcast(ctx, roomID, userID, userID, model.TypeVideoSync, p)
	return nil
}

func (svc *Service) handleReaction(ctx context.Context, roomID, userID string, f model.Frame) *model.ServerError {
	var p model.ReactionPayload
	if err := f.Decode(&p); err != nil {
		return badRequest(err)
	}
	if p.Emoji == "" {
		return &model.ServerError{Code: CodeBadRequest, Message: "emoji is empty"}
	}
	member, err := svc.store.Member(roomID, userID)
	if err != nil {
		return notMember()
	}
	if p.MessageID != "" {
		if _, err = svc.store.Message(roomID, p.MessageID); err != nil {
			return notFound(err)
		}
	}
	p.UserID = userID
	p.Username = member.Username
	svc.broadcast(ctx, roomID, userID, "", model.TypeReaction, p)
	return nil
}

// handleDelete honours deletions by the author or the host.
func (svc *Service) handleDelete(ctx context.Context, roomID, userID string, f model.Frame) *model.ServerError {
	var ref model.MessageRef
	if err := f.Decode(&ref); err != nil {
		return badRequest(err)
	}
	member, err := svc.store.Member(roomID, userID)
	if err != nil {
		return notMember()
	}
	msg, err := svc.store.Message(roomID, ref.MessageID)
	if err != nil {
		return notFound(err)
	}
	if msg.UserID != userID && !member.IsHost {
		return &model.ServerError{Code: CodeForbidden, Message: "only the author or the host can delete a message"}
	}
	if err = svc.store.DeleteMessage(roomID, ref.MessageID); err != nil {
		return notFound(err)
	}
	svc.broadcast(ctx, roomID, userID, "", model.TypeMessageDeleted, ref)
	return nil
}

func (svc *Service) handleReport(roomID, userID string, f model.Frame, logger *zerolog.Logger) *model.ServerError {
	var p model.ReportPayload
	if err := f.Decode(&p); err != nil {
		return badRequest(err)
	}
	if _, err := svc.store.Member(roomID, p.UserID); err != nil {
		return notFound(err)
	}
	reason := p.Reason
	if utf8.RuneCountInString(reason) > maxReportReason {
		reason = string([]rune(reason)[:maxReportReason])
	}
	logger.Warn().
		Str("reported", p.UserID).
		Str("reason", reason).
		Msg("user reported")
	return nil
}

// join seats the user again when a previous leave_room removed it, then
// replies with the roster, the room and the playback position.
func (svc *Service) join(ctx context.Context, roomID, userID, username string) *model.ServerError {
	if _, err := svc.store.Member(roomID, userID); err != nil {
		p, errJ := svc.store.CreateOrJoinRoom(roomID, model.Participant{
			ID:       userID,
			Username: username,
			IsOnline: true,
		})
		if errJ != nil {
			return &model.ServerError{Code: CodeForbidden, Message: errJ.Error()}
		}
		svc.broadcast(ctx, roomID, userID, userID, model.TypeUserJoined, p)
	}
	if err := svc.sendParticipants(ctx, roomID, userID); err != nil {
		return err
	}
	return svc.sendRoom(ctx, roomID, userID)
}

func (svc *Service) sendRoom(ctx context.Context, roomID, userID string) *model.ServerError {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return notFound(err)
	}
	svc.unicast(ctx, roomID, userID, model.TypeRoomUpdated, room)

	vs, ok, err := svc.store.Playback(roomID)
	if err != nil || !ok || room.HostID == userID {
		return nil
	}
	f, err := svc.frame(roomID, model.TypeVideoSync, vs)
	if err != nil {
		return nil
	}
	f.UserID = room.HostID
	svc.sw.Unicast(ctx, f, roomID, userID)
	return nil
}

func (svc *Service) sendParticipants(ctx context.Context, roomID, userID string) *model.ServerError {
	list, err := svc.store.Participants(roomID)
	if err != nil {
		return notFound(err)
	}
	svc.unicast(ctx, roomID, userID, model.TypeParticipants, list)
	return nil
}

func (svc *Service) leave(ctx context.Context, roomID, userID string) {
	dep, err := svc.store.LeaveRoom(roomID, userID)
	if err != nil {
		svc.logger.Debug().Err(err).Str("userID", userID).Msg("leave ignored")
		return
	}
	svc.broadcast(ctx, roomID, userID, userID, model.TypeUserLeft, model.UserRef{
		UserID:   userID,
		Username: dep.Participant.Username,
	})
	if dep.NewHost == nil {
		return
	}
	svc.logger.Info().
		Str("roomID", roomID).
		Str("hostID", dep.NewHost.ID).
		Msg("host handed over")
	svc.broadcast(ctx, roomID, "", "", model.TypeRoomUpdated, dep.Room)
	if list, errP := svc.store.Participants(roomID); errP == nil {
		svc.broadcast(ctx, roomID, "", "", model.TypeParticipants, list)
	}
}

// broadcast sends to the room on behalf of from, which is empty for
// server announcements.
func (svc *Service) broadcast(ctx context.Context, roomID, from, except, frameType string, payload any) {
	f, err := svc.frame(roomID, frameType, payload)
	if err != nil {
		return
	}
	f.UserID = from
	svc.sw.Broadcast(ctx, f, roomID, except)
}

func (svc *Service) unicast(ctx context.Context, roomID, userID, frameType string, payload any) {
	f, err := svc.frame(roomID, frameType, payload)
	if err != nil {
		return
	}
	svc.sw.Unicast(ctx, f, roomID, userID)
}

func (svc *Service) frame(roomID, frameType string, payload any) (model.Frame, error) {
	f, err := model.NewFrame(frameType, payload)
	if err != nil {
		svc.logger.Error().Err(err).Str("type", frameType).Msg("failed to encode frame")
		return model.Frame{}, err
	}
	f.RoomID = roomID
	f.Timestamp = time.Now().UnixMilli()
	return f, nil
}

// CreateRoom registers a room, optionally seating its host right away.
func (svc *Service) CreateRoom(room model.Room, host model.Participant) (model.Room, error) {
	created, err := svc.store.CreateRoom(room)
	if err != nil {
		return model.Room{}, errors.Join(ErrCreate, err)
	}
	if host.ID == "" {
		return created, nil
	}
	if _, err = svc.store.JoinRoom(created.ID, host); err != nil {
		return model.Room{}, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("roomID", created.ID).
		Str("hostID", host.ID).
		Msg("room created")
	return svc.store.GetRoom(created.ID)
}

func (svc *Service) GetRoom(roomID string) (model.Room, error) {
	room, err := svc.store.GetRoom(roomID)
	if err != nil {
		return model.Room{}, errors.Join(ErrGet, err)
	}
	return room, nil
}

func (svc *Service) JoinRoom(roomID string, p model.Participant) (model.Participant, error) {
	joined, err := svc.store.JoinRoom(roomID, p)
	if err != nil {
		return model.Participant{}, errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("userID", p.ID).
		Str("roomID", roomID).
		Msg("user joined room")
	return joined, nil
}

func (svc *Service) Participants(roomID string) ([]model.Participant, error) {
	list, err := svc.store.Participants(roomID)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return list, nil
}

func (svc *Service) Messages(roomID string, limit int) ([]model.ChatPayload, error) {
	list, err := svc.store.Messages(roomID, limit)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return list, nil
}

func badRequest(err error) *model.ServerError {
	return &model.ServerError{Code: CodeBadRequest, Message: err.Error()}
}

func notFound(err error) *model.ServerError {
	return &model.ServerError{Code: CodeNotFound, Message: err.Error()}
}

func notMember() *model.ServerError {
	return &model.ServerError{Code: CodeForbidden, Message: ErrNotAMember.Error()}
}
