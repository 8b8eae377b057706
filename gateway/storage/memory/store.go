package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 200
)

var (
	ErrRoomIsFull          = errors.New("room is full")
	ErrRoomNotFound        = errors.New("room is not found")
	ErrRoomExists          = errors.New("room already exists")
	ErrParticipantNotFound = errors.New("participant is not found")
	ErrMessageNotFound     = errors.New("message is not found")
	ErrEmptyUserID         = errors.New("user id is empty")
)

type (
	// MemStore keeps rooms, their members and a bounded chat log.
	MemStore struct {
		mx              *sync.Mutex
		db              map[string]*roomRecord
		maxParticipants int
		historyLimit    int
	}

	roomRecord struct {
		room    model.Room
		members map[string]model.Participant
		log     []message
		mark    *playbackMark
	}

	// playbackMark is the last playback control relayed in a room.
	playbackMark struct {
		playing  bool
		position float64
		at       time.Time
	}

	message struct {
		model.ChatPayload
		deleted bool
	}

	// Departure describes the outcome of a member leaving.
	Departure struct {
		Participant model.Participant
		Room        model.Room
		// NewHost is set when host authority moved to another member.
		NewHost *model.Participant
	}
)

// NewMemStore creates a store. Zero maxParticipants means unlimited,
// zero historyLimit means DefaultHistoryLimit.
func NewMemStore(maxParticipants, historyLimit int) *MemStore {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &MemStore{
		mx:              &sync.Mutex{},
		db:              make(map[string]*roomRecord),
		maxParticipants: maxParticipants,
		historyLimit:    historyLimit,
	}
}

// CreateRoom registers a room. An empty id is generated.
func (ms *MemStore) CreateRoom(room model.Room) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	if room.ID == "" {
		room.ID = uuid.NewString()
	}
	if _, ok := ms.db[room.ID]; ok {
		return model.Room{}, ErrRoomExists
	}
	ms.db[room.ID] = &roomRecord{
		room:    model.Room{ID: room.ID, Name: room.Name, VideoURL: room.VideoURL},
		members: make(map[string]model.Participant),
	}
	return ms.db[room.ID].room, nil
}

// CreateOrJoinRoom adds p to the room, creating the room when needed.
// The first member becomes host. Rejoining refreshes the member's profile
// and keeps the original join time and host flag.
func (ms *MemStore) CreateOrJoinRoom(roomID string, p model.Participant) (model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		rec = &roomRecord{
			room:    model.Room{ID: roomID},
			members: make(map[string]model.Participant),
		}
		ms.db[roomID] = rec
	}
	return ms.joinLocked(rec, p)
}

// JoinRoom adds p to an existing room.
func (ms *MemStore) JoinRoom(roomID string, p model.Participant) (model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return model.Participant{}, ErrRoomNotFound
	}
	return ms.joinLocked(rec, p)
}

func (ms *MemStore) joinLocked(rec *roomRecord, p model.Participant) (model.Participant, error) {
	if p.ID == "" {
		return model.Participant{}, ErrEmptyUserID
	}
	prev, known := rec.members[p.ID]
	if !known && ms.maxParticipants > 0 && len(rec.members) >= ms.maxParticipants {
		return model.Participant{}, ErrRoomIsFull
	}
	if p.Username == "" {
		p.Username = prev.Username
	}
	if p.Avatar == "" {
		p.Avatar = prev.Avatar
	}
	// presence is only ever raised by a rejoin; leaving removes the member
	p.IsOnline = p.IsOnline || prev.IsOnline
	if known {
		p.JoinedAt = prev.JoinedAt
	} else if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	p.IsHost = rec.room.HostID == "" || rec.room.HostID == p.ID
	if p.IsHost {
		rec.room.HostID = p.ID
	}
	rec.members[p.ID] = p
	return p, nil
}

// LeaveRoom removes a member. When the host leaves, the longest-present
// remaining member inherits host authority.
func (ms *MemStore) LeaveRoom(roomID, userID string) (Departure, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return Departure{}, ErrRoomNotFound
	}
	p, ok := rec.members[userID]
	if !ok {
		return Departure{}, ErrParticipantNotFound
	}
	delete(rec.members, userID)

	dep := Departure{Participant: p}
	if rec.room.HostID == userID {
		rec.room.HostID = ""
		if next, found := oldest(rec.members); found {
			next.IsHost = true
			rec.members[next.ID] = next
			rec.room.HostID = next.ID
			dep.NewHost = &next
		}
	}
	dep.Room = rec.room
	return dep, nil
}

func (ms *MemStore) GetRoom(roomID string) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	return rec.room, nil
}

func (ms *MemStore) SetVideo(roomID, videoURL string) (model.Room, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return model.Room{}, ErrRoomNotFound
	}
	rec.room.VideoURL = videoURL
	return rec.room, nil
}

// MarkPlayback records a relayed control so that late joiners can be
// brought to the current position.
func (ms *MemStore) MarkPlayback(roomID string, vs model.VideoSync) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	pos := vs.Timestamp
	if vs.CurrentTime != nil {
		pos = *vs.CurrentTime
	}
	mark := &playbackMark{position: pos, at: time.Now()}
	switch vs.Action {
	case model.ActionLoad:
		mark.position = 0
	case model.ActionPlay:
		mark.playing = true
	case model.ActionSeek:
		mark.playing = rec.mark != nil && rec.mark.playing
	}
	rec.mark = mark
	return nil
}

// Playback returns the control that brings a newcomer to the room's
// current position. ok is false until a video has been loaded.
func (ms *MemStore) Playback(roomID string) (vs model.VideoSync, ok bool, err error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, found := ms.db[roomID]
	if !found {
		return model.VideoSync{}, false, ErrRoomNotFound
	}
	if rec.mark == nil || rec.room.VideoURL == "" {
		return model.VideoSync{}, false, nil
	}
	vs = model.VideoSync{Action: model.ActionPause, Timestamp: rec.mark.position}
	if rec.mark.playing {
		vs.Action = model.ActionPlay
		vs.Timestamp += time.Since(rec.mark.at).Seconds()
	}
	return vs, true, nil
}

func (ms *MemStore) Member(roomID, userID string) (model.Participant, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return model.Participant{}, ErrRoomNotFound
	}
	p, ok := rec.members[userID]
	if !ok {
		return model.Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

// Participants lists members by join time.
func (ms *MemStore) Participants(roomID string) ([]model.Participant, error) {
	ms.mx.Lock()
	rec, ok := ms.db[roomID]
	if !ok {
		ms.mx.Unlock()
		return nil, ErrRoomNotFound
	}
	out := make([]model.Participant, 0, len(rec.members))
	for _, p := range rec.members {
		out = append(out, p)
	}
	ms.mx.Unlock()

	sortByJoin(out)
	return out, nil
}

// AppendMessage stores a chat message, evicting the oldest beyond the limit.
func (ms *MemStore) AppendMessage(roomID string, msg model.ChatPayload) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	rec.log = append(rec.log, message{ChatPayload: msg})
	if over := len(rec.log) - ms.historyLimit; over > 0 {
		rec.log = append(rec.log[:0:0], rec.log[over:]...)
	}
	return nil
}

func (ms *MemStore) Message(roomID, messageID string) (model.ChatPayload, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return model.ChatPayload{}, ErrRoomNotFound
	}
	for _, m := range rec.log {
		if m.ID == messageID && !m.deleted {
			return m.ChatPayload, nil
		}
	}
	return model.ChatPayload{}, ErrMessageNotFound
}

func (ms *MemStore) DeleteMessage(roomID, messageID string) error {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	for i := range rec.log {
		if rec.log[i].ID == messageID && !rec.log[i].deleted {
			rec.log[i].deleted = true
			return nil
		}
	}
	return ErrMessageNotFound
}

// Messages returns up to limit most recent visible messages, oldest first.
// Non-positive limit returns everything retained.
func (ms *MemStore) Messages(roomID string, limit int) ([]model.ChatPayload, error) {
	ms.mx.Lock()
	defer ms.mx.Unlock()

	rec, ok := ms.db[roomID]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := make([]model.ChatPayload, 0, len(rec.log))
	for _, m := range rec.log {
		if !m.deleted {
			out = append(out, m.ChatPayload)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func oldest(members map[string]model.Participant) (model.Participant, bool) {
	list := make([]model.Participant, 0, len(members))
	for _, p := range members {
		list = append(list, p)
	}
	if len(list) == 0 {
		return model.Participant{}, false
	}
	sortByJoin(list)
	return list[0], true
}

func sortByJoin(list []model.Participant) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].JoinedAt.Equal(list[j].JoinedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].JoinedAt.Before(list[j].JoinedAt)
	})
}
