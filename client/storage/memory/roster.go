package memory

import (
	"errors"
	"sort"
	"sync"

	"github.com/adwski/watchparty/model"
)

var (
	ErrParticipantNotFound = errors.New("participant is not found")
	ErrMessageNotFound     = errors.New("message is not found")
)

// RosterStore keeps the room participants known to this client.
type RosterStore struct {
	mx *sync.Mutex
	db map[string]model.Participant
}

func NewRosterStore() *RosterStore {
	return &RosterStore{
		mx: &sync.Mutex{},
		db: make(map[string]model.Participant),
	}
}

// Replace discards the current roster in favour of an authoritative one.
func (rs *RosterStore) Replace(participants []model.Participant) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	rs.db = make(map[string]model.Participant, len(participants))
	for _, p := range participants {
		if p.ID == "" {
			continue
		}
		rs.db[p.ID] = p
	}
}

// Upsert applies a join delta. It reports whether the participant is new.
func (rs *RosterStore) Upsert(p model.Participant) bool {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	prev, ok := rs.db[p.ID]
	if ok && p.JoinedAt.IsZero() {
		p.JoinedAt = prev.JoinedAt
	}
	rs.db[p.ID] = p
	return !ok
}

// Remove applies a leave delta and returns the removed participant.
func (rs *RosterStore) Remove(id string) (model.Participant, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	p, ok := rs.db[id]
	if !ok {
		return model.Participant{}, ErrParticipantNotFound
	}
	delete(rs.db, id)
	return p, nil
}

func (rs *RosterStore) Get(id string) (model.Participant, error) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	p, ok := rs.db[id]
	if !ok {
		return model.Participant{}, ErrParticipantNotFound
	}
	return p, nil
}

// Host returns the participant holding host authority.
func (rs *RosterStore) Host() (model.Participant, bool) {
	rs.mx.Lock()
	defer rs.mx.Unlock()

	for _, p := range rs.db {
		if p.IsHost {
			return p, true
		}
	}
	return model.Participant{}, false
}

// List returns participants ordered by join time, then id.
func (rs *RosterStore) List() []model.Participant {
	rs.mx.Lock()
	out := make([]model.Participant, 0, len(rs.db))
	for _, p := range rs.db {
		out = append(out, p)
	}
	rs.mx.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (rs *RosterStore) Len() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.db)
}
