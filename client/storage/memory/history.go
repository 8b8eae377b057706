package memory

import (
	"sync"

	"github.com/adwski/watchparty/model"
)

// HistoryStore is an append-only chat log. Entries are never reordered;
// Update exists only for reaction and soft-delete bookkeeping.
type HistoryStore struct {
	mx    *sync.Mutex
	log   []model.ChatMessage
	index map[string]int
}

func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		mx:    &sync.Mutex{},
		index: make(map[string]int),
	}
}

// Append adds msg at the end. A message whose id is already present
// is ignored and Append returns false.
func (hs *HistoryStore) Append(msg model.ChatMessage) bool {
	hs.mx.Lock()
	defer hs.mx.Unlock()

	if msg.ID != "" {
		if _, ok := hs.index[msg.ID]; ok {
			return false
		}
		hs.index[msg.ID] = len(hs.log)
	}
	hs.log = append(hs.log, msg)
	return true
}

// Update runs fn against the stored message with the given id.
func (hs *HistoryStore) Update(id string, fn func(*model.ChatMessage)) (model.ChatMessage, error) {
	hs.mx.Lock()
	defer hs.mx.Unlock()

	i, ok := hs.index[id]
	if !ok {
		return model.ChatMessage{}, ErrMessageNotFound
	}
	fn(&hs.log[i])
	return hs.log[i].Clone(), nil
}

func (hs *HistoryStore) Get(id string) (model.ChatMessage, error) {
	hs.mx.Lock()
	defer hs.mx.Unlock()

	i, ok := hs.index[id]
	if !ok {
		return model.ChatMessage{}, ErrMessageNotFound
	}
	return hs.log[i].Clone(), nil
}

// List returns a copy of the whole history in arrival order.
func (hs *HistoryStore) List() []model.ChatMessage {
	hs.mx.Lock()
	defer hs.mx.Unlock()

	out := make([]model.ChatMessage, len(hs.log))
	for i, m := range hs.log {
		out[i] = m.Clone()
	}
	return out
}

func (hs *HistoryStore) Len() int {
	hs.mx.Lock()
	defer hs.mx.Unlock()
	return len(hs.log)
}
