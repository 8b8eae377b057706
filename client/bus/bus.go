package bus

import (
	"fmt"
	"sync"

	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

type (
	// Event is delivered to subscribers. Only the fields relevant
	// to a particular event name are set.
	Event struct {
		Name    string
		Frame   *model.Frame
		Attempt int
		Err     error
		Payload any
	}

	Handler func(Event)

	SubscriptionID uint64

	subscriber struct {
		id SubscriptionID
		h  Handler
	}

	// Bus maps event names to subscriber lists.
	Bus struct {
		logger zerolog.Logger
		mx     *sync.RWMutex
		seq    SubscriptionID
		subs   map[string][]subscriber
	}
)

func New(logger *zerolog.Logger) *Bus {
	return &Bus{
		logger: logger.With().Str("component", "bus").Logger(),
		mx:     &sync.RWMutex{},
		subs:   make(map[string][]subscriber),
	}
}

// On registers h for the event name. The returned id is used to unsubscribe.
func (b *Bus) On(name string, h Handler) SubscriptionID {
	b.mx.Lock()
	defer b.mx.Unlock()

	b.seq++
	b.subs[name] = append(b.subs[name], subscriber{id: b.seq, h: h})
	return b.seq
}

// Off removes a subscription. Unknown ids are ignored.
func (b *Bus) Off(name string, id SubscriptionID) {
	b.mx.Lock()
	defer b.mx.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			// copy so that an in-flight Emit keeps its snapshot intact
			next := make([]subscriber, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, name)
			} else {
				b.subs[name] = next
			}
			return
		}
	}
}

// Emit delivers ev to every subscriber of ev.Name in subscription order
// and returns how many handlers completed without panicking.
func (b *Bus) Emit(ev Event) int {
	b.mx.RLock()
	subs := b.subs[ev.Name]
	b.mx.RUnlock()

	if len(subs) == 0 {
		b.logger.Trace().Str("event", ev.Name).Msg("event has no subscribers")
		return 0
	}

	var delivered int
	for _, s := range subs {
		if b.deliver(s, ev) {
			delivered++
		}
	}
	return delivered
}

// Subscribers returns the number of handlers registered for name.
func (b *Bus) Subscribers(name string) int {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return len(b.subs[name])
}

func (b *Bus) deliver(s subscriber, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().
				Str("event", ev.Name).
				Uint64("subscription", uint64(s.id)).
				Err(fmt.Errorf("%v", r)).
				Msg("subscriber panicked")
			ok = false
		}
	}()
	s.h(ev)
	return true
}
