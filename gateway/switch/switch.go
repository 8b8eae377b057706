package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimeout = time.Second
)

// Switch fans frames out to the wires of a room's connected members.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[string]map[string]model.Wire
	timeout time.Duration
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger:  logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]map[string]model.Wire),
		timeout: defaultFwdTimeout,
	}
}

func (sw *Switch) Connect(roomID, userID string, wire model.Wire) {
	sw.mx.Lock()
	room, ok := sw.fwd[roomID]
	if !ok {
		room = make(map[string]model.Wire)
		sw.fwd[roomID] = room
	}
	room[userID] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Msg("endpoint connected")
}

// Disconnect detaches the wire only if it is still the one registered,
// so a stale session cannot unplug its replacement.
func (sw *Switch) Disconnect(roomID, userID string, wire model.Wire) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	room, ok := sw.fwd[roomID]
	if !ok {
		return false
	}
	cur, ok := room[userID]
	if !ok || cur.TX != wire.TX {
		return false
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(sw.fwd, roomID)
	}
	sw.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Msg("endpoint disconnected")
	return true
}

// Connected reports whether userID currently has a live wire in the room.
func (sw *Switch) Connected(roomID, userID string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[roomID][userID]
	return ok
}

// Broadcast delivers f to every member except the one named by except.
// It returns the number of members reached.
func (sw *Switch) Broadcast(ctx context.Context, f model.Frame, roomID, except string) int {
	sw.mx.RLock()
	targets := make(map[string]model.Wire, len(sw.fwd[roomID]))
	for userID, wire := range sw.fwd[roomID] {
		if userID != except {
			targets[userID] = wire
		}
	}
	sw.mx.RUnlock()

	var reached int
	for userID, wire := range targets {
		sent, canceled := sw.send(ctx, f, wire.TX, userID)
		if canceled {
			break
		}
		if sent {
			reached++
		}
	}
	if reached == 0 && len(targets) > 0 {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("type", f.Type).
			Msg("broadcast did not reach anyone")
	}
	return reached
}

// Unicast delivers f to a single member.
func (sw *Switch) Unicast(ctx context.Context, f model.Frame, roomID, userID string) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[roomID][userID]
	sw.mx.RUnlock()
	if !ok {
		sw.logger.Debug().
			Str("roomID", roomID).
			Str("dst", userID).
			Str("type", f.Type).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := sw.send(ctx, f, wire.TX, userID)
	return sent
}

func (sw *Switch) send(ctx context.Context, f model.Frame, tx chan<- model.Frame, dst string) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(sw.timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		sw.logger.Error().Str("dst", dst).Str("type", f.Type).Msg("dead endpoint")
	case tx <- f:
		sw.logger.Trace().Str("dst", dst).Str("type", f.Type).Msg("frame forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
