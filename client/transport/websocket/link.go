package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errLinkClosed = errors.New("link closed")
)

// link is one live socket with its sender and receiver goroutines.
type link struct {
	conn   *websocket.Conn
	roomID string
	userID string
	tx     chan model.Frame
	vis    chan bool
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	logger zerolog.Logger

	drain     chan struct{}
	drainOnce sync.Once
	sent      chan struct{} // closed when the sender exits
}

func newLink(conn *websocket.Conn, roomID, userID string, txSize int, logger *zerolog.Logger) *link {
	ctx, cancel := context.WithCancel(context.Background())
	return &link{
		conn:   conn,
		roomID: roomID,
		userID: userID,
		tx:     make(chan model.Frame, txSize),
		vis:    make(chan bool, 1),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("roomID", roomID).Str("userID", userID).Logger(),
		drain:  make(chan struct{}),
		sent:   make(chan struct{}),
	}
}

// stamp assigns identity and send time.
func (l *link) stamp(f model.Frame) model.Frame {
	f.Timestamp = time.Now().UnixMilli()
	f.UserID = l.userID
	f.RoomID = l.roomID
	return f
}

// push hands a frame to the sender. Frames are never re-queued once handed over.
func (l *link) push(f model.Frame) error {
	select {
	case l.tx <- f:
		return nil
	case <-l.ctx.Done():
		return errLinkClosed
	}
}

// setVisible replaces any pending visibility signal. Callers serialize it.
func (l *link) setVisible(visible bool) {
	select {
	case <-l.vis:
	default:
	}
	l.vis <- visible
}

// sender writes outgoing frames and heartbeats until the link is closed,
// drained or a write fails. It returns false on write failure.
func (l *link) sender(heartbeat time.Duration, visible bool, writeDeadline time.Duration, onBeat func()) bool {
	defer close(l.sent)

	var (
		ticker *time.Ticker
		beat   <-chan time.Time
	)
	startBeat := func() {
		if ticker == nil && heartbeat > 0 {
			ticker = time.NewTicker(heartbeat)
			beat = ticker.C
			l.logger.Trace().Msg("heartbeat started")
		}
	}
	stopBeat := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, beat = nil, nil
			l.logger.Trace().Msg("heartbeat paused")
		}
	}
	if visible {
		startBeat()
	}
	defer stopBeat()

SendLoop:
	for {
		select {
		case <-l.ctx.Done():
			break SendLoop
		case v := <-l.vis:
			if v {
				startBeat()
			} else {
				stopBeat()
			}
		case <-beat:
			ping := l.stamp(model.Frame{Type: model.TypePing, Data: json.RawMessage(`{}`)})
			if err := l.write(ping, writeDeadline); err != nil {
				l.logger.Error().Err(err).Msg("failed to send heartbeat")
				return false
			}
			onBeat()
			l.logger.Trace().Msg("heartbeat sent")
		case f := <-l.tx:
			if err := l.write(f, writeDeadline); err != nil {
				l.logger.Error().Err(err).Str("type", f.Type).Msg("failed to write outgoing frame")
				return false
			}
			l.logger.Trace().Str("type", f.Type).Msg("frame sent")
		case <-l.drain:
			for {
				select {
				case f := <-l.tx:
					if err := l.write(f, writeDeadline); err != nil {
						l.logger.Debug().Err(err).Str("type", f.Type).Msg("frame lost while draining")
						return false
					}
				default:
					l.logger.Trace().Msg("outgoing frames drained")
					break SendLoop
				}
			}
		}
	}
	return true
}

func (l *link) write(f model.Frame, deadline time.Duration) error {
	b, err := json.Marshal(&f)
	if err != nil {
		return err
	}
	if err = l.conn.SetWriteDeadline(time.Now().Add(deadline)); err != nil {
		return err
	}
	w, err := l.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err = w.Write(b); err != nil {
		return err
	}
	return w.Close()
}

// receiver decodes incoming frames and hands them to onFrame in arrival order.
// Malformed frames are dropped. It returns the error that ended the read loop.
func (l *link) receiver(maxMessageSize int64, onFrame func(model.Frame)) error {
	l.conn.SetReadLimit(maxMessageSize)
	l.conn.SetPongHandler(func(string) error {
		l.logger.Trace().Msg("got pong control frame")
		return nil
	})

	for {
		select {
		case <-l.ctx.Done():
			return errLinkClosed
		default:
		}

		_, msg, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.logger.Warn().Err(err).Msg("connection closed by server")
			} else if l.ctx.Err() == nil {
				l.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return err
		}

		var f model.Frame
		if err = json.Unmarshal(msg, &f); err != nil {
			l.logger.Error().Err(err).Msg("failed to unmarshal incoming frame")
			continue
		}
		if f.Type == "" {
			l.logger.Warn().Msg("incoming frame without type dropped")
			continue
		}
		onFrame(f)
	}
}

// shutdown lets the sender write the frames already handed to it, waiting
// at most deadline, then closes the link.
func (l *link) shutdown(deadline time.Duration) {
	l.drainOnce.Do(func() { close(l.drain) })
	select {
	case <-l.sent:
	case <-time.After(deadline):
		l.logger.Debug().Int("pending", len(l.tx)).Msg("drain deadline exceeded")
	}
	l.close(deadline)
}

// close stops both goroutines and closes the socket. Safe to call repeatedly.
func (l *link) close(closeDeadline time.Duration) {
	l.once.Do(func() {
		l.cancel()
		err := l.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeDeadline))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			l.logger.Debug().Err(err).Msg("failed to send close message")
		}
		if err = l.conn.Close(); err != nil {
			l.logger.Debug().Err(err).Msg("failed to close websocket connection")
		}
	})
}
