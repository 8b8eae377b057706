package websocket

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/client/queue"
	"github.com/adwski/watchparty/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHeartbeatInterval    = 30 * time.Second
	defaultReconnectBase        = time.Second
	defaultMaxReconnectAttempts = 5

	defaultWebSocketHandshakeTimeout   = 5 * time.Second
	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 64 << 10
	defaultWebSocketWriteDeadline      = 5 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second

	defaultTXBufferSize = 256
)

var (
	ErrEmptyRoomID = errors.New("room id is empty")
	ErrEmptyUserID = errors.New("user id is empty")
	ErrDial        = errors.New("unable to open channel")
	ErrAborted     = errors.New("connect aborted")
)

type (
	Config struct {
		Logger   *zerolog.Logger
		Bus      *bus.Bus
		Queue    *queue.Queue
		Dialer   *websocket.Dialer
		Endpoint string
		// Token, if set, is sent as a bearer Authorization header.
		Token string

		HeartbeatInterval time.Duration
		ReconnectBase     time.Duration
		// MaxReconnectAttempts < 0 disables automatic reconnection.
		MaxReconnectAttempts int
	}

	// Channel maintains one resilient socket to a room.
	Channel struct {
		logger   zerolog.Logger
		bus      *bus.Bus
		queue    *queue.Queue
		dialer   *websocket.Dialer
		endpoint string
		token    string

		heartbeat     time.Duration
		reconnectBase time.Duration
		maxAttempts   int

		mx             *sync.Mutex
		state          State
		gen            uint64
		roomID         string
		userID         string
		link           *link
		dialCancel     context.CancelFunc
		reconnectTimer *time.Timer
		visible        bool

		lastHeartbeat atomic.Int64 // unix nanos
	}
)

func NewChannel(cfg Config) *Channel {
	ch := &Channel{
		logger:        cfg.Logger.With().Str("component", "channel").Logger(),
		bus:           cfg.Bus,
		queue:         cfg.Queue,
		dialer:        cfg.Dialer,
		endpoint:      cfg.Endpoint,
		token:         cfg.Token,
		heartbeat:     cfg.HeartbeatInterval,
		reconnectBase: cfg.ReconnectBase,
		maxAttempts:   cfg.MaxReconnectAttempts,
		mx:            &sync.Mutex{},
		visible:       true,
	}
	if ch.bus == nil {
		ch.bus = bus.New(cfg.Logger)
	}
	if ch.queue == nil {
		ch.queue = queue.New(queue.DefaultCapacity, queue.DropOldest)
	}
	if ch.dialer == nil {
		ch.dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
		}
	}
	if ch.heartbeat == 0 {
		ch.heartbeat = defaultHeartbeatInterval
	}
	if ch.reconnectBase == 0 {
		ch.reconnectBase = defaultReconnectBase
	}
	if ch.maxAttempts == 0 {
		ch.maxAttempts = defaultMaxReconnectAttempts
	}
	return ch
}

// Connect opens the channel for the room and user, replacing any previous
// connection. It blocks until the socket is open or the dial fails.
// Failures are not retried.
func (ch *Channel) Connect(ctx context.Context, roomID, userID string) error {
	if roomID == "" {
		return ErrEmptyRoomID
	}
	if userID == "" {
		return ErrEmptyUserID
	}
	return ch.open(ctx, roomID, userID, 0, 0)
}

// open dials and installs a new link. attempt > 0 marks a reconnect
// scheduled for generation expectGen.
func (ch *Channel) open(ctx context.Context, roomID, userID string, attempt int, expectGen uint64) error {
	ch.mx.Lock()
	if attempt > 0 && (ch.gen != expectGen || ch.state.Status != StatusReconnecting) {
		ch.mx.Unlock()
		return ErrAborted
	}
	if err := ch.transitionLocked(StatusConnecting, attempt); err != nil {
		ch.mx.Unlock()
		return err
	}
	ch.gen++
	gen := ch.gen
	ch.stopReconnectLocked()
	if ch.dialCancel != nil {
		ch.dialCancel()
	}
	dialCtx, cancel := context.WithCancel(ctx)
	ch.dialCancel = cancel
	prev := ch.link
	ch.link = nil
	ch.roomID, ch.userID = roomID, userID
	ch.mx.Unlock()

	if prev != nil {
		prev.close(defaultWebSocketCloseWriteDeadline)
		ch.logger.Debug().Msg("previous connection closed")
	}

	logger := ch.logger.With().Str("roomID", roomID).Str("userID", userID).Logger()
	logger.Debug().Int("attempt", attempt).Msg("connecting")

	conn, err := ch.dial(dialCtx, roomID, userID)
	cancel()

	ch.mx.Lock()
	if gen != ch.gen {
		ch.mx.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		logger.Debug().Msg("connect superseded")
		return ErrAborted
	}
	ch.dialCancel = nil

	if err != nil {
		var failed bool
		if attempt > 0 {
			failed = ch.scheduleReconnectLocked(attempt + 1)
		} else {
			_ = ch.transitionLocked(StatusDisconnected, 0)
		}
		ch.mx.Unlock()

		err = errors.Join(ErrDial, err)
		if attempt > 0 {
			// the UI learns about reconnects through status events only
			logger.Debug().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
		} else {
			logger.Error().Err(err).Msg("failed to open channel")
			ch.bus.Emit(bus.Event{Name: model.EventError, Err: err})
		}
		if failed {
			ch.bus.Emit(bus.Event{Name: model.EventReconnectFailed, Attempt: attempt})
		}
		return err
	}

	l := newLink(conn, roomID, userID, defaultTXBufferSize, &ch.logger)
	ch.link = l
	_ = ch.transitionLocked(StatusConnected, 0)
	ch.markHeartbeat()
	ch.start(l, ch.visible)

	// join goes first, then everything queued while the channel was down
	ch.dispatchLocked(l, model.Frame{Type: model.TypeJoinRoom, Data: []byte(`{}`)})
	pending := ch.queue.Drain()
	for _, m := range pending {
		ch.dispatchLocked(l, model.Frame{Type: m.Type, Data: m.Data})
	}
	ch.mx.Unlock()

	logger.Info().Int("flushed", len(pending)).Msg("channel connected")
	ch.bus.Emit(bus.Event{Name: model.EventConnected})
	if attempt > 0 {
		ch.bus.Emit(bus.Event{Name: model.EventReconnected, Attempt: attempt})
	}
	return nil
}

// dial returns as soon as ctx is done, even if the handshake is still running.
func (ch *Channel) dial(ctx context.Context, roomID, userID string) (*websocket.Conn, error) {
	type dialResult struct {
		conn *websocket.Conn
		err  error
	}
	res := make(chan dialResult, 1)
	go func() {
		conn, _, err := ch.dialer.DialContext(ctx, ch.endpointURL(roomID, userID), ch.header())
		res <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-res:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-res; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (ch *Channel) start(l *link, visible bool) {
	go func() {
		if !l.sender(ch.heartbeat, visible, defaultWebSocketWriteDeadline, ch.markHeartbeat) {
			// wake up the receiver so the drop is detected
			l.close(defaultWebSocketCloseWriteDeadline)
		}
	}()
	go func() {
		err := l.receiver(defaultWebSocketMaxMessageSize, ch.demux)
		ch.handleDrop(l, err)
	}()
}

// Disconnect closes the channel and forgets the room. Frames already sent
// are written first, within the close deadline. Pending connects return
// ErrAborted. Calling it on a disconnected channel does nothing.
func (ch *Channel) Disconnect() {
	ch.mx.Lock()
	if ch.state.Status == StatusDisconnected {
		ch.mx.Unlock()
		return
	}
	_ = ch.transitionLocked(StatusDisconnecting, 0)
	ch.gen++
	ch.stopReconnectLocked()
	if ch.dialCancel != nil {
		ch.dialCancel()
		ch.dialCancel = nil
	}
	l := ch.link
	ch.link = nil
	ch.roomID, ch.userID = "", ""
	ch.queue.Clear()
	_ = ch.transitionLocked(StatusDisconnected, 0)
	ch.mx.Unlock()

	if l != nil {
		l.shutdown(defaultWebSocketCloseWriteDeadline)
	}
	ch.logger.Info().Msg("channel disconnected")
	ch.bus.Emit(bus.Event{Name: model.EventDisconnected})
}

// Send transmits the event now if the channel is open, otherwise queues it.
// Failures are logged and surface only as error events.
func (ch *Channel) Send(eventType string, payload any) {
	data, err := model.EncodeData(payload)
	if err != nil {
		ch.logger.Error().Err(err).Str("type", eventType).Msg("failed to encode outgoing payload")
		ch.bus.Emit(bus.Event{Name: model.EventError, Err: err})
		return
	}

	ch.mx.Lock()
	defer ch.mx.Unlock()

	if ch.link != nil && ch.state.Status == StatusConnected {
		ch.dispatchLocked(ch.link, model.Frame{Type: eventType, Data: data})
		return
	}
	evicted, dropped, err := ch.queue.Push(queue.Message{Type: eventType, Data: data})
	switch {
	case err != nil:
		ch.logger.Warn().Err(err).Str("type", eventType).Msg("outgoing message rejected")
	case dropped:
		ch.logger.Warn().Str("evicted", evicted.Type).Msg("outbound queue overflow, oldest message dropped")
	default:
		ch.logger.Trace().Str("type", eventType).Int("queued", ch.queue.Len()).Msg("message queued")
	}
}

// On subscribes to a channel event.
func (ch *Channel) On(event string, h bus.Handler) bus.SubscriptionID {
	return ch.bus.On(event, h)
}

func (ch *Channel) Off(event string, id bus.SubscriptionID) {
	ch.bus.Off(event, id)
}

// SetVisible pauses the heartbeat while the host page is hidden.
func (ch *Channel) SetVisible(visible bool) {
	ch.mx.Lock()
	defer ch.mx.Unlock()

	if ch.visible == visible {
		return
	}
	ch.visible = visible
	if ch.link != nil {
		ch.link.setVisible(visible)
	}
}

func (ch *Channel) State() State {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.state
}

func (ch *Channel) RoomID() string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.roomID
}

func (ch *Channel) UserID() string {
	ch.mx.Lock()
	defer ch.mx.Unlock()
	return ch.userID
}

// LastHeartbeat is the last time a heartbeat went out or a pong came back.
func (ch *Channel) LastHeartbeat() time.Time {
	ns := ch.lastHeartbeat.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (ch *Channel) Queued() int {
	return ch.queue.Len()
}

func (ch *Channel) Bus() *bus.Bus {
	return ch.bus
}

// markHeartbeat is called from the sender and receiver goroutines
// and must not take the channel lock.
func (ch *Channel) markHeartbeat() {
	ch.lastHeartbeat.Store(time.Now().UnixNano())
}

func (ch *Channel) dispatchLocked(l *link, f model.Frame) {
	if err := l.push(l.stamp(f)); err != nil {
		ch.logger.Warn().Err(err).Str("type", f.Type).Msg("frame dropped")
	}
}

// demux routes an inbound frame to its event. Runs on the receiver goroutine.
func (ch *Channel) demux(f model.Frame) {
	switch f.Type {
	case model.TypePong:
		ch.markHeartbeat()
		return
	case model.TypeError:
		srvErr := &model.ServerError{}
		if err := f.Decode(srvErr); err != nil {
			srvErr.Message = string(f.Data)
		}
		ch.logger.Warn().Err(srvErr).Msg("server reported error")
		ch.bus.Emit(bus.Event{Name: model.EventError, Frame: &f, Err: srvErr})
		return
	}

	ev, ok := model.EventFor(f.Type)
	if !ok {
		ch.logger.Warn().Str("type", f.Type).Msg("unknown frame type")
		ev = model.EventMessage
	}
	ch.bus.Emit(bus.Event{Name: ev, Frame: &f})
}

// handleDrop reacts to the receiver of l exiting. Drops of links that were
// replaced or closed on purpose are ignored.
func (ch *Channel) handleDrop(l *link, err error) {
	ch.mx.Lock()
	if ch.link != l {
		ch.mx.Unlock()
		return
	}
	ch.link = nil
	failed := ch.scheduleReconnectLocked(1)
	ch.mx.Unlock()

	l.close(defaultWebSocketCloseWriteDeadline)
	l.logger.Warn().Err(err).Msg("connection lost")
	ch.bus.Emit(bus.Event{Name: model.EventDisconnected, Err: err})
	if failed {
		ch.bus.Emit(bus.Event{Name: model.EventReconnectFailed})
	}
}

// scheduleReconnectLocked arms the timer for the given attempt, or moves the
// channel to Failed when attempts are exhausted. It reports the latter.
func (ch *Channel) scheduleReconnectLocked(attempt int) bool {
	if ch.maxAttempts < 0 || attempt > ch.maxAttempts {
		_ = ch.transitionLocked(StatusFailed, attempt-1)
		ch.logger.Error().Int("attempts", attempt-1).Msg("reconnect attempts exhausted")
		return true
	}
	if err := ch.transitionLocked(StatusReconnecting, attempt); err != nil {
		return false
	}

	var (
		delay  = Backoff(ch.reconnectBase, attempt)
		gen    = ch.gen
		roomID = ch.roomID
		userID = ch.userID
	)
	ch.reconnectTimer = time.AfterFunc(delay, func() {
		_ = ch.open(context.Background(), roomID, userID, attempt, gen)
	})
	ch.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect scheduled")
	return false
}

func (ch *Channel) stopReconnectLocked() {
	if ch.reconnectTimer != nil {
		ch.reconnectTimer.Stop()
		ch.reconnectTimer = nil
	}
}

func (ch *Channel) transitionLocked(to Status, attempt int) error {
	next, err := ch.state.next(to, attempt)
	if err != nil {
		ch.logger.Error().Err(err).Msg("state transition refused")
		return err
	}
	ch.logger.Trace().Stringer("from", ch.state).Stringer("to", next).Msg("state changed")
	ch.state = next
	return nil
}

func (ch *Channel) endpointURL(roomID, userID string) string {
	u, err := url.Parse(ch.endpoint)
	if err != nil {
		// let the dialer report the malformed endpoint
		return ch.endpoint
	}
	q := u.Query()
	q.Set("room", roomID)
	q.Set("user", userID)
	u.RawQuery = q.Encode()
	return u.String()
}

func (ch *Channel) header() http.Header {
	if ch.token == "" {
		return nil
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+ch.token)
	return h
}
