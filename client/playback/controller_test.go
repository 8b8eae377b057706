package playback

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mx sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.t = c.t.Add(d)
}

type recordingSender struct {
	mx   sync.Mutex
	sent []model.VideoSync
}

func (rs *recordingSender) Send(eventType string, payload any) {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	if eventType == model.TypeVideoSync {
		rs.sent = append(rs.sent, payload.(model.VideoSync))
	}
}

func (rs *recordingSender) count() int {
	rs.mx.Lock()
	defer rs.mx.Unlock()
	return len(rs.sent)
}

type fixture struct {
	clk    *clock
	player *VirtualPlayer
	sender *recordingSender
	bus    *bus.Bus
	ctrl   *Controller
	host   bool
}

func newFixture(t *testing.T, host bool) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	fx := &fixture{
		clk:    &clock{t: time.Unix(1_700_000_000, 0)},
		sender: &recordingSender{},
		bus:    bus.New(&logger),
		host:   host,
	}
	fx.player = NewVirtualPlayer(fx.clk.now, 3600)
	fx.ctrl = NewController(Config{
		Logger:  &logger,
		Player:  fx.player,
		Sender:  fx.sender,
		Emitter: fx.bus,
		SelfID:  "me",
		IsHost:  func() bool { return fx.host },
		Resolver: func(videoURL string) (string, error) {
			if videoURL == "bad://" {
				return "", errors.New("unsupported")
			}
			return "stream:" + videoURL, nil
		},
	})
	return fx
}

func (fx *fixture) apply(t *testing.T, from string, vs model.VideoSync) {
	t.Helper()
	f, err := model.NewFrame(model.TypeVideoSync, vs)
	require.NoError(t, err)
	f.UserID = from
	require.NoError(t, fx.ctrl.Apply(f))
}

func TestController_PauseBeyondToleranceSeeks(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	fx.player.SetCurrentTime(11.4)
	require.NoError(t, fx.player.Play())
	seeks := fx.player.Seeks()

	fx.apply(t, "host", model.VideoSync{Action: model.ActionPause, Timestamp: 10.0})

	assert.True(t, fx.player.Paused())
	assert.InDelta(t, 10.0, fx.player.CurrentTime(), 1e-9)
	assert.Equal(t, seeks+1, fx.player.Seeks())
	assert.Equal(t, Synced, fx.ctrl.Status())
	assert.Zero(t, fx.sender.count())
}

func TestController_PauseWithinToleranceDoesNotSeek(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	fx.player.SetCurrentTime(10.5)
	seeks := fx.player.Seeks()

	fx.apply(t, "host", model.VideoSync{Action: model.ActionPause, Timestamp: 10.0})

	assert.True(t, fx.player.Paused())
	assert.InDelta(t, 10.5, fx.player.CurrentTime(), 1e-9)
	assert.Equal(t, seeks, fx.player.Seeks())
}

func TestController_PlayCorrectionIsIdempotent(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	seeks := fx.player.Seeks()

	play := model.VideoSync{Action: model.ActionPlay, Timestamp: 42}
	fx.apply(t, "host", play)
	assert.Equal(t, seeks+1, fx.player.Seeks())
	assert.False(t, fx.player.Paused())

	fx.clk.advance(100 * time.Millisecond)
	fx.apply(t, "host", play)
	assert.Equal(t, seeks+1, fx.player.Seeks(), "second application stays within tolerance")
	assert.Zero(t, fx.sender.count())
}

func TestController_CorrectingIsPublished(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})

	var syncs []string
	fx.bus.On(model.EventPlayback, func(ev bus.Event) {
		syncs = append(syncs, ev.Payload.(model.PlaybackState).Sync)
	})
	fx.apply(t, "host", model.VideoSync{Action: model.ActionSeek, Timestamp: 30})

	assert.Equal(t, []string{"correcting", "synced"}, syncs)
	assert.Equal(t, Synced, fx.ctrl.Status())
	assert.Equal(t, "synced", fx.ctrl.State().Sync)
}

func TestController_SeekAlwaysSeeks(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	fx.player.SetCurrentTime(5.2)
	seeks := fx.player.Seeks()

	fx.apply(t, "host", model.VideoSync{Action: model.ActionSeek, Timestamp: 5.0})
	assert.Equal(t, seeks+1, fx.player.Seeks())
	assert.InDelta(t, 5.0, fx.player.CurrentTime(), 1e-9)
}

func TestController_CurrentTimeOverridesTimestamp(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})

	at := 30.0
	fx.apply(t, "host", model.VideoSync{Action: model.ActionSeek, Timestamp: 1, CurrentTime: &at})
	assert.InDelta(t, 30.0, fx.player.CurrentTime(), 1e-9)
}

func TestController_IdleDefersControls(t *testing.T) {
	fx := newFixture(t, false)
	assert.Equal(t, Idle, fx.ctrl.Status())

	fx.apply(t, "host", model.VideoSync{Action: model.ActionPlay, Timestamp: 20})
	assert.True(t, fx.player.Paused())
	assert.Equal(t, Idle, fx.ctrl.Status())

	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	assert.Equal(t, Synced, fx.ctrl.Status())
	assert.Equal(t, "stream:movie", fx.player.Source())
	assert.False(t, fx.player.Paused())
	assert.InDelta(t, 20.0, fx.player.CurrentTime(), 1e-9)

	state := fx.ctrl.State()
	assert.Equal(t, "movie", state.VideoURL)
	assert.Equal(t, "stream:movie", state.Source)
	assert.True(t, state.Playing)
	assert.False(t, state.Authoritative)
}

func TestController_ApplyErrors(t *testing.T) {
	fx := newFixture(t, false)

	f, err := model.NewFrame(model.TypeVideoSync, model.VideoSync{Action: model.ActionLoad, VideoURL: "bad://"})
	require.NoError(t, err)
	assert.ErrorIs(t, fx.ctrl.Apply(f), ErrResolve)
	assert.Equal(t, Idle, fx.ctrl.Status())

	f, err = model.NewFrame(model.TypeVideoSync, model.VideoSync{Action: "rewind"})
	require.NoError(t, err)
	assert.ErrorIs(t, fx.ctrl.Apply(f), ErrUnknownAction)

	assert.ErrorIs(t, fx.ctrl.Apply(model.Frame{Type: model.TypeVideoSync}), ErrDecode)
}

func TestController_IgnoresOwnAndHostIgnoresRemote(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "me", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})
	assert.Equal(t, Idle, fx.ctrl.Status(), "own echo ignored")

	host := newFixture(t, true)
	require.NoError(t, host.ctrl.Load("movie"))
	host.apply(t, "someone", model.VideoSync{Action: model.ActionSeek, Timestamp: 99})
	assert.InDelta(t, 0, host.player.CurrentTime(), 1e-9)
}

func TestController_NonHostCannotControl(t *testing.T) {
	fx := newFixture(t, false)
	fx.apply(t, "host", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"})

	assert.ErrorIs(t, fx.ctrl.Play(), ErrNotHost)
	assert.ErrorIs(t, fx.ctrl.Pause(), ErrNotHost)
	assert.ErrorIs(t, fx.ctrl.Seek(3), ErrNotHost)
	assert.ErrorIs(t, fx.ctrl.Load("other"), ErrNotHost)
	assert.Zero(t, fx.sender.count())
}

func TestController_HostEmitsControls(t *testing.T) {
	fx := newFixture(t, true)

	var states []model.PlaybackState
	fx.bus.On(model.EventPlayback, func(ev bus.Event) {
		states = append(states, ev.Payload.(model.PlaybackState))
	})

	assert.ErrorIs(t, fx.ctrl.Play(), ErrNoVideo)
	assert.ErrorIs(t, fx.ctrl.Load(""), ErrEmptyURL)

	require.NoError(t, fx.ctrl.Load("movie"))
	require.NoError(t, fx.ctrl.Play())
	fx.clk.advance(10 * time.Second)
	require.NoError(t, fx.ctrl.Pause())
	require.NoError(t, fx.ctrl.Seek(120))

	assert.Equal(t, []model.VideoSync{
		{Action: model.ActionLoad, VideoURL: "movie"},
		{Action: model.ActionPlay, Timestamp: 0},
		{Action: model.ActionPause, Timestamp: 10},
		{Action: model.ActionSeek, Timestamp: 120},
	}, fx.sender.sent)

	require.Len(t, states, 4)
	assert.True(t, states[3].Authoritative)
	assert.InDelta(t, 120, states[3].CurrentTime, 1e-9)
}

func TestVirtualPlayer(t *testing.T) {
	clk := &clock{t: time.Unix(0, 0)}
	vp := NewVirtualPlayer(clk.now, 10)

	require.NoError(t, vp.Load("src"))
	require.NoError(t, vp.Play())
	clk.advance(3 * time.Second)
	assert.InDelta(t, 3, vp.CurrentTime(), 1e-9)

	vp.Pause()
	clk.advance(time.Hour)
	assert.InDelta(t, 3, vp.CurrentTime(), 1e-9)

	require.NoError(t, vp.Play())
	clk.advance(time.Minute)
	assert.InDelta(t, 10, vp.CurrentTime(), 1e-9, "clamped to duration")

	vp.SetCurrentTime(-5)
	assert.InDelta(t, 0, vp.CurrentTime(), 1e-9)
	assert.Equal(t, 1, vp.Seeks())
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "synced", Synced.String())
	assert.Equal(t, "correcting", Correcting.String())
	assert.Equal(t, "unknown", Status(9).String())
}
