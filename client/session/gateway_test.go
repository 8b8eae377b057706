package session

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/watchparty/client/bus"
	"github.com/adwski/watchparty/client/playback"
	channel "github.com/adwski/watchparty/client/transport/websocket"
	gateway "github.com/adwski/watchparty/gateway/server/websocket"
	"github.com/adwski/watchparty/gateway/service"
	"github.com/adwski/watchparty/gateway/storage/memory"
	sw "github.com/adwski/watchparty/gateway/switch"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func startGateway(t *testing.T) string {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: memory.NewMemStore(0, 0),
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := gateway.NewServer(gateway.Config{Logger: &logger, RoomService: svc})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func joinGateway(t *testing.T, endpoint, userID string) (*Session, *playback.VirtualPlayer) {
	t.Helper()
	logger := zerolog.Nop()
	ch := channel.NewChannel(channel.Config{
		Logger:        &logger,
		Bus:           bus.New(&logger),
		Endpoint:      endpoint + "?name=" + userID,
		ReconnectBase: 5 * time.Millisecond,
	})
	player := playback.NewVirtualPlayer(nil, 0)
	s, err := NewSession(Config{
		Logger:     &logger,
		Transport:  ch,
		RoomID:     "party",
		UserID:     userID,
		Player:     player,
		TypingIdle: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Connect(context.Background()))
	return s, player
}

func TestSession_ThroughGateway(t *testing.T) {
	endpoint := startGateway(t)

	host, _ := joinGateway(t, endpoint, "hank")
	require.Eventually(t, host.IsHost, waitFor, tick)

	guest, guestPlayer := joinGateway(t, endpoint, "gina")
	assert.Eventually(t, func() bool {
		return len(host.Chat().Participants()) == 2 && len(guest.Chat().Participants()) == 2
	}, waitFor, tick)
	assert.False(t, guest.IsHost())

	require.NoError(t, guest.Chat().SendMessage("hello"))
	assert.Eventually(t, func() bool {
		for _, m := range host.Chat().History() {
			if m.Kind == model.KindMessage && m.Content == "hello" && m.AuthorName == "gina" {
				return true
			}
		}
		return false
	}, waitFor, tick)

	guest.Chat().Keystroke()
	assert.Eventually(t, func() bool {
		users := host.Chat().TypingUsers()
		return len(users) == 1 && users[0] == "gina"
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return len(host.Chat().TypingUsers()) == 0
	}, waitFor, tick, "idle typing is cleared")

	assert.ErrorIs(t, guest.Playback().Play(), playback.ErrNotHost)

	require.NoError(t, host.Playback().Load("movie"))
	require.NoError(t, host.Playback().Seek(42))
	require.NoError(t, host.Playback().Play())
	assert.Eventually(t, func() bool {
		st := guest.Playback().State()
		return st.VideoURL == "movie" && st.Playing && guestPlayer.CurrentTime() >= 42
	}, waitFor, tick)
	assert.Eventually(t, func() bool {
		return guest.Room().VideoURL == "movie"
	}, waitFor, tick)

	var msgID string
	for _, m := range host.Chat().History() {
		if m.Content == "hello" {
			msgID = m.ID
		}
	}
	require.NotEmpty(t, msgID)
	require.NoError(t, host.Chat().React(msgID, "🎉"))
	assert.Eventually(t, func() bool {
		for _, m := range guest.Chat().History() {
			if m.ID == msgID {
				r, ok := m.Reactions["🎉"]
				return ok && r.Count == 1
			}
		}
		return false
	}, waitFor, tick)

	require.NoError(t, host.Chat().DeleteMessage(msgID))
	assert.Eventually(t, func() bool {
		for _, m := range guest.Chat().History() {
			if m.ID == msgID {
				return m.Deleted
			}
		}
		return false
	}, waitFor, tick)

	guest.Close()
	assert.Eventually(t, func() bool {
		return len(host.Chat().Participants()) == 1
	}, waitFor, tick)
}

func TestSession_LeaveThenJoinThroughGateway(t *testing.T) {
	endpoint := startGateway(t)

	host, _ := joinGateway(t, endpoint, "hank")
	require.Eventually(t, host.IsHost, waitFor, tick)
	guest, _ := joinGateway(t, endpoint, "gina")
	require.Eventually(t, func() bool {
		return len(host.Chat().Participants()) == 2
	}, waitFor, tick)

	guest.Leave()
	require.Eventually(t, func() bool {
		return len(host.Chat().Participants()) == 1
	}, waitFor, tick)

	guest.Join()
	assert.Eventually(t, func() bool {
		return len(host.Chat().Participants()) == 2
	}, waitFor, tick, "rejoin is visible to the host")

	require.NoError(t, guest.Chat().SendMessage("back"))
	assert.Eventually(t, func() bool {
		for _, m := range host.Chat().History() {
			if m.Kind == model.KindMessage && m.Content == "back" {
				return true
			}
		}
		return false
	}, waitFor, tick)
}

func TestSession_LateJoinerCatchesUp(t *testing.T) {
	endpoint := startGateway(t)

	host, _ := joinGateway(t, endpoint, "hank")
	require.Eventually(t, host.IsHost, waitFor, tick)
	require.NoError(t, host.Playback().Load("movie"))
	require.NoError(t, host.Playback().Seek(42))
	require.NoError(t, host.Playback().Play())
	require.Eventually(t, func() bool {
		return host.Room().VideoURL == "movie"
	}, waitFor, tick)

	guest, player := joinGateway(t, endpoint, "gina")
	assert.Eventually(t, func() bool {
		st := guest.Playback().State()
		return st.VideoURL == "movie" && st.Playing && player.CurrentTime() >= 42 && st.Sync == "synced"
	}, waitFor, tick)
	assert.Equal(t, "movie", guest.Room().VideoURL)
	assert.Equal(t, playback.Synced, guest.Playback().Status())
}
