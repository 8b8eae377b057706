package memory

import (
	"testing"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_FirstMemberIsHost(t *testing.T) {
	ms := NewMemStore(0, 0)
	now := time.Now()

	host, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "a", Username: "ann", JoinedAt: now})
	require.NoError(t, err)
	assert.True(t, host.IsHost)

	guest, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "b", Username: "bob", JoinedAt: now.Add(time.Second)})
	require.NoError(t, err)
	assert.False(t, guest.IsHost)

	again, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "a"})
	require.NoError(t, err)
	assert.True(t, again.IsHost)
	assert.Equal(t, "ann", again.Username, "profile survives rejoin")
	assert.Equal(t, now, again.JoinedAt)

	room, err := ms.GetRoom("r1")
	require.NoError(t, err)
	assert.Equal(t, "a", room.HostID)

	_, err = ms.CreateOrJoinRoom("r1", model.Participant{})
	assert.ErrorIs(t, err, ErrEmptyUserID)
}

func TestMemStore_HostHandover(t *testing.T) {
	ms := NewMemStore(0, 0)
	now := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		_, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: id, JoinedAt: now.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}

	dep, err := ms.LeaveRoom("r1", "b")
	require.NoError(t, err)
	assert.Nil(t, dep.NewHost)
	assert.Equal(t, "a", dep.Room.HostID)

	dep, err = ms.LeaveRoom("r1", "a")
	require.NoError(t, err)
	require.NotNil(t, dep.NewHost)
	assert.Equal(t, "c", dep.NewHost.ID)
	assert.Equal(t, "c", dep.Room.HostID)

	c, err := ms.Member("r1", "c")
	require.NoError(t, err)
	assert.True(t, c.IsHost)

	_, err = ms.LeaveRoom("r1", "a")
	assert.ErrorIs(t, err, ErrParticipantNotFound)

	dep, err = ms.LeaveRoom("r1", "c")
	require.NoError(t, err)
	assert.Nil(t, dep.NewHost)
	assert.Empty(t, dep.Room.HostID)

	next, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "d"})
	require.NoError(t, err)
	assert.True(t, next.IsHost, "empty room hands host to the next arrival")
}

func TestMemStore_Capacity(t *testing.T) {
	ms := NewMemStore(2, 0)
	_, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "a"})
	require.NoError(t, err)
	_, err = ms.CreateOrJoinRoom("r1", model.Participant{ID: "b"})
	require.NoError(t, err)
	_, err = ms.CreateOrJoinRoom("r1", model.Participant{ID: "c"})
	assert.ErrorIs(t, err, ErrRoomIsFull)
	_, err = ms.CreateOrJoinRoom("r1", model.Participant{ID: "b"})
	assert.NoError(t, err, "members can rejoin a full room")
}

func TestMemStore_CreateAndJoin(t *testing.T) {
	ms := NewMemStore(0, 0)

	room, err := ms.CreateRoom(model.Room{Name: "movie night", VideoURL: "v", HostID: "ignored"})
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Empty(t, room.HostID)

	_, err = ms.CreateRoom(model.Room{ID: room.ID})
	assert.ErrorIs(t, err, ErrRoomExists)

	_, err = ms.JoinRoom("missing", model.Participant{ID: "a"})
	assert.ErrorIs(t, err, ErrRoomNotFound)

	p, err := ms.JoinRoom(room.ID, model.Participant{ID: "a"})
	require.NoError(t, err)
	assert.True(t, p.IsHost)
	assert.False(t, p.IsOnline)

	_, err = ms.JoinRoom(room.ID, model.Participant{ID: "a", IsOnline: true})
	require.NoError(t, err)
	_, err = ms.JoinRoom(room.ID, model.Participant{ID: "a"})
	require.NoError(t, err)
	list, err := ms.Participants(room.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].IsOnline)

	room, err = ms.SetVideo(room.ID, "other")
	require.NoError(t, err)
	assert.Equal(t, "other", room.VideoURL)
}

func TestMemStore_Messages(t *testing.T) {
	ms := NewMemStore(0, 3)
	_, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "a"})
	require.NoError(t, err)

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, ms.AppendMessage("r1", model.ChatPayload{ID: id, Message: id}))
	}
	assert.ErrorIs(t, ms.AppendMessage("nope", model.ChatPayload{}), ErrRoomNotFound)

	msgs, err := ms.Messages("r1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3", "m4"}, ids(msgs), "oldest evicted")

	_, err = ms.Message("r1", "m1")
	assert.ErrorIs(t, err, ErrMessageNotFound)

	require.NoError(t, ms.DeleteMessage("r1", "m3"))
	assert.ErrorIs(t, ms.DeleteMessage("r1", "m3"), ErrMessageNotFound)

	msgs, err = ms.Messages("r1", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4"}, ids(msgs))

	msgs, err = ms.Messages("r1", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m4"}, ids(msgs))
}

func TestMemStore_PlaybackMark(t *testing.T) {
	ms := NewMemStore(0, 0)
	_, err := ms.CreateOrJoinRoom("r1", model.Participant{ID: "a"})
	require.NoError(t, err)

	_, ok, err := ms.Playback("r1")
	require.NoError(t, err)
	assert.False(t, ok, "nothing loaded yet")

	_, err = ms.SetVideo("r1", "movie")
	require.NoError(t, err)
	require.NoError(t, ms.MarkPlayback("r1", model.VideoSync{Action: model.ActionLoad, VideoURL: "movie"}))
	vs, ok, err := ms.Playback("r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.VideoSync{Action: model.ActionPause}, vs)

	require.NoError(t, ms.MarkPlayback("r1", model.VideoSync{Action: model.ActionPlay, Timestamp: 42}))
	require.NoError(t, ms.MarkPlayback("r1", model.VideoSync{Action: model.ActionSeek, Timestamp: 100}))
	vs, _, err = ms.Playback("r1")
	require.NoError(t, err)
	assert.Equal(t, model.ActionPlay, vs.Action, "seek keeps playing")
	assert.GreaterOrEqual(t, vs.Timestamp, 100.0)
	assert.Less(t, vs.Timestamp, 101.0)

	cur := 7.5
	require.NoError(t, ms.MarkPlayback("r1", model.VideoSync{Action: model.ActionPause, Timestamp: 1, CurrentTime: &cur}))
	vs, _, err = ms.Playback("r1")
	require.NoError(t, err)
	assert.Equal(t, model.VideoSync{Action: model.ActionPause, Timestamp: 7.5}, vs)

	assert.ErrorIs(t, ms.MarkPlayback("nope", model.VideoSync{}), ErrRoomNotFound)
	_, _, err = ms.Playback("nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func ids(msgs []model.ChatPayload) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}
