package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/adwski/watchparty/client/api"
	"github.com/adwski/watchparty/gateway/service"
	"github.com/adwski/watchparty/gateway/storage/memory"
	sw "github.com/adwski/watchparty/gateway/switch"
	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAPI(t *testing.T, token string, store *memory.MemStore) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	svc := service.NewService(service.Config{
		RoomStore: store,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	srv := NewServer(Config{Logger: &logger, RoomService: svc, Token: token})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestServer_RoomLifecycleThroughClient(t *testing.T) {
	store := memory.NewMemStore(2, 0)
	ts := newTestAPI(t, "secret", store)
	logger := zerolog.Nop()
	c := api.NewClient(api.Config{
		Logger:  &logger,
		CoreURL: ts.URL,
		Token:   func() string { return "secret" },
	})
	ctx := context.Background()

	room, err := c.CreateRoom(ctx, api.CreateRoomRequest{Name: "friday", HostID: "h", Username: "hank"})
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Equal(t, "h", room.HostID)

	got, err := c.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room, got)

	p, err := c.JoinRoom(ctx, room.ID, api.JoinRoomRequest{UserID: "g", Username: "gina"})
	require.NoError(t, err)
	assert.Equal(t, "gina", p.Username)
	assert.False(t, p.IsHost)

	_, err = c.JoinRoom(ctx, room.ID, api.JoinRoomRequest{UserID: "x"})
	var serr *api.StatusError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusConflict, serr.Code)

	list, err := c.Participants(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "h", list[0].ID)

	require.NoError(t, store.AppendMessage(room.ID, model.ChatPayload{ID: "m1", Message: "one"}))
	require.NoError(t, store.AppendMessage(room.ID, model.ChatPayload{ID: "m2", Message: "two"}))
	msgs, err := c.ChatHistory(ctx, room.ID, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].ID)

	_, err = c.GetRoom(ctx, "missing")
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, http.StatusNotFound, serr.Code)
}

func TestServer_Auth(t *testing.T) {
	ts := newTestAPI(t, "secret", memory.NewMemStore(0, 0))
	logger := zerolog.Nop()

	var signedOut bool
	c := api.NewClient(api.Config{
		Logger:         &logger,
		CoreURL:        ts.URL,
		OnUnauthorized: func() { signedOut = true },
	})
	_, err := c.CreateRoom(context.Background(), api.CreateRoomRequest{HostID: "h"})
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	assert.True(t, signedOut)
}

func TestServer_BadRequests(t *testing.T) {
	ts := newTestAPI(t, "", memory.NewMemStore(0, 0))

	resp, err := http.Post(ts.URL+"/api/rooms", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/rooms/r1/messages?limit=zero")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rooms", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
