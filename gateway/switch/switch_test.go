package _switch

import (
	"context"
	"testing"
	"time"

	"github.com/adwski/watchparty/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSwitch() *Switch {
	logger := zerolog.Nop()
	sw := NewSwitch(&logger)
	sw.timeout = 20 * time.Millisecond
	return sw
}

func TestSwitch_BroadcastSkipsSender(t *testing.T) {
	sw := newTestSwitch()
	a, b, c := model.NewWire(), model.NewWire(), model.NewWire()
	sw.Connect("r1", "a", a)
	sw.Connect("r1", "b", b)
	sw.Connect("r2", "c", c)

	f := model.Frame{Type: model.TypeTyping}
	assert.Equal(t, 1, sw.Broadcast(context.Background(), f, "r1", "a"))
	assert.Equal(t, 2, sw.Broadcast(context.Background(), f, "r1", ""))

	assert.Len(t, a.TX, 1)
	assert.Len(t, b.TX, 2)
	assert.Empty(t, c.TX, "other rooms are isolated")
}

func TestSwitch_Unicast(t *testing.T) {
	sw := newTestSwitch()
	a := model.NewWire()
	sw.Connect("r1", "a", a)

	assert.True(t, sw.Unicast(context.Background(), model.Frame{Type: model.TypePong}, "r1", "a"))
	assert.False(t, sw.Unicast(context.Background(), model.Frame{Type: model.TypePong}, "r1", "x"))

	got := <-a.TX
	assert.Equal(t, model.TypePong, got.Type)
}

func TestSwitch_DeadEndpointTimesOut(t *testing.T) {
	sw := newTestSwitch()
	dead := model.Wire{RX: make(chan model.Frame), TX: make(chan model.Frame)}
	sw.Connect("r1", "dead", dead)

	start := time.Now()
	assert.Equal(t, 0, sw.Broadcast(context.Background(), model.Frame{Type: model.TypeTyping}, "r1", ""))
	assert.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sw.Unicast(ctx, model.Frame{Type: model.TypePong}, "r1", "dead"))
}

func TestSwitch_DisconnectIgnoresStaleWire(t *testing.T) {
	sw := newTestSwitch()
	old, replacement := model.NewWire(), model.NewWire()
	sw.Connect("r1", "a", old)
	sw.Connect("r1", "a", replacement)

	assert.False(t, sw.Disconnect("r1", "a", old))
	require.True(t, sw.Connected("r1", "a"))

	assert.True(t, sw.Disconnect("r1", "a", replacement))
	assert.False(t, sw.Connected("r1", "a"))
	assert.False(t, sw.Disconnect("r1", "a", replacement))
}
