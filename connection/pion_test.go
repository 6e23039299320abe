package connection_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yixinin/pairup/connection"
	"github.com/yixinin/pairup/proto"
	"github.com/yixinin/pairup/relay"
)

func hasUsableInterface() bool {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			return true
		}
	}
	return false
}

// Real pion connections over host candidates only.
func TestPionHandshake(t *testing.T) {
	if testing.Short() || !hasUsableInterface() {
		t.Skip("needs a non loopback interface")
	}
	ctx := context.Background()
	store := relay.NewMemoryStore()

	a, err := connection.NewPionConn(nil, webrtc.Configuration{})
	require.NoError(t, err)
	b, err := connection.NewPionConn(nil, webrtc.Configuration{})
	require.NoError(t, err)

	raw, err := a.CreateDataChannel(proto.DefaultDataLabel, nil)
	require.NoError(t, err)
	local := connection.NewDataChannel(raw)
	remote := make(chan *connection.DataChannel, 1)
	b.OnDataChannel(func(dc connection.RawChannel) {
		remote <- connection.NewDataChannel(dc)
	})

	initRelay := relay.NewClient(store)
	respRelay := relay.NewClient(store)
	ini := connection.NewMachine(proto.Initiator, a, initRelay)
	resp := connection.NewMachine(proto.Responder, b, respRelay)
	defer func() {
		initRelay.Close()
		respRelay.Close()
		ini.Close()
		resp.Close()
	}()
	require.NoError(t, initRelay.Init(ctx, "pion", proto.Initiator, ini.Handle))
	require.NoError(t, respRelay.Init(ctx, "pion", proto.Responder, resp.Handle))
	require.NoError(t, resp.Start(ctx))

	require.Eventually(t, func() bool {
		return ini.State() == connection.Connected && resp.State() == connection.Connected
	}, 15*time.Second, 10*time.Millisecond)

	var peer *connection.DataChannel
	select {
	case peer = <-remote:
	case <-time.After(10 * time.Second):
		t.Fatal("no inbound channel")
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, local.WaitOpen(waitCtx))

	got := make(chan connection.Payload, 1)
	peer.OnMessage(func(p connection.Payload) { got <- p })
	require.NoError(t, local.Send(map[string]any{"type": "ping"}))
	select {
	case p := <-got:
		v, err := p.Value()
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"type": "ping"}, v)
	case <-time.After(10 * time.Second):
		t.Fatal("nothing received")
	}
}
