package eventbus

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestServeConnStreamsEventsOverPipe(t *testing.T) {
	b := New(zap.NewNop())
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	wsServer := NewPipeConn("server", serverConn)
	closeCh := make(chan struct{})
	defer close(closeCh)

	go ServeConn(b, wsServer, closeCh, zap.NewNop())

	wsClient := NewPipeConn("client", clientConn)
	_ = clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))

	// First frame is the init snapshot.
	_, payload, err := wsClient.ReadMessage()
	require.NoError(t, err)
	var initEv Event
	require.NoError(t, json.Unmarshal(payload, &initEv))
	require.Equal(t, Init, initEv.Type)

	b.Publish(Event{Type: RunCompleted, RunID: "r9"})

	_, payload, err = wsClient.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(payload, &ev))
	require.Equal(t, RunCompleted, ev.Type)
	require.Equal(t, "r9", ev.RunID)
}
