package ws

import (
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eagine-msgbus/go-msgbus/pkg/msgbus"
)

func freeListenAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestAcceptorAndConnectionRoundTrip(t *testing.T) {
	addr := freeListenAddr(t)
	log := zerolog.Nop()

	acceptor := NewAcceptor(addr, "/msgbus", 0, log)
	require.NoError(t, acceptor.Serve())
	defer acceptor.Close()

	time.Sleep(20 * time.Millisecond) // let the listener bind

	clientSock, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/msgbus", nil)
	require.NoError(t, err)
	client := Wrap(clientSock, 0, log)
	defer client.Cleanup()

	var server *Connection
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && server == nil {
		acceptor.ProcessAccepted(func(conn msgbus.Connection) {
			server = conn.(*Connection)
		})
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, server, "acceptor never handed over the accepted connection")
	defer server.Cleanup()

	id := msgbus.MessageID{Class: "app", Method: "greet"}
	require.True(t, client.Send(id, msgbus.Message{Content: []byte("hello")}))

	var got []byte
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) && got == nil {
		server.FetchMessages(func(gotID msgbus.MessageID, age int8, view msgbus.Message) bool {
			if gotID == id {
				got = view.Content
			}
			return true
		})
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, []byte("hello"), got)
}

func TestConnectionReportsKindAndTypeID(t *testing.T) {
	addr := freeListenAddr(t)
	log := zerolog.Nop()
	acceptor := NewAcceptor(addr, "/msgbus", 0, log)
	require.NoError(t, acceptor.Serve())
	defer acceptor.Close()
	time.Sleep(20 * time.Millisecond)

	clientSock, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/msgbus", nil)
	require.NoError(t, err)
	client := Wrap(clientSock, 0, log)
	defer client.Cleanup()

	assert.Equal(t, msgbus.ConnRemoteInterprocess, client.Kind())
	assert.Equal(t, "websocket", client.TypeID())
	assert.GreaterOrEqual(t, client.MaxDataSize(), msgbus.MinConnectionDataSize)
}
