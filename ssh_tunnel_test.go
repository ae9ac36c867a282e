package remotekit

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startEchoServer runs a line-echo TCP server standing in for the remote
// service behind the tunnel.
func startEchoServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				scanner := bufio.NewScanner(c)
				for scanner.Scan() {
					fmt.Fprintf(c, "echo:%s\n", scanner.Text())
				}
			}(conn)
		}
	}()

	return ln.Addr().String()
}

// freePort grabs an ephemeral port for the tunnel listener.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port := splitTestAddr(ln.Addr().String())
	ln.Close()
	return port
}

func TestForwardTunnelRoundTrip(t *testing.T) {
	srv := startSSHServer(t, "deploy", "hunter2")
	echoAddr := startEchoServer(t)
	echoHost, echoPort := splitTestAddr(echoAddr)

	manager := NewSSHManager()
	defer manager.DisconnectAll()

	conn, err := manager.Connect(context.Background(), testConfig(srv))
	require.NoError(t, err)

	localPort := freePort(t)
	err = manager.CreateTunnel(context.Background(), conn.ID(), TunnelConfig{
		LocalPort:  localPort,
		RemoteHost: echoHost,
		RemotePort: echoPort,
	})
	require.NoError(t, err)

	client, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 5*time.Second)
	require.NoError(t, err)
	defer client.Close()

	fmt.Fprintln(client, "ping")
	reply, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:ping\n", reply)
}

func TestTunnelDuplicateLocalPort(t *testing.T) {
	srv := startSSHServer(t, "deploy", "hunter2")
	manager := NewSSHManager()
	defer manager.DisconnectAll()

	conn, err := manager.Connect(context.Background(), testConfig(srv))
	require.NoError(t, err)

	localPort := freePort(t)
	cfg := TunnelConfig{LocalPort: localPort, RemoteHost: "127.0.0.1", RemotePort: 80}
	require.NoError(t, manager.CreateTunnel(context.Background(), conn.ID(), cfg))

	err = manager.CreateTunnel(context.Background(), conn.ID(), cfg)
	require.Error(t, err)
	var clientErr *ClientError
	require.ErrorAs(t, err, &clientErr)
	assert.Equal(t, ErrorTypeValidation, clientErr.Type)
}

func TestCloseTunnelStopsListener(t *testing.T) {
	srv := startSSHServer(t, "deploy", "hunter2")
	manager := NewSSHManager()
	defer manager.DisconnectAll()

	conn, err := manager.Connect(context.Background(), testConfig(srv))
	require.NoError(t, err)

	localPort := freePort(t)
	require.NoError(t, manager.CreateTunnel(context.Background(), conn.ID(), TunnelConfig{
		LocalPort:  localPort,
		RemoteHost: "127.0.0.1",
		RemotePort: 80,
	}))

	manager.CloseTunnel(conn.ID(), localPort)
	// idempotent
	manager.CloseTunnel(conn.ID(), localPort)

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 200*time.Millisecond)
	assert.Error(t, err, "closed tunnel should not accept connections")
}

func TestDisconnectTearsDownTunnels(t *testing.T) {
	srv := startSSHServer(t, "deploy", "hunter2")
	manager := NewSSHManager()
	defer manager.DisconnectAll()

	conn, err := manager.Connect(context.Background(), testConfig(srv))
	require.NoError(t, err)

	localPort := freePort(t)
	require.NoError(t, manager.CreateTunnel(context.Background(), conn.ID(), TunnelConfig{
		LocalPort:  localPort,
		RemoteHost: "127.0.0.1",
		RemotePort: 80,
	}))

	manager.Disconnect(conn.ID())

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", localPort), 200*time.Millisecond)
	assert.Error(t, err, "tunnels should close with their connection")
}
