package remotekit

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"
)

// TunnelConfig describes one port forward over an SSH connection.
//
// A forward tunnel listens on LocalPort and pipes each accepted
// connection to RemoteHost:RemotePort through the SSH transport. A
// reverse tunnel listens on the remote side at RemotePort and pipes
// accepted connections back to 127.0.0.1:LocalPort.
type TunnelConfig struct {
	LocalPort  int
	RemoteHost string
	RemotePort int

	// BindAddress defaults to 127.0.0.1 for forward tunnels and
	// 0.0.0.0 for reverse tunnels.
	BindAddress string
	Reverse     bool
}

type tunnel struct {
	config   TunnelConfig
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group

	closeOnce sync.Once
}

func (t *tunnel) close() {
	t.closeOnce.Do(func() {
		t.cancel()
		t.listener.Close()
		_ = t.group.Wait()
	})
}

// CreateTunnel opens a tunnel on the referenced connection. Tunnels are
// keyed by local port; a second tunnel on the same port fails. All
// tunnels are closed when the connection is released.
func (m *SSHManager) CreateTunnel(ctx context.Context, connID string, cfg TunnelConfig) error {
	conn, err := m.get(connID)
	if err != nil {
		return err
	}
	client, err := m.ensureAlive(ctx, conn)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	if _, exists := conn.tunnels[cfg.LocalPort]; exists {
		conn.mu.Unlock()
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("tunnel already bound to local port %d", cfg.LocalPort),
		}
	}
	conn.mu.Unlock()

	var listener net.Listener
	if cfg.Reverse {
		bind := cfg.BindAddress
		if bind == "" {
			bind = "0.0.0.0"
		}
		listener, err = client.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(cfg.RemotePort)))
	} else {
		bind := cfg.BindAddress
		if bind == "" {
			bind = "127.0.0.1"
		}
		listener, err = net.Listen("tcp", net.JoinHostPort(bind, strconv.Itoa(cfg.LocalPort)))
	}
	if err != nil {
		return &ClientError{Type: ErrorTypeNetwork, Message: "open tunnel listener", Cause: err}
	}

	tunnelCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(tunnelCtx)
	t := &tunnel{config: cfg, listener: listener, cancel: cancel, group: group}

	group.Go(func() error {
		for {
			accepted, err := listener.Accept()
			if err != nil {
				// Listener closed during teardown.
				if groupCtx.Err() != nil {
					return nil
				}
				return err
			}
			group.Go(func() error {
				return m.pipe(groupCtx, client, accepted, cfg)
			})
		}
	})

	conn.mu.Lock()
	if _, exists := conn.tunnels[cfg.LocalPort]; exists {
		conn.mu.Unlock()
		t.close()
		return &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("tunnel already bound to local port %d", cfg.LocalPort),
		}
	}
	conn.tunnels[cfg.LocalPort] = t
	conn.mu.Unlock()

	m.debugLog("tunnel opened", "id", conn.id, "local", cfg.LocalPort, "remote", cfg.RemotePort, "reverse", cfg.Reverse)
	return nil
}

// CloseTunnel tears down the tunnel bound to localPort. Closing an
// unknown tunnel is a no-op.
func (m *SSHManager) CloseTunnel(connID string, localPort int) {
	conn, err := m.get(connID)
	if err != nil {
		return
	}

	conn.mu.Lock()
	t, ok := conn.tunnels[localPort]
	if ok {
		delete(conn.tunnels, localPort)
	}
	conn.mu.Unlock()

	if ok {
		t.close()
		m.debugLog("tunnel closed", "id", conn.id, "local", localPort)
	}
}

// pipe splices one accepted connection with its peer on the other side
// of the SSH transport.
func (m *SSHManager) pipe(ctx context.Context, client sshDialer, accepted net.Conn, cfg TunnelConfig) error {
	defer accepted.Close()

	var peer net.Conn
	var err error
	if cfg.Reverse {
		dialer := net.Dialer{}
		peer, err = dialer.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.LocalPort)))
	} else {
		peer, err = client.Dial("tcp", net.JoinHostPort(cfg.RemoteHost, strconv.Itoa(cfg.RemotePort)))
	}
	if err != nil {
		return nil
	}
	defer peer.Close()

	done := make(chan struct{}, 2)
	copyHalf := func(dst, src net.Conn) {
		_, _ = io.Copy(dst, src)
		done <- struct{}{}
	}
	go copyHalf(peer, accepted)
	go copyHalf(accepted, peer)

	// Either half finishing or teardown ends the splice; closing both
	// ends unblocks the remaining copy.
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

// sshDialer is the part of *ssh.Client the tunnel plumbing needs.
type sshDialer interface {
	Dial(network, addr string) (net.Conn, error)
}
