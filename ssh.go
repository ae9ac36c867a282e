package remotekit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// SSHConnectionConfig describes one target host and the credentials used
// to reach it. Auth methods are tried in order: agent, private key,
// password.
type SSHConnectionConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Signer   ssh.Signer
	Agent    agent.Agent

	// HostKeyCallback defaults to the manager's callback when nil.
	HostKeyCallback ssh.HostKeyCallback
	DialTimeout     time.Duration

	// AutoReconnect lets the pool redial with the original credentials
	// when an operation finds the connection dead.
	AutoReconnect        bool
	MaxReconnectAttempts int
}

func (c SSHConnectionConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// authFingerprint condenses the credential material into a stable value
// so pooled reuse can be keyed on (host, port, user, auth) without
// comparing live objects.
func (c SSHConnectionConfig) authFingerprint() string {
	h := sha256.New()
	if c.Agent != nil {
		h.Write([]byte("agent"))
	}
	if c.Signer != nil {
		h.Write([]byte("key:"))
		h.Write(c.Signer.PublicKey().Marshal())
	}
	if c.Password != "" {
		h.Write([]byte("password:"))
		h.Write([]byte(c.Password))
	}
	return hex.EncodeToString(h.Sum(nil)[:12])
}

func (c SSHConnectionConfig) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if c.Agent != nil {
		methods = append(methods, ssh.PublicKeysCallback(c.Agent.Signers))
	}
	if c.Signer != nil {
		methods = append(methods, ssh.PublicKeys(c.Signer))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// poolKey identifies a reusable connection.
type poolKey struct {
	host   string
	port   int
	user   string
	authFP string
}

// CommandResult carries one remote command's complete output.
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// SSHConnection is one pooled connection. Identity (the id) is preserved
// across reference-counted reuse and auto-reconnects.
type SSHConnection struct {
	id     string
	config SSHConnectionConfig
	key    poolKey

	mu      sync.Mutex
	client  *ssh.Client
	alive   bool
	refs    int
	tunnels map[int]*tunnel

	ready   chan struct{}
	dialErr error
}

// ID returns the connection identity assigned by the pool.
func (c *SSHConnection) ID() string { return c.id }

// Host returns the remote host this connection targets.
func (c *SSHConnection) Host() string { return c.config.Host }

// User returns the authenticated username.
func (c *SSHConnection) User() string { return c.config.User }

// IsAlive reports the last known liveness without probing.
func (c *SSHConnection) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// SSHManager maintains at most perHostLimit live connections per remote
// host and hands out pooled connections keyed by (host, port, user,
// auth). Safe for concurrent use.
type SSHManager struct {
	mu    sync.Mutex
	byID  map[string]*SSHConnection
	byKey map[poolKey]*SSHConnection

	perHostLimit    int
	dialTimeout     time.Duration
	hostKeyCallback ssh.HostKeyCallback

	metrics *MetricsCollector
	logger  Logger
	debug   *DebugConfig
}

// DefaultPerHostLimit bounds live connections per remote host.
const DefaultPerHostLimit = 5

// NewSSHManager constructs a connection pool with the provided options.
func NewSSHManager(options ...SSHOption) *SSHManager {
	m := &SSHManager{
		byID:         make(map[string]*SSHConnection),
		byKey:        make(map[poolKey]*SSHConnection),
		perHostLimit: DefaultPerHostLimit,
		dialTimeout:  10 * time.Second,
		// TODO: accept a known_hosts file here once the app ships one
		hostKeyCallback: ssh.InsecureIgnoreHostKey(),
		debug:           DefaultDebugConfig(),
	}
	for _, option := range options {
		option(m)
	}
	return m
}

// WithPerHostLimit sets the live-connection limit per remote host.
func WithPerHostLimit(n int) SSHOption {
	return func(m *SSHManager) {
		if n > 0 {
			m.perHostLimit = n
		}
	}
}

// WithSSHDialTimeout sets the TCP+handshake timeout for new connections.
func WithSSHDialTimeout(d time.Duration) SSHOption {
	return func(m *SSHManager) {
		if d > 0 {
			m.dialTimeout = d
		}
	}
}

// WithHostKeyCallback sets the host key verification policy for all
// connections that do not carry their own.
func WithHostKeyCallback(cb ssh.HostKeyCallback) SSHOption {
	return func(m *SSHManager) {
		if cb != nil {
			m.hostKeyCallback = cb
		}
	}
}

// WithSSHMetrics sets the metrics collector.
func WithSSHMetrics(mc *MetricsCollector) SSHOption {
	return func(m *SSHManager) {
		m.metrics = mc
	}
}

// WithSSHLogger sets the logger and enables SSH debug logging.
func WithSSHLogger(logger Logger) SSHOption {
	return func(m *SSHManager) {
		m.logger = logger
		m.debug.Enabled = true
	}
}

// Connect returns a live connection for cfg, reusing an existing one
// when (host, port, user, auth) match. A reused connection keeps its
// identity; its reference count grows by one. When the per-host limit
// is reached the call fails with a ConnectionLimit error.
func (m *SSHManager) Connect(ctx context.Context, cfg SSHConnectionConfig) (*SSHConnection, error) {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = m.dialTimeout
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = m.hostKeyCallback
	}
	if len(cfg.authMethods()) == 0 {
		return nil, &ClientError{
			Type:    ErrorTypeValidation,
			Message: fmt.Sprintf("no authentication method configured for %s", cfg.addr()),
		}
	}

	key := poolKey{host: cfg.Host, port: cfg.Port, user: cfg.User, authFP: cfg.authFingerprint()}

	m.mu.Lock()
	for {
		existing, ok := m.byKey[key]
		if !ok {
			break
		}
		m.mu.Unlock()
		conn, err := m.join(ctx, existing)
		if err == nil || ctx.Err() != nil {
			return conn, err
		}
		// Stale dead entry: drop it and dial fresh.
		m.remove(existing)
		m.mu.Lock()
	}

	if m.liveCountForHostLocked(cfg.Host) >= m.perHostLimit {
		m.mu.Unlock()
		m.debugLog("connection limit reached", "host", cfg.Host, "limit", m.perHostLimit)
		return nil, &ClientError{
			Type:    ErrorTypeConnectionLimit,
			Message: fmt.Sprintf("per-host connection limit (%d) reached for %s", m.perHostLimit, cfg.Host),
		}
	}

	// Reserve the slot before dialing so concurrent connects cannot
	// exceed the limit; joiners wait on ready.
	conn := &SSHConnection{
		id:      uuid.NewString(),
		config:  cfg,
		key:     key,
		refs:    1,
		tunnels: make(map[int]*tunnel),
		ready:   make(chan struct{}),
	}
	m.byKey[key] = conn
	m.byID[conn.id] = conn
	m.mu.Unlock()

	client, err := m.dial(ctx, cfg)

	conn.mu.Lock()
	if err == nil {
		conn.client = client
		conn.alive = true
	} else {
		conn.dialErr = err
	}
	close(conn.ready)
	conn.mu.Unlock()

	if err != nil {
		m.remove(conn)
		return nil, &ClientError{
			Type:    ErrorTypeNetwork,
			Message: fmt.Sprintf("dial %s", cfg.addr()),
			Cause:   err,
		}
	}

	m.recordPoolSize(cfg.Host)
	m.debugLog("ssh connection established", "id", conn.id, "addr", cfg.addr(), "user", cfg.User)
	return conn, nil
}

// join attaches a caller to an existing (possibly still dialing) pooled
// connection.
func (m *SSHManager) join(ctx context.Context, conn *SSHConnection) (*SSHConnection, error) {
	select {
	case <-conn.ready:
	case <-ctx.Done():
		return nil, cancellationError(ctx)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.dialErr != nil || !conn.alive {
		return nil, &ClientError{
			Type:    ErrorTypeNetwork,
			Message: "pooled connection is not usable",
			Cause:   conn.dialErr,
		}
	}
	conn.refs++
	return conn, nil
}

func (m *SSHManager) dial(ctx context.Context, cfg SSHConnectionConfig) (*ssh.Client, error) {
	sshCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            cfg.authMethods(),
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: cfg.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", cfg.addr())
	if err != nil {
		return nil, err
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, cfg.addr(), sshCfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// ExecuteCommand runs command on the referenced connection. Concurrent
// commands on one connection each open their own channel and complete
// independently. A zero timeout means no deadline beyond ctx.
func (m *SSHManager) ExecuteCommand(ctx context.Context, connID, command string, timeout time.Duration) (*CommandResult, error) {
	conn, err := m.get(connID)
	if err != nil {
		return nil, err
	}
	client, err := m.ensureAlive(ctx, conn)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		m.markDead(conn)
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "open session", Cause: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(command); err != nil {
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "start command", Cause: err}
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- session.Wait() }()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		result := &CommandResult{
			Stdout: stdout.String(),
			Stderr: stderr.String(),
		}
		if err != nil {
			var exitErr *ssh.ExitError
			if !errors.As(err, &exitErr) {
				m.metrics.RecordSSHCommand(conn.config.Host, "error")
				return nil, &ClientError{Type: ErrorTypeNetwork, Message: "command transport failed", Cause: err}
			}
			result.ExitCode = exitErr.ExitStatus()
		}
		m.metrics.RecordSSHCommand(conn.config.Host, "ok")
		return result, nil

	case <-deadline:
		// Ask the remote process to stop; closing the session tears
		// down the channel even when the server ignores the signal.
		_ = session.Signal(ssh.SIGKILL)
		m.metrics.RecordSSHCommand(conn.config.Host, "timeout")
		return nil, &ClientError{
			Type:    ErrorTypeCommandTimeout,
			Message: fmt.Sprintf("command exceeded %v", timeout),
		}

	case <-ctx.Done():
		return nil, cancellationError(ctx)
	}
}

// CheckConnectionHealth probes the referenced connection with a
// keepalive request. It updates the liveness flag but never triggers
// reconnection by itself.
func (m *SSHManager) CheckConnectionHealth(connID string) bool {
	conn, err := m.get(connID)
	if err != nil {
		return false
	}

	conn.mu.Lock()
	client := conn.client
	alive := conn.alive
	conn.mu.Unlock()
	if !alive || client == nil {
		return false
	}

	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		m.markDead(conn)
		return false
	}
	return true
}

// ensureAlive returns the live transport for conn, redialing when
// auto-reconnect is enabled and the connection is dead.
func (m *SSHManager) ensureAlive(ctx context.Context, conn *SSHConnection) (*ssh.Client, error) {
	conn.mu.Lock()
	if conn.alive && conn.client != nil {
		client := conn.client
		conn.mu.Unlock()
		return client, nil
	}
	cfg := conn.config
	conn.mu.Unlock()

	if !cfg.AutoReconnect {
		return nil, &ClientError{Type: ErrorTypeNetwork, Message: "connection is dead"}
	}

	attempts := cfg.MaxReconnectAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return nil, cancellationError(ctx)
		}
		client, err := m.dial(ctx, cfg)
		if err == nil {
			conn.mu.Lock()
			if conn.alive && conn.client != nil {
				// another caller reconnected first
				existing := conn.client
				conn.mu.Unlock()
				client.Close()
				return existing, nil
			}
			conn.client = client
			conn.alive = true
			conn.mu.Unlock()
			m.debugLog("ssh connection re-established", "id", conn.id, "attempt", attempt+1)
			return client, nil
		}
		lastErr = err
		m.debugLog("ssh reconnect failed", "id", conn.id, "attempt", attempt+1, "error", err.Error())
	}

	return nil, &ClientError{
		Type:    ErrorTypeNetwork,
		Message: fmt.Sprintf("reconnect failed after %d attempts", attempts),
		Cause:   lastErr,
	}
}

// Disconnect releases one reference to the connection; the last release
// closes the transport and every tunnel bound to it. Calls for unknown
// or already-released ids are no-ops.
func (m *SSHManager) Disconnect(connID string) {
	conn, err := m.get(connID)
	if err != nil {
		return
	}

	conn.mu.Lock()
	conn.refs--
	lastRef := conn.refs <= 0
	conn.mu.Unlock()

	if lastRef {
		m.teardown(conn)
	}
}

// DisconnectAll force-closes every pooled connection regardless of
// reference counts. Idempotent.
func (m *SSHManager) DisconnectAll() {
	m.mu.Lock()
	conns := make([]*SSHConnection, 0, len(m.byID))
	for _, conn := range m.byID {
		conns = append(conns, conn)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		m.teardown(conn)
	}
}

// LiveConnections reports the number of live pooled connections for host.
func (m *SSHManager) LiveConnections(host string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.liveCountForHostLocked(host)
}

func (m *SSHManager) liveCountForHostLocked(host string) int {
	n := 0
	for _, conn := range m.byKey {
		if conn.config.Host == host {
			n++
		}
	}
	return n
}

func (m *SSHManager) teardown(conn *SSHConnection) {
	conn.mu.Lock()
	tunnels := conn.tunnels
	conn.tunnels = make(map[int]*tunnel)
	client := conn.client
	conn.client = nil
	conn.alive = false
	conn.refs = 0
	conn.mu.Unlock()

	for _, t := range tunnels {
		t.close()
	}
	if client != nil {
		client.Close()
	}
	m.remove(conn)
	m.debugLog("ssh connection closed", "id", conn.id, "addr", conn.config.addr())
}

func (m *SSHManager) remove(conn *SSHConnection) {
	m.mu.Lock()
	if cur, ok := m.byKey[conn.key]; ok && cur == conn {
		delete(m.byKey, conn.key)
	}
	delete(m.byID, conn.id)
	m.mu.Unlock()
	m.recordPoolSize(conn.config.Host)
}

func (m *SSHManager) get(connID string) (*SSHConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.byID[connID]
	if !ok {
		return nil, &ClientError{Type: ErrorTypeValidation, Message: "connection not found", Cause: ErrConnectionNotFound}
	}
	return conn, nil
}

func (m *SSHManager) markDead(conn *SSHConnection) {
	conn.mu.Lock()
	conn.alive = false
	conn.mu.Unlock()
}

func (m *SSHManager) recordPoolSize(host string) {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := m.liveCountForHostLocked(host)
	m.mu.Unlock()
	m.metrics.RecordSSHConnections(host, n)
}

func (m *SSHManager) debugLog(msg string, keysAndValues ...any) {
	if m.debug == nil || !m.debug.Enabled || !m.debug.LogSSH || m.logger == nil {
		return
	}
	m.logger.Debug(msg, keysAndValues...)
}
