// Package sshproxy is the connection registry: it dials the SSH targets of
// the connection inventory and hands out their clients by ConnectionId.
//
// One multiplexed *ssh.Client is kept per connection. Both file backends
// borrow it: the shell backend runs exec sessions through [Manager.Run] and
// [Manager.Stream], the SFTP backend opens the sftp subsystem through
// [Manager.OpenSFTP]. A background keepalive drops dead connections from the
// map so callers see ErrNotConnected instead of hanging on a broken socket.
package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

const (
	// keepaliveInterval is how often we send keepalive requests.
	keepaliveInterval = 30 * time.Second

	// connectTimeout is the default timeout for establishing SSH connections.
	connectTimeout = 30 * time.Second

	// maxParallelDials bounds ConnectAll.
	maxParallelDials = 8
)

// ErrNotConnected is returned for a ConnectionId with no live client.
var ErrNotConnected = errors.New("ssh connection not found")

// Target is one SSH endpoint to dial.
type Target struct {
	ID       string
	Host     string
	Port     int
	User     string
	Signer   ssh.Signer // overrides the manager default when set
	Password string
}

// Manager maintains SSH connections keyed by ConnectionId.
type Manager struct {
	signer ssh.Signer
	logger *zap.Logger

	mu    sync.RWMutex
	conns map[string]*managedConn

	// sftpSupport caches SupportsSFTP answers per connection.
	probeMu     sync.Mutex
	sftpSupport map[string]bool

	stateTracker *stateTracker

	keepaliveInterval time.Duration
}

// managedConn wraps an SSH client with its cancel function for stopping keepalive.
type managedConn struct {
	client      *ssh.Client
	cancel      context.CancelFunc
	addr        string
	connectedAt time.Time
}

// NewManager creates a Manager. signer is the default client key and may be
// nil when every target carries its own credentials.
func NewManager(signer ssh.Signer, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		signer:            signer,
		logger:            logger.Named("sshproxy"),
		conns:             make(map[string]*managedConn),
		sftpSupport:       make(map[string]bool),
		stateTracker:      newStateTracker(),
		keepaliveInterval: keepaliveInterval,
	}
}

func (m *Manager) clientConfig(t Target) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	switch {
	case t.Signer != nil:
		auth = append(auth, ssh.PublicKeys(t.Signer))
	case m.signer != nil:
		auth = append(auth, ssh.PublicKeys(m.signer))
	}
	if t.Password != "" {
		auth = append(auth, ssh.Password(t.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("connection %s: no credentials configured", t.ID)
	}
	user := t.User
	if user == "" {
		user = "root"
	}
	return &ssh.ClientConfig{
		User: user,
		Auth: auth,
		// Host key trust is decided outside this process.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         connectTimeout,
	}, nil
}

// Connect dials t and stores the client under t.ID. An existing connection
// for the same id is closed first.
func (m *Manager) Connect(ctx context.Context, t Target) (*ssh.Client, error) {
	cfg, err := m.clientConfig(t)
	if err != nil {
		m.stateTracker.setState(t.ID, StateFailed, err.Error())
		return nil, err
	}
	port := t.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(port))

	m.stateTracker.setState(t.ID, StateConnecting, "connecting to "+addr)

	dialer := net.Dialer{Timeout: connectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.stateTracker.setState(t.ID, StateFailed, fmt.Sprintf("dial failed: %v", err))
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		m.stateTracker.setState(t.ID, StateFailed, fmt.Sprintf("ssh handshake failed: %v", err))
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	m.register(t.ID, client, addr)
	return client, nil
}

// Register stores an already-established client under id.
func (m *Manager) Register(id string, client *ssh.Client) {
	m.register(id, client, client.RemoteAddr().String())
}

func (m *Manager) register(id string, client *ssh.Client, addr string) {
	keepCtx, keepCancel := context.WithCancel(context.Background())
	mc := &managedConn{
		client:      client,
		cancel:      keepCancel,
		addr:        addr,
		connectedAt: time.Now(),
	}

	m.mu.Lock()
	existing, hadExisting := m.conns[id]
	m.conns[id] = mc
	m.mu.Unlock()

	if hadExisting {
		existing.cancel()
		existing.client.Close()
	}
	m.forgetProbe(id)

	go m.keepalive(keepCtx, id, client)

	m.stateTracker.setState(id, StateConnected, "connected to "+addr)
	m.logger.Info("ssh connected", zap.String("connection_id", id), zap.String("addr", addr))
}

// ConnectAll dials every target concurrently. Failures are logged and
// returned joined; successful connections stay registered either way.
func (m *Manager) ConnectAll(ctx context.Context, targets []Target) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDials)
	for _, t := range targets {
		g.Go(func() error {
			if _, err := m.Connect(gctx, t); err != nil {
				m.logger.Warn("ssh connect failed", zap.String("connection_id", t.ID), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("connection %s: %w", t.ID, err))
				mu.Unlock()
			}
			// One unreachable host must not cancel the others.
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Client returns the live client for id.
func (m *Manager) Client(id string) (*ssh.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mc, ok := m.conns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}
	return mc.client, nil
}

// IsConnected reports whether a healthy connection exists for id.
func (m *Manager) IsConnected(id string) bool {
	m.mu.RLock()
	mc, ok := m.conns[id]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	_, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

// Connections returns a status snapshot of every known connection.
func (m *Manager) Connections() []ConnectionStatus {
	return m.stateTracker.snapshot()
}

// Close closes the connection for id and removes it from the map.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	mc, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.conns, id)
	m.mu.Unlock()

	m.forgetProbe(id)
	mc.cancel()
	if err := mc.client.Close(); err != nil {
		m.stateTracker.setState(id, StateDisconnected, fmt.Sprintf("closed with error: %v", err))
		return fmt.Errorf("close ssh connection %s: %w", id, err)
	}
	m.stateTracker.setState(id, StateDisconnected, "connection closed")
	m.logger.Info("ssh disconnected", zap.String("connection_id", id))
	return nil
}

// CloseAll closes all connections. Used during shutdown.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*managedConn)
	m.mu.Unlock()

	var firstErr error
	for id, mc := range conns {
		mc.cancel()
		if err := mc.client.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close ssh connection %s: %w", id, err)
		}
		m.stateTracker.setState(id, StateDisconnected, "shutdown")
	}
	m.logger.Info("all ssh connections closed", zap.Int("count", len(conns)))
	return firstErr
}

// keepalive sends periodic keepalive requests to detect dead connections.
// If the connection is dead, it is removed from the map.
func (m *Manager) keepalive(ctx context.Context, id string, client *ssh.Client) {
	ticker := time.NewTicker(m.keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// SendRequest with wantReply=true acts as a keepalive check
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				m.logger.Warn("ssh keepalive failed, removing connection",
					zap.String("connection_id", id), zap.Error(err))
				m.mu.Lock()
				removed := false
				if mc, ok := m.conns[id]; ok && mc.client == client {
					delete(m.conns, id)
					removed = true
				}
				m.mu.Unlock()
				if removed {
					m.forgetProbe(id)
					m.stateTracker.setState(id, StateDisconnected, fmt.Sprintf("keepalive failed: %v", err))
				}
				return
			}
		}
	}
}
