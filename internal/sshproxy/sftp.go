package sshproxy

import (
	"context"
	"fmt"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
)

// OpenSFTP starts the sftp subsystem on connection id. The caller owns the
// returned client and must Close it.
func (m *Manager) OpenSFTP(ctx context.Context, id string) (*sftp.Client, error) {
	client, err := m.Client(id)
	if err != nil {
		return nil, err
	}

	type result struct {
		c   *sftp.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := sftp.NewClient(client)
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("start sftp subsystem on %s: %w", id, r.err)
		}
		return r.c, nil
	case <-ctx.Done():
		go func() {
			if r := <-done; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// SupportsSFTP reports whether connection id accepts the sftp subsystem. The
// first answer per connection is cached until the connection is replaced or
// closed. Transport failures are not cached.
func (m *Manager) SupportsSFTP(ctx context.Context, id string) bool {
	m.probeMu.Lock()
	ok, cached := m.sftpSupport[id]
	m.probeMu.Unlock()
	if cached {
		return ok
	}

	client, err := m.Client(id)
	if err != nil {
		return false
	}
	session, err := client.NewSession()
	if err != nil {
		m.logger.Warn("sftp probe: open session failed", zap.String("connection_id", id), zap.Error(err))
		return false
	}
	stop := context.AfterFunc(ctx, func() { session.Close() })
	err = session.RequestSubsystem("sftp")
	stop()
	session.Close()
	if ctx.Err() != nil {
		return false
	}

	supported := err == nil
	m.probeMu.Lock()
	m.sftpSupport[id] = supported
	m.probeMu.Unlock()
	m.logger.Info("sftp probe", zap.String("connection_id", id), zap.Bool("supported", supported))
	return supported
}

func (m *Manager) forgetProbe(id string) {
	m.probeMu.Lock()
	delete(m.sftpSupport, id)
	m.probeMu.Unlock()
}
