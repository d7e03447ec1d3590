package handlers

import (
	"context"

	"github.com/gluk-w/claworc/sftp-gateway/internal/config"
	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// ServiceSelector picks the file backend for a connection.
type ServiceSelector struct {
	SFTP  fileservice.FileService
	Shell fileservice.FileService
	// Mode is config.BackendAuto, BackendSFTP or BackendShell.
	Mode string
	// Overrides replaces Mode for individual connections.
	Overrides map[string]string
	// Probe reports whether a connection offers the sftp subsystem. Used in
	// auto mode only.
	Probe func(ctx context.Context, connectionID string) bool
}

// Select returns the backend for connectionID.
func (s *ServiceSelector) Select(ctx context.Context, connectionID string) fileservice.FileService {
	mode := s.Mode
	if m, ok := s.Overrides[connectionID]; ok && m != "" {
		mode = m
	}
	switch mode {
	case config.BackendSFTP:
		return s.SFTP
	case config.BackendShell:
		return s.Shell
	}
	if s.Probe != nil && s.Probe(ctx, connectionID) {
		return s.SFTP
	}
	return s.Shell
}

// Enabled reports whether any backend has file transfer switched on.
func (s *ServiceSelector) Enabled() bool {
	return (s.SFTP != nil && s.SFTP.IsEnabled()) || (s.Shell != nil && s.Shell.IsEnabled())
}

// all returns every configured backend.
func (s *ServiceSelector) all() []fileservice.FileService {
	var out []fileservice.FileService
	for _, svc := range []fileservice.FileService{s.SFTP, s.Shell} {
		if svc != nil {
			out = append(out, svc)
		}
	}
	return out
}
