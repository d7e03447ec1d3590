package handlers

import "github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"

// ConnectionRegistry is the view of the SSH manager the REST handlers need.
type ConnectionRegistry interface {
	ConnectionChecker
	Connections() []sshproxy.ConnectionStatus
}

// Set from main.
var (
	SSHMgr   ConnectionRegistry
	Selector *ServiceSelector
)
