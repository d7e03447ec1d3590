package sshaudit

import (
	"net"
	"net/http"
	"strings"
)

// LogFileOperation logs a list, stat, mkdir or delete.
func LogFileOperation(connectionID, sessionID, backend, operation, path, status string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			EventType:    EventFileOperation,
			Operation:    operation,
			Path:         path,
			Backend:      backend,
			Status:       status,
		})
	}
}

// LogTransferStarted logs an accepted upload or download.
func LogTransferStarted(connectionID, sessionID, transferID, direction, path string, size int64) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			EventType:    EventTransferStarted,
			Operation:    direction,
			Path:         path,
			TransferID:   transferID,
			Bytes:        size,
		})
	}
}

// LogTransferCompleted logs a finished transfer.
func LogTransferCompleted(connectionID, sessionID, transferID, direction, path string, bytes, durationMs int64) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			EventType:    EventTransferCompleted,
			Operation:    direction,
			Path:         path,
			TransferID:   transferID,
			Status:       "success",
			Bytes:        bytes,
			DurationMs:   durationMs,
		})
	}
}

// LogTransferCancelled logs a cancelled or failed transfer. reason is
// "client", "disconnect" or an error code.
func LogTransferCancelled(connectionID, sessionID, transferID, direction, reason string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			EventType:    EventTransferCancelled,
			Operation:    direction,
			TransferID:   transferID,
			Status:       reason,
		})
	}
}

// LogPolicyBlock logs a request refused by the ownership gate.
func LogPolicyBlock(connectionID, sessionID, operation, transferID, sourceIP string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			SessionID:    sessionID,
			EventType:    EventPolicyBlock,
			Operation:    operation,
			TransferID:   transferID,
			SourceIP:     sourceIP,
			Status:       "blocked",
			Details:      "transfer not owned by session",
		})
	}
}

// LogConnection logs an SSH connection establishment event.
func LogConnection(connectionID, addr string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			EventType:    EventConnectionEstablished,
			Details:      addr,
		})
	}
}

// LogDisconnection logs an SSH connection termination event.
func LogDisconnection(connectionID, reason string, durationMs int64) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			EventType:    EventConnectionTerminated,
			Details:      reason,
			DurationMs:   durationMs,
		})
	}
}

// LogConnectionFailed logs a failed SSH connection attempt.
func LogConnectionFailed(connectionID, reason string) {
	if a := GetAuditor(); a != nil {
		a.Log(AuditEntry{
			ConnectionID: connectionID,
			EventType:    EventConnectionFailed,
			Details:      reason,
		})
	}
}

// ExtractSourceIP extracts the client IP from an HTTP request,
// preferring X-Forwarded-For and X-Real-IP headers.
func ExtractSourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
