package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
)

// GetAuditLogs returns paginated file audit entries.
//
// Query parameters:
//
//	connection_id - filter by connection
//	session_id    - filter by websocket session
//	transfer_id   - filter by transfer
//	event_type    - filter by event type
//	since         - RFC3339 timestamp, only entries after this time
//	until         - RFC3339 timestamp, only entries before this time
//	limit         - max entries to return (default 50, max 1000)
//	offset        - pagination offset
func GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := sshaudit.GetAuditor()
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		ConnectionID: q.Get("connection_id"),
		SessionID:    q.Get("session_id"),
		TransferID:   q.Get("transfer_id"),
		EventType:    q.Get("event_type"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since timestamp (use RFC3339)")
			return
		}
		opts.Since = &t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until timestamp (use RFC3339)")
			return
		}
		opts.Until = &t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = n
	}

	result, err := auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// PurgeAuditLogs deletes entries older than ?days= (default: configured retention).
func PurgeAuditLogs(w http.ResponseWriter, r *http.Request) {
	auditor := sshaudit.GetAuditor()
	if auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit system not initialized")
		return
	}

	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid days parameter")
			return
		}
		days = n
	}

	deleted, err := auditor.PurgeOlderThan(days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to purge audit logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted":        deleted,
		"retention_days": auditor.RetentionDays(),
	})
}
