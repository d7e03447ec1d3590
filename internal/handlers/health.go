package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/sftp-gateway/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	connected := 0
	total := 0
	if SSHMgr != nil {
		for _, c := range SSHMgr.Connections() {
			total++
			if SSHMgr.IsConnected(c.ID) {
				connected++
			}
		}
	}

	fileTransfer := "disabled"
	if Selector != nil && Selector.Enabled() {
		fileTransfer = "enabled"
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"database":        dbStatus,
		"file_transfer":   fileTransfer,
		"ssh_connected":   connected,
		"ssh_connections": total,
	})
}
