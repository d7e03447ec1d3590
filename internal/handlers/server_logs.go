package handlers

import (
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/sftp-gateway/internal/logging"
)

const maxLogLines = 5000

// GetServerLogs returns the last ?lines= lines of the gateway log file.
func GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if q := r.URL.Query().Get("lines"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			lines = min(n, maxLogLines)
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read server logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}

func ClearServerLogs(w http.ResponseWriter, r *http.Request) {
	if err := logging.Clear(); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to clear server logs")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
