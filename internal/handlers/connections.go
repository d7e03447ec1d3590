package handlers

import (
	"net/http"
	"sort"

	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
)

type connectionResponse struct {
	sshproxy.ConnectionStatus
	Backend string `json:"backend,omitempty"`
}

// ListConnections returns every registered SSH connection with the file
// backend a new session on it would use.
func ListConnections(w http.ResponseWriter, r *http.Request) {
	if SSHMgr == nil {
		writeError(w, http.StatusServiceUnavailable, "SSH manager not initialized")
		return
	}

	statuses := SSHMgr.Connections()
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })

	out := make([]connectionResponse, 0, len(statuses))
	for _, st := range statuses {
		resp := connectionResponse{ConnectionStatus: st}
		if Selector != nil && SSHMgr.IsConnected(st.ID) {
			if svc := Selector.Select(r.Context(), st.ID); svc != nil {
				resp.Backend = svc.Backend()
			}
		}
		out = append(out, resp)
	}
	writeJSON(w, http.StatusOK, out)
}
