package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/sftp-gateway/internal/config"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
)

type fakeRegistry struct {
	staticChecker
	statuses []sshproxy.ConnectionStatus
}

func (f fakeRegistry) Connections() []sshproxy.ConnectionStatus { return f.statuses }

func withGlobals(t *testing.T, reg ConnectionRegistry, sel *ServiceSelector) {
	t.Helper()
	prevMgr, prevSel := SSHMgr, Selector
	SSHMgr, Selector = reg, sel
	t.Cleanup(func() { SSHMgr, Selector = prevMgr, prevSel })
}

func TestListConnections(t *testing.T) {
	sel := &ServiceSelector{
		SFTP:  &stubService{name: "sftp", enabled: true},
		Shell: &stubService{name: "shell", enabled: true},
		Mode:  config.BackendShell,
	}
	withGlobals(t, fakeRegistry{
		staticChecker: staticChecker{"pi": true},
		statuses: []sshproxy.ConnectionStatus{
			{ID: "pi", State: sshproxy.StateConnected},
			{ID: "nas", State: sshproxy.StateFailed, Reason: "dial: refused"},
		},
	}, sel)

	rec := httptest.NewRecorder()
	ListConnections(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "nas", got[0]["id"])
	assert.Equal(t, "failed", got[0]["state"])
	assert.NotContains(t, got[0], "backend")
	assert.Equal(t, "pi", got[1]["id"])
	assert.Equal(t, "shell", got[1]["backend"])
}

func TestListConnectionsUninitialized(t *testing.T) {
	withGlobals(t, nil, nil)
	rec := httptest.NewRecorder()
	ListConnections(rec, httptest.NewRequest(http.MethodGet, "/api/v1/connections", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetAuditLogs(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	step := 0
	f.auditor.SetNowFunc(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Hour)
	})
	sshaudit.LogFileOperation("box", "s1", "sftp", "list", "/tmp", "success")
	sshaudit.LogPolicyBlock("box", "s2", "upload-chunk", "t1", "10.0.0.1")
	sshaudit.LogFileOperation("nas", "s3", "shell", "delete", "/x", "failure")

	get := func(query string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		GetAuditLogs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs"+query, nil))
		return rec
	}

	rec := get("?connection_id=box")
	require.Equal(t, http.StatusOK, rec.Code)
	var res sshaudit.QueryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, int64(2), res.Total)
	assert.Equal(t, sshaudit.EventPolicyBlock, res.Entries[0].EventType)

	rec = get("?since=" + base.Add(150*time.Minute).Format(time.RFC3339))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, int64(1), res.Total)
	assert.Equal(t, "nas", res.Entries[0].ConnectionID)

	for _, q := range []string{"?since=yesterday", "?until=1", "?limit=0", "?offset=-1"} {
		assert.Equal(t, http.StatusBadRequest, get(q).Code, q)
	}
}

func TestGetAuditLogsUninitialized(t *testing.T) {
	sshaudit.ResetGlobalForTest()
	rec := httptest.NewRecorder()
	GetAuditLogs(rec, httptest.NewRequest(http.MethodGet, "/api/v1/audit-logs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPurgeAuditLogs(t *testing.T) {
	f := newFixture(t)
	f.auditor.SetNowFunc(func() time.Time { return time.Now().AddDate(0, 0, -10) })
	sshaudit.LogFileOperation("box", "s1", "sftp", "list", "/", "success")
	f.auditor.SetNowFunc(time.Now)

	rec := httptest.NewRecorder()
	PurgeAuditLogs(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audit-logs/purge?days=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["deleted"])

	rec = httptest.NewRecorder()
	PurgeAuditLogs(rec, httptest.NewRequest(http.MethodPost, "/api/v1/audit-logs/purge?days=zero", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	withGlobals(t, fakeRegistry{
		staticChecker: staticChecker{"pi": true},
		statuses:      []sshproxy.ConnectionStatus{{ID: "pi"}, {ID: "nas"}},
	}, &ServiceSelector{Shell: &stubService{name: "shell", enabled: true}})

	rec := httptest.NewRecorder()
	HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "enabled", body["file_transfer"])
	assert.Equal(t, float64(1), body["ssh_connected"])
	assert.Equal(t, float64(2), body["ssh_connections"])
}
