package sshaudit

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gluk-w/claworc/sftp-gateway/internal/database"
)

func newTestAuditor(t *testing.T) *Auditor {
	t.Helper()
	// A file DB so every pooled connection sees the same data.
	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewAuditor(db, 0, nil)
}

func TestNewAuditor_DefaultRetention(t *testing.T) {
	a := newTestAuditor(t)
	assert.Equal(t, DefaultRetentionDays, a.RetentionDays())
}

func TestLogAndQuery(t *testing.T) {
	a := newTestAuditor(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	a.SetNowFunc(func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	})

	require.NoError(t, a.Log(AuditEntry{ConnectionID: "box", SessionID: "s1", EventType: EventFileOperation, Operation: "list", Path: "/"}))
	require.NoError(t, a.Log(AuditEntry{ConnectionID: "box", SessionID: "s1", EventType: EventTransferStarted, TransferID: "t1"}))
	require.NoError(t, a.Log(AuditEntry{ConnectionID: "nas", SessionID: "s2", EventType: EventPolicyBlock, TransferID: "t1"}))

	all, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), all.Total)
	assert.Equal(t, 50, all.Limit)
	require.Len(t, all.Entries, 3)
	assert.Equal(t, EventPolicyBlock, all.Entries[0].EventType, "newest first")

	byConn, err := a.Query(QueryOptions{ConnectionID: "box"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), byConn.Total)

	byTransfer, err := a.Query(QueryOptions{TransferID: "t1", EventType: EventPolicyBlock})
	require.NoError(t, err)
	require.Len(t, byTransfer.Entries, 1)
	assert.Equal(t, "s2", byTransfer.Entries[0].SessionID)

	since := base.Add(2 * time.Minute)
	recent, err := a.Query(QueryOptions{Since: &since})
	require.NoError(t, err)
	assert.Equal(t, int64(2), recent.Total)

	page, err := a.Query(QueryOptions{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(3), page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, EventTransferStarted, page.Entries[0].EventType)

	capped, err := a.Query(QueryOptions{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, 1000, capped.Limit)
}

func TestPurgeOlderThan(t *testing.T) {
	a := newTestAuditor(t)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -100) })
	require.NoError(t, a.Log(AuditEntry{ConnectionID: "box", EventType: EventFileOperation}))
	a.SetNowFunc(func() time.Time { return now.AddDate(0, 0, -10) })
	require.NoError(t, a.Log(AuditEntry{ConnectionID: "box", EventType: EventFileOperation}))

	a.SetNowFunc(func() time.Time { return now })
	deleted, err := a.PurgeOlderThan(0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	deleted, err = a.PurgeOlderThan(5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	res, err := a.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestStartPurge(t *testing.T) {
	a := newTestAuditor(t)

	_, err := a.StartPurge("every now and then")
	assert.Error(t, err)

	c, err := a.StartPurge("@daily")
	require.NoError(t, err)
	require.Len(t, c.Entries(), 1)
	<-c.Stop().Done()
}

func TestHelpers_NilSafeAndRecorded(t *testing.T) {
	ResetGlobalForTest()
	LogFileOperation("box", "s1", "sftp", "mkdir", "/tmp/x", "success")
	LogPolicyBlock("box", "s1", "sftp-upload-chunk", "t1", "10.0.0.1")

	a := newTestAuditor(t)
	SetGlobalForTest(a)
	t.Cleanup(ResetGlobalForTest)

	LogFileOperation("box", "s1", "sftp", "mkdir", "/tmp/x", "success")
	LogTransferStarted("box", "s1", "t1", "upload", "/tmp/x/a.bin", 10)
	LogTransferCompleted("box", "s1", "t1", "upload", "/tmp/x/a.bin", 10, 42)
	LogTransferCancelled("box", "s1", "t2", "download", "disconnect")
	LogPolicyBlock("box", "s2", "sftp-upload-chunk", "t1", "10.0.0.1")
	LogConnection("box", "10.0.0.5:22")
	LogDisconnection("box", "keepalive failed", 1000)
	LogConnectionFailed("nas", "dial tcp: refused")

	res, err := a.Query(QueryOptions{Limit: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Total)

	blocks, err := a.Query(QueryOptions{EventType: EventPolicyBlock})
	require.NoError(t, err)
	require.Len(t, blocks.Entries, 1)
	assert.Equal(t, "10.0.0.1", blocks.Entries[0].SourceIP)
	assert.Equal(t, "blocked", blocks.Entries[0].Status)

	done, err := a.Query(QueryOptions{EventType: EventTransferCompleted})
	require.NoError(t, err)
	require.Len(t, done.Entries, 1)
	assert.Equal(t, int64(10), done.Entries[0].Bytes)
	assert.Equal(t, int64(42), done.Entries[0].DurationMs)
}

func TestExtractSourceIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	assert.Equal(t, "192.0.2.7", ExtractSourceIP(r))

	r.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", ExtractSourceIP(r))

	r.Header.Set("X-Real-Ip", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", ExtractSourceIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ExtractSourceIP(r))
}
