package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gluk-w/claworc/sftp-gateway/internal/config"
	"github.com/gluk-w/claworc/sftp-gateway/internal/database"
	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sftpbackend"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshproxy"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

type recordedEvent struct {
	Event string
	Data  json.RawMessage
}

// recordingEmitter captures outbound events in order.
type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEmitter) Emit(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.events = append(e.events, recordedEvent{Event: event, Data: raw})
	e.mu.Unlock()
	return nil
}

func (e *recordingEmitter) take() []recordedEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.events
	e.events = nil
	return out
}

func (e *recordingEmitter) names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, ev := range e.events {
		out = append(out, ev.Event)
	}
	return out
}

type staticChecker map[string]bool

func (c staticChecker) IsConnected(id string) bool { return c[id] }

func pipeOpener(t *testing.T, root string) sftpbackend.Opener {
	t.Helper()
	return func(ctx context.Context, connectionID string) (*sftp.Client, error) {
		if connectionID != "box" {
			return nil, fmt.Errorf("%w: %s", sshproxy.ErrNotConnected, connectionID)
		}
		serverConn, clientConn := net.Pipe()
		server, err := sftp.NewServer(serverConn, sftp.WithServerWorkingDirectory(root))
		if err != nil {
			return nil, err
		}
		go server.Serve()
		client, err := sftp.NewClientPipe(clientConn, clientConn)
		if err != nil {
			server.Close()
			return nil, err
		}
		t.Cleanup(func() {
			client.Close()
			server.Close()
		})
		return client, nil
	}
}

type fixture struct {
	handler   *SFTPHandler
	transfers *transfer.Manager
	root      string
	auditor   *sshaudit.Auditor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	tm := transfer.NewManager(transfer.Options{MaxPerSession: 4})
	svc := sftpbackend.New(pipeOpener(t, root), tm, sftpbackend.Options{
		Enabled:           true,
		UploadChunkSize:   4,
		DownloadChunkSize: 4,
	})
	sel := &ServiceSelector{SFTP: svc, Mode: config.BackendSFTP}

	db, err := database.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	auditor := sshaudit.NewAuditor(db, 0, nil)
	sshaudit.SetGlobalForTest(auditor)
	t.Cleanup(sshaudit.ResetGlobalForTest)

	h := NewSFTPHandler(sel, staticChecker{"box": true}, Limits{MaxUploadSize: 1 << 20, MaxChunkSize: 1 << 16}, nil, nil)
	return &fixture{handler: h, transfers: tm, root: root, auditor: auditor}
}

func (f *fixture) session(t *testing.T, connectionID string) (*sftpSession, *recordingEmitter) {
	t.Helper()
	em := &recordingEmitter{}
	s := f.handler.newSession(context.Background(), connectionID, "203.0.113.7", em)
	return s, em
}

func send(s *sftpSession, event string, data any) {
	raw, _ := json.Marshal(map[string]any{"event": event, "data": data})
	s.dispatch(raw)
}

func decode[T any](t *testing.T, ev recordedEvent) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Data, &v))
	return v
}

func lastError(t *testing.T, events []recordedEvent) errorPayload {
	t.Helper()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	require.Equal(t, evError, last.Event)
	return decode[errorPayload](t, last)
}

func TestUploadEndToEnd(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "a.txt", "fileSize": 3})
	events := em.take()
	require.Len(t, events, 1)
	require.Equal(t, evUploadReady, events[0].Event)
	ready := decode[fileservice.UploadReady](t, events[0])
	require.NotEmpty(t, ready.TransferID)
	assert.Equal(t, f.root+"/a.txt", ready.RemotePath)

	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 0, "data": "YWJj", "isLast": true})
	events = em.take()
	require.Len(t, events, 3)
	assert.Equal(t, []string{evUploadAck, evProgress, evComplete},
		[]string{events[0].Event, events[1].Event, events[2].Event})

	ack := decode[fileservice.ChunkAck](t, events[0])
	assert.Equal(t, int64(3), ack.BytesReceived)
	progress := decode[fileservice.Progress](t, events[1])
	assert.Equal(t, 100, progress.Percent)
	sum := decode[fileservice.TransferSummary](t, events[2])
	assert.Equal(t, ready.TransferID, sum.TransferID)
	assert.Equal(t, int64(3), sum.BytesTransferred)

	got, err := os.ReadFile(filepath.Join(f.root, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
	assert.Equal(t, 0, f.transfers.Len())

	res, err := f.auditor.Query(sshaudit.QueryOptions{TransferID: ready.TransferID})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Total)
}

func TestEveryUploadStepLoggedAtInfo(t *testing.T) {
	f := newFixture(t)
	core, logs := observer.New(zapcore.InfoLevel)
	f.handler.logger = zap.New(core)
	s, em := f.session(t, "box")

	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "log.txt", "fileSize": 6})
	ready := decode[fileservice.UploadReady](t, em.take()[0])
	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 0, "data": "YWJj"})
	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 1, "data": "ZGVm", "isLast": true})

	var ops []string
	for _, entry := range logs.FilterMessage("sftp operation").All() {
		assert.Equal(t, zapcore.InfoLevel, entry.Level)
		ops = append(ops, entry.ContextMap()["operation"].(string))
	}
	assert.Equal(t, []string{opUploadStart, opUploadChunk, opUploadChunk, opUploadComplete}, ops)
}

func TestListStatMkdirDelete(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "x.txt"), []byte("hello"), 0o644))

	send(s, evMkdir, map[string]any{"path": f.root + "/sub"})
	events := em.take()
	require.Len(t, events, 1)
	res := decode[operationResult](t, events[0])
	assert.Equal(t, operationResult{Operation: opMkdir, Success: true, Path: f.root + "/sub"}, res)

	send(s, evList, map[string]any{"path": f.root})
	events = em.take()
	require.Len(t, events, 1)
	require.Equal(t, evDirectory, events[0].Event)
	listing := decode[fileservice.DirectoryListing](t, events[0])
	require.Len(t, listing.Entries, 2)
	assert.Equal(t, "sub", listing.Entries[0].Name)
	assert.Equal(t, "x.txt", listing.Entries[1].Name)

	send(s, evStat, map[string]any{"path": f.root + "/x.txt"})
	events = em.take()
	require.Len(t, events, 1)
	st := decode[statResult](t, events[0])
	assert.Equal(t, int64(5), st.Entry.Size)

	send(s, evDelete, map[string]any{"path": f.root + "/x.txt"})
	events = em.take()
	require.Len(t, events, 1)
	assert.Equal(t, evOperationResult, events[0].Event)
	_, err := os.Stat(filepath.Join(f.root, "x.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestErrorsUsePublicMessages(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evStat, map[string]any{"path": f.root + "/missing"})
	e := lastError(t, em.take())
	assert.Equal(t, opStat, e.Operation)
	assert.Equal(t, fileservice.CodeNotFound, e.Code)
	assert.Equal(t, fileservice.PublicMessage(fileservice.CodeNotFound), e.Message)
	assert.NotContains(t, e.Message, f.root)
}

func TestInvalidRequests(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	s.dispatch([]byte("{not json"))
	e := lastError(t, em.take())
	assert.Equal(t, opUnknown, e.Operation)
	assert.Equal(t, fileservice.CodeInvalidRequest, e.Code)

	send(s, "sftp-chmod", map[string]any{"path": "/"})
	e = lastError(t, em.take())
	assert.Equal(t, fileservice.CodeInvalidRequest, e.Code)

	tests := []struct {
		event string
		data  any
		op    string
	}{
		{evStat, map[string]any{"path": ""}, opStat},
		{evList, map[string]any{"path": "/tmp/\x00"}, opList},
		{evDelete, map[string]any{"path": "/"}, opDelete},
		{evMkdir, map[string]any{"path": "/tmp/x", "mode": 0o1777}, opMkdir},
		{evUploadStart, map[string]any{"remotePath": f.root, "fileName": "../x", "fileSize": 1}, opUploadStart},
		{evUploadStart, map[string]any{"remotePath": f.root, "fileName": "big", "fileSize": 2 << 20}, opUploadStart},
		{evUploadChunk, map[string]any{"transferId": "t", "chunkIndex": 0, "data": "!!!"}, opUploadChunk},
		{evUploadCancel, map[string]any{}, opUploadCancel},
		{evList, "a string", opList},
	}
	for _, tt := range tests {
		send(s, tt.event, tt.data)
		e := lastError(t, em.take())
		assert.Equal(t, tt.op, e.Operation, tt.event)
		assert.Equal(t, fileservice.CodeInvalidRequest, e.Code, tt.event)
	}
}

func TestListEmptyPathIsHome(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	home, err := f.handler.selector.SFTP.HomeDirectory(context.Background(), "box")
	require.NoError(t, err)

	send(s, evList, map[string]any{"path": ""})
	events := em.take()
	require.Len(t, events, 1)
	require.Equal(t, evDirectory, events[0].Event)
	assert.Equal(t, home, decode[fileservice.DirectoryListing](t, events[0]).Path)
}

func TestClosingOneSessionKeepsSharedClient(t *testing.T) {
	root := t.TempDir()
	var opens atomic.Int32
	open := pipeOpener(t, root)
	svc := sftpbackend.New(func(ctx context.Context, id string) (*sftp.Client, error) {
		opens.Add(1)
		return open(ctx, id)
	}, transfer.NewManager(transfer.Options{}), sftpbackend.Options{Enabled: true})
	h := NewSFTPHandler(&ServiceSelector{SFTP: svc, Mode: config.BackendSFTP}, staticChecker{"box": true}, Limits{}, nil, nil)

	first := h.newSession(context.Background(), "box", "", &recordingEmitter{})
	em := &recordingEmitter{}
	second := h.newSession(context.Background(), "box", "", em)

	send(first, evList, map[string]any{"path": root})
	first.close()

	send(second, evList, map[string]any{"path": root})
	events := em.take()
	require.Len(t, events, 1)
	assert.Equal(t, evDirectory, events[0].Event)
	assert.Equal(t, int32(1), opens.Load())

	second.close()
	send(h.newSession(context.Background(), "box", "", em), evList, map[string]any{"path": root})
	assert.Equal(t, int32(2), opens.Load())
}

func TestNotEnabled(t *testing.T) {
	f := newFixture(t)
	tm := transfer.NewManager(transfer.Options{})
	off := sftpbackend.New(pipeOpener(t, f.root), tm, sftpbackend.Options{Enabled: false})
	h := NewSFTPHandler(&ServiceSelector{SFTP: off, Mode: config.BackendSFTP}, staticChecker{"box": true}, Limits{}, nil, nil)
	em := &recordingEmitter{}
	s := h.newSession(context.Background(), "box", "", em)

	send(s, evList, map[string]any{"path": "/"})
	e := lastError(t, em.take())
	assert.Equal(t, fileservice.CodeNotEnabled, e.Code)
	assert.Equal(t, opList, e.Operation)
}

func TestNoConnection(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "nas")

	send(s, evList, map[string]any{"path": "/"})
	e := lastError(t, em.take())
	assert.Equal(t, fileservice.CodeNoConnection, e.Code)

	_, ferr := s.resolve()
	assert.ErrorIs(t, ferr, fileservice.ErrNoConnection)
}

func TestForeignTransferLooksMissing(t *testing.T) {
	f := newFixture(t)
	owner, ownerEm := f.session(t, "box")
	intruder, intruderEm := f.session(t, "box")

	send(owner, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "a.txt", "fileSize": 3})
	ready := decode[fileservice.UploadReady](t, ownerEm.take()[0])

	send(intruder, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 0, "data": "YWJj", "isLast": true})
	foreign := lastError(t, intruderEm.take())

	send(intruder, evUploadChunk, map[string]any{"transferId": "no-such-transfer", "chunkIndex": 0, "data": "YWJj"})
	missing := lastError(t, intruderEm.take())

	assert.Equal(t, fileservice.CodeNotFound, foreign.Code)
	assert.Equal(t, missing.Code, foreign.Code)
	assert.Equal(t, missing.Message, foreign.Message)
	assert.Equal(t, ready.TransferID, foreign.TransferID)

	send(intruder, evUploadCancel, map[string]any{"transferId": ready.TransferID})
	assert.Equal(t, fileservice.CodeNotFound, lastError(t, intruderEm.take()).Code)

	// The owner's transfer is untouched.
	send(owner, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 0, "data": "YWJj", "isLast": true})
	assert.Equal(t, []string{evUploadAck, evProgress, evComplete}, ownerEm.names())

	blocks, err := f.auditor.Query(sshaudit.QueryOptions{EventType: sshaudit.EventPolicyBlock})
	require.NoError(t, err)
	require.Equal(t, int64(2), blocks.Total)
	assert.Equal(t, intruder.ID, blocks.Entries[0].SessionID)
	assert.Equal(t, "203.0.113.7", blocks.Entries[0].SourceIP)
}

func TestUploadCancel(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "a.txt", "fileSize": 6})
	ready := decode[fileservice.UploadReady](t, em.take()[0])
	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 0, "data": "YWJj"})
	em.take()

	send(s, evUploadCancel, map[string]any{"transferId": ready.TransferID})
	events := em.take()
	require.Len(t, events, 1)
	res := decode[operationResult](t, events[0])
	assert.Equal(t, operationResult{Operation: opUploadCancel, Success: true, TransferID: ready.TransferID}, res)
	assert.Equal(t, 0, f.transfers.Len())

	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 1, "data": "ZGVm"})
	assert.Equal(t, fileservice.CodeNotFound, lastError(t, em.take()).Code)
}

func TestChunkOutOfOrder(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "a.txt", "fileSize": 6})
	ready := decode[fileservice.UploadReady](t, em.take()[0])

	send(s, evUploadChunk, map[string]any{"transferId": ready.TransferID, "chunkIndex": 1, "data": "YWJj"})
	e := lastError(t, em.take())
	assert.Equal(t, fileservice.CodeChunkOutOfOrder, e.Code)
	assert.Equal(t, ready.TransferID, e.TransferID)
}

func TestDownloadStreams(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "d.txt"), []byte("0123456789"), 0o644))

	send(s, evDownloadStart, map[string]any{"remotePath": f.root + "/d.txt"})
	s.downloads.Wait()

	events := em.take()
	require.NotEmpty(t, events)
	require.Equal(t, evDownloadReady, events[0].Event)
	ready := decode[fileservice.DownloadReady](t, events[0])
	assert.Equal(t, int64(10), ready.FileSize)
	assert.Equal(t, "d.txt", ready.FileName)

	var body []byte
	var chunks int
	for _, ev := range events[1:] {
		if ev.Event != evDownloadChunk {
			continue
		}
		c := decode[downloadChunk](t, ev)
		raw, err := base64.StdEncoding.DecodeString(c.Data)
		require.NoError(t, err)
		body = append(body, raw...)
		chunks++
	}
	assert.Equal(t, "0123456789", string(body))
	assert.Equal(t, 3, chunks)
	assert.Equal(t, evComplete, events[len(events)-1].Event)
	assert.Equal(t, 0, f.transfers.Len())
}

func TestDownloadDirectory(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evDownloadStart, map[string]any{"remotePath": f.root})
	e := lastError(t, em.take())
	assert.Equal(t, opDownloadStart, e.Operation)
	assert.Equal(t, fileservice.CodeIsADirectory, e.Code)
}

func TestCloseCancelsSessionTransfers(t *testing.T) {
	f := newFixture(t)
	s, em := f.session(t, "box")

	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "a.txt", "fileSize": 3})
	send(s, evUploadStart, map[string]any{"remotePath": f.root, "fileName": "b.txt", "fileSize": 3})
	require.Equal(t, []string{evUploadReady, evUploadReady}, em.names())
	require.Equal(t, 2, f.transfers.Len())

	s.close()
	assert.Equal(t, 0, f.transfers.Len())
}
