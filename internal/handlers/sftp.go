package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/logutil"
	"github.com/gluk-w/claworc/sftp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
)

// ConnectionChecker reports whether a ConnectionId has a live SSH client.
type ConnectionChecker interface {
	IsConnected(connectionID string) bool
}

// SFTPHandler serves the browser file-transfer websocket.
type SFTPHandler struct {
	selector       *ServiceSelector
	conns          ConnectionChecker
	limits         Limits
	logger         *zap.Logger
	originPatterns []string
}

// NewSFTPHandler builds the handler. originPatterns restricts websocket
// origins; empty accepts any origin.
func NewSFTPHandler(selector *ServiceSelector, conns ConnectionChecker, limits Limits, originPatterns []string, logger *zap.Logger) *SFTPHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SFTPHandler{
		selector:       selector,
		conns:          conns,
		limits:         limits,
		logger:         logger.Named("sftp-ws"),
		originPatterns: originPatterns,
	}
}

// sftpSession is the per-socket state every event handler receives.
type sftpSession struct {
	ID           string
	ConnectionID string
	SourceIP     string

	h       *SFTPHandler
	ctx     context.Context
	svc     fileservice.FileService
	emitter Emitter
	logger  *zap.Logger

	// downloads tracks running download streams.
	downloads sync.WaitGroup
}

// ServeWS upgrades GET /api/v1/connections/{id}/sftp.
func (h *SFTPHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	connectionID := chi.URLParam(r, "id")
	if connectionID == "" {
		http.Error(w, "Invalid connection ID", http.StatusBadRequest)
		return
	}

	opts := &websocket.AcceptOptions{OriginPatterns: h.originPatterns}
	if len(h.originPatterns) == 0 {
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		h.logger.Warn("failed to accept sftp websocket", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	// base64 inflates by 4/3; leave room for the JSON envelope.
	readLimit := int64(64 << 10)
	if h.limits.MaxChunkSize > 0 {
		readLimit += int64(h.limits.MaxChunkSize)*4/3 + 4
	}
	conn.SetReadLimit(readLimit)

	ctx := r.Context()
	s := h.newSession(ctx, connectionID, sshaudit.ExtractSourceIP(r), &wsEmitter{ctx: ctx, conn: conn})
	metrics.SessionOpened()
	defer metrics.SessionClosed()
	defer s.close()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				s.logger.Debug("sftp websocket read ended", zap.Error(err))
			}
			return
		}
		s.dispatch(data)
	}
}

func (h *SFTPHandler) newSession(ctx context.Context, connectionID, sourceIP string, emitter Emitter) *sftpSession {
	id := uuid.NewString()
	s := &sftpSession{
		ID:           id,
		ConnectionID: connectionID,
		SourceIP:     sourceIP,
		h:            h,
		ctx:          ctx,
		emitter:      emitter,
		logger: h.logger.With(
			zap.String("session_id", id),
			zap.String("connection_id", logutil.SanitizeForLog(connectionID)),
		),
	}
	if h.conns.IsConnected(connectionID) {
		s.bind(h.selector.Select(ctx, connectionID))
	}
	s.logger.Info("sftp session opened", zap.String("backend", s.backend()))
	return s
}

// bind attaches the selected backend and registers the session with it.
func (s *sftpSession) bind(svc fileservice.FileService) {
	if svc == nil {
		return
	}
	s.svc = svc
	svc.OpenSession(s.ConnectionID)
}

// close cancels every transfer of the session, waits for download streams
// and releases the session's hold on the backend.
func (s *sftpSession) close() {
	services := s.h.selector.all()
	if s.svc != nil {
		services = []fileservice.FileService{s.svc}
	}
	cancelled := 0
	for _, svc := range services {
		cancelled += svc.CancelSessionTransfers(s.ID)
	}
	s.downloads.Wait()
	if cancelled > 0 {
		sshaudit.LogTransferCancelled(s.ConnectionID, s.ID, "", "", "disconnect")
	}
	if s.svc != nil {
		s.svc.CloseSession(s.ConnectionID)
	}
	s.logger.Info("sftp session closed", zap.Int("cancelled_transfers", cancelled))
}

func (s *sftpSession) backend() string {
	if s.svc == nil {
		return "none"
	}
	return s.svc.Backend()
}

// resolve returns the session's backend, selecting it on first use when the
// connection came up after the socket was opened.
func (s *sftpSession) resolve() (fileservice.FileService, *fileservice.Error) {
	if s.ConnectionID == "" || !s.h.conns.IsConnected(s.ConnectionID) {
		return nil, fileservice.ErrNoConnection
	}
	if s.svc == nil {
		s.bind(s.h.selector.Select(s.ctx, s.ConnectionID))
	}
	if s.svc == nil {
		return nil, fileservice.Errorf(fileservice.CodeNotEnabled, "no backend configured for %q", s.ConnectionID)
	}
	return s.svc, nil
}

func (s *sftpSession) enabled() bool {
	if s.svc != nil {
		return s.svc.IsEnabled()
	}
	return s.h.selector.Enabled()
}

var eventOps = map[string]string{
	evList:           opList,
	evStat:           opStat,
	evMkdir:          opMkdir,
	evDelete:         opDelete,
	evUploadStart:    opUploadStart,
	evUploadChunk:    opUploadChunk,
	evUploadCancel:   opUploadCancel,
	evDownloadStart:  opDownloadStart,
	evDownloadCancel: opDownloadCancel,
}

// dispatch handles one inbound frame end to end.
func (s *sftpSession) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.fail(opUnknown, time.Now(), fileservice.Wrap(fileservice.CodeInvalidRequest, err, ""))
		return
	}
	op, ok := eventOps[f.Event]
	if !ok {
		s.fail(opUnknown, time.Now(), invalid("unknown event %q", logutil.SanitizeForLog(f.Event)))
		return
	}

	start := time.Now()
	if !s.enabled() {
		s.fail(op, start, fileservice.Errorf(fileservice.CodeNotEnabled, "file transfer disabled"))
		return
	}

	switch f.Event {
	case evList:
		var req listRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleList(op, start, req)
		}
	case evStat:
		var req pathRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleStat(op, start, req)
		}
	case evMkdir:
		var req mkdirRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleMkdir(op, start, req)
		}
	case evDelete:
		var req deleteRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleDelete(op, start, req)
		}
	case evUploadStart:
		var req uploadStartRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleUploadStart(op, start, req)
		}
	case evUploadChunk:
		var req uploadChunkRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleUploadChunk(op, start, req)
		}
	case evUploadCancel:
		var req transferRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleCancel(op, start, req, fileservice.DirectionUpload)
		}
	case evDownloadStart:
		var req downloadStartRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleDownloadStart(op, start, req)
		}
	case evDownloadCancel:
		var req transferRequest
		if s.decode(op, start, f.Data, &req) {
			s.handleCancel(op, start, req, fileservice.DirectionDownload)
		}
	}
}

func (s *sftpSession) decode(op string, start time.Time, data json.RawMessage, v any) bool {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		s.fail(op, start, fileservice.Wrap(fileservice.CodeInvalidRequest, err, ""))
		return false
	}
	return true
}

func (s *sftpSession) emit(event string, data any) {
	if err := s.emitter.Emit(event, data); err != nil {
		s.logger.Debug("emit failed", zap.String("event", event), zap.Error(err))
	}
}

// fail emits sftp-error for err and logs it. Only the fixed public message
// for the code leaves the process.
func (s *sftpSession) fail(op string, start time.Time, err error) {
	fe := fileservice.AsError(err)
	code := fe.Code
	if code == fileservice.CodeOwnershipMismatch {
		code = fileservice.CodeNotFound
	}
	s.emit(evError, errorPayload{
		Operation:  op,
		Code:       code,
		Message:    fileservice.PublicMessage(code),
		Path:       fe.Path,
		TransferID: fe.TransferID,
	})

	fields := []zap.Field{
		zap.String("operation", op),
		zap.String("status", "failure"),
		zap.String("code", string(fe.Code)),
		zap.Duration("duration", time.Since(start)),
		zap.String("backend", s.backend()),
		zap.Error(fe),
	}
	if fe.Path != "" {
		fields = append(fields, zap.String("path", logutil.SanitizeForLog(fe.Path)))
	}
	if fe.TransferID != "" {
		fields = append(fields, zap.String("transfer_id", fe.TransferID))
	}
	if isClientError(fe.Code) {
		s.logger.Warn("sftp operation failed", fields...)
	} else {
		s.logger.Error("sftp operation failed", fields...)
	}
	if op != opUnknown {
		metrics.RecordOperation(op, s.backend(), false, time.Since(start))
	}
}

// succeed logs and counts a successful operation.
func (s *sftpSession) succeed(op string, start time.Time, fields ...zap.Field) {
	d := time.Since(start)
	s.logger.Info("sftp operation",
		append([]zap.Field{
			zap.String("operation", op),
			zap.String("status", "success"),
			zap.Duration("duration", d),
			zap.String("backend", s.backend()),
		}, fields...)...)
	metrics.RecordOperation(op, s.backend(), true, d)
}

func isClientError(c fileservice.Code) bool {
	switch c {
	case fileservice.CodeCommandFailed, fileservice.CodeParseFailed,
		fileservice.CodeSFTPError, fileservice.CodeTransferFailed:
		return false
	}
	return true
}

func (s *sftpSession) handleList(op string, start time.Time, req listRequest) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	listing, err := svc.ListDirectory(s.ctx, s.ConnectionID, req.Path, req.ShowHidden)
	if err != nil {
		s.fileOpAudit(op, req.Path, "failure")
		s.fail(op, start, err)
		return
	}
	if listing.Entries == nil {
		listing.Entries = []fileservice.DirectoryEntry{}
	}
	s.emit(evDirectory, listing)
	s.fileOpAudit(op, listing.Path, "success")
	s.succeed(op, start, zap.String("path", logutil.SanitizeForLog(listing.Path)), zap.Int("entries", len(listing.Entries)))
}

func (s *sftpSession) handleStat(op string, start time.Time, req pathRequest) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	entry, err := svc.Stat(s.ctx, s.ConnectionID, req.Path)
	if err != nil {
		s.fail(op, start, err)
		return
	}
	s.emit(evStatResult, statResult{Path: entry.Path, Entry: entry})
	s.succeed(op, start, zap.String("path", logutil.SanitizeForLog(entry.Path)))
}

func (s *sftpSession) handleMkdir(op string, start time.Time, req mkdirRequest) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	var mode os.FileMode
	if req.Mode != nil {
		mode = os.FileMode(*req.Mode)
	}
	if err := svc.Mkdir(s.ctx, s.ConnectionID, req.Path, mode); err != nil {
		s.fileOpAudit(op, req.Path, "failure")
		s.fail(op, start, err)
		return
	}
	s.emit(evOperationResult, operationResult{Operation: op, Success: true, Path: req.Path})
	s.fileOpAudit(op, req.Path, "success")
	s.succeed(op, start, zap.String("path", logutil.SanitizeForLog(req.Path)))
}

func (s *sftpSession) handleDelete(op string, start time.Time, req deleteRequest) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	if err := svc.Delete(s.ctx, s.ConnectionID, req.Path, req.Recursive); err != nil {
		s.fileOpAudit(op, req.Path, "failure")
		s.fail(op, start, err)
		return
	}
	s.emit(evOperationResult, operationResult{Operation: op, Success: true, Path: req.Path})
	s.fileOpAudit(op, req.Path, "success")
	s.succeed(op, start, zap.String("path", logutil.SanitizeForLog(req.Path)), zap.Bool("recursive", req.Recursive))
}

func (s *sftpSession) fileOpAudit(op, p, status string) {
	sshaudit.LogFileOperation(s.ConnectionID, s.ID, s.backend(), op, p, status)
}
