package handlers

import (
	"encoding/base64"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/logutil"
	"github.com/gluk-w/claworc/sftp-gateway/internal/metrics"
	"github.com/gluk-w/claworc/sftp-gateway/internal/sshaudit"
)

// gate verifies that the session owns transferID before any backend work.
// A foreign or unknown transfer is answered exactly like a missing one.
func (s *sftpSession) gate(svc fileservice.FileService, op, transferID string) *fileservice.Error {
	err := svc.VerifyTransferOwnership(transferID, s.ID)
	if err == nil {
		return nil
	}
	if errors.Is(err, fileservice.ErrOwnershipMismatch) {
		sshaudit.LogPolicyBlock(s.ConnectionID, s.ID, op, transferID, s.SourceIP)
		metrics.RecordPolicyBlock(op)
		s.logger.Warn("transfer ownership rejected",
			zap.String("operation", op),
			zap.String("transfer_id", logutil.SanitizeForLog(transferID)),
			zap.String("source_ip", s.SourceIP))
	}
	return fileservice.Errorf(fileservice.CodeNotFound, "transfer not found").WithTransfer(transferID)
}

func (s *sftpSession) handleUploadStart(op string, start time.Time, req uploadStartRequest) {
	if err := req.validate(s.h.limits); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	ready, err := svc.StartUpload(s.ctx, fileservice.UploadRequest{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		RemotePath:   req.RemotePath,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
		MimeType:     req.MimeType,
		Overwrite:    req.Overwrite,
	})
	if err != nil {
		s.fail(op, start, err)
		return
	}
	s.emit(evUploadReady, ready)
	sshaudit.LogTransferStarted(s.ConnectionID, s.ID, ready.TransferID, string(fileservice.DirectionUpload), ready.RemotePath, ready.FileSize)
	s.succeed(op, start,
		zap.String("transfer_id", ready.TransferID),
		zap.String("path", logutil.SanitizeForLog(ready.RemotePath)),
		zap.Int64("size", ready.FileSize))
}

// handleUploadChunk writes one chunk. The read loop does not take the next
// frame until the write returns, so a fast client is throttled by the backend.
func (s *sftpSession) handleUploadChunk(op string, start time.Time, req uploadChunkRequest) {
	data, verr := req.decode(s.h.limits)
	if verr != nil {
		s.fail(op, start, verr.WithTransfer(req.TransferID))
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr.WithTransfer(req.TransferID))
		return
	}
	if gerr := s.gate(svc, op, req.TransferID); gerr != nil {
		s.fail(op, start, gerr)
		return
	}

	ack, err := svc.ProcessUploadChunk(s.ctx, fileservice.UploadChunk{
		TransferID: req.TransferID,
		SessionID:  s.ID,
		ChunkIndex: req.ChunkIndex,
		Data:       data,
		IsLast:     req.IsLast,
	})
	if err != nil {
		s.fail(op, start, fileservice.AsError(err).WithTransfer(req.TransferID))
		return
	}
	metrics.AddTransferBytes(string(fileservice.DirectionUpload), len(data))
	s.emit(evUploadAck, ack)
	s.emit(evProgress, fileservice.NewProgress(ack.TransferID, fileservice.DirectionUpload, ack.BytesReceived, ack.TotalBytes))
	s.succeed(op, start,
		zap.String("transfer_id", ack.TransferID),
		zap.Int("chunk_index", ack.ChunkIndex),
		zap.Int("bytes", len(data)))

	if req.IsLast {
		s.completeUpload(svc, req.TransferID)
	}
}

func (s *sftpSession) completeUpload(svc fileservice.FileService, transferID string) {
	start := time.Now()
	sum, err := svc.CompleteUpload(s.ctx, transferID, s.ID)
	if err != nil {
		s.fail(opUploadChunk, start, fileservice.AsError(err).WithTransfer(transferID))
		return
	}
	s.emit(evComplete, sum)
	sshaudit.LogTransferCompleted(s.ConnectionID, s.ID, sum.TransferID, string(sum.Direction), sum.RemotePath, sum.BytesTransferred, sum.DurationMs)
	s.succeed(opUploadComplete, start,
		zap.String("transfer_id", sum.TransferID),
		zap.String("path", logutil.SanitizeForLog(sum.RemotePath)),
		zap.Int64("bytes", sum.BytesTransferred),
		zap.Int64("transfer_ms", sum.DurationMs))
}

func (s *sftpSession) handleCancel(op string, start time.Time, req transferRequest, dir fileservice.Direction) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr.WithTransfer(req.TransferID))
		return
	}
	if gerr := s.gate(svc, op, req.TransferID); gerr != nil {
		s.fail(op, start, gerr)
		return
	}

	var err error
	if dir == fileservice.DirectionUpload {
		err = svc.CancelUpload(s.ctx, req.TransferID, s.ID)
	} else {
		err = svc.CancelDownload(s.ctx, req.TransferID, s.ID)
	}
	if err != nil {
		s.fail(op, start, fileservice.AsError(err).WithTransfer(req.TransferID))
		return
	}
	s.emit(evOperationResult, operationResult{Operation: op, Success: true, TransferID: req.TransferID})
	sshaudit.LogTransferCancelled(s.ConnectionID, s.ID, req.TransferID, string(dir), "client")
	s.succeed(op, start, zap.String("transfer_id", req.TransferID))
}

func (s *sftpSession) handleDownloadStart(op string, start time.Time, req downloadStartRequest) {
	if err := req.validate(); err != nil {
		s.fail(op, start, err)
		return
	}
	svc, ferr := s.resolve()
	if ferr != nil {
		s.fail(op, start, ferr)
		return
	}
	ready, err := svc.StartDownload(s.ctx, fileservice.DownloadRequest{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		RemotePath:   req.RemotePath,
	})
	if err != nil {
		s.fail(op, start, err)
		return
	}
	s.emit(evDownloadReady, ready)
	sshaudit.LogTransferStarted(s.ConnectionID, s.ID, ready.TransferID, string(fileservice.DirectionDownload), req.RemotePath, ready.FileSize)
	s.succeed(op, start,
		zap.String("transfer_id", ready.TransferID),
		zap.String("path", logutil.SanitizeForLog(req.RemotePath)),
		zap.Int64("size", ready.FileSize))

	s.downloads.Add(1)
	go func() {
		defer s.downloads.Done()
		s.streamDownload(svc, ready.TransferID)
	}()
}

// streamDownload forwards the backend's callbacks as wire events until the
// download ends.
func (s *sftpSession) streamDownload(svc fileservice.FileService, transferID string) {
	start := time.Now()
	svc.StreamDownloadChunks(s.ctx, transferID, s.ID, fileservice.DownloadCallbacks{
		OnChunk: func(c fileservice.DownloadChunk) error {
			metrics.AddTransferBytes(string(fileservice.DirectionDownload), len(c.Data))
			return s.emitter.Emit(evDownloadChunk, downloadChunk{
				TransferID: c.TransferID,
				ChunkIndex: c.ChunkIndex,
				Data:       base64.StdEncoding.EncodeToString(c.Data),
				IsLast:     c.IsLast,
			})
		},
		OnProgress: func(p fileservice.Progress) {
			s.emit(evProgress, p)
		},
		OnComplete: func(sum fileservice.TransferSummary) {
			s.emit(evComplete, sum)
			sshaudit.LogTransferCompleted(s.ConnectionID, s.ID, sum.TransferID, string(sum.Direction), sum.RemotePath, sum.BytesTransferred, sum.DurationMs)
			s.succeed(opDownloadStream, start,
				zap.String("transfer_id", sum.TransferID),
				zap.String("path", logutil.SanitizeForLog(sum.RemotePath)),
				zap.Int64("bytes", sum.BytesTransferred),
				zap.Int64("transfer_ms", sum.DurationMs))
		},
		OnError: func(fe *fileservice.Error) {
			s.fail(opDownloadStream, start, fe.WithTransfer(transferID))
		},
	})
}
