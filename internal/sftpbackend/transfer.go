package sftpbackend

import (
	"context"
	"errors"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

func (s *Service) StartUpload(ctx context.Context, req fileservice.UploadRequest) (*fileservice.UploadReady, error) {
	c, err := s.client(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	dir, err := s.resolve(c, req.RemotePath)
	if err != nil {
		return nil, s.fail(req.ConnectionID, c, err, req.RemotePath)
	}
	target := fileservice.JoinRemote(dir, req.FileName)

	dirInfo, err := c.Stat(dir)
	if err != nil {
		return nil, s.fail(req.ConnectionID, c, err, dir)
	}
	if !dirInfo.IsDir() {
		return nil, fileservice.Errorf(fileservice.CodeNotADirectory, "upload target parent").WithPath(dir)
	}
	if info, err := c.Lstat(target); err == nil {
		if info.IsDir() {
			return nil, fileservice.Errorf(fileservice.CodeIsADirectory, "upload target").WithPath(target)
		}
		if !req.Overwrite {
			return nil, fileservice.Errorf(fileservice.CodeAlreadyExists, "upload target").WithPath(target)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, s.fail(req.ConnectionID, c, err, target)
	}

	t, err := s.transfers.Create(transfer.Spec{
		SessionID:    req.SessionID,
		ConnectionID: req.ConnectionID,
		Direction:    fileservice.DirectionUpload,
		RemotePath:   target,
		FileName:     req.FileName,
		TotalSize:    req.FileSize,
	})
	if err != nil {
		return nil, err
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !req.Overwrite {
		flags |= os.O_EXCL
	}
	f, err := c.OpenFile(target, flags)
	if err != nil {
		s.transfers.Claim(t.ID, t.SessionID, transfer.StateErrored)
		return nil, s.fail(req.ConnectionID, c, err, target).WithTransfer(t.ID)
	}
	t.Attach(f, func() { s.removePartial(c, target) })

	return &fileservice.UploadReady{
		TransferID: t.ID,
		RemotePath: target,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		ChunkSize:  s.opts.UploadChunkSize,
	}, nil
}

func (s *Service) removePartial(c *sftp.Client, target string) {
	if err := c.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove partial upload failed", zap.String("path", target), zap.Error(err))
	}
}

func (s *Service) ProcessUploadChunk(ctx context.Context, chunk fileservice.UploadChunk) (*fileservice.ChunkAck, error) {
	t, err := s.transfers.Get(chunk.TransferID, chunk.SessionID)
	if err != nil {
		return nil, err
	}
	ack, err := s.transfers.ApplyChunk(t.ID, chunk.SessionID, chunk.ChunkIndex, chunk.Data,
		func(h io.Closer, data []byte) error {
			w, ok := h.(io.Writer)
			if !ok {
				return fileservice.Errorf(fileservice.CodeTransferFailed, "upload has no open writer")
			}
			if _, err := w.Write(data); err != nil {
				return mapError(err, t.RemotePath)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	ack.IsLast = chunk.IsLast
	return ack, nil
}

func (s *Service) CompleteUpload(ctx context.Context, transferID, sessionID string) (*fileservice.TransferSummary, error) {
	t, err := s.transfers.CompleteUpload(transferID, sessionID)
	if err != nil {
		return nil, err
	}
	sum := t.Summary()
	return &sum, nil
}

func (s *Service) CancelUpload(ctx context.Context, transferID, sessionID string) error {
	_, err := s.transfers.Cancel(transferID, sessionID, fileservice.DirectionUpload)
	return err
}

func (s *Service) VerifyTransferOwnership(transferID, sessionID string) error {
	return s.transfers.Verify(transferID, sessionID)
}

func (s *Service) StartDownload(ctx context.Context, req fileservice.DownloadRequest) (*fileservice.DownloadReady, error) {
	c, err := s.client(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	full, err := s.resolve(c, req.RemotePath)
	if err != nil {
		return nil, s.fail(req.ConnectionID, c, err, req.RemotePath)
	}
	info, err := c.Stat(full)
	if err != nil {
		return nil, s.fail(req.ConnectionID, c, err, full)
	}
	if info.IsDir() {
		return nil, fileservice.Errorf(fileservice.CodeIsADirectory, "download source").WithPath(full)
	}

	name := path.Base(full)
	t, err := s.transfers.Create(transfer.Spec{
		SessionID:    req.SessionID,
		ConnectionID: req.ConnectionID,
		Direction:    fileservice.DirectionDownload,
		RemotePath:   full,
		FileName:     name,
		TotalSize:    info.Size(),
	})
	if err != nil {
		return nil, err
	}

	f, err := c.Open(full)
	if err != nil {
		s.transfers.Claim(t.ID, t.SessionID, transfer.StateErrored)
		return nil, s.fail(req.ConnectionID, c, err, full).WithTransfer(t.ID)
	}
	t.Attach(f, nil)

	return &fileservice.DownloadReady{
		TransferID: t.ID,
		FileName:   name,
		FileSize:   info.Size(),
		MimeType:   fileservice.MimeType(name),
	}, nil
}

func (s *Service) StreamDownloadChunks(ctx context.Context, transferID, sessionID string, cb fileservice.DownloadCallbacks) {
	t, err := s.transfers.Get(transferID, sessionID)
	if err == nil && t.Direction != fileservice.DirectionDownload {
		err = fileservice.Errorf(fileservice.CodeNotFound, "not a download").WithTransfer(transferID)
	}
	if err != nil {
		if cb.OnError != nil {
			cb.OnError(fileservice.AsError(err))
		}
		return
	}
	r, ok := t.Handle().(io.Reader)
	if !ok {
		// Cancelled between StartDownload and here.
		return
	}
	s.transfers.Pump(ctx, t, r, s.opts.DownloadChunkSize, cb)
}

func (s *Service) CancelDownload(ctx context.Context, transferID, sessionID string) error {
	_, err := s.transfers.Cancel(transferID, sessionID, fileservice.DirectionDownload)
	return err
}

func (s *Service) OpenSession(connectionID string) { s.sessions.Acquire(connectionID) }

// CloseSession closes the cached sftp client of a connection once no other
// session holds it and no transfer is running over it.
func (s *Service) CloseSession(connectionID string) {
	if !s.sessions.Release(connectionID) {
		return
	}
	if s.transfers.CountConnection(connectionID) > 0 {
		return
	}
	s.mu.Lock()
	c, ok := s.clients[connectionID]
	delete(s.clients, connectionID)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
}

func (s *Service) CancelSessionTransfers(sessionID string) int {
	return len(s.transfers.CancelSession(sessionID))
}
