package shellbackend

import (
	"context"
	"io"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
	"github.com/gluk-w/claworc/sftp-gateway/internal/shellcmd"
	"github.com/gluk-w/claworc/sftp-gateway/internal/transfer"
)

const cleanupTimeout = 30 * time.Second

func (s *Service) StartUpload(ctx context.Context, req fileservice.UploadRequest) (*fileservice.UploadReady, error) {
	dir, err := s.resolve(ctx, req.ConnectionID, req.RemotePath)
	if err != nil {
		return nil, err
	}
	target := fileservice.JoinRemote(dir, req.FileName)

	parent, err := s.stat(ctx, req.ConnectionID, dir, true)
	if err != nil {
		return nil, err
	}
	if parent.Type != fileservice.TypeDirectory {
		return nil, fileservice.Errorf(fileservice.CodeNotADirectory, "upload target parent").WithPath(dir)
	}

	res, err := s.runner.Run(ctx, req.ConnectionID, shellcmd.BuildExistsCommand(target), nil)
	if err != nil {
		return nil, transportError(err, target)
	}
	if res.ExitCode == 0 {
		existing, err := s.stat(ctx, req.ConnectionID, target, true)
		if err != nil {
			return nil, err
		}
		if existing.Type == fileservice.TypeDirectory {
			return nil, fileservice.Errorf(fileservice.CodeIsADirectory, "upload target").WithPath(target)
		}
		if !req.Overwrite {
			return nil, fileservice.Errorf(fileservice.CodeAlreadyExists, "upload target").WithPath(target)
		}
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

	if _, ferr := s.run(ctx, req.ConnectionID, shellcmd.BuildTruncateCommand(target), nil, target); ferr != nil {
		s.transfers.Claim(t.ID, t.SessionID, transfer.StateErrored)
		return nil, ferr.WithTransfer(t.ID)
	}
	t.Attach(nil, func() { s.removePartial(req.ConnectionID, target) })

	return &fileservice.UploadReady{
		TransferID: t.ID,
		RemotePath: target,
		FileName:   req.FileName,
		FileSize:   req.FileSize,
		ChunkSize:  s.opts.UploadChunkSize,
	}, nil
}

// removePartial runs detached from any request: it fires on cancel and
// disconnect, when the originating context is usually gone.
func (s *Service) removePartial(connectionID, target string) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if _, ferr := s.run(ctx, connectionID, shellcmd.BuildRemoveFileCommand(target), nil, target); ferr != nil {
		s.logger.Warn("remove partial upload failed", zap.String("path", target), zap.Error(ferr))
	}
}

func (s *Service) ProcessUploadChunk(ctx context.Context, chunk fileservice.UploadChunk) (*fileservice.ChunkAck, error) {
	t, err := s.transfers.Get(chunk.TransferID, chunk.SessionID)
	if err != nil {
		return nil, err
	}
	cmd := shellcmd.BuildAppendCommand(t.RemotePath)
	ack, err := s.transfers.ApplyChunk(t.ID, chunk.SessionID, chunk.ChunkIndex, chunk.Data,
		func(_ io.Closer, data []byte) error {
			if _, ferr := s.run(ctx, t.ConnectionID, cmd, data, t.RemotePath); ferr != nil {
				return ferr
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
	full, err := s.resolve(ctx, req.ConnectionID, req.RemotePath)
	if err != nil {
		return nil, err
	}
	e, err := s.stat(ctx, req.ConnectionID, full, true)
	if err != nil {
		return nil, err
	}
	if e.Type == fileservice.TypeDirectory {
		return nil, fileservice.Errorf(fileservice.CodeIsADirectory, "download source").WithPath(full)
	}

	name := path.Base(full)
	t, err := s.transfers.Create(transfer.Spec{
		SessionID:    req.SessionID,
		ConnectionID: req.ConnectionID,
		Direction:    fileservice.DirectionDownload,
		RemotePath:   full,
		FileName:     name,
		TotalSize:    e.Size,
	})
	if err != nil {
		return nil, err
	}

	// The stream outlives the request; closing the handle ends it.
	rc, err := s.runner.Stream(context.WithoutCancel(ctx), req.ConnectionID, shellcmd.BuildReadCommand(full))
	if err != nil {
		s.transfers.Claim(t.ID, t.SessionID, transfer.StateErrored)
		return nil, transportError(err, full).WithTransfer(t.ID)
	}
	t.Attach(rc, nil)

	return &fileservice.DownloadReady{
		TransferID: t.ID,
		FileName:   name,
		FileSize:   e.Size,
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
		return
	}
	s.transfers.Pump(ctx, t, r, s.opts.DownloadChunkSize, cb)
}

func (s *Service) CancelDownload(ctx context.Context, transferID, sessionID string) error {
	_, err := s.transfers.Cancel(transferID, sessionID, fileservice.DirectionDownload)
	return err
}
