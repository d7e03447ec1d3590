package transfer

import (
	"context"
	"errors"
	"io"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// Pump streams a download from r to cb in chunks of chunkSize bytes. It reads
// at most t.TotalSize bytes and blocks until the transfer ends.
//
// Cancellation is polled between chunks: once t has been claimed (by
// CancelDownload or CancelSession) or ctx is done, Pump returns without
// emitting anything further. An OnChunk error ends the transfer as
// cancelled. Reaching the declared size claims it as completed and emits
// OnComplete; a read failure or a short file claims it as errored and emits
// OnError.
func (m *Manager) Pump(ctx context.Context, t *Transfer, r io.Reader, chunkSize int, cb fileservice.DownloadCallbacks) {
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	src := io.LimitReader(r, t.TotalSize)
	buf := make([]byte, chunkSize)
	index := 0
	var sent int64

	for {
		select {
		case <-t.Done():
			return
		case <-ctx.Done():
			m.cancelQuietly(t)
			return
		default:
		}

		n, err := io.ReadFull(src, buf)
		eof := errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
		if err != nil && !eof {
			m.endWithError(t, cb, fileservice.Wrap(fileservice.CodeTransferFailed, err, t.RemotePath))
			return
		}

		if n == 0 && sent < t.TotalSize {
			m.endWithError(t, cb, fileservice.Errorf(fileservice.CodeSizeMismatch,
				"read %d of %d bytes", sent, t.TotalSize).WithPath(t.RemotePath))
			return
		}

		// A zero-byte file still produces one (empty) final chunk.
		if n > 0 || index == 0 {
			if !m.Advance(t, n) {
				return
			}
			sent += int64(n)
			chunk := fileservice.DownloadChunk{
				TransferID: t.ID,
				ChunkIndex: index,
				Data:       append([]byte(nil), buf[:n]...),
				IsLast:     sent >= t.TotalSize,
			}
			if cb.OnChunk != nil {
				if err := cb.OnChunk(chunk); err != nil {
					m.cancelQuietly(t)
					return
				}
			}
			if cb.OnProgress != nil {
				cb.OnProgress(fileservice.NewProgress(t.ID, t.Direction, sent, t.TotalSize))
			}
			index++
		}

		if sent >= t.TotalSize {
			if _, err := m.Claim(t.ID, t.SessionID, StateCompleted); err != nil {
				return
			}
			t.CloseHandle()
			if cb.OnComplete != nil {
				cb.OnComplete(t.Summary())
			}
			return
		}
		if eof {
			m.endWithError(t, cb, fileservice.Errorf(fileservice.CodeSizeMismatch,
				"read %d of %d bytes", sent, t.TotalSize).WithPath(t.RemotePath))
			return
		}
	}
}

func (m *Manager) cancelQuietly(t *Transfer) {
	if _, err := m.Claim(t.ID, t.SessionID, StateCancelled); err == nil {
		t.Abort()
	}
}

// endWithError claims t as errored and reports fe. If someone else claimed t
// first the error is swallowed: the transfer was cancelled, not failed.
func (m *Manager) endWithError(t *Transfer, cb fileservice.DownloadCallbacks, fe *fileservice.Error) {
	if _, err := m.Claim(t.ID, t.SessionID, StateErrored); err != nil {
		return
	}
	t.Abort()
	if cb.OnError != nil {
		cb.OnError(fe.WithTransfer(t.ID))
	}
}
