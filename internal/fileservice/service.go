// Package fileservice defines the capability contract shared by the SFTP and
// shell-command file backends.
//
// The websocket adapter only ever holds a [FileService]. Which implementation
// sits behind it (SFTP subsystem or POSIX shell fallback) is decided once per
// connection and is invisible to the adapter. Every fallible method returns
// a *[Error] so the adapter never has to branch on backend identity.
package fileservice

import (
	"context"
	"os"
	"time"
)

// Backend names reported by [FileService.Backend].
const (
	BackendSFTP  = "sftp"
	BackendShell = "shell"
)

// DefaultDirMode is used by Mkdir when the caller does not supply a mode.
const DefaultDirMode os.FileMode = 0o755

// FileService is implemented by both file backends.
type FileService interface {
	// IsEnabled reports whether file transfer is switched on for this backend.
	IsEnabled() bool
	// Backend returns BackendSFTP or BackendShell.
	Backend() string

	ListDirectory(ctx context.Context, connectionID, path string, showHidden bool) (*DirectoryListing, error)
	Stat(ctx context.Context, connectionID, path string) (*DirectoryEntry, error)
	Mkdir(ctx context.Context, connectionID, path string, mode os.FileMode) error
	Delete(ctx context.Context, connectionID, path string, recursive bool) error
	HomeDirectory(ctx context.Context, connectionID string) (string, error)

	StartUpload(ctx context.Context, req UploadRequest) (*UploadReady, error)
	ProcessUploadChunk(ctx context.Context, chunk UploadChunk) (*ChunkAck, error)
	CompleteUpload(ctx context.Context, transferID, sessionID string) (*TransferSummary, error)
	CancelUpload(ctx context.Context, transferID, sessionID string) error
	VerifyTransferOwnership(transferID, sessionID string) error

	StartDownload(ctx context.Context, req DownloadRequest) (*DownloadReady, error)
	// StreamDownloadChunks blocks until the download reaches a terminal state.
	// Callers run it in its own goroutine; all results flow through cb.
	StreamDownloadChunks(ctx context.Context, transferID, sessionID string, cb DownloadCallbacks)
	CancelDownload(ctx context.Context, transferID, sessionID string) error

	// OpenSession registers a session on a connection. Each call is paired
	// with one CloseSession.
	OpenSession(connectionID string)
	// CloseSession releases the session's hold on a connection. Shared
	// per-connection resources are released with the last session.
	CloseSession(connectionID string)
	// CancelSessionTransfers cancels every transfer owned by sessionID and
	// returns how many were removed.
	CancelSessionTransfers(sessionID string) int
}

// EntryType classifies a directory entry.
type EntryType string

const (
	TypeFile      EntryType = "file"
	TypeDirectory EntryType = "directory"
	TypeSymlink   EntryType = "symlink"
	TypeOther     EntryType = "other"
)

// DirectoryEntry is the unified file model returned by both backends.
type DirectoryEntry struct {
	Name             string    `json:"name"`
	Path             string    `json:"path"`
	Type             EntryType `json:"type"`
	Size             int64     `json:"size"`
	Permissions      string    `json:"permissions"`
	PermissionsOctal string    `json:"permissionsOctal"`
	Owner            string    `json:"owner"`
	Group            string    `json:"group"`
	ModifiedAt       string    `json:"modifiedAt"`
	AccessedAt       string    `json:"accessedAt"`
	IsHidden         bool      `json:"isHidden"`
	LinkTarget       string    `json:"linkTarget,omitempty"`
}

// DirectoryListing is the result of ListDirectory.
type DirectoryListing struct {
	Path    string           `json:"path"`
	Entries []DirectoryEntry `json:"entries"`
}

// Direction of a transfer.
type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// UploadRequest starts an upload. The transfer id is always generated by the
// server and is therefore not part of the request.
type UploadRequest struct {
	SessionID    string
	ConnectionID string
	RemotePath   string
	FileName     string
	FileSize     int64
	MimeType     string
	Overwrite    bool
}

// UploadReady is returned once an upload has been accepted.
type UploadReady struct {
	TransferID string `json:"transferId"`
	RemotePath string `json:"remotePath"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	ChunkSize  int    `json:"chunkSize"`
}

// UploadChunk carries one decoded chunk of an upload.
type UploadChunk struct {
	TransferID string
	SessionID  string
	ChunkIndex int
	Data       []byte
	IsLast     bool
}

// ChunkAck acknowledges a chunk that has been written to the remote side.
type ChunkAck struct {
	TransferID    string `json:"transferId"`
	ChunkIndex    int    `json:"chunkIndex"`
	BytesReceived int64  `json:"bytesReceived"`
	TotalBytes    int64  `json:"-"`
	IsLast        bool   `json:"-"`
}

// DownloadRequest starts a download.
type DownloadRequest struct {
	SessionID    string
	ConnectionID string
	RemotePath   string
}

// DownloadReady is returned synchronously by StartDownload.
type DownloadReady struct {
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	MimeType   string `json:"mimeType,omitempty"`
}

// DownloadChunk is one piece of a streamed download.
type DownloadChunk struct {
	TransferID string
	ChunkIndex int
	Data       []byte
	IsLast     bool
}

// Progress reports bytes moved so far for a transfer.
type Progress struct {
	TransferID       string    `json:"transferId"`
	Direction        Direction `json:"direction"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"totalBytes"`
	Percent          int       `json:"percent"`
}

// TransferSummary is the completion record of a transfer.
type TransferSummary struct {
	TransferID       string    `json:"transferId"`
	Direction        Direction `json:"direction"`
	RemotePath       string    `json:"-"`
	BytesTransferred int64     `json:"bytesTransferred"`
	TotalBytes       int64     `json:"-"`
	DurationMs       int64     `json:"durationMs"`
}

// DownloadCallbacks is the closed set of messages a download stream produces.
// OnChunk returning an error stops the stream without calling OnError.
type DownloadCallbacks struct {
	OnChunk    func(DownloadChunk) error
	OnProgress func(Progress)
	OnComplete func(TransferSummary)
	OnError    func(*Error)
}

// NewProgress builds a Progress with the percentage filled in.
func NewProgress(id string, dir Direction, done, total int64) Progress {
	pct := 100
	if total > 0 {
		pct = int(done * 100 / total)
	}
	return Progress{
		TransferID:       id,
		Direction:        dir,
		BytesTransferred: done,
		TotalBytes:       total,
		Percent:          pct,
	}
}

// FormatTime renders a timestamp the way every DirectoryEntry carries it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
