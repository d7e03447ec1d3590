package handlers

import (
	"encoding/json"

	"github.com/gluk-w/claworc/sftp-gateway/internal/fileservice"
)

// Inbound events.
const (
	evList           = "sftp-list"
	evStat           = "sftp-stat"
	evMkdir          = "sftp-mkdir"
	evDelete         = "sftp-delete"
	evUploadStart    = "sftp-upload-start"
	evUploadChunk    = "sftp-upload-chunk"
	evUploadCancel   = "sftp-upload-cancel"
	evDownloadStart  = "sftp-download-start"
	evDownloadCancel = "sftp-download-cancel"
)

// Outbound events.
const (
	evDirectory       = "sftp-directory"
	evStatResult      = "sftp-stat-result"
	evOperationResult = "sftp-operation-result"
	evUploadReady     = "sftp-upload-ready"
	evUploadAck       = "sftp-upload-ack"
	evDownloadReady   = "sftp-download-ready"
	evDownloadChunk   = "sftp-download-chunk"
	evProgress        = "sftp-progress"
	evComplete        = "sftp-complete"
	evError           = "sftp-error"
)

// Operation names carried in results, errors, logs and metrics.
const (
	opList           = "list"
	opStat           = "stat"
	opMkdir          = "mkdir"
	opDelete         = "delete"
	opUploadStart    = "upload-start"
	opUploadChunk    = "upload-chunk"
	opUploadCancel   = "upload-cancel"
	opDownloadStart  = "download-start"
	opUploadComplete = "upload-complete"
	opDownloadStream = "download"
	opDownloadCancel = "download-cancel"
	opUnknown        = "unknown"
)

// frame is the envelope of every message in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Request tags: paths are at most 4096 bytes without NUL, file names at most
// 255 bytes and a single path component. An empty list path means home.
type listRequest struct {
	Path       string `json:"path" validate:"maxbytes=4096,nonul"`
	ShowHidden bool   `json:"showHidden"`
}

type pathRequest struct {
	Path string `json:"path" validate:"required,maxbytes=4096,nonul"`
}

type mkdirRequest struct {
	Path string  `json:"path" validate:"required,maxbytes=4096,nonul"`
	Mode *uint32 `json:"mode,omitempty" validate:"omitempty,lte=511"`
}

type deleteRequest struct {
	Path      string `json:"path" validate:"required,maxbytes=4096,nonul,notroot"`
	Recursive bool   `json:"recursive"`
}

type uploadStartRequest struct {
	RemotePath string `json:"remotePath" validate:"required,maxbytes=4096,nonul"`
	FileName   string `json:"fileName" validate:"required,maxbytes=255,nonul,notdots,excludesall=/"`
	FileSize   int64  `json:"fileSize" validate:"gte=0"`
	MimeType   string `json:"mimeType,omitempty" validate:"maxbytes=255"`
	Overwrite  bool   `json:"overwrite"`
}

type uploadChunkRequest struct {
	TransferID string `json:"transferId" validate:"required,max=64"`
	ChunkIndex int    `json:"chunkIndex" validate:"gte=0"`
	Data       string `json:"data"`
	IsLast     bool   `json:"isLast"`
}

type transferRequest struct {
	TransferID string `json:"transferId" validate:"required,max=64"`
}

type downloadStartRequest struct {
	RemotePath string `json:"remotePath" validate:"required,maxbytes=4096,nonul"`
}

type statResult struct {
	Path  string                      `json:"path"`
	Entry *fileservice.DirectoryEntry `json:"entry"`
}

type operationResult struct {
	Operation  string `json:"operation"`
	Success    bool   `json:"success"`
	Path       string `json:"path,omitempty"`
	TransferID string `json:"transferId,omitempty"`
}

type downloadChunk struct {
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       string `json:"data"`
	IsLast     bool   `json:"isLast"`
}

type errorPayload struct {
	Operation  string           `json:"operation"`
	Code       fileservice.Code `json:"code"`
	Message    string           `json:"message"`
	Path       string           `json:"path,omitempty"`
	TransferID string           `json:"transferId,omitempty"`
}
