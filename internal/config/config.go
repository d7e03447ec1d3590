package config

import (
	"fmt"
	"log"
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/kelseyhightower/envconfig"
)

// File backend selection modes.
const (
	BackendAuto  = "auto"
	BackendSFTP  = "sftp"
	BackendShell = "shell"
)

type Settings struct {
	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath       string   `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath   string   `envconfig:"DATABASE_PATH" default:""`
	LogPath        string   `envconfig:"LOG_PATH" default:""`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat      string   `envconfig:"LOG_FORMAT" default:"json"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`

	// File transfer settings
	SFTPEnabled            bool   `envconfig:"SFTP_ENABLED" default:"true"`
	FileBackend            string `envconfig:"FILE_BACKEND" default:"auto"`
	MaxUploadSize          string `envconfig:"SFTP_MAX_UPLOAD_SIZE" default:"100MB"`
	MaxChunkSize           string `envconfig:"SFTP_MAX_CHUNK_SIZE" default:"1MB"`
	DownloadChunkSize      string `envconfig:"SFTP_DOWNLOAD_CHUNK_SIZE" default:"64KB"`
	MaxTransfersPerSession int    `envconfig:"SFTP_MAX_TRANSFERS_PER_SESSION" default:"8"`

	// SSH connection settings
	ConnectionsFile string `envconfig:"CONNECTIONS_FILE" default:""`
	SSHKeyPath      string `envconfig:"SSH_KEY_PATH" default:"~/.ssh/id_ed25519"`

	// Audit retention
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

// Limits are the parsed byte sizes of the transfer settings.
type Limits struct {
	MaxUploadSize     int64
	MaxChunkSize      int
	DownloadChunkSize int
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("CLAWORC", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate checks enumerated values and size strings.
func (s Settings) Validate() error {
	switch s.FileBackend {
	case BackendAuto, BackendSFTP, BackendShell:
	default:
		return fmt.Errorf("FILE_BACKEND must be auto, sftp or shell, got %q", s.FileBackend)
	}
	if s.MaxTransfersPerSession < 0 {
		return fmt.Errorf("SFTP_MAX_TRANSFERS_PER_SESSION must not be negative")
	}
	_, err := s.Limits()
	return err
}

// Limits parses the human-readable size settings ("100MB", "64KiB").
func (s Settings) Limits() (Limits, error) {
	upload, err := units.FromHumanSize(s.MaxUploadSize)
	if err != nil {
		return Limits{}, fmt.Errorf("SFTP_MAX_UPLOAD_SIZE: %w", err)
	}
	chunk, err := units.FromHumanSize(s.MaxChunkSize)
	if err != nil {
		return Limits{}, fmt.Errorf("SFTP_MAX_CHUNK_SIZE: %w", err)
	}
	download, err := units.FromHumanSize(s.DownloadChunkSize)
	if err != nil {
		return Limits{}, fmt.Errorf("SFTP_DOWNLOAD_CHUNK_SIZE: %w", err)
	}
	if chunk <= 0 || download <= 0 {
		return Limits{}, fmt.Errorf("chunk sizes must be positive")
	}
	return Limits{
		MaxUploadSize:     upload,
		MaxChunkSize:      int(chunk),
		DownloadChunkSize: int(download),
	}, nil
}

// DBPath returns DATABASE_PATH, defaulting to a file under DATA_PATH.
func (s Settings) DBPath() string {
	if s.DatabasePath != "" {
		return s.DatabasePath
	}
	return filepath.Join(s.DataPath, "sftp-gateway.db")
}

// LogFilePath returns LOG_PATH, defaulting to a file under DATA_PATH.
func (s Settings) LogFilePath() string {
	if s.LogPath != "" {
		return s.LogPath
	}
	return filepath.Join(s.DataPath, "sftp-gateway.log")
}
