package sshaudit

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/sftp-gateway/internal/database"
	"github.com/gluk-w/claworc/sftp-gateway/internal/logutil"
)

// Event types for audit logging.
const (
	EventFileOperation         = "file_operation"
	EventTransferStarted       = "transfer_started"
	EventTransferCompleted     = "transfer_completed"
	EventTransferCancelled     = "transfer_cancelled"
	EventPolicyBlock           = "policy_block"
	EventConnectionEstablished = "connection_established"
	EventConnectionTerminated  = "connection_terminated"
	EventConnectionFailed      = "connection_failed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	ConnectionID string
	SessionID    string
	EventType    string
	Operation    string
	Path         string
	TransferID   string
	Backend      string
	SourceIP     string
	Status       string
	Bytes        int64
	Details      string
	DurationMs   int64
}

// Auditor records and queries audit logs.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	logger        *zap.Logger
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int, logger *zap.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auditor{
		db:            db,
		logger:        logger.Named("audit"),
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}
}

// Log records an audit event to the database and the logger.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.FileAuditLog{
		ConnectionID: entry.ConnectionID,
		SessionID:    entry.SessionID,
		EventType:    entry.EventType,
		Operation:    entry.Operation,
		Path:         entry.Path,
		TransferID:   entry.TransferID,
		Backend:      entry.Backend,
		SourceIP:     entry.SourceIP,
		Status:       entry.Status,
		Bytes:        entry.Bytes,
		Details:      entry.Details,
		DurationMs:   entry.DurationMs,
		CreatedAt:    a.nowFn(),
	}

	a.mu.RLock()
	err := a.db.Create(&record).Error
	a.mu.RUnlock()
	if err != nil {
		a.logger.Error("failed to write audit log", zap.String("event", entry.EventType), zap.Error(err))
		return err
	}

	a.logger.Info(entry.EventType,
		zap.String("connection_id", logutil.SanitizeForLog(entry.ConnectionID)),
		zap.String("session_id", entry.SessionID),
		zap.String("operation", entry.Operation),
		zap.String("path", logutil.SanitizeForLog(entry.Path)),
		zap.String("transfer_id", entry.TransferID),
		zap.String("status", entry.Status),
		zap.String("source_ip", entry.SourceIP),
	)
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ConnectionID string
	SessionID    string
	EventType    string
	TransferID   string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.FileAuditLog `json:"entries"`
	Total   int64                   `json:"total"`
	Limit   int                     `json:"limit"`
	Offset  int                     `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&database.FileAuditLog{})

	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.TransferID != "" {
		tx = tx.Where("transfer_id = ?", opts.TransferID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []database.FileAuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days is 0) and returns how many were deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)

	a.mu.Lock()
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.FileAuditLog{})
	a.mu.Unlock()
	if result.Error != nil {
		a.logger.Error("purge failed", zap.Error(result.Error))
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info("purged audit log entries",
			zap.Int64("deleted", result.RowsAffected), zap.Int("older_than_days", days))
	}
	return result.RowsAffected, nil
}

// StartPurge runs PurgeOlderThan on a cron schedule ("@daily", "0 3 * * *").
// Stop the returned scheduler on shutdown.
func (a *Auditor) StartPurge(schedule string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { a.PurgeOlderThan(0) }); err != nil {
		return nil, fmt.Errorf("audit purge schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
