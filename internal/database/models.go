package database

import "time"

// FileAuditLog is one audited file-transfer or connection event.
type FileAuditLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	ConnectionID string    `gorm:"index;not null" json:"connection_id"`
	SessionID    string    `gorm:"index" json:"session_id"`
	EventType    string    `gorm:"index;not null" json:"event_type"`
	Operation    string    `json:"operation"`
	Path         string    `json:"path"`
	TransferID   string    `gorm:"index" json:"transfer_id,omitempty"`
	Backend      string    `json:"backend"`
	SourceIP     string    `json:"source_ip"`
	Status       string    `json:"status"`
	Bytes        int64     `json:"bytes"`
	Details      string    `json:"details"`
	DurationMs   int64     `gorm:"column:duration_ms" json:"duration_ms"`
	CreatedAt    time.Time `gorm:"index" json:"created_at"`
}
