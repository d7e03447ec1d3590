package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMigratesAndUsesWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	db, err := Open(path)
	require.NoError(t, err)

	var mode string
	require.NoError(t, db.Raw("PRAGMA journal_mode").Scan(&mode).Error)
	assert.Equal(t, "wal", mode)

	rec := FileAuditLog{ConnectionID: "box", EventType: "file_operation", Operation: "mkdir", Path: "/tmp/x"}
	require.NoError(t, db.Create(&rec).Error)
	assert.NotZero(t, rec.ID)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)

	var loaded FileAuditLog
	require.NoError(t, db.First(&loaded, rec.ID).Error)
	assert.Equal(t, "/tmp/x", loaded.Path)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestInitSetsGlobal(t *testing.T) {
	require.NoError(t, Init(filepath.Join(t.TempDir(), "g.db")))
	t.Cleanup(func() {
		Close()
		DB = nil
	})
	require.NotNil(t, DB)
	assert.True(t, DB.Migrator().HasTable(&FileAuditLog{}))
}
