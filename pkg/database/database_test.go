package database

import (
	"database/sql"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.DatabasePath != "./data/chatrelay.db" {
		t.Errorf("Expected DatabasePath './data/chatrelay.db', got %s", config.DatabasePath)
	}
	if config.MaxConnections != 10 {
		t.Errorf("Expected MaxConnections 10, got %d", config.MaxConnections)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1 hour, got %v", config.ConnMaxLifetime)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("DefaultConfig should be valid: %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = 0 }},
		{"zero write queue", func(c *Config) { c.WriteQueueSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMigrationManager_AppliesEmbeddedSchema(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	applied, err := manager.ApplyMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, applied)

	require.NoError(t, manager.ValidateSchema())

	validator := NewSchemaValidator(db)
	assert.NoError(t, validator.ValidateTableStructure())
	assert.NoError(t, validator.ValidateConstraints())
}

func TestMigrationManager_IsIdempotent(t *testing.T) {
	db := openTestDB(t)
	manager := NewMigrationManager(db)

	_, err := manager.ApplyMigrations()
	require.NoError(t, err)

	applied, err := manager.ApplyMigrations()
	require.NoError(t, err)
	assert.Empty(t, applied)

	versions, err := manager.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)
}

func TestMigrationManager_OrdersByVersion(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"m/002_add_index.sql": {Data: []byte("CREATE INDEX idx_things_name ON things(name);")},
		"m/001_create.sql":    {Data: []byte("CREATE TABLE things (name TEXT);")},
		"m/readme.txt":        {Data: []byte("ignored")},
	}

	applied, err := NewMigrationManagerFS(db, source, "m").ApplyMigrations()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, applied)
}

func TestMigrationManager_FailedMigrationIsNotRecorded(t *testing.T) {
	db := openTestDB(t)
	source := fstest.MapFS{
		"m/001_broken.sql": {Data: []byte("CREATE TABLE (;")},
	}

	manager := NewMigrationManagerFS(db, source, "m")
	_, err := manager.ApplyMigrations()
	require.Error(t, err)

	versions, err := manager.AppliedVersions()
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestSchemaValidator_FailsOnEmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	validator := NewSchemaValidator(db)

	assert.Error(t, validator.ValidateTablesExist())
	assert.Error(t, validator.ValidateIndexes())
}
