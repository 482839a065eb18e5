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
	config := DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", config.DSN())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty path", func(c *Config) { c.DatabasePath = "" }},
		{"zero connections", func(c *Config) { c.MaxConnections = 0 }},
		{"zero lifetime", func(c *Config) { c.ConnMaxLifetime = 0 }},
		{"zero idle time", func(c *Config) { c.ConnMaxIdleTime = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			assert.Error(t, config.Validate())
		})
	}
}

func TestApplyOptimizations(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, ApplyOptimizations(db))

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)
}

func TestMigrationManager_EmbeddedSchema(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)

	require.NoError(t, mgr.ApplyMigrations())
	require.NoError(t, mgr.ApplyMigrations(), "re-applying is a no-op")

	versions, err := mgr.AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001"}, versions)

	require.NoError(t, NewSchemaValidator(db).Validate())
}

func TestMigrationManager_OrderAndFailure(t *testing.T) {
	db := openTestDB(t)
	fsys := fstest.MapFS{
		"m/002_add_b.sql":  {Data: []byte(`CREATE TABLE b (id TEXT REFERENCES a(id));`)},
		"m/001_add_a.sql":  {Data: []byte(`CREATE TABLE a (id TEXT PRIMARY KEY);`)},
		"m/README.md":      {Data: []byte(`ignored`)},
		"m/003_broken.sql": {Data: []byte(`CREATE TABLE;`)},
	}

	err := NewMigrationManagerFS(db, fsys, "m").ApplyMigrations()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "003")

	versions, err := NewMigrationManagerFS(db, fsys, "m").AppliedVersions()
	require.NoError(t, err)
	assert.Equal(t, []string{"001", "002"}, versions)
}

func TestSchemaValidator_EmptyDatabase(t *testing.T) {
	db := openTestDB(t)
	v := NewSchemaValidator(db)

	assert.Error(t, v.ValidateTablesExist())
	assert.Error(t, v.ValidateIndexes())
	assert.Error(t, v.Validate())
}

func TestSchemaValidator_ConstraintsLeaveNoRows(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, NewMigrationManager(db).ApplyMigrations())
	require.NoError(t, NewSchemaValidator(db).ValidateConstraints())

	var rooms, messages int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM rooms").Scan(&rooms))
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messages))
	assert.Zero(t, rooms)
	assert.Zero(t, messages)
}
