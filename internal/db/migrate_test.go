package db

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrations(t *testing.T) {
	up, err := fs.Glob(migrations, "migrations/mysql/*.up.sql")
	require.NoError(t, err)
	down, err := fs.Glob(migrations, "migrations/mysql/*.down.sql")
	require.NoError(t, err)
	assert.NotEmpty(t, up)
	assert.Len(t, down, len(up))

	raw, err := migrations.ReadFile("migrations/mysql/000001_init.up.sql")
	require.NoError(t, err)
	for _, table := range []string{"outbox", "processed_events", "sagas", "saga_history"} {
		assert.Contains(t, string(raw), "CREATE TABLE IF NOT EXISTS "+table+" ")
	}
}

func TestSplitStatements(t *testing.T) {
	got := SplitStatements("CREATE DATABASE a;\n\n  CREATE TABLE a.b (x Int8) ENGINE = Memory ;\n;")
	assert.Equal(t, []string{
		"CREATE DATABASE a",
		"CREATE TABLE a.b (x Int8) ENGINE = Memory",
	}, got)
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := NormalizeMySQLDSN("user:pw@tcp(db:3306)/sagaflow")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "multiStatements=true")

	_, err = NormalizeMySQLDSN("")
	assert.Error(t, err)
}
