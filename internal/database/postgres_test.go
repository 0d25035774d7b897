package database

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestMigrateCreatesGradingTables(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:database_migrate?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, Migrate(db))
	for _, table := range []string{"master_migrations", "migrations", "scores", "score_overrides", "tasks", "late_requests", "policies"} {
		require.True(t, db.Migrator().HasTable(table), table)
	}
}

func TestConnectersRejectEmptyURLs(t *testing.T) {
	_, err := ConnectPostgres("")
	require.Error(t, err)
	_, err = ConnectRedis("")
	require.Error(t, err)
	_, err = ConnectRedis("memcached://localhost")
	require.ErrorContains(t, err, "parse redis url")
	_, err = ConnectNATS("", "grading", zerolog.Nop())
	require.Error(t, err)
}
