package database

import (
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-alerts/internal/models"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	db, err := ConnectSQLite("file:database_test?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	require.True(t, db.Migrator().HasTable(&models.Alert{}))
	require.True(t, db.Migrator().HasTable(&models.AlertActivity{}))
}

func TestConnectRejectsEmptyTargets(t *testing.T) {
	_, err := ConnectSQLite("")
	require.Error(t, err)
	_, err = ConnectPostgres("")
	require.Error(t, err)
	_, err = ConnectRedis("")
	require.Error(t, err)
	_, err = ConnectNATS("", "test")
	require.Error(t, err)
}

func TestConnectRedis(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	client, err := ConnectRedis("redis://" + server.Addr() + "/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = ConnectRedis("://bad")
	require.Error(t, err)
}
