package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carpark-etl/config"
	"carpark-etl/internal/model"
)

func TestInit_SQLite(t *testing.T) {
	cfg := &config.DatabaseConfig{
		Driver:                 "sqlite",
		DSN:                    filepath.Join(t.TempDir(), "carpark.db"),
		MaxOpenConns:           1,
		MaxIdleConns:           1,
		ConnMaxLifetimeMinutes: 1,
		LogLevel:               "silent",
	}

	gormDB, err := Init(context.Background(), cfg)
	require.NoError(t, err)
	defer Close(gormDB)

	migrator := gormDB.Migrator()
	assert.True(t, migrator.HasTable(&model.Carpark{}))
	assert.True(t, migrator.HasTable(&model.CurrentAvailability{}))
	assert.True(t, migrator.HasTable(&model.HistoricalAvailability{}))
	assert.True(t, migrator.HasIndex(&model.HistoricalAvailability{}, "idx_historical_natural_key"))
}

func TestInit_UnsupportedDriver(t *testing.T) {
	_, err := Init(context.Background(), &config.DatabaseConfig{Driver: "oracle", DSN: "x"})
	require.Error(t, err)

	var ce *ConnectionError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "open", ce.Op)
}
