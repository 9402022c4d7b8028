package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayouts_Config_PgConfig(t *testing.T) {
	t.Parallel()

	t.Run("fills defaults", func(t *testing.T) {
		t.Parallel()
		cfg := PgConfig{Database: "payouts", Username: "u", Password: "p"}
		require.NoError(t, cfg.Validate())
		require.Equal(t, "postgres://u:p@localhost:5432/payouts?sslmode=disable", cfg.ConnString())
	})

	t.Run("requires credentials", func(t *testing.T) {
		t.Parallel()
		cfg := PgConfig{}
		require.EqualError(t, cfg.Validate(), "POSTGRES_DB is required")
		cfg.Database = "payouts"
		require.EqualError(t, cfg.Validate(), "POSTGRES_USER is required")
		cfg.Username = "u"
		require.EqualError(t, cfg.Validate(), "POSTGRES_PASSWORD is required")
	})
}

func TestPayouts_Config_PgConfigFromEnv(t *testing.T) {
	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_DB", "payouts")
	t.Setenv("POSTGRES_USER", "u")
	t.Setenv("POSTGRES_PASSWORD", "p")
	t.Setenv("POSTGRES_RUN_MIGRATIONS", "true")
	cfg, err := PgConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, "db", cfg.Host)
	require.True(t, cfg.RunMigrations)
}

func TestPayouts_Config_ClickHouseConfigFromEnv(t *testing.T) {
	t.Setenv("CLICKHOUSE_ADDR", "")
	_, ok, err := ClickHouseConfigFromEnv()
	require.NoError(t, err)
	require.False(t, ok)

	t.Setenv("CLICKHOUSE_ADDR", "ch:9440")
	t.Setenv("CLICKHOUSE_SECURE", "true")
	cfg, ok, err := ClickHouseConfigFromEnv()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ch:9440", cfg.Addr)
	require.Equal(t, "default", cfg.Database)
	require.True(t, cfg.Secure)
}
