package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:8080", cfg.BindAddr)
	require.Equal(t, int64(256), cfg.StrictPickupThreshold)
	require.False(t, cfg.StrictEnabled)
}

func TestLoadReadsLatticePrefixedEnvVars(t *testing.T) {
	t.Setenv("LATTICE_BIND_ADDR", "127.0.0.1:9999")
	t.Setenv("LATTICE_STRICT_ENABLED", "true")
	t.Setenv("LATTICE_ALERT_WEBHOOK_URL", "https://alerts.example/hook")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.BindAddr)
	require.True(t, cfg.StrictEnabled)
	require.Equal(t, "https://alerts.example/hook", cfg.AlertWebhookURL)
}

func TestLoadParsesGroupIDList(t *testing.T) {
	t.Setenv("LATTICE_OP_TOKEN_ALLOWED_GROUP_IDS", "111, 222,333")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []int64{111, 222, 333}, cfg.OpTokenAllowedGroupIDs)
}

func TestLoadRejectsMalformedGroupIDList(t *testing.T) {
	t.Setenv("LATTICE_OP_TOKEN_ALLOWED_GROUP_IDS", "111,not-a-number")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsNestedDBConfig(t *testing.T) {
	t.Setenv("LATTICE_DB_CLICKHOUSE_URL", "ch.internal:9000")
	t.Setenv("LATTICE_DB_CLICKHOUSE_DATABASE", "lattice_test")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "ch.internal:9000", cfg.DB.ClickHouseURL)
	require.Equal(t, "lattice_test", cfg.DB.ClickHouseDatabase)
}
