package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("Success - defaults", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, "0 3 * * *", cfg.RebuildSchedule)
		assert.Equal(t, 5, cfg.WithdrawalRatePerMinute)
		assert.Equal(t, 3, cfg.WithdrawalBurst)
		assert.Equal(t, 5, cfg.MLM.MaxLevels)
		assert.Equal(t, "100", cfg.MLM.MinWithdrawal.String())
	})

	t.Run("Success - environment overrides", func(t *testing.T) {
		t.Setenv("PORT", "9090")
		t.Setenv("MLM_MAX_LEVELS", "7")
		t.Setenv("MLM_WITHDRAWAL_FEE_PERCENT", "1.5")
		t.Setenv("MLM_AUTO_APPROVE", "true")
		t.Setenv("REBUILD_SCHEDULE", "")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		require.NoError(t, err)
		assert.Equal(t, "9090", cfg.Port)
		assert.Equal(t, 7, cfg.MLM.MaxLevels)
		assert.Equal(t, "1.5", cfg.MLM.WithdrawalFeePercent.String())
		assert.True(t, cfg.MLM.AutoApprove)
		assert.Empty(t, cfg.RebuildSchedule)
	})

	t.Run("Success - env file fills unset variables", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "test.env")
		require.NoError(t, os.WriteFile(path, []byte("WITHDRAWAL_BURST=9\n"), 0o600))
		t.Setenv("WITHDRAWAL_BURST", "")
		os.Unsetenv("WITHDRAWAL_BURST")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.WithdrawalBurst)
	})

	t.Run("Failure - malformed cron schedule", func(t *testing.T) {
		t.Setenv("REBUILD_SCHEDULE", "every night")
		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorContains(t, err, "REBUILD_SCHEDULE")
	})

	t.Run("Failure - invalid program defaults", func(t *testing.T) {
		t.Setenv("MLM_MAX_LEVELS", "0")
		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.ErrorContains(t, err, "max levels")
	})

	t.Run("Failure - log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "verbose")
		_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
		assert.Error(t, err)
	})
}
