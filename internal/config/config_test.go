package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/sample-spot-balancer-spark-eks/internal/engine"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SPOT_PREFERENCE", "DEFAULT_SPOT_RATIO", "WEBHOOK_TIMEOUT_SECONDS",
		"WEBHOOK_BIND_ADDRESS", "METRICS_BIND_ADDRESS", "REDIS_URL",
		"REDIS_DEFAULT_TTL_SECONDS", "CAPACITY_TYPE_LABEL", "WORKLOAD_ROLE_LABEL",
		"DRIVER_ROLE_VALUE", "EXECUTOR_ROLE_VALUE", "JOB_ID_LABEL",
		"SPOT_RATIO_ANNOTATION", "RECONCILE_ENABLED", "RECONCILE_INTERVAL_SECONDS",
		"LOG_LEVEL",
	}
	for _, k := range keys {
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestLoadFailsWithoutRedisURL(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, engine.Strict, cfg.SpotPreference)
	assert.Equal(t, 0.5, cfg.DefaultSpotRatio)
	assert.Equal(t, "karpenter.sh/capacity-type", cfg.CapacityTypeLabel)
	assert.True(t, cfg.ReconcileEnabled)
}

func TestLoadParsesBestEffortMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SPOT_PREFERENCE", "best_effort")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, engine.BestEffort, cfg.SpotPreference)
}

func TestLoadRejectsUnknownSpotPreference(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SPOT_PREFERENCE", "sometimes")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadClampsDefaultSpotRatio(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("DEFAULT_SPOT_RATIO", "1.5")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.DefaultSpotRatio)
}

func TestValidateRejectsSameRoleValues(t *testing.T) {
	cfg := defaults()
	cfg.RedisURL = "redis://localhost:6379/0"
	cfg.DriverRoleValue = "same"
	cfg.ExecutorRoleValue = "same"

	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroReconcileIntervalWhenEnabled(t *testing.T) {
	cfg := defaults()
	cfg.RedisURL = "redis://localhost:6379/0"
	cfg.ReconcileEnabled = true
	cfg.ReconcileIntervalSecs = 0

	assert.Error(t, cfg.Validate())
}
