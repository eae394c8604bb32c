package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{
		"CIVREG_ADDR", "RECONCILE_LOAD_MODE", "CODE_REUSE_POLICY", "ROOT_REGION_NAME",
		"HERA_PERSON_ATTRIBUTES", "KAFKA_BROKERS",
		"HERA_LOGIN_URL", "HERA_DATA_URL", "HERA_LOGIN_SECRET", "HERA_WEBHOOK_ADDRESS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "live", cfg.Reconcile.LoadMode)
	assert.Equal(t, "allow", cfg.Reconcile.CodeReuse)
	assert.Equal(t, "The Gambia", cfg.Reconcile.RootRegionName)
	assert.Equal(t, DefaultPersonAttributes, cfg.Registry.PersonAttributes)
	assert.Nil(t, cfg.Kafka.Brokers)
	assert.ElementsMatch(t, []string{"HERA_LOGIN_URL", "HERA_DATA_URL", "HERA_LOGIN_SECRET", "HERA_WEBHOOK_ADDRESS"}, cfg.Registry.Missing())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HERA_LOGIN_URL", "https://hera.example/auth/")
	t.Setenv("HERA_PERSON_ATTRIBUTES", "firstName, dob,firstName")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("RECONCILE_LOAD_MODE", "initial")
	t.Setenv("HERA_HTTP_TIMEOUT", "5s")

	cfg, err := FromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://hera.example/auth", cfg.Registry.LoginURL)
	assert.Equal(t, []string{"firstName", "dob"}, cfg.Registry.PersonAttributes)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "initial", cfg.Reconcile.LoadMode)
	assert.Equal(t, 5*time.Second, cfg.Registry.HTTPTimeout)
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("RECONCILE_LOAD_MODE", "bulk")
	t.Setenv("CODE_REUSE_POLICY", "sometimes")
	t.Setenv("DB_MAX_OPEN_CONNS", "many")

	_, err := FromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RECONCILE_LOAD_MODE")
	assert.Contains(t, err.Error(), "CODE_REUSE_POLICY")
	assert.Contains(t, err.Error(), "DB_MAX_OPEN_CONNS")
}
