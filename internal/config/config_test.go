package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestS3Mirror_EnabledRequiresBucketAndRegion(t *testing.T) {
	assert.False(t, S3Mirror{}.Enabled())
	assert.False(t, S3Mirror{Bucket: "b"}.Enabled())
	assert.True(t, S3Mirror{Bucket: "b", Region: "us-east-1"}.Enabled())
}

func unsetForTest(t *testing.T, key string) {
	t.Helper()
	original, existed := os.LookupEnv(key)
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() {
		if existed {
			os.Setenv(key, original)
		}
	})
}

func TestLoadBroker_DefaultsWhenUnset(t *testing.T) {
	for _, key := range []string{"SERVER_ADDR", "SECRET_KEY", "CATALOG_DIR", "S3_BUCKET_NAME", "KAFKA_BROKERS"} {
		unsetForTest(t, key)
	}

	cfg, err := LoadBroker()
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.ServerAddr)
	assert.Equal(t, "db", cfg.CatalogDir)
	assert.False(t, cfg.S3.Enabled())
}

func TestLoadWorker_RequiresBotAndShardID(t *testing.T) {
	unsetForTest(t, "BOT_ID")
	unsetForTest(t, "SHARD_ID")

	_, err := LoadWorker()
	assert.Error(t, err)
}

func TestLoadWorker_SucceedsWithIdentity(t *testing.T) {
	t.Setenv("BOT_ID", "42")
	t.Setenv("SHARD_ID", "0")

	cfg, err := LoadWorker()
	require.NoError(t, err)
	assert.Equal(t, "42", cfg.BotID)
	assert.Equal(t, "0", cfg.ShardID)
}
