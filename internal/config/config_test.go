package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	// Clear environment
	os.Unsetenv("MARKETPLACE_API_KEY")
	os.Unsetenv("DATABASE_PATH")
	os.Unsetenv("LOG_LEVEL")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	// Check defaults
	assert.Equal(t, "./data/gpu-fleet-core.db", cfg.Database.Path)
	assert.Equal(t, 5, cfg.Resilience.RateLimitPerMachine)
	assert.Equal(t, 24*time.Hour, cfg.Resilience.RateLimitWindow)
	assert.Equal(t, 60*time.Second, cfg.Resilience.CircuitCoolDown)
	assert.Equal(t, 6*time.Hour, cfg.Blacklist.DefaultTTL)
	assert.Equal(t, 16, cfg.Snapshot.MaxChainDepth)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv_WithEnvVars(t *testing.T) {
	// Set environment variables
	os.Setenv("MARKETPLACE_API_KEY", "test-marketplace-key")
	os.Setenv("BLOBSTORE_BUCKET", "test-bucket")
	os.Setenv("DATABASE_PATH", "/tmp/fleet-test.db")
	os.Setenv("LOG_LEVEL", "debug")
	defer func() {
		os.Unsetenv("MARKETPLACE_API_KEY")
		os.Unsetenv("BLOBSTORE_BUCKET")
		os.Unsetenv("DATABASE_PATH")
		os.Unsetenv("LOG_LEVEL")
	}()

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "test-marketplace-key", cfg.Marketplace.APIKey)
	assert.Equal(t, "test-bucket", cfg.BlobStore.Bucket)
	assert.Equal(t, "/tmp/fleet-test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfig_Validate_MissingMarketplaceKey(t *testing.T) {
	cfg := &Config{
		BlobStore: BlobStoreConfig{Bucket: "snapshots", AccessKeyID: "key-id", SecretAccessKey: "test-secret"},
		Snapshot:  SnapshotConfig{MaxChainDepth: 16},
	}

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "MARKETPLACE_API_KEY")
}

func TestConfig_Validate_MissingBucket(t *testing.T) {
	cfg := &Config{
		Marketplace: MarketplaceConfig{APIKey: "test-key"},
		BlobStore:   BlobStoreConfig{AccessKeyID: "key-id", SecretAccessKey: "test-secret"},
		Snapshot:    SnapshotConfig{MaxChainDepth: 16},
	}

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "blobstore.bucket")
}

func TestConfig_Validate_MissingBlobStoreCreds(t *testing.T) {
	cfg := &Config{
		Marketplace: MarketplaceConfig{APIKey: "test-key"},
		BlobStore:   BlobStoreConfig{Bucket: "snapshots"},
		Snapshot:    SnapshotConfig{MaxChainDepth: 16},
	}

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "blobstore credentials")
}

func TestConfig_Validate_Success(t *testing.T) {
	cfg := &Config{
		Marketplace: MarketplaceConfig{APIKey: "test-key"},
		BlobStore:   BlobStoreConfig{Bucket: "snapshots", AccessKeyID: "key-id", SecretAccessKey: "test-secret"},
		Snapshot:    SnapshotConfig{MaxChainDepth: 16},
	}

	err := cfg.Validate()
	assert.NoError(t, err)
}
