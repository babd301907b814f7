package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Helper()
	t.Setenv(ConfigPathEnvVar, filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("MOD_BSKY_USERNAME", "mod.example.com")
	t.Setenv("MOD_BSKY_PASSWORD", "app-password")
}

func TestLoadDefaults(t *testing.T) {
	setCredentials(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Jetstream.ReconnectDelay())
	assert.Equal(t, 1000, cfg.Jetstream.CheckpointEvery)
	assert.Equal(t, []string{"commit"}, cfg.Jetstream.CommitKinds)
	assert.Equal(t, cfg.Jetstream.URL, cfg.Jetstream.Identity())
	assert.Equal(t, 30, cfg.Limiter.Reservoir)
	assert.Equal(t, 5*time.Minute, cfg.Limiter.RefillInterval)
	assert.Equal(t, 24*time.Hour, cfg.Limiter.Cooldown)
	assert.Equal(t, DefaultAIBlocklist, cfg.Rules.AI.Tags)
	assert.Equal(t, "spoiler", cfg.Rules.Spoiler.Label)
	assert.Equal(t, "ai-related-content", cfg.Rules.AI.Label)
	assert.Equal(t, "mod.example.com", cfg.Labeler.ProxyDID())
	assert.Equal(t, "localhost:3000", cfg.Server.Addr())
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	setCredentials(t)
	t.Setenv("OVERRIDE_CURSOR", "1725911162329308")
	t.Setenv("DISABLE_CURSOR", "true")
	t.Setenv("DISABLE_SPOILERS", "true")
	t.Setenv("FEEDGEN_SUBSCRIPTION_RECONNECT_DELAY", "500")
	t.Setenv("WANTED_COLLECTIONS", "app.bsky.feed.post, app.bsky.feed.like")
	t.Setenv("AI_BLOCKLIST_TAGS", "ai,llm")
	t.Setenv("AI_LABEL", "generated")
	t.Setenv("SPOILER_LABEL", "plot-spoiler")
	t.Setenv("LIMITER_REFILL_INTERVAL", "90s")
	t.Setenv("PORT", "8081")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "1725911162329308", cfg.Jetstream.OverrideCursor)
	assert.True(t, cfg.Jetstream.IgnoreStoredCursor)
	assert.True(t, cfg.Rules.Spoiler.Disabled)
	assert.False(t, cfg.Rules.AI.Disabled)
	assert.Equal(t, 500*time.Millisecond, cfg.Jetstream.ReconnectDelay())
	assert.Equal(t, []string{"app.bsky.feed.post", "app.bsky.feed.like"}, cfg.Jetstream.WantedCollections)
	assert.Equal(t, []string{"ai", "llm"}, cfg.Rules.AI.Tags)
	assert.Equal(t, "generated", cfg.Rules.AI.Label)
	assert.Equal(t, "plot-spoiler", cfg.Rules.Spoiler.Label)
	assert.Equal(t, 90*time.Second, cfg.Limiter.RefillInterval)
	assert.Equal(t, 8081, cfg.Server.Port)
}

func TestLoadConfigFile(t *testing.T) {
	setCredentials(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
jetstream:
  subscription_id: labeler-west
  checkpoint_every: 100
rules:
  spoiler:
    parent_label: spoiler-thread
kafka:
  brokers: ["localhost:9092"]
`), 0o600))
	t.Setenv(ConfigPathEnvVar, path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "labeler-west", cfg.Jetstream.Identity())
	assert.Equal(t, 100, cfg.Jetstream.CheckpointEvery)
	assert.Equal(t, "spoiler-thread", cfg.Rules.Spoiler.ParentLabel)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "moderation-actions", cfg.Kafka.Topic)
}

func TestValidateRequiresCredentialsWhileSubscribed(t *testing.T) {
	cfg := defaultConfig()
	require.Error(t, cfg.Validate())

	cfg.Jetstream.Disabled = true
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaultConfig()
	cfg.Labeler.Identifier = "mod"
	cfg.Labeler.Password = "pw"
	require.NoError(t, cfg.Validate())

	cfg.Jetstream.CheckpointEvery = 0
	assert.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Labeler.Identifier = "mod"
	cfg.Labeler.Password = "pw"
	cfg.Logging.Format = "xml"
	assert.Error(t, cfg.Validate())
}
