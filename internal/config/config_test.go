package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func missingFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.toml")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := load(env(map[string]string{"DISCORD_TOKEN": "token"}))
	require.NoError(t, err)

	assert.Equal(t, "token", cfg.Discord.Token)
	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, "data", cfg.Storage.DataDir)
	assert.Equal(t, ":5000", cfg.Web.Addr)
	assert.Equal(t, time.Minute, cfg.Schedule.AutosaveInterval)
	assert.Equal(t, 30*time.Second, cfg.Schedule.BroadcastInterval)
	assert.Equal(t, 10*time.Second, cfg.Schedule.StartupDelay)
	assert.Equal(t, 20, cfg.Schedule.PageSize)
	assert.False(t, cfg.Tracker.FoldOnMove)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadRequiresToken(t *testing.T) {
	t.Parallel()

	_, err := load(env(map[string]string{"CONFIG_FILE": ""}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "DISCORD_TOKEN", cfgErr.Field)
}

func TestLoadFileThenEnv(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voiceboard.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[discord]
token = "from-file"

[storage]
backend = "redis"

[redis]
addr = "localhost:6379"
db = 2

[schedule]
autosave_interval = "2m"
page_size = 10

[tracker]
fold_on_move = true
`), 0o600))

	cfg, err := load(env(map[string]string{
		"CONFIG_FILE":       path,
		"AUTOSAVE_INTERVAL": "45s",
		"PORT":              "8080",
		"REPL_URL":          "https://example.test",
	}))
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.Discord.Token)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, 45*time.Second, cfg.Schedule.AutosaveInterval)
	assert.Equal(t, time.Minute, cfg.Schedule.RefreshInterval)
	assert.Equal(t, 10, cfg.Schedule.PageSize)
	assert.True(t, cfg.Tracker.FoldOnMove)
	assert.Equal(t, ":8080", cfg.Web.Addr)
	assert.Equal(t, "https://example.test", cfg.Web.PublicURL)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	t.Parallel()

	_, err := load(env(map[string]string{"CONFIG_FILE": missingFile(t), "DISCORD_TOKEN": "t"}))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "CONFIG_FILE", cfgErr.Field)
}

func TestLoadInvalidValues(t *testing.T) {
	t.Parallel()

	tests := []struct {
		field string
		vars  map[string]string
	}{
		{"AUTOSAVE_INTERVAL", map[string]string{"AUTOSAVE_INTERVAL": "soon"}},
		{"AUTOSAVE_INTERVAL", map[string]string{"AUTOSAVE_INTERVAL": "0s"}},
		{"PAGE_SIZE", map[string]string{"PAGE_SIZE": "many"}},
		{"PAGE_SIZE", map[string]string{"PAGE_SIZE": "0"}},
		{"TRACKER_FOLD_ON_MOVE", map[string]string{"TRACKER_FOLD_ON_MOVE": "maybe"}},
		{"STORAGE_BACKEND", map[string]string{"STORAGE_BACKEND": "s3"}},
		{"DATABASE_DSN", map[string]string{"STORAGE_BACKEND": "postgres"}},
		{"REDIS_ADDR", map[string]string{"STORAGE_BACKEND": "redis"}},
		{"STARTUP_DELAY", map[string]string{"STARTUP_DELAY": "-1s"}},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			t.Parallel()
			vars := map[string]string{"DISCORD_TOKEN": "t", "CONFIG_FILE": ""}
			for k, v := range tt.vars {
				vars[k] = v
			}
			_, err := load(env(vars))
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestBackendIsCaseInsensitive(t *testing.T) {
	t.Parallel()

	cfg, err := load(env(map[string]string{"DISCORD_TOKEN": "t", "CONFIG_FILE": "", "STORAGE_BACKEND": "MEMORY"}))
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}
