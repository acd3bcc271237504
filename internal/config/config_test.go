package config_test

import (
	"TradeLedger/internal/config"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())

	driver, dsn := cfg.SQLDriver()
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, cfg.PostgresDSN, dsn)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, "ledger.yaml", `
store: sqlite
sqlite_path: /var/lib/ledger.db
sqlite_driver: sqlite
shards: 4
auto_recompute: false
cors_origins: ["https://a.example"]
s3_bucket: ledger-archive
`)
	t.Setenv("TRADELEDGER_SHARDS", "16")
	t.Setenv("TRADELEDGER_NATS_URL", "")
	t.Setenv("TRADELEDGER_CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("TRADELEDGER_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.StoreSQLite, cfg.Store)
	assert.Equal(t, 16, cfg.Shards, "env overrides file")
	assert.False(t, cfg.AutoRecompute)
	assert.Empty(t, cfg.NATSURL, "empty env disables NATS")
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, "ledger-archive", cfg.S3Bucket)
	assert.Equal(t, "snapshots", cfg.S3Prefix, "defaults survive a partial file")

	driver, dsn := cfg.SQLDriver()
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "/var/lib/ledger.db", dsn)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	path := writeFile(t, "ledger.yaml", "store: memory\n")
	t.Setenv("TRADELEDGER_CONFIG", path)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.StoreMemory, cfg.Store)

	driver, _ := cfg.SQLDriver()
	assert.Empty(t, driver)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
	}{
		{name: "bad int", env: map[string]string{"TRADELEDGER_SHARDS": "many"}},
		{name: "bad bool", env: map[string]string{"TRADELEDGER_AUTO_RECOMPUTE": "sometimes"}},
		{name: "bad store", env: map[string]string{"TRADELEDGER_STORE": "mongo"}},
		{name: "bad driver", env: map[string]string{"TRADELEDGER_POSTGRES_DRIVER": "mysql"}},
		{name: "zero shards", env: map[string]string{"TRADELEDGER_SHARDS": "0"}},
		{name: "bad level", env: map[string]string{"TRADELEDGER_LOG_LEVEL": "loud"}},
		{name: "bad yaml", file: "store: [sqlite"},
		{name: "missing file", file: "-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			switch tt.file {
			case "":
			case "-":
				path = filepath.Join(t.TempDir(), "absent.yaml")
			default:
				path = writeFile(t, "bad.yaml", tt.file)
			}
			if _, err := config.Load(path); err == nil {
				t.Errorf("%s: expected error", tt.name)
			}
		})
	}
}

func TestValidate_SQLiteNeedsPath(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = ""
	assert.ErrorContains(t, cfg.Validate(), "sqlite_path")
}
