package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/pkg/schema"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig("", envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "aws", cfg.Secrets.Backend)
	assert.Equal(t, 10*time.Second, cfg.Secrets.Timeout)
	assert.Equal(t, "privateKey", cfg.Secrets.Key.Name)
	assert.Equal(t, "passphrase", cfg.Secrets.Passphrase.Name)
	assert.Equal(t, "eu-west-1", cfg.Secrets.Key.Location)
	assert.Equal(t, "@every 1h", cfg.Checks.Schedule)
	assert.Equal(t, 720*time.Hour, cfg.Checks.Retention)
	assert.Contains(t, cfg.Store.Path, filepath.Join(".keymat", "keymat.db"))
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), envMap(nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestLoadConfig_EnvPathMissingFile(t *testing.T) {
	_, err := loadConfig("", envMap(map[string]string{
		"KEYMAT_CONFIG": filepath.Join(t.TempDir(), "nope.yaml"),
	}))
	require.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "keymat.yaml", `
log:
  level: debug
secrets:
  backend: vault
  timeout: 3s
  vault:
    address: https://vault.example.com
    kv_version: 1
warehouse:
  account: BI-EMEA
  user: svc_keymat
  login_timeout: 1m
checks:
  expectations:
    - table: QM_AUDIT
      assert: count == 1876
  vars:
    min_rows: 1000
`)

	cfg, err := loadConfig(path, envMap(nil))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format, "unset keys keep their defaults")
	assert.Equal(t, "vault", cfg.Secrets.Backend)
	assert.Equal(t, 3*time.Second, cfg.Secrets.Timeout)
	assert.Equal(t, 1, cfg.Secrets.Vault.KVVersion)
	assert.Equal(t, "BI-EMEA", cfg.Warehouse.Account)
	assert.Equal(t, time.Minute, cfg.Warehouse.LoginTimeout)
	assert.Equal(t, "@every 1h", cfg.Checks.Schedule)
	assert.Equal(t, []checks.Expectation{{Table: "QM_AUDIT", Assert: "count == 1876"}}, cfg.Checks.Expectations)
	assert.Equal(t, map[string]any{"min_rows": 1000}, cfg.Checks.Vars)
}

func TestLoadConfig_SchemaViolation(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keymat.yaml", "warehouse:\n  password: hunter2\n")
	_, err := loadConfig(path, envMap(nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "password")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keymat.yaml", "log: [unclosed\n")
	_, err := loadConfig(path, envMap(nil))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeFile(t, t.TempDir(), "keymat.yaml", "log:\n  level: debug\n")
	cfg, err := loadConfig("", envMap(map[string]string{
		"KEYMAT_CONFIG":            path,
		"KEYMAT_LOG_LEVEL":         "error",
		"KEYMAT_SECRETS_BACKEND":   "local",
		"KEYMAT_SECRETS_LOCATION":  "us-east-1",
		"KEYMAT_SECRETS_TIMEOUT":   "250ms",
		"KEYMAT_KEY_SECRET":        "snowflake/emea/privateKey",
		"KEYMAT_PASSPHRASE_SECRET": "snowflake/emea/passphrase",
		"KEYMAT_WAREHOUSE_ACCOUNT": "acme",
		"KEYMAT_SCHEDULE":          "*/5 * * * *",
	}))
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level, "env beats the file")
	assert.Equal(t, "local", cfg.Secrets.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Secrets.Timeout)
	assert.Equal(t, "us-east-1", cfg.Secrets.Key.Location)
	assert.Equal(t, "us-east-1", cfg.Secrets.Passphrase.Location)
	assert.Equal(t, "snowflake/emea/privateKey", cfg.Secrets.Key.Name)
	assert.Equal(t, "snowflake/emea/passphrase", cfg.Secrets.Passphrase.Name)
	assert.Equal(t, "acme", cfg.Warehouse.Account)
	assert.Equal(t, "*/5 * * * *", cfg.Checks.Schedule)
}

func TestLoadConfig_BadTimeoutEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, v := range []string{"soon", "-1s", "0s"} {
		_, err := loadConfig("", envMap(map[string]string{"KEYMAT_SECRETS_TIMEOUT": v}))
		require.Error(t, err, v)
		assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
	}
}

func TestBackendConfig(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	c := SecretsConfig{
		Backend: "local",
		Local: LocalSecretsConfig{
			MasterKey:  base64.StdEncoding.EncodeToString(key),
			Salt:       "keymat-dev",
			Iterations: 10,
		},
	}
	out, err := c.backendConfig()
	require.NoError(t, err)
	assert.Equal(t, "local", out.Backend)
	assert.Equal(t, key, out.Local.MasterKey)
	assert.Equal(t, []byte("keymat-dev"), out.Local.Salt)
	assert.Equal(t, 10, out.Local.Iterations)

	c.Local.MasterKey = "not base64!"
	_, err = c.backendConfig()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestStoreConfig_Paths(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	c := StoreConfig{Path: "file:~/.keymat/keymat.db"}
	assert.Equal(t, filepath.Join(home, ".keymat", "keymat.db"), c.filePath())
	assert.Equal(t, "file:"+filepath.Join(home, ".keymat", "keymat.db"), c.dsn())

	c = StoreConfig{Path: "/var/lib/keymat/keymat.db"}
	assert.Equal(t, "/var/lib/keymat/keymat.db", c.filePath())
	assert.Equal(t, "file:/var/lib/keymat/keymat.db", c.dsn())
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	d := diffConfigs(old, old)
	assert.False(t, d.LogLevelChanged)
	assert.False(t, d.JobChanged)
	assert.False(t, d.ExpectationsChanged)
	assert.Empty(t, d.RestartNeeded)

	next := defaultConfig()
	next.Log.Level = "debug"
	next.Warehouse.Role = "ETL_ROLE"
	next.Checks.Expectations = []checks.Expectation{checks.ExactCount("QM_AUDIT", 1876)}
	next.Checks.Schedule = "@daily"
	next.Store.Path = "file:/tmp/other.db"

	d = diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.True(t, d.JobChanged)
	assert.True(t, d.ExpectationsChanged)
	assert.ElementsMatch(t, []string{"store.path", "checks.schedule"}, d.RestartNeeded)

	next = defaultConfig()
	next.Secrets.Passphrase.Name = "other"
	assert.True(t, diffConfigs(old, next).JobChanged)

	next = defaultConfig()
	next.Checks.Vars = map[string]any{"min_rows": 1}
	d = diffConfigs(old, next)
	assert.True(t, d.ExpectationsChanged, "vars feed the assertions")
	assert.False(t, d.JobChanged)
}
