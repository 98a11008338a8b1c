package main

import (
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rendis/keymat/internal/checks"
	"github.com/rendis/keymat/internal/secrets"
	"github.com/rendis/keymat/internal/validation"
	"github.com/rendis/keymat/internal/warehouse"
	"github.com/rendis/keymat/pkg/schema"
)

// Config holds all keymat configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Secrets   SecretsConfig    `yaml:"secrets"`
	Warehouse warehouse.Config `yaml:"warehouse"`
	Checks    ChecksConfig     `yaml:"checks"`
	Store     StoreConfig      `yaml:"store"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SecretsConfig struct {
	Backend    string              `yaml:"backend"`
	Timeout    time.Duration       `yaml:"timeout"`
	Key        schema.SecretRef    `yaml:"key"`
	Passphrase schema.SecretRef    `yaml:"passphrase"`
	AWS        secrets.AWSConfig   `yaml:"aws"`
	Vault      secrets.VaultConfig `yaml:"vault"`
	Local      LocalSecretsConfig  `yaml:"local"`
}

// LocalSecretsConfig is the file form of secrets.LocalConfig. MasterKey is
// base64.
type LocalSecretsConfig struct {
	MasterKey  string `yaml:"master_key"`
	Passphrase string `yaml:"passphrase"`
	Salt       string `yaml:"salt"`
	Iterations int    `yaml:"iterations"`
}

type ChecksConfig struct {
	Schedule     string               `yaml:"schedule"`
	Retention    time.Duration        `yaml:"retention"`
	Expectations []checks.Expectation `yaml:"expectations"`
	// Vars are visible to every assertion as vars.NAME.
	Vars map[string]any `yaml:"vars"`
}

type StoreConfig struct {
	Path string `yaml:"path"`
}

const defaultLocation = "eu-west-1"

func defaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Secrets: SecretsConfig{
			Backend:    secrets.BackendAWS,
			Timeout:    10 * time.Second,
			Key:        schema.SecretRef{Name: "privateKey", Location: defaultLocation},
			Passphrase: schema.SecretRef{Name: "passphrase", Location: defaultLocation},
		},
		Checks: ChecksConfig{
			Schedule:  "@every 1h",
			Retention: 30 * 24 * time.Hour,
		},
		Store: StoreConfig{Path: "file:" + filepath.Join(keymatDir(), "keymat.db")},
	}
}

func keymatDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keymat"
	}
	return filepath.Join(home, ".keymat")
}

func defaultConfigPath() string {
	return filepath.Join(keymatDir(), "config.yaml")
}

// loadConfig layers defaults, the YAML file and KEYMAT_* env vars. path
// comes from --config; when empty KEYMAT_CONFIG is tried, then the default
// location. Only the default location may be missing.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	explicit := true
	if path == "" {
		path = getenv("KEYMAT_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath()
		explicit = false
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decodeConfig(data, &cfg); err != nil {
			return Config{}, err
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, schema.NewErrorf(schema.ErrCodeConfig, "read config %s", path).WithCause(err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeConfig validates the raw document against the config schema, then
// decodes it over cfg.
func decodeConfig(data []byte, cfg *Config) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return schema.NewError(schema.ErrCodeConfig, "config is not valid YAML").WithCause(err)
	}
	v, err := validation.NewJSONSchemaValidator()
	if err != nil {
		return err
	}
	if err := v.ValidateConfig(raw); err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return schema.NewError(schema.ErrCodeConfig, "decode config").WithCause(err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("KEYMAT_LOG_LEVEL", &cfg.Log.Level)
	str("KEYMAT_LOG_FORMAT", &cfg.Log.Format)
	str("KEYMAT_SECRETS_BACKEND", &cfg.Secrets.Backend)
	str("KEYMAT_KEY_SECRET", &cfg.Secrets.Key.Name)
	str("KEYMAT_PASSPHRASE_SECRET", &cfg.Secrets.Passphrase.Name)
	str("KEYMAT_VAULT_ADDR", &cfg.Secrets.Vault.Address)
	str("KEYMAT_VAULT_TOKEN", &cfg.Secrets.Vault.Token)
	str("KEYMAT_LOCAL_PASSPHRASE", &cfg.Secrets.Local.Passphrase)
	str("KEYMAT_WAREHOUSE_ACCOUNT", &cfg.Warehouse.Account)
	str("KEYMAT_WAREHOUSE_USER", &cfg.Warehouse.User)
	str("KEYMAT_WAREHOUSE_ROLE", &cfg.Warehouse.Role)
	str("KEYMAT_STORE_PATH", &cfg.Store.Path)
	str("KEYMAT_SCHEDULE", &cfg.Checks.Schedule)

	// One location for both secrets, as they live side by side.
	if v := getenv("KEYMAT_SECRETS_LOCATION"); v != "" {
		cfg.Secrets.Key.Location = v
		cfg.Secrets.Passphrase.Location = v
	}
	if v := getenv("KEYMAT_SECRETS_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return schema.NewErrorf(schema.ErrCodeConfig, "KEYMAT_SECRETS_TIMEOUT: invalid duration %q", v)
		}
		cfg.Secrets.Timeout = d
	}
	return nil
}

// backendConfig converts the secrets section for secrets.NewBackend.
func (c SecretsConfig) backendConfig() (secrets.BackendConfig, error) {
	out := secrets.BackendConfig{
		Backend: c.Backend,
		AWS:     c.AWS,
		Vault:   c.Vault,
		Local: secrets.LocalConfig{
			Passphrase: c.Local.Passphrase,
			Iterations: c.Local.Iterations,
		},
	}
	if c.Local.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(c.Local.MasterKey)
		if err != nil {
			return secrets.BackendConfig{}, schema.NewError(schema.ErrCodeConfig,
				"secrets.local.master_key is not valid base64").WithCause(err)
		}
		out.Local.MasterKey = key
	}
	if c.Local.Salt != "" {
		out.Local.Salt = []byte(c.Local.Salt)
	}
	return out, nil
}

// filePath strips the file: scheme and expands a leading ~.
func (c StoreConfig) filePath() string {
	p := strings.TrimPrefix(c.Path, "file:")
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, rest)
		}
	}
	return p
}

// dsn is the libsql connection string for Path.
func (c StoreConfig) dsn() string {
	return "file:" + c.filePath()
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged     bool
	ExpectationsChanged bool
	JobChanged          bool
	RestartNeeded       []string // fields watch only reads at startup
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.Log.Level != new.Log.Level {
		d.LogLevelChanged = true
	}
	if !reflect.DeepEqual(old.Checks.Expectations, new.Checks.Expectations) ||
		!reflect.DeepEqual(old.Checks.Vars, new.Checks.Vars) {
		d.ExpectationsChanged = true
	}
	if !reflect.DeepEqual(old.Secrets, new.Secrets) || old.Warehouse != new.Warehouse {
		d.JobChanged = true
	}
	if old.Log.Format != new.Log.Format {
		d.RestartNeeded = append(d.RestartNeeded, "log.format")
	}
	if old.Store.Path != new.Store.Path {
		d.RestartNeeded = append(d.RestartNeeded, "store.path")
	}
	if old.Checks.Schedule != new.Checks.Schedule {
		d.RestartNeeded = append(d.RestartNeeded, "checks.schedule")
	}
	if old.Checks.Retention != new.Checks.Retention {
		d.RestartNeeded = append(d.RestartNeeded, "checks.retention")
	}
	return d
}
