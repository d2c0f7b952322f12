package medguard

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/hengadev/errsx"
	"github.com/hengadev/medguard/access"
	"github.com/hengadev/medguard/cipher"
	"github.com/hengadev/medguard/escalation"
	"github.com/hengadev/medguard/internal/logging"
	"github.com/hengadev/medguard/store/sqlstore"
)

// Config holds everything New needs to assemble a Guard.
//
// The struct contains only data. It can be built in code, loaded from the
// environment with LoadConfigFromEnvironment or from YAML with
// LoadConfigFile. Validate applies defaults and reports every invalid field
// at once.
//
// Example usage:
//
//	cfg := medguard.Config{
//	    MasterSecret: os.Getenv("MEDGUARD_MASTER_SECRET"),
//	    Store:        medguard.StoreConfig{Driver: "postgres", DSN: dsn},
//	    Audit:        medguard.AuditConfig{Driver: "postgres", DSN: auditDSN},
//	}
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	// ServiceName is attached to every log entry. Default: medguard
	ServiceName string `yaml:"service_name"`

	// SecretSource is "env" (default), "vault", "aws" (Secrets Manager) or
	// "kms" (a KMS-encrypted ciphertext).
	SecretSource string `yaml:"secret_source"`

	// MasterSecret is required when SecretSource is "env". It is never read
	// from configuration files.
	MasterSecret string `yaml:"-"`

	// VaultSecretPath overrides the KV v2 path used when SecretSource is
	// "vault".
	VaultSecretPath string `yaml:"vault_secret_path"`

	// AWSSecretID names the Secrets Manager secret used when SecretSource
	// is "aws".
	AWSSecretID string `yaml:"aws_secret_id"`

	// KMSCiphertext is the base64 ciphertext of the master secret, required
	// when SecretSource is "kms".
	KMSCiphertext string `yaml:"kms_ciphertext"`

	// AWSRegion overrides the default AWS region of both AWS sources.
	AWSRegion string `yaml:"aws_region"`

	// Argon2 tunes the field cipher key derivation. Default:
	// cipher.DefaultArgon2Params()
	Argon2 *cipher.Argon2Params `yaml:"argon2"`

	// SensitiveTables are checksummed around migrations. Default:
	// DefaultSensitiveTables()
	SensitiveTables []string `yaml:"sensitive_tables"`

	// Levels replaces the defaults of the named privilege levels.
	Levels map[string]access.LevelConfig `yaml:"levels"`

	Store      StoreConfig      `yaml:"store"`
	Audit      AuditConfig      `yaml:"audit"`
	Escalation EscalationConfig `yaml:"escalation"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Log        LogConfig        `yaml:"log"`
}

// StoreConfig selects the database behind the scoped stores. It may be left
// empty when a connector is passed to New.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`

	// LevelDSNs maps a privilege level to its own DSN, typically a
	// database role whose grants match the level.
	LevelDSNs       map[string]string `yaml:"level_dsns"`
	ConnMaxLifetime time.Duration     `yaml:"conn_max_lifetime"`
}

// AuditConfig selects audit persistence. An empty driver keeps the log in
// memory.
type AuditConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type EscalationConfig struct {
	TTL            time.Duration         `yaml:"ttl"`
	AutoApproveTTL time.Duration         `yaml:"auto_approve_ttl"`
	Categories     []escalation.Category `yaml:"categories"`
	RequestBurst   int                   `yaml:"request_burst"`
	RequestWindow  time.Duration         `yaml:"request_window"`
	SweepInterval  time.Duration         `yaml:"sweep_interval"`
	Redis          RedisConfig           `yaml:"redis"`
}

// RedisConfig moves escalations to Redis when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ArchiveConfig enables audit export to S3 when Bucket is set.
type ArchiveConfig struct {
	Bucket    string        `yaml:"bucket"`
	Prefix    string        `yaml:"prefix"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Validate checks the configuration and applies defaults to optional fields.
// The returned error is an errsx.Map keyed by field.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}

	switch c.SecretSource {
	case "":
		c.SecretSource = SecretSourceEnv
		fallthrough
	case SecretSourceEnv:
		switch {
		case c.MasterSecret == "":
			errs.Set("masterSecret", fmt.Errorf("%w: set %s", cipher.ErrMissingMasterSecret, EnvMasterSecret))
		case len(c.MasterSecret) < cipher.MinMasterSecretLength:
			errs.Set("masterSecret", fmt.Errorf("%w: need %d bytes, got %d",
				cipher.ErrWeakMasterSecret, cipher.MinMasterSecretLength, len(c.MasterSecret)))
		}
	case SecretSourceVault, SecretSourceAWS:
	case SecretSourceKMS:
		if c.KMSCiphertext == "" {
			errs.Set("kmsCiphertext", fmt.Errorf("%w: set %s", cipher.ErrMissingMasterSecret, EnvKMSCiphertext))
		} else if _, err := base64.StdEncoding.DecodeString(c.KMSCiphertext); err != nil {
			errs.Set("kmsCiphertext", fmt.Errorf("ciphertext must be base64: %w", err))
		}
	default:
		errs.Set("secretSource", fmt.Errorf("secret source must be one of %q, %q, %q or %q, got %q",
			SecretSourceEnv, SecretSourceVault, SecretSourceAWS, SecretSourceKMS, c.SecretSource))
	}

	if c.Argon2 == nil {
		c.Argon2 = cipher.DefaultArgon2Params()
	} else if err := c.Argon2.Validate(); err != nil {
		errs.Set("argon2", err)
	}

	if c.SensitiveTables == nil {
		c.SensitiveTables = DefaultSensitiveTables()
	}

	for name, lc := range c.Levels {
		if _, err := access.ParseLevel(name); err != nil {
			errs.Set("levels."+name, err)
			continue
		}
		if lc.MaxConns < 1 {
			errs.Set("levels."+name, fmt.Errorf("max_conns must be at least 1, got %d", lc.MaxConns))
		}
	}

	switch c.Store.Driver {
	case "":
	case sqlstore.DriverSQLite, sqlstore.DriverPostgres:
		if c.Store.DSN == "" {
			errs.Set("store.dsn", fmt.Errorf("dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs.Set("store.driver", fmt.Errorf("%w: %q", sqlstore.ErrUnsupportedDriver, c.Store.Driver))
	}
	for name := range c.Store.LevelDSNs {
		if _, err := access.ParseLevel(name); err != nil {
			errs.Set("store.levelDSNs."+name, err)
		}
	}

	switch c.Audit.Driver {
	case "":
		c.Audit.Driver = AuditDriverMemory
	case AuditDriverMemory:
	case AuditDriverSQLite, AuditDriverPostgres:
		if c.Audit.DSN == "" {
			errs.Set("audit.dsn", fmt.Errorf("dsn is required for driver %s", c.Audit.Driver))
		}
	default:
		errs.Set("audit.driver", fmt.Errorf("audit driver must be memory, sqlite3 or postgres, got %q", c.Audit.Driver))
	}

	esc := &c.Escalation
	if esc.TTL < 0 {
		errs.Set("escalation.ttl", fmt.Errorf("ttl must not be negative, got %s", esc.TTL))
	} else if esc.TTL == 0 {
		esc.TTL = escalation.DefaultTTL
	}
	if esc.AutoApproveTTL < 0 {
		errs.Set("escalation.autoApproveTTL", fmt.Errorf("auto approve ttl must not be negative, got %s", esc.AutoApproveTTL))
	} else if esc.AutoApproveTTL == 0 {
		esc.AutoApproveTTL = escalation.DefaultAutoApproveTTL
	}
	if esc.Categories == nil {
		esc.Categories = escalation.DefaultCategories()
	}
	for i, cat := range esc.Categories {
		if cat.Name == "" || len(cat.Keywords) == 0 {
			errs.Set(fmt.Sprintf("escalation.categories[%d]", i), errors.New("category needs a name and at least one keyword"))
		}
	}
	if esc.RequestBurst < 0 {
		errs.Set("escalation.requestBurst", fmt.Errorf("request burst must not be negative, got %d", esc.RequestBurst))
	}
	if esc.RequestWindow <= 0 {
		esc.RequestWindow = escalation.DefaultRequestWindow
	}
	if esc.SweepInterval <= 0 {
		esc.SweepInterval = DefaultSweepInterval
	}
	if esc.Redis.DB < 0 {
		errs.Set("escalation.redis.db", fmt.Errorf("redis db must not be negative, got %d", esc.Redis.DB))
	}

	if c.Archive.Retention < 0 {
		errs.Set("archive.retention", fmt.Errorf("retention must not be negative, got %s", c.Archive.Retention))
	}

	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs.Set("log.level", err)
	}
	switch c.Log.Format {
	case "":
		c.Log.Format = DefaultLogFormat
	case logging.FormatJSON, logging.FormatConsole:
	default:
		errs.Set("log.format", fmt.Errorf("log format must be json or console, got %q", c.Log.Format))
	}

	return errs.AsError()
}

// EscalationPolicy converts the escalation settings.
func (c *Config) EscalationPolicy() escalation.Policy {
	return escalation.Policy{
		DefaultTTL:     c.Escalation.TTL,
		AutoApproveTTL: c.Escalation.AutoApproveTTL,
		Categories:     c.Escalation.Categories,
		RequestBurst:   c.Escalation.RequestBurst,
		RequestWindow:  c.Escalation.RequestWindow,
	}
}

// LevelConfigs returns the validated level overrides keyed by level.
func (c *Config) LevelConfigs() map[access.Level]access.LevelConfig {
	out := make(map[access.Level]access.LevelConfig, len(c.Levels))
	for name, lc := range c.Levels {
		if level, err := access.ParseLevel(name); err == nil {
			out[level] = lc
		}
	}
	return out
}
