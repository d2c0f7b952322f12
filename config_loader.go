package medguard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadConfigFromEnvironment reads the MEDGUARD_* variables and returns a
// validated Config.
//
// envFiles are loaded first with godotenv; without arguments a ".env" file
// in the working directory is loaded when present. Variables already set in
// the process environment win over file values.
//
// Required environment variables:
//   - MEDGUARD_MASTER_SECRET when MEDGUARD_SECRET_SOURCE is unset or "env"
//   - MEDGUARD_KMS_CIPHERTEXT when MEDGUARD_SECRET_SOURCE=kms
//
// Example usage:
//
//	cfg, err := medguard.LoadConfigFromEnvironment()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	guard, err := medguard.New(ctx, cfg)
func LoadConfigFromEnvironment(envFiles ...string) (Config, error) {
	if err := loadEnvFiles(envFiles); err != nil {
		return Config{}, err
	}

	errs := errsx.Map{}
	cfg := Config{
		ServiceName:     os.Getenv(EnvServiceName),
		SecretSource:    os.Getenv(EnvSecretSource),
		MasterSecret:    os.Getenv(EnvMasterSecret),
		VaultSecretPath: os.Getenv(EnvVaultSecretPath),
		AWSSecretID:     os.Getenv(EnvAWSSecretID),
		KMSCiphertext:   os.Getenv(EnvKMSCiphertext),
		AWSRegion:       os.Getenv(EnvAWSRegion),
		SensitiveTables: splitList(os.Getenv(EnvSensitiveTables)),
		Store: StoreConfig{
			Driver: os.Getenv(EnvStoreDriver),
			DSN:    os.Getenv(EnvStoreDSN),
		},
		Audit: AuditConfig{
			Driver: os.Getenv(EnvAuditDriver),
			DSN:    os.Getenv(EnvAuditDSN),
		},
		Escalation: EscalationConfig{
			TTL:            envDuration(&errs, EnvEscalationTTL),
			AutoApproveTTL: envDuration(&errs, EnvAutoApproveTTL),
			RequestBurst:   envInt(&errs, EnvEscalationBurst),
			SweepInterval:  envDuration(&errs, EnvSweepInterval),
			Redis: RedisConfig{
				Addr:     os.Getenv(EnvRedisAddr),
				Password: os.Getenv(EnvRedisPassword),
				DB:       envInt(&errs, EnvRedisDB),
			},
		},
		Archive: ArchiveConfig{
			Bucket:    os.Getenv(EnvArchiveBucket),
			Prefix:    os.Getenv(EnvArchivePrefix),
			Retention: envDuration(&errs, EnvArchiveRetention),
		},
		Log: LogConfig{
			Level:  os.Getenv(EnvLogLevel),
			Format: os.Getenv(EnvLogFormat),
		},
	}
	if err := errs.AsError(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file. Durations are written as
// Go duration strings ("30m", "15m"). The master secret is never read from
// the file; it comes from MEDGUARD_MASTER_SECRET.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config file: %w", ErrInvalidConfiguration, err)
	}
	cfg.MasterSecret = os.Getenv(EnvMasterSecret)
	if cfg.KMSCiphertext == "" {
		cfg.KMSCiphertext = os.Getenv(EnvKMSCiphertext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return fmt.Errorf("failed to load env files: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

func envDuration(errs *errsx.Map, key string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		errs.Set(key, fmt.Errorf("invalid duration %q: %w", v, err))
	}
	return d
}

func envInt(errs *errsx.Map, key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		errs.Set(key, fmt.Errorf("invalid integer %q: %w", v, err))
	}
	return n
}

func splitList(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
