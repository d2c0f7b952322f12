package medguard

import "time"

// Environment variable names
const (
	// EnvMasterSecret holds the master secret when SecretSource is "env".
	EnvMasterSecret = "MEDGUARD_MASTER_SECRET"

	// EnvSecretSource selects where the master secret comes from: "env"
	// (default), "vault", "aws" or "kms".
	EnvSecretSource = "MEDGUARD_SECRET_SOURCE"

	// EnvVaultSecretPath is the KV v2 path read when SecretSource is "vault".
	// Default: secret/data/medguard/master
	EnvVaultSecretPath = "MEDGUARD_VAULT_SECRET_PATH"

	// EnvAWSSecretID names the Secrets Manager secret read when SecretSource
	// is "aws". Default: medguard/master
	EnvAWSSecretID = "MEDGUARD_AWS_SECRET_ID"

	// EnvKMSCiphertext holds the base64 KMS ciphertext of the master secret
	// when SecretSource is "kms".
	EnvKMSCiphertext = "MEDGUARD_KMS_CIPHERTEXT"

	// EnvAWSRegion overrides the region of the AWS secret sources.
	EnvAWSRegion = "MEDGUARD_AWS_REGION"

	EnvServiceName = "MEDGUARD_SERVICE_NAME"

	// EnvStoreDriver and EnvStoreDSN configure the scoped data store.
	EnvStoreDriver = "MEDGUARD_STORE_DRIVER"
	EnvStoreDSN    = "MEDGUARD_STORE_DSN"

	// EnvAuditDriver and EnvAuditDSN configure audit persistence. An empty
	// driver keeps the audit log in memory.
	EnvAuditDriver = "MEDGUARD_AUDIT_DRIVER"
	EnvAuditDSN    = "MEDGUARD_AUDIT_DSN"

	EnvEscalationTTL    = "MEDGUARD_ESCALATION_TTL"
	EnvAutoApproveTTL   = "MEDGUARD_AUTO_APPROVE_TTL"
	EnvEscalationBurst  = "MEDGUARD_ESCALATION_BURST"
	EnvSweepInterval    = "MEDGUARD_SWEEP_INTERVAL"
	EnvRedisAddr        = "MEDGUARD_REDIS_ADDR"
	EnvRedisPassword    = "MEDGUARD_REDIS_PASSWORD"
	EnvRedisDB          = "MEDGUARD_REDIS_DB"
	EnvSensitiveTables  = "MEDGUARD_SENSITIVE_TABLES"
	EnvArchiveBucket    = "MEDGUARD_ARCHIVE_BUCKET"
	EnvArchivePrefix    = "MEDGUARD_ARCHIVE_PREFIX"
	EnvArchiveRetention = "MEDGUARD_ARCHIVE_RETENTION"
	EnvLogLevel         = "MEDGUARD_LOG_LEVEL"
	EnvLogFormat        = "MEDGUARD_LOG_FORMAT"
)

// Secret sources
const (
	SecretSourceEnv   = "env"
	SecretSourceVault = "vault"
	SecretSourceAWS   = "aws"
	SecretSourceKMS   = "kms"
)

// Audit drivers. AuditDriverMemory keeps entries in process.
const (
	AuditDriverMemory   = "memory"
	AuditDriverSQLite   = "sqlite3"
	AuditDriverPostgres = "postgres"
)

// Default values
const (
	DefaultServiceName   = "medguard"
	DefaultSweepInterval = time.Minute
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
)

// DefaultSensitiveTables returns the tables checksummed around migrations
// when none are configured.
func DefaultSensitiveTables() []string {
	return []string{"patients", "consultations", "prescriptions", "medical_records"}
}
