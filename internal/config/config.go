package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	HTTPAddr    string
	PostgresDSN string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueStream   string
	QueueGroup    string

	StorageBasePath string

	VaultAddr  string
	VaultToken string
	TufdEnv    string

	PolicyBundlePath string

	WorkerCount        int
	LeaseSeconds       int
	MaxCommitRetries   int
	MaxPublishRetries  int
	QueueBlockSeconds  int
	ReclaimIdleSeconds int

	// Online signing seeds, hex encoded ed25519 seeds. Used when Vault is
	// not configured; Vault wins when both are present.
	TargetsKeySeedHex   string
	SnapshotKeySeedHex  string
	TimestampKeySeedHex string
	BinsKeySeedHex      string
}

func FromEnv() Config {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return Config{
		HTTPAddr:            addr,
		PostgresDSN:         os.Getenv("POSTGRES_DSN"),
		LogLevel:            envDefault("LOG_LEVEL", "info"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		RedisDB:             envIntDefault("REDIS_DB", 0),
		QueueStream:         envDefault("QUEUE_STREAM", "tufd:tasks"),
		QueueGroup:          envDefault("QUEUE_GROUP", "tufd-workers"),
		StorageBasePath:     envDefault("STORAGE_BASE_PATH", "/var/lib/tufd/metadata"),
		VaultAddr:           os.Getenv("VAULT_ADDR"),
		VaultToken:          os.Getenv("VAULT_TOKEN"),
		TufdEnv:             envDefault("TUFD_ENV", "dev"),
		PolicyBundlePath:    os.Getenv("POLICY_BUNDLE_PATH"),
		WorkerCount:         envIntDefault("WORKER_COUNT", 4),
		LeaseSeconds:        envIntDefault("TASK_LEASE_SECONDS", 120),
		MaxCommitRetries:    envIntDefault("MAX_COMMIT_RETRIES", 5),
		MaxPublishRetries:   envIntDefault("MAX_PUBLISH_RETRIES", 5),
		QueueBlockSeconds:   envIntDefault("QUEUE_BLOCK_SECONDS", 5),
		ReclaimIdleSeconds:  envIntDefault("QUEUE_RECLAIM_IDLE_SECONDS", 300),
		TargetsKeySeedHex:   os.Getenv("TARGETS_KEY_SEED_HEX"),
		SnapshotKeySeedHex:  os.Getenv("SNAPSHOT_KEY_SEED_HEX"),
		TimestampKeySeedHex: os.Getenv("TIMESTAMP_KEY_SEED_HEX"),
		BinsKeySeedHex:      os.Getenv("BINS_KEY_SEED_HEX"),
	}
}

func (c Config) LeaseTTL() time.Duration {
	if c.LeaseSeconds <= 0 {
		return 2 * time.Minute
	}
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c Config) QueueBlock() time.Duration {
	if c.QueueBlockSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.QueueBlockSeconds) * time.Second
}

func (c Config) ReclaimIdle() time.Duration {
	if c.ReclaimIdleSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.ReclaimIdleSeconds) * time.Second
}

func envDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
