// Package config handles the loading and parsing of application configuration
// from environment variables, for the broker and its clients alike.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// BrokerConfig holds all configuration settings for the broker process.
type BrokerConfig struct {
	// --- Core Settings ---
	ServerAddr string // Address for the HTTP/WebSocket server to listen on (e.g., ":9999").
	SecretKey  string // Shared secret compared against every connection's Secret-Key header.

	// --- Endpoint catalog persistence ---
	CatalogDir string  // Root directory for db/<bot_id>/<shard_id>.json snapshots.
	S3         S3Mirror // Optional shadow store for catalog durability across disk loss.

	// --- Audit/event sink (optional) ---
	KafkaBrokers     string // Comma-separated seed brokers. Empty disables the publisher.
	KafkaAuditTopic  string // Topic routing events are produced to.

	// --- CORS ---
	CORSAllowedOrigins string
	CORSMaxAge         int

	// --- Timeouts ---
	ShutdownTimeout    time.Duration
	ShutdownFinalSleep time.Duration
}

// S3Mirror configures the optional S3-backed shadow copy of the catalog.
// All fields empty means the mirror is disabled.
type S3Mirror struct {
	Endpoint string
	Region   string
	KeyID    string
	AppKey   string
	Bucket   string
}

// Enabled reports whether a bucket and region are set. catalog.NewS3Mirror
// additionally needs the endpoint and both credentials; without them it
// returns no mirror.
func (m S3Mirror) Enabled() bool {
	return m.Bucket != "" && m.Region != ""
}

// LoadBroker reads environment variables and populates a BrokerConfig.
// It sets sensible defaults for non-critical values.
func LoadBroker() (*BrokerConfig, error) {
	normalizeEndpoint := func(raw string) string {
		if raw == "" {
			return raw
		}
		if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
			return raw
		}
		return "https://" + raw
	}

	s3KeyID := getEnv("S3_ACCESS_KEY", "")
	if s3KeyID == "" {
		s3KeyID = getEnv("S3_ACCESS_KEY_ID", "")
	}
	s3Secret := getEnv("S3_SECRET_KEY", "")
	if s3Secret == "" {
		s3Secret = getEnv("S3_SECRET_ACCESS_KEY", "")
	}

	cfg := &BrokerConfig{
		ServerAddr: getEnv("SERVER_ADDR", ":9999"),
		SecretKey:  getEnv("SECRET_KEY", ""),

		CatalogDir: getEnv("CATALOG_DIR", "db"),
		S3: S3Mirror{
			Endpoint: normalizeEndpoint(getEnv("S3_ENDPOINT", "")),
			Region:   getEnv("S3_REGION", ""),
			KeyID:    s3KeyID,
			AppKey:   s3Secret,
			Bucket:   getEnv("S3_BUCKET_NAME", ""),
		},

		KafkaBrokers:    getEnv("KAFKA_BROKERS", ""),
		KafkaAuditTopic: getEnv("KAFKA_AUDIT_TOPIC", "broker.audit"),

		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		CORSMaxAge:         getEnvAsInt("CORS_MAX_AGE", 300),

		ShutdownTimeout:    getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		ShutdownFinalSleep: getEnvAsDuration("SHUTDOWN_FINAL_SLEEP", 2*time.Second),
	}

	if err := validateCriticalBrokerConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validateCriticalBrokerConfig(cfg *BrokerConfig) error {
	// An empty SecretKey is legal (spec.md §4.1: "absent secret on the broker
	// means only connections with an absent or empty header are accepted"),
	// so there is nothing to reject here today. The check exists as the hook
	// future required settings should register themselves with.
	var missing []string
	if len(missing) > 0 {
		return fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// WorkerConfig holds the settings a worker process needs to reach the broker.
type WorkerConfig struct {
	BrokerURL       string // ws://host:port path the worker dials.
	SecretKey       string
	BotID           string
	ShardID         string
	ReconnectWait   time.Duration
	HandshakeWait   time.Duration
}

// LoadWorker reads environment variables into a WorkerConfig.
func LoadWorker() (*WorkerConfig, error) {
	cfg := &WorkerConfig{
		BrokerURL:     getEnv("BROKER_URL", "ws://127.0.0.1:9999/"),
		SecretKey:     getEnv("SECRET_KEY", ""),
		BotID:         getEnv("BOT_ID", ""),
		ShardID:       getEnv("SHARD_ID", ""),
		ReconnectWait: getEnvAsDuration("RECONNECT_WAIT", 3*time.Second),
		HandshakeWait: getEnvAsDuration("HANDSHAKE_WAIT", 10*time.Second),
	}
	var missing []string
	if cfg.BotID == "" {
		missing = append(missing, "BOT_ID")
	}
	if cfg.ShardID == "" {
		missing = append(missing, "SHARD_ID")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing critical environment variables: %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

// RequesterConfig holds the settings a requester session needs.
type RequesterConfig struct {
	BrokerURL string
	SecretKey string
	RetryWait time.Duration
}

// LoadRequester reads environment variables into a RequesterConfig.
func LoadRequester() *RequesterConfig {
	return &RequesterConfig{
		BrokerURL: getEnv("BROKER_URL", "ws://127.0.0.1:9999/"),
		SecretKey: getEnv("SECRET_KEY", ""),
		RetryWait: getEnvAsDuration("RETRY_WAIT", 3*time.Second),
	}
}

// --- Helper functions for robust environment variable loading ---

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	return defaultValue
}
