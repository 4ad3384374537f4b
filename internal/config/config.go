package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

type Config struct {
	ServiceName     string
	DatabaseURL     string
	HTTPListenAddr  string
	ProxyListenAddr string
	ProxyURL        string
	MetricsAddr     string
	LogLevel        string
	ReaperInterval  time.Duration

	VaultAddr           string
	VaultNamespace      string
	VaultRoleID         string
	VaultSecretID       string
	VaultDBMount        string
	VaultConnectionName string
	VaultTimeout        time.Duration

	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey string
	SSOInstanceARN     string
	IdentityStoreID    string

	RedisURL           string
	TemporalAddress    string
	TemporalTLS        TLSFiles
	PolicyDefaultsFile string
	AdminToken         string
}

func Load() (*Config, error) {
	reaperInterval, err := getDuration("REAPER_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	vaultTimeout, err := getDuration("VAULT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName:     getEnv("SERVICE_NAME", ""),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		HTTPListenAddr:  getEnv("HTTP_LISTEN_ADDR", ":8090"),
		ProxyListenAddr: getEnv("PROXY_LISTEN_ADDR", "127.0.0.1:5002"),
		ProxyURL:        getEnv("PROXY_URL", ""),
		MetricsAddr:     getEnv("METRICS_ADDR", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ReaperInterval:  reaperInterval,

		VaultAddr:           getEnv("VAULT_ADDR", ""),
		VaultNamespace:      getEnv("VAULT_NAMESPACE", ""),
		VaultRoleID:         getEnv("VAULT_ROLE_ID", ""),
		VaultSecretID:       getEnv("VAULT_SECRET_ID", ""),
		VaultDBMount:        getEnv("VAULT_DB_MOUNT", "database"),
		VaultConnectionName: getEnv("VAULT_DB_CONNECTION_NAME", ""),
		VaultTimeout:        vaultTimeout,

		AWSRegion:          getEnv("AWS_REGION", ""),
		AWSAccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		SSOInstanceARN:     getEnv("SSO_INSTANCE_ARN", ""),
		IdentityStoreID:    getEnv("IDENTITY_STORE_ID", ""),

		RedisURL:        getEnv("REDIS_URL", ""),
		TemporalAddress: getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalTLS: TLSFiles{
			Cert:       getEnv("TEMPORAL_TLS_CERT", ""),
			Key:        getEnv("TEMPORAL_TLS_KEY", ""),
			CA:         getEnv("TEMPORAL_TLS_CA_CERT", ""),
			ServerName: getEnv("TEMPORAL_TLS_SERVER_NAME", ""),
		},
		PolicyDefaultsFile: getEnv("POLICY_DEFAULTS_FILE", ""),
		AdminToken:         getEnv("ADMIN_TOKEN", ""),
	}

	return cfg, nil
}

// Validate checks the settings the named binary needs: "jit-api",
// "sql-proxy" or "worker".
func (c *Config) Validate(component string) error {
	var missing []string
	require := func(value, key string) {
		if value == "" {
			missing = append(missing, key)
		}
	}

	switch component {
	case "jit-api":
		require(c.DatabaseURL, "DATABASE_URL")
		require(c.HTTPListenAddr, "HTTP_LISTEN_ADDR")
		c.requireVault(require)
	case "sql-proxy":
		require(c.DatabaseURL, "DATABASE_URL")
		require(c.ProxyListenAddr, "PROXY_LISTEN_ADDR")
	case "worker":
		require(c.DatabaseURL, "DATABASE_URL")
		require(c.TemporalAddress, "TEMPORAL_ADDRESS")
		c.requireVault(require)
	default:
		return fmt.Errorf("unknown component %q", component)
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if (c.TemporalTLS.Cert == "") != (c.TemporalTLS.Key == "") {
		return fmt.Errorf("TEMPORAL_TLS_CERT and TEMPORAL_TLS_KEY must both be set")
	}
	if (c.SSOInstanceARN == "") != (c.IdentityStoreID == "") {
		return fmt.Errorf("SSO_INSTANCE_ARN and IDENTITY_STORE_ID must both be set")
	}
	if c.ReaperInterval < time.Minute {
		return fmt.Errorf("REAPER_INTERVAL must be at least 1m")
	}
	return nil
}

// The credential broker is optional; once VAULT_ADDR is set the AppRole
// credentials become required.
func (c *Config) requireVault(require func(value, key string)) {
	if c.VaultAddr == "" {
		return
	}
	require(c.VaultRoleID, "VAULT_ROLE_ID")
	require(c.VaultSecretID, "VAULT_SECRET_ID")
	require(c.VaultConnectionName, "VAULT_DB_CONNECTION_NAME")
}

// CloudAccessEnabled reports whether SSO provisioning is configured.
func (c *Config) CloudAccessEnabled() bool {
	return c.SSOInstanceARN != "" && c.IdentityStoreID != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
