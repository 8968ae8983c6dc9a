// Package config provides configuration for the store hooks and the
// importer. Configuration is loaded once at process start and treated as
// immutable thereafter.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Reserved metadata key space. Keys below this value belong to the host
// store itself and must never be written by this subsystem.
const reservedKeyFloor = 1024

// Common errors.
var (
	ErrReservedKeyCollision = errors.New("metadata key collides with the host's key space")
)

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Orthanc  OrthancConfig  `yaml:"orthanc"`
	Keycloak KeycloakConfig `yaml:"keycloak"`
	Auth     AuthConfig     `yaml:"auth"`
	Metadata MetadataConfig `yaml:"metadata"`
	Importer ImporterConfig `yaml:"importer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration for the gateway.
type ServerConfig struct {
	GatewayAddr       string        `yaml:"gateway_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// OrthancConfig holds the connection to the hosting image store.
type OrthancConfig struct {
	URL      string        `yaml:"url"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Timeout  time.Duration `yaml:"timeout"`
}

// KeycloakConfig holds the identity provider connection.
type KeycloakConfig struct {
	URL          string `yaml:"url"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// JWKSURL returns the realm's JWKS endpoint.
func (k KeycloakConfig) JWKSURL() string {
	return k.URL + "/realms/" + k.Realm + "/protocol/openid-connect/certs"
}

// TokenURL returns the realm's token endpoint.
func (k KeycloakConfig) TokenURL() string {
	return k.URL + "/realms/" + k.Realm + "/protocol/openid-connect/token"
}

// AuthConfig holds access-decision configuration.
type AuthConfig struct {
	// VerifySignatures enables checking token signatures against the
	// realm JWKS. Off by default: the upstream proxy has already
	// validated signatures, and a token failing verification here is
	// treated the same as an unparsable one.
	VerifySignatures bool `yaml:"verify_signatures"`
	// AdminRole is the role granting a full tenant-scoping bypass.
	AdminRole string `yaml:"admin_role"`
}

// MetadataConfig holds the reserved metadata keys written on stored
// instances. All keys must be at or above the reserved floor (1024).
type MetadataConfig struct {
	TenantKey     int `yaml:"tenant_key"`
	ImportedAtKey int `yaml:"imported_at_key"`
	OriginKey     int `yaml:"origin_key"`
}

// ImporterConfig holds the inbox importer configuration.
type ImporterConfig struct {
	InboxPath     string        `yaml:"inbox_path"`
	ProcessedPath string        `yaml:"processed_path"`
	FailedPath    string        `yaml:"failed_path"`
	Cooldown      time.Duration `yaml:"cooldown"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level        string `yaml:"level"`
	HTTPRequests bool   `yaml:"http_requests"`
}

// Load reads configuration from a YAML file, applies environment
// overrides and validates the result. A missing file yields defaults.
func Load(path string) (*AppConfig, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			GatewayAddr:       ":8043",
			MetricsAddr:       ":9090",
			ReadHeaderTimeout: 10 * time.Second,
		},
		Orthanc: OrthancConfig{
			URL:     "http://orthanc:8042",
			Timeout: 30 * time.Second,
		},
		Keycloak: KeycloakConfig{
			URL:      "http://keycloak:8080",
			Realm:    "dicom",
			ClientID: "orthanc-api",
		},
		Auth: AuthConfig{
			AdminRole: "admin",
		},
		Metadata: MetadataConfig{
			TenantKey:     1024,
			ImportedAtKey: 1025,
			OriginKey:     1026,
		},
		Importer: ImporterConfig{
			InboxPath:     "/inbox",
			ProcessedPath: "/processed",
			FailedPath:    "/failed",
			Cooldown:      60 * time.Second,
			MaxConcurrent: 3,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// applyEnv overlays the environment variables the deployment exposes.
func (c *AppConfig) applyEnv() {
	setString(&c.Orthanc.URL, "ORTHANC_URL")
	setString(&c.Orthanc.Username, "ORTHANC_USERNAME")
	setString(&c.Orthanc.Password, "ORTHANC_PASSWORD")
	setString(&c.Keycloak.URL, "KEYCLOAK_URL")
	setString(&c.Keycloak.Realm, "KEYCLOAK_REALM")
	setString(&c.Keycloak.ClientID, "KEYCLOAK_CLIENT_ID")
	setString(&c.Keycloak.ClientSecret, "KEYCLOAK_CLIENT_SECRET")
	setString(&c.Logging.Level, "LOG_LEVEL")
	setString(&c.Importer.InboxPath, "INBOX_PATH")
	setString(&c.Importer.ProcessedPath, "PROCESSED_PATH")
	setString(&c.Importer.FailedPath, "FAILED_PATH")
	setDurationSeconds(&c.Importer.Cooldown, "COOLDOWN_SECONDS")
	setInt(&c.Importer.MaxConcurrent, "MAX_CONCURRENT")
}

// Validate checks invariants that would otherwise surface as runtime
// misbehavior.
func (c *AppConfig) Validate() error {
	keys := map[string]int{
		"tenant_key":      c.Metadata.TenantKey,
		"imported_at_key": c.Metadata.ImportedAtKey,
		"origin_key":      c.Metadata.OriginKey,
	}
	seen := make(map[int]string, len(keys))
	for name, key := range keys {
		if key < reservedKeyFloor {
			return fmt.Errorf("%w: %s=%d (minimum %d)", ErrReservedKeyCollision, name, key, reservedKeyFloor)
		}
		if other, dup := seen[key]; dup {
			return fmt.Errorf("metadata keys %s and %s both set to %d", other, name, key)
		}
		seen[key] = name
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDurationSeconds(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
