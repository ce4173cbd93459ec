// Package config loads dbvc configuration: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/franklyco/db-version-control-advanced-sub002/pkg/artifact"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/blob"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/kv"
	"github.com/franklyco/db-version-control-advanced-sub002/pkg/observability"
)

// Roles a dbvc node can run as.
const (
	RoleMothership = "mothership"
	RoleClient     = "client"
)

// Parse modes for preflight schema checks.
const (
	ParseStrict  = "strict"
	ParseLenient = "lenient"
)

// ApplyConfig governs how manifests are written locally.
type ApplyConfig struct {
	ReadOnly            bool              `yaml:"read_only"`
	BlockDestructive    bool              `yaml:"block_destructive"`
	OptionDefaultPolicy string            `yaml:"option_default_policy"`
	EntityDefaultPolicy string            `yaml:"entity_default_policy"`
	PolicyOverrides     map[string]string `yaml:"policy_overrides"`
	RestorePoints       bool              `yaml:"restore_points"`
	RestoreRetention    int               `yaml:"restore_retention"`
}

// PackagesConfig bounds incoming packages and sets the retry schedule.
type PackagesConfig struct {
	MaxBytes       int64         `yaml:"max_bytes"`
	SchemaVersions []string      `yaml:"schema_versions"`
	ParseMode      string        `yaml:"parse_mode"`
	BackoffBase    time.Duration `yaml:"backoff_base"`
	MaxAttempts    int           `yaml:"max_attempts"`
	TimelineMax    int           `yaml:"timeline_max"`
}

// SigningConfig configures signed node-to-node commands.
type SigningConfig struct {
	SharedSecret string        `yaml:"shared_secret"`
	Window       time.Duration `yaml:"window"`
	MaxNonces    int           `yaml:"max_nonces"`
	NonceBackend string        `yaml:"nonce_backend"`
}

type DriftConfig struct {
	MaxChanges int `yaml:"max_changes"`
}

// RemoteConfig points a client at its mothership.
type RemoteConfig struct {
	MothershipURL string `yaml:"mothership_url"`
	// HandshakeSecret is the secret the mothership issued when it accepted
	// this client. It authenticates publish, pull and ack calls.
	HandshakeSecret string        `yaml:"handshake_secret"`
	Timeout         time.Duration `yaml:"timeout"`
}

// AuthConfig secures operator routes.
type AuthConfig struct {
	JWTSecret string  `yaml:"jwt_secret"`
	Issuer    string  `yaml:"issuer"`
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// ProposalsConfig bounds the mothership proposal queue.
type ProposalsConfig struct {
	MaxQueue int `yaml:"max_queue"`
}

// Config is the full node configuration.
type Config struct {
	Role          string   `yaml:"role"`
	SiteUID       string   `yaml:"site_uid"`
	MothershipUID string   `yaml:"mothership_uid"`
	CoreVersion   string   `yaml:"core_version"`
	Capabilities  []string `yaml:"capabilities"`
	ListenAddr    string   `yaml:"listen_addr"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`

	Store     kv.Config            `yaml:"store"`
	Blob      blob.Config          `yaml:"blob"`
	Apply     ApplyConfig          `yaml:"apply"`
	Packages  PackagesConfig       `yaml:"packages"`
	Signing   SigningConfig        `yaml:"signing"`
	Drift     DriftConfig          `yaml:"drift"`
	Remote    RemoteConfig         `yaml:"remote"`
	Auth      AuthConfig           `yaml:"auth"`
	Proposals ProposalsConfig      `yaml:"proposals"`
	Telemetry observability.Config `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Role:         RoleClient,
		CoreVersion:  "1.0.0",
		Capabilities: []string{"scan", "apply", "restore"},
		ListenAddr:   ":8080",
		LogLevel:     "info",
		LogFormat:    "text",
		Store:        kv.Config{Backend: kv.BackendAuto},
		Blob:         blob.Config{Backend: blob.BackendFS},
		Apply: ApplyConfig{
			RestorePoints:    true,
			RestoreRetention: 10,
		},
		Packages: PackagesConfig{
			MaxBytes:       5 << 20,
			SchemaVersions: []string{"1", "2"},
			ParseMode:      ParseStrict,
			BackoffBase:    time.Minute,
			MaxAttempts:    5,
			TimelineMax:    100,
		},
		Signing: SigningConfig{
			Window:       300 * time.Second,
			MaxNonces:    5000,
			NonceBackend: "kv",
		},
		Drift:     DriftConfig{MaxChanges: 25},
		Remote:    RemoteConfig{Timeout: 15 * time.Second},
		Auth:      AuthConfig{Issuer: "dbvc", RateLimit: 10, RateBurst: 20},
		Proposals: ProposalsConfig{MaxQueue: 500},
		Telemetry: observability.DefaultConfig(),
	}
}

// Load builds the configuration. path may be empty; DBVC_CONFIG is used then.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("DBVC_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(name); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", name, err))
				return
			}
			*dst = d
		}
	}

	str("DBVC_ROLE", &c.Role)
	str("DBVC_SITE_UID", &c.SiteUID)
	str("DBVC_MOTHERSHIP_UID", &c.MothershipUID)
	str("DBVC_CORE_VERSION", &c.CoreVersion)
	if v := os.Getenv("PORT"); v != "" {
		c.ListenAddr = ":" + v
	}
	str("DBVC_LISTEN_ADDR", &c.ListenAddr)
	str("DBVC_LOG_LEVEL", &c.LogLevel)
	str("DBVC_LOG_FORMAT", &c.LogFormat)
	if v := os.Getenv("DBVC_CAPABILITIES"); v != "" {
		c.Capabilities = splitList(v)
	}

	str("DBVC_STORE_BACKEND", &c.Store.Backend)
	str("DATABASE_URL", &c.Store.DSN)
	str("DBVC_STORE_PATH", &c.Store.Path)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)

	str("DBVC_BLOB_BACKEND", &c.Blob.Backend)
	str("DBVC_BLOB_DIR", &c.Blob.Dir)
	str("DBVC_S3_BUCKET", &c.Blob.S3Bucket)
	str("DBVC_S3_REGION", &c.Blob.S3Region)
	str("DBVC_S3_ENDPOINT", &c.Blob.S3Endpoint)
	str("DBVC_S3_PREFIX", &c.Blob.S3Prefix)
	str("DBVC_GCS_BUCKET", &c.Blob.GCSBucket)
	str("DBVC_GCS_PREFIX", &c.Blob.GCSPrefix)

	boolean("DBVC_READ_ONLY", &c.Apply.ReadOnly)
	boolean("DBVC_BLOCK_DESTRUCTIVE", &c.Apply.BlockDestructive)
	boolean("DBVC_RESTORE_POINTS", &c.Apply.RestorePoints)
	integer("DBVC_RESTORE_RETENTION", &c.Apply.RestoreRetention)
	str("DBVC_OPTION_DEFAULT_POLICY", &c.Apply.OptionDefaultPolicy)
	str("DBVC_ENTITY_DEFAULT_POLICY", &c.Apply.EntityDefaultPolicy)

	if v := os.Getenv("DBVC_MAX_PACKAGE_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: DBVC_MAX_PACKAGE_BYTES: %w", err))
		} else {
			c.Packages.MaxBytes = n
		}
	}
	if v := os.Getenv("DBVC_SCHEMA_VERSIONS"); v != "" {
		c.Packages.SchemaVersions = splitList(v)
	}
	str("DBVC_PARSE_MODE", &c.Packages.ParseMode)
	duration("DBVC_BACKOFF_BASE", &c.Packages.BackoffBase)
	integer("DBVC_MAX_ATTEMPTS", &c.Packages.MaxAttempts)

	str("DBVC_SHARED_SECRET", &c.Signing.SharedSecret)
	duration("DBVC_SIGNING_WINDOW", &c.Signing.Window)
	integer("DBVC_MAX_NONCES", &c.Signing.MaxNonces)
	str("DBVC_NONCE_BACKEND", &c.Signing.NonceBackend)

	integer("DBVC_DRIFT_MAX_CHANGES", &c.Drift.MaxChanges)

	str("DBVC_MOTHERSHIP_URL", &c.Remote.MothershipURL)
	str("DBVC_HANDSHAKE_SECRET", &c.Remote.HandshakeSecret)
	duration("DBVC_REMOTE_TIMEOUT", &c.Remote.Timeout)

	str("DBVC_JWT_SECRET", &c.Auth.JWTSecret)
	str("DBVC_JWT_ISSUER", &c.Auth.Issuer)

	integer("DBVC_PROPOSAL_MAX_QUEUE", &c.Proposals.MaxQueue)

	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
		c.Telemetry.Enabled = true
	}
	boolean("DBVC_OTEL_INSECURE", &c.Telemetry.Insecure)

	return errors.Join(errs...)
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if c.Role != RoleMothership && c.Role != RoleClient {
		errs = append(errs, fmt.Errorf("config: role must be %q or %q, got %q", RoleMothership, RoleClient, c.Role))
	}
	if c.Role == RoleMothership && c.MothershipUID == "" {
		errs = append(errs, errors.New("config: mothership_uid is required for the mothership role"))
	}
	for _, p := range []string{c.Apply.OptionDefaultPolicy, c.Apply.EntityDefaultPolicy} {
		if p == "" {
			continue
		}
		if _, err := artifact.ParsePolicy(p); err != nil {
			errs = append(errs, fmt.Errorf("config: %w", err))
		}
	}
	for uid, p := range c.Apply.PolicyOverrides {
		if _, err := artifact.ParsePolicy(p); err != nil {
			errs = append(errs, fmt.Errorf("config: override for %s: %w", uid, err))
		}
	}
	if c.Apply.RestoreRetention < 1 {
		errs = append(errs, errors.New("config: restore_retention must be at least 1"))
	}
	if c.Packages.ParseMode != ParseStrict && c.Packages.ParseMode != ParseLenient {
		errs = append(errs, fmt.Errorf("config: parse_mode must be strict or lenient, got %q", c.Packages.ParseMode))
	}
	if c.Packages.MaxBytes <= 0 {
		errs = append(errs, errors.New("config: packages.max_bytes must be positive"))
	}
	if c.Packages.MaxAttempts < 1 {
		errs = append(errs, errors.New("config: packages.max_attempts must be at least 1"))
	}
	if c.Signing.Window <= 0 {
		errs = append(errs, errors.New("config: signing.window must be positive"))
	}
	if c.Signing.NonceBackend != "kv" && c.Signing.NonceBackend != "redis" {
		errs = append(errs, fmt.Errorf("config: signing.nonce_backend must be kv or redis, got %q", c.Signing.NonceBackend))
	}
	if c.Drift.MaxChanges < 1 {
		errs = append(errs, errors.New("config: drift.max_changes must be at least 1"))
	}
	return errors.Join(errs...)
}

// Policies returns the parsed apply policy settings. Call after Validate.
func (a ApplyConfig) Policies() (option, entity artifact.Policy, overrides map[string]artifact.Policy) {
	if a.OptionDefaultPolicy != "" {
		option, _ = artifact.ParsePolicy(a.OptionDefaultPolicy)
	}
	if a.EntityDefaultPolicy != "" {
		entity, _ = artifact.ParsePolicy(a.EntityDefaultPolicy)
	}
	overrides = make(map[string]artifact.Policy, len(a.PolicyOverrides))
	for uid, p := range a.PolicyOverrides {
		if parsed, err := artifact.ParsePolicy(p); err == nil {
			overrides[uid] = parsed
		}
	}
	return option, entity, overrides
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
